package pkgfmt

import "time"

// EntryToken identifies one in-progress package entry across the
// HandleEntry/HandleEntryAttribute/HandleEntryDone calls of a single
// parse (spec.md §4.2). The zero value denotes "no parent" (package
// root).
type EntryToken uint64

// Entry describes one file-hierarchy entry as the archive codec reports
// it, before the core has built a PackageNode for it.
type Entry struct {
	Name    string
	Mode    Mode
	UID     uint32
	GID     uint32
	ModTime time.Time

	// Size and Extents apply to regular files only.
	Size    int64
	Extents []Extent

	// SymlinkTarget applies to symlinks only.
	SymlinkTarget string
}

// Attribute is a named, typed attribute blob attached to a package entry
// (spec.md §4.2 HandleEntryAttribute).
type Attribute struct {
	Name  string
	Type  string
	Value []byte
}

// AttributeTag names a recognized package-level attribute (spec.md §4.2
// HandlePackageAttribute). Tags other than the four below are ignored
// without error.
type AttributeTag string

const (
	TagName     AttributeTag = "name"
	TagVersion  AttributeTag = "version"
	TagProvides AttributeTag = "provides"
	TagRequires AttributeTag = "requires"
)

// PackageAttribute is one package-level metadata record delivered by the
// codec (spec.md §4.2 HandlePackageAttribute).
type PackageAttribute struct {
	Tag AttributeTag

	// Populated when Tag == TagName.
	Name string

	// Populated when Tag == TagVersion.
	Version Version

	// Populated when Tag is TagProvides or TagRequires.
	ResolvableName string
	Op             VersionOp
	Want           Version
}

// ContentHandler is the five-method protocol an external archive codec
// drives to build one Package's node tree (spec.md §4.2). The core
// implements this interface; internal/archive is this repository's one
// concrete codec that calls it.
type ContentHandler interface {
	// HandleEntry is called in pre-order per directory entry. parent is
	// EntryToken(0) for top-level entries. Returns a token the codec
	// uses to identify this entry as the parent of its children.
	HandleEntry(entry Entry, parent EntryToken) (EntryToken, error)

	// HandleEntryAttribute attaches a named attribute to the entry
	// identified by entryToken.
	HandleEntryAttribute(entryToken EntryToken, attr Attribute) error

	// HandleEntryDone marks entryToken's sub-tree complete.
	HandleEntryDone(entryToken EntryToken) error

	// HandlePackageAttribute delivers one package-level metadata record.
	HandlePackageAttribute(attr PackageAttribute) error

	// HandleError signals a fatal parse error; the core abandons this
	// package, dropping every PackageNode built so far.
	HandleError(err error) error
}
