package pkgfmt

import (
	"fmt"
	"io"
	"time"
)

// Builder implements ContentHandler, turning the codec's entry stream into
// a *Package (spec.md §4.2). One Builder parses exactly one package; it
// is not reusable.
type Builder struct {
	pkg     *Package
	reader  io.ReaderAt
	nodes   map[EntryToken]PackageNode
	nextTok EntryToken
	failed  bool
}

// NewBuilder starts building a package whose file data will be read
// through reader (the archive's backing file, decompressed).
func NewBuilder(file FileID, reader io.ReaderAt) *Builder {
	pkg := &Package{File: file}
	b := &Builder{
		pkg:    pkg,
		reader: reader,
		nodes:  make(map[EntryToken]PackageNode),
	}
	pkg.Root = NewPackageDirectory("", ModeDir|0o555, 0, 0, time.Time{}, nil, pkg)
	b.nodes[0] = pkg.Root
	return b
}

// HandleEntry implements ContentHandler.
func (b *Builder) HandleEntry(entry Entry, parent EntryToken) (EntryToken, error) {
	if b.failed {
		return 0, ErrBuilderFailed
	}
	if entry.Name == MetadataFileName && parent == 0 {
		// Metadata entries never become content nodes; still need a
		// token so attribute calls referencing it don't panic.
		b.nextTok++
		return b.nextTok, nil
	}

	parentNode, ok := b.nodes[parent]
	if !ok {
		return 0, fmt.Errorf("pkgfmt: unknown parent token %d", parent)
	}
	parentDir, ok := parentNode.(*PackageDirectory)
	if !ok {
		return 0, fmt.Errorf("pkgfmt: parent %q is not a directory", parentNode.Name())
	}

	var node PackageNode
	switch {
	case entry.Mode.IsDir():
		node = NewPackageDirectory(entry.Name, entry.Mode, entry.UID, entry.GID, entry.ModTime, parentNode, b.pkg)
	case entry.Mode.IsSymlink():
		node = NewPackageSymlink(entry.Name, entry.Mode, entry.UID, entry.GID, entry.ModTime, parentNode, b.pkg, entry.SymlinkTarget)
	default:
		node = NewPackageFile(entry.Name, entry.Mode, entry.UID, entry.GID, entry.ModTime, parentNode, b.pkg, entry.Size, entry.Extents, b.reader)
	}
	parentDir.AddChild(node)

	b.nextTok++
	b.nodes[b.nextTok] = node
	return b.nextTok, nil
}

// HandleEntryAttribute implements ContentHandler, attaching attr to the
// entry's PackageNode (spec.md §4.2 "attaches a named attribute ... to a
// package-node"). internal/vfsfuse's ListXattr/GetXattr serve these back
// from the head package-node (spec.md §6).
func (b *Builder) HandleEntryAttribute(entryToken EntryToken, attr Attribute) error {
	node, ok := b.nodes[entryToken]
	if !ok {
		return fmt.Errorf("pkgfmt: unknown entry token %d", entryToken)
	}
	node.addAttribute(attr)
	return nil
}

// HandleEntryDone implements ContentHandler.
func (b *Builder) HandleEntryDone(entryToken EntryToken) error {
	if _, ok := b.nodes[entryToken]; !ok {
		return fmt.Errorf("pkgfmt: unknown entry token %d", entryToken)
	}
	return nil
}

// HandlePackageAttribute implements ContentHandler, recognizing exactly
// the four tags spec.md §4.2 names.
func (b *Builder) HandlePackageAttribute(attr PackageAttribute) error {
	switch attr.Tag {
	case TagName:
		b.pkg.Name = attr.Name
	case TagVersion:
		b.pkg.Version = attr.Version
	case TagProvides:
		b.pkg.Resolvables = append(b.pkg.Resolvables, &Resolvable{
			Name: attr.ResolvableName, Version: versionOrNil(attr.Want), Package: b.pkg,
		})
	case TagRequires:
		b.pkg.Dependents = append(b.pkg.Dependents, &Dependency{
			Name: attr.ResolvableName, Op: attr.Op, Want: versionOrNil(attr.Want), Package: b.pkg,
		})
	default:
		// Other tags are ignored without error, per spec.md §4.2.
	}
	return nil
}

func versionOrNil(v Version) *Version {
	if (v == Version{}) {
		return nil
	}
	return &v
}

// HandleError implements ContentHandler: abandon the package.
func (b *Builder) HandleError(err error) error {
	b.failed = true
	b.nodes = nil
	b.pkg = nil
	return err
}

// Package returns the built package. Valid only if no HandleError call
// occurred and the codec is done driving the handler.
func (b *Builder) Package() (*Package, error) {
	if b.failed || b.pkg == nil {
		return nil, ErrBuilderFailed
	}
	return b.pkg, nil
}
