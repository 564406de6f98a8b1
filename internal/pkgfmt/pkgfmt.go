// Package pkgfmt is the in-memory representation of one loaded package
// archive (spec.md §3/§4.2): its node tree, resolvables, and dependencies.
// The archive codec itself is an external collaborator (spec.md §1); this
// package only defines the data model and the ContentHandler protocol a
// codec drives.
package pkgfmt

import (
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/xerrors"
)

// ErrNotARegularFile is returned by PackageLeaf.ReadAt against a symlink.
var ErrNotARegularFile = xerrors.New("pkgfmt: not a regular file")

// ErrBuilderFailed is returned by Builder.Package after HandleError fired,
// or by any Builder method called on an already-failed builder.
var ErrBuilderFailed = xerrors.New("pkgfmt: package build failed")

// MetadataFileName is the one reserved package-entry name excluded from
// content application (spec.md §9 Open Question 2: "treat it as exactly
// one filename").
const MetadataFileName = ".PackageInfo"

// VersionOp is the comparison operator of a Dependency's version
// requirement, e.g. "requires glibc >= 2.27" (see SPEC_FULL.md §3).
type VersionOp string

const (
	OpNone VersionOp = ""
	OpLT   VersionOp = "<"
	OpLE   VersionOp = "<="
	OpEQ   VersionOp = "=="
	OpGE   VersionOp = ">="
	OpGT   VersionOp = ">"
)

// Version is a package's major.minor.micro-release version, as recognized
// by the "version" package attribute tag (spec.md §4.2).
type Version struct {
	Major, Minor, Micro int
	Release             int
}

func (v Version) String() string {
	s := itoa(v.Major) + "." + itoa(v.Minor) + "." + itoa(v.Micro)
	if v.Release != 0 {
		s += "-" + itoa(v.Release)
	}
	return s
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Resolvable is something a Package provides (spec.md §3).
type Resolvable struct {
	Name    string
	Version *Version // nil if unversioned

	Package *Package // back-pointer, owned by Package
}

// Dependency is something a Package requires (spec.md §3).
type Dependency struct {
	Name string
	Op   VersionOp
	Want *Version // nil if Op == OpNone

	Package *Package // back-pointer, owned by Package
}

// FileID is a package archive's on-disk identity (device, inode),
// recorded on each Package as Package.File.
type FileID struct {
	Device uint64
	Inode  uint64
}

// Package is one loaded archive (spec.md §3). It exclusively owns its
// PackageNode tree, Resolvables, and Dependencies.
type Package struct {
	Name    string
	Version Version
	Arch    string
	File    FileID

	refs int32 // atomic

	Root *PackageDirectory

	Resolvables []*Resolvable
	Dependents  []*Dependency // "requires"

	Family *PackageFamily // back-pointer, weak
}

// Filename renders the canonical "<name>-<version>-<arch>" package-link
// directory name (spec.md §6 "Package link path encoding"); it is not the
// archive's on-disk filename.
func (p *Package) Filename() string {
	name := p.Name
	if v := p.Version.String(); v != "0.0.0" {
		name += "-" + v
	}
	if p.Arch != "" {
		name += "-" + p.Arch
	}
	return name
}

// AddRef increments the package's reference count.
func (p *Package) AddRef() { atomic.AddInt32(&p.refs, 1) }

// RemoveRef decrements the reference count and reports whether it reached
// zero (the package should be destroyed).
func (p *Package) RemoveRef() bool { return atomic.AddInt32(&p.refs, -1) == 0 }

// RefCount reports the current reference count (tests, metrics).
func (p *Package) RefCount() int32 { return atomic.LoadInt32(&p.refs) }

// PackageFamily is the set of same-named packages (spec.md §3). It holds
// weak back-references: lookup only, no ownership.
type PackageFamily struct {
	Name     string
	Packages []*Package
}

// Add appends pkg to the family and sets its back-pointer.
func (f *PackageFamily) Add(pkg *Package) {
	pkg.Family = f
	f.Packages = append(f.Packages, pkg)
}

// Remove drops pkg from the family. Reports whether the family is now
// empty (callers should destroy it per spec.md §3's PackageFamily
// lifecycle).
func (f *PackageFamily) Remove(pkg *Package) bool {
	for i, p := range f.Packages {
		if p == pkg {
			f.Packages = append(f.Packages[:i], f.Packages[i+1:]...)
			break
		}
	}
	return len(f.Packages) == 0
}

// Mode is a filtered (write-bits-stripped) POSIX file mode, as parsed by
// the archive codec (spec.md §4.2: "on parse the core filters out all
// write bits from file modes").
type Mode uint32

const (
	ModeDir     Mode = 1 << 31
	ModeSymlink Mode = 1 << 30
	modeTypeMask     = ModeDir | ModeSymlink
)

// FilterWriteBits clears every write permission bit, enforcing the
// read-only filesystem invariant at parse time.
func FilterWriteBits(m Mode) Mode {
	const writeBits = 0o222
	return m &^ Mode(writeBits)
}

// IsDir reports whether m describes a directory.
func (m Mode) IsDir() bool { return m&ModeDir != 0 }

// IsSymlink reports whether m describes a symlink.
func (m Mode) IsSymlink() bool { return m&ModeSymlink != 0 }

// PackageNode is one entry inside a package archive (spec.md §3),
// shared (reference-counted) with the UnpackingNodes that include it.
type PackageNode interface {
	Name() string
	Mode() Mode
	UID() uint32
	GID() uint32
	ModTime() time.Time
	Parent() PackageNode // within the package, nil at package root
	Owner() *Package

	// Attributes returns the entry's named attributes, in the order
	// HandleEntryAttribute delivered them (spec.md §3's PackageNode
	// "attributes" field).
	Attributes() []Attribute

	// HasPrecedenceOver implements the precedence policy of spec.md §4.3.
	// This implementation resolves the Open Question in favor of
	// modification-time-only precedence (see DESIGN.md), applied
	// uniformly to leaves and directories.
	HasPrecedenceOver(other PackageNode) bool

	addRef()
	release() bool // true when refcount reaches zero
	addAttribute(attr Attribute)
}

// nodeBase factors the fields and precedence policy shared by every
// PackageNode variant.
type nodeBase struct {
	name       string
	mode       Mode
	uid        uint32
	gid        uint32
	modTime    time.Time
	parent     PackageNode
	owner      *Package
	refs       int32
	attributes []Attribute
}

func (n *nodeBase) Name() string            { return n.name }
func (n *nodeBase) Mode() Mode              { return n.mode }
func (n *nodeBase) UID() uint32             { return n.uid }
func (n *nodeBase) GID() uint32             { return n.gid }
func (n *nodeBase) ModTime() time.Time      { return n.modTime }
func (n *nodeBase) Parent() PackageNode     { return n.parent }
func (n *nodeBase) Owner() *Package         { return n.owner }
func (n *nodeBase) Attributes() []Attribute { return n.attributes }

func (n *nodeBase) addRef() { atomic.AddInt32(&n.refs, 1) }
func (n *nodeBase) release() bool {
	return atomic.AddInt32(&n.refs, -1) == 0
}

// addAttribute appends attr, preserving HandleEntryAttribute's delivery
// order.
func (n *nodeBase) addAttribute(attr Attribute) {
	n.attributes = append(n.attributes, attr)
}

// HasPrecedenceOver implements the decided policy: strictly newer
// modification time wins; exact ties favor the existing head (caller
// inserts the new node after, per spec.md §4.3 step 3).
func (n *nodeBase) HasPrecedenceOver(other PackageNode) bool {
	return n.modTime.After(other.ModTime())
}

// PackageDirectory is a package-local directory (spec.md §3).
type PackageDirectory struct {
	nodeBase
	Children []PackageNode
}

// NewPackageDirectory constructs a directory node filtering write bits
// from mode.
func NewPackageDirectory(name string, mode Mode, uid, gid uint32, modTime time.Time, parent PackageNode, owner *Package) *PackageDirectory {
	return &PackageDirectory{nodeBase: nodeBase{
		name: name, mode: FilterWriteBits(mode) | ModeDir,
		uid: uid, gid: gid, modTime: modTime, parent: parent, owner: owner,
	}}
}

// AddChild appends child to the directory's child list and sets its
// (weak, in the sense that PackageNode.Parent is observation-only) parent
// pointer — it was already set at construction time.
func (d *PackageDirectory) AddChild(child PackageNode) {
	d.Children = append(d.Children, child)
}

// PackageLeaf is a package-local file or symlink (spec.md §3).
type PackageLeaf struct {
	nodeBase

	// Extents describes the file's data as byte ranges within the
	// archive. Empty for symlinks.
	Extents []Extent
	reader  io.ReaderAt // archive-wide reader shared across all leaves

	// SymlinkTarget is the link target string; empty for regular files.
	SymlinkTarget string

	size int64
}

// Extent is one (offset, length) range of file data within the archive,
// as spec.md §3 describes PackageLeafNode's "data extents".
type Extent struct {
	Offset int64
	Length int64
}

// NewPackageFile constructs a regular-file leaf node.
func NewPackageFile(name string, mode Mode, uid, gid uint32, modTime time.Time, parent PackageNode, owner *Package, size int64, extents []Extent, reader io.ReaderAt) *PackageLeaf {
	return &PackageLeaf{
		nodeBase: nodeBase{
			name: name, mode: FilterWriteBits(mode) &^ modeTypeMask,
			uid: uid, gid: gid, modTime: modTime, parent: parent, owner: owner,
		},
		Extents: extents,
		reader:  reader,
		size:    size,
	}
}

// NewPackageSymlink constructs a symlink leaf node.
func NewPackageSymlink(name string, mode Mode, uid, gid uint32, modTime time.Time, parent PackageNode, owner *Package, target string) *PackageLeaf {
	return &PackageLeaf{
		nodeBase: nodeBase{
			name: name, mode: FilterWriteBits(mode) | ModeSymlink,
			uid: uid, gid: gid, modTime: modTime, parent: parent, owner: owner,
		},
		SymlinkTarget: target,
	}
}

// FileSize returns the apparent size: the symlink target length for
// symlinks, the extent-derived size for regular files (spec.md §4.3).
func (l *PackageLeaf) FileSize() int64 {
	if l.IsSymlink() {
		return int64(len(l.SymlinkTarget))
	}
	return l.size
}

// ReadAt reads file content at off into p, reading from the archive-wide
// reader through this leaf's extents. Extents are concatenated logically
// (as the squashfs reader the teacher uses does with io.SectionReader),
// so a read may span more than one extent.
func (l *PackageLeaf) ReadAt(p []byte, off int64) (int, error) {
	if l.IsSymlink() {
		return 0, ErrNotARegularFile
	}
	if off < 0 || off >= l.size {
		return 0, io.EOF
	}

	var (
		read     int
		cursor   = off // logical position, across all extents
		preceded int64 // logical length of extents fully skipped so far
	)
	for _, ext := range l.Extents {
		if read == len(p) {
			break
		}
		extEnd := preceded + ext.Length
		if extEnd <= cursor {
			preceded = extEnd
			continue
		}
		extOff := cursor - preceded // offset within this extent
		n := ext.Length - extOff
		if want := int64(len(p) - read); n > want {
			n = want
		}
		got, err := l.reader.ReadAt(p[read:read+int(n)], ext.Offset+extOff)
		read += got
		cursor += int64(got)
		preceded = extEnd
		if err != nil && err != io.EOF {
			return read, err
		}
		if int64(got) < n {
			break
		}
	}
	if read == 0 {
		return 0, io.EOF
	}
	return read, nil
}
