package unionfs

import (
	"time"

	"github.com/distr1/packagefs/internal/nodeid"
	"github.com/distr1/packagefs/internal/pkgerr"
	"github.com/distr1/packagefs/internal/pkgfmt"
)

// Leaf is a merged file or symlink: the union of every activated package's
// PackageLeaf at this path, ordered by precedence. Only the head
// contributor is visible through Mode/ModTime/ReadAt; the rest are kept so
// that removing the head reveals the next one (spec.md §4.3).
type Leaf struct {
	base

	// contributors is precedence-ordered, contributors[0] is the active
	// (head) one. Empty only during PrepareForRemoval/after a clone
	// transfer.
	contributors []pkgfmt.PackageNode

	// final pins the head contributor that was active at the moment this
	// node was finalized for removal (PrepareForRemoval) or cloned away
	// from (CloneTransferPackageNodes), so in-flight reads against an
	// already-unlinked VFS handle keep working (spec.md §4.3 "final
	// package node").
	final pkgfmt.PackageNode

	// synthetic, when set, makes this Leaf a host-synthesized symlink with
	// no package contributor at all (spec.md §4.6's package-links
	// directory ".self"/dependency symlinks). internal/root is the only
	// caller of SetSynthetic; such a leaf never takes part in the
	// contributor-list machinery above.
	synthetic *syntheticLeaf
}

type syntheticLeaf struct {
	mode    pkgfmt.Mode
	uid     uint32
	gid     uint32
	modTime time.Time
	target  string
}

// SetSynthetic turns l into a host-synthesized symlink reporting mode,
// uid, gid, modTime, and target directly rather than through a package
// contributor. Must be called before l is reachable from other
// goroutines, and never on a Leaf that also takes AddPackageNode calls.
func (l *Leaf) SetSynthetic(mode pkgfmt.Mode, uid, gid uint32, modTime time.Time, target string) {
	l.synthetic = &syntheticLeaf{mode: mode | pkgfmt.ModeSymlink, uid: uid, gid: gid, modTime: modTime, target: target}
}

// NewLeaf constructs an empty leaf node; callers add its first contributor
// via AddPackageNode.
func NewLeaf(id nodeid.ID, name string, parent *Directory) *Leaf {
	return &Leaf{base: base{id: id, name: name, parent: parent}}
}

func (l *Leaf) Kind() Kind { return KindLeaf }

func (l *Leaf) active() pkgfmt.PackageNode {
	if len(l.contributors) > 0 {
		return l.contributors[0]
	}
	return l.final
}

func (l *Leaf) Mode() pkgfmt.Mode {
	if l.synthetic != nil {
		return l.synthetic.mode
	}
	if pn := l.active(); pn != nil {
		return pn.Mode()
	}
	return 0
}

func (l *Leaf) UID() uint32 {
	if l.synthetic != nil {
		return l.synthetic.uid
	}
	if pn := l.active(); pn != nil {
		return pn.UID()
	}
	return 0
}

func (l *Leaf) GID() uint32 {
	if l.synthetic != nil {
		return l.synthetic.gid
	}
	if pn := l.active(); pn != nil {
		return pn.GID()
	}
	return 0
}

func (l *Leaf) ModTime() time.Time {
	if l.synthetic != nil {
		return l.synthetic.modTime
	}
	if pn := l.active(); pn != nil {
		return pn.ModTime()
	}
	return time.Time{}
}

func (l *Leaf) GetPackageNode() pkgfmt.PackageNode { return l.active() }

// AddPackageNode inserts pn at its precedence-ordered slot. Unlike
// Directory, the insertion happens in place: it is internal/volume's job to
// decide whether a head change here requires swapping the whole Node for
// VFS-handle stability (see WillBeFirstPackageNode).
func (l *Leaf) AddPackageNode(pn pkgfmt.PackageNode) error {
	if l.synthetic != nil {
		return pkgerr.ErrUnsupported
	}
	if pn.Mode().IsDir() {
		return pkgerr.ErrBadValue
	}
	if len(l.contributors) == 0 || pn.HasPrecedenceOver(l.contributors[0]) {
		l.contributors = append([]pkgfmt.PackageNode{pn}, l.contributors...)
		return nil
	}
	l.contributors = append(l.contributors, pn)
	return nil
}

// RemovePackageNode removes pn and, if it was the head, rescans the
// remaining contributors and swaps the one with precedence into the head
// slot (the list is not kept sorted beyond its head, matching the
// original's linear rescan).
func (l *Leaf) RemovePackageNode(pn pkgfmt.PackageNode) {
	idx := indexOfPackageNode(l.contributors, pn)
	if idx < 0 {
		return
	}
	wasHead := idx == 0
	l.contributors = append(l.contributors[:idx], l.contributors[idx+1:]...)

	if !wasHead || len(l.contributors) == 0 {
		return
	}

	newest := 0
	for i := 1; i < len(l.contributors); i++ {
		if l.contributors[i].HasPrecedenceOver(l.contributors[newest]) {
			newest = i
		}
	}
	if newest != 0 {
		l.contributors[0], l.contributors[newest] = l.contributors[newest], l.contributors[0]
	}
}

func (l *Leaf) IsOnlyPackageNode(pn pkgfmt.PackageNode) bool {
	return len(l.contributors) == 1 && l.contributors[0] == pn
}

// WillBeFirstPackageNode reports whether pn would become the new head if
// added now, without mutating state. internal/volume uses this to decide
// whether a leaf must be cloned (spec.md §4.3: leaves swap identity on
// head change, directories don't).
func (l *Leaf) WillBeFirstPackageNode(pn pkgfmt.PackageNode) bool {
	return len(l.contributors) == 0 || pn.HasPrecedenceOver(l.contributors[0])
}

// PrepareForRemoval pins the current head as the final package node and
// drops the contributor list, so an in-flight VFS handle keeps serving
// reads against the package archive that was active right before removal.
func (l *Leaf) PrepareForRemoval() {
	if len(l.contributors) > 0 {
		l.final = l.contributors[0]
		l.contributors = nil
	}
}

// CloneTransferPackageNodes creates a fresh Leaf under the same parent with
// a new node identity, moves this leaf's entire contributor list onto it,
// and pins this leaf's former head as its own final package node. The
// caller (internal/volume) swaps the clone into the parent directory's
// child table and notifies VFS of an entry-removed/entry-created pair,
// exactly mirroring UnpackingLeafNode::CloneTransferPackageNodes.
func (l *Leaf) CloneTransferPackageNodes(newID nodeid.ID) *Leaf {
	clone := NewLeaf(newID, l.name, l.parent)
	clone.contributors = l.contributors

	if len(l.contributors) > 0 {
		l.final = l.contributors[0]
	}
	l.contributors = nil

	return clone
}

// ReadAt serves file content from the active contributor.
func (l *Leaf) ReadAt(p []byte, off int64) (int, error) {
	if l.synthetic != nil {
		return 0, pkgerr.ErrUnsupported
	}
	pn := l.active()
	if pn == nil {
		return 0, pkgerr.ErrNotFound
	}
	leaf, ok := pn.(*pkgfmt.PackageLeaf)
	if !ok {
		return 0, pkgerr.ErrNotADirectory
	}
	return leaf.ReadAt(p, off)
}

// SymlinkTarget returns the active contributor's link target, or "" if the
// leaf is not currently a symlink.
func (l *Leaf) SymlinkTarget() string {
	if l.synthetic != nil {
		return l.synthetic.target
	}
	pn := l.active()
	if pn == nil {
		return ""
	}
	leaf, ok := pn.(*pkgfmt.PackageLeaf)
	if !ok {
		return ""
	}
	return leaf.SymlinkTarget
}

// FileSize returns the active contributor's apparent size.
func (l *Leaf) FileSize() int64 {
	if l.synthetic != nil {
		return int64(len(l.synthetic.target))
	}
	pn := l.active()
	if pn == nil {
		return 0
	}
	leaf, ok := pn.(*pkgfmt.PackageLeaf)
	if !ok {
		return 0
	}
	return leaf.FileSize()
}

func indexOfPackageNode(list []pkgfmt.PackageNode, pn pkgfmt.PackageNode) int {
	for i, n := range list {
		if n == pn {
			return i
		}
	}
	return -1
}
