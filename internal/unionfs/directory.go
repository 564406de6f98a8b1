package unionfs

import (
	"sync"
	"time"

	"github.com/distr1/packagefs/internal/nodeid"
	"github.com/distr1/packagefs/internal/pkgerr"
	"github.com/distr1/packagefs/internal/pkgfmt"
)

// dirEntry is one link in a Directory's child list. Keeping an explicit
// doubly linked list (rather than just a slice) lets RemoveChild fix up
// live DirectoryIterators in O(1) by repointing them at entry.next, the
// same trick the original's BPrivate::DoublyLinkedList gives it for free
// (spec.md §4.5 "iterator-fixup-on-remove").
type dirEntry struct {
	node       Node
	prev, next *dirEntry
}

// Directory is a merged directory: the union of every activated package's
// PackageDirectory at this path. Unlike Leaf, a contributor-list head
// change never swaps the Directory's identity — callers holding an open
// DirectoryIterator must keep working, so the original (and this port)
// mutate it in place and emit a stat-changed notification only.
type Directory struct {
	base

	// contributors is precedence-ordered, contributors[0] is the active
	// (head) one, whose Mode/UID/GID/ModTime are what this Directory
	// reports.
	contributors []pkgfmt.PackageNode

	head, tail *dirEntry
	childTable map[string]*dirEntry

	// iterMu guards iterators independently of base's content lock, so
	// ReadDir (spec.md §5 "reader operations ... take only read locks")
	// can register and fix up iterators while holding only d's read lock.
	iterMu    sync.Mutex
	iterators map[*DirectoryIterator]struct{}

	// shineThrough marks a directory as a placeholder awaiting a host
	// bind-mount (spec.md §4.5) rather than a genuine unpacking node: it
	// never takes package contributors, and a package that happens to
	// ship an entry with the same name is skipped instead of merged.
	shineThrough bool
}

// NewDirectory constructs an empty directory node; callers add its first
// contributor via AddPackageNode.
func NewDirectory(id nodeid.ID, name string, parent *Directory) *Directory {
	return &Directory{
		base:       base{id: id, name: name, parent: parent},
		childTable: make(map[string]*dirEntry),
		iterators:  make(map[*DirectoryIterator]struct{}),
	}
}

func (d *Directory) Kind() Kind { return KindDirectory }

func (d *Directory) head_() pkgfmt.PackageNode {
	if len(d.contributors) == 0 {
		return nil
	}
	return d.contributors[0]
}

func (d *Directory) Mode() pkgfmt.Mode {
	if pn := d.head_(); pn != nil {
		return pn.Mode()
	}
	return pkgfmt.ModeDir | 0o555
}

func (d *Directory) UID() uint32 {
	if pn := d.head_(); pn != nil {
		return pn.UID()
	}
	return 0
}

func (d *Directory) GID() uint32 {
	if pn := d.head_(); pn != nil {
		return pn.GID()
	}
	return 0
}

func (d *Directory) ModTime() time.Time {
	if pn := d.head_(); pn != nil {
		return pn.ModTime()
	}
	return time.Time{}
}

func (d *Directory) GetPackageNode() pkgfmt.PackageNode { return d.head_() }

// MarkShineThrough marks d as a bind-mount placeholder. Must be called
// before d is reachable from other goroutines.
func (d *Directory) MarkShineThrough() { d.shineThrough = true }

// IsShineThrough reports whether d is a placeholder awaiting a host
// bind-mount rather than a real unpacking node.
func (d *Directory) IsShineThrough() bool { return d.shineThrough }

// AddPackageNode inserts pn (must be a *pkgfmt.PackageDirectory) at its
// precedence-ordered slot, always in place.
func (d *Directory) AddPackageNode(pn pkgfmt.PackageNode) error {
	if !pn.Mode().IsDir() {
		return pkgerr.ErrNotADirectory
	}
	if len(d.contributors) == 0 || pn.HasPrecedenceOver(d.contributors[0]) {
		d.contributors = append([]pkgfmt.PackageNode{pn}, d.contributors...)
		return nil
	}
	d.contributors = append(d.contributors, pn)
	return nil
}

// RemovePackageNode removes pn, re-electing a new head by linear rescan if
// pn was the head (the list is not kept fully sorted, matching the
// original).
func (d *Directory) RemovePackageNode(pn pkgfmt.PackageNode) {
	idx := indexOfPackageNode(d.contributors, pn)
	if idx < 0 {
		return
	}
	wasHead := idx == 0
	d.contributors = append(d.contributors[:idx], d.contributors[idx+1:]...)

	if !wasHead || len(d.contributors) == 0 {
		return
	}

	newest := 0
	for i := 1; i < len(d.contributors); i++ {
		if d.contributors[i].HasPrecedenceOver(d.contributors[newest]) {
			newest = i
		}
	}
	if newest != 0 {
		d.contributors[0], d.contributors[newest] = d.contributors[newest], d.contributors[0]
	}
}

func (d *Directory) IsOnlyPackageNode(pn pkgfmt.PackageNode) bool {
	return len(d.contributors) == 1 && d.contributors[0] == pn
}

// WillBeFirstPackageNode reports whether pn would become the new head if
// added now. Directories never need cloning on a "yes" here (they swap in
// place); internal/volume still checks this to decide which notification
// to send (stat-changed vs entry-created).
func (d *Directory) WillBeFirstPackageNode(pn pkgfmt.PackageNode) bool {
	return len(d.contributors) == 0 || pn.HasPrecedenceOver(d.contributors[0])
}

// PrepareForRemoval drops the contributor list. Directories have no
// "final package node" concept: once a directory's last contributor is
// gone it is unreachable, and nothing needs it to keep answering Mode().
func (d *Directory) PrepareForRemoval() {
	d.contributors = nil
}

// AddChild links node into the child list and table. The caller must hold
// d's write lock.
func (d *Directory) AddChild(node Node) {
	entry := &dirEntry{node: node}
	if d.tail == nil {
		d.head = entry
	} else {
		d.tail.next = entry
		entry.prev = d.tail
	}
	d.tail = entry
	d.childTable[node.Name()] = entry
}

// RemoveChild unlinks node and fixes up any iterator currently positioned
// on it to advance to what was node's successor. The caller must hold d's
// write lock.
func (d *Directory) RemoveChild(node Node) {
	entry, ok := d.childTable[node.Name()]
	if !ok || entry.node != node {
		return
	}
	delete(d.childTable, node.Name())

	if entry.prev != nil {
		entry.prev.next = entry.next
	} else {
		d.head = entry.next
	}
	if entry.next != nil {
		entry.next.prev = entry.prev
	} else {
		d.tail = entry.prev
	}

	d.iterMu.Lock()
	for it := range d.iterators {
		if it.cur == entry {
			it.cur = entry.next
		}
	}
	d.iterMu.Unlock()
}

// FindChild looks up a direct child by name. The caller must hold at least
// d's read lock.
func (d *Directory) FindChild(name string) Node {
	entry, ok := d.childTable[name]
	if !ok {
		return nil
	}
	return entry.node
}

// NewIterator returns a fresh DirectoryIterator positioned before ".". The
// caller only needs d's read lock: iterator registration goes through
// iterMu, not d's content lock, so concurrent readdirs never serialize
// against each other or against writers. Call Close when done.
func (d *Directory) NewIterator() *DirectoryIterator {
	it := &DirectoryIterator{dir: d, phase: phaseDot}
	d.iterMu.Lock()
	d.iterators[it] = struct{}{}
	d.iterMu.Unlock()
	return it
}

// closeIterator unregisters it. Safe to call under only d's read lock; see
// NewIterator.
func (d *Directory) closeIterator(it *DirectoryIterator) {
	d.iterMu.Lock()
	delete(d.iterators, it)
	d.iterMu.Unlock()
}
