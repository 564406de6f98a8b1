// Package unionfs implements packagefs' central data structure: the
// union-tree engine that overlays every activated package's node tree into
// one merged, read-only directory hierarchy (spec.md §4.3/§4.4).
//
// A Node is a Go tagged variant (the idiomatic substitute for the C++
// multiple-inheritance UnpackingNode/Node split the original uses): it is
// either a *Leaf or a *Directory, distinguished by Kind. Both embed base,
// which holds the node's identity, tree placement and lock; each variant
// keeps its own contributor list.
//
// This package only implements the per-node primitives (add/remove a
// contributor, query precedence, clone-and-transfer). It deliberately does
// not decide *when* a contributor change requires swapping the node's
// identity for VFS-handle stability (spec.md §4.3's "final package node"
// pinning) — that orchestration, together with notification dispatch,
// belongs to internal/volume, mirroring the original's Volume::_AddPackageNode
// and Volume::_RemovePackageNode.
package unionfs

import (
	"sync"
	"time"

	"github.com/distr1/packagefs/internal/nodeid"
	"github.com/distr1/packagefs/internal/pkgfmt"
)

// Kind discriminates the two Node variants.
type Kind int

const (
	KindLeaf Kind = iota
	KindDirectory
)

// Node is one entry in the merged tree. See the package doc for why this is
// a tagged variant rather than an interface hierarchy mirroring the C++
// class tree.
type Node interface {
	sync.Locker
	RLock()
	RUnlock()

	ID() nodeid.ID
	Kind() Kind
	Name() string
	Parent() *Directory

	Mode() pkgfmt.Mode
	UID() uint32
	GID() uint32
	ModTime() time.Time

	// GetPackageNode returns the currently active (head) contributor, or
	// nil if the node has none (during construction, and for nodes that
	// never get a contributor, such as shine-through placeholders).
	GetPackageNode() pkgfmt.PackageNode

	// IsOnlyPackageNode reports whether pn is the node's sole remaining
	// contributor.
	IsOnlyPackageNode(pn pkgfmt.PackageNode) bool

	// WillBeFirstPackageNode reports whether adding pn would make it the
	// new head, without mutating anything.
	WillBeFirstPackageNode(pn pkgfmt.PackageNode) bool

	// AddPackageNode inserts pn into the contributor list at its
	// precedence-ordered position (spec.md §4.3 step 3).
	AddPackageNode(pn pkgfmt.PackageNode) error

	// RemovePackageNode removes pn from the contributor list. It is the
	// caller's responsibility to have already confirmed IsOnlyPackageNode
	// is false (otherwise use PrepareForRemoval).
	RemovePackageNode(pn pkgfmt.PackageNode)

	// PrepareForRemoval pins the current head as the "final package node"
	// (leaves only keep this around for in-flight VFS handles) and empties
	// the contributor list.
	PrepareForRemoval()
}

// base is the state shared by *Leaf and *Directory: identity, placement in
// the tree, and the fine-grained per-node lock (spec.md §5's innermost lock
// level).
type base struct {
	sync.RWMutex

	id     nodeid.ID
	name   string
	parent *Directory
}

func (b *base) ID() nodeid.ID      { return b.id }
func (b *base) Name() string       { return b.name }
func (b *base) Parent() *Directory { return b.parent }

// AsDirectory type-asserts n to *Directory.
func AsDirectory(n Node) (*Directory, bool) {
	d, ok := n.(*Directory)
	return d, ok
}

// AsLeaf type-asserts n to *Leaf.
func AsLeaf(n Node) (*Leaf, bool) {
	l, ok := n.(*Leaf)
	return l, ok
}
