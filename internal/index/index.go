// Package index supplies the concrete index/query stand-in spec.md §1
// treats as policy the core merely drives: name, size, and modification
// time indices kept current by subscribing to internal/notify's bus, the
// same way the original's B-tree indices subscribe to node listeners
// (spec.md §4.8).
package index

import (
	"sort"
	"sync"

	"github.com/distr1/packagefs/internal/nodeid"
	"github.com/distr1/packagefs/internal/notify"
	"github.com/distr1/packagefs/internal/unionfs"
)

// KeyFunc extracts the ordered key an Index sorts by; Less reports whether
// a sorts before b.
type KeyFunc func(node unionfs.Node) any

// LessFunc orders two keys previously extracted by a KeyFunc.
type LessFunc func(a, b any) bool

// Index is a single sorted index over the live node set, maintained
// in-place as notify.Listener events arrive. It stands in for the
// original's B-tree index structures (spec.md §4.8); a plain sorted slice
// with binary-search insert (delete finds its entry through byID) is the
// idiomatic Go equivalent at the scale a single packagefs volume operates
// at.
type Index struct {
	mu      sync.RWMutex
	key     KeyFunc
	less    LessFunc
	entries []entry
	byID    map[nodeid.ID]int // node id -> position in entries, so delete needs no search
}

type entry struct {
	id   nodeid.ID
	key  any
	node unionfs.Node
}

// New constructs an Index ordering by key, compared with less.
func New(key KeyFunc, less LessFunc) *Index {
	return &Index{key: key, less: less, byID: make(map[nodeid.ID]int)}
}

// NewNameIndex returns an Index ordered lexically by node name.
func NewNameIndex() *Index {
	return New(
		func(n unionfs.Node) any { return n.Name() },
		func(a, b any) bool { return a.(string) < b.(string) },
	)
}

// NewSizeIndex returns an Index ordered by leaf file size (directories sort
// as size 0; symlinks sort by the length of their target).
func NewSizeIndex() *Index {
	return New(
		func(n unionfs.Node) any {
			if leaf, ok := unionfs.AsLeaf(n); ok {
				return leaf.FileSize()
			}
			return int64(0)
		},
		func(a, b any) bool { return a.(int64) < b.(int64) },
	)
}

// NewModTimeIndex returns an Index ordered by modification time.
func NewModTimeIndex() *Index {
	return New(
		func(n unionfs.Node) any { return n.ModTime().UnixNano() },
		func(a, b any) bool { return a.(int64) < b.(int64) },
	)
}

func (idx *Index) search(key any) int {
	return sort.Search(len(idx.entries), func(i int) bool {
		return !idx.less(idx.entries[i].key, key)
	})
}

func (idx *Index) insert(node unionfs.Node) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	key := idx.key(node)
	pos := idx.search(key)
	idx.entries = append(idx.entries, entry{})
	copy(idx.entries[pos+1:], idx.entries[pos:])
	idx.entries[pos] = entry{id: node.ID(), key: key, node: node}
	idx.reindexFrom(pos)
}

func (idx *Index) remove(node unionfs.Node) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	pos, ok := idx.byID[node.ID()]
	if !ok {
		return
	}
	idx.entries = append(idx.entries[:pos], idx.entries[pos+1:]...)
	delete(idx.byID, node.ID())
	idx.reindexFrom(pos)
}

func (idx *Index) reindexFrom(start int) {
	for i := start; i < len(idx.entries); i++ {
		idx.byID[idx.entries[i].id] = i
	}
}

// NodeAdded implements notify.Listener.
func (idx *Index) NodeAdded(node unionfs.Node) { idx.insert(node) }

// NodeRemoved implements notify.Listener.
func (idx *Index) NodeRemoved(node unionfs.Node) { idx.remove(node) }

// NodeChanged implements notify.Listener: since a change may alter the
// node's key (e.g. a head-swap brings in a differently sized leaf), the
// entry is deleted and reinserted at its new sorted position.
func (idx *Index) NodeChanged(node unionfs.Node, _ notify.StatField, _ notify.Attributes) {
	idx.remove(node)
	idx.insert(node)
}

// Len reports the number of indexed nodes.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// Ascend calls fn for every node in ascending key order, stopping early if
// fn returns false.
func (idx *Index) Ascend(fn func(node unionfs.Node) bool) {
	idx.mu.RLock()
	snap := make([]unionfs.Node, len(idx.entries))
	for i, e := range idx.entries {
		snap[i] = e.node
	}
	idx.mu.RUnlock()

	for _, node := range snap {
		if !fn(node) {
			return
		}
	}
}
