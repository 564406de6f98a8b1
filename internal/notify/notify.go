// Package notify is packagefs' listener & notification bus (spec.md §4.8):
// the cross-cutting component that keeps indices, live queries, and the
// package-links directory in sync with every tree mutation an activation
// change makes, without requiring any of those consumers to be wired
// directly into internal/unionfs or internal/volume.
package notify

import (
	"sync"

	"github.com/distr1/packagefs/internal/nodeid"
	"github.com/distr1/packagefs/internal/unionfs"
)

// StatField is a bitmask of the stat(2) fields a NodeChanged event touched,
// mirroring the original's "kAllStatFields" style masks.
type StatField uint32

const (
	StatMode StatField = 1 << iota
	StatUID
	StatGID
	StatModTime
	StatSize

	AllStatFields = StatMode | StatUID | StatGID | StatModTime | StatSize
)

// Attributes is a snapshot of a node's previous stat(2)-visible fields,
// attached to NodeChanged so a listener can diff old vs. new without
// re-reading the (already-mutated) node.
type Attributes struct {
	Mode    uint32
	UID     uint32
	GID     uint32
	ModTime int64 // unix nanoseconds
	Size    int64
}

// Listener receives node lifecycle events (spec.md §4.8's "node
// listeners"). A Listener registered against a specific node only hears
// about that node; one registered via AddAllNodesListener hears about every
// node in the volume (the "all nodes" key).
type Listener interface {
	NodeAdded(node unionfs.Node)
	NodeRemoved(node unionfs.Node)
	NodeChanged(node unionfs.Node, fields StatField, old Attributes)
}

// LiveQuery receives attribute-level change broadcasts (spec.md §4.8's
// "update_live_queries"). The query engine itself is an external
// collaborator (spec.md §1); Bus only fans the event out.
type LiveQuery interface {
	Update(node unionfs.Node, attr string, oldValue, newValue []byte)
}

// Bus is one Volume's listener & notification bus. The zero value is not
// ready for use; construct with New.
//
// Dispatch safety: spec.md §4.8 calls for iterating each listener list "in
// a way that is safe against the listener unlinking itself during
// dispatch" by snapshotting next before invoking the callback. A Go slice
// copy taken under the lock gives the same guarantee more directly: a
// listener's Remove call during dispatch mutates the Bus's live slice, not
// the snapshot already being ranged over, so no snapshot-next bookkeeping
// is needed.
type Bus struct {
	mu      sync.Mutex
	perNode map[nodeid.ID][]Listener
	all     []Listener
	queries []LiveQuery
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{perNode: make(map[nodeid.ID][]Listener)}
}

// AddNodeListener registers l to receive events for node only.
func (b *Bus) AddNodeListener(node unionfs.Node, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := node.ID()
	b.perNode[id] = append(b.perNode[id], l)
}

// AddAllNodesListener registers l to receive events for every node.
func (b *Bus) AddAllNodesListener(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, l)
}

// RemoveNodeListener unregisters l from node's listener chain.
func (b *Bus) RemoveNodeListener(node unionfs.Node, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := node.ID()
	b.perNode[id] = removeListener(b.perNode[id], l)
	if len(b.perNode[id]) == 0 {
		delete(b.perNode, id)
	}
}

// RemoveAllNodesListener unregisters l from the "all nodes" chain.
func (b *Bus) RemoveAllNodesListener(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = removeListener(b.all, l)
}

func removeListener(list []Listener, target Listener) []Listener {
	for i, l := range list {
		if l == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func (b *Bus) snapshot(node unionfs.Node) []Listener {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := make([]Listener, 0, len(b.all)+len(b.perNode[node.ID()]))
	snap = append(snap, b.all...)
	snap = append(snap, b.perNode[node.ID()]...)
	return snap
}

// NotifyAdded fires NodeAdded on every listener subscribed to node or to
// "all nodes".
func (b *Bus) NotifyAdded(node unionfs.Node) {
	for _, l := range b.snapshot(node) {
		l.NodeAdded(node)
	}
}

// NotifyRemoved fires NodeRemoved on every listener subscribed to node or
// to "all nodes". Per spec.md §4.7, callers must invoke this *before*
// actually unlinking the node, so indices can still look it up by path if
// needed.
func (b *Bus) NotifyRemoved(node unionfs.Node) {
	for _, l := range b.snapshot(node) {
		l.NodeRemoved(node)
	}
	b.mu.Lock()
	delete(b.perNode, node.ID())
	b.mu.Unlock()
}

// NotifyChanged fires NodeChanged on every listener subscribed to node or
// to "all nodes".
func (b *Bus) NotifyChanged(node unionfs.Node, fields StatField, old Attributes) {
	for _, l := range b.snapshot(node) {
		l.NodeChanged(node, fields, old)
	}
}

// AddLiveQuery registers q to receive UpdateLiveQueries broadcasts.
func (b *Bus) AddLiveQuery(q LiveQuery) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queries = append(b.queries, q)
}

// RemoveLiveQuery unregisters q.
func (b *Bus) RemoveLiveQuery(q LiveQuery) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, query := range b.queries {
		if query == q {
			b.queries = append(b.queries[:i], b.queries[i+1:]...)
			return
		}
	}
}

// UpdateLiveQueries broadcasts an attribute change to every registered live
// query (spec.md §4.8).
func (b *Bus) UpdateLiveQueries(node unionfs.Node, attr string, oldValue, newValue []byte) {
	b.mu.Lock()
	queries := append([]LiveQuery(nil), b.queries...)
	b.mu.Unlock()

	for _, q := range queries {
		q.Update(node, attr, oldValue, newValue)
	}
}
