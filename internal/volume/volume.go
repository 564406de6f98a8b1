// Package volume implements packagefs' mount-local coordinator (spec.md
// §4.5): the Volume type that owns the node-id allocator, the node table,
// the root directory, the loaded-package set, and the indices/listener
// bus, and that drives the content add/remove orchestration spec.md §4.7
// assigns to the activation manager but actually *performs* at the
// per-package-node level (internal/activation only sequences batches of
// calls into this package).
package volume

import (
	"sync"

	"github.com/distr1/packagefs/internal/index"
	"github.com/distr1/packagefs/internal/nodeid"
	"github.com/distr1/packagefs/internal/notify"
	"github.com/distr1/packagefs/internal/pkgerr"
	"github.com/distr1/packagefs/internal/pkgfmt"
	"github.com/distr1/packagefs/internal/unionfs"
)

// Volume is one mount instance (spec.md §3 Volume entity).
type Volume struct {
	mu sync.RWMutex

	params *Params
	nodes  *nodeid.Table
	root   *unionfs.Directory

	packages map[string]*pkgfmt.Package // by archive filename

	bus     *notify.Bus
	indices map[string]*index.Index

	shineThrough map[string]*unionfs.Directory // shine-through placeholder dirs, by name
}

// New constructs a Volume from already-validated mount parameters. It does
// not load any packages; callers invoke LoadInitial (or add
// packages directly via AddPackageContent) after construction, mirroring
// the original's split between Volume::Mount and its package-loading
// helpers.
func New(params *Params) *Volume {
	nodes := nodeid.New()
	root := unionfs.NewDirectory(nodeid.Root, "", nil)

	v := &Volume{
		params:       params,
		nodes:        nodes,
		root:         root,
		packages:     make(map[string]*pkgfmt.Package),
		bus:          notify.New(),
		shineThrough: make(map[string]*unionfs.Directory),
		indices: map[string]*index.Index{
			"name":    index.NewNameIndex(),
			"size":    index.NewSizeIndex(),
			"modtime": index.NewModTimeIndex(),
		},
	}
	nodes.Insert(nodeid.Root, root)
	for _, idx := range v.indices {
		v.bus.AddAllNodesListener(idx)
	}

	for _, name := range params.shineThroughDirs() {
		v.createShineThroughPlaceholder(name)
	}

	return v
}

// Root returns the volume's root directory node.
func (v *Volume) Root() *unionfs.Directory { return v.root }

// Type reports the mount type this volume was created for, so
// internal/root can compute package-link symlink targets per spec.md
// §4.6 ("path depends on mount type").
func (v *Volume) Type() MountType { return v.params.Type }

// PackagesDir returns the designated packages-directory path this volume
// was mounted with, so internal/activation can validate an activation
// request's parent device/inode against it (spec.md §4.7 step 1) and
// resolve archive filenames for loading.
func (v *Volume) PackagesDir() string { return v.params.PackagesDir }

// VolumeName returns the mount-parameter volume name (spec.md §6), used
// to label per-volume metrics and log entries.
func (v *Volume) VolumeName() string { return v.params.VolumeName }

// AttachSyntheticChild allocates a fresh node id, constructs a node via
// newNode, links it under parent, registers it in the id table, and
// publishes NodeAdded — the non-package-content counterpart to mergeOne's
// "create a new node" path, used by internal/root to grow the
// package-links directory (spec.md §4.6) under a shine-through
// placeholder.
func (v *Volume) AttachSyntheticChild(parent *unionfs.Directory, newNode func(id nodeid.ID) unionfs.Node) unionfs.Node {
	v.mu.Lock()
	defer v.mu.Unlock()

	id := v.nodes.Allocate()
	node := newNode(id)
	parent.AddChild(node)
	v.nodes.Insert(id, node)
	v.bus.NotifyAdded(node)
	return node
}

// DetachSyntheticChild unlinks a node attached via AttachSyntheticChild
// and publishes NodeRemoved.
func (v *Volume) DetachSyntheticChild(parent *unionfs.Directory, node unionfs.Node) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.bus.NotifyRemoved(node)
	parent.RemoveChild(node)
	v.nodes.Remove(node.ID())
}

// NotifyNodeChanged publishes a stat-changed notification for node,
// e.g. after internal/root updates a package-link directory's symlinks
// in place.
func (v *Volume) NotifyNodeChanged(node unionfs.Node, fields notify.StatField) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.bus.NotifyChanged(node, fields, notify.Attributes{})
}

// Bus returns the volume's notification bus, so internal/root and
// internal/activation can subscribe (package-links directory) or dispatch
// batch notifications.
func (v *Volume) Bus() *notify.Bus { return v.bus }

// Index looks up one of the volume's built-in indices by name
// ("name"|"size"|"modtime"), for open_index_dir-equivalent enumeration.
func (v *Volume) Index(name string) (*index.Index, bool) {
	idx, ok := v.indices[name]
	return idx, ok
}

// Lookup resolves id to its Node, implementing the "authoritative reverse
// index" invariant (spec.md §3 invariant 1).
func (v *Volume) Lookup(id nodeid.ID) (unionfs.Node, bool) {
	n, ok := v.nodes.Lookup(id)
	if !ok {
		return nil, false
	}
	return n.(unionfs.Node), true
}

// NodeCount returns the number of live nodes in the volume's id table, for
// internal/metrics' per-volume node-count gauge.
func (v *Volume) NodeCount() int {
	return v.nodes.Len()
}

// Packages returns the filenames of every currently active package.
func (v *Volume) Packages() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	names := make([]string, 0, len(v.packages))
	for name := range v.packages {
		names = append(names, name)
	}
	return names
}

// PackageByFilename looks up an active package by its archive filename.
func (v *Volume) PackageByFilename(filename string) (*pkgfmt.Package, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	pkg, ok := v.packages[filename]
	return pkg, ok
}

// Unmount tears the volume down: every node is dropped and the package
// table cleared. A Volume must not be used afterwards.
func (v *Volume) Unmount() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.packages = nil
	v.root = nil
	v.nodes = nodeid.New()
}

// --- Activation-manager-facing content mutation (spec.md §4.7) ---

// AddPackageContent walks pkg's node tree in pre-order (following each
// package-node's parent pointer, per spec.md §4.7's "iterative
// stack-by-parent-pointer technique" — realized here as an explicit slice
// stack since Go has no kernel-stack budget to protect) and merges every
// node into the volume's visible tree. On any failure the partial merge is
// undone before the error is returned (spec.md §4.7 "local rollback").
func (v *Volume) AddPackageContent(filename string, pkg *pkgfmt.Package) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, exists := v.packages[filename]; exists {
		return pkgerr.ErrNameInUse
	}

	added, err := v.addSubtree(v.root, pkg.Root)
	if err != nil {
		for i := len(added) - 1; i >= 0; i-- {
			v.removeOne(added[i].node, added[i].pn)
		}
		return err
	}

	v.packages[filename] = pkg
	return nil
}

// addedEntry records one successfully merged package-node, for undo.
type addedEntry struct {
	node unionfs.Node
	pn   pkgfmt.PackageNode
}

// stackFrame is one pending directory to merge: a visible parent directory
// paired with the package directory whose children still need merging.
type stackFrame struct {
	parent  *unionfs.Directory
	pkgDirs []pkgfmt.PackageNode // remaining siblings to process at this level
	idx     int
}

func (v *Volume) addSubtree(rootDir *unionfs.Directory, pkgRoot *pkgfmt.PackageDirectory) ([]addedEntry, error) {
	var added []addedEntry
	stack := []stackFrame{{parent: rootDir, pkgDirs: pkgRoot.Children}}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.idx >= len(top.pkgDirs) {
			stack = stack[:len(stack)-1]
			continue
		}
		pn := top.pkgDirs[top.idx]
		top.idx++

		if pn.Name() == pkgfmt.MetadataFileName {
			continue
		}

		node, err := v.mergeOne(top.parent, pn)
		if err != nil {
			return added, err
		}
		if node != nil {
			added = append(added, addedEntry{node: node, pn: pn})
			if dir, ok := pn.(*pkgfmt.PackageDirectory); ok {
				if visibleDir, ok := unionfs.AsDirectory(node); ok {
					stack = append(stack, stackFrame{parent: visibleDir, pkgDirs: dir.Children})
				}
			}
		}
	}
	return added, nil
}

// mergeOne locates or creates the visible Node for pn under parent and
// attaches pn as a contributor, performing the leaf-swap protocol
// (spec.md §4.3) when pn becomes the new head of a non-directory node.
// Returns a nil Node (and nil error) when parent already has a same-name
// shine-through placeholder directory: per spec.md §4.7 this case is
// skipped silently to preserve the placeholder for its host bind-mount.
func (v *Volume) mergeOne(parent *unionfs.Directory, pn pkgfmt.PackageNode) (unionfs.Node, error) {
	existing := parent.FindChild(pn.Name())

	if existing == nil {
		node := v.newUnpackingNode(pn, parent)
		if err := node.AddPackageNode(pn); err != nil {
			return nil, err
		}
		parent.AddChild(node)
		v.nodes.Insert(node.ID(), node)
		v.bus.NotifyAdded(node)
		return node, nil
	}

	if existing.Kind() == unionfs.KindDirectory {
		dir := existing.(*unionfs.Directory)
		if dir.IsShineThrough() {
			// A package shipping an entry that collides with a
			// shine-through placeholder (e.g. "packages") never merges
			// into it — the placeholder is reserved for the host
			// bind-mount (spec.md §4.5).
			return nil, nil
		}
		becomesHead := dir.WillBeFirstPackageNode(pn)
		if err := dir.AddPackageNode(pn); err != nil {
			return nil, err
		}
		if becomesHead {
			v.bus.NotifyChanged(dir, notify.AllStatFields, notify.Attributes{})
		}
		return dir, nil
	}

	leaf, ok := existing.(*unionfs.Leaf)
	if !ok {
		// Every concrete Node is either a Directory (handled above) or a
		// Leaf; this is unreachable but kept as a defensive fallback
		// against a future third Node implementation.
		return nil, nil
	}

	if !leaf.WillBeFirstPackageNode(pn) {
		if err := leaf.AddPackageNode(pn); err != nil {
			return nil, err
		}
		return leaf, nil
	}

	// Reject a directory contributor before CloneTransferPackageNodes
	// empties leaf's list, so a failure leaves leaf untouched.
	if pn.Mode().IsDir() {
		return nil, pkgerr.ErrBadValue
	}
	clone := leaf.CloneTransferPackageNodes(v.nodes.Allocate())
	if err := clone.AddPackageNode(pn); err != nil {
		return nil, err
	}
	v.bus.NotifyRemoved(leaf)
	parent.RemoveChild(leaf)
	v.nodes.Remove(leaf.ID())

	parent.AddChild(clone)
	v.nodes.Insert(clone.ID(), clone)
	v.bus.NotifyAdded(clone)
	return clone, nil
}

func (v *Volume) newUnpackingNode(pn pkgfmt.PackageNode, parent *unionfs.Directory) unionfs.Node {
	id := v.nodes.Allocate()
	if pn.Mode().IsDir() {
		return unionfs.NewDirectory(id, pn.Name(), parent)
	}
	return unionfs.NewLeaf(id, pn.Name(), parent)
}

// RemovePackageContent walks pkg's node tree in post-order and detaches
// every one of its package-nodes from the visible tree, exactly as
// spec.md §4.7 "Removing one package's content" describes.
func (v *Volume) RemovePackageContent(filename string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	pkg, ok := v.packages[filename]
	if !ok {
		return pkgerr.ErrNotFound
	}

	v.removeSubtreePostOrder(v.root, pkg.Root)
	delete(v.packages, filename)
	return nil
}

// removeFrame is one pending directory level in the post-order removal
// walk: selfNode/selfPN (nil at the root frame) are finalized via removeOne
// only once every child in pkgDir has been processed, giving the same
// children-before-parent order plain recursion would, via an explicit
// stack (mirroring addSubtree's iterative style).
type removeFrame struct {
	parent   *unionfs.Directory
	pkgDir   *pkgfmt.PackageDirectory
	idx      int
	selfNode unionfs.Node
	selfPN   pkgfmt.PackageNode
}

func (v *Volume) removeSubtreePostOrder(root *unionfs.Directory, pkgRoot *pkgfmt.PackageDirectory) {
	stack := []removeFrame{{parent: root, pkgDir: pkgRoot}}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.idx >= len(top.pkgDir.Children) {
			finalize := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if finalize.selfNode != nil {
				v.removeOne(finalize.selfNode, finalize.selfPN)
			}
			continue
		}
		pn := top.pkgDir.Children[top.idx]
		top.idx++

		if pn.Name() == pkgfmt.MetadataFileName {
			continue
		}
		node := top.parent.FindChild(pn.Name())
		if node == nil {
			continue
		}
		if childDir, ok := pn.(*pkgfmt.PackageDirectory); ok {
			if visibleDir, ok := unionfs.AsDirectory(node); ok {
				stack = append(stack, removeFrame{parent: visibleDir, pkgDir: childDir, selfNode: node, selfPN: pn})
				continue
			}
		}
		v.removeOne(node, pn)
	}
}

// removeOne detaches pn from node, applying spec.md §4.7's four cases:
// last-contributor removal, head-directory detach, head-leaf swap, or
// silent non-head detach.
func (v *Volume) removeOne(node unionfs.Node, pn pkgfmt.PackageNode) {
	parent := node.Parent()

	if node.IsOnlyPackageNode(pn) {
		v.bus.NotifyRemoved(node)
		node.PrepareForRemoval()
		if parent != nil {
			parent.RemoveChild(node)
		}
		v.nodes.Remove(node.ID())
		return
	}

	isHead := node.GetPackageNode() == pn

	if !isHead {
		node.RemovePackageNode(pn)
		return
	}

	if node.Kind() == unionfs.KindDirectory {
		node.RemovePackageNode(pn)
		v.bus.NotifyChanged(node, notify.AllStatFields, notify.Attributes{})
		return
	}

	leaf := node.(*unionfs.Leaf)
	clone := leaf.CloneTransferPackageNodes(v.nodes.Allocate())
	clone.RemovePackageNode(pn)

	v.bus.NotifyRemoved(leaf)
	if parent != nil {
		parent.RemoveChild(leaf)
	}
	v.nodes.Remove(leaf.ID())

	if parent != nil {
		parent.AddChild(clone)
	}
	v.nodes.Insert(clone.ID(), clone)
	v.bus.NotifyAdded(clone)
}

// createShineThroughPlaceholder creates an empty directory under root
// (spec.md §4.5). It carries no package contributors and package content
// never merges into it (see mergeOne); nothing in this package
// bind-mounts a host directory over it.
func (v *Volume) createShineThroughPlaceholder(name string) {
	id := v.nodes.Allocate()
	dir := unionfs.NewDirectory(id, name, v.root)
	dir.MarkShineThrough()
	v.root.AddChild(dir)
	v.nodes.Insert(id, dir)
	v.shineThrough[name] = dir
}

// ShineThroughPlaceholder returns the placeholder directory created for
// name, if any, so a caller (internal/root or a test harness) can attach
// synthetic children under it.
func (v *Volume) ShineThroughPlaceholder(name string) (*unionfs.Directory, bool) {
	dir, ok := v.shineThrough[name]
	return dir, ok
}

// RemoveShineThroughPlaceholder drops a placeholder whose host bind-mount
// failed (spec.md §4.5: "On bind failure, the placeholder is removed").
func (v *Volume) RemoveShineThroughPlaceholder(name string) {
	dir, ok := v.shineThrough[name]
	if !ok {
		return
	}
	v.root.RemoveChild(dir)
	v.nodes.Remove(dir.ID())
	delete(v.shineThrough, name)
}
