// Package activation implements packagefs' activation manager (spec.md
// §4.7): the subsystem that turns a batch of ACTIVATE/DEACTIVATE/
// REACTIVATE requests into validated, loaded, and atomically committed
// changes to a Volume's visible node tree, rolling back on failure.
package activation

import (
	"os"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/distr1/packagefs/internal/logging"
	"github.com/distr1/packagefs/internal/metrics"
	"github.com/distr1/packagefs/internal/pkgerr"
	"github.com/distr1/packagefs/internal/pkgfmt"
	"github.com/distr1/packagefs/internal/root"
	"github.com/distr1/packagefs/internal/volume"
)

// ItemType is an activation-change item's requested operation (spec.md §6
// wire format: 1=ACTIVATE, 2=DEACTIVATE, 3=REACTIVATE).
type ItemType uint32

const (
	Activate   ItemType = 1
	Deactivate ItemType = 2
	Reactivate ItemType = 3
)

func (t ItemType) String() string {
	switch t {
	case Activate:
		return "activate"
	case Deactivate:
		return "deactivate"
	case Reactivate:
		return "reactivate"
	default:
		return "unknown"
	}
}

// Item is one entry of an activation-change batch: an operation plus the
// archive filename it targets, relative to the volume's packages
// directory (spec.md §4.7).
type Item struct {
	Type     ItemType
	Filename string
}

// Manager applies activation-change batches to a single Volume. fsRoot is
// the shared PackageFSRoot the volume belongs to; it may be nil for a
// standalone volume that was never registered with one (spec.md §4.6's
// package-links directory then simply isn't updated, since there is
// nothing to update).
type Manager struct {
	// mu serializes Apply calls: spec.md §5's single-consumer job queue,
	// realized here as a plain mutex rather than a channel-fed goroutine
	// since every Apply already blocks its caller until commit finishes
	// (there is no fire-and-forget submission path in this design) — see
	// DESIGN.md.
	mu sync.Mutex

	vol    *volume.Volume
	fsRoot *root.PackageFSRoot

	dirDevice, dirInode uint64

	log zerolog.Logger
}

// NewManager constructs a Manager for vol, stat-ing its packages
// directory once to learn the device/inode every request's parent must
// match (spec.md §4.7 step 1).
func NewManager(vol *volume.Volume, fsRoot *root.PackageFSRoot) (*Manager, error) {
	fi, err := os.Stat(vol.PackagesDir())
	if err != nil {
		return nil, xerrors.Errorf("stat packages dir: %w", err)
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, pkgerr.ErrBadValue
	}

	return &Manager{
		vol:       vol,
		fsRoot:    fsRoot,
		dirDevice: uint64(st.Dev),
		dirInode:  st.Ino,
		log:       logging.WithVolume(logging.WithComponent("activation"), vol.VolumeName()),
	}, nil
}

// ParentID identifies the directory an activation request's items claim
// to live in (spec.md §4.7 step 1's "parent device/inode").
type ParentID struct {
	Device uint64
	Inode  uint64
}

// Apply validates, loads, commits, and (on failure) rolls back one
// activation-change batch, exactly following spec.md §4.7's four-step
// protocol.
func (m *Manager) Apply(parent ParentID, items []Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	timer := metrics.NewBatchTimer(m.vol.VolumeName())
	outcome := "committed"
	defer func() { timer.ObserveOutcome(outcome) }()

	if err := m.validate(parent, items); err != nil {
		outcome = "rejected"
		return err
	}

	loaded, err := m.loadNew(items)
	if err != nil {
		outcome = "rejected"
		return err
	}

	if err := m.commit(items, loaded); err != nil {
		outcome = "rolled_back"
		return err
	}

	return nil
}

// validate implements spec.md §4.7 step 1, under the volume's own
// read-lock discipline (PackageByFilename/Packages already take
// v.mu.RLock internally, so no additional lock is taken here).
func (m *Manager) validate(parent ParentID, items []Item) error {
	if parent.Device != m.dirDevice || parent.Inode != m.dirInode {
		return pkgerr.ErrMismatchedValues
	}

	for _, item := range items {
		_, active := m.vol.PackageByFilename(item.Filename)
		switch item.Type {
		case Activate:
			if active {
				return xerrors.Errorf("%s: %w", item.Filename, pkgerr.ErrNameInUse)
			}
		case Deactivate, Reactivate:
			if !active {
				return xerrors.Errorf("%s: %w", item.Filename, pkgerr.ErrNotFound)
			}
		default:
			return pkgerr.ErrBadValue
		}
	}
	return nil
}

// loadNew implements spec.md §4.7 step 2: every ACTIVATE/REACTIVATE
// archive is parsed concurrently with no Volume lock held; any single
// failure aborts the whole batch before anything is committed.
func (m *Manager) loadNew(items []Item) (map[string]*pkgfmt.Package, error) {
	loaded := make(map[string]*pkgfmt.Package)
	var mu sync.Mutex

	var eg errgroup.Group
	for _, item := range items {
		if item.Type == Deactivate {
			continue
		}
		item := item
		eg.Go(func() error {
			pkg, err := m.vol.LoadArchive(item.Filename)
			if err != nil {
				return xerrors.Errorf("load %s: %w", item.Filename, err)
			}
			mu.Lock()
			loaded[item.Filename] = pkg
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return loaded, nil
}

// committed records one successfully applied item, in commit order, so
// commit can unwind exactly what it did on a later failure.
type committed struct {
	item Item
	pkg  *pkgfmt.Package
}

// commit implements spec.md §4.7 steps 3-4: remove every DEACTIVATE/
// REACTIVATE package's content, then add every ACTIVATE/REACTIVATE
// package's content in order, rolling back on the first failure. Both
// AddPackageContent and RemovePackageContent take the volume's own write
// lock per call; PackageFSRoot.AddPackage/RemovePackage take the shared
// root's lock immediately after, giving the same system-volume-then-
// current-volume ordering spec.md §4.7 describes without a second
// explicit lock acquisition in this package (see DESIGN.md).
func (m *Manager) commit(items []Item, loaded map[string]*pkgfmt.Package) error {
	var removed []committed
	var added []committed

	rollback := func(cause error) error {
		for i := len(added) - 1; i >= 0; i-- {
			a := added[i]
			if err := m.vol.RemovePackageContent(a.item.Filename); err != nil {
				m.log.Error().Err(err).Str("file", a.item.Filename).Msg("rollback: failed to undo added content")
				continue
			}
			if m.fsRoot != nil {
				m.fsRoot.RemovePackage(a.pkg)
			}
		}
		for i := len(removed) - 1; i >= 0; i-- {
			r := removed[i]
			if err := m.vol.AddPackageContent(r.item.Filename, r.pkg); err != nil {
				m.log.Error().Err(err).Str("file", r.item.Filename).
					Msg("rollback: failed to re-add removed content; filesystem state is degraded")
				continue
			}
			if m.fsRoot != nil {
				m.fsRoot.AddPackage(r.pkg)
			}
		}
		return xerrors.Errorf("activation batch failed, rolled back: %w", cause)
	}

	for _, item := range items {
		if item.Type == Activate {
			continue
		}
		pkg, ok := m.vol.PackageByFilename(item.Filename)
		if !ok {
			return rollback(xerrors.Errorf("%s: %w", item.Filename, pkgerr.ErrNotFound))
		}
		if err := m.vol.RemovePackageContent(item.Filename); err != nil {
			return rollback(xerrors.Errorf("remove %s: %w", item.Filename, err))
		}
		if m.fsRoot != nil {
			m.fsRoot.RemovePackage(pkg)
		}
		removed = append(removed, committed{item: item, pkg: pkg})
	}

	for _, item := range items {
		if item.Type == Deactivate {
			continue
		}
		pkg := loaded[item.Filename]
		if err := m.vol.AddPackageContent(item.Filename, pkg); err != nil {
			return rollback(xerrors.Errorf("add %s: %w", item.Filename, err))
		}
		if m.fsRoot != nil {
			m.fsRoot.AddPackage(pkg)
		}
		added = append(added, committed{item: item, pkg: pkg})
	}

	return nil
}
