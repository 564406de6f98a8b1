// Package root implements packagefs' process-wide PackageFSRoot (spec.md
// §4.6): the object that groups every Volume mounted at the same
// filesystem root (by device+inode), tracks package families across
// those volumes, and owns the shared PackageLinksDirectory exposed under
// the system volume's "packages" shine-through placeholder.
package root

import (
	"sync"

	"github.com/distr1/packagefs/internal/pkgfmt"
	"github.com/distr1/packagefs/internal/volume"
)

// Identity is a mount-point root's (device, inode) pair, the key
// PackageFSRoot instances are grouped by (spec.md §4.6). Custom mounts
// never share a root and are not registered in the global list.
type Identity struct {
	Device uint64
	Inode  uint64
}

var (
	registryMu sync.Mutex
	registry   []*PackageFSRoot
)

// PackageFSRoot is process-wide: multiple Volumes sharing a mount-point
// root (system + its home sibling) share one instance, looked up
// by Identity under a global mutex (spec.md §4.6 "ref-counted lookup in a
// global list").
type PackageFSRoot struct {
	mu sync.RWMutex

	identity Identity
	custom   bool
	refs     int32

	volumes      []*volume.Volume
	systemVolume *volume.Volume

	families map[string]*pkgfmt.PackageFamily

	links *PackageLinksDirectory
}

// GetOrCreateRoot returns the PackageFSRoot for identity, creating and
// registering one if none exists yet, and adds a reference
// (spec.md §4.6's "ref-counted lookup in a global list").
func GetOrCreateRoot(identity Identity) *PackageFSRoot {
	registryMu.Lock()
	defer registryMu.Unlock()

	for _, r := range registry {
		if r.identity == identity {
			r.refs++
			return r
		}
	}

	r := &PackageFSRoot{identity: identity, refs: 1, families: make(map[string]*pkgfmt.PackageFamily)}
	registry = append(registry, r)
	return r
}

// NewCustomRoot creates a PackageFSRoot for a custom mount. Custom roots
// are never shared and never added to the global registry (spec.md §4.6
// "custom mounts always get their own root, not added to the list").
func NewCustomRoot() *PackageFSRoot {
	return &PackageFSRoot{custom: true, refs: 1, families: make(map[string]*pkgfmt.PackageFamily)}
}

// Release drops a reference, removing r from the global registry once
// the last reference is gone (mirrors PackageFSRoot::_PutRoot).
func (r *PackageFSRoot) Release() {
	if r.custom {
		return
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	r.refs--
	if r.refs > 0 {
		return
	}
	for i, candidate := range registry {
		if candidate == r {
			registry = append(registry[:i], registry[i+1:]...)
			break
		}
	}
}

// AddVolume registers v with this root. The first system-type volume
// becomes the root's system volume and gets a PackageLinksDirectory
// (spec.md §4.6: "exposed ... only for the system volume").
func (r *PackageFSRoot) AddVolume(v *volume.Volume) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.volumes = append(r.volumes, v)

	if r.systemVolume == nil && v.Type() == volume.TypeSystem {
		r.systemVolume = v
		if placeholder, ok := v.ShineThroughPlaceholder("packages"); ok {
			r.links = newPackageLinksDirectory(v, placeholder)
		}
	}
}

// RemoveVolume unregisters v.
func (r *PackageFSRoot) RemoveVolume(v *volume.Volume) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, candidate := range r.volumes {
		if candidate == v {
			r.volumes = append(r.volumes[:i], r.volumes[i+1:]...)
			break
		}
	}
	if v == r.systemVolume {
		r.systemVolume = nil
		r.links = nil
	}
}

// SystemVolume returns the root's system volume, if any.
func (r *PackageFSRoot) SystemVolume() (*volume.Volume, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.systemVolume, r.systemVolume != nil
}

// AddPackage records pkg under its name's family, creating the family on
// first sight, and refreshes the package-links directory (spec.md §4.6:
// "When packages are added ... the link directory is updated").
func (r *PackageFSRoot) AddPackage(pkg *pkgfmt.Package) {
	r.mu.Lock()
	defer r.mu.Unlock()

	family, ok := r.families[pkg.Name]
	if !ok {
		family = &pkgfmt.PackageFamily{Name: pkg.Name}
		r.families[pkg.Name] = family
	}
	family.Add(pkg)

	if r.links != nil {
		r.links.updateFamily(family, r)
	}
}

// RemovePackage drops pkg from its family, destroying the family if it
// becomes empty, and refreshes the package-links directory.
func (r *PackageFSRoot) RemovePackage(pkg *pkgfmt.Package) {
	r.mu.Lock()
	defer r.mu.Unlock()

	family := pkg.Family
	if family == nil {
		return
	}
	empty := family.Remove(pkg)

	if r.links != nil {
		if empty {
			r.links.removeFamily(family.Name)
		} else {
			r.links.updateFamily(family, r)
		}
	}
	if empty {
		delete(r.families, family.Name)
	}
}

// hasProvider reports whether any currently active package (in any
// family) provides a resolvable named name — including a package's
// implicit self-provide of its own name — used to resolve dependency
// links (spec.md §4.6: target "?" when unresolved).
func (r *PackageFSRoot) hasProvider(name string) bool {
	for famName, family := range r.families {
		if famName == name && len(family.Packages) > 0 {
			return true
		}
		for _, pkg := range family.Packages {
			for _, res := range pkg.Resolvables {
				if res.Name == name {
					return true
				}
			}
		}
	}
	return false
}
