package root

import (
	"time"

	"github.com/distr1/packagefs/internal/nodeid"
	"github.com/distr1/packagefs/internal/notify"
	"github.com/distr1/packagefs/internal/pkgfmt"
	"github.com/distr1/packagefs/internal/unionfs"
	"github.com/distr1/packagefs/internal/volume"
)

const selfLinkName = ".self"

// PackageLinksDirectory is the synthetic directory tree exposed under the
// system volume's "packages" shine-through placeholder (spec.md §4.6):
// one PackageLinkDirectory per active package family, recomputed whenever
// a package is added to or removed from its root.
type PackageLinksDirectory struct {
	vol         *volume.Volume
	placeholder *unionfs.Directory
	families    map[string]*PackageLinkDirectory // keyed by pkgfmt.PackageFamily.Name
}

func newPackageLinksDirectory(v *volume.Volume, placeholder *unionfs.Directory) *PackageLinksDirectory {
	return &PackageLinksDirectory{
		vol:         v,
		placeholder: placeholder,
		families:    make(map[string]*PackageLinkDirectory),
	}
}

// PackageLinkDirectory is the per-family directory (spec.md §4.6): a
// ".self" symlink plus one symlink per requires-dependency. Its own name
// is frozen at creation time from whichever package first populated the
// family, matching PackageLinkDirectory::Init never renaming the
// directory as later packages come and go.
type PackageLinkDirectory struct {
	dir       *unionfs.Directory
	self      *unionfs.Leaf
	deps      map[string]*unionfs.Leaf
	createdAt time.Time
}

// updateFamily creates link.dir on first sight of family and refreshes
// its self/dependency symlinks to match the family's current head
// package (spec.md §4.6: "self symlink is reissued ... dependency-link
// list is recomputed").
func (l *PackageLinksDirectory) updateFamily(family *pkgfmt.PackageFamily, r *PackageFSRoot) {
	if len(family.Packages) == 0 {
		return
	}

	link, ok := l.families[family.Name]
	if !ok {
		head := family.Packages[len(family.Packages)-1]
		dirName := head.Filename()
		now := time.Now()
		node := l.vol.AttachSyntheticChild(l.placeholder, func(id nodeid.ID) unionfs.Node {
			return unionfs.NewDirectory(id, dirName, l.placeholder)
		})
		link = &PackageLinkDirectory{dir: node.(*unionfs.Directory), deps: make(map[string]*unionfs.Leaf), createdAt: now}
		l.families[family.Name] = link
	}

	link.refresh(l.vol, family, r)
}

// removeFamily tears down a family's entire link directory once it has
// no active packages left.
func (l *PackageLinksDirectory) removeFamily(name string) {
	link, ok := l.families[name]
	if !ok {
		return
	}
	for _, dep := range link.deps {
		l.vol.DetachSyntheticChild(link.dir, dep)
	}
	if link.self != nil {
		l.vol.DetachSyntheticChild(link.dir, link.self)
	}
	l.vol.DetachSyntheticChild(l.placeholder, link.dir)
	delete(l.families, name)
}

// refresh reissues the self symlink and recomputes the dependency-link
// list against the family's current head package. Here "head" is
// whichever package was most recently activated; the original instead
// orders by mount-type specificity across the multiple volumes sharing a
// root, a distinction this single-process, single-root-per-mount-type
// implementation does not need (see DESIGN.md).
func (link *PackageLinkDirectory) refresh(vol *volume.Volume, family *pkgfmt.PackageFamily, r *PackageFSRoot) {
	head := family.Packages[len(family.Packages)-1]
	target := selfLinkTarget(vol.Type())

	if link.self == nil {
		node := vol.AttachSyntheticChild(link.dir, func(id nodeid.ID) unionfs.Node {
			leaf := unionfs.NewLeaf(id, selfLinkName, link.dir)
			leaf.SetSynthetic(0o777, 0, 0, link.createdAt, target)
			return leaf
		})
		link.self = node.(*unionfs.Leaf)
	} else {
		link.self.SetSynthetic(0o777, 0, 0, link.createdAt, target)
		vol.NotifyNodeChanged(link.self, notify.AllStatFields)
	}

	wanted := make(map[string]bool, len(head.Dependents))
	for _, dep := range head.Dependents {
		wanted[dep.Name] = true
		depTarget := "?"
		if r.hasProvider(dep.Name) {
			depTarget = target
		}

		if existing, ok := link.deps[dep.Name]; ok {
			existing.SetSynthetic(0o777, 0, 0, link.createdAt, depTarget)
			vol.NotifyNodeChanged(existing, notify.AllStatFields)
			continue
		}

		depName := dep.Name
		node := vol.AttachSyntheticChild(link.dir, func(id nodeid.ID) unionfs.Node {
			leaf := unionfs.NewLeaf(id, depName, link.dir)
			leaf.SetSynthetic(0o777, 0, 0, link.createdAt, depTarget)
			return leaf
		})
		link.deps[dep.Name] = node.(*unionfs.Leaf)
	}

	for name, leaf := range link.deps {
		if !wanted[name] {
			vol.DetachSyntheticChild(link.dir, leaf)
			delete(link.deps, name)
		}
	}
}

// selfLinkTarget computes the ".self" symlink target for a package
// family directory, relative to its own location two levels below the
// filesystem root (<packages-placeholder>/<family-dir>/.self), per
// spec.md §4.6's examples. Mount types other than home reach the shared
// merged root directly, since this implementation flattens every
// package's content into one union tree rather than giving each package
// its own installation root.
func selfLinkTarget(t volume.MountType) string {
	if t == volume.TypeHome {
		return "../../../home/config"
	}
	return "../.."
}
