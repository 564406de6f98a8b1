package root

import (
	"testing"
	"time"

	"github.com/distr1/packagefs/internal/pkgfmt"
	"github.com/distr1/packagefs/internal/unionfs"
	"github.com/distr1/packagefs/internal/volume"
)

func newSystemVolume(t *testing.T) *volume.Volume {
	t.Helper()
	v := volume.New(&volume.Params{PackagesDir: "/packages", Type: volume.TypeSystem, ShineThrough: volume.ShineThroughSystem})
	return v
}

func pkgWithDeps(name string, resolves []string, requires []string) *pkgfmt.Package {
	pkg := &pkgfmt.Package{Name: name}
	pkg.Root = pkgfmt.NewPackageDirectory("", pkgfmt.ModeDir|0o755, 0, 0, time.Time{}, nil, pkg)
	for _, r := range resolves {
		pkg.Resolvables = append(pkg.Resolvables, &pkgfmt.Resolvable{Name: r, Package: pkg})
	}
	for _, r := range requires {
		pkg.Dependents = append(pkg.Dependents, &pkgfmt.Dependency{Name: r, Package: pkg})
	}
	return pkg
}

func TestGetOrCreateRootSharesByIdentity(t *testing.T) {
	id := Identity{Device: 1, Inode: 2}
	r1 := GetOrCreateRoot(id)
	r2 := GetOrCreateRoot(id)
	if r1 != r2 {
		t.Fatal("expected the same PackageFSRoot for the same identity")
	}
	r1.Release()
	r2.Release()

	r3 := GetOrCreateRoot(id)
	if r3 == r1 {
		t.Fatal("expected a fresh PackageFSRoot once refs dropped to zero")
	}
	r3.Release()
}

func TestNewCustomRootNeverShared(t *testing.T) {
	id := Identity{Device: 9, Inode: 9}
	custom1 := NewCustomRoot()
	custom2 := NewCustomRoot()
	if custom1 == custom2 {
		t.Fatal("custom roots must never be shared")
	}

	shared := GetOrCreateRoot(id)
	defer shared.Release()
	if shared == custom1 || shared == custom2 {
		t.Fatal("custom roots must not leak into the shared registry")
	}
}

func TestAddVolumeCreatesPackageLinksDirectoryForSystemVolumeOnly(t *testing.T) {
	r := NewCustomRoot()
	home := volume.New(&volume.Params{PackagesDir: "/home/packages", Type: volume.TypeHome, ShineThrough: volume.ShineThroughHome})
	r.AddVolume(home)
	if r.links != nil {
		t.Fatal("a home volume must not create a package-links directory")
	}

	sys := newSystemVolume(t)
	r.AddVolume(sys)
	if r.links == nil {
		t.Fatal("expected a package-links directory once the system volume registered")
	}
	if got, _ := r.SystemVolume(); got != sys {
		t.Fatal("SystemVolume should return the registered system volume")
	}
}

func TestAddPackageCreatesSelfAndDependencyLinks(t *testing.T) {
	r := NewCustomRoot()
	sys := newSystemVolume(t)
	r.AddVolume(sys)

	glibc := pkgWithDeps("glibc", []string{"glibc"}, nil)
	r.AddPackage(glibc)

	hello := pkgWithDeps("hello", []string{"hello"}, []string{"glibc", "missing"})
	r.AddPackage(hello)

	placeholder, ok := sys.ShineThroughPlaceholder("packages")
	if !ok {
		t.Fatal("expected a packages placeholder on the system volume")
	}
	famDir := placeholder.FindChild(hello.Filename())
	if famDir == nil {
		t.Fatalf("expected a link directory named %q", hello.Filename())
	}
	dir, ok := unionfs.AsDirectory(famDir)
	if !ok {
		t.Fatal("family node must be a directory")
	}

	self := dir.FindChild(selfLinkName)
	if self == nil {
		t.Fatal("expected a .self symlink")
	}
	selfLeaf := self.(*unionfs.Leaf)
	if selfLeaf.SymlinkTarget() != "../.." {
		t.Fatalf("self target = %q, want ../..", selfLeaf.SymlinkTarget())
	}

	glibcLink := dir.FindChild("glibc")
	if glibcLink == nil {
		t.Fatal("expected a resolved glibc dependency link")
	}
	if got := glibcLink.(*unionfs.Leaf).SymlinkTarget(); got != "../.." {
		t.Fatalf("glibc target = %q, want ../..", got)
	}

	missingLink := dir.FindChild("missing")
	if missingLink == nil {
		t.Fatal("expected an unresolved dependency link")
	}
	if got := missingLink.(*unionfs.Leaf).SymlinkTarget(); got != "?" {
		t.Fatalf("missing target = %q, want ?", got)
	}
}

func TestAddPackageResolvesDependencyOnceProviderArrives(t *testing.T) {
	r := NewCustomRoot()
	sys := newSystemVolume(t)
	r.AddVolume(sys)

	hello := pkgWithDeps("hello", []string{"hello"}, []string{"glibc"})
	r.AddPackage(hello)

	placeholder, _ := sys.ShineThroughPlaceholder("packages")
	dir, _ := unionfs.AsDirectory(placeholder.FindChild(hello.Filename()))
	if got := dir.FindChild("glibc").(*unionfs.Leaf).SymlinkTarget(); got != "?" {
		t.Fatalf("glibc target before provider = %q, want ?", got)
	}

	glibc := pkgWithDeps("glibc", []string{"glibc"}, nil)
	r.AddPackage(glibc)
	r.AddPackage(hello) // re-add simulates the activation manager's re-sync on every mutation

	if got := dir.FindChild("glibc").(*unionfs.Leaf).SymlinkTarget(); got != "../.." {
		t.Fatalf("glibc target after provider = %q, want ../..", got)
	}
}

func TestRemovePackageTearsDownEmptyFamily(t *testing.T) {
	r := NewCustomRoot()
	sys := newSystemVolume(t)
	r.AddVolume(sys)

	hello := pkgWithDeps("hello", []string{"hello"}, nil)
	r.AddPackage(hello)

	placeholder, _ := sys.ShineThroughPlaceholder("packages")
	if placeholder.FindChild(hello.Filename()) == nil {
		t.Fatal("expected the link directory to exist before removal")
	}

	r.RemovePackage(hello)

	if placeholder.FindChild(hello.Filename()) != nil {
		t.Fatal("expected the link directory to be removed once its family emptied")
	}
	if _, ok := r.families["hello"]; ok {
		t.Fatal("expected the family to be dropped once empty")
	}
}

func TestHasProviderMatchesResolvableAcrossFamilies(t *testing.T) {
	r := NewCustomRoot()
	sys := newSystemVolume(t)
	r.AddVolume(sys)

	r.AddPackage(pkgWithDeps("libfoo", []string{"libfoo", "libfoo.so.1"}, nil))

	if !r.hasProvider("libfoo.so.1") {
		t.Fatal("expected a provider for a package's secondary resolvable")
	}
	if r.hasProvider("nonexistent") {
		t.Fatal("did not expect a provider for an unrelated name")
	}
}
