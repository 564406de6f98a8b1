package volume

import (
	"testing"
	"time"

	"github.com/distr1/packagefs/internal/pkgfmt"
	"github.com/distr1/packagefs/internal/unionfs"
)

// buildPackage constructs a minimal in-memory package whose root directory
// contains the given top-level files (name -> (mtime, content)), skipping
// the archive codec entirely since these tests exercise Volume, not
// parsing.
func buildPackage(t *testing.T, name string, files map[string]fileSpec) *pkgfmt.Package {
	t.Helper()
	pkg := &pkgfmt.Package{Name: name}
	root := pkgfmt.NewPackageDirectory("", pkgfmt.ModeDir|0o755, 0, 0, time.Time{}, nil, pkg)
	pkg.Root = root

	for fname, spec := range files {
		data := []byte(spec.content)
		leaf := pkgfmt.NewPackageFile(fname, 0o644, 0, 0, spec.mtime, root, pkg, int64(len(data)),
			[]pkgfmt.Extent{{Offset: 0, Length: int64(len(data))}}, &byteReaderAt{data})
		root.AddChild(leaf)
	}
	return pkg
}

type fileSpec struct {
	mtime   time.Time
	content string
}

type byteReaderAt struct{ data []byte }

func (b *byteReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, b.data[off:])
	return n, nil
}

func TestVolumeAddPackageContentSinglePackage(t *testing.T) {
	params := &Params{PackagesDir: "/packages", Type: TypeCustom, ShineThrough: ShineThroughNone}
	v := New(params)

	pkg := buildPackage(t, "foo", map[string]fileSpec{
		"hello": {mtime: time.Unix(100, 0), content: "hello world!"},
	})
	if err := v.AddPackageContent("foo-1.0.hpkg", pkg); err != nil {
		t.Fatal(err)
	}

	node := v.Root().FindChild("hello")
	if node == nil {
		t.Fatal("expected /hello to exist")
	}
	leaf := node.(*unionfs.Leaf)
	if leaf.FileSize() != int64(len("hello world!")) {
		t.Fatalf("FileSize = %d", leaf.FileSize())
	}

	if got, ok := v.Lookup(leaf.ID()); !ok || got != unionfs.Node(leaf) {
		t.Fatal("Lookup must find the node by id")
	}
}

func TestVolumeOverlappingFileNewerWins(t *testing.T) {
	v := New(&Params{PackagesDir: "/packages", Type: TypeCustom, ShineThrough: ShineThroughNone})

	foo := buildPackage(t, "foo", map[string]fileSpec{
		"tool": {mtime: time.Unix(1000, 0), content: "old data"},
	})
	bar := buildPackage(t, "bar", map[string]fileSpec{
		"tool": {mtime: time.Unix(2000, 0), content: "new data"},
	})

	if err := v.AddPackageContent("foo-1.0.hpkg", foo); err != nil {
		t.Fatal(err)
	}
	fooNode := v.Root().FindChild("tool").(*unionfs.Leaf)

	if err := v.AddPackageContent("bar-1.0.hpkg", bar); err != nil {
		t.Fatal(err)
	}
	barNode := v.Root().FindChild("tool").(*unionfs.Leaf)

	if barNode.ID() == fooNode.ID() {
		t.Fatal("leaf head-swap must allocate a fresh NodeId")
	}
	buf := make([]byte, barNode.FileSize())
	n, _ := barNode.ReadAt(buf, 0)
	if string(buf[:n]) != "new data" {
		t.Fatalf("content = %q, want new data", buf[:n])
	}

	// Deactivate bar: old content should reappear under a new clone id.
	if err := v.RemovePackageContent("bar-1.0.hpkg"); err != nil {
		t.Fatal(err)
	}
	revived := v.Root().FindChild("tool").(*unionfs.Leaf)
	if revived.ID() == barNode.ID() {
		t.Fatal("removing the head leaf must clone to a fresh id again")
	}
	buf = make([]byte, revived.FileSize())
	n, _ = revived.ReadAt(buf, 0)
	if string(buf[:n]) != "old data" {
		t.Fatalf("content after deactivate = %q, want old data", buf[:n])
	}
}

func TestVolumeDirectoryMergeAndHeadTracking(t *testing.T) {
	v := New(&Params{PackagesDir: "/packages", Type: TypeCustom, ShineThrough: ShineThroughNone})

	foo := &pkgfmt.Package{Name: "foo"}
	fooRoot := pkgfmt.NewPackageDirectory("", pkgfmt.ModeDir|0o755, 0, 0, time.Time{}, nil, foo)
	foo.Root = fooRoot
	fooLib := pkgfmt.NewPackageDirectory("lib", pkgfmt.ModeDir|0o755, 0, 0, time.Unix(100, 0), fooRoot, foo)
	fooRoot.AddChild(fooLib)
	fooLib.AddChild(pkgfmt.NewPackageFile("libA", 0o644, 0, 0, time.Unix(100, 0), fooLib, foo, 1, []pkgfmt.Extent{{Length: 1}}, &byteReaderAt{[]byte("A")}))
	fooLib.AddChild(pkgfmt.NewPackageFile("libB", 0o644, 0, 0, time.Unix(100, 0), fooLib, foo, 1, []pkgfmt.Extent{{Length: 1}}, &byteReaderAt{[]byte("b")}))

	bar := &pkgfmt.Package{Name: "bar"}
	barRoot := pkgfmt.NewPackageDirectory("", pkgfmt.ModeDir|0o755, 0, 0, time.Time{}, nil, bar)
	bar.Root = barRoot
	barLib := pkgfmt.NewPackageDirectory("lib", pkgfmt.ModeDir|0o755, 0, 0, time.Unix(200, 0), barRoot, bar)
	barRoot.AddChild(barLib)
	barLib.AddChild(pkgfmt.NewPackageFile("libB", 0o644, 0, 0, time.Unix(200, 0), barLib, bar, 1, []pkgfmt.Extent{{Length: 1}}, &byteReaderAt{[]byte("B")}))
	barLib.AddChild(pkgfmt.NewPackageFile("libC", 0o644, 0, 0, time.Unix(200, 0), barLib, bar, 1, []pkgfmt.Extent{{Length: 1}}, &byteReaderAt{[]byte("C")}))

	if err := v.AddPackageContent("foo.hpkg", foo); err != nil {
		t.Fatal(err)
	}
	if err := v.AddPackageContent("bar.hpkg", bar); err != nil {
		t.Fatal(err)
	}

	lib := v.Root().FindChild("lib").(*unionfs.Directory)
	for _, name := range []string{"libA", "libB", "libC"} {
		if lib.FindChild(name) == nil {
			t.Fatalf("expected /lib/%s to exist after merge", name)
		}
	}

	libB := lib.FindChild("libB").(*unionfs.Leaf)
	buf := make([]byte, 1)
	libB.ReadAt(buf, 0)
	if string(buf) != "B" {
		t.Fatalf("libB content = %q, want B (bar's, newer)", buf)
	}

	if err := v.RemovePackageContent("bar.hpkg"); err != nil {
		t.Fatal(err)
	}
	lib = v.Root().FindChild("lib").(*unionfs.Directory)
	if lib.FindChild("libC") != nil {
		t.Fatal("libC should be gone once bar is deactivated")
	}
	libB = lib.FindChild("libB").(*unionfs.Leaf)
	buf = make([]byte, 1)
	libB.ReadAt(buf, 0)
	if string(buf) != "b" {
		t.Fatalf("libB content after deactivate = %q, want foo's b", buf)
	}
}

func TestVolumeShineThroughPlaceholderSurvivesCollidingPackage(t *testing.T) {
	v := New(&Params{PackagesDir: "/packages", Type: TypeSystem, ShineThrough: ShineThroughSystem})

	placeholder, ok := v.ShineThroughPlaceholder("packages")
	if !ok {
		t.Fatal("expected a \"packages\" shine-through placeholder for a system volume")
	}

	pkg := &pkgfmt.Package{Name: "evil"}
	root := pkgfmt.NewPackageDirectory("", pkgfmt.ModeDir|0o755, 0, 0, time.Time{}, nil, pkg)
	pkg.Root = root
	// A malicious or buggy package shipping its own top-level "packages"
	// entry must never be allowed to shadow the shine-through placeholder.
	root.AddChild(pkgfmt.NewPackageDirectory("packages", pkgfmt.ModeDir|0o755, 0, 0, time.Unix(9999, 0), root, pkg))

	if err := v.AddPackageContent("evil.hpkg", pkg); err != nil {
		t.Fatal(err)
	}

	after := v.Root().FindChild("packages")
	if after != unionfs.Node(placeholder) {
		t.Fatal("shine-through placeholder must not be replaced by a package-contributed directory")
	}
}

func TestParseParamsDefaults(t *testing.T) {
	p, err := ParseParams("packages=/var/lib/packagefs/packages type=system")
	if err != nil {
		t.Fatal(err)
	}
	if p.VolumeName != "system-packages" {
		t.Fatalf("VolumeName = %q", p.VolumeName)
	}
	if p.ShineThrough != ShineThroughSystem {
		t.Fatalf("ShineThrough = %v, want derived ShineThroughSystem", p.ShineThrough)
	}
}

func TestParseParamsRequiresPackages(t *testing.T) {
	if _, err := ParseParams("type=system"); err == nil {
		t.Fatal("expected an error when packages= is missing")
	}
}
