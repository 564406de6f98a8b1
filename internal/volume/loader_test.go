package volume

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cavaliercoder/go-cpio"
	"github.com/klauspost/pgzip"

	"github.com/distr1/packagefs/internal/archive"
)

// writeArchive builds a minimal single-file package archive on disk at
// dir/filename, so LoadInitial's directory-enumeration and
// activation-file strategies can be exercised against real files.
func writeArchive(t *testing.T, dir, filename, name, fileContent string) {
	t.Helper()

	var raw bytes.Buffer
	cw := cpio.NewWriter(&raw)
	write := func(entryName string, mode cpio.FileMode, data []byte) {
		if err := cw.WriteHeader(&cpio.Header{Name: entryName, Mode: mode, Size: int64(len(data)), ModTime: time.Unix(1000, 0)}); err != nil {
			t.Fatal(err)
		}
		if _, err := cw.Write(data); err != nil {
			t.Fatal(err)
		}
	}
	write(archive.MetaEntryName, cpio.FileMode(0o644), []byte("name "+name+"\nversion 1.0.0\n"))
	write("bin", cpio.ModeDir|0o755, nil)
	write("bin/"+name, cpio.FileMode(0o755), []byte(fileContent))
	if err := cw.Close(); err != nil {
		t.Fatal(err)
	}

	var gz bytes.Buffer
	zw := pgzip.NewWriter(&gz)
	if _, err := zw.Write(raw.Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, filename), gz.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadInitialEnumeratesArchives(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, dir, "foo.hpkg", "foo", "foo content")
	writeArchive(t, dir, "bar.hpkg", "bar", "bar content")

	v := New(&Params{PackagesDir: dir, Type: TypeCustom, ShineThrough: ShineThroughNone})
	if err := v.LoadInitial(); err != nil {
		t.Fatal(err)
	}

	bin := v.Root().FindChild("bin")
	if bin == nil {
		t.Fatal("expected /bin to exist after LoadInitial")
	}
	if len(v.Packages()) != 2 {
		t.Fatalf("Packages() = %v, want 2 entries", v.Packages())
	}
}

func TestLoadInitialPrefersActivationFile(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, dir, "foo.hpkg", "foo", "foo content")
	writeArchive(t, dir, "bar.hpkg", "bar", "bar content")

	if err := os.WriteFile(filepath.Join(dir, activationFileName), []byte("foo.hpkg\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	v := New(&Params{PackagesDir: dir, Type: TypeCustom, ShineThrough: ShineThroughNone})
	if err := v.LoadInitial(); err != nil {
		t.Fatal(err)
	}

	if got := v.Packages(); len(got) != 1 || got[0] != "foo.hpkg" {
		t.Fatalf("Packages() = %v, want only foo.hpkg per the activation file", got)
	}
}
