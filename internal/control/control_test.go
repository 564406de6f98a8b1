package control

import (
	"bytes"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/cavaliercoder/go-cpio"
	"github.com/klauspost/pgzip"

	"github.com/distr1/packagefs/internal/activation"
	"github.com/distr1/packagefs/internal/archive"
	"github.com/distr1/packagefs/internal/volume"
)

// writeArchive builds a minimal single-file package archive on disk, same
// helper shape as internal/activation and internal/volume's own tests.
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
	write(name, cpio.FileMode(0o755), []byte(fileContent))
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

func newTestServer(t *testing.T) (*Server, *Client, *volume.Volume, string) {
	t.Helper()
	dir := t.TempDir()
	vol := volume.New(&volume.Params{PackagesDir: dir, Type: volume.TypeCustom, ShineThrough: volume.ShineThroughNone})
	m, err := activation.NewManager(vol, nil)
	if err != nil {
		t.Fatal(err)
	}

	socketPath := filepath.Join(t.TempDir(), "control.sock")
	srv, err := Listen(socketPath, m)
	if err != nil {
		t.Fatal(err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })

	return srv, NewClient(socketPath), vol, dir
}

func mustStat(t *testing.T, path string) os.FileInfo {
	t.Helper()
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	return fi
}

func statOf(fi os.FileInfo) (uint32, uint64) {
	st := fi.Sys().(*syscall.Stat_t)
	return uint32(st.Dev), st.Ino
}

func TestServerClientApplyActivatesPackage(t *testing.T) {
	_, client, vol, dir := newTestServer(t)
	writeArchive(t, dir, "foo.hpkg", "foo", "foo content")

	devID, inodeID := statOf(mustStat(t, vol.PackagesDir()))
	req := &Request{Items: []Item{{
		Type:              activation.Activate,
		ParentDeviceID:    devID,
		ParentDirectoryID: inodeID,
		Name:              "foo.hpkg",
	}}}

	if err := client.Apply(req); err != nil {
		t.Fatal(err)
	}
	if _, ok := vol.PackageByFilename("foo.hpkg"); !ok {
		t.Fatal("expected foo.hpkg to be active after Apply")
	}
}

func TestServerClientApplySurfacesRejection(t *testing.T) {
	_, client, _, dir := newTestServer(t)
	writeArchive(t, dir, "foo.hpkg", "foo", "foo content")

	req := &Request{Items: []Item{{
		Type:              activation.Activate,
		ParentDeviceID:    0,
		ParentDirectoryID: 0,
		Name:              "foo.hpkg",
	}}}

	err := client.Apply(req)
	if err == nil {
		t.Fatal("expected an error for a mismatched parent")
	}
}

func TestServerClientApplyRejectsDisagreeingParents(t *testing.T) {
	_, client, vol, dir := newTestServer(t)
	writeArchive(t, dir, "foo.hpkg", "foo", "foo content")
	writeArchive(t, dir, "bar.hpkg", "bar", "bar content")

	devID, inodeID := statOf(mustStat(t, vol.PackagesDir()))
	req := &Request{Items: []Item{
		{Type: activation.Activate, ParentDeviceID: devID, ParentDirectoryID: inodeID, Name: "foo.hpkg"},
		{Type: activation.Activate, ParentDeviceID: devID + 1, ParentDirectoryID: inodeID, Name: "bar.hpkg"},
	}}

	if err := client.Apply(req); err == nil {
		t.Fatal("expected an error for items disagreeing on parent")
	}
}

func TestActivationFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activated")
	names := []string{"foo-1.0.hpkg", "bar-2.0.hpkg"}

	if err := WriteActivationFile(path, names); err != nil {
		t.Fatal(err)
	}
	got, err := ReadActivationFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(names) {
		t.Fatalf("ReadActivationFile = %v, want %v", got, names)
	}
	for i, name := range names {
		if got[i] != name {
			t.Errorf("entry %d = %q, want %q", i, got[i], name)
		}
	}
}

func TestActivationFileSkipsBlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activated")
	if err := os.WriteFile(path, []byte("foo.hpkg\n\n\nbar.hpkg\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := ReadActivationFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadActivationFile = %v, want 2 entries", got)
	}
}

func TestReadActivationFileRejectsOversizedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activated")
	if err := os.WriteFile(path, make([]byte, MaxRequestSize+1), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadActivationFile(path); err == nil {
		t.Fatal("expected an error reading an oversized activation file")
	}
}

func TestWriteActivationFileRejectsOversizedContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activated")
	huge := make([]string, 1)
	huge[0] = string(make([]byte, MaxRequestSize+1))
	if err := WriteActivationFile(path, huge); err == nil {
		t.Fatal("expected an error writing an oversized activation file")
	}
}
