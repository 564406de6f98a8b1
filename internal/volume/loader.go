package volume

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/distr1/packagefs/internal/archive"
	"github.com/distr1/packagefs/internal/pkgfmt"
)

// activationFileName is the file in PackagesDir that LoadInitial reads
// first (spec.md §4.5 strategy 1): a plain newline-separated list of
// archive filenames, one per line, with blank and "#" lines skipped.
// Nothing in this repository writes to this path.
const activationFileName = "activation"

// LoadInitial populates a freshly constructed, empty Volume following
// spec.md §4.5's three-strategy fallback: an activation file in
// PackagesDir, then an older named packages-state, then every *.hpkg
// archive found by directory listing. Parsing happens concurrently with
// no locks held (mirroring the teacher's scanPackages errgroup fan-out);
// only the final merge into the visible tree is serialized, one archive
// at a time, through AddPackageContent.
func (v *Volume) LoadInitial() error {
	names, err := v.candidateFilenames()
	if err != nil {
		return err
	}

	type loaded struct {
		filename string
		pkg      *pkgfmt.Package
	}
	results := make([]loaded, len(names))

	var eg errgroup.Group
	for i, name := range names {
		i, name := i, name
		eg.Go(func() error {
			pkg, err := v.LoadArchive(name)
			if err != nil {
				// A single unreadable/corrupt archive should not prevent
				// the rest of the volume from mounting (spec.md §4.5);
				// it is simply skipped.
				return nil
			}
			results[i] = loaded{filename: name, pkg: pkg}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	for _, r := range results {
		if r.pkg == nil {
			continue
		}
		if err := v.AddPackageContent(r.filename, r.pkg); err != nil {
			return xerrors.Errorf("AddPackageContent(%s): %w", r.filename, err)
		}
	}
	return nil
}

// candidateFilenames resolves spec.md §4.5's three strategies to a list
// of archive filenames (relative to PackagesDir) to load.
func (v *Volume) candidateFilenames() ([]string, error) {
	if names, err := readActivationList(filepath.Join(v.params.PackagesDir, activationFileName)); err == nil {
		return names, nil
	}
	if v.params.State != "" {
		if names, err := readActivationList(filepath.Join(v.params.PackagesDir, v.params.State)); err == nil {
			return names, nil
		}
	}
	return enumerateArchives(v.params.PackagesDir)
}

func readActivationList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	return names, sc.Err()
}

// enumerateArchives lists every "*.hpkg" file directly inside dir, sorted
// so that load order (and therefore default precedence among
// same-mtime contributors) is deterministic.
func enumerateArchives(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".hpkg") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// LoadArchive opens and fully parses one package archive (named relative
// to PackagesDir), returning the in-memory *pkgfmt.Package. It performs
// no locking and touches no Volume state, so many can run concurrently
// (spec.md §4.5/§4.7's "load, no locks" phase) — internal/activation
// uses it for the same reason LoadInitial does.
func (v *Volume) LoadArchive(filename string) (*pkgfmt.Package, error) {
	f, err := os.Open(filepath.Join(v.params.PackagesDir, filename))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	var id pkgfmt.FileID
	if ok {
		id = pkgfmt.FileID{Device: uint64(st.Dev), Inode: st.Ino}
	}

	tmp, err := archive.NewTempSink()
	if err != nil {
		return nil, err
	}

	// On success tmp stays open: the Package's leaves read their content
	// from it.
	b := pkgfmt.NewBuilder(id, tmp)
	if err := archive.Load(f, tmp, b); err != nil {
		tmp.Close()
		return nil, err
	}
	pkg, err := b.Package()
	if err != nil {
		tmp.Close()
		return nil, err
	}
	return pkg, nil
}
