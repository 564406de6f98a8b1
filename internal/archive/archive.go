// Package archive is packagefs' one concrete archive codec (SPEC_FULL.md
// §1 "Go-native realization of the abstract collaborators"). It reads a
// cpio stream (github.com/cavaliercoder/go-cpio, the codec the teacher
// already uses for `distri pack`/initrd) compressed with
// github.com/klauspost/pgzip, and drives pkgfmt.ContentHandler exactly as
// spec.md §4.2 describes. The archive *wire format* stays a non-goal;
// this package exists only so the union-tree engine has something real to
// exercise end-to-end.
package archive

import (
	"io"
	"os"
	"path"
	"strings"

	"github.com/cavaliercoder/go-cpio"
	"github.com/klauspost/pgzip"

	"github.com/distr1/packagefs/internal/pkgfmt"
)

// MetaEntryName is the cpio entry name reserved for package-level
// metadata (spec.md §4.2's ".PackageInfo"); its content is a sequence of
// "tag value" lines, see parseMetaLine.
const MetaEntryName = pkgfmt.MetadataFileName

// Load decompresses src (gzip) and parses the cpio stream it contains,
// driving handler per spec.md §4.2. Regular-file content is copied into
// tmp (a caller-provided random-access sink, typically a freshly created
// temporary file) so that PackageLeaf.ReadAt can serve random-access
// reads afterwards — cpio and gzip are both sequential formats, so this
// materialization step plays the role of "the block cache and disk I/O"
// spec.md §1 treats as an external collaborator.
//
// Entries must appear in pre-order (each directory before its children),
// which is how both `distri pack`-style tooling and plain `find | cpio`
// naturally emit them.
func Load(src io.Reader, tmp io.WriterAt, handler pkgfmt.ContentHandler) error {
	gz, err := pgzip.NewReader(src)
	if err != nil {
		return handler.HandleError(err)
	}
	defer gz.Close()

	cr := cpio.NewReader(gz)
	tokens := map[string]pkgfmt.EntryToken{".": 0}
	var tmpOffset int64

	for {
		hdr, err := cr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return handler.HandleError(err)
		}

		name := strings.TrimSuffix(strings.TrimPrefix(hdr.Name, "./"), "/")
		if name == "" {
			continue // archive root marker
		}

		if name == MetaEntryName {
			if err := loadMeta(cr, hdr.Size, handler); err != nil {
				return handler.HandleError(err)
			}
			continue
		}

		dir := path.Dir(name)
		parent, ok := tokens[dir]
		if !ok {
			return handler.HandleError(errUnknownParent(dir))
		}

		entry := pkgfmt.Entry{
			Name:    path.Base(name),
			Mode:    cpioMode(hdr.Mode),
			ModTime: hdr.ModTime,
		}

		switch {
		case hdr.Mode&cpio.ModeDir != 0:
			// directories carry no content
		case hdr.Mode&cpio.ModeSymlink != 0:
			target := make([]byte, hdr.Size)
			if _, err := io.ReadFull(cr, target); err != nil {
				return handler.HandleError(err)
			}
			entry.SymlinkTarget = string(target)
		default:
			n, err := io.Copy(&offsetWriter{w: tmp, off: tmpOffset}, cr)
			if err != nil {
				return handler.HandleError(err)
			}
			entry.Size = n
			entry.Extents = []pkgfmt.Extent{{Offset: tmpOffset, Length: n}}
			tmpOffset += n
		}

		tok, err := handler.HandleEntry(entry, parent)
		if err != nil {
			return handler.HandleError(err)
		}
		if hdr.Mode&cpio.ModeDir != 0 {
			tokens[name] = tok
		}
		if err := handler.HandleEntryDone(tok); err != nil {
			return handler.HandleError(err)
		}
	}

	return nil
}

func cpioMode(m cpio.FileMode) pkgfmt.Mode {
	mode := pkgfmt.Mode(m.Perm())
	if m&cpio.ModeDir != 0 {
		mode |= pkgfmt.ModeDir
	}
	if m&cpio.ModeSymlink != 0 {
		mode |= pkgfmt.ModeSymlink
	}
	return pkgfmt.FilterWriteBits(mode)
}

type offsetWriter struct {
	w   io.WriterAt
	off int64
}

func (o *offsetWriter) Write(p []byte) (int, error) {
	n, err := o.w.WriteAt(p, o.off)
	o.off += int64(n)
	return n, err
}

// errUnknownParent mirrors xerrors.Errorf without importing xerrors here
// to keep this leaf package's import list small; callers that want
// wrapped context (internal/volume) add it themselves.
type errUnknownParent string

func (e errUnknownParent) Error() string { return "archive: unknown parent directory " + string(e) }

// NewTempSink creates an anonymous (unlinked) temporary file to receive
// decompressed file content; it is safe to keep the returned *os.File
// open for the lifetime of the resulting Package, and it disappears
// automatically when closed.
func NewTempSink() (*os.File, error) {
	f, err := os.CreateTemp("", "packagefs-*.tmp")
	if err != nil {
		return nil, err
	}
	_ = os.Remove(f.Name()) // unlink now; fd stays valid (POSIX semantics)
	return f, nil
}
