// Package vfsfuse mounts a volume's merged tree on the host via FUSE
// (spec.md §6): a fuseutil.FileSystem implementation that translates
// kernel VFS operations into internal/volume.Volume and internal/unionfs
// calls.
package vfsfuse

import (
	"context"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"github.com/distr1/packagefs/internal/logging"
	"github.com/distr1/packagefs/internal/nodeid"
	"github.com/distr1/packagefs/internal/pkgerr"
	"github.com/distr1/packagefs/internal/pkgfmt"
	"github.com/distr1/packagefs/internal/unionfs"
	"github.com/distr1/packagefs/internal/volume"
)

// entryCacheTTL bounds how long the kernel may cache a name->inode
// mapping or an inode's attributes before revalidating. Unlike the
// teacher's squashfs mount, which is immutable for the process lifetime
// and so can cache forever (its "never" sentinel), a packagefs volume's
// tree changes any time an activation batch commits. Caching has to be
// time-bounded everywhere rather than split into a "virtual paths only"
// case, so there is a single TTL instead of the teacher's never/
// VirtualFileExpiration pair.
const entryCacheTTL = 1 * time.Second

// FileSystem implements fuseutil.FileSystem against a single Volume.
// Every method not overridden here falls back to
// fuseutil.NotImplementedFileSystem's ENOSYS default, which is correct
// for packagefs: the filesystem is read-only, so every mutating op
// (MkDir, CreateFile, Rename, Unlink, SetInodeAttributes, WriteFile, ...)
// is intentionally left unimplemented.
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	vol *volume.Volume
	log zerolog.Logger
}

// New constructs a FileSystem serving vol's merged tree.
func New(vol *volume.Volume) *FileSystem {
	return &FileSystem{
		vol: vol,
		log: logging.WithVolume(logging.WithComponent("vfsfuse"), vol.VolumeName()),
	}
}

// Mount mounts fs at mountpoint, read-only, mirroring the teacher's
// MountConfig (allow_other, symlink caching, and opting into the
// no-open-support fast path that lets OpenDir/OpenFile stay ENOSYS).
func Mount(mountpoint string, fs *FileSystem) (*fuse.MountedFileSystem, error) {
	server := fuseutil.NewFileSystemServer(fs)
	return fuse.Mount(mountpoint, server, &fuse.MountConfig{
		FSName:   "packagefs",
		ReadOnly: true,
		Options: map[string]string{
			"allow_other": "",
		},
		EnableSymlinkCaching:   true,
		EnableNoOpenSupport:    true,
		EnableNoOpendirSupport: true,
	})
}

// Unmount requests the kernel tear down the mount at mountpoint.
func Unmount(mountpoint string) error {
	return fuse.Unmount(mountpoint)
}

// errnoFor maps packagefs' sentinel error taxonomy (internal/pkgerr) onto
// the errno the kernel expects, so callers never need to string-match an
// error to decide what to report.
func errnoFor(err error) error {
	switch {
	case err == nil:
		return nil
	case xerrors.Is(err, pkgerr.ErrNotFound):
		return syscall.ENOENT
	case xerrors.Is(err, pkgerr.ErrNotADirectory):
		return syscall.ENOTDIR
	case xerrors.Is(err, pkgerr.ErrIsADirectory):
		return syscall.EISDIR
	case xerrors.Is(err, pkgerr.ErrNameInUse):
		return syscall.EEXIST
	case xerrors.Is(err, pkgerr.ErrReadOnlyDevice):
		return syscall.EROFS
	case xerrors.Is(err, pkgerr.ErrNoMemory):
		return syscall.ENOMEM
	case xerrors.Is(err, pkgerr.ErrBadValue), xerrors.Is(err, pkgerr.ErrMismatchedValues):
		return syscall.EINVAL
	case xerrors.Is(err, pkgerr.ErrUnsupported):
		return syscall.ENOSYS
	case xerrors.Is(err, pkgerr.ErrBadData):
		return syscall.EIO
	default:
		return syscall.EIO
	}
}

// modeFor converts a pkgfmt.Mode (the archive codec's own bitmask, with
// ModeDir/ModeSymlink living in bits the stdlib doesn't use) into the
// os.FileMode fuseops.InodeAttributes expects.
func modeFor(m pkgfmt.Mode) os.FileMode {
	perm := os.FileMode(m & 0o777)
	switch {
	case m.IsDir():
		return perm | os.ModeDir
	case m.IsSymlink():
		return perm | os.ModeSymlink
	default:
		return perm
	}
}

// attributesFor builds the fuseops.InodeAttributes the kernel caches for
// node, reading size from the Leaf variant only (directories report
// size 0, matching the teacher's fuseAttributes helper).
func attributesFor(node unionfs.Node) fuseops.InodeAttributes {
	var size uint64
	if leaf, ok := unionfs.AsLeaf(node); ok {
		size = uint64(leaf.FileSize())
	}
	return fuseops.InodeAttributes{
		Size:  size,
		Nlink: 1,
		Mode:  modeFor(node.Mode()),
		Uid:   node.UID(),
		Gid:   node.GID(),
		Atime: node.ModTime(),
		Mtime: node.ModTime(),
		Ctime: node.ModTime(),
	}
}

func direntType(node unionfs.Node) fuseutil.DirentType {
	if node.Kind() == unionfs.KindDirectory {
		return fuseutil.DT_Directory
	}
	if leaf, ok := unionfs.AsLeaf(node); ok && leaf.Mode().IsSymlink() {
		return fuseutil.DT_Link
	}
	return fuseutil.DT_File
}

func (fs *FileSystem) lookupNode(id fuseops.InodeID) (unionfs.Node, bool) {
	return fs.vol.Lookup(nodeid.ID(id))
}

func (fs *FileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = 4096
	op.Blocks = 1
	op.BlocksFree = 0
	op.BlocksAvailable = 0
	op.IoSize = 65536
	return nil
}

func (fs *FileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	parent, ok := fs.lookupNode(op.Parent)
	if !ok {
		return syscall.ENOENT
	}
	dir, ok := unionfs.AsDirectory(parent)
	if !ok {
		return syscall.ENOTDIR
	}

	dir.RLock()
	child := dir.FindChild(op.Name)
	dir.RUnlock()
	if child == nil {
		return syscall.ENOENT
	}

	child.RLock()
	attrs := attributesFor(child)
	child.RUnlock()

	now := time.Now()
	op.Entry = fuseops.ChildInodeEntry{
		Child:                fuseops.InodeID(child.ID()),
		Attributes:           attrs,
		AttributesExpiration: now.Add(entryCacheTTL),
		EntryExpiration:      now.Add(entryCacheTTL),
	}
	return nil
}

func (fs *FileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	node, ok := fs.lookupNode(op.Inode)
	if !ok {
		return syscall.ENOENT
	}

	node.RLock()
	op.Attributes = attributesFor(node)
	node.RUnlock()
	op.AttributesExpiration = time.Now().Add(entryCacheTTL)
	return nil
}

func (fs *FileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	// Same optimization the teacher uses: returning ENOSYS tells the
	// kernel this filesystem never needs open directory state, skipping a
	// round trip for every opendir(3) call.
	return syscall.ENOSYS
}

func (fs *FileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	node, ok := fs.lookupNode(op.Inode)
	if !ok {
		return syscall.ENOENT
	}
	dir, ok := unionfs.AsDirectory(node)
	if !ok {
		return syscall.ENOTDIR
	}

	dir.RLock()
	it := dir.NewIterator()
	var entries []fuseutil.Dirent
	for {
		name, child, ok := it.Next()
		if !ok {
			break
		}
		entries = append(entries, fuseutil.Dirent{
			Offset: fuseops.DirOffset(len(entries) + 1),
			Inode:  fuseops.InodeID(child.ID()),
			Name:   name,
			Type:   direntType(child),
		})
	}
	it.Close()
	dir.RUnlock()

	if op.Offset > fuseops.DirOffset(len(entries)) {
		return syscall.EIO
	}

	for _, e := range entries[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], e)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *FileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	// See OpenDir: packagefs never needs per-handle state for reads.
	return syscall.ENOSYS
}

func (fs *FileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	node, ok := fs.lookupNode(op.Inode)
	if !ok {
		return syscall.ENOENT
	}
	leaf, ok := unionfs.AsLeaf(node)
	if !ok {
		return syscall.EISDIR
	}

	leaf.RLock()
	n, err := leaf.ReadAt(op.Dst, op.Offset)
	leaf.RUnlock()
	op.BytesRead = n
	if err == io.EOF {
		return nil // FUSE does not want io.EOF
	}
	if err != nil {
		return errnoFor(err)
	}
	return nil
}

func (fs *FileSystem) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	node, ok := fs.lookupNode(op.Inode)
	if !ok {
		return syscall.ENOENT
	}
	leaf, ok := unionfs.AsLeaf(node)
	if !ok {
		return syscall.EINVAL
	}

	leaf.RLock()
	target := leaf.SymlinkTarget()
	leaf.RUnlock()
	if target == "" {
		return syscall.EINVAL
	}
	op.Target = target
	return nil
}

// attributesOf returns the node's head package-node attributes (spec.md
// §6 open_attr_dir/read_attr "sourced from the head package-node's
// attributes"), mirroring the teacher's squashfs ReadXattrs-by-inode
// lookup.
func attributesOf(node unionfs.Node) []pkgfmt.Attribute {
	node.RLock()
	defer node.RUnlock()
	pn := node.GetPackageNode()
	if pn == nil {
		return nil
	}
	return pn.Attributes()
}

func (fs *FileSystem) ListXattr(ctx context.Context, op *fuseops.ListXattrOp) error {
	node, ok := fs.lookupNode(op.Inode)
	if !ok {
		return syscall.ENOENT
	}
	attrs := attributesOf(node)

	for _, attr := range attrs {
		op.BytesRead += len(attr.Name) + 1 // NUL-terminated
	}
	if op.BytesRead > len(op.Dst) {
		if len(op.Dst) == 0 {
			return nil
		}
		return syscall.ERANGE
	}
	copied := 0
	for _, attr := range attrs {
		copy(op.Dst[copied:], []byte(attr.Name))
		copied += len(attr.Name) + 1
		op.Dst[copied-1] = 0
	}
	return nil
}

func (fs *FileSystem) GetXattr(ctx context.Context, op *fuseops.GetXattrOp) error {
	node, ok := fs.lookupNode(op.Inode)
	if !ok {
		return syscall.ENOENT
	}
	attrs := attributesOf(node)

	var val []byte
	for _, attr := range attrs {
		if attr.Name != op.Name {
			continue
		}
		val = attr.Value
		break
	}
	if val == nil {
		return syscall.ENODATA
	}
	op.BytesRead = len(val)
	if op.BytesRead > len(op.Dst) {
		if len(op.Dst) == 0 {
			return nil
		}
		return syscall.ERANGE
	}
	copy(op.Dst, val)
	return nil
}

func (fs *FileSystem) Destroy() {
	fs.log.Info().Msg("unmounted")
}
