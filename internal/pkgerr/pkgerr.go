// Package pkgerr defines the error taxonomy shared across packagefs'
// components (spec.md §7). Components return these sentinels (optionally
// wrapped with golang.org/x/xerrors for context) so that the VFS transport
// layer can map them onto the right errno without string matching.
package pkgerr

import "golang.org/x/xerrors"

var (
	// ErrNotFound is returned when a name lookup or package-file open fails
	// to find its target.
	ErrNotFound = xerrors.New("packagefs: not found")

	// ErrNotADirectory is returned when an operation expecting a directory
	// is given a leaf node.
	ErrNotADirectory = xerrors.New("packagefs: not a directory")

	// ErrIsADirectory is returned when an operation expecting a leaf is
	// given a directory.
	ErrIsADirectory = xerrors.New("packagefs: is a directory")

	// ErrBadValue is returned for malformed requests: invalid ioctl
	// layout, malformed activation request, invalid mount parameters.
	ErrBadValue = xerrors.New("packagefs: bad value")

	// ErrNameInUse is returned when activating a package that is already
	// active.
	ErrNameInUse = xerrors.New("packagefs: name already in use")

	// ErrReadOnlyDevice is returned for any write-path operation; the
	// filesystem is read-only.
	ErrReadOnlyDevice = xerrors.New("packagefs: read-only device")

	// ErrNoMemory signals an allocation failure; activation rolls back.
	ErrNoMemory = xerrors.New("packagefs: no memory")

	// ErrMismatchedValues is returned when an activation request's parent
	// device/inode does not match the packages directory.
	ErrMismatchedValues = xerrors.New("packagefs: mismatched values")

	// ErrUnsupported is returned for operations this filesystem never
	// implements (write, index create/remove, ...).
	ErrUnsupported = xerrors.New("packagefs: unsupported operation")

	// ErrBadData signals a package archive failed to parse, or an
	// activation file is invalid; the package is skipped and the error is
	// logged, never fatal to the volume.
	ErrBadData = xerrors.New("packagefs: bad data")
)
