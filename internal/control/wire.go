// Package control implements packagefs' activation control plane
// (spec.md §6/§4.9): the binary wire format for an activation-change
// request, a Unix-socket server that dispatches decoded batches to
// internal/activation.Manager, a client for operator tooling, and the
// atomic on-disk activation-file reader/writer.
package control

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"

	"github.com/distr1/packagefs/internal/activation"
	"github.com/distr1/packagefs/internal/pkgerr"
)

// MaxRequestSize is spec.md §6's ceiling on one encoded
// ActivationChangeRequest, enforced both when decoding from the wire and
// when reading the on-disk activation file.
const MaxRequestSize = 10 << 20 // 10 MiB

// minItemSize is the fixed-width prefix of one wire item (type +
// parentDeviceID + parentDirectoryID + nameLen), before its variable-length
// name. Every item occupies at least this many bytes, so it bounds how
// large a declared item count can plausibly be for a given buffer.
const minItemSize = 4 + 4 + 8 + 4

// ItemType mirrors activation.ItemType on the wire (spec.md §6: "1=
// ACTIVATE, 2=DEACTIVATE, 3=REACTIVATE").
type ItemType = activation.ItemType

// Item is the Go rendering of one ActivationChangeItem (spec.md §6). The
// original's `char* name` plus userspace-pointer relocation collapses
// here to a plain length-prefixed string, since a Go struct already owns
// its Name bytes — there is no separate buffer to relocate into.
type Item struct {
	Type              ItemType
	ParentDeviceID    uint32
	ParentDirectoryID uint64
	Name              string
}

// Request is the Go rendering of ActivationChangeRequest (spec.md §6).
type Request struct {
	Items []Item
}

// Encode renders req as spec.md §6's wire layout: a u32 item count
// followed by each item's {type, parentDeviceID, parentDirectoryID,
// nameLen, name} fields, all fixed-width fields little-endian.
func Encode(req *Request) ([]byte, error) {
	size := 4
	for _, item := range req.Items {
		size += 4 + 4 + 8 + 4 + len(item.Name)
	}
	if size > MaxRequestSize {
		return nil, xerrors.Errorf("encode activation request: %w", pkgerr.ErrBadValue)
	}

	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(req.Items)))
	off += 4
	for _, item := range req.Items {
		binary.LittleEndian.PutUint32(buf[off:], uint32(item.Type))
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], item.ParentDeviceID)
		off += 4
		binary.LittleEndian.PutUint64(buf[off:], item.ParentDirectoryID)
		off += 8
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(item.Name)))
		off += 4
		off += copy(buf[off:], item.Name)
	}
	return buf, nil
}

// Decode parses a wire-encoded ActivationChangeRequest, rejecting
// anything over MaxRequestSize or whose declared lengths run past the
// buffer (spec.md §6's "validates the result lies within the buffer").
func Decode(buf []byte) (*Request, error) {
	if len(buf) > MaxRequestSize {
		return nil, xerrors.Errorf("decode activation request: %w", pkgerr.ErrBadValue)
	}
	if len(buf) < 4 {
		return nil, xerrors.Errorf("decode activation request: truncated count: %w", pkgerr.ErrBadValue)
	}

	count := binary.LittleEndian.Uint32(buf)
	off := 4
	// count is attacker/bug-controlled and read before any per-item bounds
	// check; a declared count like 0xFFFFFFFF would otherwise demand a
	// multi-gigabyte allocation right here. Cap the capacity hint at what
	// the buffer could plausibly hold — the loop below still iterates the
	// full declared count and still rejects a mismatched count via the
	// per-item truncation check, this only bounds the allocation.
	capHint := count
	if maxItems := uint32(len(buf)-off) / minItemSize; capHint > maxItems {
		capHint = maxItems
	}
	items := make([]Item, 0, capHint)
	for i := uint32(0); i < count; i++ {
		if off+4+4+8+4 > len(buf) {
			return nil, xerrors.Errorf("decode activation request: truncated item %d: %w", i, pkgerr.ErrBadValue)
		}
		itemType := binary.LittleEndian.Uint32(buf[off:])
		off += 4
		parentDevice := binary.LittleEndian.Uint32(buf[off:])
		off += 4
		parentDir := binary.LittleEndian.Uint64(buf[off:])
		off += 8
		nameLen := binary.LittleEndian.Uint32(buf[off:])
		off += 4
		if off+int(nameLen) > len(buf) {
			return nil, xerrors.Errorf("decode activation request: name of item %d runs past buffer: %w", i, pkgerr.ErrBadValue)
		}
		name := string(buf[off : off+int(nameLen)])
		off += int(nameLen)

		items = append(items, Item{
			Type:              ItemType(itemType),
			ParentDeviceID:    parentDevice,
			ParentDirectoryID: parentDir,
			Name:              name,
		})
	}
	return &Request{Items: items}, nil
}

// writeFrame/readFrame give Encode/Decode a length-prefixed framing over
// a stream transport (the Unix socket), so a reader knows exactly how
// many bytes to read before decoding.
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > MaxRequestSize {
		return nil, xerrors.Errorf("read frame: %w", pkgerr.ErrBadValue)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
