package control

import (
	"net"
	"os"

	"golang.org/x/xerrors"

	"github.com/distr1/packagefs/internal/activation"
	"github.com/distr1/packagefs/internal/logging"
	"github.com/distr1/packagefs/internal/pkgerr"
)

// Server accepts activation-change requests over a Unix domain socket
// and dispatches them to a Manager, replacing the CHANGE_ACTIVATION
// ioctl of spec.md §4.5 with a local socket round trip.
type Server struct {
	listener *net.UnixListener
	manager  *activation.Manager
}

// Listen creates a Server bound to socketPath, removing any stale socket
// file left behind by a prior, uncleanly terminated run.
func Listen(socketPath string, manager *activation.Manager) (*Server, error) {
	_ = os.Remove(socketPath)

	addr, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		return nil, xerrors.Errorf("resolve control socket address: %w", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, xerrors.Errorf("listen on control socket: %w", err)
	}
	return &Server{listener: ln, manager: manager}, nil
}

// Serve accepts connections until the listener is closed, handling each
// one synchronously (an activation batch already serializes through
// Manager.Apply's own mutex, so concurrent connections gain nothing from
// a goroutine-per-connection beyond contending for that same lock).
func (s *Server) Serve() error {
	log := logging.WithComponent("control")
	for {
		conn, err := s.listener.AcceptUnix()
		if err != nil {
			return err
		}
		if err := s.handle(conn); err != nil {
			log.Error().Err(err).Msg("activation request failed")
		}
		conn.Close()
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error { return s.listener.Close() }

func (s *Server) handle(conn net.Conn) error {
	payload, err := readFrame(conn)
	if err != nil {
		writeFrame(conn, errorResponse(err))
		return err
	}

	req, err := Decode(payload)
	if err != nil {
		writeFrame(conn, errorResponse(err))
		return err
	}

	parent, items, err := toActivationBatch(req)
	if err != nil {
		writeFrame(conn, errorResponse(err))
		return err
	}

	if err := s.manager.Apply(parent, items); err != nil {
		writeFrame(conn, errorResponse(err))
		return err
	}

	return writeFrame(conn, []byte{0})
}

// toActivationBatch converts the wire Request into internal/activation's
// API. Every item on the wire carries its own parent device/inode
// (spec.md §6), but Manager.Apply validates one shared parent per batch;
// a real activation-change request only ever targets one packages
// directory, so this rejects a request whose items disagree rather than
// silently picking one (see DESIGN.md).
func toActivationBatch(req *Request) (activation.ParentID, []activation.Item, error) {
	if len(req.Items) == 0 {
		return activation.ParentID{}, nil, xerrors.Errorf("empty activation request: %w", pkgerr.ErrBadValue)
	}

	parent := activation.ParentID{Device: uint64(req.Items[0].ParentDeviceID), Inode: req.Items[0].ParentDirectoryID}
	items := make([]activation.Item, len(req.Items))
	for i, wireItem := range req.Items {
		if uint64(wireItem.ParentDeviceID) != parent.Device || wireItem.ParentDirectoryID != parent.Inode {
			return activation.ParentID{}, nil, xerrors.Errorf("item %d targets a different parent: %w", i, pkgerr.ErrMismatchedValues)
		}
		items[i] = activation.Item{Type: wireItem.Type, Filename: wireItem.Name}
	}
	return parent, items, nil
}

func errorResponse(err error) []byte {
	msg := err.Error()
	buf := make([]byte, 1+len(msg))
	buf[0] = 1
	copy(buf[1:], msg)
	return buf
}
