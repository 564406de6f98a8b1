package control

import (
	"net"

	"golang.org/x/xerrors"
)

// Client is the operator-facing side of the control socket, used by
// cmd/packagefsctl to send activation-change requests without a local
// Manager.
type Client struct {
	socketPath string
}

// NewClient returns a Client that dials socketPath on every call.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Apply sends req to the server and waits for the applied-or-rejected
// response.
func (c *Client) Apply(req *Request) error {
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return xerrors.Errorf("dial control socket: %w", err)
	}
	defer conn.Close()

	payload, err := Encode(req)
	if err != nil {
		return xerrors.Errorf("encode activation request: %w", err)
	}
	if err := writeFrame(conn, payload); err != nil {
		return xerrors.Errorf("send activation request: %w", err)
	}

	resp, err := readFrame(conn)
	if err != nil {
		return xerrors.Errorf("read activation response: %w", err)
	}
	if len(resp) == 0 {
		return xerrors.New("empty activation response")
	}
	if resp[0] != 0 {
		return xerrors.New(string(resp[1:]))
	}
	return nil
}
