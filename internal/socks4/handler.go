// Package socks4 implements the SOCKS4/4a protocol handler: request
// parsing, the SOCKS4a hostname extension, an optional userid check, and
// reply framing.
package socks4

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"

	"github.com/postalsys/multiproxy/internal/bufconn"
)

// Version is the SOCKS4 protocol version byte.
const Version = 0x04

// Command types. Only CmdConnect is handled.
const CmdConnect = 0x01

// Reply codes.
const (
	ReplyGranted       = 0x5A
	ReplyRejected      = 0x5B
	ReplyConnectFailed = 0x5C
	ReplyIdentMismatch = 0x5D
)

// Dialer makes outbound TCP connections for the CONNECT command.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DirectDialer connects directly to destinations using the OS default route.
type DirectDialer struct{}

// DialContext makes a direct TCP connection.
func (d *DirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, network, address)
}

// Config holds the per-listener SOCKS4 configuration. When UserID is
// non-empty, the client's userid field must match it exactly; the source
// protocol does not carry a password field for SOCKS4, so there is none to
// configure here.
type Config struct {
	UserID string
}

// Handler implements one SOCKS4/4a connection's state machine.
type Handler struct {
	stream *bufconn.Stream
	cfg    Config
	dialer Dialer
}

// NewHandler binds a Handler to stream for a single connection.
func NewHandler(stream *bufconn.Stream, cfg Config, dialer Dialer) *Handler {
	if dialer == nil {
		dialer = &DirectDialer{}
	}
	return &Handler{stream: stream, cfg: cfg, dialer: dialer}
}

// ConnectToRemote runs the SOCKS4/4a handshake and, on success, returns a
// stream connected to the requested remote endpoint with the granted reply
// already sent.
func (h *Handler) ConnectToRemote(ctx context.Context) (*bufconn.Stream, error) {
	host, port, err := h.negotiate()
	if err != nil {
		return nil, err
	}

	target := net.JoinHostPort(host, strconv.Itoa(int(port)))
	conn, err := h.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		h.reply(ReplyConnectFailed)
		return nil, fmt.Errorf("socks4: dial %s: %w", target, err)
	}

	if err := h.reply(ReplyGranted); err != nil {
		conn.Close()
		return nil, fmt.Errorf("socks4: send granted reply: %w", err)
	}
	return bufconn.New(conn), nil
}

// negotiate reads the request, optional userid, and SOCKS4a hostname, and
// resolves the destination host/port to use for the remote connect step.
//
//	VER(1) CMD(1) PORT(2,be) IP(4) USERID NUL [HOST NUL]
func (h *Handler) negotiate() (host string, port uint16, err error) {
	header, err := h.stream.ReceiveExactly(2)
	if err != nil {
		return "", 0, err
	}
	if header[0] != Version {
		h.reply(ReplyRejected)
		return "", 0, fmt.Errorf("socks4: unsupported version %d", header[0])
	}
	if header[1] != CmdConnect {
		h.reply(ReplyRejected)
		return "", 0, fmt.Errorf("socks4: unsupported command %d", header[1])
	}

	portBytes, err := h.stream.ReceiveExactly(2)
	if err != nil {
		return "", 0, err
	}
	port = binary.BigEndian.Uint16(portBytes)

	addrBytes, err := h.stream.ReceiveExactly(4)
	if err != nil {
		return "", 0, err
	}
	// SOCKS4a: 0.0.0.X with X != 0 is a placeholder signaling that a
	// hostname follows the userid.
	isSocks4a := addrBytes[0] == 0 && addrBytes[1] == 0 && addrBytes[2] == 0 && addrBytes[3] != 0

	userid, err := h.readUntilNull()
	if err != nil {
		return "", 0, err
	}
	if h.cfg.UserID != "" && h.cfg.UserID != userid {
		h.reply(ReplyIdentMismatch)
		return "", 0, fmt.Errorf("socks4: userid mismatch")
	}

	if isSocks4a {
		host, err = h.readUntilNull()
		if err != nil {
			return "", 0, err
		}
	} else {
		host = net.IP(addrBytes).String()
	}

	return host, port, nil
}

// readUntilNull reads an ASCII string terminated by a single NUL byte, not
// including the terminator.
func (h *Handler) readUntilNull() (string, error) {
	var out []byte
	for {
		b, err := h.stream.ReceiveExactly(1)
		if err != nil {
			return "", err
		}
		if b[0] == 0x00 {
			return string(out), nil
		}
		out = append(out, b[0])
	}
}

// reply sends the fixed 8-byte SOCKS4 reply frame. The address/port fields
// are ignored by clients and left zero-filled.
func (h *Handler) reply(code byte) error {
	return h.stream.Send([]byte{0x00, code, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
}
