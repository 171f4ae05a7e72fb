package socks5

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"

	"github.com/postalsys/multiproxy/internal/bufconn"
)

// Version is the SOCKS5 protocol version byte (RFC 1928).
const Version = 0x05

// Command types. Only CmdConnect is handled; BIND and UDP_ASSOCIATE are
// parsed far enough to be rejected with ReplyCmdNotSupported.
const (
	CmdConnect      = 0x01
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03
)

// Address types.
const (
	AddrTypeIPv4   = 0x01
	AddrTypeDomain = 0x03
	AddrTypeIPv6   = 0x04
)

// Reply codes.
const (
	ReplySucceeded          = 0x00
	ReplyServerFailure      = 0x01
	ReplyNotAllowed         = 0x02
	ReplyNetworkUnreachable = 0x03
	ReplyHostUnreachable    = 0x04
	ReplyConnectionRefused  = 0x05
	ReplyTTLExpired         = 0x06
	ReplyCmdNotSupported    = 0x07
	ReplyAddrNotSupported   = 0x08
)

// Dialer makes outbound TCP connections for the CONNECT command.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DirectDialer connects directly to destinations using the OS default
// route, for handler construction that doesn't need a dialpool.Pool.
type DirectDialer struct{}

// DialContext makes a direct TCP connection.
func (d *DirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, network, address)
}

// Config holds the per-listener SOCKS5 configuration. It is immutable for
// the lifetime of a listener and shared by reference across connections.
type Config struct {
	Auth AuthConfig
}

// Handler implements one SOCKS5 connection's state machine: method
// negotiation, optional subnegotiation, CONNECT parsing, and reply framing.
// A Handler is constructed fresh per connection, bound to that connection's
// stream, mirroring the one-operation "connect_to_remote" shape described
// for all three protocol handlers.
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

// ConnectToRemote runs the full SOCKS5 handshake and, on success, returns a
// stream already connected to the requested remote endpoint with the
// success reply already sent. On any failure it has already sent the
// protocol-appropriate rejection reply (best effort) and returns an error;
// the caller (the connection driver) is responsible for closing the client
// stream in that case.
func (h *Handler) ConnectToRemote(ctx context.Context) (*bufconn.Stream, error) {
	if err := h.negotiateAuth(); err != nil {
		return nil, err
	}

	host, port, err := h.readRequest()
	if err != nil {
		return nil, err
	}

	target := net.JoinHostPort(host, strconv.Itoa(int(port)))
	conn, err := h.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		h.stream.Send([]byte{Version, ReplyConnectionRefused, 0x00, 0x00, 0x00, 0x00})
		return nil, fmt.Errorf("socks5: dial %s: %w", target, err)
	}

	remote := bufconn.New(conn)
	if err := h.sendSuccessReply(conn); err != nil {
		remote.Close()
		return nil, fmt.Errorf("socks5: send success reply: %w", err)
	}

	return remote, nil
}

// negotiateAuth performs the greeting and, if selected, the username/
// password subnegotiation (RFC 1928 §3, RFC 1929).
func (h *Handler) negotiateAuth() error {
	header, err := h.stream.ReceiveExactly(2)
	if err != nil {
		return err
	}
	if header[0] != Version {
		h.stream.Send([]byte{0x00, 0x00})
		return fmt.Errorf("socks5: unsupported version %d", header[0])
	}

	methods, err := h.stream.ReceiveExactly(int(header[1]))
	if err != nil {
		return err
	}

	authenticator := CreateAuthenticator(h.cfg.Auth)
	chosen := selectMethod(authenticator.GetMethod(), methods)

	if err := h.stream.Send([]byte{Version, chosen}); err != nil {
		return err
	}
	if chosen == AuthMethodNoAcceptable {
		return fmt.Errorf("socks5: no acceptable authentication method")
	}

	if chosen == AuthMethodUserPass {
		if _, err := authenticator.Authenticate(streamReader{h.stream}, streamWriter{h.stream}); err != nil {
			return fmt.Errorf("socks5: authentication: %w", err)
		}
	}
	return nil
}

// selectMethod picks want if it's among offered, else AuthMethodNoAcceptable.
func selectMethod(want byte, offered []byte) byte {
	for _, m := range offered {
		if m == want {
			return want
		}
	}
	return AuthMethodNoAcceptable
}

// readRequest reads the CONNECT request and destination address.
//
//	+----+-----+-------+------+----------+----------+
//	|VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
//	+----+-----+-------+------+----------+----------+
func (h *Handler) readRequest() (host string, port uint16, err error) {
	header, err := h.stream.ReceiveExactly(4)
	if err != nil {
		return "", 0, err
	}

	if header[0] != Version {
		h.stream.Send([]byte{Version, ReplyServerFailure, 0x00})
		return "", 0, fmt.Errorf("socks5: unsupported version %d in request", header[0])
	}
	if header[1] != CmdConnect {
		h.stream.Send([]byte{Version, ReplyCmdNotSupported, 0x00})
		return "", 0, fmt.Errorf("socks5: unsupported command %d", header[1])
	}

	switch header[3] {
	case AddrTypeIPv4:
		addr, err := h.stream.ReceiveExactly(4)
		if err != nil {
			return "", 0, err
		}
		host = net.IP(addr).String()

	case AddrTypeIPv6:
		addr, err := h.stream.ReceiveExactly(16)
		if err != nil {
			return "", 0, err
		}
		host = net.IP(addr).String()

	case AddrTypeDomain:
		lenBuf, err := h.stream.ReceiveExactly(1)
		if err != nil {
			return "", 0, err
		}
		domain, err := h.stream.ReceiveExactly(int(lenBuf[0]))
		if err != nil {
			return "", 0, err
		}
		host = string(domain)

	default:
		h.stream.Send([]byte{Version, ReplyAddrNotSupported, 0x00, 0x00, 0x00, 0x00})
		return "", 0, fmt.Errorf("socks5: unsupported address type %d", header[3])
	}

	portBytes, err := h.stream.ReceiveExactly(2)
	if err != nil {
		return "", 0, err
	}
	port = binary.BigEndian.Uint16(portBytes)

	return host, port, nil
}

// sendSuccessReply sends the CONNECT success reply, reporting the new
// remote connection's local (bind) address. A connection whose local
// address is not a TCP address is reported as 0.0.0.0 port 0.
//
//	+----+-----+-------+------+----------+----------+
//	|VER | REP |  RSV  | ATYP | BND.ADDR | BND.PORT |
//	+----+-----+-------+------+----------+----------+
func (h *Handler) sendSuccessReply(conn net.Conn) error {
	local, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		local = &net.TCPAddr{IP: net.IPv4zero}
	}

	var atyp byte
	var addrBytes []byte
	if v4 := local.IP.To4(); v4 != nil {
		atyp, addrBytes = AddrTypeIPv4, v4
	} else {
		atyp, addrBytes = AddrTypeIPv6, local.IP.To16()
	}

	buf := make([]byte, 4+len(addrBytes)+2)
	buf[0] = Version
	buf[1] = ReplySucceeded
	buf[2] = 0x00
	buf[3] = atyp
	copy(buf[4:], addrBytes)
	binary.BigEndian.PutUint16(buf[4+len(addrBytes):], uint16(local.Port))

	return h.stream.Send(buf)
}

// streamReader/streamWriter adapt bufconn.Stream to io.Reader/io.Writer so
// Authenticator.Authenticate (a generic io-based interface) can read
// through the stream's owned buffer instead of the raw connection.
type streamReader struct{ s *bufconn.Stream }

func (r streamReader) Read(p []byte) (int, error) {
	b, err := r.s.ReceiveExactly(len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, b), nil
}

type streamWriter struct{ s *bufconn.Stream }

func (w streamWriter) Write(p []byte) (int, error) {
	if err := w.s.Send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
