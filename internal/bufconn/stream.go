// Package bufconn wraps a net.Conn with a read-side buffer and the
// read-exact/read-until primitives the protocol handlers are built on.
package bufconn

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
)

// Sentinel errors surfaced by Stream's read operations, for callers to
// match with errors.Is.
var (
	// ErrEndOfStream is returned by Receive when the peer closed cleanly
	// with no buffered data left to return.
	ErrEndOfStream = errors.New("bufconn: end of stream")

	// ErrIncompleteRead is returned by ReceiveExactly and ReceiveUntil when
	// the peer closes before the requested bytes are available.
	ErrIncompleteRead = errors.New("bufconn: incomplete read")

	// ErrDelimiterNotFound is returned by ReceiveUntil when cap bytes are
	// consumed without finding the delimiter.
	ErrDelimiterNotFound = errors.New("bufconn: delimiter not found within cap")

	// ErrClosed names the closed-stream condition. Stream's methods do not
	// return it: after Close they fail with the underlying net.Conn's error.
	ErrClosed = errors.New("bufconn: stream closed")
)

// DefaultReceiveSize is the size of a Stream's read buffer and the chunk size
// Receive uses when maxBytes is not positive.
const DefaultReceiveSize = 65536

// Stream is a duplex byte channel with an owned read buffer. It implements
// the byte-stream contract: send, receive, receive-exactly, receive-until,
// send-eof, close (idempotent), and peer/local address accessors.
//
// The buffer belongs to the Stream, never to the caller: any bytes read
// into it ahead of a handshake decision (e.g. the start of tunneled payload
// following a SOCKS5 request) remain available to later Receive calls.
type Stream struct {
	conn net.Conn
	r    *bufio.Reader

	closeOnce sync.Once
	closeErr  error
}

// New wraps conn in a Stream.
func New(conn net.Conn) *Stream {
	return &Stream{
		conn: conn,
		r:    bufio.NewReaderSize(conn, DefaultReceiveSize),
	}
}

// Conn returns the underlying net.Conn, for callers (the tunnel pump, the
// driver) that need deadlines or raw access. The buffered bytes still
// pending in the Stream's reader are not visible through it; use Receive to
// drain them before handing the Stream off.
func (s *Stream) Conn() net.Conn {
	return s.conn
}

// Send writes all of b to the connection.
func (s *Stream) Send(b []byte) error {
	_, err := s.conn.Write(b)
	return err
}

// SendEOF half-closes the write side, if the underlying connection supports
// it (e.g. *net.TCPConn.CloseWrite). On connections without half-close
// support this is a no-op; full close still happens via Close.
func (s *Stream) SendEOF() error {
	if hc, ok := s.conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return nil
}

// Receive reads up to maxBytes bytes. It blocks until at least one byte is
// available and returns ErrEndOfStream only when the peer has closed
// cleanly and no buffered data remains.
func (s *Stream) Receive(maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultReceiveSize
	}
	buf := make([]byte, maxBytes)
	n, err := s.r.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == io.EOF {
		return nil, ErrEndOfStream
	}
	return nil, err
}

// ReceiveExactly reads exactly n bytes or fails with ErrIncompleteRead if
// the peer closes first.
func (s *Stream) ReceiveExactly(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrIncompleteRead
		}
		return nil, err
	}
	return buf, nil
}

// ReceiveUntil reads until the first occurrence of delim (inclusive),
// failing with ErrDelimiterNotFound if capBytes are consumed first, or
// ErrIncompleteRead if the peer closes before delim appears.
func (s *Stream) ReceiveUntil(delim []byte, capBytes int) ([]byte, error) {
	var out bytes.Buffer
	for {
		if out.Len() >= capBytes {
			return nil, ErrDelimiterNotFound
		}
		b, err := s.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrIncompleteRead
			}
			return nil, err
		}
		out.WriteByte(b)
		if out.Len() >= len(delim) && bytes.HasSuffix(out.Bytes(), delim) {
			return out.Bytes(), nil
		}
	}
}

// Close closes the underlying connection. Safe to call any number of
// times, including concurrently with a read that is being canceled.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// RemoteAddr returns the peer's socket endpoint.
func (s *Stream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// LocalAddr returns the local socket endpoint.
func (s *Stream) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}
