// Package integration provides end-to-end tests against real loopback
// listeners for each proxy protocol.
package integration

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/postalsys/multiproxy/internal/bufconn"
	"github.com/postalsys/multiproxy/internal/httpconnect"
	"github.com/postalsys/multiproxy/internal/proxy"
	"github.com/postalsys/multiproxy/internal/socks4"
	"github.com/postalsys/multiproxy/internal/socks5"
)

// startEchoHTTPServer starts a loopback HTTP server that replies 200 OK to
// any GET, for end-to-end CONNECT-then-GET scenarios.
func startEchoHTTPServer(t *testing.T) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return ln.Addr()
}

func startProxyListener(t *testing.T, cfg proxy.ListenerConfig, factory proxy.HandlerFactory) net.Addr {
	t.Helper()
	l := proxy.NewListener(cfg, factory)
	if err := l.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { l.Stop() })
	return l.Address()
}

func dial(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

// Scenario 1: SOCKS5 unauth CONNECT to IPv4 HTTP, followed by a real GET.
func TestScenario_SOCKS5UnauthConnectToHTTP(t *testing.T) {
	targetAddr := startEchoHTTPServer(t)
	targetTCP := targetAddr.(*net.TCPAddr)

	factory := func(stream *bufconn.Stream) proxy.Handler {
		return socks5.NewHandler(stream, socks5.Config{}, nil)
	}
	addr := startProxyListener(t, proxy.ListenerConfig{Protocol: "socks5", Address: "127.0.0.1:0"}, factory)

	client := dial(t, addr)
	defer client.Close()

	client.Write([]byte{0x05, 0x01, 0x00})
	mustReadExactly(t, client, []byte{0x05, 0x00})

	req := []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0, 0}
	req[8] = byte(targetTCP.Port >> 8)
	req[9] = byte(targetTCP.Port)
	client.Write(req)

	reply := readN(t, client, 4)
	if reply[0] != 0x05 || reply[1] != 0x00 {
		t.Fatalf("connect reply = % x, want 05 00 ...", reply)
	}
	readN(t, client, 6) // remaining BND.ADDR/BND.PORT for ATYP=IPv4

	client.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))
	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatalf("read http response: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

// Scenario 2: SOCKS5 auth failure closes the connection.
func TestScenario_SOCKS5AuthFailure(t *testing.T) {
	factory := func(stream *bufconn.Stream) proxy.Handler {
		return socks5.NewHandler(stream, socks5.Config{Auth: socks5.AuthConfig{Username: "user", Password: "pass"}}, nil)
	}
	addr := startProxyListener(t, proxy.ListenerConfig{Protocol: "socks5", Address: "127.0.0.1:0"}, factory)

	client := dial(t, addr)
	defer client.Close()

	client.Write([]byte{0x05, 0x01, 0x02})
	mustReadExactly(t, client, []byte{0x05, 0x02})

	client.Write([]byte{0x01, 0x04, 'u', 's', 'e', 'r', 0x04, 'f', 'a', 'i', 'l'})
	mustReadExactly(t, client, []byte{0x01, 0x01})

	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Fatal("expected connection close after auth failure")
	}
}

// Scenario 3: SOCKS4a hostname CONNECT.
func TestScenario_SOCKS4aHostname(t *testing.T) {
	targetAddr := startEchoHTTPServer(t)
	targetTCP := targetAddr.(*net.TCPAddr)

	factory := func(stream *bufconn.Stream) proxy.Handler {
		return socks4.NewHandler(stream, socks4.Config{}, nil)
	}
	addr := startProxyListener(t, proxy.ListenerConfig{Protocol: "socks4", Address: "127.0.0.1:0"}, factory)

	client := dial(t, addr)
	defer client.Close()

	req := []byte{0x04, 0x01, byte(targetTCP.Port >> 8), byte(targetTCP.Port), 0, 0, 0, 1, 0x00}
	req = append(req, []byte("127.0.0.1")...)
	req = append(req, 0x00)
	client.Write(req)

	reply := readN(t, client, 8)
	if reply[0] != 0x00 || reply[1] != 0x5A {
		t.Fatalf("reply = % x, want 00 5a ...", reply)
	}
}

// Scenario 4: SOCKS4 userid mismatch.
func TestScenario_SOCKS4UserIDMismatch(t *testing.T) {
	factory := func(stream *bufconn.Stream) proxy.Handler {
		return socks4.NewHandler(stream, socks4.Config{UserID: "alice"}, nil)
	}
	addr := startProxyListener(t, proxy.ListenerConfig{Protocol: "socks4", Address: "127.0.0.1:0"}, factory)

	client := dial(t, addr)
	defer client.Close()

	req := []byte{0x04, 0x01, 0x00, 0x50, 127, 0, 0, 1, 'b', 'o', 'b', 0x00}
	client.Write(req)

	reply := readN(t, client, 8)
	want := []byte{0x00, 0x5D, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(reply, want) {
		t.Fatalf("reply = % x, want % x", reply, want)
	}
}

// Scenario 5: HTTP CONNECT success, then a TLS-like opaque byte stream
// (tunnel transparency is exercised directly rather than a real TLS
// handshake, which the scenario does not require for this check).
func TestScenario_HTTPConnectSuccess(t *testing.T) {
	targetAddr := startEchoHTTPServer(t)

	factory := func(stream *bufconn.Stream) proxy.Handler {
		return httpconnect.NewHandler(stream, httpconnect.Config{}, nil)
	}
	addr := startProxyListener(t, proxy.ListenerConfig{Protocol: "http-connect", Address: "127.0.0.1:0"}, factory)

	client := dial(t, addr)
	defer client.Close()

	client.Write([]byte("CONNECT " + targetAddr.String() + " HTTP/1.1\r\nHost: " + targetAddr.String() + "\r\n\r\n"))

	reply := readLine(t, client)
	if !bytes.Contains(reply, []byte("200 Connection established")) {
		t.Fatalf("reply = %q, want 200 Connection established", reply)
	}

	client.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"))
	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatalf("read http response: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

// Scenario 6: HTTP CONNECT auth required, client omits Proxy-Authorization.
func TestScenario_HTTPConnectAuthRequired(t *testing.T) {
	factory := func(stream *bufconn.Stream) proxy.Handler {
		return httpconnect.NewHandler(stream, httpconnect.Config{Username: "user", Password: "pass"}, nil)
	}
	addr := startProxyListener(t, proxy.ListenerConfig{Protocol: "http-connect", Address: "127.0.0.1:0"}, factory)

	client := dial(t, addr)
	defer client.Close()

	client.Write([]byte("CONNECT 127.0.0.1:9 HTTP/1.1\r\nHost: 127.0.0.1:9\r\n\r\n"))

	reply := readLine(t, client)
	if !bytes.Contains(reply, []byte("401 Unauthorized")) {
		t.Fatalf("reply = %q, want 401 Unauthorized", reply)
	}
}

// HTTP CONNECT auth success, exercised with Basic credentials, confirming
// the full authorization header round trip end to end.
func TestScenario_HTTPConnectAuthSuccess(t *testing.T) {
	targetAddr := startEchoHTTPServer(t)

	factory := func(stream *bufconn.Stream) proxy.Handler {
		return httpconnect.NewHandler(stream, httpconnect.Config{Username: "user", Password: "pass"}, nil)
	}
	addr := startProxyListener(t, proxy.ListenerConfig{Protocol: "http-connect", Address: "127.0.0.1:0"}, factory)

	client := dial(t, addr)
	defer client.Close()

	creds := base64.StdEncoding.EncodeToString([]byte("user:pass"))
	client.Write([]byte("CONNECT " + targetAddr.String() + " HTTP/1.1\r\nHost: " + targetAddr.String() +
		"\r\nProxy-Authorization: Basic " + creds + "\r\n\r\n"))

	reply := readLine(t, client)
	if !bytes.Contains(reply, []byte("200")) {
		t.Fatalf("reply = %q, want 200", reply)
	}
}

// TestScenario_Isolation verifies P6: a failing connection on a listener
// does not prevent other concurrent connections from succeeding.
func TestScenario_Isolation(t *testing.T) {
	targetAddr := startEchoHTTPServer(t)
	targetTCP := targetAddr.(*net.TCPAddr)

	factory := func(stream *bufconn.Stream) proxy.Handler {
		return socks5.NewHandler(stream, socks5.Config{}, nil)
	}
	addr := startProxyListener(t, proxy.ListenerConfig{Protocol: "socks5", Address: "127.0.0.1:0"}, factory)

	bad := dial(t, addr)
	bad.Write([]byte{0x04, 0x01, 0x00}) // wrong version, rejected
	bad.Close()

	good := dial(t, addr)
	defer good.Close()
	good.Write([]byte{0x05, 0x01, 0x00})
	mustReadExactly(t, good, []byte{0x05, 0x00})

	req := []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, byte(targetTCP.Port >> 8), byte(targetTCP.Port)}
	good.Write(req)
	reply := readN(t, good, 4)
	if reply[1] != 0x00 {
		t.Fatalf("second connection should succeed despite first failing, got reply % x", reply)
	}
}

func mustReadExactly(t *testing.T, conn net.Conn, want []byte) {
	t.Helper()
	got := readN(t, conn, len(want))
	if !bytes.Equal(got, want) {
		t.Fatalf("read % x, want % x", got, want)
	}
}

func readN(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}
	return buf
}

func readLine(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return buf[:n]
}
