// Package proxy implements the connection driver: the per-listener accept
// loop that wraps each accepted connection in a buffered stream, runs a
// protocol handler's handshake, and on success runs the tunnel pump.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/multiproxy/internal/bufconn"
	"github.com/postalsys/multiproxy/internal/logging"
	"github.com/postalsys/multiproxy/internal/metrics"
	"github.com/postalsys/multiproxy/internal/recovery"
	"github.com/postalsys/multiproxy/internal/tunnel"
)

// Handler is the single operation every protocol handler (socks5, socks4,
// httpconnect) implements: negotiate the protocol's handshake over the
// client stream and, on success, return a stream already connected to the
// requested remote endpoint with any success reply already sent.
type Handler interface {
	ConnectToRemote(ctx context.Context) (*bufconn.Stream, error)
}

// HandlerFactory constructs a protocol handler bound to one connection's
// stream. The driver is generic over protocols through this factory; which
// protocol a Listener speaks is decided entirely at construction.
type HandlerFactory func(stream *bufconn.Stream) Handler

// ListenerConfig holds listener configuration.
type ListenerConfig struct {
	// Protocol names the handler this listener dispatches to, used only
	// for logging and metrics labels ("socks5", "socks4", "http-connect").
	Protocol string

	// Address is the local address to listen on.
	Address string

	// ShutdownGrace bounds how long Stop waits, after force-closing every
	// in-flight connection, for their goroutines to return. Zero means
	// wait indefinitely.
	ShutdownGrace time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// connPair tracks the client and (once connected) remote streams of a
// single in-flight connection, so Stop can force-close both. A handshake
// blocked on a raw socket read never observes context cancellation on its
// own; closing its client stream is what unblocks it.
type connPair struct {
	client *bufconn.Stream
	remote *bufconn.Stream
}

// Listener accepts TCP connections and drives each one through a protocol
// handler and, on success, the tunnel pump.
type Listener struct {
	cfg     ListenerConfig
	factory HandlerFactory

	listener net.Listener
	logger   *slog.Logger
	metrics  *metrics.Metrics

	connCount atomic.Int64

	connsMu sync.Mutex
	conns   map[*connPair]struct{}

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewListener creates a Listener that dispatches accepted connections to
// handlers built by factory.
func NewListener(cfg ListenerConfig, factory HandlerFactory) *Listener {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	}
	return &Listener{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		metrics: m,
		conns:   make(map[*connPair]struct{}),
		stopCh:  make(chan struct{}),
	}
}

// Start begins listening and accepting connections in a background goroutine.
func (l *Listener) Start() error {
	if l.running.Load() {
		return fmt.Errorf("proxy: listener already running")
	}

	ln, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("proxy: listen on %s: %w", l.cfg.Address, err)
	}

	l.listener = ln
	l.running.Store(true)

	l.wg.Add(1)
	go l.acceptLoop()

	l.logger.Info("listener started",
		logging.KeyProtocol, l.cfg.Protocol,
		logging.KeyListener, ln.Addr().String())

	return nil
}

// Stop closes the listener, force-closes the streams of every in-flight
// connection, and waits up to ShutdownGrace for their goroutines to return.
// It is idempotent.
func (l *Listener) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		l.running.Store(false)
		close(l.stopCh)
		if l.listener != nil {
			err = l.listener.Close()
		}

		l.connsMu.Lock()
		for pair := range l.conns {
			pair.client.Close()
			if pair.remote != nil {
				pair.remote.Close()
			}
		}
		l.connsMu.Unlock()

		l.logger.Info("listener stopping", logging.KeyProtocol, l.cfg.Protocol)
	})

	if l.cfg.ShutdownGrace <= 0 {
		l.wg.Wait()
		return err
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(l.cfg.ShutdownGrace):
		l.logger.Warn("shutdown grace period elapsed with connections still in flight",
			logging.KeyProtocol, l.cfg.Protocol,
			logging.KeyCount, l.connCount.Load())
	}
	return err
}

// Address returns the listening address, or nil if not started.
func (l *Listener) Address() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// ConnectionCount returns the number of connections currently in flight.
func (l *Listener) ConnectionCount() int64 {
	return l.connCount.Load()
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "proxy.Listener.acceptLoop")

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.stopCh:
				return
			default:
				l.logger.Debug("accept error",
					logging.KeyProtocol, l.cfg.Protocol,
					logging.KeyError, err)
				continue
			}
		}

		l.connCount.Add(1)
		l.wg.Add(1)
		go l.handleConnection(conn)
	}
}

// handleConnection implements the connection driver contract: wrap, hand
// off to the handler, and on success run the tunnel pump. Every outcome
// (cancellation, protocol failure, or success) closes both streams
// unconditionally and never propagates beyond this connection.
func (l *Listener) handleConnection(conn net.Conn) {
	defer l.wg.Done()
	defer l.connCount.Add(-1)
	defer recovery.RecoverWithCallback(l.logger, "proxy.Listener.handleConnection", func(interface{}) {
		l.metrics.RecordPanic()
	})

	l.metrics.RecordAccept(l.cfg.Protocol)

	client := bufconn.New(conn)
	start := time.Now()

	pair := &connPair{client: client}
	l.connsMu.Lock()
	l.conns[pair] = struct{}{}
	l.connsMu.Unlock()
	defer func() {
		l.connsMu.Lock()
		delete(l.conns, pair)
		l.connsMu.Unlock()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-l.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	handler := l.factory(client)
	remote, err := handler.ConnectToRemote(ctx)
	l.metrics.RecordHandshakeLatency(l.cfg.Protocol, time.Since(start).Seconds())

	if err != nil {
		client.Close()
		outcome := classifyError(ctx, err)
		switch outcome {
		case "cancelled":
			l.logger.Debug("connection cancelled", logging.KeyProtocol, l.cfg.Protocol)
		default:
			l.logger.Error("handshake failed",
				logging.KeyProtocol, l.cfg.Protocol,
				logging.KeyRemoteAddr, conn.RemoteAddr().String(),
				logging.KeyError, err)
			l.logger.Debug("handshake failure detail",
				logging.KeyProtocol, l.cfg.Protocol,
				logging.KeyError, fmt.Sprintf("%+v", err))
		}
		if outcome == "auth_failure" {
			l.metrics.RecordAuthFailure(l.cfg.Protocol)
		}
		if outcome == "dial_error" {
			l.metrics.RecordDialError(l.cfg.Protocol)
		}
		l.metrics.RecordClosed(l.cfg.Protocol, outcome)
		return
	}

	l.connsMu.Lock()
	pair.remote = remote
	stopped := false
	select {
	case <-l.stopCh:
		stopped = true
	default:
	}
	l.connsMu.Unlock()
	if stopped {
		// Stop's force-close pass may already have run against this pair
		// before remote was attached; close it now so the pump below does
		// not block on a socket nobody will ever close.
		remote.Close()
	}

	stats := tunnel.Pump(ctx, client, remote)
	client.Close()
	remote.Close()

	l.metrics.RecordBytes(l.cfg.Protocol, "client_to_remote", stats.AtoB)
	l.metrics.RecordBytes(l.cfg.Protocol, "remote_to_client", stats.BtoA)
	l.metrics.RecordClosed(l.cfg.Protocol, "success")

	l.logger.Debug("tunnel closed",
		logging.KeyProtocol, l.cfg.Protocol,
		logging.KeyBytesAtoB, stats.AtoB,
		logging.KeyBytesBtoA, stats.BtoA,
		"transferred", humanize.Bytes(uint64(stats.AtoB+stats.BtoA)))
}

// classifyError maps a handshake error to a metrics/log outcome label. It
// is necessarily heuristic: handlers return plain errors, not a typed error
// hierarchy, per the no-exceptions-for-control-flow design.
func classifyError(ctx context.Context, err error) string {
	if ctx.Err() != nil {
		return "cancelled"
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "auth"), strings.Contains(msg, "credential"), strings.Contains(msg, "mismatch"):
		return "auth_failure"
	case strings.Contains(msg, "dial"):
		return "dial_error"
	default:
		return "protocol_error"
	}
}
