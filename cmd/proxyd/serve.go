package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/postalsys/multiproxy/internal/bufconn"
	"github.com/postalsys/multiproxy/internal/config"
	"github.com/postalsys/multiproxy/internal/dialpool"
	"github.com/postalsys/multiproxy/internal/httpconnect"
	"github.com/postalsys/multiproxy/internal/logging"
	"github.com/postalsys/multiproxy/internal/metrics"
	"github.com/postalsys/multiproxy/internal/proxy"
	"github.com/postalsys/multiproxy/internal/socks4"
	"github.com/postalsys/multiproxy/internal/socks5"
)

const shutdownGrace = 10 * time.Second

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the configured listeners and block until shutdown",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "path to configuration file")
	return cmd
}

func serve(cfg *config.Config) error {
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	reg := prometheus.NewRegistry()
	m := metrics.NewMetricsWithRegistry(reg)

	bindAddrs := make([]net.IP, 0, len(cfg.Dial.BindAddresses))
	for _, raw := range cfg.Dial.BindAddresses {
		if ip := net.ParseIP(raw); ip != nil {
			bindAddrs = append(bindAddrs, ip)
		}
	}
	pool := dialpool.New(bindAddrs, cfg.Dial.ConnectTimeout)

	listeners := make([]*proxy.Listener, 0, len(cfg.Listeners))
	for _, lc := range cfg.Listeners {
		listener, err := buildListener(lc, pool, logger, m)
		if err != nil {
			return fmt.Errorf("listener %s: %w", lc.Address, err)
		}
		if err := listener.Start(); err != nil {
			return fmt.Errorf("start listener %s: %w", lc.Address, err)
		}
		listeners = append(listeners, listener)
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", logging.KeyError, err)
			}
		}()
		logger.Info("metrics endpoint started", logging.KeyListener, cfg.Metrics.Address)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	for _, l := range listeners {
		l.Stop()
	}
	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		metricsSrv.Shutdown(ctx)
	}

	logger.Info("proxyd stopped")
	return nil
}

// buildListener constructs the protocol-specific handler factory and wraps
// it in a proxy.Listener, per the connection driver's generic-over-handlers
// design.
func buildListener(lc config.ListenerConfig, pool *dialpool.Pool, logger *slog.Logger, m *metrics.Metrics) (*proxy.Listener, error) {
	var factory proxy.HandlerFactory

	switch lc.Protocol {
	case config.ProtocolSOCKS5:
		scfg := socks5.Config{Auth: socks5.AuthConfig{Username: lc.Username, Password: lc.Password}}
		factory = func(stream *bufconn.Stream) proxy.Handler {
			return socks5.NewHandler(stream, scfg, pool)
		}
	case config.ProtocolSOCKS4:
		scfg := socks4.Config{UserID: lc.UserID}
		factory = func(stream *bufconn.Stream) proxy.Handler {
			return socks4.NewHandler(stream, scfg, pool)
		}
	case config.ProtocolHTTPConnect:
		hcfg := httpconnect.Config{Username: lc.Username, Password: lc.Password}
		factory = func(stream *bufconn.Stream) proxy.Handler {
			return httpconnect.NewHandler(stream, hcfg, pool)
		}
	default:
		return nil, fmt.Errorf("unknown protocol %q", lc.Protocol)
	}

	lcfg := proxy.ListenerConfig{
		Protocol:      lc.Protocol,
		Address:       lc.Address,
		ShutdownGrace: shutdownGrace,
		Logger:        logger,
		Metrics:       m,
	}
	return proxy.NewListener(lcfg, factory), nil
}
