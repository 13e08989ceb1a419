// Package bridge is a websockify style proxy: browsers (or any noVNC client) open a
// WebSocket and the bridge relays it byte for byte to one fixed VNC server over TCP.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/proxy"

	"github.com/regginator/vconsole/metrics"
	"github.com/regginator/vconsole/transport"
)

const (
	DefaultPath        = "/websockify"
	DefaultDialTimeout = 10 * time.Second

	tracerName = "github.com/regginator/vconsole/bridge"

	// Largest WebSocket message accepted from a client
	maxMessageSize = 1 << 20
)

type Config struct {
	Listen    string // host:port for ListenAndServe
	Target    string // VNC server host:port, every relay goes here
	Path      string // WebSocket endpoint, defaults to DefaultPath
	ProxyAddr string // Optional proxy used to reach Target, same format as transport.Options

	DialTimeout time.Duration

	// Origins allowed to open relays, in the host pattern syntax of coder/websocket. Requests
	// whose Origin matches the Host are always allowed.
	OriginPatterns []string

	Logger *pterm.Logger

	// Registry for the bridge metrics, also served on /metrics. A fresh one with the Go and
	// process collectors is created if nil.
	Registry *prometheus.Registry
}

type Bridge struct {
	cfg     Config
	logger  *pterm.Logger
	dialer  proxy.ContextDialer
	metrics *metrics.Metrics
	tracer  trace.Tracer
	router  chi.Router

	// Canceled by Close, ends every relay
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	relays sync.WaitGroup
}

func New(cfg Config) (*Bridge, error) {
	if cfg.Target == "" {
		return nil, fmt.Errorf("bridge.New: Target not specified")
	}
	if _, _, err := net.SplitHostPort(cfg.Target); err != nil {
		return nil, fmt.Errorf("bridge.New: invalid target %q: %w", cfg.Target, err)
	}

	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}

	dialer, err := transport.NewDialer(cfg.ProxyAddr)
	if err != nil {
		return nil, fmt.Errorf("bridge.New: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = pterm.DefaultLogger.WithWriter(io.Discard)
	}

	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:     cfg,
		logger:  logger,
		dialer:  dialer,
		metrics: metrics.New(metrics.Config{Registerer: reg}),
		tracer:  otel.Tracer(tracerName),
		ctx:     ctx,
		cancel:  cancel,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get(cfg.Path, b.serveRelay)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	b.router = r

	return b, nil
}

func (b *Bridge) Handler() http.Handler {
	return b.router
}

// ListenAndServe serves on cfg.Listen until ctx is done, then shuts down and ends all relays
func (b *Bridge) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              b.cfg.Listen,
		Handler:           b.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		b.logger.Info("Bridge listening", b.logger.Args("listen", b.cfg.Listen, "path", b.cfg.Path, "target", b.cfg.Target))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		b.Close()
		return fmt.Errorf("ListenAndServe: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	b.Close()

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ListenAndServe: %w", err)
	}
	return nil
}

// Close ends every open relay and waits for them. Hijacked connections are not covered by
// http.Server.Shutdown.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.relays.Wait()
}

func (b *Bridge) trackRelay() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	b.relays.Add(1)
	return true
}
