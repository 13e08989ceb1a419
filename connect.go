package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/regginator/vconsole/metrics"
	"github.com/regginator/vconsole/rfb"
	"github.com/regginator/vconsole/transport"
)

const passwordEnv = "VCONSOLE_PASSWORD"

type connectFlags struct {
	conn connFlags

	password      string
	refresh       time.Duration
	exclusive     bool
	encodings     []string
	timeout       time.Duration
	duration      time.Duration
	metricsListen string
}

func connectCmd(global *globalFlags) *cobra.Command {
	var f connectFlags

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Open an RFB session and keep the framebuffer refreshed",
		Long: `Connect to a VNC server, authenticate and stay connected, reporting framebuffer
updates, bells and clipboard text until interrupted.

The password may also be given through the ` + passwordEnv + ` environment variable.

Examples:
  vconsole connect -a 10.13.33.37:5901 -p hunter2
  ` + passwordEnv + `=hunter2 vconsole connect -a vnc.example.com:443 --novnc --wss`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd.Context(), global, &f)
		},
	}

	f.conn.register(cmd.Flags())
	cmd.Flags().StringVarP(&f.password, "password", "p", "", "VNC password, only the first 8 characters are used")
	cmd.Flags().DurationVar(&f.refresh, "refresh", rfb.DefaultRefreshInterval, "Interval between framebuffer update requests, negative disables them")
	cmd.Flags().BoolVar(&f.exclusive, "exclusive", false, "Ask the server to disconnect other clients")
	cmd.Flags().StringSliceVar(&f.encodings, "encodings", nil, "Encodings to announce, in preference order [raw, copyrect, rre, hextile]")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 15*time.Second, "Give up if the handshake hasn't finished by then")
	cmd.Flags().DurationVar(&f.duration, "duration", 0, "Disconnect after this long, 0 stays connected until interrupted")
	cmd.Flags().StringVar(&f.metricsListen, "metrics-listen", "", "Serve Prometheus metrics for the session on this address")

	return cmd
}

func parseEncodings(names []string) ([]rfb.Encoding, error) {
	encodings := make([]rfb.Encoding, 0, len(names))
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "raw":
			encodings = append(encodings, rfb.EncodingRaw)
		case "copyrect":
			encodings = append(encodings, rfb.EncodingCopyRect)
		case "rre":
			encodings = append(encodings, rfb.EncodingRRE)
		case "hextile":
			encodings = append(encodings, rfb.EncodingHextile)
		default:
			return nil, fmt.Errorf("unsupported encoding %q", name)
		}
	}
	return encodings, nil
}

// Prints session events to the terminal
type consoleHandler struct {
	logger *pterm.Logger

	connected    chan rfb.ServerInfo
	disconnected chan rfb.DisconnectReason

	mu      sync.Mutex
	updates int
	rects   int
}

func newConsoleHandler(logger *pterm.Logger) *consoleHandler {
	return &consoleHandler{
		logger:       logger,
		connected:    make(chan rfb.ServerInfo, 1),
		disconnected: make(chan rfb.DisconnectReason, 1),
	}
}

func (h *consoleHandler) Connected(info rfb.ServerInfo) {
	h.connected <- info
}

func (h *consoleHandler) Disconnected(reason rfb.DisconnectReason) {
	h.disconnected <- reason
}

func (h *consoleHandler) ProtocolError(err *rfb.Error) {
	h.logger.Debug("Session error", h.logger.Args("error", err.Error()))
}

func (h *consoleHandler) FramebufferUpdate(update rfb.FramebufferUpdate) {
	h.mu.Lock()
	h.updates++
	h.rects += len(update.Rectangles)
	h.mu.Unlock()

	h.logger.Trace("Framebuffer update", h.logger.Args("rectangles", len(update.Rectangles)))
}

func (h *consoleHandler) Bell() {
	pterm.Info.Println("🔔 Bell")
}

func (h *consoleHandler) CutText(text string) {
	pterm.Info.Printf("📋 Server clipboard: %q\n", text)
}

func (h *consoleHandler) counts() (updates, rects int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.updates, h.rects
}

func runConnect(ctx context.Context, global *globalFlags, f *connectFlags) error {
	logger, err := global.logger(f.conn.packetDebug)
	if err != nil {
		return err
	}

	encodings, err := parseEncodings(f.encodings)
	if err != nil {
		return err
	}

	password := f.password
	if password == "" {
		password = os.Getenv(passwordEnv)
	}

	proxies, err := f.conn.proxyPool()
	if err != nil {
		return err
	}
	opts, err := f.conn.options(proxies)
	if err != nil {
		return err
	}

	cfg := rfb.Config{
		Password:        []byte(password),
		RefreshInterval: f.refresh,
		Exclusive:       f.exclusive,
		Encodings:       encodings,
		Logger:          logger,
		PacketDebug:     f.conn.packetDebug,
	}

	if f.metricsListen != "" {
		reg := prometheus.NewRegistry()
		cfg.Observer = metrics.New(metrics.Config{Registerer: reg})

		stopMetrics := serveMetrics(f.metricsListen, reg, logger)
		defer stopMetrics()
	}

	handler := newConsoleHandler(logger)
	return connect(ctx, opts, cfg, handler, f.timeout, f.duration)
}

func connect(ctx context.Context, opts transport.Options, cfg rfb.Config, handler *consoleHandler, timeout, duration time.Duration) error {
	dialCtx, cancelDial := context.WithTimeout(ctx, timeout)
	conn, err := transport.Dial(dialCtx, opts)
	cancelDial()
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}

	session, err := rfb.NewSession(conn, handler, cfg)
	if err != nil {
		_ = conn.Close()
		return err
	}

	pumpDone := make(chan error, 1)
	go func() { pumpDone <- transport.Pump(ctx, conn, session) }()

	finish := func(err error) error {
		_ = session.Disconnect()
		<-pumpDone

		updates, rects := handler.counts()
		if updates > 0 {
			pterm.Info.Printf("Received %d framebuffer updates (%d rectangles)\n", updates, rects)
		}
		return err
	}

	select {
	case info := <-handler.connected:
		pterm.Success.Printf("Connected to %q (%dx%d, %s, protocol %s)\n", info.Name, info.Width, info.Height, info.SecurityType, info.ProtoVer)
	case reason := <-handler.disconnected:
		if ctx.Err() != nil {
			return finish(nil)
		}
		return finish(disconnectError(reason, false))
	case <-time.After(timeout):
		return finish(errTimeout)
	case <-ctx.Done():
		return finish(nil)
	}

	var deadline <-chan time.Time
	if duration > 0 {
		deadline = time.After(duration)
	}

	select {
	case reason := <-handler.disconnected:
		return finish(disconnectError(reason, true))
	case <-deadline:
		return finish(nil)
	case <-ctx.Done():
		return finish(nil)
	}
}

// A clean close after connecting is the server ending the session normally. Before that it
// means the handshake never finished.
func disconnectError(reason rfb.DisconnectReason, wasConnected bool) error {
	if reason.Err != nil {
		return describe(reason.Err)
	} else if !wasConnected {
		return describe(&rfb.Error{Kind: rfb.KindTransportClosed, Op: "connect", Message: "server closed the connection during the handshake"})
	}

	pterm.Info.Println("Server closed the session")
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *pterm.Logger) (stop func()) {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", logger.Args("listen", addr, "error", err.Error()))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
