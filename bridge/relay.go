package bridge

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/regginator/vconsole/metrics"
)

func (b *Bridge) serveRelay(w http.ResponseWriter, r *http.Request) {
	if !b.trackRelay() {
		http.Error(w, "bridge is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer b.relays.Done()

	id := uuid.NewString()
	ctx, span := b.tracer.Start(r.Context(), "bridge.relay", trace.WithAttributes(
		attribute.String("relay.id", id),
		attribute.String("relay.remote", r.RemoteAddr),
		attribute.String("vnc.target", b.cfg.Target),
	))
	defer span.End()

	logArgs := func(kv ...any) []pterm.LoggerArgument {
		return b.logger.Args(append([]any{"id", id, "remote", r.RemoteAddr, "target", b.cfg.Target}, kv...)...)
	}

	started := time.Now()
	b.metrics.RelayStarted()
	result := metrics.RelayError
	defer func() { b.metrics.RelayFinished(result, time.Since(started)) }()

	// Dial before accepting so an unreachable target is a plain HTTP error
	dialCtx, cancelDial := context.WithTimeout(ctx, b.cfg.DialTimeout)
	target, err := b.dialer.DialContext(dialCtx, "tcp", b.cfg.Target)
	cancelDial()
	if err != nil {
		result = metrics.RelayDialFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, "dial failed")
		b.logger.Warn("Relay target unreachable", logArgs("error", err.Error()))
		http.Error(w, "VNC server unreachable", http.StatusBadGateway)
		return
	}
	defer target.Close()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{"binary"},
		OriginPatterns: b.cfg.OriginPatterns,
	})
	if err != nil {
		// Accept has already written the response
		span.RecordError(err)
		span.SetStatus(codes.Error, "websocket accept failed")
		b.logger.Warn("Relay upgrade failed", logArgs("error", err.Error()))
		return
	}
	ws.SetReadLimit(maxMessageSize)

	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(b.ctx, cancel)
	defer stop()

	b.logger.Info("Relay opened", logArgs())
	browser := websocket.NetConn(relayCtx, ws, websocket.MessageBinary)

	toVNC, toBrowser, err := relay(browser, target)
	b.metrics.RelayBytes(metrics.DirectionToVNC, toVNC)
	b.metrics.RelayBytes(metrics.DirectionToBrowser, toBrowser)
	span.SetAttributes(attribute.Int64("relay.bytes_to_vnc", toVNC), attribute.Int64("relay.bytes_to_browser", toBrowser))

	if err != nil && b.ctx.Err() == nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "relay failed")
		b.logger.Warn("Relay failed", logArgs("error", err.Error()))
		return
	}

	result = metrics.RelayClean
	b.logger.Info("Relay closed", logArgs("to_vnc", toVNC, "to_browser", toBrowser))
}

// Copies both ways until either side ends, then closes both. The returned error is from the
// direction that ended first, nil if it reached EOF.
func relay(browser, target net.Conn) (toVNC, toBrowser int64, err error) {
	type copyResult struct {
		toVNC bool
		n     int64
		err   error
	}

	results := make(chan copyResult, 2)
	go func() {
		n, err := io.Copy(target, browser)
		results <- copyResult{toVNC: true, n: n, err: err}
	}()
	go func() {
		n, err := io.Copy(browser, target)
		results <- copyResult{n: n, err: err}
	}()

	for i := 0; i < 2; i++ {
		res := <-results
		if res.toVNC {
			toVNC = res.n
		} else {
			toBrowser = res.n
		}

		if i == 0 {
			err = res.err
			if isClosed(err) {
				err = nil
			}

			_ = browser.Close()
			_ = target.Close()
		}
	}

	return toVNC, toBrowser, err
}

func isClosed(err error) bool {
	if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}

	status := websocket.CloseStatus(err)
	return status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway
}
