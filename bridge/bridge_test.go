package bridge

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regginator/vconsole/internal/vnctest"
	"github.com/regginator/vconsole/rfb"
	"github.com/regginator/vconsole/transport"
)

type connectWaiter struct {
	rfb.NopHandler
	connected chan rfb.ServerInfo
	updates   chan rfb.FramebufferUpdate
}

func (w *connectWaiter) Connected(info rfb.ServerInfo) { w.connected <- info }

func (w *connectWaiter) FramebufferUpdate(u rfb.FramebufferUpdate) {
	select {
	case w.updates <- u:
	default:
	}
}

func newBridge(t *testing.T, target string) (*Bridge, *httptest.Server) {
	t.Helper()

	b, err := New(Config{Target: target, Registry: prometheus.NewRegistry(), DialTimeout: 2 * time.Second})
	require.NoError(t, err)

	srv := httptest.NewServer(b.Handler())
	t.Cleanup(func() {
		b.Close()
		srv.Close()
	})
	return b, srv
}

func scrape(t *testing.T, srv *httptest.Server) string {
	t.Helper()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func dialBridge(t *testing.T, srv *httptest.Server) (transport.Conn, error) {
	t.Helper()
	return transport.Dial(context.Background(), transport.Options{
		Addr:                strings.TrimPrefix(srv.URL, "http://"),
		IsNoVnc:             true,
		NoVncWebsockifyPath: DefaultPath,
		HandshakeTimeout:    5 * time.Second,
	})
}

func TestNewValidatesTarget(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorContains(t, err, "Target not specified")

	_, err = New(Config{Target: "no-port"})
	assert.ErrorContains(t, err, "invalid target")

	_, err = New(Config{Target: "127.0.0.1:5900", ProxyAddr: "ftp://127.0.0.1"})
	assert.Error(t, err)
}

func TestHealthz(t *testing.T) {
	_, srv := newBridge(t, "127.0.0.1:5900")

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRelaySession(t *testing.T) {
	vnc := vnctest.NewServer(t, vnctest.Config{Password: "s3cret", Width: 1024, Height: 768, Name: "bridged", WriteChunk: 5})
	_, srv := newBridge(t, vnc.Addr())

	conn, err := dialBridge(t, srv)
	require.NoError(t, err)

	h := &connectWaiter{connected: make(chan rfb.ServerInfo, 1), updates: make(chan rfb.FramebufferUpdate, 1)}
	session, err := rfb.NewSession(conn, h, rfb.Config{Password: []byte("s3cret"), RefreshInterval: -1})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- transport.Pump(context.Background(), conn, session) }()

	select {
	case info := <-h.connected:
		assert.Equal(t, uint16(1024), info.Width)
		assert.Equal(t, "bridged", info.Name)
	case <-time.After(5 * time.Second):
		t.Fatal("never connected through the bridge")
	}

	select {
	case u := <-h.updates:
		assert.Len(t, u.Rectangles, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("no framebuffer update through the bridge")
	}

	require.NoError(t, session.Disconnect())
	assert.NoError(t, <-done)

	assert.Eventually(t, func() bool {
		return strings.Contains(scrape(t, srv), `vconsole_bridge_relays_total{result="clean"} 1`)
	}, 5*time.Second, 20*time.Millisecond)

	body := scrape(t, srv)
	assert.Contains(t, body, "vconsole_bridge_active_relays 0")
	assert.Contains(t, body, `vconsole_bridge_relayed_bytes_total{direction="to_vnc"}`)
}

func TestRelayTargetUnreachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	target := listener.Addr().String()
	require.NoError(t, listener.Close())

	_, srv := newBridge(t, target)

	_, err = dialBridge(t, srv)
	assert.ErrorContains(t, err, "502")

	assert.Contains(t, scrape(t, srv), `vconsole_bridge_relays_total{result="dial_failed"} 1`)
}

func TestCloseEndsRelays(t *testing.T) {
	vnc := vnctest.NewServer(t, vnctest.Config{Width: 8, Height: 8})
	b, srv := newBridge(t, vnc.Addr())

	conn, err := dialBridge(t, srv)
	require.NoError(t, err)
	defer conn.Close()

	// Server banner arrives through the relay
	chunk, err := conn.ReadChunk()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix("RFB 003.008\n", string(chunk)))

	closed := make(chan struct{})
	go func() {
		b.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not end the relay")
	}

	for {
		if _, err := conn.ReadChunk(); err != nil {
			break
		}
	}

	resp, err := http.Get(srv.URL + DefaultPath)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRelayRejectsPlainHTTP(t *testing.T) {
	vnc := vnctest.NewServer(t, vnctest.Config{Width: 8, Height: 8})
	_, srv := newBridge(t, vnc.Addr())

	resp, err := http.Get(srv.URL + DefaultPath)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
	assert.Eventually(t, func() bool {
		return strings.Contains(scrape(t, srv), `vconsole_bridge_relays_total{result="error"} 1`)
	}, 5*time.Second, 20*time.Millisecond)
}
