package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regginator/vconsole/internal/vnctest"
	"github.com/regginator/vconsole/rfb"
)

type chunkRecorder struct {
	mu         sync.Mutex
	chunks     [][]byte
	closedWith []error
	failOn     int
}

var errStop = errors.New("stop")

func (r *chunkRecorder) Receive(chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.chunks = append(r.chunks, chunk)
	if r.failOn > 0 && len(r.chunks) == r.failOn {
		return errStop
	}
	return nil
}

func (r *chunkRecorder) TransportClosed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closedWith = append(r.closedWith, err)
}

func TestPumpDeliversUntilEOF(t *testing.T) {
	client, server := net.Pipe()
	rec := &chunkRecorder{}

	go func() {
		_, _ = server.Write([]byte("one"))
		_, _ = server.Write([]byte("two"))
		_ = server.Close()
	}()

	err := Pump(context.Background(), newStreamConn(client), rec)
	require.NoError(t, err)

	assert.Equal(t, [][]byte{[]byte("one"), []byte("two")}, rec.chunks)
	assert.Equal(t, []error{nil}, rec.closedWith)
}

func TestPumpStopsOnCancel(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	rec := &chunkRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Pump(ctx, newStreamConn(client), rec) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Pump did not return after cancel")
	}
	assert.Equal(t, []error{nil}, rec.closedWith)
}

func TestPumpReceiveError(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	rec := &chunkRecorder{failOn: 1}

	go func() { _, _ = server.Write([]byte("bad")) }()

	err := Pump(context.Background(), newStreamConn(client), rec)
	assert.ErrorIs(t, err, errStop)

	// The connection is closed on the way out
	_, err = client.Write([]byte("x"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.Equal(t, []error{nil}, rec.closedWith)
}

func TestPumpReportsBrokenConnection(t *testing.T) {
	rec := &chunkRecorder{}
	broken := errors.New("connection reset by peer")

	err := Pump(context.Background(), failingConn{broken}, rec)
	assert.ErrorIs(t, err, broken)
	assert.Equal(t, []error{broken}, rec.closedWith)
}

type failingConn struct{ err error }

func (c failingConn) Send([]byte) error { return c.err }
func (c failingConn) Close() error { return nil }
func (c failingConn) ReadChunk() ([]byte, error) { return nil, c.err }
func (c failingConn) RemoteAddr() net.Addr { return nil }

type connectWaiter struct {
	rfb.NopHandler
	connected    chan rfb.ServerInfo
	disconnected chan rfb.DisconnectReason
}

func newConnectWaiter() *connectWaiter {
	return &connectWaiter{
		connected:    make(chan rfb.ServerInfo, 1),
		disconnected: make(chan rfb.DisconnectReason, 1),
	}
}

func (w *connectWaiter) Connected(info rfb.ServerInfo) { w.connected <- info }
func (w *connectWaiter) Disconnected(reason rfb.DisconnectReason) { w.disconnected <- reason }

func TestSessionOverTCP(t *testing.T) {
	for _, chunk := range []int{0, 1, 7} {
		srv := vnctest.NewServer(t, vnctest.Config{Password: "hunter2", Width: 800, Height: 600, Name: "desk", WriteChunk: chunk})

		conn, err := Dial(context.Background(), Options{Addr: srv.Addr()})
		require.NoError(t, err)

		h := newConnectWaiter()
		session, err := rfb.NewSession(conn, h, rfb.Config{Password: []byte("hunter2"), RefreshInterval: 10 * time.Millisecond})
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() { done <- Pump(context.Background(), conn, session) }()

		select {
		case info := <-h.connected:
			assert.Equal(t, uint16(800), info.Width)
			assert.Equal(t, uint16(600), info.Height)
			assert.Equal(t, "desk", info.Name)
			assert.Equal(t, rfb.SecurityTypeVNCAuth, info.SecurityType)
		case <-time.After(5 * time.Second):
			t.Fatal("never connected")
		}

		// Initial request plus at least one refresh
		for i := 0; i < 2; i++ {
			select {
			case <-srv.Requests:
			case <-time.After(5 * time.Second):
				t.Fatal("server never saw a framebuffer update request")
			}
		}

		require.NoError(t, session.Disconnect())
		assert.NoError(t, <-done)

		reason := <-h.disconnected
		assert.True(t, reason.Clean)
	}
}

func TestSessionWrongPasswordOverTCP(t *testing.T) {
	srv := vnctest.NewServer(t, vnctest.Config{Password: "hunter2", Width: 8, Height: 8})

	conn, err := Dial(context.Background(), Options{Addr: srv.Addr()})
	require.NoError(t, err)

	h := newConnectWaiter()
	session, err := rfb.NewSession(conn, h, rfb.Config{Password: []byte("hunter3")})
	require.NoError(t, err)

	err = Pump(context.Background(), conn, session)
	assert.ErrorIs(t, err, rfb.ErrAuthenticationFailed)
	assert.False(t, session.Authenticated())

	reason := <-h.disconnected
	assert.False(t, reason.Clean)
	assert.Empty(t, h.connected)
}
