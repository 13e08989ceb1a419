package rfb

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var errSendAfterClose = errors.New("send on closed transport")

type fakeTransport struct {
	mu         sync.Mutex
	sent       [][]byte
	closed     bool
	closeCalls int
	sendErr    error
	lateSends  int
}

func (f *fakeTransport) Send(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		f.lateSends++
		return errSendAfterClose
	} else if f.sendErr != nil {
		return f.sendErr
	}

	f.sent = append(f.sent, append([]byte(nil), b...))
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	f.closeCalls++
	return nil
}

func (f *fakeTransport) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

func (f *fakeTransport) SentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

type recorder struct {
	mu           sync.Mutex
	connected    []ServerInfo
	disconnected []DisconnectReason
	errs         []*Error
	updates      []FramebufferUpdate
	bells        int
	cutTexts     []string
}

func (r *recorder) Connected(info ServerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, info)
}

func (r *recorder) Disconnected(reason DisconnectReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, reason)
}

func (r *recorder) ProtocolError(err *Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) FramebufferUpdate(update FramebufferUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, update)
}

func (r *recorder) Bell() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bells++
}

func (r *recorder) CutText(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cutTexts = append(r.cutTexts, text)
}

func (r *recorder) Disconnects() []DisconnectReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DisconnectReason(nil), r.disconnected...)
}

func newTestSession(t *testing.T, cfg Config) (*Session, *fakeTransport, *recorder) {
	t.Helper()

	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = -1
	}

	transport := &fakeTransport{}
	rec := &recorder{}
	session, err := NewSession(transport, rec, cfg)
	require.NoError(t, err)

	t.Cleanup(func() { _ = session.Disconnect() })
	return session, transport, rec
}

func feed(t *testing.T, s *Session, b []byte) {
	t.Helper()
	require.NoError(t, s.Receive(b))
}

func feedBytewise(t *testing.T, s *Session, b []byte) {
	t.Helper()
	for i := range b {
		require.NoError(t, s.Receive(b[i:i+1]))
	}
}

func serverInit(width, height uint16, bitsPerPixel uint8, name string) []byte {
	msg := make([]byte, serverInitLen, serverInitLen+len(name))
	binary.BigEndian.PutUint16(msg[0:2], width)
	binary.BigEndian.PutUint16(msg[2:4], height)
	msg[4] = bitsPerPixel
	msg[5] = 24
	msg[7] = 1
	binary.BigEndian.PutUint16(msg[8:10], 255)
	binary.BigEndian.PutUint16(msg[10:12], 255)
	binary.BigEndian.PutUint16(msg[12:14], 255)
	msg[14], msg[15], msg[16] = 16, 8, 0
	binary.BigEndian.PutUint32(msg[20:24], uint32(len(name)))
	return append(msg, name...)
}

func rectHeader(x, y, w, h uint16, enc Encoding) []byte {
	b := make([]byte, rectHeaderLen)
	binary.BigEndian.PutUint16(b[0:2], x)
	binary.BigEndian.PutUint16(b[2:4], y)
	binary.BigEndian.PutUint16(b[4:6], w)
	binary.BigEndian.PutUint16(b[6:8], h)
	binary.BigEndian.PutUint32(b[8:12], uint32(enc))
	return b
}

func updateHeader(numRects uint16) []byte {
	b := []byte{msgFramebufferUpdate, 0, 0, 0}
	binary.BigEndian.PutUint16(b[2:4], numRects)
	return b
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Everything a None-auth server sends up to and including ServerInit
func noneHandshake(width, height uint16, name string) []byte {
	return concat(
		[]byte("RFB 003.008\n"),
		[]byte{1, byte(SecurityTypeNone)},
		[]byte{0, 0, 0, 0},
		serverInit(width, height, 32, name),
	)
}

// Session in the Normal stage with a 32bpp 64x64 framebuffer and an emptied send log
func connectedSession(t *testing.T, cfg Config) (*Session, *fakeTransport, *recorder) {
	t.Helper()

	s, transport, rec := newTestSession(t, cfg)
	feed(t, s, noneHandshake(64, 64, "test"))
	require.Equal(t, StageNormal, s.Stage())
	transport.Reset()
	return s, transport, rec
}

func hexString(b []byte) string {
	return hex.EncodeToString(b)
}
