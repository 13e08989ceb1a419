package main

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/pterm/pterm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regginator/vconsole/internal/vnctest"
	"github.com/regginator/vconsole/pool"
	"github.com/regginator/vconsole/rfb"
	"github.com/regginator/vconsole/transport"
)

func TestMain(m *testing.M) {
	pterm.DisableOutput()
	os.Exit(m.Run())
}

func TestDescribe(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&rfb.Error{Kind: rfb.KindSecurityNegotiationFailed, Reason: "Too many security failures"}, `connection rejected by server (server said "Too many security failures")`},
		{&rfb.Error{Kind: rfb.KindUnsupportedSecurityType}, "server only offers unsupported authentication types"},
		{&rfb.Error{Kind: rfb.KindAuthenticationFailed}, "wrong password"},
		{&rfb.Error{Kind: rfb.KindTransportClosed}, "connection lost"},
		{&rfb.Error{Kind: rfb.KindProtocol}, "server sent something unexpected"},
	}

	for _, c := range cases {
		err := describe(c.err)
		assert.EqualError(t, err, c.want)
		assert.ErrorIs(t, err, c.err)
	}

	plain := errors.New("plain")
	assert.Same(t, plain, describe(plain))
	assert.NoError(t, describe(nil))
}

func TestParseEncodings(t *testing.T) {
	encs, err := parseEncodings([]string{"hextile", " RRE", "copyrect", "raw"})
	require.NoError(t, err)
	assert.Equal(t, []rfb.Encoding{rfb.EncodingHextile, rfb.EncodingRRE, rfb.EncodingCopyRect, rfb.EncodingRaw}, encs)

	_, err = parseEncodings([]string{"tight"})
	assert.ErrorContains(t, err, "unsupported encoding")
}

func TestParseLogLevel(t *testing.T) {
	level, err := parseLogLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, pterm.LogLevelDebug, level)

	_, err = parseLogLevel("loud")
	assert.Error(t, err)
}

func TestLoggerPacketDebugLowersLevel(t *testing.T) {
	g := globalFlags{logLevel: "error"}

	logger, err := g.logger(true)
	require.NoError(t, err)
	assert.Equal(t, pterm.LogLevelDebug, logger.Level)

	logger, err = g.logger(false)
	require.NoError(t, err)
	assert.Equal(t, pterm.LogLevelError, logger.Level)
}

func TestConnFlagsOptions(t *testing.T) {
	f := connFlags{addr: "127.0.0.1", connType: "tcp"}
	opts, err := f.options(nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:5900", opts.Addr)

	f = connFlags{addr: "vnc.example.com:443", noVnc: true, noVncWss: true, noVncPath: "/websockify"}
	opts, err = f.options(nil)
	require.NoError(t, err)
	assert.Equal(t, "vnc.example.com:443", opts.Addr)
	assert.True(t, opts.IsNoVnc)
	assert.True(t, opts.NoVncIsWss)

	proxies, err := pool.New(strings.NewReader("socks5://10.0.0.1:1080\n"))
	require.NoError(t, err)
	f = connFlags{addr: "127.0.0.1:5901", proxyAddr: "socks5://ignored:1"}
	opts, err = f.options(proxies)
	require.NoError(t, err)
	assert.Equal(t, "socks5://10.0.0.1:1080", opts.ProxyAddr)

	_, err = (&connFlags{}).options(nil)
	assert.ErrorContains(t, err, "--addr")
}

func TestProbe(t *testing.T) {
	srv := vnctest.NewServer(t, vnctest.Config{Password: "hunter2", Width: 8, Height: 8})

	result, err := probe(context.Background(), transport.Options{Addr: srv.Addr()}, rfb.Config{}, 5*time.Second)
	require.NoError(t, err)

	assert.Equal(t, rfb.RfbProtoVer_3_8, result.serverVersion)
	assert.Equal(t, []rfb.SecurityType{rfb.SecurityTypeTight, rfb.SecurityTypeVNCAuth}, result.offered)
	assert.NoError(t, result.rejection)
	assert.NotEmpty(t, result.items())
}

func TestProbeUnreachable(t *testing.T) {
	srv := vnctest.NewServer(t, vnctest.Config{})
	addr := srv.Addr()
	srv.Close()

	_, err := probe(context.Background(), transport.Options{Addr: addr}, rfb.Config{}, time.Second)
	assert.ErrorContains(t, err, "failed to connect to server")
}

func TestConnect(t *testing.T) {
	srv := vnctest.NewServer(t, vnctest.Config{Password: "hunter2", Width: 320, Height: 200, Name: "console"})

	handler := newConsoleHandler(pterm.DefaultLogger.WithLevel(pterm.LogLevelDisabled))
	cfg := rfb.Config{Password: []byte("hunter2"), RefreshInterval: 20 * time.Millisecond}

	err := connect(context.Background(), transport.Options{Addr: srv.Addr()}, cfg, handler, 5*time.Second, 200*time.Millisecond)
	require.NoError(t, err)

	updates, rects := handler.counts()
	assert.GreaterOrEqual(t, updates, 1)
	assert.Equal(t, updates, rects)
}

func TestConnectWrongPassword(t *testing.T) {
	srv := vnctest.NewServer(t, vnctest.Config{Password: "hunter2", Width: 8, Height: 8})

	handler := newConsoleHandler(pterm.DefaultLogger.WithLevel(pterm.LogLevelDisabled))
	err := connect(context.Background(), transport.Options{Addr: srv.Addr()}, rfb.Config{Password: []byte("letmein")}, handler, 5*time.Second, 0)

	assert.ErrorIs(t, err, rfb.ErrAuthenticationFailed)
	assert.True(t, strings.HasPrefix(err.Error(), "wrong password"), err.Error())
}

func TestConnectCanceled(t *testing.T) {
	srv := vnctest.NewServer(t, vnctest.Config{Width: 8, Height: 8})

	ctx, cancel := context.WithCancel(context.Background())
	handler := newConsoleHandler(pterm.DefaultLogger.WithLevel(pterm.LogLevelDisabled))
	go func() {
		<-time.After(100 * time.Millisecond)
		cancel()
	}()

	err := connect(ctx, transport.Options{Addr: srv.Addr()}, rfb.Config{RefreshInterval: -1}, handler, 5*time.Second, 0)
	assert.NoError(t, err)
}

func TestDisconnectError(t *testing.T) {
	assert.NoError(t, disconnectError(rfb.DisconnectReason{Clean: true}, true))
	assert.ErrorIs(t, disconnectError(rfb.DisconnectReason{Clean: true}, false), rfb.ErrTransportClosed)
	assert.ErrorIs(t, disconnectError(rfb.DisconnectReason{Err: &rfb.Error{Kind: rfb.KindProtocol}}, true), rfb.ErrProtocol)
}
