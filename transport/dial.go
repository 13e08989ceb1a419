// Package transport carries raw RFB bytes between a session and a VNC server, over plain
// TCP or a noVNC/websockify WebSocket, optionally through a SOCKS proxy.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	_ "github.com/bdandy/go-socks4"
	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"
)

const DefaultHandshakeTimeout = 45 * time.Second

// Options for Dial. Addr is only forwarded to the dialer, never interpreted.
type Options struct {
	Addr      string
	ConnType  string // "tcp" or "udp", defaults to "tcp"
	ProxyAddr string // Passed to url.Parse, e.g. "socks5://127.0.0.1:1080". If empty, proxy is not used

	IsNoVnc             bool
	NoVncIsWss          bool
	NoVncWebsockifyPath string
	NoVncUserAgent      string
	InsecureSkipVerify  bool

	HandshakeTimeout time.Duration
}

// Conn is a duplex RFB byte stream
type Conn interface {
	Send(b []byte) error
	Close() error

	// ReadChunk blocks for the next chunk of inbound bytes. Chunk boundaries mean nothing.
	ReadChunk() ([]byte, error)

	RemoteAddr() net.Addr
}

// Attempts to init a connection based on the addr and conn type, also supports using a proxy
func Dial(ctx context.Context, opts Options) (Conn, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("Dial: Addr not specified")
	}

	connType := opts.ConnType
	if connType == "" {
		connType = "tcp"
	}
	if connType != "tcp" && connType != "udp" {
		return nil, fmt.Errorf("Dial: invalid connection type %q", connType)
	}

	dialer, err := NewDialer(opts.ProxyAddr)
	if err != nil {
		return nil, fmt.Errorf("Dial: %w", err)
	}

	if opts.IsNoVnc {
		return dialWebsocket(ctx, opts, dialer)
	}

	conn, err := dialer.DialContext(ctx, connType, opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("Dial: %w", err)
	}

	return newStreamConn(conn), nil
}

// NewDialer returns a dialer that goes through proxyAddr, or dials directly if it is empty
func NewDialer(proxyAddr string) (proxy.ContextDialer, error) {
	if proxyAddr == "" {
		return proxy.Direct, nil
	}

	proxyUrl, err := url.Parse(proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy %q: %w", proxyAddr, err)
	}

	dialer, err := proxy.FromURL(proxyUrl, proxy.Direct)
	if err != nil {
		return nil, err
	}

	if ctxDialer, ok := dialer.(proxy.ContextDialer); ok {
		return ctxDialer, nil
	}
	return contextlessDialer{dialer}, nil
}

// Some proxy dialers (socks4) can't take a context, only honor it before dialing
type contextlessDialer struct {
	proxy.Dialer
}

func (d contextlessDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.Dial(network, addr)
}

func dialWebsocket(ctx context.Context, opts Options, dialer proxy.ContextDialer) (Conn, error) {
	scheme := "ws"
	if opts.NoVncIsWss {
		scheme = "wss"
	}

	u := url.URL{Scheme: scheme, Host: opts.Addr, Path: opts.NoVncWebsockifyPath}
	h := http.Header{}

	if opts.NoVncUserAgent != "" {
		h.Set("User-Agent", opts.NoVncUserAgent)
	}

	timeout := opts.HandshakeTimeout
	if timeout == 0 {
		timeout = DefaultHandshakeTimeout
	}

	wsDialer := &websocket.Dialer{
		NetDialContext:    dialer.DialContext,
		HandshakeTimeout:  timeout,
		EnableCompression: true,
		Subprotocols:      []string{"binary"},
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.InsecureSkipVerify,
		},
	}

	conn, resp, err := wsDialer.DialContext(ctx, u.String(), h)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("Dial: websocket handshake with %s failed (%s): %w", u.String(), resp.Status, err)
		}
		return nil, fmt.Errorf("Dial: %w", err)
	}

	return newWebsocketConn(conn), nil
}
