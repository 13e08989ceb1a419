package main

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/regginator/vconsole/pool"
	"github.com/regginator/vconsole/transport"
	"github.com/regginator/vconsole/util"
)

// Flags shared by every command that dials a VNC server
type connFlags struct {
	addr        string
	connType    string
	proxyAddr   string
	proxyFile   string
	packetDebug bool

	noVnc          bool
	noVncWss       bool
	noVncPath      string
	noVncUserAgent string
	insecure       bool
}

func (f *connFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.addr, "addr", "a", "", "Target VNC server [address:port], port defaults to 5900 unless specified")
	fs.StringVar(&f.connType, "conn", "tcp", "Use connection type [tcp, udp]")
	fs.StringVar(&f.proxyAddr, "proxy", "", "SOCKS(4/5) proxy to connect through, in the format \"scheme://[username:pass@]host[:port]\"")
	fs.StringVar(&f.proxyFile, "proxies", "", "Path to a txt list of SOCKS(4/5) proxies, one is picked round robin per connection")
	fs.BoolVar(&f.packetDebug, "packet-debug", false, "Enables packet dump logging for debug")

	fs.BoolVar(&f.noVnc, "novnc", false, "Connect to a noVNC/websockify endpoint over WebSocket instead of raw TCP")
	fs.BoolVar(&f.noVncWss, "wss", false, "Use wss:// for the noVNC endpoint")
	fs.StringVar(&f.noVncPath, "path", "/websockify", "Websockify path on the noVNC endpoint")
	fs.StringVar(&f.noVncUserAgent, "user-agent", "", "User-Agent header for the noVNC WebSocket handshake")
	fs.BoolVar(&f.insecure, "insecure", false, "Skip TLS certificate verification for wss://")
}

// Resolve the flags into dial options. A proxy is taken from proxies if the list was given.
func (f *connFlags) options(proxies *pool.Pool) (transport.Options, error) {
	if f.addr == "" {
		return transport.Options{}, fmt.Errorf("provide the VNC server address with --addr (e.g. \"192.168.0.134\", \"10.13.33.37:5901\")")
	}

	opts := transport.Options{
		ConnType:            f.connType,
		ProxyAddr:           f.proxyAddr,
		IsNoVnc:             f.noVnc,
		NoVncIsWss:          f.noVncWss,
		NoVncWebsockifyPath: f.noVncPath,
		NoVncUserAgent:      f.noVncUserAgent,
		InsecureSkipVerify:  f.insecure,
	}

	if f.noVnc {
		// The host goes into the URL as given, resolving it would break virtual hosts and TLS
		opts.Addr = f.addr
	} else {
		resolved, err := util.LookupAddr(f.addr)
		if err != nil {
			return transport.Options{}, fmt.Errorf("failed to parse server address (--addr): %w", err)
		}
		opts.Addr = util.AddrWithDefaultPort(resolved, util.DefaultVNCPort)
	}

	if proxies != nil {
		proxyAddr, err := proxies.Get()
		if err != nil {
			return transport.Options{}, fmt.Errorf("failed to get proxy from pool: %w", err)
		}
		opts.ProxyAddr = proxyAddr
	}

	return opts, nil
}

func (f *connFlags) proxyPool() (*pool.Pool, error) {
	if f.proxyFile == "" {
		return nil, nil
	}

	proxies, err := pool.Load(f.proxyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read proxies file: %w", err)
	} else if proxies.Len() == 0 {
		return nil, fmt.Errorf("proxies file %q has no usable proxies", f.proxyFile)
	}
	return proxies, nil
}
