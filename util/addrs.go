package util

import (
	"fmt"
	"net"
	"strconv"
)

const DefaultVNCPort = "5900"

// Lookup an addr while preserving any specified port and preventing lookups for
// hosts that are already IPs
func LookupAddr(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr // Addr doesn't appear to be specifying port
	}

	if ip := net.ParseIP(host); ip != nil {
		if port == "" {
			return host, nil
		}
		return net.JoinHostPort(host, port), nil
	}

	ips, err := net.LookupHost(host)
	if err != nil {
		return "", err
	} else if len(ips) == 0 {
		return "", fmt.Errorf("host %q didn't return any host addresses", host)
	}

	// Just choose the first addr in the DNS response
	if port == "" {
		return ips[0], nil
	}
	return net.JoinHostPort(ips[0], port), nil
}

func AddrWithDefaultPort(addr string, defaultPort string) string {
	// If this errors a port hasn't been specified, otherwise the addr is just invalid and
	// will be resolved as such during the actual dial
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}

	return addr
}

// Join a host and numeric port into a dialable addr, validating the port range
func HostPort(host string, port int) (string, error) {
	if host == "" {
		return "", fmt.Errorf("host is empty")
	} else if port <= 0 || port > 65535 {
		return "", fmt.Errorf("port out of range: %d", port)
	}

	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}
