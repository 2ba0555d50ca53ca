package client

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
)

var ErrForbiddenAddress = errors.New("destination address not allowed")

// checkURL rejects fetch and delivery targets before any connection is made.
// Federation traffic must use HTTPS; plain http is only allowed when the
// private-network guard is off (local development).
func checkURL(u *url.URL, allowPrivate bool) error {
	if u == nil || u.Host == "" {
		return fmt.Errorf("%w: empty host", ErrForbiddenAddress)
	}
	if u.Scheme != "https" && !(allowPrivate && u.Scheme == "http") {
		return fmt.Errorf("%w: scheme %q", ErrForbiddenAddress, u.Scheme)
	}
	if allowPrivate {
		return nil
	}
	// Literal IPs can be rejected before dialing; hostnames are checked
	// again at dial time, after resolution, which also covers DNS rebinding.
	if ip := net.ParseIP(u.Hostname()); ip != nil && isForbiddenIP(ip) {
		return fmt.Errorf("%w: %s", ErrForbiddenAddress, ip)
	}
	return nil
}

func isForbiddenIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// dialControl runs after DNS resolution and before the socket connects, so a
// hostname that resolves to a private or loopback address is refused no
// matter what its public DNS said a moment earlier.
func dialControl(allowPrivate bool) func(network, address string, _ syscall.RawConn) error {
	return func(network, address string, _ syscall.RawConn) error {
		if allowPrivate {
			return nil
		}
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return err
		}
		ip := net.ParseIP(host)
		if ip == nil || isForbiddenIP(ip) {
			return fmt.Errorf("%w: %s", ErrForbiddenAddress, address)
		}
		return nil
	}
}
