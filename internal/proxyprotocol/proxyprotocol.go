// Package proxyprotocol wraps a net.Listener so that PROXY protocol v1/v2
// headers (as sent by relays and load balancers sitting in front of the
// receiver) are parsed before the SMTP banner is written, with the
// connection's reported RemoteAddr replaced by the original client address.
package proxyprotocol

import (
	"net"
	"strings"

	proxyproto "github.com/c0va23/go-proxyprotocol"
	"github.com/vmta/coremta/framework/log"
)

// Config gates and scopes PROXY protocol acceptance for one listener.
type Config struct {
	Enable bool
	// Trust lists IPs/CIDRs allowed to send a PROXY header; a connection
	// from any other source is rejected outright, not merely un-proxied.
	// An empty list trusts every upstream.
	Trust []net.IPNet
}

// ParseTrust turns the dotted-or-CIDR strings from the config file into
// net.IPNet values, defaulting a bare IP to a /32 (or /128) host route.
func ParseTrust(entries []string) ([]net.IPNet, error) {
	var out []net.IPNet
	for _, e := range entries {
		if !strings.Contains(e, "/") {
			if strings.Contains(e, ":") {
				e += "/128"
			} else {
				e += "/32"
			}
		}
		_, ipNet, err := net.ParseCIDR(e)
		if err != nil {
			return nil, err
		}
		out = append(out, *ipNet)
	}
	return out, nil
}

// Wrap returns inner wrapped in a PROXY-protocol-aware listener when cfg
// enables it, or inner unchanged otherwise. Wrapping must happen before any
// TLS listener wrap: the PROXY header precedes the TLS handshake on the
// wire.
func Wrap(inner net.Listener, cfg Config, logger log.Logger) net.Listener {
	if !cfg.Enable {
		return inner
	}

	sourceChecker := func(upstream net.Addr) (bool, error) {
		tcpAddr, ok := upstream.(*net.TCPAddr)
		if !ok {
			return true, nil
		}
		if len(cfg.Trust) == 0 {
			return true, nil
		}
		for _, trusted := range cfg.Trust {
			if trusted.Contains(tcpAddr.IP) {
				return true, nil
			}
		}
		logger.Msg("proxy_protocol: connection from untrusted source", "addr", upstream.String())
		return false, nil
	}

	return proxyproto.NewDefaultListener(inner).
		WithLogger(proxyproto.LoggerFunc(func(format string, v ...interface{}) {
			logger.Debugf("proxy_protocol: "+format, v...)
		})).
		WithSourceChecker(sourceChecker)
}
