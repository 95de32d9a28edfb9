/*
Maddy Mail Server - Composable all-in-one email server.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package dns

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// ExtResolver is a Resolver backed directly by github.com/miekg/dns instead
// of the Go runtime resolver, used when the configuration picks a specific
// upstream (dns.type = google, cloudflare, custom) rather than the system
// resolver. It satisfies Resolver so it is a drop-in replacement for
// net.DefaultResolver anywhere a Resolver is accepted.
type ExtResolver struct {
	cl  *dns.Client
	Cfg *dns.ClientConfig
}

// RCodeError is returned by ExtResolver when the RCODE in the response is
// not NOERROR.
type RCodeError struct {
	Name string
	Code int
}

func (err RCodeError) Temporary() bool {
	return err.Code == dns.RcodeServerFailure
}

func (err RCodeError) Error() string {
	switch err.Code {
	case dns.RcodeFormatError:
		return "dns: rcode FORMERR when looking up " + err.Name
	case dns.RcodeServerFailure:
		return "dns: rcode SERVFAIL when looking up " + err.Name
	case dns.RcodeNameError:
		return "dns: rcode NXDOMAIN when looking up " + err.Name
	case dns.RcodeNotImplemented:
		return "dns: rcode NOTIMP when looking up " + err.Name
	case dns.RcodeRefused:
		return "dns: rcode REFUSED when looking up " + err.Name
	}
	return "dns: non-success rcode: " + strconv.Itoa(err.Code) + " when looking up " + err.Name
}

func IsNotFound(err error) bool {
	if dnsErr, ok := err.(*net.DNSError); ok {
		return dnsErr.IsNotFound
	}
	if rcodeErr, ok := err.(RCodeError); ok {
		return rcodeErr.Code == dns.RcodeNameError
	}
	return false
}

func (e *ExtResolver) exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	var resp *dns.Msg
	var lastErr error
	for _, srv := range e.Cfg.Servers {
		resp, _, lastErr = e.cl.ExchangeContext(ctx, msg, net.JoinHostPort(srv, e.Cfg.Port))
		if lastErr != nil {
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = RCodeError{msg.Question[0].Name, resp.Rcode}
			continue
		}
		break
	}
	return resp, lastErr
}

func (e *ExtResolver) LookupAddr(ctx context.Context, addr string) ([]string, error) {
	revAddr, err := dns.ReverseAddr(addr)
	if err != nil {
		return nil, err
	}

	msg := new(dns.Msg)
	msg.SetQuestion(revAddr, dns.TypePTR)
	msg.SetEdns0(4096, false)

	resp, err := e.exchange(ctx, msg)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		ptrRR, ok := rr.(*dns.PTR)
		if !ok {
			continue
		}
		names = append(names, ptrRR.Ptr)
	}
	return names, nil
}

func (e *ExtResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	addrParsed, err := e.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}

	addrs := make([]string, 0, len(addrParsed))
	for _, addr := range addrParsed {
		addrs = append(addrs, addr.String())
	}
	return addrs, nil
}

func (e *ExtResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeMX)
	msg.SetEdns0(4096, false)

	resp, err := e.exchange(ctx, msg)
	if err != nil {
		return nil, err
	}

	mxs := make([]*net.MX, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		mxRR, ok := rr.(*dns.MX)
		if !ok {
			continue
		}
		mxs = append(mxs, &net.MX{Host: mxRR.Mx, Pref: mxRR.Preference})
	}
	return mxs, nil
}

func (e *ExtResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeTXT)
	msg.SetEdns0(4096, false)

	resp, err := e.exchange(ctx, msg)
	if err != nil {
		return nil, err
	}

	recs := make([]string, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		txtRR, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		recs = append(recs, strings.Join(txtRR.Txt, ""))
	}
	return recs, nil
}

func (e *ExtResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeAAAA)
	msg.SetEdns0(4096, false)

	var v6addrs []net.IPAddr
	resp, err := e.exchange(ctx, msg)
	if err == nil {
		v6addrs = make([]net.IPAddr, 0, len(resp.Answer))
		for _, rr := range resp.Answer {
			aaaaRR, ok := rr.(*dns.AAAA)
			if !ok {
				continue
			}
			v6addrs = append(v6addrs, net.IPAddr{IP: aaaaRR.AAAA})
		}
	}

	msg = new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.SetEdns0(4096, false)

	resp, err = e.exchange(ctx, msg)
	if err != nil {
		if len(v6addrs) == 0 {
			return nil, err
		}
		return v6addrs, nil
	}

	v4addrs := make([]net.IPAddr, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		aRR, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		v4addrs = append(v4addrs, net.IPAddr{IP: aRR.A})
	}

	addrs := make([]net.IPAddr, 0, len(v4addrs)+len(v6addrs))
	addrs = append(addrs, v6addrs...)
	addrs = append(addrs, v4addrs...)
	return addrs, nil
}

// NewExtResolver builds an ExtResolver pointed at the given "host:port"
// upstream servers. An empty servers list falls back to the servers listed
// in /etc/resolv.conf.
func NewExtResolver(servers []string) (*ExtResolver, error) {
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		cfg = &dns.ClientConfig{Port: "53", Timeout: 5}
	}

	if len(servers) > 0 {
		cfg.Servers = nil
		for _, s := range servers {
			host, port, err := net.SplitHostPort(s)
			if err != nil {
				host, port = s, "53"
			}
			cfg.Servers = append(cfg.Servers, host)
			cfg.Port = port
		}
	}

	if len(cfg.Servers) == 0 {
		cfg.Servers = []string{"127.0.0.1"}
	}

	cl := new(dns.Client)
	cl.Dialer = &net.Dialer{
		Timeout: time.Duration(cfg.Timeout) * time.Second,
	}
	return &ExtResolver{cl: cl, Cfg: cfg}, nil
}

// KnownUpstreams maps the dns.type configuration names to their well-known
// resolver addresses.
var KnownUpstreams = map[string][]string{
	"google":     {"8.8.8.8:53", "8.8.4.4:53"},
	"cloudflare": {"1.1.1.1:53", "1.0.0.1:53"},
}
