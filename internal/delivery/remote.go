package delivery

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/vmta/coremta/framework/dns"
	"github.com/vmta/coremta/internal/config"
	"github.com/vmta/coremta/internal/mailctx"
	"github.com/vmta/coremta/internal/smtpconn"
)

// errSizeTooSmall marks a host skipped because its advertised SIZE
// extension limit is smaller than the message being sent; deliverToHosts
// treats it the same as a connect failure and tries the next host.
var errSizeTooSmall = errors.New("remote SIZE limit smaller than message")

// attemptSMTPGroup drives the Remote and Forward transports: recipients
// sharing a group are further bucketed by destination host (the group's own
// domain split, for Remote; a single fixed host, for Forward) since each
// bucket is its own SMTP transaction against its own MX.
func (e *Engine) attemptSMTPGroup(ctx context.Context, c *mailctx.Ctx, group *mailctx.RcptGroup, fixedHost string, hdr textproto.Header, body []byte) {
	buckets := make(map[string][]int)
	for ri, r := range group.Rcpts {
		if r.State != mailctx.RcptWaiting && r.State != mailctx.RcptHeldBack {
			continue
		}
		key := fixedHost
		if key == "" {
			key = r.Forward.Domain
		}
		buckets[key] = append(buckets[key], ri)
	}

	for key, idxs := range buckets {
		var hosts []string
		if fixedHost != "" {
			hosts = []string{fixedHost}
		} else {
			var err error
			hosts, err = e.lookupMX(ctx, key)
			if err != nil {
				markGroupErr(group, idxs, err)
				continue
			}
		}
		e.deliverToHosts(ctx, c, group, idxs, hosts, hdr, body)
	}
}

// lookupMX resolves domain's MX set in preference order, falling back to
// the bare domain (implicit MX, RFC 5321 §5.1) when no MX records exist.
func (e *Engine) lookupMX(ctx context.Context, domain string) ([]string, error) {
	mxs, err := e.resolver.LookupMX(ctx, domain)
	if err != nil {
		if dns.IsNotFound(err) {
			return nil, &PermDnsError{Domain: domain, Err: err}
		}
		return nil, &TempDnsError{Domain: domain, Err: err}
	}
	if len(mxs) == 0 {
		return []string{domain}, nil
	}

	sort.SliceStable(mxs, func(i, j int) bool { return mxs[i].Pref < mxs[j].Pref })
	hosts := make([]string, 0, len(mxs))
	for _, mx := range mxs {
		hosts = append(hosts, strings.TrimSuffix(mx.Host, "."))
	}
	return hosts, nil
}

// deliverToHosts tries each host in preference order until one accepts the
// TCP connection, then runs MAIL/RCPT/DATA against it for the recipients in
// idxs. A connection failure against every host is a per-transport failure:
// the affected recipients stay Waiting, per §4.7.
func (e *Engine) deliverToHosts(ctx context.Context, c *mailctx.Ctx, group *mailctx.RcptGroup, idxs []int, hosts []string, hdr textproto.Header, body []byte) {
	conn := e.newConn()

	var lastErr error
	connected := false
	for _, host := range hosts {
		hostname, port := host, "25"
		if h, p, err := net.SplitHostPort(host); err == nil {
			hostname, port = h, p
		}
		endp := config.Endpoint{Original: host, Scheme: "tcp", Host: hostname, Port: port}
		if _, err := conn.Connect(ctx, endp, e.cfg.AttemptSTARTTLS, e.cfg.TLSConfig); err != nil {
			lastErr = err
			continue
		}
		if !sizeFits(conn, len(body)) {
			conn.DirectClose()
			lastErr = &PermDnsError{Domain: host, Err: errSizeTooSmall}
			continue
		}
		connected = true
		break
	}
	if !connected {
		markGroupErr(group, idxs, lastErr)
		return
	}
	defer conn.Close()

	if err := conn.Mail(ctx, c.From.String(), smtp.MailOptions{}); err != nil {
		markGroupErr(group, idxs, err)
		return
	}

	transport := string(group.Transport)
	var accepted []int
	for _, ri := range idxs {
		to := group.Rcpts[ri].Forward.String()
		if err := conn.Rcpt(ctx, to); err != nil {
			terminal, reason := classifyErr(err)
			if terminal {
				markFailed(transport, &group.Rcpts[ri], reason)
			} else {
				markWaiting(transport, &group.Rcpts[ri], reason)
			}
			continue
		}
		accepted = append(accepted, ri)
	}
	if len(accepted) == 0 {
		return
	}

	if err := conn.Data(ctx, hdr, bytes.NewReader(body)); err != nil {
		terminal, reason := classifyErr(err)
		for _, ri := range accepted {
			if terminal {
				markFailed(transport, &group.Rcpts[ri], reason)
			} else {
				markWaiting(transport, &group.Rcpts[ri], reason)
			}
		}
		return
	}

	for _, ri := range accepted {
		markSent(transport, &group.Rcpts[ri])
	}
}

// sizeFits reports whether the just-EHLO'd remote's advertised SIZE
// extension (RFC 1870) can hold a message of n bytes. A missing extension
// or a malformed/zero limit is treated as "no limit advertised": the host
// is tried anyway and any rejection surfaces as a normal DATA/MAIL error.
func sizeFits(conn *smtpconn.C, n int) bool {
	cl := conn.Client()
	if cl == nil {
		return true
	}
	ok, param := cl.Extension("SIZE")
	if !ok || param == "" {
		return true
	}
	limit, err := strconv.ParseInt(param, 10, 64)
	if err != nil || limit <= 0 {
		return true
	}
	return int64(n) <= limit
}

func (e *Engine) newConn() *smtpconn.C {
	conn := smtpconn.New()
	conn.Hostname = e.cfg.Hostname
	conn.Log = e.log
	if e.cfg.ConnectTimeout != 0 {
		conn.ConnectTimeout = e.cfg.ConnectTimeout
	}
	if e.cfg.CommandTimeout != 0 {
		conn.CommandTimeout = e.cfg.CommandTimeout
	}
	if e.cfg.SubmissionTimeout != 0 {
		conn.SubmissionTimeout = e.cfg.SubmissionTimeout
	}
	if e.cfg.TLSConfig != nil {
		conn.TLSConfig = e.cfg.TLSConfig
	}
	return conn
}
