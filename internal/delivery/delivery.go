// Package delivery implements the delivery engine (C7): per-recipient
// transport dispatch (remote SMTP, forward, maildir, mbox), MX resolution,
// and partial-failure accounting over a mail context's recipient groups.
package delivery

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/vmta/coremta/framework/dns"
	"github.com/vmta/coremta/framework/exterrors"
	"github.com/vmta/coremta/framework/log"
	"github.com/vmta/coremta/internal/mailctx"
	"github.com/vmta/coremta/internal/metrics"
	"github.com/vmta/coremta/internal/queue"
)

// Config holds the connection parameters and local-delivery roots shared by
// every transport a single Engine drives.
type Config struct {
	Hostname          string
	TLSConfig         *tls.Config
	ConnectTimeout    time.Duration
	CommandTimeout    time.Duration
	SubmissionTimeout time.Duration
	AttemptSTARTTLS   bool

	// MaildirRoot is the base directory recipients without an explicit
	// forward path are delivered under, as MaildirRoot/domain/localpart.
	MaildirRoot string
	// MBoxRoot is the equivalent base for mbox-routed recipients lacking
	// an explicit path.
	MBoxRoot string
}

// Engine is the scheduler.Deliverer the delivery pool invokes for every
// UUID it pulls off deliver/.
type Engine struct {
	cfg      Config
	resolver dns.Resolver
	queue    *queue.Manager
	log      log.Logger
}

func NewEngine(cfg Config, resolver dns.Resolver, qm *queue.Manager) *Engine {
	return &Engine{
		cfg:      cfg,
		resolver: resolver,
		queue:    qm,
		log:      log.Logger{Name: "delivery", Debug: log.DefaultLogger.Debug},
	}
}

// Attempt makes one delivery pass over every non-terminal recipient in c,
// mutating c.Groups[*].Rcpts in place. It never returns an error for
// per-recipient failures — those are recorded on the recipient status —
// only for conditions that prevent the attempt from running at all (e.g.
// the message body is missing from the spool).
func (e *Engine) Attempt(ctx context.Context, c *mailctx.Ctx) error {
	hdr, bodyBytes, err := e.loadMessage(c.UUID)
	if err != nil {
		return err
	}

	for gi := range c.Groups {
		group := &c.Groups[gi]
		if !groupHasWork(group) {
			continue
		}

		metrics.DeliveryAttempts.WithLabelValues(string(group.Transport)).Inc()
		switch group.Transport {
		case mailctx.TransportRemote:
			e.attemptSMTPGroup(ctx, c, group, "", hdr, bodyBytes)
		case mailctx.TransportForward:
			e.attemptSMTPGroup(ctx, c, group, group.Target, hdr, bodyBytes)
		case mailctx.TransportMaildir:
			e.attemptMaildirGroup(c, group, hdr, bodyBytes)
		case mailctx.TransportMBox:
			e.attemptMBoxGroup(c, group, hdr, bodyBytes)
		default:
			e.log.Msg("delivery: unknown transport", "transport", string(group.Transport), "uuid", c.UUID)
		}
	}

	e.maybeEmitBounce(c, hdr)
	return nil
}

func groupHasWork(g *mailctx.RcptGroup) bool {
	for _, r := range g.Rcpts {
		if r.State == mailctx.RcptWaiting || r.State == mailctx.RcptHeldBack {
			return true
		}
	}
	return false
}

// loadMessage loads the spooled body once per Attempt call and splits it
// into the parsed header plus the raw body bytes, so each recipient group
// can open its own independent body reader for its transport's Data step.
func (e *Engine) loadMessage(uuid string) (textproto.Header, []byte, error) {
	f, err := e.queue.GetMsg(uuid)
	if err != nil {
		return textproto.Header{}, nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		return textproto.Header{}, nil, err
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return textproto.Header{}, nil, err
	}
	return hdr, body, nil
}

// classifyErr turns a transport error into a terminal-or-not decision plus
// a short diagnostic string recorded on the recipient status.
func classifyErr(err error) (terminal bool, reason string) {
	return !exterrors.IsTemporaryOrUnspec(err), err.Error()
}

func markWaiting(transport string, r *mailctx.RcptStatus, reason string) {
	r.Errors = append(r.Errors, reason)
	metrics.DeliveryResults.WithLabelValues(transport, "waiting").Inc()
}

func markFailed(transport string, r *mailctx.RcptStatus, reason string) {
	r.State = mailctx.RcptFailed
	r.FailedMsg = reason
	r.Errors = append(r.Errors, reason)
	metrics.DeliveryResults.WithLabelValues(transport, "failed").Inc()
}

func markSent(transport string, r *mailctx.RcptStatus) {
	r.State = mailctx.RcptSent
	r.SentAt = time.Now()
	metrics.DeliveryResults.WithLabelValues(transport, "sent").Inc()
}

// markGroupErr applies a single transport-level error (connect/DNS/MAIL
// FROM failure) to every recipient index in idxs: a terminal classification
// marks them Failed, anything else leaves them Waiting with the error
// recorded, per §4.7's "connection error is per-transport, not
// per-recipient" rule.
func markGroupErr(g *mailctx.RcptGroup, idxs []int, err error) {
	terminal, reason := classifyErr(err)
	transport := string(g.Transport)
	for _, ri := range idxs {
		if terminal {
			markFailed(transport, &g.Rcpts[ri], reason)
		} else {
			markWaiting(transport, &g.Rcpts[ri], reason)
		}
	}
}
