package delivery

import (
	"bytes"
	"errors"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/vmta/coremta/internal/dsn"
	"github.com/vmta/coremta/internal/mailctx"
	"github.com/vmta/coremta/internal/metrics"
	"github.com/vmta/coremta/internal/queue"
)

// maybeEmitBounce generates and enqueues a failure DSN once every recipient
// in c has reached a terminal state and at least one of them failed. A
// bounce's own sender is the null reverse path, so a message already
// carrying a null sender is a bounce itself and is never bounced again.
func (e *Engine) maybeEmitBounce(c *mailctx.Ctx, hdr textproto.Header) {
	if !c.AllTerminal() || c.From.IsNull() {
		return
	}

	var rcptInfo []dsn.RecipientInfo
	for _, g := range c.Groups {
		for _, r := range g.Rcpts {
			if r.State != mailctx.RcptFailed {
				continue
			}
			rcptInfo = append(rcptInfo, dsn.RecipientInfo{
				FinalRecipient: r.Forward.String(),
				Action:         dsn.ActionFailed,
				Status:         smtp.EnhancedCode{5, 0, 0},
				DiagnosticCode: errors.New(r.FailedMsg),
			})
		}
	}
	if len(rcptInfo) == 0 {
		return
	}

	dsnID := uuid.NewString()
	envelope := dsn.Envelope{
		MsgID: "<" + dsnID + "@" + e.cfg.Hostname + ">",
		From:  "MAILER-DAEMON@" + e.cfg.Hostname,
		To:    c.From.String(),
	}
	mtaInfo := dsn.ReportingMTAInfo{
		ReportingMTA:    e.cfg.Hostname,
		XMessageID:      c.UUID,
		ArrivalDate:     c.Timestamp,
		LastAttemptDate: time.Now(),
	}

	var bodyBuf bytes.Buffer
	dsnHeader, err := dsn.GenerateDSN(false, envelope, mtaInfo, rcptInfo, hdr, &bodyBuf)
	if err != nil {
		e.log.Error("delivery: generating bounce failed", err, "uuid", c.UUID)
		return
	}

	var raw bytes.Buffer
	if err := textproto.WriteHeader(&raw, dsnHeader); err != nil {
		e.log.Error("delivery: writing bounce header failed", err, "uuid", c.UUID)
		return
	}
	raw.Write(bodyBuf.Bytes())

	bounce := &mailctx.Ctx{
		UUID:      dsnID,
		Timestamp: time.Now(),
		ServerName: e.cfg.Hostname,
		From:      mailctx.Null,
		Groups: []mailctx.RcptGroup{
			{
				Transport: mailctx.TransportRemote,
				Rcpts:     []mailctx.RcptStatus{{Forward: c.From, State: mailctx.RcptWaiting}},
			},
		},
	}

	if err := e.queue.WriteBoth(queue.Deferred, bounce, raw.Bytes()); err != nil {
		e.log.Error("delivery: enqueuing bounce failed", err, "uuid", c.UUID)
		return
	}
	metrics.QueueLength.WithLabelValues(string(queue.Deferred)).Inc()
	e.log.Msg("delivery: bounce generated", "uuid", c.UUID, "bounce_uuid", dsnID, "to", c.From.String())
}
