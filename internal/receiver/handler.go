package receiver

import (
	"bufio"
	"bytes"
	"context"

	"github.com/emersion/go-message/textproto"

	"github.com/vmta/coremta/framework/buffer"
	"github.com/vmta/coremta/internal/dkim"
	"github.com/vmta/coremta/internal/filter"
	"github.com/vmta/coremta/internal/mailctx"
	"github.com/vmta/coremta/internal/queue"
	"github.com/vmta/coremta/internal/reader"
)

// handleData implements on_message: consume the message stream, invoke PreQ
// rules per context (primary and, if the transaction split, the internal
// slot), persist survivors to working/, and post their UUIDs on the working
// channel, holding the final 250 reply until the enqueue succeeds so no
// accepted message is ever silently dropped under backpressure.
func (s *Session) handleData(ctx context.Context) bool {
	if s.state < stRcptTo {
		s.writeReply(Reply{Code: 503, Text: "Bad sequence of commands"})
		return false
	}
	s.writeReply(Reply{Code: 354, Text: "Start mail input; end with <CRLF>.<CRLF>"})

	mr := reader.NewMessageReader(s.lr, s.cfg.MaxMessageSize)
	body, err := mr.ReadAll()
	if err != nil {
		if _, ok := err.(*reader.BufferTooLongError); ok {
			rep, fatal := s.countError(Reply{Code: 552, Text: "Message size exceeds fixed maximum"})
			s.writeReply(rep)
			return fatal
		}
		s.writeReply(Reply{Code: 451, Text: "Requested action aborted: local error in processing"})
		return true
	}

	contexts := []*mailctx.Ctx{s.ctx}
	if s.split != nil {
		contexts = append(contexts, s.split)
	}

	cbodies := make([][]byte, len(contexts))
	items := make([]filter.DispatchItem, len(contexts))
	for i, c := range contexts {
		cbodies[i] = s.maybeVerifyDKIM(ctx, c, body)
		items[i] = filter.DispatchItem{
			Ctx:           c,
			SenderDomain:  senderDomainOf(c),
			SenderHandled: s.cfg.DomainHandled(senderDomainOf(c)),
		}
	}

	// Primary and internal-split contexts are dispatched together: the
	// common case lands both on the same per-domain script and runs them
	// sequentially on its LState, but two distinct scripts (e.g. a split
	// with different recipient domains) run concurrently.
	results := s.deps.Filter.DispatchMany(filter.StagePreQ, items)

	accepted := 0
	for i, c := range contexts {
		cbody := cbodies[i]
		st, err := results[i].Status, results[i].Err
		if err != nil {
			s.writeReply(Reply{Code: 451, Text: "Requested action aborted: local error in processing"})
			continue
		}
		if st.Kind == filter.Deny {
			s.writeReply(Reply{Code: st.Code, Text: st.Reply})
			continue
		}
		if st.Kind == filter.DelegationResult {
			if err := s.deps.Queue.Delegate("", c, cbody, string(filter.StagePreQ), st.Directive); err != nil {
				s.writeReply(Reply{Code: 451, Text: "Requested action aborted: local error in processing"})
				continue
			}
			// No reply: the transaction is suspended, not accepted or
			// rejected, until the delegate service returns it.
			accepted++
			continue
		}

		if err := s.persistAndEnqueue(ctx, c, cbody); err != nil {
			s.writeReply(Reply{Code: 451, Text: "Requested action aborted: local error in processing"})
			continue
		}
		accepted++
		s.writeReply(Reply{Code: 250, Text: "Ok"})
	}

	// Per-transaction state resets for the next MAIL, HELO/TLS/AUTH state
	// preserved (same as RSET semantics).
	s.ctx.Rset()
	s.split = nil
	s.state = stHelo
	return accepted == 0 && len(contexts) == 0
}

func senderDomainOf(c *mailctx.Ctx) string {
	return c.From.Domain
}

// maybeVerifyDKIM verifies an incoming message's DKIM signature(s) and
// prepends the resulting Authentication-Results header. The verdict is
// memoized onto c.DKIMResult/c.DKIMSDID so a context that re-enters PreQ
// (internal-split's second context, or a future resumption from
// delegated/) never re-runs the signature check. Outgoing/internal mail
// is left alone: it is verified at its next hop, not by the server that
// just accepted it from its own authenticated sender.
func (s *Session) maybeVerifyDKIM(ctx context.Context, c *mailctx.Ctx, body []byte) []byte {
	if s.deps.Resolver == nil || c.TxType.Kind != mailctx.TxIncoming {
		return body
	}
	if c.DKIMResult != "" {
		return body
	}

	res, err := dkim.Verify(ctx, s.deps.Resolver, body, 0)
	if err != nil && res.Verdict == "" {
		res.Verdict = "temperror"
	}
	c.DKIMResult = res.Verdict
	c.DKIMSDID = res.SDID

	header := dkim.AuthenticationResults(s.cfg.ServerName, res)
	return append([]byte(header+"\r\n"), body...)
}

// maybeSign prepends a DKIM-Signature header for outgoing mail whose sender
// domain has signing configured. A signing failure is logged and the
// message is enqueued unsigned rather than bounced, since an outbound
// message already accepted from the client should not be lost over a local
// key-loading problem.
func (s *Session) maybeSign(c *mailctx.Ctx, body []byte) []byte {
	if c.TxType.Kind != mailctx.TxOutgoing || s.deps.DKIMSigner == nil {
		return body
	}
	signCfg := s.deps.DKIMSigner(c.From.Domain)
	if signCfg == nil {
		return body
	}

	hdr, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(body)))
	if err != nil {
		s.log.Error("dkim: reading headers for signing failed", err, "uuid", c.UUID)
		return body
	}
	sig, err := dkim.Sign(*signCfg, hdr, buffer.MemoryBuffer{Slice: body})
	if err != nil {
		s.log.Error("dkim: signing failed", err, "uuid", c.UUID, "domain", c.From.Domain)
		return body
	}
	return append(sig, body...)
}

func (s *Session) persistAndEnqueue(ctx context.Context, c *mailctx.Ctx, body []byte) error {
	body = s.maybeSign(c, body)

	if err := s.deps.Queue.WriteBoth(queue.Working, c, body); err != nil {
		return err
	}
	select {
	case s.deps.WorkingC <- c.UUID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
