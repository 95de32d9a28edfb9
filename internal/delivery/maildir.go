package delivery

import (
	"bytes"
	"io"
	"path/filepath"

	"github.com/emersion/go-maildir"
	"github.com/emersion/go-message/textproto"
	"github.com/vmta/coremta/internal/mailctx"
)

// attemptMaildirGroup delivers each waiting recipient independently: unlike
// the SMTP transports, a maildir group's recipients may each resolve to a
// different mailbox path, so there is no shared transaction to batch them
// into.
func (e *Engine) attemptMaildirGroup(c *mailctx.Ctx, group *mailctx.RcptGroup, hdr textproto.Header, body []byte) {
	transport := string(group.Transport)
	for ri := range group.Rcpts {
		r := &group.Rcpts[ri]
		if r.State != mailctx.RcptWaiting && r.State != mailctx.RcptHeldBack {
			continue
		}

		path := group.Target
		if path == "" {
			path = filepath.Join(e.cfg.MaildirRoot, r.Forward.Domain, r.Forward.LocalPart)
		}

		if err := deliverMaildir(path, hdr, body); err != nil {
			terminal, reason := classifyErr(err)
			if terminal {
				markFailed(transport, r, reason)
			} else {
				markWaiting(transport, r, reason)
			}
			continue
		}
		markSent(transport, r)
	}
}

// deliverMaildir writes the message into path's tmp/ subdirectory and
// renames it into new/, the semantics go-maildir's Dir.Create/Close pair
// performs internally.
func deliverMaildir(path string, hdr textproto.Header, body []byte) error {
	dir := maildir.Dir(path)
	if err := dir.Init(); err != nil {
		return err
	}

	_, w, err := dir.Create(nil)
	if err != nil {
		return err
	}

	if err := textproto.WriteHeader(w, hdr); err != nil {
		w.Close()
		return err
	}
	if _, err := io.Copy(w, bytes.NewReader(body)); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
