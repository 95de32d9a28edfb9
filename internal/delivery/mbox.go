package delivery

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/emersion/go-message/textproto"
	"golang.org/x/sys/unix"

	"github.com/vmta/coremta/internal/mailctx"
)

// attemptMBoxGroup delivers each waiting recipient independently, same
// reasoning as attemptMaildirGroup: distinct recipients may resolve to
// distinct mbox files.
func (e *Engine) attemptMBoxGroup(c *mailctx.Ctx, group *mailctx.RcptGroup, hdr textproto.Header, body []byte) {
	transport := string(group.Transport)
	for ri := range group.Rcpts {
		r := &group.Rcpts[ri]
		if r.State != mailctx.RcptWaiting && r.State != mailctx.RcptHeldBack {
			continue
		}

		path := group.Target
		if path == "" {
			path = filepath.Join(e.cfg.MBoxRoot, r.Forward.Domain, r.Forward.LocalPart+".mbox")
		}

		if err := appendMBox(path, c.From.String(), hdr, body); err != nil {
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

// appendMBox appends one message to the classic mbox file at path: a
// "From " envelope line, the header, a blank line, then the body with any
// line starting with "From " quoted as ">From " so it is never mistaken for
// a message boundary. The whole append is covered by an exclusive OS file
// lock.
func appendMBox(path, envelopeFrom string, hdr textproto.Header, body []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return err
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From %s %s\n", envelopeFrom, time.Now().UTC().Format("Mon Jan _2 15:04:05 2006"))
	if err := textproto.WriteHeader(&buf, hdr); err != nil {
		return err
	}
	quoteFromLines(&buf, body)
	buf.WriteByte('\n')

	_, err = f.Write(buf.Bytes())
	return err
}

// quoteFromLines copies body into dst, prefixing any line that begins with
// "From " with ">" so it cannot be mistaken for a message boundary.
func quoteFromLines(dst *bytes.Buffer, body []byte) {
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if len(line) >= 5 && line[:5] == "From " {
			dst.WriteByte('>')
		}
		dst.WriteString(line)
		dst.WriteByte('\n')
	}
}
