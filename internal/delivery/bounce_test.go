package delivery

import (
	"strings"
	"testing"

	"github.com/vmta/coremta/internal/mailctx"
	"github.com/vmta/coremta/internal/queue"
)

func TestMaybeEmitBounceOnAllFailed(t *testing.T) {
	qm, err := queue.Open(t.TempDir())
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}

	raw := []byte("Subject: hi\r\n\r\nbody text\r\n")
	from, _ := mailctx.ParseAddress("sender@source.invalid")
	to, _ := mailctx.ParseAddress("rcpt@dest.invalid")
	c := &mailctx.Ctx{
		UUID: "22222222-2222-2222-2222-222222222222",
		From: from,
	}
	c.AddRcpt(mailctx.TransportRemote, "", to)
	c.Groups[0].Rcpts[0].State = mailctx.RcptFailed
	c.Groups[0].Rcpts[0].FailedMsg = "550 5.1.1 unknown user"

	hdr, _ := loadTestMessage(t, string(raw))
	eng := NewEngine(Config{Hostname: "mta.test"}, nil, qm)
	eng.maybeEmitBounce(c, hdr)

	uuids, err := qm.List(queue.Deferred)
	if err != nil {
		t.Fatalf("List(Deferred): %v", err)
	}
	if len(uuids) != 1 {
		t.Fatalf("expected exactly one bounce in deferred/, got %d: %v", len(uuids), uuids)
	}

	bounce, err := qm.GetCtx(queue.Deferred, uuids[0])
	if err != nil {
		t.Fatalf("GetCtx: %v", err)
	}
	if !bounce.From.IsNull() {
		t.Fatalf("bounce sender = %v, want the null reverse path", bounce.From)
	}
	if len(bounce.Groups) != 1 || len(bounce.Groups[0].Rcpts) != 1 {
		t.Fatalf("bounce groups = %+v, want one recipient: the original sender", bounce.Groups)
	}
	if bounce.Groups[0].Rcpts[0].Forward != from {
		t.Fatalf("bounce recipient = %v, want original sender %v", bounce.Groups[0].Rcpts[0].Forward, from)
	}

	body, err := qm.GetMsg(uuids[0])
	if err != nil {
		t.Fatalf("GetMsg: %v", err)
	}
	defer body.Close()
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, rerr := body.Read(buf)
		sb.Write(buf[:n])
		if rerr != nil {
			break
		}
	}
	if !strings.Contains(sb.String(), "multipart/report") {
		t.Fatalf("bounce body missing DSN report part: %q", sb.String())
	}
}

func TestMaybeEmitBounceSkipsForNullSender(t *testing.T) {
	qm, err := queue.Open(t.TempDir())
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}

	to, _ := mailctx.ParseAddress("rcpt@dest.invalid")
	c := &mailctx.Ctx{
		UUID: "33333333-3333-3333-3333-333333333333",
		From: mailctx.Null,
	}
	c.AddRcpt(mailctx.TransportRemote, "", to)
	c.Groups[0].Rcpts[0].State = mailctx.RcptFailed
	c.Groups[0].Rcpts[0].FailedMsg = "550 5.1.1 unknown user"

	hdr, _ := loadTestMessage(t, "Subject: hi\r\n\r\nbody\r\n")
	eng := NewEngine(Config{Hostname: "mta.test"}, nil, qm)
	eng.maybeEmitBounce(c, hdr)

	uuids, err := qm.List(queue.Deferred)
	if err != nil {
		t.Fatalf("List(Deferred): %v", err)
	}
	if len(uuids) != 0 {
		t.Fatalf("expected no bounce for a message already carrying the null sender, got %v", uuids)
	}
}

func TestMaybeEmitBounceSkipsWhenNotYetTerminal(t *testing.T) {
	qm, err := queue.Open(t.TempDir())
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}

	from, _ := mailctx.ParseAddress("sender@source.invalid")
	to, _ := mailctx.ParseAddress("rcpt@dest.invalid")
	c := &mailctx.Ctx{UUID: "44444444-4444-4444-4444-444444444444", From: from}
	c.AddRcpt(mailctx.TransportRemote, "", to) // still RcptWaiting

	hdr, _ := loadTestMessage(t, "Subject: hi\r\n\r\nbody\r\n")
	eng := NewEngine(Config{Hostname: "mta.test"}, nil, qm)
	eng.maybeEmitBounce(c, hdr)

	uuids, err := qm.List(queue.Deferred)
	if err != nil {
		t.Fatalf("List(Deferred): %v", err)
	}
	if len(uuids) != 0 {
		t.Fatalf("expected no bounce while a recipient is still waiting, got %v", uuids)
	}
}
