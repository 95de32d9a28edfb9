package delivery

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/emersion/go-message/textproto"
	"github.com/vmta/coremta/internal/mailctx"
	"github.com/vmta/coremta/internal/queue"
	"github.com/vmta/coremta/internal/testutils"
)

// fakeResolver implements framework/dns.Resolver with canned MX answers,
// used to test lookupMX's ordering and DNS-error classification without a
// real network.
type fakeResolver struct {
	mxs map[string][]*net.MX
	err map[string]error
}

func (f *fakeResolver) LookupMX(_ context.Context, name string) ([]*net.MX, error) {
	if err, ok := f.err[name]; ok {
		return nil, err
	}
	return f.mxs[name], nil
}

func (f *fakeResolver) LookupAddr(context.Context, string) ([]string, error) { return nil, nil }
func (f *fakeResolver) LookupHost(context.Context, string) ([]string, error) { return nil, nil }
func (f *fakeResolver) LookupTXT(context.Context, string) ([]string, error)  { return nil, nil }
func (f *fakeResolver) LookupIPAddr(context.Context, string) ([]net.IPAddr, error) {
	return nil, nil
}

func TestLookupMXPreferenceOrder(t *testing.T) {
	r := &fakeResolver{mxs: map[string][]*net.MX{
		"example.com": {
			{Host: "mx2.example.com.", Pref: 20},
			{Host: "mx1.example.com.", Pref: 10},
		},
	}}
	e := &Engine{resolver: r}

	hosts, err := e.lookupMX(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("lookupMX: %v", err)
	}
	want := []string{"mx1.example.com", "mx2.example.com"}
	if len(hosts) != 2 || hosts[0] != want[0] || hosts[1] != want[1] {
		t.Fatalf("hosts = %v, want %v", hosts, want)
	}
}

func TestLookupMXImplicitFallback(t *testing.T) {
	r := &fakeResolver{mxs: map[string][]*net.MX{}}
	e := &Engine{resolver: r}

	hosts, err := e.lookupMX(context.Background(), "nomx.example.com")
	if err != nil {
		t.Fatalf("lookupMX: %v", err)
	}
	if len(hosts) != 1 || hosts[0] != "nomx.example.com" {
		t.Fatalf("hosts = %v, want implicit fallback to domain", hosts)
	}
}

func TestLookupMXErrorClassification(t *testing.T) {
	r := &fakeResolver{err: map[string]error{
		"nxdomain.example.com": &net.DNSError{Err: "no such host", Name: "nxdomain.example.com", IsNotFound: true},
		"servfail.example.com": &net.DNSError{Err: "server misbehaving", Name: "servfail.example.com", IsTemporary: true},
	}}
	e := &Engine{resolver: r}

	if _, err := e.lookupMX(context.Background(), "nxdomain.example.com"); err == nil {
		t.Fatal("expected error for NXDOMAIN")
	} else if _, ok := err.(*PermDnsError); !ok {
		t.Fatalf("got %T, want *PermDnsError", err)
	}

	if _, err := e.lookupMX(context.Background(), "servfail.example.com"); err == nil {
		t.Fatal("expected error for SERVFAIL")
	} else if _, ok := err.(*TempDnsError); !ok {
		t.Fatalf("got %T, want *TempDnsError", err)
	}
}

func TestForwardDeliveryEndToEnd(t *testing.T) {
	addr := "127.0.0.1:30250"
	be, srv := testutils.SMTPServer(t, addr)
	defer srv.Close()

	dir := t.TempDir()
	qm, err := queue.Open(dir)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}

	raw := []byte("Subject: hi\r\n\r\nbody text\r\n")
	from, _ := mailctx.ParseAddress("sender@source.invalid")
	to, _ := mailctx.ParseAddress("rcpt@dest.invalid")
	c := &mailctx.Ctx{
		UUID: "11111111-1111-1111-1111-111111111111",
		From: from,
	}
	c.AddRcpt(mailctx.TransportForward, addr, to)
	if err := qm.WriteBoth(queue.Deliver, c, raw); err != nil {
		t.Fatalf("WriteBoth: %v", err)
	}

	eng := NewEngine(Config{Hostname: "mta.test"}, nil, qm)
	if err := eng.Attempt(context.Background(), c); err != nil {
		t.Fatalf("Attempt: %v", err)
	}

	if c.Groups[0].Rcpts[0].State != mailctx.RcptSent {
		t.Fatalf("recipient state = %v, errors = %v", c.Groups[0].Rcpts[0].State, c.Groups[0].Rcpts[0].Errors)
	}
	be.CheckMsg(t, 0, from.String(), []string{to.String()})
}

func TestMaildirDelivery(t *testing.T) {
	root := t.TempDir()
	hdr, body := loadTestMessage(t, "Subject: maildir test\r\n\r\nhello\r\n")

	if err := deliverMaildir(root, hdr, body); err != nil {
		t.Fatalf("deliverMaildir: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(root, "new"))
	if err != nil {
		t.Fatalf("read new/: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one delivered message, got %d", len(entries))
	}
}

func TestMBoxFromLineQuoting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user.mbox")
	hdr, body := loadTestMessage(t, "Subject: mbox test\r\n\r\nFrom the desk of someone\r\nplain line\r\n")

	if err := appendMBox(path, "sender@source.invalid", hdr, body); err != nil {
		t.Fatalf("appendMBox: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read mbox: %v", err)
	}
	if !bytes.HasPrefix(got, []byte("From sender@source.invalid ")) {
		t.Fatalf("missing envelope line: %q", got)
	}
	if !bytes.Contains(got, []byte("\n>From the desk of someone\n")) {
		t.Fatalf("From-line was not quoted: %q", got)
	}
	if !bytes.Contains(got, []byte("\nplain line\n")) {
		t.Fatalf("unrelated line was mangled: %q", got)
	}
}

func TestMBoxAppendsSecondMessage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user.mbox")
	hdr, body := loadTestMessage(t, "Subject: one\r\n\r\nfirst\r\n")
	if err := appendMBox(path, "a@source.invalid", hdr, body); err != nil {
		t.Fatalf("appendMBox #1: %v", err)
	}
	hdr2, body2 := loadTestMessage(t, "Subject: two\r\n\r\nsecond\r\n")
	if err := appendMBox(path, "b@source.invalid", hdr2, body2); err != nil {
		t.Fatalf("appendMBox #2: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read mbox: %v", err)
	}
	if bytes.Count(got, []byte("\nFrom ")) == 0 && !bytes.HasPrefix(got, []byte("From ")) {
		t.Fatalf("expected two envelope lines: %q", got)
	}
}

// loadTestMessage parses raw the same way loadMessage splits a spooled body:
// a textproto header followed by the remaining bytes.
func loadTestMessage(t *testing.T, raw string) (textproto.Header, []byte) {
	t.Helper()
	br := bufio.NewReader(strings.NewReader(raw))
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return hdr, body
}
