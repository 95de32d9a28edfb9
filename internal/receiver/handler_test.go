package receiver

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"strings"
	"testing"

	"github.com/vmta/coremta/framework/log"
	"github.com/vmta/coremta/internal/dkim"
	"github.com/vmta/coremta/internal/mailctx"
)

func testSession(t *testing.T, signer func(string) *dkim.SignConfig) *Session {
	t.Helper()
	return &Session{
		cfg:  Config{},
		deps: Deps{DKIMSigner: signer},
		log:  log.Logger{Name: "receiver-test"},
	}
}

func TestMaybeSignSkipsIncoming(t *testing.T) {
	called := false
	s := testSession(t, func(string) *dkim.SignConfig {
		called = true
		return nil
	})
	c := &mailctx.Ctx{TxType: mailctx.TxType{Kind: mailctx.TxIncoming}}
	body := []byte("From: a@b\r\n\r\nhi\r\n")

	got := s.maybeSign(c, body)
	if !bytes.Equal(got, body) {
		t.Fatal("expected incoming mail to pass through unsigned")
	}
	if called {
		t.Fatal("expected the signer lookup to be skipped for incoming mail")
	}
}

func TestMaybeSignSkipsWhenNoSignerConfigured(t *testing.T) {
	s := testSession(t, func(string) *dkim.SignConfig { return nil })
	c := &mailctx.Ctx{
		TxType: mailctx.TxType{Kind: mailctx.TxOutgoing},
		From:   mailctx.Address{LocalPart: "a", Domain: "example.test"},
	}
	body := []byte("From: a@example.test\r\n\r\nhi\r\n")

	got := s.maybeSign(c, body)
	if !bytes.Equal(got, body) {
		t.Fatal("expected mail to pass through unsigned when no signer is configured")
	}
}

func TestMaybeSignPrependsSignatureForOutgoing(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	cfg := &dkim.SignConfig{SDID: "example.test", Selector: "s1", PrivateKey: key}

	s := testSession(t, func(domain string) *dkim.SignConfig {
		if domain != "example.test" {
			t.Fatalf("unexpected domain lookup: %s", domain)
		}
		return cfg
	})
	c := &mailctx.Ctx{
		TxType: mailctx.TxType{Kind: mailctx.TxOutgoing},
		From:   mailctx.Address{LocalPart: "a", Domain: "example.test"},
	}
	body := []byte("From: a@example.test\r\nTo: b@elsewhere.test\r\nDate: Fri, 31 Jul 2026 00:00:00 +0000\r\nSubject: hi\r\n\r\nbody\r\n")

	got := s.maybeSign(c, body)
	if !strings.HasPrefix(string(got), "DKIM-Signature:") {
		t.Fatalf("expected a DKIM-Signature header to be prepended, got: %q", string(got)[:min(40, len(got))])
	}
	if !bytes.HasSuffix(got, body) {
		t.Fatal("expected the original message to follow the signature line untouched")
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
