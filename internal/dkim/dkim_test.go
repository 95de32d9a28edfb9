package dkim

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/emersion/go-message/textproto"
	"github.com/vmta/coremta/framework/buffer"
)

func TestSignProducesSignatureHeader(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	hdr := textproto.Header{}
	hdr.Add("From", "a@example.com")
	hdr.Add("To", "b@example.com")
	hdr.Add("Subject", "hi")
	hdr.Add("Date", "Mon, 1 Jan 2024 00:00:00 +0000")

	body := buffer.MemoryBuffer{Slice: []byte("hello\r\n")}

	sig, err := Sign(SignConfig{
		SDID:       "example.com",
		Selector:   "default",
		PrivateKey: priv,
	}, hdr, body)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(sig) == 0 {
		t.Fatal("expected non-empty signature header")
	}
}
