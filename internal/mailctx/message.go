package mailctx

import (
	"bufio"
	"bytes"
	"io"
	"sync"

	"github.com/emersion/go-message/textproto"
	"github.com/vmta/coremta/framework/buffer"
)

// Message is the ingested body: header lines plus body text, stored raw.
// Header is parsed lazily from the raw form and memoized; any mutation goes
// back through the raw form so the two never drift.
type Message struct {
	mu     sync.Mutex
	raw    buffer.Buffer
	hdr    *textproto.Header
	hdrErr error
}

// NewMessage wraps raw as a Message. raw is header lines, a blank line,
// then the body, matching the on-disk .eml layout.
func NewMessage(raw buffer.Buffer) *Message {
	return &Message{raw: raw}
}

// Raw returns the underlying buffer for direct reading (e.g. to copy to a
// transport or to serialize to disk).
func (m *Message) Raw() buffer.Buffer {
	return m.raw
}

// Header parses and memoizes the message's header section.
func (m *Message) Header() (textproto.Header, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hdr != nil {
		return *m.hdr, nil
	}
	if m.hdrErr != nil {
		return textproto.Header{}, m.hdrErr
	}

	r, err := m.raw.Open()
	if err != nil {
		m.hdrErr = err
		return textproto.Header{}, err
	}
	defer r.Close()

	hdr, err := textproto.ReadHeader(bufio.NewReader(r))
	if err != nil {
		m.hdrErr = err
		return textproto.Header{}, err
	}
	m.hdr = &hdr
	return hdr, nil
}

// PrependHeaderField writes a new first header field (used by DKIM signing
// and delegation) by rebuilding the raw buffer; it invalidates the memoized
// header so the next Header() call re-parses.
func PrependHeaderField(raw []byte, key, value string) []byte {
	field := []byte(key + ": " + value + "\r\n")
	return append(field, raw...)
}

// SplitHeaderBody locates the header/body boundary (first blank line) in
// raw, returning the header bytes (without the trailing blank line) and the
// body bytes.
func SplitHeaderBody(raw []byte) (header, body []byte) {
	sep := []byte("\r\n\r\n")
	if i := bytes.Index(raw, sep); i >= 0 {
		return raw[:i], raw[i+len(sep):]
	}
	sep = []byte("\n\n")
	if i := bytes.Index(raw, sep); i >= 0 {
		return raw[:i], raw[i+len(sep):]
	}
	return raw, nil
}

// ReadAll drains r into a byte slice, used when buffering a freshly received
// message stream before it is wrapped in a buffer.Buffer.
func ReadAll(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
