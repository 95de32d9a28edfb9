package reader

import (
	"bytes"
	"testing"
)

func TestReadLine(t *testing.T) {
	lr := NewLineReader(bytes.NewBufferString("HELO foo\r\nQUIT\r\n"), 512)
	line, err := lr.ReadLine()
	if err != nil {
		t.Fatal(err)
	}
	if string(line) != "HELO foo" {
		t.Fatalf("got %q", line)
	}
	line, err = lr.ReadLine()
	if err != nil {
		t.Fatal(err)
	}
	if string(line) != "QUIT" {
		t.Fatalf("got %q", line)
	}
}

func TestReadLineTooLong(t *testing.T) {
	lr := NewLineReader(bytes.NewBufferString("AAAAAAAAAA\r\n"), 4)
	_, err := lr.ReadLine()
	var tooLong *BufferTooLongError
	if err == nil {
		t.Fatal("expected error")
	}
	if !isBufferTooLong(err, &tooLong) {
		t.Fatalf("expected BufferTooLongError, got %v", err)
	}
}

func isBufferTooLong(err error, target **BufferTooLongError) bool {
	e, ok := err.(*BufferTooLongError)
	if ok {
		*target = e
	}
	return ok
}

func TestReadLineTruncatedAtEOF(t *testing.T) {
	lr := NewLineReader(bytes.NewBufferString("HELO foo"), 512)
	_, err := lr.ReadLine()
	if _, ok := err.(ErrTruncated); !ok {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestParseCommandUnknown(t *testing.T) {
	c := ParseCommand("BOGUS verb here")
	if c.Verb != VerbUnknown {
		t.Fatalf("expected Unknown, got %v", c.Verb)
	}
	if c.Raw != "BOGUS verb here" {
		t.Fatalf("raw line not preserved: %q", c.Raw)
	}
}

func TestBatchReaderPipelining(t *testing.T) {
	input := "MAIL FROM:<a@b>\r\nRCPT TO:<c@d>\r\nDATA\r\n"
	lr := NewLineReader(bytes.NewBufferString(input), 512)
	br := NewBatchReader(lr)

	cmds, err := br.ReadBatch()
	if err != nil {
		t.Fatal(err)
	}
	if len(cmds) != 3 {
		t.Fatalf("expected 3 pipelined commands, got %d: %+v", len(cmds), cmds)
	}
	if cmds[0].Verb != VerbMail || cmds[1].Verb != VerbRcpt || cmds[2].Verb != VerbData {
		t.Fatalf("unexpected verbs: %+v", cmds)
	}
}

func TestMessageReaderDotUnstuffAndTerminator(t *testing.T) {
	input := "Subject: hi\r\n..leading dot\r\nbody\r\n.\r\nMAIL FROM:<next>\r\n"
	lr := NewLineReader(bytes.NewBufferString(input), 1024)
	mr := NewMessageReader(lr, 1<<20)

	body, err := mr.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	want := "Subject: hi\r\n.leading dot\r\nbody\r\n"
	if string(body) != want {
		t.Fatalf("got %q want %q", body, want)
	}

	// Reader past the terminator should leave the next command intact.
	line, err := lr.ReadLine()
	if err != nil {
		t.Fatal(err)
	}
	if string(line) != "MAIL FROM:<next>" {
		t.Fatalf("unexpected trailing line: %q", line)
	}
}

func TestMessageReaderSizeLimit(t *testing.T) {
	input := "AAAAAAAAAA\r\n.\r\n"
	lr := NewLineReader(bytes.NewBufferString(input), 1024)
	mr := NewMessageReader(lr, 4)
	_, err := mr.ReadAll()
	if err == nil {
		t.Fatal("expected BufferTooLong")
	}
	if _, ok := err.(*BufferTooLongError); !ok {
		t.Fatalf("expected *BufferTooLongError, got %v", err)
	}
}

func TestDotStuffRoundTrip(t *testing.T) {
	body := []byte("line one\r\n.dotted\r\n..double\r\nplain")
	if got := Unstuff(Stuff(body)); !bytes.Equal(got, body) {
		t.Fatalf("round trip failed: got %q want %q", got, body)
	}
}
