package receiver

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vmta/coremta/internal/filter"
	"github.com/vmta/coremta/internal/queue"
)

func testDeps(t *testing.T) Deps {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "root.lua")
	if err := os.WriteFile(root, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}
	eng, err := filter.NewEngine("mx.example", root, "", "")
	if err != nil {
		t.Fatal(err)
	}
	qm, err := queue.Open(filepath.Join(dir, "spool"))
	if err != nil {
		t.Fatal(err)
	}
	return Deps{
		Filter:   eng,
		Queue:    qm,
		WorkingC: make(chan string, 8),
	}
}

func testConfig() Config {
	return Config{
		ServerName:     "mx.example",
		RcptCountMax:   5,
		ErrorSoftCount: 5,
		ErrorHardCount: 10,
		ErrorDelay:     time.Millisecond,
		MaxLineLen:     512,
		MaxMessageSize: 1 << 20,
		DomainHandled:  func(string) bool { return false },
	}
}

func TestBasicIngest(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	sess := NewSession(server, testConfig(), testDeps(t))
	go sess.Serve(context.Background())

	r := bufio.NewReader(client)
	readLine := func() string {
		l, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		return l
	}
	write := func(s string) {
		if _, err := client.Write([]byte(s)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	if got := readLine(); got[:3] != "220" {
		t.Fatalf("expected 220 greeting, got %q", got)
	}

	write("HELO foo\r\n")
	if got := readLine(); got[:3] != "250" {
		t.Fatalf("expected 250 for HELO, got %q", got)
	}

	write("MAIL FROM:<j@d>\r\n")
	if got := readLine(); got[:3] != "250" {
		t.Fatalf("expected 250 for MAIL, got %q", got)
	}

	write("RCPT TO:<a@b>\r\n")
	if got := readLine(); got[:3] != "250" {
		t.Fatalf("expected 250 for RCPT, got %q", got)
	}

	write("DATA\r\n")
	if got := readLine(); got[:3] != "354" {
		t.Fatalf("expected 354 for DATA, got %q", got)
	}

	write("Subject: hi\r\n\r\nbody\r\n.\r\n")
	if got := readLine(); got[:3] != "250" {
		t.Fatalf("expected 250 after message, got %q", got)
	}

	write("QUIT\r\n")
	if got := readLine(); got[:3] != "221" {
		t.Fatalf("expected 221 for QUIT, got %q", got)
	}
}

func TestRcptCap(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	cfg := testConfig()
	cfg.RcptCountMax = 1
	sess := NewSession(server, cfg, testDeps(t))
	go sess.Serve(context.Background())

	r := bufio.NewReader(client)
	readLine := func() string { l, _ := r.ReadString('\n'); return l }
	write := func(s string) { client.Write([]byte(s)) }

	readLine() // greeting
	write("HELO foo\r\n")
	readLine()
	write("MAIL FROM:<j@d>\r\n")
	readLine()
	write("RCPT TO:<a@b>\r\n")
	readLine()
	write("RCPT TO:<c@d>\r\n")
	if got := readLine(); got[:3] != "452" {
		t.Fatalf("expected 452 too many recipients, got %q", got)
	}
}
