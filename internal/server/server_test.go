package server

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vmta/coremta/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	root := filepath.Join(dir, "root.lua")
	if err := os.WriteFile(root, []byte(`
rule("accept-all", "connect", function(ctx, srv, msg)
	return "accept"
end)
`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := config.Default()
	cfg.Server.Name = "mx.example.test"
	cfg.Server.Queues.Dirpath = filepath.Join(dir, "spool")
	cfg.Server.Interfaces = config.Interfaces{Addr: []string{"tcp://127.0.0.1:0"}}
	cfg.App.Dirpath = filepath.Join(dir, "data")
	cfg.App.Vsl = config.Vsl{FilterPath: root}
	cfg.Virtual = map[string]config.Domain{
		"handled.test": {},
	}
	return cfg
}

func TestNewFromConfigBuildsEveryCollaborator(t *testing.T) {
	cfg := testConfig(t)

	s, err := NewFromConfig(cfg)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	defer s.filter.Close()

	if s.queue == nil || s.filter == nil || s.sched == nil || s.defLoop == nil || s.limits == nil {
		t.Fatal("expected every collaborator to be constructed")
	}
	if s.tlsConfig == nil || len(s.tlsConfig.Certificates) == 0 {
		t.Fatal("expected a self-signed certificate when server.tls is unset")
	}
}

func TestDomainHandled(t *testing.T) {
	cfg := testConfig(t)
	s, err := NewFromConfig(cfg)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}
	defer s.filter.Close()

	if !s.domainHandled("handled.test") {
		t.Fatal("expected handled.test to be recognized as a virtual domain")
	}
	if !s.domainHandled("HANDLED.TEST") {
		t.Fatal("expected domainHandled to be case-insensitive")
	}
	if s.domainHandled("unknown.test") {
		t.Fatal("expected unknown.test to be unhandled")
	}
}

func TestRunStartsListenersAndShutsDownCleanly(t *testing.T) {
	cfg := testConfig(t)
	s, err := NewFromConfig(cfg)
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Give the accept loop a moment to bind the ephemeral listener before
	// tearing it down.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
