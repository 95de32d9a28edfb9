package filter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/vmta/coremta/internal/mailctx"
)

func writeScript(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDispatchAccept(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "root.lua")
	writeScript(t, root, `
rule("allow", "connect", function(ctx, srv, msg)
	return "accept"
end)
`)

	e, err := NewEngine("mx.example", root, "", "")
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	ctx := mailctx.New(nil, nil, 0, "mx.example")
	st, err := e.Dispatch(StageConnect, ctx, "", false, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if st.Kind != Accept {
		t.Fatalf("got %v, want Accept", st.Kind)
	}
	if ctx.Skip == nil || ctx.Skip.Status != "accept" {
		t.Fatalf("expected memoized accept verdict, got %#v", ctx.Skip)
	}
}

func TestDispatchMemoizedSkip(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "root.lua")
	writeScript(t, root, `
rule("deny-all", "connect", function(ctx, srv, msg)
	return "deny"
end)
`)
	e, err := NewEngine("mx.example", root, "", "")
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	ctx := mailctx.New(nil, nil, 0, "mx.example")
	first, err := e.Dispatch(StageConnect, ctx, "", false, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if first.Kind != Deny {
		t.Fatalf("got %v, want Deny", first.Kind)
	}

	second, err := e.Dispatch(StageHelo, ctx, "", false, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if second.Kind != Deny {
		t.Fatalf("memoized stage should still short-circuit to Deny, got %v", second.Kind)
	}
}

func TestSelectDomainHierarchy(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "root.lua")
	writeScript(t, root, `rule("noop", "rcpt", function(ctx, srv, msg) return "next" end)`)

	domainDir := filepath.Join(dir, "domains")
	sub := filepath.Join(domainDir, "example.com")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	writeScript(t, filepath.Join(sub, "outgoing.lua"), `rule("noop", "rcpt", function(ctx, srv, msg) return "next" end)`)

	e, err := NewEngine("mx.example", root, "", domainDir)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	got := e.Select(StageRcpt, "example.com", true, mailctx.TxType{Kind: mailctx.TxOutgoing, Domain: "example.com"})
	if got != e.Domains["example.com"].Outgoing {
		t.Fatalf("expected outgoing script for example.com, got %v", got)
	}
}
