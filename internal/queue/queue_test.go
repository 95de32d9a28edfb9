package queue

import (
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/vmta/coremta/internal/mailctx"
)

func testCtx(t *testing.T) *mailctx.Ctx {
	t.Helper()
	return &mailctx.Ctx{
		Stage: mailctx.StageFinished,
		UUID:  uuid.NewString(),
	}
}

func TestWriteGetRemove(t *testing.T) {
	m, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	ctx := testCtx(t)
	raw := []byte("Subject: hi\r\n\r\nbody\r\n")
	if err := m.WriteBoth(Working, ctx, raw); err != nil {
		t.Fatalf("WriteBoth: %v", err)
	}

	got, err := m.GetCtx(Working, ctx.UUID)
	if err != nil {
		t.Fatalf("GetCtx: %v", err)
	}
	if got.UUID != ctx.UUID {
		t.Fatalf("UUID mismatch: got %s want %s", got.UUID, ctx.UUID)
	}

	rc, err := m.GetMsg(ctx.UUID)
	if err != nil {
		t.Fatalf("GetMsg: %v", err)
	}
	body, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != string(raw) {
		t.Fatalf("body mismatch: got %q want %q", body, raw)
	}

	if err := m.RemoveBoth(Working, ctx.UUID); err != nil {
		t.Fatalf("RemoveBoth: %v", err)
	}
	if _, err := m.GetCtx(Working, ctx.UUID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after removal, got %v", err)
	}
}

func TestMoveTo(t *testing.T) {
	m, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	ctx := testCtx(t)
	if err := m.WriteBoth(Working, ctx, []byte("Subject: x\r\n\r\nb\r\n")); err != nil {
		t.Fatal(err)
	}
	if err := m.MoveTo(Working, Deliver, ctx.UUID); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}

	if _, err := m.GetCtx(Working, ctx.UUID); err != ErrNotFound {
		t.Fatalf("expected source to be empty, got %v", err)
	}
	if _, err := m.GetCtx(Deliver, ctx.UUID); err != nil {
		t.Fatalf("expected entry at destination: %v", err)
	}
}

func TestMoveToOrphan(t *testing.T) {
	m, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := testCtx(t)
	if err := m.WriteCtx(Working, ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.MoveTo(Working, Deliver, ctx.UUID); err != ErrOrphan {
		t.Fatalf("expected ErrOrphan, got %v", err)
	}
}

func TestList(t *testing.T) {
	m, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for i := 0; i < 3; i++ {
		ctx := testCtx(t)
		if err := m.WriteBoth(Working, ctx, []byte("Subject: x\r\n\r\nb\r\n")); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, ctx.UUID)
	}

	got, err := m.List(Working)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(ids) {
		t.Fatalf("List returned %d entries, want %d", len(got), len(ids))
	}
}

func TestRemoveBothOrphanReport(t *testing.T) {
	m, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := testCtx(t)
	if err := m.WriteCtx(Working, ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.RemoveBoth(Working, ctx.UUID); err != ErrOrphan {
		t.Fatalf("expected ErrOrphan, got %v", err)
	}
}
