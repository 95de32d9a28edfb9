package deferred

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vmta/coremta/internal/mailctx"
	"github.com/vmta/coremta/internal/queue"
)

type fakeDeliverer struct {
	mu    sync.Mutex
	calls int32
	fn    func(c *mailctx.Ctx) error
}

func (f *fakeDeliverer) Attempt(_ context.Context, c *mailctx.Ctx) error {
	atomic.AddInt32(&f.calls, 1)
	if f.fn != nil {
		return f.fn(c)
	}
	return nil
}

func newTestCtx(uuid string) *mailctx.Ctx {
	c := &mailctx.Ctx{UUID: uuid}
	to, _ := mailctx.ParseAddress("rcpt@dest.invalid")
	c.AddRcpt(mailctx.TransportRemote, "", to)
	return c
}

func TestRetryOneSucceedsAndRemoves(t *testing.T) {
	qm, err := queue.Open(t.TempDir())
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	c := newTestCtx("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa")
	if err := qm.WriteBoth(queue.Deferred, c, []byte("Subject: x\r\n\r\nbody\r\n")); err != nil {
		t.Fatalf("WriteBoth: %v", err)
	}

	deliv := &fakeDeliverer{fn: func(c *mailctx.Ctx) error {
		c.Groups[0].Rcpts[0].State = mailctx.RcptSent
		return nil
	}}
	loop := New(Config{TickPeriod: time.Hour, RetryMax: 3, Workers: 2}, qm, deliv)

	loop.retryOne(context.Background(), c.UUID)

	if _, err := qm.GetCtx(queue.Deferred, c.UUID); err != queue.ErrNotFound {
		t.Fatalf("expected entry removed from deferred/, got err=%v", err)
	}
}

func TestRetryOneIncrementsRetryCount(t *testing.T) {
	qm, err := queue.Open(t.TempDir())
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	c := newTestCtx("bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb")
	if err := qm.WriteBoth(queue.Deferred, c, []byte("Subject: x\r\n\r\nbody\r\n")); err != nil {
		t.Fatalf("WriteBoth: %v", err)
	}

	deliv := &fakeDeliverer{fn: func(c *mailctx.Ctx) error {
		c.Groups[0].Rcpts[0].Errors = append(c.Groups[0].Rcpts[0].Errors, "still waiting")
		return nil
	}}
	loop := New(Config{TickPeriod: time.Hour, RetryMax: 3, Workers: 2}, qm, deliv)

	loop.retryOne(context.Background(), c.UUID)

	got, err := qm.GetCtx(queue.Deferred, c.UUID)
	if err != nil {
		t.Fatalf("GetCtx: %v", err)
	}
	if got.RetryCount != 1 {
		t.Fatalf("RetryCount = %d, want 1", got.RetryCount)
	}
}

func TestRetryOneMovesToDeadOnMaxRetryExceeded(t *testing.T) {
	qm, err := queue.Open(t.TempDir())
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	c := newTestCtx("cccccccc-cccc-cccc-cccc-cccccccccccc")
	c.RetryCount = 3
	if err := qm.WriteBoth(queue.Deferred, c, []byte("Subject: x\r\n\r\nbody\r\n")); err != nil {
		t.Fatalf("WriteBoth: %v", err)
	}

	deliv := &fakeDeliverer{}
	loop := New(Config{TickPeriod: time.Hour, RetryMax: 3, Workers: 2}, qm, deliv)

	loop.retryOne(context.Background(), c.UUID)

	if atomic.LoadInt32(&deliv.calls) != 0 {
		t.Fatalf("delivery should not be attempted once retry cap is reached")
	}
	if _, err := qm.GetCtx(queue.Dead, c.UUID); err != nil {
		t.Fatalf("expected entry moved to dead/: %v", err)
	}
}

func TestRetryOneMovesToDeadOnTerminalFailure(t *testing.T) {
	qm, err := queue.Open(t.TempDir())
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	c := newTestCtx("dddddddd-dddd-dddd-dddd-dddddddddddd")
	if err := qm.WriteBoth(queue.Deferred, c, []byte("Subject: x\r\n\r\nbody\r\n")); err != nil {
		t.Fatalf("WriteBoth: %v", err)
	}

	deliv := &fakeDeliverer{fn: func(c *mailctx.Ctx) error {
		c.Groups[0].Rcpts[0].State = mailctx.RcptFailed
		c.Groups[0].Rcpts[0].FailedMsg = "550 no such user"
		return nil
	}}
	loop := New(Config{TickPeriod: time.Hour, RetryMax: 3, Workers: 2}, qm, deliv)

	loop.retryOne(context.Background(), c.UUID)

	if _, err := qm.GetCtx(queue.Dead, c.UUID); err != nil {
		t.Fatalf("expected entry moved to dead/: %v", err)
	}
}

func TestSweepSkipsUUIDAlreadyInflight(t *testing.T) {
	qm, err := queue.Open(t.TempDir())
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	c := newTestCtx("eeeeeeee-eeee-eeee-eeee-eeeeeeeeeeee")
	if err := qm.WriteBoth(queue.Deferred, c, []byte("Subject: x\r\n\r\nbody\r\n")); err != nil {
		t.Fatalf("WriteBoth: %v", err)
	}

	loop := New(Config{TickPeriod: time.Hour, RetryMax: 3, Workers: 2}, qm, &fakeDeliverer{})
	if !loop.claim(c.UUID) {
		t.Fatal("expected first claim to succeed")
	}
	if loop.claim(c.UUID) {
		t.Fatal("expected second claim of the same UUID to fail while inflight")
	}
	loop.release(c.UUID)
	if !loop.claim(c.UUID) {
		t.Fatal("expected claim to succeed again after release")
	}
}

func TestRetryOneLoadFailureIsLogged(t *testing.T) {
	qm, err := queue.Open(t.TempDir())
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	loop := New(Config{TickPeriod: time.Hour, RetryMax: 3, Workers: 1}, qm, &fakeDeliverer{})
	loop.retryOne(context.Background(), "missing-uuid")
}
