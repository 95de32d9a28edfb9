package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/vmta/coremta/internal/filter"
	"github.com/vmta/coremta/internal/mailctx"
	"github.com/vmta/coremta/internal/queue"
)

type fakeDeliverer struct {
	attempted chan string
}

func (f *fakeDeliverer) Attempt(ctx context.Context, c *mailctx.Ctx) error {
	for gi := range c.Groups {
		for ri := range c.Groups[gi].Rcpts {
			c.Groups[gi].Rcpts[ri].State = mailctx.RcptSent
		}
	}
	f.attempted <- c.UUID
	return nil
}

func TestSchedulerDrainsToDelivery(t *testing.T) {
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

	deliv := &fakeDeliverer{attempted: make(chan string, 1)}
	sched := New(Config{WorkingChanSize: 4, DeliveryChanSize: 4, WorkingWorkers: 1, DeliveryWorkers: 1}, eng, qm, deliv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)

	c := &mailctx.Ctx{UUID: uuid.NewString(), From: mailctx.Address{LocalPart: "a", Domain: "b"}}
	c.AddRcpt(mailctx.TransportRemote, "", mailctx.Address{LocalPart: "c", Domain: "d"})
	if err := qm.WriteBoth(queue.Working, c, []byte("Subject: x\r\n\r\nb\r\n")); err != nil {
		t.Fatal(err)
	}

	sched.WorkingChan() <- c.UUID

	select {
	case got := <-deliv.attempted:
		if got != c.UUID {
			t.Fatalf("unexpected uuid delivered: %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery attempt")
	}

	// allow the post-delivery removal to land before Stop
	time.Sleep(50 * time.Millisecond)
	sched.Stop()

	if _, err := qm.GetCtx(queue.Deliver, c.UUID); err != queue.ErrNotFound {
		t.Fatalf("expected entry removed after successful delivery, got err=%v", err)
	}
}
