// Package scheduler wires the three bounded channels and worker pools that
// move a message from working/ through deliver/ to its transport: receiver
// pool, working pool, delivery pool.
package scheduler

import (
	"context"
	"sync"

	"github.com/vmta/coremta/framework/log"
	"github.com/vmta/coremta/internal/filter"
	"github.com/vmta/coremta/internal/mailctx"
	"github.com/vmta/coremta/internal/metrics"
	"github.com/vmta/coremta/internal/queue"
)

// Config sizes the three channels and worker pools.
type Config struct {
	WorkingChanSize  int
	DeliveryChanSize int
	WorkingWorkers   int
	DeliveryWorkers  int
}

// Deliverer is the subset of the delivery engine (C7) the delivery pool
// invokes; kept as an interface so the scheduler doesn't import internal/delivery
// directly (delivery depends on scheduler's queue usage conventions, not the
// other way around).
type Deliverer interface {
	Attempt(ctx context.Context, c *mailctx.Ctx) error
}

// Scheduler owns the working and delivery channels and their worker pools.
type Scheduler struct {
	cfg    Config
	log    log.Logger
	filter *filter.Engine
	queue  *queue.Manager
	deliv  Deliverer

	workingC  chan string
	deliveryC chan string

	workingWg  sync.WaitGroup
	deliveryWg sync.WaitGroup
}

func New(cfg Config, filterEngine *filter.Engine, qm *queue.Manager, deliv Deliverer) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		log:       log.Logger{Name: "scheduler", Debug: log.DefaultLogger.Debug},
		filter:    filterEngine,
		queue:     qm,
		deliv:     deliv,
		workingC:  make(chan string, cfg.WorkingChanSize),
		deliveryC: make(chan string, cfg.DeliveryChanSize),
	}
}

// WorkingChan is handed to the receiver as its Deps.WorkingC.
func (s *Scheduler) WorkingChan() chan<- string { return s.workingC }

// DeliveryChan is handed to a delegate directive's resumer for a
// transaction that suspended at the delivery stage: postq already ran
// before it was suspended, so resuming re-enters delivery directly
// instead of working/.
func (s *Scheduler) DeliveryChan() chan<- string { return s.deliveryC }

// Start spawns the working and delivery worker pools. Call Stop (or cancel
// ctx) to begin a graceful shutdown: channels close in dependency order and
// each pool drains to completion before its goroutines exit.
func (s *Scheduler) Start(ctx context.Context) {
	for i := 0; i < s.cfg.WorkingWorkers; i++ {
		s.workingWg.Add(1)
		go s.workingLoop(ctx)
	}
	for i := 0; i < s.cfg.DeliveryWorkers; i++ {
		s.deliveryWg.Add(1)
		go s.deliveryLoop(ctx)
	}
}

// Stop closes the working channel (no more new work accepted upstream),
// waits for the working pool to drain into the delivery channel, closes
// that, then waits for the delivery pool to drain — channels close in
// dependency order, each pool finishing before the next is torn down.
func (s *Scheduler) Stop() {
	close(s.workingC)
	s.workingWg.Wait()
	close(s.deliveryC)
	s.deliveryWg.Wait()
}

func (s *Scheduler) workingLoop(ctx context.Context) {
	defer s.workingWg.Done()
	for uuid := range s.workingC {
		s.processWorking(ctx, uuid)
	}
}

func (s *Scheduler) processWorking(ctx context.Context, uuid string) {
	c, err := s.queue.GetCtx(queue.Working, uuid)
	if err != nil {
		s.log.Error("working: load failed", err, "uuid", uuid)
		return
	}

	st, err := s.filter.Dispatch(filter.StagePostQ, c, c.From.Domain, false, nil, "")
	if err != nil {
		s.log.Error("working: postq rules failed", err, "uuid", uuid)
		return
	}
	if st.Kind == filter.Deny {
		if rmErr := s.queue.RemoveBoth(queue.Working, uuid); rmErr != nil {
			s.log.Error("working: cleanup after deny failed", rmErr, "uuid", uuid)
			return
		}
		metrics.QueueLength.WithLabelValues(string(queue.Working)).Dec()
		return
	}
	if st.Kind == filter.DelegationResult {
		if err := s.queue.Delegate(queue.Working, c, nil, string(filter.StagePostQ), st.Directive); err != nil {
			s.log.Error("working: delegate failed", err, "uuid", uuid)
			return
		}
		metrics.QueueLength.WithLabelValues(string(queue.Working)).Dec()
		metrics.QueueLength.WithLabelValues(string(queue.Delegated)).Inc()
		return
	}
	if st.Kind == filter.Quarantine && st.Queue != "" {
		// Quarantine is modeled as a move to a named holding queue under
		// dead/ so the CLI's existing inspection commands can surface it.
		if err := s.queue.WriteCtx(queue.Dead, c); err != nil {
			s.log.Error("working: quarantine write failed", err, "uuid", uuid)
			return
		}
		if err := s.queue.RemoveBoth(queue.Working, uuid); err != nil && err != queue.ErrOrphan {
			s.log.Error("working: quarantine cleanup failed", err, "uuid", uuid)
		}
		metrics.QueueLength.WithLabelValues(string(queue.Working)).Dec()
		metrics.QueueLength.WithLabelValues(string(queue.Dead)).Inc()
		return
	}

	if err := s.queue.MoveTo(queue.Working, queue.Deliver, uuid); err != nil {
		s.log.Error("working: move to deliver failed", err, "uuid", uuid)
		return
	}
	metrics.QueueLength.WithLabelValues(string(queue.Working)).Dec()
	metrics.QueueLength.WithLabelValues(string(queue.Deliver)).Inc()

	select {
	case s.deliveryC <- uuid:
	case <-ctx.Done():
	}
}

func (s *Scheduler) deliveryLoop(ctx context.Context) {
	defer s.deliveryWg.Done()
	for uuid := range s.deliveryC {
		s.processDelivery(ctx, uuid)
	}
}

func (s *Scheduler) processDelivery(ctx context.Context, uuid string) {
	c, err := s.queue.GetCtx(queue.Deliver, uuid)
	if err != nil {
		s.log.Error("delivery: load failed", err, "uuid", uuid)
		return
	}

	st, err := s.filter.Dispatch(filter.StageDelivery, c, c.From.Domain, false, nil, "")
	if err != nil {
		s.log.Error("delivery: rules failed", err, "uuid", uuid)
		return
	}
	if st.Kind == filter.Deny {
		if err := s.queue.RemoveBoth(queue.Deliver, uuid); err != nil {
			s.log.Error("delivery: cleanup after deny failed", err, "uuid", uuid)
			return
		}
		metrics.QueueLength.WithLabelValues(string(queue.Deliver)).Dec()
		return
	}
	if st.Kind == filter.DelegationResult {
		if err := s.queue.Delegate(queue.Deliver, c, nil, string(filter.StageDelivery), st.Directive); err != nil {
			s.log.Error("delivery: delegate failed", err, "uuid", uuid)
			return
		}
		metrics.QueueLength.WithLabelValues(string(queue.Deliver)).Dec()
		metrics.QueueLength.WithLabelValues(string(queue.Delegated)).Inc()
		return
	}

	if err := s.deliv.Attempt(ctx, c); err != nil {
		s.log.Error("delivery: transport attempt errored", err, "uuid", uuid)
	}

	switch {
	case c.AllSent():
		if err := s.queue.RemoveBoth(queue.Deliver, uuid); err != nil {
			s.log.Error("delivery: cleanup after success failed", err, "uuid", uuid)
			return
		}
		metrics.QueueLength.WithLabelValues(string(queue.Deliver)).Dec()
	case c.AllTerminal():
		if err := s.queue.WriteCtx(queue.Deliver, c); err != nil {
			s.log.Error("delivery: ctx rewrite failed", err, "uuid", uuid)
			return
		}
		if err := s.queue.MoveTo(queue.Deliver, queue.Dead, uuid); err != nil {
			s.log.Error("delivery: move to dead failed", err, "uuid", uuid)
			return
		}
		metrics.QueueLength.WithLabelValues(string(queue.Deliver)).Dec()
		metrics.QueueLength.WithLabelValues(string(queue.Dead)).Inc()
	default:
		if err := s.queue.WriteCtx(queue.Deliver, c); err != nil {
			s.log.Error("delivery: ctx rewrite failed", err, "uuid", uuid)
			return
		}
		if err := s.queue.MoveTo(queue.Deliver, queue.Deferred, uuid); err != nil {
			s.log.Error("delivery: move to deferred failed", err, "uuid", uuid)
			return
		}
		metrics.QueueLength.WithLabelValues(string(queue.Deliver)).Dec()
		metrics.QueueLength.WithLabelValues(string(queue.Deferred)).Inc()
	}
}
