// Package deferred implements the periodic retry sweep over deferred/ (C8):
// a single timer task that re-attempts delivery for messages the delivery
// pool could not fully place, capping attempts at a configured retry count.
package deferred

import (
	"context"
	"sync"
	"time"

	"github.com/vmta/coremta/framework/log"
	"github.com/vmta/coremta/internal/mailctx"
	"github.com/vmta/coremta/internal/metrics"
	"github.com/vmta/coremta/internal/queue"
)

// Deliverer is the subset of the delivery engine (C7) the loop invokes,
// mirrored from internal/scheduler.Deliverer so this package does not
// depend on scheduler.
type Deliverer interface {
	Attempt(ctx context.Context, c *mailctx.Ctx) error
}

// Config controls the tick period, per-entry retry cap, and how many
// deferred entries may be retried concurrently.
type Config struct {
	TickPeriod time.Duration
	RetryMax   int
	Workers    int
}

// Loop owns the ticker and the set of UUIDs currently being retried, so a
// UUID is never worked by two ticks at once while unrelated UUIDs proceed
// in parallel up to cfg.Workers.
type Loop struct {
	cfg   Config
	queue *queue.Manager
	deliv Deliverer
	log   log.Logger

	sem chan struct{}

	mu       sync.Mutex
	inflight map[string]struct{}

	wg     sync.WaitGroup
	stopCh chan struct{}
}

func New(cfg Config, qm *queue.Manager, deliv Deliverer) *Loop {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Loop{
		cfg:      cfg,
		queue:    qm,
		deliv:    deliv,
		log:      log.Logger{Name: "deferred", Debug: log.DefaultLogger.Debug},
		sem:      make(chan struct{}, cfg.Workers),
		inflight: make(map[string]struct{}),
		stopCh:   make(chan struct{}),
	}
}

// Start runs the tick loop until ctx is done or Stop is called.
func (l *Loop) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.cfg.TickPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.sweep(ctx)
			case <-ctx.Done():
				return
			case <-l.stopCh:
				return
			}
		}
	}()
}

// Stop ends the tick loop and waits for in-flight retries to finish.
func (l *Loop) Stop() {
	close(l.stopCh)
	l.wg.Wait()
}

func (l *Loop) sweep(ctx context.Context) {
	uuids, err := l.queue.List(queue.Deferred)
	if err != nil {
		l.log.Error("deferred: list failed", err)
		return
	}

	for _, uuid := range uuids {
		if !l.claim(uuid) {
			continue
		}

		l.wg.Add(1)
		l.sem <- struct{}{}
		go func(uuid string) {
			defer l.wg.Done()
			defer func() { <-l.sem; l.release(uuid) }()
			l.retryOne(ctx, uuid)
		}(uuid)
	}
}

func (l *Loop) claim(uuid string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.inflight[uuid]; busy {
		return false
	}
	l.inflight[uuid] = struct{}{}
	return true
}

func (l *Loop) release(uuid string) {
	l.mu.Lock()
	delete(l.inflight, uuid)
	l.mu.Unlock()
}

func (l *Loop) retryOne(ctx context.Context, uuid string) {
	c, err := l.queue.GetCtx(queue.Deferred, uuid)
	if err != nil {
		l.log.Error("deferred: load failed", err, "uuid", uuid)
		return
	}

	if c.RetryCount >= l.cfg.RetryMax {
		l.log.Msg("MaxRetryExceeded", "uuid", uuid, "retry_count", c.RetryCount)
		if err := l.queue.MoveTo(queue.Deferred, queue.Dead, uuid); err != nil {
			l.log.Error("deferred: move to dead failed", err, "uuid", uuid)
			return
		}
		metrics.QueueLength.WithLabelValues(string(queue.Deferred)).Dec()
		metrics.QueueLength.WithLabelValues(string(queue.Dead)).Inc()
		return
	}

	if err := l.deliv.Attempt(ctx, c); err != nil {
		l.log.Error("deferred: transport attempt errored", err, "uuid", uuid)
	}

	switch {
	case c.AllSent():
		if err := l.queue.RemoveBoth(queue.Deferred, uuid); err != nil {
			l.log.Error("deferred: cleanup after success failed", err, "uuid", uuid)
			return
		}
		metrics.QueueLength.WithLabelValues(string(queue.Deferred)).Dec()
	case c.AllTerminal():
		if err := l.queue.WriteCtx(queue.Deferred, c); err != nil {
			l.log.Error("deferred: ctx rewrite failed", err, "uuid", uuid)
			return
		}
		if err := l.queue.MoveTo(queue.Deferred, queue.Dead, uuid); err != nil {
			l.log.Error("deferred: move to dead failed", err, "uuid", uuid)
			return
		}
		metrics.QueueLength.WithLabelValues(string(queue.Deferred)).Dec()
		metrics.QueueLength.WithLabelValues(string(queue.Dead)).Inc()
	default:
		c.RetryCount++
		c.LastTry = time.Now()
		if err := l.queue.WriteCtx(queue.Deferred, c); err != nil {
			l.log.Error("deferred: ctx rewrite failed", err, "uuid", uuid)
		}
	}
}
