// Package outbox delivers side effects recorded by committed transactions:
// receipts and admin notifications. Failures here never touch purchases or
// the credit ledger.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/digkill/promptor/internal/metrics"
	"github.com/digkill/promptor/internal/models"
	"github.com/digkill/promptor/internal/repository"
)

const (
	baseBackoff = 5 * time.Second
	maxBackoff  = time.Hour
)

// Handler performs one task. Returning an error schedules a retry unless the
// error is wrapped with Permanent.
type Handler func(ctx context.Context, task models.OutboxTask) error

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func isPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Backoff is the delay before retry number attempt (1-based).
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := baseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

type Options struct {
	PollInterval time.Duration
	MaxAttempts  int
	Concurrency  int
	BatchSize    int
	// Lease is how long a claimed task stays invisible to other workers.
	Lease time.Duration
}

type Worker struct {
	repo     *repository.OutboxRepository
	handlers map[string]Handler
	opts     Options
	log      *slog.Logger
	now      func() time.Time
}

func NewWorker(repo *repository.OutboxRepository, opts Options, log *slog.Logger) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Lease <= 0 {
		opts.Lease = 2 * time.Minute
	}
	return &Worker{
		repo:     repo,
		handlers: map[string]Handler{},
		opts:     opts,
		log:      log,
		now:      time.Now,
	}
}

func (w *Worker) Handle(kind string, h Handler) {
	w.handlers[kind] = h
}

// Run polls for due tasks until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("outbox worker started", "interval", w.opts.PollInterval, "concurrency", w.opts.Concurrency)
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.log.Error("outbox poll", "err", err)
		}
		select {
		case <-ctx.Done():
			w.log.Info("outbox worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce processes the tasks due now and reports how many it claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	tasks, err := w.repo.Due(ctx, w.now().UTC(), w.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	claimed := make([]bool, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.Concurrency)
	for i, task := range tasks {
		g.Go(func() error {
			ok, err := w.process(gctx, task)
			claimed[i] = ok
			return err
		})
	}
	err = g.Wait()

	n := 0
	for _, ok := range claimed {
		if ok {
			n++
		}
	}
	return n, err
}

// process returns an error only for store failures; handler failures are
// recorded on the task.
func (w *Worker) process(ctx context.Context, task models.OutboxTask) (bool, error) {
	now := w.now().UTC()
	ok, err := w.repo.Claim(ctx, task.ID, task.Attempts, now.Add(w.opts.Lease), now)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	attempt := task.Attempts + 1
	log := w.log.With("task_id", task.ID, "kind", task.Kind, "attempt", attempt)

	h, found := w.handlers[task.Kind]
	if !found {
		log.Error("outbox task has no handler")
		metrics.OutboxTasksTotal.WithLabelValues(task.Kind, "dead").Inc()
		return true, w.repo.MarkDead(ctx, task.ID, "no handler registered", w.now().UTC())
	}

	herr := h(ctx, task)
	done := w.now().UTC()
	switch {
	case herr == nil:
		metrics.OutboxTasksTotal.WithLabelValues(task.Kind, "done").Inc()
		return true, w.repo.MarkDone(ctx, task.ID, done)
	case isPermanent(herr) || attempt >= w.opts.MaxAttempts:
		log.Error("outbox task dead", "err", herr)
		metrics.OutboxTasksTotal.WithLabelValues(task.Kind, "dead").Inc()
		return true, w.repo.MarkDead(ctx, task.ID, herr.Error(), done)
	default:
		next := done.Add(Backoff(attempt))
		log.Warn("outbox task failed, retrying", "err", herr, "next_attempt_at", next)
		metrics.OutboxTasksTotal.WithLabelValues(task.Kind, "retry").Inc()
		if err := w.repo.Reschedule(ctx, task.ID, next, herr.Error(), done); err != nil {
			return true, fmt.Errorf("reschedule %s: %w", task.ID, err)
		}
		return true, nil
	}
}
