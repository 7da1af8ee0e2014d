// Package worker consumes the dispatch queue: it claims due jobs, runs
// the firing pipeline, returns expired leases, and periodically repairs
// requests that lost their queue entry.
package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/getrevio/revio/internal/db"
	"github.com/getrevio/revio/internal/metrics"
	"github.com/getrevio/revio/internal/queue"
)

// Queue is the dispatch queue surface the worker needs.
type Queue interface {
	Claim(ctx context.Context, now time.Time) (*queue.Job, error)
	Ack(ctx context.Context, id uuid.UUID) error
	ReapExpired(ctx context.Context, now time.Time) (int, error)
	Tracked(ctx context.Context, id uuid.UUID) (bool, error)
	Enqueue(ctx context.Context, id uuid.UUID, fireAt time.Time, priority queue.Priority) error
	Depth(ctx context.Context) (int64, error)
}

// Dispatcher runs the firing pipeline for a claimed job.
type Dispatcher interface {
	Fire(ctx context.Context, requestID uuid.UUID) error
	Fail(ctx context.Context, requestID uuid.UUID, reason string) error
}

// Repository is the storage surface of the reconciliation sweep.
type Repository interface {
	ListDueQueued(ctx context.Context, now time.Time, limit int) ([]*db.ReviewRequest, error)
}

// Config holds worker tuning knobs.
type Config struct {
	PollInterval      time.Duration
	ReconcileSchedule string
	ReconcileBatch    int
}

// Worker is the single-consumer dispatch loop. One claim is processed
// at a time; horizontal scale comes from running more worker processes,
// each serialized against the others by the atomic claim.
type Worker struct {
	queue      Queue
	dispatcher Dispatcher
	repo       Repository
	config     Config
	logger     *zap.Logger
}

// New creates a worker.
func New(q Queue, dispatcher Dispatcher, repo Repository, cfg Config, logger *zap.Logger) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ReconcileSchedule == "" {
		cfg.ReconcileSchedule = "@every 1m"
	}
	if cfg.ReconcileBatch == 0 {
		cfg.ReconcileBatch = 100
	}

	return &Worker{
		queue:      q,
		dispatcher: dispatcher,
		repo:       repo,
		config:     cfg,
		logger:     logger,
	}
}

// Start runs the claim loop and the reconciliation schedule until the
// context is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(w.config.ReconcileSchedule, func() {
		w.ReconcileStuck(ctx)
	})
	if err != nil {
		return err
	}
	c.Start()
	defer c.Stop()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.logger.Info("worker started",
		zap.Duration("poll_interval", w.config.PollInterval),
		zap.String("reconcile_schedule", w.config.ReconcileSchedule),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return nil
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick runs one poll cycle: return expired leases, then drain every
// currently due job.
func (w *Worker) tick(ctx context.Context) {
	now := time.Now()

	reaped, err := w.queue.ReapExpired(ctx, now)
	if err != nil {
		w.logger.Error("failed to reap expired leases", zap.Error(err))
	} else if reaped > 0 {
		w.logger.Warn("redelivered jobs with expired leases", zap.Int("count", reaped))
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.Claim(ctx, time.Now())
		if err != nil {
			w.logger.Error("failed to claim dispatch job", zap.Error(err))
			return
		}
		if job == nil {
			break
		}
		w.processJob(ctx, job)
	}

	if depth, err := w.queue.Depth(ctx); err == nil {
		metrics.SetDispatchQueueDepth(depth)
	}
}

// processJob runs the firing pipeline for one claimed job. A failed
// firing leaves the job inflight so the lease reaper redelivers it;
// the per-job delivery cap turns a persistent failure into a terminal
// request instead of a loop.
func (w *Worker) processJob(ctx context.Context, job *queue.Job) {
	if job.Exhausted {
		w.logger.Error("dispatch job exhausted its delivery cap",
			zap.String("request_id", job.RequestID.String()),
			zap.Int("attempt", job.Attempt),
		)
		if err := w.dispatcher.Fail(ctx, job.RequestID, "dispatch attempts exhausted"); err != nil {
			w.logger.Error("failed to terminalize exhausted request",
				zap.Error(err),
				zap.String("request_id", job.RequestID.String()),
			)
			return
		}
		w.ack(ctx, job.RequestID)
		return
	}

	if err := w.dispatcher.Fire(ctx, job.RequestID); err != nil {
		w.logger.Error("firing failed, leaving job for lease redelivery",
			zap.Error(err),
			zap.String("request_id", job.RequestID.String()),
			zap.Int("attempt", job.Attempt),
		)
		return
	}

	w.ack(ctx, job.RequestID)
}

func (w *Worker) ack(ctx context.Context, id uuid.UUID) {
	if err := w.queue.Ack(ctx, id); err != nil {
		// The queued-only guard absorbs the eventual redelivery
		w.logger.Warn("failed to ack dispatch job",
			zap.Error(err),
			zap.String("request_id", id.String()),
		)
	}
}

// ReconcileStuck re-enqueues queued requests whose scheduled time has
// passed but which have no pending job, repairing a crash between the
// storage write and the enqueue. Safe to run repeatedly.
func (w *Worker) ReconcileStuck(ctx context.Context) {
	now := time.Now()

	due, err := w.repo.ListDueQueued(ctx, now, w.config.ReconcileBatch)
	if err != nil {
		w.logger.Error("reconcile: failed to list due requests", zap.Error(err))
		return
	}

	repaired := 0
	for _, req := range due {
		// Tracked covers the inflight set too, so a job that is being
		// fired right now keeps its lease instead of being replaced.
		tracked, err := w.queue.Tracked(ctx, req.ID)
		if err != nil {
			w.logger.Error("reconcile: failed to check pending job",
				zap.Error(err),
				zap.String("request_id", req.ID.String()),
			)
			continue
		}
		if tracked {
			continue
		}

		if err := w.queue.Enqueue(ctx, req.ID, now, queue.PriorityNormal); err != nil {
			w.logger.Error("reconcile: failed to re-enqueue request",
				zap.Error(err),
				zap.String("request_id", req.ID.String()),
			)
			continue
		}
		repaired++
	}

	if repaired > 0 {
		w.logger.Warn("reconcile: re-enqueued stuck requests", zap.Int("count", repaired))
	}
}
