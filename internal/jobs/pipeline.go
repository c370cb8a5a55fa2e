// Package jobs implements the background job pipeline (spec C5): a
// DB-polling worker pool with lease-based at-most-one execution,
// class-specific retry/backoff, and dead-lettering once a job exhausts its
// attempts. The poll loop and lease reaper are both gocron jobs, the same
// singleton-mode ticking pattern the rest of this codebase uses for
// recurring background work.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blacklake-io/blacklake/internal/db"
	"github.com/blacklake-io/blacklake/internal/repository"
)

// Pipeline owns the worker pool that drains internal/repository's Job
// queue. Register one Handler per Class before calling Start.
type Pipeline struct {
	cron     gocron.Scheduler
	jobs     repository.JobRepository
	handlers map[Class]Handler
	owner    string
	workers  int
	pollTick time.Duration
	logger   *zap.Logger
}

// New creates a Pipeline. owner is this process's worker identity, recorded
// on acquired jobs so ReapExpiredLeases can tell abandoned leases apart from
// ones still actively held. workers sizes the fixed worker-slot pool (each
// slot is one gocron tick attempting one conditional acquire per tick);
// workers <= 0 defaults to runtime.NumCPU().
func New(jobRepo repository.JobRepository, owner string, workers int, logger *zap.Logger) (*Pipeline, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("jobs: create scheduler: %w", err)
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Pipeline{
		cron:     cron,
		jobs:     jobRepo,
		handlers: make(map[Class]Handler),
		owner:    owner,
		workers:  workers,
		pollTick: time.Second,
		logger:   logger.Named("jobs"),
	}, nil
}

// RegisterHandler binds a Handler to a Class. Call before Start.
func (p *Pipeline) RegisterHandler(class Class, handler Handler) {
	p.handlers[class] = handler
}

// Enqueue creates a job, or returns the existing job's id unchanged if one
// already exists with the same (class, idempotencyKey) pair — enqueuing
// the same job twice with the same idempotency key produces at most one
// succeeded terminal state (spec §8).
func (p *Pipeline) Enqueue(ctx context.Context, class Class, repoID uuid.UUID, payload any, idempotencyKey string) (uuid.UUID, error) {
	if idempotencyKey != "" {
		existing, err := p.jobs.GetByTypeAndIdempotencyKey(ctx, string(class), idempotencyKey)
		if err == nil {
			return existing.ID, nil
		}
		if err != repository.ErrNotFound {
			return uuid.Nil, fmt.Errorf("jobs: enqueue: check existing: %w", err)
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("jobs: enqueue: marshal payload: %w", err)
	}

	spec, ok := Specs[class]
	if !ok {
		return uuid.Nil, fmt.Errorf("jobs: enqueue: unknown class %q", class)
	}

	job := &db.Job{
		Type:           string(class),
		RepoID:         repoID,
		Payload:        string(body),
		State:          "pending",
		MaxAttempts:    spec.MaxAttempts,
		NextAttemptAt:  time.Now().UTC(),
		IdempotencyKey: idempotencyKey,
	}
	if err := p.jobs.Create(ctx, job); err != nil {
		return uuid.Nil, fmt.Errorf("jobs: enqueue: create: %w", err)
	}
	return job.ID, nil
}

// Start registers one poll tick per worker slot plus the lease reaper tick,
// then starts the underlying scheduler. Call once after all handlers are
// registered.
func (p *Pipeline) Start(ctx context.Context) error {
	for i := 0; i < p.workers; i++ {
		if _, err := p.cron.NewJob(
			gocron.DurationJob(p.pollTick),
			gocron.NewTask(func() { p.pollOnce(ctx) }),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			return fmt.Errorf("jobs: schedule poll tick: %w", err)
		}
	}

	if _, err := p.cron.NewJob(
		gocron.DurationJob(30*time.Second),
		gocron.NewTask(func() { p.reapOnce(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("jobs: schedule lease reaper: %w", err)
	}

	p.cron.Start()
	p.logger.Info("job pipeline started", zap.String("owner", p.owner))
	return nil
}

// Stop gracefully shuts down the scheduler, waiting for in-flight ticks.
func (p *Pipeline) Stop() error {
	if err := p.cron.Shutdown(); err != nil {
		return fmt.Errorf("jobs: shutdown: %w", err)
	}
	p.logger.Info("job pipeline stopped")
	return nil
}

// pollOnce acquires and runs at most one due job. Singleton mode on each
// worker slot's gocron tick ensures at most one pollOnce per slot is in
// flight, but AcquireNext's conditional update is what actually enforces
// at-most-one-worker-per-job across the whole fleet.
func (p *Pipeline) pollOnce(ctx context.Context) {
	classes := make([]string, 0, len(p.handlers))
	for class := range p.handlers {
		classes = append(classes, string(class))
	}
	if len(classes) == 0 {
		return
	}

	job, err := p.jobs.AcquireNext(ctx, p.owner, leaseDurationFor(p.handlers), classes)
	if err != nil {
		if err != repository.ErrNotFound {
			p.logger.Error("acquire next job failed", zap.Error(err))
		}
		return
	}

	p.run(ctx, job)
}

func (p *Pipeline) run(ctx context.Context, job *db.Job) {
	class := Class(job.Type)
	handler, ok := p.handlers[class]
	if !ok {
		p.logger.Error("no handler registered for job class", zap.String("type", job.Type))
		return
	}

	spec := Specs[class]
	runCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	result := handler.Handle(runCtx, job.IdempotencyKey, []byte(job.Payload))

	switch result.Outcome {
	case OutcomeSucceeded:
		if err := p.jobs.Complete(ctx, job.ID); err != nil {
			p.logger.Error("mark job succeeded failed", zap.String("job_id", job.ID.String()), zap.Error(err))
		}
	case OutcomePermanent:
		p.deadLetter(ctx, job, result.Err)
	case OutcomeRetryable:
		if job.Attempts >= job.MaxAttempts {
			p.deadLetter(ctx, job, result.Err)
			return
		}
		next := time.Now().UTC().Add(spec.RetryDelay(job.Attempts))
		errMsg := ""
		if result.Err != nil {
			errMsg = result.Err.Error()
		}
		if err := p.jobs.Fail(ctx, job.ID, errMsg, &next); err != nil {
			p.logger.Error("reschedule retryable job failed", zap.String("job_id", job.ID.String()), zap.Error(err))
		}
	}
}

func (p *Pipeline) deadLetter(ctx context.Context, job *db.Job, cause error) {
	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}
	if err := p.jobs.Fail(ctx, job.ID, errMsg, nil); err != nil {
		p.logger.Error("mark job failed (dead-letter path) failed", zap.String("job_id", job.ID.String()), zap.Error(err))
	}
	if err := p.jobs.CreateDeadLetter(ctx, &db.DeadLetterJob{
		OriginalJobID: job.ID,
		Type:          job.Type,
		RepoID:        job.RepoID,
		Payload:       job.Payload,
		Error:         errMsg,
		Attempts:      job.Attempts,
	}); err != nil {
		p.logger.Error("create dead letter record failed", zap.String("job_id", job.ID.String()), zap.Error(err))
	}
	p.logger.Warn("job dead-lettered", zap.String("job_id", job.ID.String()), zap.String("type", job.Type))
}

func (p *Pipeline) reapOnce(ctx context.Context) {
	n, err := p.jobs.ReapExpiredLeases(ctx)
	if err != nil {
		p.logger.Error("reap expired leases failed", zap.Error(err))
		return
	}
	if n > 0 {
		p.logger.Warn("reaped abandoned job leases", zap.Int64("count", n))
	}
}

// leaseDurationFor picks the widest class timeout among registered
// handlers, since AcquireNext's lease covers whichever class it happens to
// acquire and the exact class isn't known until after the claim succeeds.
func leaseDurationFor(handlers map[Class]Handler) time.Duration {
	max := 60 * time.Second
	for class := range handlers {
		if spec, ok := Specs[class]; ok && spec.Timeout > max {
			max = spec.Timeout
		}
	}
	return max
}
