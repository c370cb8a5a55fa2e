// Package retention implements the background reclamation sweeper (spec
// C7): a single gocron job, ticking on a configurable interval, that walks
// retention-eligible repos and applies spec §4.7's two-step
// tombstone-then-hard-delete process. Unlike internal/jobs's per-entry job
// classes, a sweep's unit of work is a batch scan, not a keyed,
// idempotency-tracked job row — there is nothing here for a second worker
// to race to acquire, so it runs as its own ticking component instead of a
// C5 job class.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blacklake-io/blacklake/internal/metrics"
	"github.com/blacklake-io/blacklake/internal/objectstore"
	"github.com/blacklake-io/blacklake/internal/repository"
)

// batchSize bounds how many entries one repo's sweep pass loads per step,
// so a repo with a huge backlog doesn't hold the sweeper's single tick open
// indefinitely.
const batchSize = 500

// ObjectStore is the subset of internal/objectstore.Store the sweeper needs.
type ObjectStore interface {
	Delete(ctx context.Context, key string) error
}

// Sweeper runs the periodic retention pass.
type Sweeper struct {
	cron    gocron.Scheduler
	repos   repository.RepoRepository
	entries repository.EntryRepository
	blobs   repository.BlobRefRepository
	store   ObjectStore
	tick    time.Duration
	logger  *zap.Logger
}

// New builds a Sweeper. tick <= 0 defaults to one hour, spec §4.7's default.
func New(repos repository.RepoRepository, entries repository.EntryRepository, blobs repository.BlobRefRepository, store ObjectStore, tick time.Duration, logger *zap.Logger) (*Sweeper, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("retention: create scheduler: %w", err)
	}
	if tick <= 0 {
		tick = time.Hour
	}
	return &Sweeper{
		cron:    cron,
		repos:   repos,
		entries: entries,
		blobs:   blobs,
		store:   store,
		tick:    tick,
		logger:  logger.Named("retention"),
	}, nil
}

// Start schedules the sweep tick and starts the underlying scheduler.
func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := s.cron.NewJob(
		gocron.DurationJob(s.tick),
		gocron.NewTask(func() { s.sweepOnce(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("retention: schedule sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("retention sweeper started", zap.Duration("tick", s.tick))
	return nil
}

// Stop gracefully shuts down the scheduler, waiting for an in-flight sweep.
func (s *Sweeper) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("retention: shutdown: %w", err)
	}
	s.logger.Info("retention sweeper stopped")
	return nil
}

// SweepOnce runs one pass over every retention-eligible repo. Exported so
// an operator-triggered manual run (or a test) doesn't have to wait for the
// tick.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	s.sweepOnce(ctx)
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	repos, err := s.repos.ListRetentionEligible(ctx)
	if err != nil {
		s.logger.Error("list retention eligible repos failed", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	for _, repo := range repos {
		s.tombstonePass(ctx, repo.ID, now.Add(-time.Duration(repo.TombstoneDays)*24*time.Hour))
		s.hardDeletePass(ctx, repo.ID, now.Add(-time.Duration(repo.HardDeleteDays)*24*time.Hour))
	}
}

// tombstonePass implements spec §4.7 step 1: entries whose owning commit
// predates the repo's tombstone window are hidden from reads but keep their
// row (still present for C2 bookkeeping, audit, and a possible legal hold
// reversal before hard delete).
func (s *Sweeper) tombstonePass(ctx context.Context, repoID uuid.UUID, cutoff time.Time) {
	entries, err := s.entries.ListTombstoneEligible(ctx, repoID, cutoff.Unix(), batchSize)
	if err != nil {
		s.logger.Error("list tombstone eligible entries failed", zap.String("repo_id", repoID.String()), zap.Error(err))
		return
	}
	if len(entries) == 0 {
		return
	}

	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if err := s.entries.MarkTombstoned(ctx, ids); err != nil {
		s.logger.Error("mark tombstoned failed", zap.String("repo_id", repoID.String()), zap.Error(err))
		return
	}
	s.logger.Info("tombstoned entries", zap.String("repo_id", repoID.String()), zap.Int("count", len(ids)))
}

// hardDeletePass implements spec §4.7 step 2: already-tombstoned entries
// past the repo's hard-delete window are removed outright, and any blob
// that drops to zero references is removed from the object store too.
func (s *Sweeper) hardDeletePass(ctx context.Context, repoID uuid.UUID, cutoff time.Time) {
	entries, err := s.entries.ListHardDeleteEligible(ctx, repoID, cutoff.Unix(), batchSize)
	if err != nil {
		s.logger.Error("list hard delete eligible entries failed", zap.String("repo_id", repoID.String()), zap.Error(err))
		return
	}
	if len(entries) == 0 {
		return
	}

	ids := make([]uuid.UUID, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
		if e.BlobDigest == "" {
			continue
		}
		ref, err := s.blobs.Decrement(ctx, e.BlobDigest)
		if err != nil {
			s.logger.Error("decrement blob ref failed", zap.String("digest", e.BlobDigest), zap.Error(err))
			continue
		}
		if ref.RefCount > 0 {
			continue
		}
		if err := s.store.Delete(ctx, objectstore.BlobKey(e.BlobDigest)); err != nil {
			s.logger.Error("delete blob from object store failed", zap.String("digest", e.BlobDigest), zap.Error(err))
			continue
		}
		if err := s.blobs.Delete(ctx, e.BlobDigest); err != nil {
			s.logger.Error("delete blob ref row failed", zap.String("digest", e.BlobDigest), zap.Error(err))
			continue
		}
		metrics.RetentionBlobsDeleted.Inc()
	}

	if err := s.entries.DeleteBatch(ctx, ids); err != nil {
		s.logger.Error("hard delete entries failed", zap.String("repo_id", repoID.String()), zap.Error(err))
		return
	}
	s.logger.Info("hard deleted entries", zap.String("repo_id", repoID.String()), zap.Int("count", len(ids)))
}
