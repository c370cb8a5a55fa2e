package repository_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm/logger"

	"github.com/blacklake-io/blacklake/internal/db"
	"github.com/blacklake-io/blacklake/internal/repository"
)

func newTestJobRepo(t *testing.T) repository.JobRepository {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	gdb, err := db.New(db.Config{Driver: "sqlite", DSN: dsn, Logger: zap.NewNop(), LogLevel: logger.Silent})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	return repository.NewJobRepository(gdb)
}

func acquireJob(ctx context.Context, t *testing.T, repo repository.JobRepository, id uuid.UUID) {
	t.Helper()
	job, err := repo.AcquireNext(ctx, "worker-1", time.Minute, nil)
	if err != nil {
		t.Fatalf("acquire next: %v", err)
	}
	if job.ID != id {
		t.Fatalf("acquired wrong job: got %s, want %s", job.ID, id)
	}
}

func TestReapExpiredLeasesResetsToPendingBelowThreshold(t *testing.T) {
	repo := newTestJobRepo(t)
	ctx := context.Background()

	job := &db.Job{Type: "index_entry", RepoID: uuid.New(), State: "pending", MaxAttempts: 5, NextAttemptAt: time.Now().UTC()}
	if err := repo.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 2; i++ {
		acquireJob(ctx, t, repo, job.ID)

		// force the lease into the past so the reaper picks it up.
		if err := repo.ExtendLease(ctx, job.ID, "worker-1", -time.Minute); err != nil {
			t.Fatalf("extend lease into the past (round %d): %v", i, err)
		}

		n, err := repo.ReapExpiredLeases(ctx)
		if err != nil {
			t.Fatalf("reap (round %d): %v", i, err)
		}
		if n != 1 {
			t.Fatalf("reap (round %d): expected 1 row reaped, got %d", i, n)
		}

		got, err := repo.GetByID(ctx, job.ID)
		if err != nil {
			t.Fatalf("get by id (round %d): %v", i, err)
		}
		if got.State != "pending" {
			t.Fatalf("round %d: expected state pending, got %q", i, got.State)
		}
		if got.LeaseExpirations != i+1 {
			t.Fatalf("round %d: expected lease_expirations %d, got %d", i, i+1, got.LeaseExpirations)
		}
	}

	_, total, err := repo.ListDeadLetters(ctx, repository.ListOptions{})
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected no dead letters below the threshold, got %d", total)
	}
}

func TestReapExpiredLeasesDeadLettersOnThirdExpiration(t *testing.T) {
	repo := newTestJobRepo(t)
	ctx := context.Background()

	job := &db.Job{Type: "sampling", RepoID: uuid.New(), State: "pending", MaxAttempts: 10, NextAttemptAt: time.Now().UTC()}
	if err := repo.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 3; i++ {
		acquireJob(ctx, t, repo, job.ID)
		if err := repo.ExtendLease(ctx, job.ID, "worker-1", -time.Minute); err != nil {
			t.Fatalf("extend lease into the past (round %d): %v", i, err)
		}
		if _, err := repo.ReapExpiredLeases(ctx); err != nil {
			t.Fatalf("reap (round %d): %v", i, err)
		}
	}

	got, err := repo.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.State != "failed" {
		t.Fatalf("expected job dead-lettered to state failed, got %q", got.State)
	}
	if got.LeaseExpirations != 3 {
		t.Fatalf("expected lease_expirations 3, got %d", got.LeaseExpirations)
	}

	_, total, err := repo.ListDeadLetters(ctx, repository.ListOptions{})
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected exactly one dead letter, got %d", total)
	}
}
