package jobs

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

func TestEnqueueDeduplicatesByIdempotencyKey(t *testing.T) {
	repo := newTestJobRepo(t)
	p, err := New(repo, "worker-1", 1, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	repoID := uuid.New()
	id1, err := p.Enqueue(context.Background(), ClassIndexEntry, repoID, map[string]string{"path": "a.txt"}, "commit-1:a.txt")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	id2, err := p.Enqueue(context.Background(), ClassIndexEntry, repoID, map[string]string{"path": "a.txt"}, "commit-1:a.txt")
	if err != nil {
		t.Fatalf("enqueue again: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected duplicate enqueue to return same job id, got %s and %s", id1, id2)
	}

	_, total, err := repo.List(context.Background(), repository.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected exactly one job row, got %d", total)
	}
}

func TestRunSucceededMarksJobComplete(t *testing.T) {
	repo := newTestJobRepo(t)
	p, err := New(repo, "worker-1", 1, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.RegisterHandler(ClassSampling, HandlerFunc(func(ctx context.Context, idempotencyKey string, payload []byte) Result {
		return Succeeded()
	}))

	ctx := context.Background()
	id, err := p.Enqueue(ctx, ClassSampling, uuid.New(), map[string]string{"digest": "abc"}, "abc")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, err := repo.AcquireNext(ctx, "worker-1", time.Minute, []string{string(ClassSampling)})
	if err != nil {
		t.Fatalf("acquire next: %v", err)
	}
	p.run(ctx, job)

	got, err := repo.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.State != "succeeded" {
		t.Fatalf("expected state succeeded, got %q", got.State)
	}
}

func TestRunRetryableReschedulesUntilExhaustedThenDeadLetters(t *testing.T) {
	repo := newTestJobRepo(t)
	p, err := New(repo, "worker-1", 1, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.RegisterHandler(ClassRDFEmit, HandlerFunc(func(ctx context.Context, idempotencyKey string, payload []byte) Result {
		return Retryable(fmt.Errorf("transient failure"))
	}))

	ctx := context.Background()
	id, err := p.Enqueue(ctx, ClassRDFEmit, uuid.New(), map[string]string{"path": "b.txt"}, "commit-2:b.txt")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// ClassRDFEmit allows 3 attempts; drive it through all of them.
	for i := 0; i < Specs[ClassRDFEmit].MaxAttempts; i++ {
		job, err := repo.AcquireNext(ctx, "worker-1", time.Minute, []string{string(ClassRDFEmit)})
		if err != nil {
			t.Fatalf("acquire next (attempt %d): %v", i+1, err)
		}
		p.run(ctx, job)

		got, err := repo.GetByID(ctx, id)
		if err != nil {
			t.Fatalf("get by id: %v", err)
		}
		if i < Specs[ClassRDFEmit].MaxAttempts-1 {
			if got.State != "pending" {
				t.Fatalf("attempt %d: expected state pending for retry, got %q", i+1, got.State)
			}
			// force the job due again immediately so the next AcquireNext can claim it.
			if err := repo.Fail(ctx, id, got.Error, ptrTime(time.Now().UTC().Add(-time.Second))); err != nil {
				t.Fatalf("force due: %v", err)
			}
		} else {
			if got.State != "failed" {
				t.Fatalf("final attempt: expected state failed (dead-lettered), got %q", got.State)
			}
		}
	}

	_, total, err := repo.ListDeadLetters(ctx, repository.ListOptions{})
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected one dead letter record, got %d", total)
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
