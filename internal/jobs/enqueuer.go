package jobs

import (
	"context"

	"github.com/google/uuid"
)

// Enqueuer is the subset of *Pipeline the full_reindex handler needs to
// fan a repo's entries back out into index_entry jobs. *Pipeline satisfies
// it directly — the handler calls back into the same pipeline that is
// running it.
type Enqueuer interface {
	Enqueue(ctx context.Context, class Class, repoID uuid.UUID, payload any, idempotencyKey string) (uuid.UUID, error)
}
