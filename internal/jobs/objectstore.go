package jobs

import (
	"context"
	"time"

	"github.com/blacklake-io/blacklake/internal/objectstore"
)

// ObjectStore is the subset of internal/objectstore.Store the job handlers
// need. *objectstore.Store satisfies it; tests substitute an in-memory
// fake, the same pattern internal/commit uses for its own ObjectStore
// dependency.
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key, contentType string, data []byte) error
	Head(ctx context.Context, key string) (*objectstore.Metadata, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}
