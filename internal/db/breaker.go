package db

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Breaker wraps a *gorm.DB with a circuit breaker so that a database that is
// failing consistently is given a chance to recover instead of being hammered
// by every in-flight request. It opens after 5 consecutive failures, stays
// open for 30 seconds, then allows one probe request through before closing.
type Breaker struct {
	cb  *gobreaker.CircuitBreaker
	log *zap.Logger
}

// NewBreaker constructs a Breaker named for the component using it (e.g.
// "commits", "refs") so breaker state-change logs are attributable.
func NewBreaker(name string, log *zap.Logger) *Breaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("db circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings), log: log}
}

// ErrBreakerOpen is returned (wrapped as apperr.Transient by callers) when
// the breaker is open and rejects a query without touching the pool.
var ErrBreakerOpen = gobreaker.ErrOpenState

// Do executes fn under the breaker. Context cancellation and a non-nil error
// from fn both count as failures toward the trip threshold.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	return err
}

// State reports the breaker's current state for health/metrics endpoints.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// WithinTx runs fn inside a GORM transaction guarded by the breaker.
func (b *Breaker) WithinTx(ctx context.Context, database *gorm.DB, fn func(tx *gorm.DB) error) error {
	return b.Do(ctx, func(ctx context.Context) error {
		return database.WithContext(ctx).Transaction(fn)
	})
}
