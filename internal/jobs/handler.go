package jobs

import "context"

// Outcome is a handler's verdict on one execution attempt.
type Outcome int

const (
	// OutcomeSucceeded marks the job's terminal success state.
	OutcomeSucceeded Outcome = iota
	// OutcomeRetryable schedules another attempt per the class's RetryDelay,
	// unless attempts are already exhausted, in which case the job is
	// dead-lettered instead (spec §4.5 dead-letter).
	OutcomeRetryable
	// OutcomePermanent fails the job immediately without consuming further
	// retry attempts — the handler has determined retrying cannot help.
	OutcomePermanent
)

// Result is returned by a Handler after one execution attempt.
type Result struct {
	Outcome Outcome
	Err     error
}

// Handler executes one job class. payload is the job's raw JSON payload;
// handlers are responsible for their own unmarshaling. Handlers must write
// observable effects keyed by idempotencyKey so a retried or re-enqueued
// job never double-applies its effect (spec §4.5 at-most-one-execution).
type Handler interface {
	Handle(ctx context.Context, idempotencyKey string, payload []byte) Result
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, idempotencyKey string, payload []byte) Result

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, idempotencyKey string, payload []byte) Result {
	return f(ctx, idempotencyKey, payload)
}

func Succeeded() Result { return Result{Outcome: OutcomeSucceeded} }

func Retryable(err error) Result { return Result{Outcome: OutcomeRetryable, Err: err} }

func Permanent(err error) Result { return Result{Outcome: OutcomePermanent, Err: err} }
