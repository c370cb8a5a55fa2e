// Package audit implements the buffered append-only audit writer (spec
// C8): every authorization decision and mutation outcome is recorded, but
// never on the request's own goroutine — Record enqueues onto a channel
// and a background loop flushes in batches, the same bulk-insert shape
// internal/jobs uses for job logs, generalized from job-run output lines
// to authorization/mutation records.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blacklake-io/blacklake/internal/db"
	"github.com/blacklake-io/blacklake/internal/metrics"
	"github.com/blacklake-io/blacklake/internal/repository"
)

const (
	defaultBufferSize  = 4096
	defaultFlushEvery  = 500 * time.Millisecond
	defaultFlushAtSize = 200
)

// Event is one audit-worthy occurrence: an authorization decision or the
// outcome of a mutating operation.
type Event struct {
	Subject    string
	Action     string
	Resource   string
	Outcome    string
	PolicyID   *uuid.UUID
	Context    map[string]any
	OccurredAt time.Time
}

// Writer buffers Events on an internal channel and flushes them to storage
// in batches. Record is non-blocking best-effort: if the buffer is full the
// oldest queued event is dropped and counted rather than backpressuring the
// caller, since
// no code path (an authorization check, a commit) should ever wait on the
// audit trail catching up.
type Writer struct {
	records repository.AuditRepository
	logger  *zap.Logger
	events  chan Event

	flushEvery  time.Duration
	flushAtSize int

	done chan struct{}
}

// New returns a Writer. Call Run in its own goroutine to start the flush
// loop, and Close to drain and stop it.
func New(records repository.AuditRepository, logger *zap.Logger) *Writer {
	return &Writer{
		records:     records,
		logger:      logger.Named("audit"),
		events:      make(chan Event, defaultBufferSize),
		flushEvery:  defaultFlushEvery,
		flushAtSize: defaultFlushAtSize,
		done:        make(chan struct{}),
	}
}

// Record enqueues an audit event. Never blocks: when the buffer is full the
// oldest queued event is discarded to make room for e, incrementing
// metrics.AuditRecordsDropped, per the "loss is reported but does not block"
// trade-off — a burst of recent activity matters more than a backlog no one
// has read yet.
func (w *Writer) Record(e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	select {
	case w.events <- e:
		return
	default:
	}

	select {
	case <-w.events:
		metrics.AuditRecordsDropped.Inc()
		w.logger.Warn("audit buffer full, dropping oldest record",
			zap.String("subject", e.Subject), zap.String("resource", e.Resource))
	default:
	}

	select {
	case w.events <- e:
	default:
		// Another goroutine raced us and refilled the slot; drop e itself.
		metrics.AuditRecordsDropped.Inc()
	}
}

// Run drains the event channel, flushing every flushEvery or whenever
// flushAtSize events have accumulated, whichever comes first. Blocks until
// ctx is canceled, then flushes whatever remains before returning.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.flushEvery)
	defer ticker.Stop()
	defer close(w.done)

	batch := make([]Event, 0, w.flushAtSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Drain whatever is already queued without blocking further.
			for {
				select {
				case e := <-w.events:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-w.events:
			batch = append(batch, e)
			if len(batch) >= w.flushAtSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Closed returns a channel closed once Run has finished its final flush.
func (w *Writer) Closed() <-chan struct{} { return w.done }

func (w *Writer) flush(ctx context.Context, batch []Event) {
	records := make([]db.AuditRecord, 0, len(batch))
	for _, e := range batch {
		ctxJSON := "{}"
		if len(e.Context) > 0 {
			if b, err := json.Marshal(e.Context); err == nil {
				ctxJSON = string(b)
			}
		}
		records = append(records, db.AuditRecord{
			Subject:      e.Subject,
			Action:       e.Action,
			Resource:     e.Resource,
			Outcome:      e.Outcome,
			PolicyID:     e.PolicyID,
			Context:      ctxJSON,
			OccurredAtTS: e.OccurredAt.Unix(),
		})
	}

	flushCtx, cancel := context.WithTimeout(detach(ctx), 10*time.Second)
	defer cancel()

	if err := w.records.BulkCreate(flushCtx, records); err != nil {
		w.logger.Error("audit flush failed", zap.Int("count", len(records)), zap.Error(err))
		return
	}
	metrics.AuditRecordsFlushed.Add(float64(len(records)))
}

// detach returns a context carrying no deadline from ctx, so a flush
// triggered by shutdown (ctx already canceled) can still complete within
// its own timeout instead of failing immediately.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
