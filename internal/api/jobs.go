package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/blacklake-io/blacklake/internal/db"
	"github.com/blacklake-io/blacklake/internal/repository"
)

// JobHandler exposes the background job pipeline's queue for operator
// inspection — listing, state filtering, and log retrieval — plus the
// dead-letter review workflow (list, retry, discard). Workers themselves
// drive state transitions via JobRepository.AcquireNext and friends; this
// handler never mutates a live job's state directly.
type JobHandler struct {
	repo   repository.JobRepository
	logger *zap.Logger
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(repo repository.JobRepository, logger *zap.Logger) *JobHandler {
	return &JobHandler{repo: repo, logger: logger.Named("job_handler")}
}

type jobResponse struct {
	ID               string  `json:"id"`
	Type             string  `json:"type"`
	RepoID           string  `json:"repo_id"`
	State            string  `json:"state"`
	Attempts         int     `json:"attempts"`
	MaxAttempts      int     `json:"max_attempts"`
	NextAttemptAt    string  `json:"next_attempt_at"`
	LeaseExpiresAt   *string `json:"lease_expires_at"`
	LeaseExpirations int     `json:"lease_expirations"`
	Owner            string  `json:"owner"`
	Error            string  `json:"error,omitempty"`
	CreatedAt        string  `json:"created_at"`
}

func jobToResponse(j *db.Job) jobResponse {
	resp := jobResponse{
		ID:               j.ID.String(),
		Type:             j.Type,
		RepoID:           j.RepoID.String(),
		State:            j.State,
		Attempts:         j.Attempts,
		MaxAttempts:      j.MaxAttempts,
		NextAttemptAt:    j.NextAttemptAt.UTC().String(),
		LeaseExpirations: j.LeaseExpirations,
		Owner:            j.Owner,
		Error:            j.Error,
		CreatedAt:        j.CreatedAt.UTC().String(),
	}
	if j.LeaseExpiresAt != nil {
		s := j.LeaseExpiresAt.UTC().String()
		resp.LeaseExpiresAt = &s
	}
	return resp
}

type listJobsResponse struct {
	Items []jobResponse `json:"items"`
	Total int64         `json:"total"`
}

// List handles GET /api/v1/jobs. An optional ?state= query param filters to
// a single state (pending, running, succeeded, failed).
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	var jobs []db.Job
	var total int64
	var err error
	if state := r.URL.Query().Get("state"); state != "" {
		jobs, total, err = h.repo.ListByState(r.Context(), state, opts)
	} else {
		jobs, total, err = h.repo.List(r.Context(), opts)
	}
	if err != nil {
		h.logger.Error("failed to list jobs", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]jobResponse, len(jobs))
	for i := range jobs {
		items[i] = jobToResponse(&jobs[i])
	}
	Ok(w, listJobsResponse{Items: items, Total: total})
}

// GetByID handles GET /api/v1/jobs/{id}.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	job, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get job", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, jobToResponse(job))
}

type jobLogResponse struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// GetLogs handles GET /api/v1/jobs/{id}/logs.
func (h *JobHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	logs, err := h.repo.GetLogs(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get job logs", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]jobLogResponse, len(logs))
	for i, l := range logs {
		items[i] = jobLogResponse{Level: l.Level, Message: l.Message, Timestamp: l.Timestamp.UTC().String()}
	}
	Ok(w, items)
}

type deadLetterResponse struct {
	ID            string `json:"id"`
	OriginalJobID string `json:"original_job_id"`
	Type          string `json:"type"`
	RepoID        string `json:"repo_id"`
	Error         string `json:"error"`
	Attempts      int    `json:"attempts"`
	Discarded     bool   `json:"discarded"`
	CreatedAt     string `json:"created_at"`
}

func deadLetterToResponse(dl *db.DeadLetterJob) deadLetterResponse {
	return deadLetterResponse{
		ID:            dl.ID.String(),
		OriginalJobID: dl.OriginalJobID.String(),
		Type:          dl.Type,
		RepoID:        dl.RepoID.String(),
		Error:         dl.Error,
		Attempts:      dl.Attempts,
		Discarded:     dl.Discarded,
		CreatedAt:     dl.CreatedAt.UTC().String(),
	}
}

type listDeadLettersResponse struct {
	Items []deadLetterResponse `json:"items"`
	Total int64                `json:"total"`
}

// ListDeadLetters handles GET /api/v1/jobs/dead-letters.
func (h *JobHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)
	deadLetters, total, err := h.repo.ListDeadLetters(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list dead letters", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]deadLetterResponse, len(deadLetters))
	for i := range deadLetters {
		items[i] = deadLetterToResponse(&deadLetters[i])
	}
	Ok(w, listDeadLettersResponse{Items: items, Total: total})
}

// Retry handles POST /api/v1/jobs/dead-letters/{id}/retry. Re-enqueues the
// dead-lettered payload as a fresh pending job with attempts reset to zero,
// then discards the dead letter so it stops showing up as actionable.
func (h *JobHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	dl, err := h.repo.GetDeadLetterByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get dead letter for retry", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	if dl.Discarded {
		ErrConflict(w, "dead letter has already been discarded")
		return
	}

	job := &db.Job{
		Type:           dl.Type,
		RepoID:         dl.RepoID,
		Payload:        dl.Payload,
		MaxAttempts:    dl.Attempts,
		NextAttemptAt:  time.Now().UTC(),
		IdempotencyKey: dl.OriginalJobID.String() + ":retry:" + id.String(),
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 1
	}
	if err := h.repo.Create(r.Context(), job); err != nil {
		h.logger.Error("failed to create retried job", zap.String("dead_letter_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	if err := h.repo.DiscardDeadLetter(r.Context(), id); err != nil {
		h.logger.Error("failed to discard dead letter after retry", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, jobToResponse(job))
}

// Discard handles POST /api/v1/jobs/dead-letters/{id}/discard. Marks a dead
// letter as permanently abandoned — no further retry is possible.
func (h *JobHandler) Discard(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.repo.DiscardDeadLetter(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to discard dead letter", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}
