package store

import (
	"context"

	"kvadmin/internal/models"
)

// JobStore is the authoritative, single-writer-per-job record of job state.
type JobStore interface {
	// CreateJob inserts a new job record.
	CreateJob(ctx context.Context, job models.Job) (models.Job, error)

	// GetJob returns the latest committed state of a job, or ErrNotFound.
	GetJob(ctx context.Context, id string) (models.Job, error)

	// TransitionJob applies a partial update. It fails with
	// ErrInvalidTransition once the job is terminal and ErrNotFound for
	// unknown ids. CompletedAt is stamped when the patch moves the job to a
	// terminal status.
	TransitionJob(ctx context.Context, id string, patch models.JobPatch) (models.Job, error)

	// ListJobs returns one page of matching jobs plus the total match count.
	ListJobs(ctx context.Context, q models.JobQuery) ([]models.Job, int, error)
}

// EventLog is the append-only, ordered ledger of lifecycle events per job.
type EventLog interface {
	// AppendEvent records an event with the next sequence number for the
	// job. Terminal event types are accepted at most once per job
	// (ErrDuplicateTerminalEvent otherwise).
	AppendEvent(ctx context.Context, jobID string, typ models.EventType, actor string, details map[string]any) (models.JobEvent, error)

	// ListEvents returns all events for a job in ascending sequence order.
	// A job with no recorded events yields an empty slice, not an error.
	ListEvents(ctx context.Context, jobID string) ([]models.JobEvent, error)
}
