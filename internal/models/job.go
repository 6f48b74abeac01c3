// Package models defines the data structures for kvadmin bulk-operation jobs.
package models

import (
	"time"
)

// JobStatus represents the lifecycle state of a background job.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next respects the
// partial order {queued} < {running} < {completed, failed, cancelled}.
// Staying at the same non-terminal status is allowed (progress updates).
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	if s.Terminal() || !next.Valid() {
		return false
	}
	switch s {
	case StatusQueued:
		return true
	case StatusRunning:
		return next != StatusQueued
	}
	return false
}

// OperationType identifies the kind of bulk operation a job performs.
type OperationType string

const (
	OpDelete    OperationType = "delete"
	OpCopy      OperationType = "copy"
	OpExport    OperationType = "export"
	OpImport    OperationType = "import"
	OpTTLUpdate OperationType = "ttl_update"
	OpTag       OperationType = "tag"
	OpBackup    OperationType = "backup"
	OpRestore   OperationType = "restore"
)

// Valid reports whether o is a known operation type.
func (o OperationType) Valid() bool {
	switch o {
	case OpDelete, OpCopy, OpExport, OpImport, OpTTLUpdate, OpTag, OpBackup, OpRestore:
		return true
	}
	return false
}

// Job is one asynchronous bulk operation instance with a tracked lifecycle.
// A job is mutated only by its own producer and becomes immutable once it
// reaches a terminal status.
type Job struct {
	ID          string         `json:"id"`
	Operation   OperationType  `json:"operation_type"`
	Namespace   string         `json:"namespace_id"`
	Status      JobStatus      `json:"status"`
	Total       int            `json:"total"`
	Processed   int            `json:"processed"`
	Errors      int            `json:"errors"`
	CurrentKey  string         `json:"current_key,omitempty"`
	Percentage  float64        `json:"percentage"`
	Owner       string         `json:"owner"`
	Params      map[string]any `json:"params,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       *string        `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// Percent derives a 0-100 percentage; zero while the total is unknown.
func Percent(processed, total int) float64 {
	if total <= 0 {
		return 0
	}
	pct := float64(processed) / float64(total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Progress builds the normalized wire shape for j.
func (j Job) Progress() ProgressUpdate {
	u := ProgressUpdate{
		JobID:      j.ID,
		Status:     j.Status,
		Total:      j.Total,
		Processed:  j.Processed,
		Errors:     j.Errors,
		CurrentKey: j.CurrentKey,
		Percentage: Percent(j.Processed, j.Total),
		Result:     j.Result,
	}
	if j.Error != nil {
		u.Error = *j.Error
	}
	return u
}

// ProgressUpdate is the normalized progress message delivered over both the
// channel and the poll transport.
type ProgressUpdate struct {
	JobID      string         `json:"job_id"`
	Status     JobStatus      `json:"status"`
	Total      int            `json:"total"`
	Processed  int            `json:"processed"`
	Errors     int            `json:"errors"`
	CurrentKey string         `json:"current_key,omitempty"`
	Percentage float64        `json:"percentage"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// JobPatch describes a partial update applied by TransitionJob. Nil fields are
// left untouched. Result and Error are only honored on a terminal transition.
type JobPatch struct {
	Status     *JobStatus
	Total      *int
	Processed  *int
	Errors     *int
	CurrentKey *string
	Result     map[string]any
	Error      *string
}

// SubmitRequest carries the inputs for creating a new job.
type SubmitRequest struct {
	Operation OperationType  `json:"operation_type"`
	Namespace string         `json:"namespace_id"`
	Params    map[string]any `json:"params,omitempty"`
}

// JobQuery filters, sorts and paginates the job history. All filters are
// AND-ed together.
type JobQuery struct {
	Status      *JobStatus     `json:"status,omitempty"`
	Operation   *OperationType `json:"operation_type,omitempty"`
	Namespace   *string        `json:"namespace_id,omitempty"`
	IDContains  string         `json:"job_id_substring,omitempty"`
	MinErrors   *int           `json:"min_errors,omitempty"`
	StartedFrom *time.Time     `json:"started_from,omitempty"`
	StartedTo   *time.Time     `json:"started_to,omitempty"`
	SortBy      string         `json:"sort_by,omitempty"`    // started_at (default), completed_at, errors, processed
	SortOrder   string         `json:"sort_order,omitempty"` // asc, desc (default)
	Limit       int            `json:"limit,omitempty"`
	Offset      int            `json:"offset,omitempty"`
}

// JobList is a single page of query results plus the full matching count.
type JobList struct {
	Items []Job `json:"items"`
	Total int   `json:"total"`
}
