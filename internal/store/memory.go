package store

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"kvadmin/internal/models"
)

// Memory is an in-process JobStore and EventLog. It backs the daemon when no
// Postgres DSN is configured and the unit tests of everything above the
// storage layer. Job history does not survive a restart.
type Memory struct {
	mu     sync.RWMutex
	jobs   map[string]models.Job
	events map[string][]models.JobEvent
	now    func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:   make(map[string]models.Job),
		events: make(map[string][]models.JobEvent),
		now:    time.Now,
	}
}

// CreateJob inserts a new job record.
func (m *Memory) CreateJob(_ context.Context, job models.Job) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.StartedAt.IsZero() {
		job.StartedAt = m.now().UTC()
	}
	job.Percentage = models.Percent(job.Processed, job.Total)
	m.jobs[job.ID] = job
	return job, nil
}

// GetJob returns the latest state of a job.
func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return job, nil
}

// TransitionJob applies a partial update under the lifecycle rules.
func (m *Memory) TransitionJob(_ context.Context, id string, patch models.JobPatch) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	if job.Status.Terminal() {
		return models.Job{}, ErrInvalidTransition
	}

	next := job.Status
	if patch.Status != nil {
		next = *patch.Status
		if !job.Status.CanTransitionTo(next) {
			return models.Job{}, ErrInvalidTransition
		}
	}

	job.Status = next
	if patch.Total != nil {
		job.Total = *patch.Total
	}
	if patch.Processed != nil {
		job.Processed = *patch.Processed
	}
	if patch.Errors != nil {
		job.Errors = *patch.Errors
	}
	if patch.CurrentKey != nil {
		job.CurrentKey = *patch.CurrentKey
	}
	if next.Terminal() {
		now := m.now().UTC()
		job.CompletedAt = &now
		if patch.Result != nil {
			job.Result = patch.Result
		}
		if patch.Error != nil {
			job.Error = patch.Error
		}
	}
	job.Percentage = models.Percent(job.Processed, job.Total)

	m.jobs[id] = job
	return job, nil
}

// ListJobs filters, sorts and paginates the job history.
func (m *Memory) ListJobs(_ context.Context, q models.JobQuery) ([]models.Job, int, error) {
	m.mu.RLock()
	matched := make([]models.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if matches(job, q) {
			matched = append(matched, job)
		}
	}
	m.mu.RUnlock()

	sortJobs(matched, q.SortBy, q.SortOrder)

	total := len(matched)
	offset := min(q.Offset, total)
	end := total
	if q.Limit > 0 {
		end = min(offset+q.Limit, total)
	}
	return matched[offset:end], total, nil
}

func matches(job models.Job, q models.JobQuery) bool {
	if q.Status != nil && job.Status != *q.Status {
		return false
	}
	if q.Operation != nil && job.Operation != *q.Operation {
		return false
	}
	if q.Namespace != nil && job.Namespace != *q.Namespace {
		return false
	}
	if q.IDContains != "" && !strings.Contains(job.ID, q.IDContains) {
		return false
	}
	if q.MinErrors != nil && job.Errors < *q.MinErrors {
		return false
	}
	if q.StartedFrom != nil && job.StartedAt.Before(*q.StartedFrom) {
		return false
	}
	if q.StartedTo != nil && job.StartedAt.After(*q.StartedTo) {
		return false
	}
	return true
}

func sortJobs(jobs []models.Job, by, order string) {
	desc := order != "asc"
	slices.SortFunc(jobs, func(a, b models.Job) int {
		var c int
		switch by {
		case "completed_at":
			c = compareTimePtr(a.CompletedAt, b.CompletedAt)
		case "errors":
			c = a.Errors - b.Errors
		case "processed":
			c = a.Processed - b.Processed
		default: // started_at
			c = a.StartedAt.Compare(b.StartedAt)
		}
		if desc {
			c = -c
		}
		if c == 0 {
			// Stable ordering for a fixed sort key: tie-break on job id.
			c = strings.Compare(a.ID, b.ID)
		}
		return c
	})
}

func compareTimePtr(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return a.Compare(*b)
}

// AppendEvent records an event with the next per-job sequence number.
func (m *Memory) AppendEvent(_ context.Context, jobID string, typ models.EventType, actor string, details map[string]any) (models.JobEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if typ.Terminal() {
		for _, e := range m.events[jobID] {
			if e.Type == typ {
				return models.JobEvent{}, ErrDuplicateTerminalEvent
			}
		}
	}

	event := models.JobEvent{
		JobID:     jobID,
		Seq:       int64(len(m.events[jobID]) + 1),
		Type:      typ,
		Actor:     actor,
		Timestamp: m.now().UTC(),
		Details:   details,
	}
	m.events[jobID] = append(m.events[jobID], event)
	return event, nil
}

// ListEvents returns the timeline for a job in append order.
func (m *Memory) ListEvents(_ context.Context, jobID string) ([]models.JobEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.events[jobID]
	out := make([]models.JobEvent, len(events))
	copy(out, events)
	return out, nil
}
