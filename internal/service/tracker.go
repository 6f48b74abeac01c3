package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"kvadmin/internal/models"
	"kvadmin/internal/store"
	"kvadmin/internal/telemetry"
)

// milestoneThresholds are the percentages at which a progress event is
// written to the timeline.
var milestoneThresholds = []struct {
	pct  float64
	typ  models.EventType
}{
	{25, models.EventProgress25},
	{50, models.EventProgress50},
	{75, models.EventProgress75},
}

// Tracker is the producer-facing entry point for the job lifecycle. Every
// milestone follows the same order: commit the state transition first, then
// append the timeline event, then publish to live watchers - so a reader
// never sees an event whose state is not yet visible.
type Tracker struct {
	jobs   store.JobStore
	events store.EventLog
	hub    *Hub
	logger *slog.Logger
}

// NewTracker wires the tracker to its storage and fan-out collaborators.
func NewTracker(jobs store.JobStore, events store.EventLog, hub *Hub, logger *slog.Logger) *Tracker {
	return &Tracker{jobs: jobs, events: events, hub: hub, logger: logger}
}

// Submit creates a new queued job owned by actor.
func (t *Tracker) Submit(ctx context.Context, req models.SubmitRequest, actor string) (models.Job, error) {
	if !req.Operation.Valid() {
		return models.Job{}, fmt.Errorf("unknown operation type %q", req.Operation)
	}
	if req.Namespace == "" {
		return models.Job{}, errors.New("namespace_id is required")
	}

	job := models.Job{
		ID:        uuid.New().String()[:8], // short id for operator convenience
		Operation: req.Operation,
		Namespace: req.Namespace,
		Status:    models.StatusQueued,
		Owner:     actor,
		Params:    req.Params,
		StartedAt: time.Now().UTC(),
	}

	job, err := t.jobs.CreateJob(ctx, job)
	if err != nil {
		return models.Job{}, fmt.Errorf("create job: %w", err)
	}

	telemetry.JobsSubmitted.Inc()
	t.logger.Info("job submitted", "job_id", job.ID, "operation", job.Operation, "namespace", job.Namespace, "owner", actor)
	return job, nil
}

// Start moves the job to running with a now-known total and records the
// started event.
func (t *Tracker) Start(ctx context.Context, jobID, actor string, total int) (models.Job, error) {
	running := models.StatusRunning
	job, err := t.jobs.TransitionJob(ctx, jobID, models.JobPatch{Status: &running, Total: &total})
	if err != nil {
		return models.Job{}, err
	}

	t.append(ctx, jobID, models.EventStarted, actor, map[string]any{"total": total})
	t.hub.Publish(job.Progress())
	return job, nil
}

// Progress records new counters for a running job and emits any milestone
// events the update crossed.
func (t *Tracker) Progress(ctx context.Context, jobID, actor string, processed, errCount int, currentKey string) (models.Job, error) {
	prev, err := t.jobs.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}

	job, err := t.jobs.TransitionJob(ctx, jobID, models.JobPatch{
		Processed:  &processed,
		Errors:     &errCount,
		CurrentKey: &currentKey,
	})
	if err != nil {
		return models.Job{}, err
	}

	for _, m := range milestoneThresholds {
		if prev.Percentage < m.pct && job.Percentage >= m.pct {
			t.append(ctx, jobID, m.typ, actor, map[string]any{
				"processed":  job.Processed,
				"total":      job.Total,
				"errors":     job.Errors,
				"percentage": job.Percentage,
			})
		}
	}

	t.hub.Publish(job.Progress())
	return job, nil
}

// Complete marks the job completed. Counters are merged into the result so
// the terminal payload is self-contained.
func (t *Tracker) Complete(ctx context.Context, jobID, actor string, result map[string]any) (models.Job, error) {
	prev, err := t.jobs.GetJob(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}

	if result == nil {
		result = map[string]any{}
	}
	if _, ok := result["errors"]; !ok {
		result["errors"] = prev.Errors
	}
	if _, ok := result["processed"]; !ok {
		result["processed"] = prev.Processed
	}

	completed := models.StatusCompleted
	job, err := t.jobs.TransitionJob(ctx, jobID, models.JobPatch{Status: &completed, Result: result})
	if err != nil {
		return models.Job{}, err
	}

	t.append(ctx, jobID, models.EventCompleted, actor, result)
	t.finish(job)
	t.logger.Info("job completed", "job_id", jobID, "processed", job.Processed, "errors", job.Errors)
	return job, nil
}

// Fail marks the job failed with the producer's error.
func (t *Tracker) Fail(ctx context.Context, jobID, actor string, jobErr error) (models.Job, error) {
	msg := jobErr.Error()
	failed := models.StatusFailed
	job, err := t.jobs.TransitionJob(ctx, jobID, models.JobPatch{Status: &failed, Error: &msg})
	if err != nil {
		return models.Job{}, err
	}

	t.append(ctx, jobID, models.EventFailed, actor, map[string]any{"error": msg})
	t.finish(job)
	t.logger.Error("job failed", "job_id", jobID, "error", msg)
	return job, nil
}

// Cancel marks the job cancelled. Stopping any in-flight executor is the
// caller's concern.
func (t *Tracker) Cancel(ctx context.Context, jobID, actor string) (models.Job, error) {
	cancelled := models.StatusCancelled
	job, err := t.jobs.TransitionJob(ctx, jobID, models.JobPatch{Status: &cancelled})
	if err != nil {
		return models.Job{}, err
	}

	t.append(ctx, jobID, models.EventCancelled, actor, nil)
	t.finish(job)
	t.logger.Info("job cancelled", "job_id", jobID, "actor", actor)
	return job, nil
}

// Get returns the latest job state.
func (t *Tracker) Get(ctx context.Context, jobID string) (models.Job, error) {
	return t.jobs.GetJob(ctx, jobID)
}

// List queries the job history.
func (t *Tracker) List(ctx context.Context, q models.JobQuery) (models.JobList, error) {
	items, total, err := t.jobs.ListJobs(ctx, q)
	if err != nil {
		return models.JobList{}, err
	}
	return models.JobList{Items: items, Total: total}, nil
}

// Timeline returns the ordered event ledger for a job.
func (t *Tracker) Timeline(ctx context.Context, jobID string) ([]models.JobEvent, error) {
	return t.events.ListEvents(ctx, jobID)
}

// Watch subscribes to live progress updates for a job.
func (t *Tracker) Watch(jobID string) (<-chan models.ProgressUpdate, func()) {
	return t.hub.Subscribe(jobID)
}

// append writes a timeline event. A duplicate terminal append is the
// idempotency guard firing, not a producer failure: log it and keep going.
func (t *Tracker) append(ctx context.Context, jobID string, typ models.EventType, actor string, details map[string]any) {
	if _, err := t.events.AppendEvent(ctx, jobID, typ, actor, details); err != nil {
		if errors.Is(err, store.ErrDuplicateTerminalEvent) {
			t.logger.Warn("terminal event already recorded", "job_id", jobID, "event", typ)
			return
		}
		t.logger.Error("failed to append event", "job_id", jobID, "event", typ, "error", err)
		return
	}
	telemetry.EventsLogged.WithLabelValues(string(typ)).Inc()
}

func (t *Tracker) finish(job models.Job) {
	telemetry.JobsFinished.WithLabelValues(string(job.Status)).Inc()
	t.hub.Publish(job.Progress())
}
