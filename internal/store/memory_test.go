package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvadmin/internal/models"
)

func TestMemoryStoreSuite(t *testing.T) {
	runJobStoreSuite(t, func(t *testing.T) (JobStore, EventLog) {
		m := NewMemory()
		return m, m
	})
}

// runJobStoreSuite exercises the JobStore and EventLog contracts. The
// Postgres implementation runs the same battery behind the integration tag.
func runJobStoreSuite(t *testing.T, open func(t *testing.T) (JobStore, EventLog)) {
	ctx := context.Background()

	newJob := func(id string) models.Job {
		return models.Job{
			ID:        id,
			Operation: models.OpDelete,
			Namespace: "ns1",
			Status:    models.StatusQueued,
			Owner:     "ops@example.com",
			StartedAt: time.Now().UTC(),
		}
	}

	t.Run("get unknown job", func(t *testing.T) {
		jobs, _ := open(t)
		_, err := jobs.GetJob(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("transition unknown job", func(t *testing.T) {
		jobs, _ := open(t)
		st := models.StatusRunning
		_, err := jobs.TransitionJob(ctx, "nope", models.JobPatch{Status: &st})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("status is monotonic", func(t *testing.T) {
		jobs, _ := open(t)
		_, err := jobs.CreateJob(ctx, newJob("j-mono"))
		require.NoError(t, err)

		running := models.StatusRunning
		_, err = jobs.TransitionJob(ctx, "j-mono", models.JobPatch{Status: &running})
		require.NoError(t, err)

		completed := models.StatusCompleted
		job, err := jobs.TransitionJob(ctx, "j-mono", models.JobPatch{Status: &completed})
		require.NoError(t, err)
		require.NotNil(t, job.CompletedAt)

		// Terminal is final: every further transition fails.
		for _, next := range []models.JobStatus{models.StatusQueued, models.StatusRunning, models.StatusFailed} {
			st := next
			_, err := jobs.TransitionJob(ctx, "j-mono", models.JobPatch{Status: &st})
			assert.ErrorIs(t, err, ErrInvalidTransition, "completed -> %s", next)
		}
	})

	t.Run("running cannot go back to queued", func(t *testing.T) {
		jobs, _ := open(t)
		_, err := jobs.CreateJob(ctx, newJob("j-back"))
		require.NoError(t, err)

		running := models.StatusRunning
		_, err = jobs.TransitionJob(ctx, "j-back", models.JobPatch{Status: &running})
		require.NoError(t, err)

		queued := models.StatusQueued
		_, err = jobs.TransitionJob(ctx, "j-back", models.JobPatch{Status: &queued})
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("progress patch derives percentage", func(t *testing.T) {
		jobs, _ := open(t)
		j := newJob("j-progress")
		j.Total = 100
		_, err := jobs.CreateJob(ctx, j)
		require.NoError(t, err)

		running := models.StatusRunning
		processed := 25
		key := "ns:ns1:user:42"
		job, err := jobs.TransitionJob(ctx, "j-progress", models.JobPatch{Status: &running, Processed: &processed, CurrentKey: &key})
		require.NoError(t, err)
		assert.Equal(t, 25.0, job.Percentage)
		assert.Equal(t, key, job.CurrentKey)

		got, err := jobs.GetJob(ctx, "j-progress")
		require.NoError(t, err)
		assert.Equal(t, 25, got.Processed, "reads observe the latest committed write")
	})

	t.Run("terminal patch records result and error", func(t *testing.T) {
		jobs, _ := open(t)
		j := newJob("j-result")
		j.Total = 100
		_, err := jobs.CreateJob(ctx, j)
		require.NoError(t, err)

		failed := models.StatusFailed
		msg := "namespace vanished mid-scan"
		errs := 3
		job, err := jobs.TransitionJob(ctx, "j-result", models.JobPatch{
			Status: &failed,
			Errors: &errs,
			Result: map[string]any{"errors": 3},
			Error:  &msg,
		})
		require.NoError(t, err)
		require.NotNil(t, job.Error)
		assert.Equal(t, msg, *job.Error)
		require.NotNil(t, job.CompletedAt)

		got, err := jobs.GetJob(ctx, "j-result")
		require.NoError(t, err)
		require.NotNil(t, got.Result)
		assert.EqualValues(t, 3, asInt(t, got.Result["errors"]))
	})

	t.Run("event sequence and ordering", func(t *testing.T) {
		_, events := open(t)

		list, err := events.ListEvents(ctx, "j-empty")
		require.NoError(t, err)
		assert.Empty(t, list, "no events is not an error")

		first, err := events.AppendEvent(ctx, "j-seq", models.EventStarted, "ops", map[string]any{"total": 100})
		require.NoError(t, err)
		assert.EqualValues(t, 1, first.Seq)

		_, err = events.AppendEvent(ctx, "j-seq", models.EventProgress25, "ops", map[string]any{"processed": 25, "total": 100})
		require.NoError(t, err)
		_, err = events.AppendEvent(ctx, "j-seq", models.EventCompleted, "ops", nil)
		require.NoError(t, err)

		list, err = events.ListEvents(ctx, "j-seq")
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, models.EventStarted, list[0].Type, "started is always first")
		for i := 1; i < len(list); i++ {
			assert.Greater(t, list[i].Seq, list[i-1].Seq)
			assert.False(t, list[i].Timestamp.Before(list[i-1].Timestamp))
		}
	})

	t.Run("duplicate terminal event rejected", func(t *testing.T) {
		_, events := open(t)

		first, err := events.AppendEvent(ctx, "j-dup", models.EventFailed, "worker", map[string]any{"error": "boom"})
		require.NoError(t, err)

		_, err = events.AppendEvent(ctx, "j-dup", models.EventFailed, "worker", map[string]any{"error": "boom again"})
		assert.ErrorIs(t, err, ErrDuplicateTerminalEvent)

		list, err := events.ListEvents(ctx, "j-dup")
		require.NoError(t, err)
		require.Len(t, list, 1, "the existing terminal event stands")
		assert.Equal(t, first.Seq, list[0].Seq)
	})

	t.Run("list filters sort and paginate", func(t *testing.T) {
		jobs, _ := open(t)

		base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
		for i := 0; i < 30; i++ {
			j := newJob(fmt.Sprintf("list-%02d", i))
			j.StartedAt = base.Add(time.Duration(i) * time.Minute)
			if i%2 == 0 {
				j.Operation = models.OpExport
			}
			_, err := jobs.CreateJob(ctx, j)
			require.NoError(t, err)

			// Every third job fails with errors.
			if i%3 == 0 {
				failed := models.StatusFailed
				errs := i/3 + 1
				_, err := jobs.TransitionJob(ctx, j.ID, models.JobPatch{Status: &failed, Errors: &errs})
				require.NoError(t, err)
			}
		}

		failed := models.StatusFailed
		minErrs := 1
		page, total, err := jobs.ListJobs(ctx, models.JobQuery{
			Status:    &failed,
			MinErrors: &minErrs,
			SortBy:    "started_at",
			SortOrder: "desc",
			Limit:     20,
			Offset:    0,
		})
		require.NoError(t, err)
		assert.Equal(t, 10, total, "total reflects the full matching count")
		require.Len(t, page, 10)
		for i := 1; i < len(page); i++ {
			assert.False(t, page[i].StartedAt.After(page[i-1].StartedAt), "descending by started_at")
		}
		for _, job := range page {
			assert.Equal(t, models.StatusFailed, job.Status)
			assert.GreaterOrEqual(t, job.Errors, 1)
		}

		// Pagination: limit bounds the page, total does not change.
		page, total, err = jobs.ListJobs(ctx, models.JobQuery{Limit: 7, Offset: 0})
		require.NoError(t, err)
		assert.Equal(t, 30, total)
		assert.Len(t, page, 7)

		page2, _, err := jobs.ListJobs(ctx, models.JobQuery{Limit: 7, Offset: 7})
		require.NoError(t, err)
		require.Len(t, page2, 7)
		assert.NotEqual(t, page[0].ID, page2[0].ID)

		// Composed filters AND together.
		op := models.OpExport
		ns := "ns1"
		_, total, err = jobs.ListJobs(ctx, models.JobQuery{Operation: &op, Namespace: &ns, IDContains: "list-"})
		require.NoError(t, err)
		assert.Equal(t, 15, total)

		// Date range.
		from := base.Add(10 * time.Minute)
		to := base.Add(19 * time.Minute)
		_, total, err = jobs.ListJobs(ctx, models.JobQuery{StartedFrom: &from, StartedTo: &to})
		require.NoError(t, err)
		assert.Equal(t, 10, total)
	})
}

// asInt tolerates the int/float64 split between in-memory maps and JSONB
// round-trips.
func asInt(t *testing.T, v any) int {
	t.Helper()
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		t.Fatalf("not a number: %T", v)
		return 0
	}
}
