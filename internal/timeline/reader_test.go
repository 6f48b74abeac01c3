package timeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvadmin/internal/models"
)

type staticSource struct {
	events []models.JobEvent
	err    error
}

func (s *staticSource) ListEvents(context.Context, string) ([]models.JobEvent, error) {
	return s.events, s.err
}

func TestTimelineRendering(t *testing.T) {
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	source := &staticSource{events: []models.JobEvent{
		{JobID: "j1", Seq: 1, Type: models.EventStarted, Actor: "worker", Timestamp: base,
			Details: map[string]any{"total": float64(150000)}},
		{JobID: "j1", Seq: 2, Type: models.EventProgress25, Actor: "worker", Timestamp: base.Add(time.Minute),
			Details: map[string]any{"processed": float64(37500), "total": float64(150000), "errors": float64(2)}},
		{JobID: "j1", Seq: 3, Type: models.EventCompleted, Actor: "worker", Timestamp: base.Add(3 * time.Minute),
			Details: map[string]any{"errors": float64(3)}},
	}}

	r := NewReader(source)
	r.now = func() time.Time { return base.Add(10 * time.Minute) }

	entries, err := r.Timeline(context.Background(), "j1")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "job started", entries[0].Label)
	assert.Equal(t, "150,000 keys", entries[0].Detail)
	assert.Equal(t, "10 minutes ago", entries[0].Age)
	assert.False(t, entries[0].Terminal)

	assert.Equal(t, "25% processed", entries[1].Label)
	assert.Equal(t, "37,500 of 150,000 keys, 2 errors", entries[1].Detail)

	assert.Equal(t, "job completed", entries[2].Label)
	assert.Equal(t, "3 errors", entries[2].Detail)
	assert.True(t, entries[2].Terminal)
}

func TestTimelineToleratesSparseDetails(t *testing.T) {
	source := &staticSource{events: []models.JobEvent{
		{JobID: "j1", Seq: 1, Type: models.EventStarted, Timestamp: time.Now()},
		{JobID: "j1", Seq: 2, Type: models.EventProgress50, Timestamp: time.Now(),
			Details: map[string]any{"processed": "not-a-number"}},
		{JobID: "j1", Seq: 3, Type: models.EventFailed, Timestamp: time.Now(),
			Details: map[string]any{"error": "store unreachable"}},
		{JobID: "j1", Seq: 4, Type: "vacuumed", Timestamp: time.Now()},
	}}

	entries, err := NewReader(source).Timeline(context.Background(), "j1")
	require.NoError(t, err)
	require.Len(t, entries, 4)

	assert.Empty(t, entries[0].Detail)
	assert.Empty(t, entries[1].Detail)
	assert.Equal(t, "store unreachable", entries[2].Detail)
	// Unknown event types pass through with their raw name.
	assert.Equal(t, "vacuumed", entries[3].Label)
}

func TestTimelinePropagatesSourceError(t *testing.T) {
	source := &staticSource{err: errors.New("connection refused")}
	_, err := NewReader(source).Timeline(context.Background(), "j1")
	assert.Error(t, err)
}
