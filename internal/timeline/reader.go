// Package timeline renders a job's event ledger into a human-readable
// audit view.
package timeline

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"kvadmin/internal/models"
)

// EventSource lists the recorded events of a job. Both the store and the
// REST client satisfy it.
type EventSource interface {
	ListEvents(ctx context.Context, jobID string) ([]models.JobEvent, error)
}

// Entry is one rendered timeline line.
type Entry struct {
	Event    models.JobEvent
	Label    string
	Detail   string
	Age      string
	Terminal bool
}

// Reader turns raw job events into timeline entries.
type Reader struct {
	source EventSource
	now    func() time.Time
}

// NewReader builds a reader over an event source.
func NewReader(source EventSource) *Reader {
	return &Reader{source: source, now: time.Now}
}

// Timeline fetches and renders the full event history of a job, oldest
// first.
func (r *Reader) Timeline(ctx context.Context, jobID string) ([]Entry, error) {
	events, err := r.source.ListEvents(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	now := r.now()
	entries := make([]Entry, 0, len(events))
	for _, e := range events {
		entries = append(entries, Entry{
			Event:    e,
			Label:    label(e.Type),
			Detail:   detail(e),
			Age:      humanize.RelTime(e.Timestamp, now, "ago", "from now"),
			Terminal: e.Type.Terminal(),
		})
	}
	return entries, nil
}

func label(t models.EventType) string {
	switch t {
	case models.EventStarted:
		return "job started"
	case models.EventProgress25:
		return "25% processed"
	case models.EventProgress50:
		return "50% processed"
	case models.EventProgress75:
		return "75% processed"
	case models.EventCompleted:
		return "job completed"
	case models.EventFailed:
		return "job failed"
	case models.EventCancelled:
		return "job cancelled"
	}
	return string(t)
}

// detail summarizes the event payload. Details written by older daemon
// versions may miss fields or use different numeric types, so extraction
// degrades to an empty string instead of failing.
func detail(e models.JobEvent) string {
	switch e.Type {
	case models.EventStarted:
		if total, ok := asInt(e.Details["total"]); ok {
			return humanize.Comma(total) + " keys"
		}
	case models.EventProgress25, models.EventProgress50, models.EventProgress75:
		processed, pok := asInt(e.Details["processed"])
		total, tok := asInt(e.Details["total"])
		if !pok || !tok {
			return ""
		}
		s := fmt.Sprintf("%s of %s keys", humanize.Comma(processed), humanize.Comma(total))
		if errs, ok := asInt(e.Details["errors"]); ok && errs > 0 {
			s += fmt.Sprintf(", %d errors", errs)
		}
		return s
	case models.EventCompleted:
		if errs, ok := asInt(e.Details["errors"]); ok {
			if errs == 0 {
				return "no errors"
			}
			return fmt.Sprintf("%d errors", errs)
		}
	case models.EventFailed:
		if msg, ok := e.Details["error"].(string); ok {
			return msg
		}
	}
	return ""
}

// asInt tolerates the numeric types that survive a JSON round trip.
func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}
