package models

import "time"

// EventType identifies a lifecycle milestone recorded in the event timeline.
type EventType string

const (
	EventStarted    EventType = "started"
	EventProgress25 EventType = "progress_25"
	EventProgress50 EventType = "progress_50"
	EventProgress75 EventType = "progress_75"
	EventCompleted  EventType = "completed"
	EventFailed     EventType = "failed"
	EventCancelled  EventType = "cancelled"
)

// Terminal reports whether e marks the end of a job's lifecycle. At most one
// event of each terminal type may exist per job.
func (e EventType) Terminal() bool {
	switch e {
	case EventCompleted, EventFailed, EventCancelled:
		return true
	}
	return false
}

// JobEvent is one entry in the append-only per-job event timeline. Seq is
// assigned by the event log and increases strictly within a job.
type JobEvent struct {
	JobID     string         `json:"job_id"`
	Seq       int64          `json:"seq"`
	Type      EventType      `json:"event_type"`
	Actor     string         `json:"actor"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}
