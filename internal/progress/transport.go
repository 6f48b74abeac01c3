// Package progress implements the consumer side of job progress delivery:
// a push transport over WebSocket, a pull transport over HTTP polling, and
// an observer that drives reconnects and the fallback between the two.
package progress

import (
	"context"

	"kvadmin/internal/models"
)

// TransportKind names the delivery mechanism currently in use.
type TransportKind string

const (
	TransportChannel TransportKind = "channel"
	TransportPoll    TransportKind = "poll"
	TransportNone    TransportKind = "none"
)

// Stream yields progress updates for one job until it fails or is closed.
type Stream interface {
	// Recv blocks until the next update is available. It returns an error
	// when the stream cannot produce further updates.
	Recv() (models.ProgressUpdate, error)
	Close() error
}

// Transport opens progress streams for jobs.
type Transport interface {
	Kind() TransportKind
	Open(ctx context.Context, jobID string) (Stream, error)
}
