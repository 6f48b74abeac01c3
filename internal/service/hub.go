// Package service provides the producer-facing job tracking logic.
package service

import (
	"sync"

	"kvadmin/internal/models"
)

// subscriberBuffer bounds how far a watcher may fall behind before frames
// are dropped. Progress is snapshot-based, so dropped intermediate frames
// are recovered by the next one.
const subscriberBuffer = 16

// Hub fans out progress updates to per-job subscribers. Publishing never
// blocks: a subscriber that cannot keep up loses frames, not the producer.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan models.ProgressUpdate]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan models.ProgressUpdate]struct{})}
}

// Subscribe registers interest in one job. The returned cancel function is
// idempotent and closes the channel.
func (h *Hub) Subscribe(jobID string) (<-chan models.ProgressUpdate, func()) {
	ch := make(chan models.ProgressUpdate, subscriberBuffer)

	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[chan models.ProgressUpdate]struct{})
	}
	h.subs[jobID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[jobID], ch)
			if len(h.subs[jobID]) == 0 {
				delete(h.subs, jobID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers an update to every subscriber of the job.
func (h *Hub) Publish(u models.ProgressUpdate) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subs[u.JobID] {
		select {
		case ch <- u:
		default:
			// Subscriber is behind; skip this frame for it.
		}
	}
}

// Subscribers reports how many watchers a job currently has.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}
