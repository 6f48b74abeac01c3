package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"kvadmin/internal/models"
	"kvadmin/internal/store"
	"kvadmin/internal/telemetry"
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The daemon serves operator tooling, not browsers.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWatch streams progress updates for one job over a WebSocket. The
// subscription is taken out before the initial snapshot is read, so an
// update landing between the two is buffered rather than lost.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	updates, cancel := s.tracker.Watch(id)
	defer cancel()

	job, err := s.tracker.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.writeStoreError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "job_id", id, "error", err)
		return
	}
	defer conn.Close()

	telemetry.WatchSessions.Inc()
	defer telemetry.WatchSessions.Dec()
	s.logger.Debug("watch session opened", "job_id", id)

	// Detect the client going away while we block on the hub channel.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if done := s.sendUpdate(conn, id, job.Progress()); done {
		return
	}

	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return
			}
			if done := s.sendUpdate(conn, id, u); done {
				return
			}
		case <-clientGone:
			return
		}
	}
}

// sendUpdate writes one frame and reports whether the session is finished,
// either because the job reached a terminal status or the write failed.
func (s *Server) sendUpdate(conn *websocket.Conn, jobID string, u models.ProgressUpdate) bool {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(u); err != nil {
		s.logger.Debug("watch session write failed", "job_id", jobID, "error", err)
		return true
	}
	telemetry.WatchMessages.Inc()

	if u.Status.Terminal() {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(u.Status)))
		return true
	}
	return false
}
