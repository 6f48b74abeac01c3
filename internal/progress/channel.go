package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gorilla/websocket"

	"kvadmin/internal/models"
)

// ChannelTransport delivers updates over the daemon's WebSocket watch
// endpoint.
type ChannelTransport struct {
	baseURL string
	dialer  *websocket.Dialer
	logger  *slog.Logger
}

// NewChannelTransport builds a WebSocket transport against an http(s) base
// URL such as http://localhost:8080.
func NewChannelTransport(baseURL string, logger *slog.Logger) *ChannelTransport {
	return &ChannelTransport{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		dialer:  websocket.DefaultDialer,
		logger:  logger,
	}
}

func (c *ChannelTransport) Kind() TransportKind { return TransportChannel }

// Open dials the watch endpoint for the job.
func (c *ChannelTransport) Open(ctx context.Context, jobID string) (Stream, error) {
	url := httpToWS(c.baseURL) + "/api/jobs/" + jobID + "/watch"

	conn, resp, err := c.dialer.DialContext(ctx, url, nil)
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &wsStream{conn: conn, logger: c.logger}, nil
}

func httpToWS(url string) string {
	switch {
	case strings.HasPrefix(url, "https://"):
		return "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

type wsStream struct {
	conn   *websocket.Conn
	logger *slog.Logger
}

// Recv reads frames until one decodes as a progress update. Malformed
// frames are logged and skipped rather than tearing down the stream.
func (s *wsStream) Recv() (models.ProgressUpdate, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return models.ProgressUpdate{}, err
		}

		var u models.ProgressUpdate
		if err := json.Unmarshal(data, &u); err != nil {
			s.logger.Warn("skipping malformed progress frame", "error", err)
			continue
		}
		return u, nil
	}
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}
