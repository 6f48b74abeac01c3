package progress

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"kvadmin/internal/models"
)

// DefaultPollInterval paces the pull transport. Polling is the degraded
// path, so the interval favors server load over latency.
const DefaultPollInterval = 1500 * time.Millisecond

// ErrJobNotFound is returned by a JobFetcher when the job does not exist.
// It is the one poll error that ends the stream instead of being retried.
var ErrJobNotFound = errors.New("job not found")

// JobFetcher fetches the current progress snapshot of a job. The REST
// client implements it.
type JobFetcher interface {
	JobProgress(ctx context.Context, jobID string) (models.ProgressUpdate, error)
}

// PollTransport delivers updates by periodically fetching job snapshots.
type PollTransport struct {
	fetcher  JobFetcher
	interval time.Duration
	logger   *slog.Logger
}

// NewPollTransport builds a pull transport. A non-positive interval falls
// back to DefaultPollInterval.
func NewPollTransport(fetcher JobFetcher, interval time.Duration, logger *slog.Logger) *PollTransport {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PollTransport{fetcher: fetcher, interval: interval, logger: logger}
}

func (p *PollTransport) Kind() TransportKind { return TransportPoll }

// Open starts a poll loop for the job. The first Recv fetches immediately
// so a consumer switching transports is not left blind for a full interval.
func (p *PollTransport) Open(ctx context.Context, jobID string) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	return &pollStream{
		fetcher:  p.fetcher,
		interval: p.interval,
		logger:   p.logger,
		jobID:    jobID,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

type pollStream struct {
	fetcher  JobFetcher
	interval time.Duration
	logger   *slog.Logger
	jobID    string
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
}

// Recv returns the next snapshot. Transient fetch errors are logged and
// retried on the following tick; a missing job is fatal.
func (s *pollStream) Recv() (models.ProgressUpdate, error) {
	if !s.started {
		s.started = true
		u, err := s.fetch()
		if err == nil || errors.Is(err, ErrJobNotFound) || s.ctx.Err() != nil {
			return u, err
		}
		s.logger.Warn("poll failed, retrying", "job_id", s.jobID, "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return models.ProgressUpdate{}, s.ctx.Err()
		case <-ticker.C:
			u, err := s.fetch()
			if err == nil {
				return u, nil
			}
			if errors.Is(err, ErrJobNotFound) || s.ctx.Err() != nil {
				return models.ProgressUpdate{}, err
			}
			s.logger.Warn("poll failed, retrying", "job_id", s.jobID, "error", err)
		}
	}
}

func (s *pollStream) fetch() (models.ProgressUpdate, error) {
	return s.fetcher.JobProgress(s.ctx, s.jobID)
}

func (s *pollStream) Close() error {
	s.cancel()
	return nil
}
