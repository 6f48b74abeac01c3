package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvadmin/internal/models"
)

// scriptedFetcher returns one scripted outcome per call.
type scriptedFetcher struct {
	mu  sync.Mutex
	seq []func() (models.ProgressUpdate, error)
}

func (f *scriptedFetcher) JobProgress(_ context.Context, _ string) (models.ProgressUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.seq) == 0 {
		return models.ProgressUpdate{}, errors.New("fetcher script exhausted")
	}
	next := f.seq[0]
	f.seq = f.seq[1:]
	return next()
}

func ok(u models.ProgressUpdate) func() (models.ProgressUpdate, error) {
	return func() (models.ProgressUpdate, error) { return u, nil }
}

func fail(err error) func() (models.ProgressUpdate, error) {
	return func() (models.ProgressUpdate, error) { return models.ProgressUpdate{}, err }
}

func TestPollStreamFirstFetchIsImmediate(t *testing.T) {
	fetcher := &scriptedFetcher{seq: []func() (models.ProgressUpdate, error){
		ok(update(models.StatusRunning, 1, 10)),
	}}
	transport := NewPollTransport(fetcher, time.Hour, testLogger)

	stream, err := transport.Open(context.Background(), "j1")
	require.NoError(t, err)
	defer stream.Close()

	start := time.Now()
	u, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, 1, u.Processed)
	assert.Less(t, time.Since(start), time.Second, "first poll must not wait for the interval")
}

func TestPollStreamRetriesTransientErrors(t *testing.T) {
	fetcher := &scriptedFetcher{seq: []func() (models.ProgressUpdate, error){
		fail(errors.New("connection reset")),
		fail(errors.New("502 bad gateway")),
		ok(update(models.StatusRunning, 5, 10)),
	}}
	transport := NewPollTransport(fetcher, 5*time.Millisecond, testLogger)

	stream, err := transport.Open(context.Background(), "j1")
	require.NoError(t, err)
	defer stream.Close()

	u, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, 5, u.Processed)
}

func TestPollStreamNotFoundIsFatal(t *testing.T) {
	fetcher := &scriptedFetcher{seq: []func() (models.ProgressUpdate, error){
		fail(ErrJobNotFound),
	}}
	transport := NewPollTransport(fetcher, 5*time.Millisecond, testLogger)

	stream, err := transport.Open(context.Background(), "j1")
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Recv()
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestPollStreamCloseUnblocksRecv(t *testing.T) {
	fetcher := &scriptedFetcher{seq: []func() (models.ProgressUpdate, error){
		ok(update(models.StatusRunning, 1, 10)),
	}}
	transport := NewPollTransport(fetcher, time.Hour, testLogger)

	stream, err := transport.Open(context.Background(), "j1")
	require.NoError(t, err)

	_, err = stream.Recv()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := stream.Recv()
		done <- err
	}()

	stream.Close()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Recv did not return after Close")
	}
}
