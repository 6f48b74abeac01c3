package progress

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvadmin/internal/models"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// sliceStream replays a fixed sequence of updates and then fails with err.
type sliceStream struct {
	mu      sync.Mutex
	updates []models.ProgressUpdate
	err     error
	closed  chan struct{}
	once    sync.Once
}

func newSliceStream(err error, updates ...models.ProgressUpdate) *sliceStream {
	return &sliceStream{updates: updates, err: err, closed: make(chan struct{})}
}

func (s *sliceStream) Recv() (models.ProgressUpdate, error) {
	s.mu.Lock()
	if len(s.updates) > 0 {
		u := s.updates[0]
		s.updates = s.updates[1:]
		s.mu.Unlock()
		return u, nil
	}
	s.mu.Unlock()

	if s.err != nil {
		return models.ProgressUpdate{}, s.err
	}
	// Block like a healthy but silent stream until closed.
	<-s.closed
	return models.ProgressUpdate{}, errors.New("stream closed")
}

func (s *sliceStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// scriptedTransport hands out a fixed sequence of Open outcomes. Once the
// script runs out, every further Open fails.
type scriptedTransport struct {
	kind TransportKind
	mu   sync.Mutex
	seq  []func() (Stream, error)
	open int
}

func (t *scriptedTransport) Kind() TransportKind { return t.kind }

func (t *scriptedTransport) Open(context.Context, string) (Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open++
	if len(t.seq) == 0 {
		return nil, errors.New("connection refused")
	}
	next := t.seq[0]
	t.seq = t.seq[1:]
	return next()
}

func (t *scriptedTransport) opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

func failOpen() func() (Stream, error) {
	return func() (Stream, error) { return nil, errors.New("connection refused") }
}

func streamOf(err error, updates ...models.ProgressUpdate) func() (Stream, error) {
	return func() (Stream, error) { return newSliceStream(err, updates...), nil }
}

// fakeSleep records requested delays and returns immediately.
type fakeSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (f *fakeSleep) sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	f.delays = append(f.delays, d)
	f.mu.Unlock()
	return ctx.Err()
}

func (f *fakeSleep) recorded() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.delays...)
}

func update(status models.JobStatus, processed, total int) models.ProgressUpdate {
	return models.ProgressUpdate{
		JobID:      "j1",
		Status:     status,
		Total:      total,
		Processed:  processed,
		Percentage: models.Percent(processed, total),
	}
}

func newTestObserver(channel, poll Transport, sleep *fakeSleep) *Observer {
	return NewObserver("j1", channel, poll, ObserverOptions{Sleep: sleep.sleep}, testLogger)
}

func waitCompletion(t *testing.T, o *Observer) (Completion, bool) {
	t.Helper()
	select {
	case c, ok := <-o.Done():
		return c, ok
	case <-time.After(5 * time.Second):
		t.Fatal("observer did not finish in time")
		return Completion{}, false
	}
}

func TestObserverChannelHappyPath(t *testing.T) {
	channel := &scriptedTransport{kind: TransportChannel, seq: []func() (Stream, error){
		streamOf(io.EOF,
			update(models.StatusQueued, 0, 0),
			update(models.StatusRunning, 250, 1000),
			update(models.StatusCompleted, 1000, 1000),
		),
	}}
	sleep := &fakeSleep{}

	o := newTestObserver(channel, &scriptedTransport{kind: TransportPoll}, sleep)
	o.Watch(context.Background())

	c, ok := waitCompletion(t, o)
	require.True(t, ok)
	assert.Equal(t, models.StatusCompleted, c.Update.Status)
	assert.Equal(t, TransportChannel, c.Transport)
	assert.NoError(t, c.Err)

	// Done is closed after the single completion.
	_, ok = <-o.Done()
	assert.False(t, ok)

	assert.Equal(t, StateCompleted, o.State())
	assert.Empty(t, sleep.recorded(), "a clean run must not back off")

	snap := o.Snapshot()
	assert.Equal(t, TransportChannel, snap.Transport)
	assert.False(t, snap.Degraded)
	assert.InDelta(t, 100.0, snap.Update.Percentage, 0.001)
}

func TestObserverFallsBackToPollingAfterSchedule(t *testing.T) {
	channel := &scriptedTransport{kind: TransportChannel} // every open fails
	poll := &scriptedTransport{kind: TransportPoll, seq: []func() (Stream, error){
		streamOf(io.EOF,
			update(models.StatusRunning, 500, 1000),
			update(models.StatusCompleted, 1000, 1000),
		),
	}}
	sleep := &fakeSleep{}

	o := newTestObserver(channel, poll, sleep)
	o.Watch(context.Background())

	c, ok := waitCompletion(t, o)
	require.True(t, ok)
	assert.Equal(t, models.StatusCompleted, c.Update.Status)
	assert.Equal(t, TransportPoll, c.Transport)

	// One sleep per failed attempt, including the last before degrading.
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}, sleep.recorded())
	assert.Equal(t, 5, channel.opens())

	snap := o.Snapshot()
	assert.True(t, snap.Degraded)
	assert.Equal(t, TransportPoll, snap.Transport)
}

func TestObserverPollsFromStartWithoutChannelTransport(t *testing.T) {
	poll := &scriptedTransport{kind: TransportPoll, seq: []func() (Stream, error){
		streamOf(io.EOF,
			update(models.StatusRunning, 500, 1000),
			update(models.StatusCompleted, 1000, 1000),
		),
	}}
	sleep := &fakeSleep{}

	o := newTestObserver(nil, poll, sleep)
	o.Watch(context.Background())

	c, ok := waitCompletion(t, o)
	require.True(t, ok)
	assert.Equal(t, models.StatusCompleted, c.Update.Status)
	assert.Equal(t, TransportPoll, c.Transport)

	assert.Empty(t, sleep.recorded(), "poll-only operation must not back off")
	assert.Equal(t, 1, poll.opens())

	// Configured polling is the normal mode, not the fallback.
	snap := o.Snapshot()
	assert.False(t, snap.Degraded)
	assert.Equal(t, TransportPoll, snap.Transport)
}

func TestObserverReconnectsWithinSchedule(t *testing.T) {
	channel := &scriptedTransport{kind: TransportChannel, seq: []func() (Stream, error){
		failOpen(),
		failOpen(),
		streamOf(io.EOF, update(models.StatusCompleted, 10, 10)),
	}}
	sleep := &fakeSleep{}

	o := newTestObserver(channel, &scriptedTransport{kind: TransportPoll}, sleep)
	o.Watch(context.Background())

	c, ok := waitCompletion(t, o)
	require.True(t, ok)
	assert.Equal(t, TransportChannel, c.Transport)
	assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second}, sleep.recorded())
}

func TestObserverResetsScheduleAfterSuccessfulStream(t *testing.T) {
	channel := &scriptedTransport{kind: TransportChannel, seq: []func() (Stream, error){
		failOpen(),
		failOpen(),
		// Delivers one update, then drops: the next outage starts over.
		streamOf(io.EOF, update(models.StatusRunning, 100, 1000)),
		streamOf(io.EOF, update(models.StatusCompleted, 1000, 1000)),
	}}
	sleep := &fakeSleep{}

	o := newTestObserver(channel, &scriptedTransport{kind: TransportPoll}, sleep)
	o.Watch(context.Background())

	_, ok := waitCompletion(t, o)
	require.True(t, ok)
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, // initial outage
		1 * time.Second, // fresh schedule after the mid-stream drop
	}, sleep.recorded())
}

func TestObserverDetachIsIdempotent(t *testing.T) {
	// A healthy but silent stream keeps the observer blocked in Recv.
	channel := &scriptedTransport{kind: TransportChannel, seq: []func() (Stream, error){
		streamOf(nil, update(models.StatusRunning, 1, 10)),
	}}

	o := newTestObserver(channel, &scriptedTransport{kind: TransportPoll}, &fakeSleep{})
	o.Watch(context.Background())

	// Wait for the first update so the stream is established.
	select {
	case <-o.Updates():
	case <-time.After(5 * time.Second):
		t.Fatal("no update received")
	}

	o.Detach()
	o.Detach()

	_, ok := waitCompletion(t, o)
	assert.False(t, ok, "a detached observer must close Done without a completion")
	assert.Equal(t, StateDetached, o.State())
}

func TestObserverCompletionIsExactlyOnce(t *testing.T) {
	// The terminal update and a detach race; whatever wins, Done yields at
	// most one completion and then closes.
	for i := 0; i < 20; i++ {
		channel := &scriptedTransport{kind: TransportChannel, seq: []func() (Stream, error){
			streamOf(io.EOF, update(models.StatusCompleted, 10, 10)),
		}}
		o := newTestObserver(channel, &scriptedTransport{kind: TransportPoll}, &fakeSleep{})
		o.Watch(context.Background())
		go o.Detach()

		completions := 0
		for range o.Done() {
			completions++
		}
		assert.LessOrEqual(t, completions, 1)

		s := o.State()
		assert.Contains(t, []ObserverState{StateCompleted, StateDetached}, s)
	}
}

func TestObserverCoalescesUpdates(t *testing.T) {
	o := newTestObserver(&scriptedTransport{kind: TransportChannel}, &scriptedTransport{kind: TransportPoll}, &fakeSleep{})

	// Publish directly without a consumer; only the newest survives.
	for i := 1; i <= 5; i++ {
		o.publish(Snapshot{Update: update(models.StatusRunning, i*100, 1000), Transport: TransportChannel})
	}

	got := <-o.Updates()
	assert.Equal(t, 500, got.Update.Processed)

	select {
	case extra := <-o.Updates():
		t.Fatalf("expected a single coalesced snapshot, got another: %+v", extra)
	default:
	}
}

func TestObserverGracePeriodDropsSilentStream(t *testing.T) {
	// First stream goes silent forever; the grace period must cut it off
	// and the retry must reach the second stream.
	channel := &scriptedTransport{kind: TransportChannel, seq: []func() (Stream, error){
		streamOf(nil), // silent
		streamOf(io.EOF, update(models.StatusCompleted, 10, 10)),
	}}
	sleep := &fakeSleep{}

	o := NewObserver("j1", channel, &scriptedTransport{kind: TransportPoll}, ObserverOptions{
		GracePeriod: 20 * time.Millisecond,
		Sleep:       sleep.sleep,
	}, testLogger)
	o.Watch(context.Background())

	c, ok := waitCompletion(t, o)
	require.True(t, ok)
	assert.Equal(t, models.StatusCompleted, c.Update.Status)
	assert.Equal(t, []time.Duration{1 * time.Second}, sleep.recorded())
}

func TestObserverPollNotFoundIsFatal(t *testing.T) {
	channel := &scriptedTransport{kind: TransportChannel}
	poll := &scriptedTransport{kind: TransportPoll, seq: []func() (Stream, error){
		streamOf(ErrJobNotFound),
	}}

	o := newTestObserver(channel, poll, &fakeSleep{})
	o.Watch(context.Background())

	c, ok := waitCompletion(t, o)
	require.True(t, ok)
	assert.ErrorIs(t, c.Err, ErrJobNotFound)
	assert.Equal(t, StateDetached, o.State())
}
