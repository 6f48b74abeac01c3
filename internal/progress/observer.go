package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"kvadmin/internal/models"
)

// ObserverState is the observer's position in its delivery state machine.
type ObserverState string

const (
	StateIdle         ObserverState = "idle"
	StateConnecting   ObserverState = "connecting"
	StateStreaming    ObserverState = "streaming"
	StateReconnecting ObserverState = "reconnecting"
	StatePolling      ObserverState = "polling"
	StateCompleted    ObserverState = "completed"
	StateDetached     ObserverState = "detached"
)

// DefaultBackoff is the reconnect delay schedule. One reconnect attempt is
// made per entry; after the last delay the observer degrades to polling
// for the remainder of the job.
var DefaultBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

// DefaultGracePeriod bounds how long a silent channel stream is trusted
// before it is treated as broken.
const DefaultGracePeriod = 45 * time.Second

// Snapshot is the observer's current view of the job, annotated with how
// it was obtained.
type Snapshot struct {
	Update    models.ProgressUpdate
	Transport TransportKind
	Degraded  bool
}

// Completion is the final outcome of an observation. Err is non-nil only
// when the observer gave up without seeing a terminal update.
type Completion struct {
	Update    models.ProgressUpdate
	Transport TransportKind
	Err       error
}

// ObserverOptions tune an Observer. Zero values take the defaults above.
type ObserverOptions struct {
	Backoff     []time.Duration
	GracePeriod time.Duration
	// Sleep is the wait primitive used between reconnect attempts.
	// Tests inject a recording fake; nil means a real timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Observer follows one job across transports. It starts on the channel
// transport, reconnects with backoff when the stream drops, falls back to
// polling when the schedule is exhausted, and delivers the terminal update
// exactly once regardless of which transport produced it. Without a channel
// transport it polls from the start; that mode is not degraded, it is the
// configured one.
type Observer struct {
	jobID   string
	channel Transport
	poll    Transport
	opts    ObserverOptions
	logger  *slog.Logger

	mu    sync.Mutex
	state ObserverState
	last  Snapshot

	updates chan Snapshot
	done    chan Completion
	final   sync.Once

	cancel context.CancelFunc
	detach sync.Once
}

// NewObserver builds an observer for one job. Call Watch to start it.
// A nil channel transport selects poll-only operation.
func NewObserver(jobID string, channel, poll Transport, opts ObserverOptions, logger *slog.Logger) *Observer {
	if opts.Backoff == nil {
		opts.Backoff = DefaultBackoff
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	return &Observer{
		jobID:   jobID,
		channel: channel,
		poll:    poll,
		opts:    opts,
		logger:  logger,
		state:   StateIdle,
		last:    Snapshot{Transport: TransportNone},
		updates: make(chan Snapshot, 1),
		done:    make(chan Completion, 1),
	}
}

// Watch starts the observation goroutine. It is a no-op after the first
// call.
func (o *Observer) Watch(ctx context.Context) {
	o.mu.Lock()
	if o.cancel != nil {
		o.mu.Unlock()
		return
	}
	ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	go o.run(ctx)
}

// Updates yields coalesced snapshots: when the consumer lags, older
// snapshots are replaced by newer ones instead of queueing up.
func (o *Observer) Updates() <-chan Snapshot { return o.updates }

// Done yields the single Completion and is then closed. After Detach it is
// closed without a value.
func (o *Observer) Done() <-chan Completion { return o.done }

// Snapshot returns the most recent view of the job.
func (o *Observer) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// State returns the observer's current state.
func (o *Observer) State() ObserverState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Detach stops the observation without waiting for the job to finish.
// It is safe to call multiple times and after completion.
func (o *Observer) Detach() {
	o.detach.Do(func() {
		o.mu.Lock()
		cancel := o.cancel
		o.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		o.finalize(StateDetached, nil)
	})
}

// run drives the state machine until a terminal update, a fatal error or
// a detach.
func (o *Observer) run(ctx context.Context) {
	if o.channel == nil {
		o.logger.Info("no channel transport configured, polling", "job_id", o.jobID)
		o.runPolling(ctx, false)
		return
	}

	attempt := 0

	for {
		if ctx.Err() != nil {
			o.finalize(StateDetached, nil)
			return
		}

		if attempt >= len(o.opts.Backoff) {
			o.logger.Warn("reconnect schedule exhausted, falling back to polling", "job_id", o.jobID)
			o.runPolling(ctx, true)
			return
		}

		if attempt == 0 {
			o.setState(StateConnecting)
		} else {
			o.setState(StateReconnecting)
		}

		ok := o.runChannel(ctx)
		if o.isFinal() {
			return
		}
		if ok {
			// The stream delivered at least one update before dropping,
			// so this outage starts a fresh schedule. A successful dial
			// alone does not reset: a stream that dies before its first
			// update keeps consuming the schedule.
			attempt = 0
		}

		o.logger.Warn("channel transport lost",
			"job_id", o.jobID, "attempt", attempt+1, "max_attempts", len(o.opts.Backoff))

		if err := o.opts.Sleep(ctx, o.opts.Backoff[attempt]); err != nil {
			o.finalize(StateDetached, nil)
			return
		}
		attempt++
	}
}

// runChannel consumes one channel stream. It reports whether any update
// arrived before the stream broke.
func (o *Observer) runChannel(ctx context.Context) bool {
	stream, err := o.channel.Open(ctx, o.jobID)
	if err != nil {
		o.logger.Debug("channel open failed", "job_id", o.jobID, "error", err)
		return false
	}
	defer stream.Close()

	o.setState(StateStreaming)
	received := false

	for {
		u, err := o.recvWithGrace(ctx, stream)
		if err != nil {
			if ctx.Err() != nil {
				o.finalize(StateDetached, nil)
			}
			return received
		}
		received = true

		o.publish(Snapshot{Update: u, Transport: TransportChannel})
		if u.Status.Terminal() {
			o.finalize(StateCompleted, &Completion{Update: u, Transport: TransportChannel})
			return true
		}
	}
}

// recvWithGrace wraps Recv with the grace period: a stream that stays
// silent past it is closed and treated as broken.
func (o *Observer) recvWithGrace(ctx context.Context, stream Stream) (models.ProgressUpdate, error) {
	type result struct {
		u   models.ProgressUpdate
		err error
	}
	ch := make(chan result, 1)
	go func() {
		u, err := stream.Recv()
		ch <- result{u, err}
	}()

	timer := time.NewTimer(o.opts.GracePeriod)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.u, r.err
	case <-timer.C:
		o.logger.Warn("no updates within grace period, dropping stream", "job_id", o.jobID)
		stream.Close()
		r := <-ch
		if r.err == nil {
			// A frame raced the timeout; take it.
			return r.u, nil
		}
		return models.ProgressUpdate{}, r.err
	case <-ctx.Done():
		stream.Close()
		<-ch
		return models.ProgressUpdate{}, ctx.Err()
	}
}

// runPolling keeps the observer on the pull transport until the job finishes
// or the poller fails fatally. degraded marks snapshots from the fallback
// path; configured poll-only operation is not degraded.
func (o *Observer) runPolling(ctx context.Context, degraded bool) {
	o.setState(StatePolling)

	stream, err := o.poll.Open(ctx, o.jobID)
	if err != nil {
		o.finalize(StateDetached, &Completion{Transport: TransportPoll, Err: err})
		return
	}
	defer stream.Close()

	for {
		u, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				o.finalize(StateDetached, nil)
				return
			}
			o.finalize(StateDetached, &Completion{Transport: TransportPoll, Err: err})
			return
		}

		o.publish(Snapshot{Update: u, Transport: TransportPoll, Degraded: degraded})
		if u.Status.Terminal() {
			o.finalize(StateCompleted, &Completion{Update: u, Transport: TransportPoll})
			return
		}
	}
}

// publish records the snapshot and offers it to the consumer, replacing a
// stale undelivered one.
func (o *Observer) publish(s Snapshot) {
	o.mu.Lock()
	o.last = s
	o.mu.Unlock()

	for {
		select {
		case o.updates <- s:
			return
		default:
			select {
			case <-o.updates: // drop the stale snapshot
			default:
			}
		}
	}
}

// finalize resolves the observer exactly once. A nil completion closes
// Done without a value (detach); a non-nil one is delivered first.
func (o *Observer) finalize(state ObserverState, c *Completion) {
	o.final.Do(func() {
		o.setState(state)
		if c != nil {
			o.done <- *c
		}
		close(o.done)
	})
}

func (o *Observer) setState(s ObserverState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Observer) isFinal() bool {
	s := o.State()
	return s == StateCompleted || s == StateDetached
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
