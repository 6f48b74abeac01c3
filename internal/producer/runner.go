// Package producer executes bulk key-value operations and reports their
// progress through the job tracker.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"

	"kvadmin/internal/artifact"
	"kvadmin/internal/models"
	"kvadmin/internal/service"
	"kvadmin/internal/store"
	"kvadmin/internal/telemetry"
)

const scanBatchSize = 200

// Runner executes submitted jobs against the key-value store. One
// goroutine per job; Cancel stops it cooperatively.
type Runner struct {
	rdb       redis.UniversalClient
	tracker   *service.Tracker
	artifacts artifact.Store
	logger    *slog.Logger

	baseCtx context.Context
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewRunner builds a runner. baseCtx bounds the lifetime of every job it
// executes.
func NewRunner(baseCtx context.Context, rdb redis.UniversalClient, tracker *service.Tracker, artifacts artifact.Store, logger *slog.Logger) *Runner {
	return &Runner{
		rdb:       rdb,
		tracker:   tracker,
		artifacts: artifacts,
		logger:    logger,
		baseCtx:   baseCtx,
		running:   make(map[string]context.CancelFunc),
	}
}

// Dispatch starts executing a job in the background.
func (r *Runner) Dispatch(job models.Job) {
	ctx, cancel := context.WithCancel(r.baseCtx)

	r.mu.Lock()
	r.running[job.ID] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.running, job.ID)
			r.mu.Unlock()
		}()
		r.run(ctx, job)
	}()
}

// Cancel stops the executor of a job if one is running. The job state
// itself is flipped by the tracker, not here.
func (r *Runner) Cancel(jobID string) bool {
	r.mu.Lock()
	cancel, ok := r.running[jobID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Wait blocks until all dispatched jobs have returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) run(ctx context.Context, job models.Job) {
	logger := r.logger.With("job_id", job.ID, "operation", job.Operation)

	tasks, err := r.collect(ctx, job)
	if err != nil {
		r.fail(ctx, job.ID, fmt.Errorf("collect work: %w", err))
		return
	}

	if _, err := r.tracker.Start(ctx, job.ID, "runner", len(tasks)); err != nil {
		// Typically the job was cancelled while still queued.
		logger.Warn("could not start job", "error", err)
		return
	}

	op, err := r.newExecutor(job)
	if err != nil {
		r.fail(ctx, job.ID, err)
		return
	}

	processed, errCount := 0, 0
	for _, task := range tasks {
		if ctx.Err() != nil {
			logger.Info("executor stopped", "processed", processed)
			return
		}

		if err := op.apply(ctx, task); err != nil {
			if ctx.Err() != nil {
				logger.Info("executor stopped", "processed", processed)
				return
			}
			errCount++
			logger.Warn("key operation failed", "key", task.key, "error", err)
		}
		processed++
		telemetry.KeysProcessed.Inc()

		if _, err := r.tracker.Progress(ctx, job.ID, "runner", processed, errCount, task.key); err != nil {
			if errors.Is(err, store.ErrInvalidTransition) {
				// Job went terminal underneath us (cancelled via the API).
				logger.Info("job no longer running, stopping executor")
				return
			}
			logger.Error("progress update failed", "error", err)
		}
	}

	result, err := op.finish(ctx)
	if err != nil {
		r.fail(ctx, job.ID, err)
		return
	}

	if ctx.Err() != nil {
		return
	}
	if _, err := r.tracker.Complete(ctx, job.ID, "runner", result); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		logger.Error("could not complete job", "error", err)
	}
}

func (r *Runner) fail(ctx context.Context, jobID string, err error) {
	if ctx.Err() != nil {
		return
	}
	if _, ferr := r.tracker.Fail(ctx, jobID, "runner", err); ferr != nil && !errors.Is(ferr, store.ErrInvalidTransition) {
		r.logger.Error("could not fail job", "job_id", jobID, "error", ferr)
	}
}

// keyPrefix is the namespace prefix every bulk operation scans under.
func keyPrefix(namespace string) string {
	return "ns:" + namespace + ":"
}

// collect determines the work list up front so the job total is known
// before the first key is touched.
func (r *Runner) collect(ctx context.Context, job models.Job) ([]task, error) {
	switch job.Operation {
	case models.OpImport:
		return importTasks(job)
	case models.OpRestore:
		return r.restoreTasks(ctx, job)
	default:
		keys, err := r.scanKeys(ctx, keyPrefix(job.Namespace))
		if err != nil {
			return nil, err
		}
		tasks := make([]task, 0, len(keys))
		for _, k := range keys {
			tasks = append(tasks, task{key: k})
		}
		return tasks, nil
	}
}

func (r *Runner) scanKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, prefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	// SCAN order is arbitrary; fix it so progress is reproducible.
	sort.Strings(keys)
	return keys, nil
}
