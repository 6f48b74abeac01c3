package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"kvadmin/internal/models"
)

// pgUniqueViolation is the Postgres error code for unique constraint
// violations. Two constraints on job_events can raise it: the partial unique
// index guarding terminal events, and the (job_id, seq) primary key when two
// appends for the same job race to the same sequence number.
const (
	pgUniqueViolation    = "23505"
	terminalEventIndex   = "idx_job_events_one_terminal"
	eventSequencePrimary = "job_events_pkey"
)

// Postgres persists jobs and job events in Postgres via pgx.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres connects to Postgres, retrying with exponential backoff until
// the database accepts connections or the context is cancelled.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	var pool *pgxpool.Pool
	connect := func() error {
		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = time.Minute

	err = backoff.RetryNotify(connect, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		logger.Warn("postgres not ready, retrying", "error", err, "retry_in", next)
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	return &Postgres{pool: pool, logger: logger}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// InitSchema applies the idempotent schema statements.
func (p *Postgres) InitSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	p.logger.Info("schema initialization complete")
	return nil
}

// CreateJob inserts a new job row.
func (p *Postgres) CreateJob(ctx context.Context, job models.Job) (models.Job, error) {
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now().UTC()
	}

	paramsJSON, err := marshalJSONB(job.Params)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal params: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO jobs (id, operation_type, namespace_id, status, total, processed, errors, current_key, owner, params, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11)
	`, job.ID, job.Operation, job.Namespace, job.Status, job.Total, job.Processed, job.Errors, job.CurrentKey, job.Owner, paramsJSON, job.StartedAt)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	job.Percentage = models.Percent(job.Processed, job.Total)
	return job, nil
}

// GetJob fetches a job by id.
func (p *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := p.pool.QueryRow(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = $1", id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// TransitionJob applies a patch inside a transaction, locking the row so the
// terminal check and the update are atomic.
func (p *Postgres) TransitionJob(ctx context.Context, id string, patch models.JobPatch) (models.Job, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	row := tx.QueryRow(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = $1 FOR UPDATE", id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("lock job: %w", err)
	}
	if job.Status.Terminal() {
		return models.Job{}, ErrInvalidTransition
	}

	next := job.Status
	if patch.Status != nil {
		next = *patch.Status
		if !job.Status.CanTransitionTo(next) {
			return models.Job{}, ErrInvalidTransition
		}
	}

	job.Status = next
	if patch.Total != nil {
		job.Total = *patch.Total
	}
	if patch.Processed != nil {
		job.Processed = *patch.Processed
	}
	if patch.Errors != nil {
		job.Errors = *patch.Errors
	}
	if patch.CurrentKey != nil {
		job.CurrentKey = *patch.CurrentKey
	}
	if next.Terminal() {
		now := time.Now().UTC()
		job.CompletedAt = &now
		if patch.Result != nil {
			job.Result = patch.Result
		}
		if patch.Error != nil {
			job.Error = patch.Error
		}
	}

	resultJSON, err := marshalJSONB(job.Result)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal result: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE jobs
		SET status = $2, total = $3, processed = $4, errors = $5, current_key = NULLIF($6, ''),
		    result = $7, error = $8, completed_at = $9
		WHERE id = $1
	`, id, job.Status, job.Total, job.Processed, job.Errors, job.CurrentKey, resultJSON, job.Error, job.CompletedAt)
	if err != nil {
		return models.Job{}, fmt.Errorf("update job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}

	job.Percentage = models.Percent(job.Processed, job.Total)
	return job, nil
}

// ListJobs runs the filter query and a matching count.
func (p *Postgres) ListJobs(ctx context.Context, q models.JobQuery) ([]models.Job, int, error) {
	sql, args := buildListQuery(q)
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	countSQL, countArgs := buildCountQuery(q)
	var total int
	if err := p.pool.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}
	return jobs, total, nil
}

// AppendEvent inserts an event with the next per-job sequence number. The
// partial unique index turns a racing second terminal append into
// ErrDuplicateTerminalEvent instead of a silent overwrite. A primary key
// collision means two appends raced for the same seq; the losing insert is
// retried with a freshly computed sequence number.
func (p *Postgres) AppendEvent(ctx context.Context, jobID string, typ models.EventType, actor string, details map[string]any) (models.JobEvent, error) {
	detailsJSON, err := marshalJSONB(details)
	if err != nil {
		return models.JobEvent{}, fmt.Errorf("marshal details: %w", err)
	}

	event := models.JobEvent{JobID: jobID, Type: typ, Actor: actor, Details: details}
	for {
		err = p.pool.QueryRow(ctx, `
			INSERT INTO job_events (job_id, seq, event_type, actor, details)
			VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM job_events WHERE job_id = $1), $2, $3, $4)
			RETURNING seq, ts
		`, jobID, typ, actor, detailsJSON).Scan(&event.Seq, &event.Timestamp)
		if err == nil {
			return event, nil
		}

		switch classifyAppendConflict(err) {
		case appendDuplicateTerminal:
			return models.JobEvent{}, ErrDuplicateTerminalEvent
		case appendSeqCollision:
			if ctx.Err() != nil {
				return models.JobEvent{}, ctx.Err()
			}
			p.logger.Debug("event sequence collision, retrying", "job_id", jobID, "event", typ)
		default:
			return models.JobEvent{}, fmt.Errorf("append event: %w", err)
		}
	}
}

type appendConflict int

const (
	appendNoConflict appendConflict = iota
	appendDuplicateTerminal
	appendSeqCollision
)

// classifyAppendConflict tells a terminal-event duplicate apart from a
// sequence number race on the (job_id, seq) primary key.
func classifyAppendConflict(err error) appendConflict {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return appendNoConflict
	}
	switch pgErr.ConstraintName {
	case terminalEventIndex:
		return appendDuplicateTerminal
	case eventSequencePrimary:
		return appendSeqCollision
	}
	return appendNoConflict
}

// ListEvents returns the timeline for a job in sequence order.
func (p *Postgres) ListEvents(ctx context.Context, jobID string) ([]models.JobEvent, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT job_id, seq, event_type, actor, ts, details
		FROM job_events WHERE job_id = $1 ORDER BY seq ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := []models.JobEvent{}
	for rows.Next() {
		var e models.JobEvent
		var detailsJSON []byte
		if err := rows.Scan(&e.JobID, &e.Seq, &e.Type, &e.Actor, &e.Timestamp, &detailsJSON); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &e.Details); err != nil {
				return nil, fmt.Errorf("unmarshal details: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var currentKey, errText pgtype.Text
	var completedAt pgtype.Timestamptz
	var paramsJSON, resultJSON []byte

	err := row.Scan(&job.ID, &job.Operation, &job.Namespace, &job.Status, &job.Total, &job.Processed,
		&job.Errors, &currentKey, &job.Owner, &paramsJSON, &resultJSON, &errText, &job.StartedAt, &completedAt)
	if err != nil {
		return models.Job{}, err
	}

	if currentKey.Valid {
		job.CurrentKey = currentKey.String
	}
	if errText.Valid {
		job.Error = &errText.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &job.Params); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		if err := json.Unmarshal(resultJSON, &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	job.Percentage = models.Percent(job.Processed, job.Total)
	return job, nil
}

func marshalJSONB(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
