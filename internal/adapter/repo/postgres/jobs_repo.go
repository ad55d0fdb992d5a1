// Package postgres provides PostgreSQL database adapters.
//
// It implements the durable job/task store with lease-based claiming. All
// task state transitions run inside single transactions; the store is the
// single source of truth for job and task status.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/outreach-orchestrator/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Store persists jobs and tasks. It implements domain.TaskStore.
type Store struct{ Pool PgxPool }

// NewStore constructs a Store with the given pool.
func NewStore(p PgxPool) *Store { return &Store{Pool: p} }

// CreateJob inserts a job row; idempotent on job id.
func (s *Store) CreateJob(ctx domain.Context, j domain.Job) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	span.SetAttributes(attribute.String("job.kind", string(j.Kind)))
	q := `INSERT INTO jobs (id, client_id, kind, priority, status, correlation_id, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	      ON CONFLICT (id) DO NOTHING`
	now := time.Now().UTC()
	return withRetry(ctx, func() error {
		_, err := s.Pool.Exec(ctx, q, j.ID, j.ClientID, j.Kind, j.Priority, j.Status, j.CorrelationID, now, now)
		if err != nil {
			return fmt.Errorf("op=job.create: %w", err)
		}
		return nil
	})
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx domain.Context, id string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT id, client_id, kind, priority, status, COALESCE(correlation_id,''), created_at, updated_at
	      FROM jobs WHERE id=$1`
	row := s.Pool.QueryRow(ctx, q, id)
	var j domain.Job
	if err := row.Scan(&j.ID, &j.ClientID, &j.Kind, &j.Priority, &j.Status, &j.CorrelationID, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// ListJobs returns jobs matching the filter, newest first.
func (s *Store) ListJobs(ctx domain.Context, f domain.JobFilter) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	q := `SELECT id, client_id, kind, priority, status, COALESCE(correlation_id,''), created_at, updated_at
	      FROM jobs
	      WHERE ($1 = '' OR client_id = $1)
	        AND ($2 = '' OR status = $2)
	        AND ($3 = '' OR kind = $3)
	      ORDER BY created_at DESC
	      LIMIT $4 OFFSET $5`
	rows, err := s.Pool.Query(ctx, q, f.ClientID, string(f.Status), string(f.Kind), limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		var j domain.Job
		if err := rows.Scan(&j.ID, &j.ClientID, &j.Kind, &j.Priority, &j.Status, &j.CorrelationID, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=job.list: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	return out, nil
}

// UpdateJobStatus sets a job's status. Terminal statuses stick: a job that
// reached done/failed/cancelled is never overwritten, and racing writers get
// ErrConflict so a cancellation landing mid-finish wins.
func (s *Store) UpdateJobStatus(ctx domain.Context, jobID string, status domain.JobStatus) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateStatus")
	defer span.End()
	q := `UPDATE jobs SET status=$2, updated_at=$3 WHERE id=$1 AND status NOT IN ('done','failed','cancelled')`
	return withRetry(ctx, func() error {
		tag, err := s.Pool.Exec(ctx, q, jobID, status, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("op=job.update_status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("op=job.update_status: job %s terminal or missing: %w", jobID, domain.ErrConflict)
		}
		return nil
	})
}

// CancelJob flips the job to cancelled and cancels its pending and leased
// tasks in one transaction. Leased tasks are cancelled outright: a zombie
// worker's late commit then fails the status=leased check.
func (s *Store) CancelJob(ctx domain.Context, jobID string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Cancel")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))
	return withRetry(ctx, func() error {
		tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("op=job.cancel: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()
		now := time.Now().UTC()
		tag, err := tx.Exec(ctx, `UPDATE jobs SET status=$2, updated_at=$3 WHERE id=$1 AND status NOT IN ('done','failed','cancelled')`,
			jobID, domain.JobCancelled, now)
		if err != nil {
			return fmt.Errorf("op=job.cancel: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("op=job.cancel: %w", domain.ErrConflict)
		}
		_, err = tx.Exec(ctx, `UPDATE job_tasks
		      SET status=$2, leased_by=NULL, leased_at=NULL, lease_expires_at=NULL, updated_at=$3
		      WHERE job_id=$1 AND status IN ('pending','leased')`,
			jobID, domain.TaskCancelled, now)
		if err != nil {
			return fmt.Errorf("op=job.cancel: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("op=job.cancel: %w", err)
		}
		return nil
	})
}

// JobProgress aggregates a job's task counts by status.
func (s *Store) JobProgress(ctx domain.Context, jobID string) (domain.JobProgress, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Progress")
	defer span.End()
	q := `SELECT status, COUNT(*) FROM job_tasks WHERE job_id=$1 GROUP BY status`
	rows, err := s.Pool.Query(ctx, q, jobID)
	if err != nil {
		return domain.JobProgress{}, fmt.Errorf("op=job.progress: %w", err)
	}
	defer rows.Close()
	var p domain.JobProgress
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return domain.JobProgress{}, fmt.Errorf("op=job.progress: %w", err)
		}
		p.Total += n
		switch domain.TaskStatus(st) {
		case domain.TaskPending:
			p.Pending = n
		case domain.TaskLeased:
			p.Leased = n
		case domain.TaskDone:
			p.Done = n
		case domain.TaskError:
			p.Errored = n
		case domain.TaskCancelled:
			p.Cancelled = n
		}
	}
	if err := rows.Err(); err != nil {
		return domain.JobProgress{}, fmt.Errorf("op=job.progress: %w", err)
	}
	return p, nil
}

// AllTasksFinished reports whether every task of the job is terminal.
func (s *Store) AllTasksFinished(ctx domain.Context, jobID string) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.AllTasksFinished")
	defer span.End()
	q := `SELECT COUNT(*) FROM job_tasks WHERE job_id=$1 AND status IN ('pending','leased')`
	row := s.Pool.QueryRow(ctx, q, jobID)
	var open int
	if err := row.Scan(&open); err != nil {
		return false, fmt.Errorf("op=job.all_finished: %w", err)
	}
	return open == 0, nil
}
