package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/outreach-orchestrator/internal/domain"
)

const taskColumns = `id, job_id, kind, target, account, priority, payload_json, status, attempts,
	COALESCE(last_error,''), leased_by, leased_at, lease_expires_at, lease_ttl_seconds, created_at, updated_at`

func scanTask(row pgx.Row) (domain.Task, error) {
	var t domain.Task
	var payload []byte
	var ttlSeconds int
	if err := row.Scan(&t.ID, &t.JobID, &t.Kind, &t.Target, &t.Account, &t.Priority, &payload, &t.Status,
		&t.Attempts, &t.LastError, &t.LeasedBy, &t.LeasedAt, &t.LeaseExpiresAt, &ttlSeconds, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return domain.Task{}, err
	}
	t.LeaseTTL = time.Duration(ttlSeconds) * time.Second
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t.Payload); err != nil {
			return domain.Task{}, fmt.Errorf("payload decode: %w", err)
		}
	}
	return t, nil
}

// GetTask loads a single task by id.
func (s *Store) GetTask(ctx domain.Context, id string) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Get")
	defer span.End()
	row := s.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM job_tasks WHERE id=$1`, id)
	t, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Task{}, fmt.Errorf("op=task.get: %w", domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("op=task.get: %w", err)
	}
	return t, nil
}

// ListTasks returns a job's tasks in creation order for per-target reporting.
func (s *Store) ListTasks(ctx domain.Context, jobID string) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListForJob")
	defer span.End()
	rows, err := s.Pool.Query(ctx, `SELECT `+taskColumns+` FROM job_tasks WHERE job_id=$1 ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=task.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("op=task.list: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=task.list: %w", err)
	}
	return out, nil
}

// CreateTasks batch-inserts tasks inside one transaction. Duplicate task ids
// are silently skipped; either the full batch commits or none does.
func (s *Store) CreateTasks(ctx domain.Context, tasks []domain.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.CreateBatch")
	defer span.End()
	span.SetAttributes(attribute.Int("tasks.count", len(tasks)))
	return withRetry(ctx, func() error {
		tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("op=task.create_batch: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()
		now := time.Now().UTC()
		q := `INSERT INTO job_tasks
		      (id, job_id, kind, target, account, priority, payload_json, status, attempts, lease_ttl_seconds, created_at, updated_at)
		      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,$9,$10,$10)
		      ON CONFLICT (id) DO NOTHING`
		for _, t := range tasks {
			payload, err := json.Marshal(t.Payload)
			if err != nil {
				return fmt.Errorf("op=task.create_batch: payload encode: %w", err)
			}
			if _, err := tx.Exec(ctx, q, t.ID, t.JobID, t.Kind, t.Target, t.Account, t.Priority,
				payload, domain.TaskPending, int(t.LeaseTTL.Seconds()), now); err != nil {
				return fmt.Errorf("op=task.create_batch: %w", err)
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("op=task.create_batch: %w", err)
		}
		return nil
	})
}

// ClaimNext atomically leases the best pending task for the worker: ordered
// by (priority DESC, created_at ASC), restricted to the worker's kinds and
// account affinity. FOR UPDATE SKIP LOCKED guarantees no two concurrent
// callers ever receive the same task. Attempts increments on every lease.
// The row's own lease_ttl_seconds, stamped at submit time, sets the lease
// length; leaseTTL is the fallback for rows created without one.
func (s *Store) ClaimNext(ctx domain.Context, workerID, accountHint string, kinds []domain.JobKind, leaseTTL time.Duration) (*domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ClaimNext")
	defer span.End()
	span.SetAttributes(attribute.String("worker.id", workerID))
	if len(kinds) == 0 {
		return nil, nil
	}
	kindStrs := make([]string, len(kinds))
	for i, k := range kinds {
		kindStrs[i] = string(k)
	}
	q := `WITH next AS (
	        SELECT id FROM job_tasks
	        WHERE status = 'pending'
	          AND kind = ANY($1)
	          AND (account = '' OR account = $2)
	        ORDER BY priority DESC, created_at ASC
	        FOR UPDATE SKIP LOCKED
	        LIMIT 1
	      )
	      UPDATE job_tasks t
	      SET status = 'leased',
	          leased_by = $3,
	          leased_at = now(),
	          lease_expires_at = now() + make_interval(secs => COALESCE(NULLIF(t.lease_ttl_seconds, 0), $4)),
	          attempts = attempts + 1,
	          updated_at = now()
	      FROM next
	      WHERE t.id = next.id
	      RETURNING ` + taskColumnsQualified
	var task domain.Task
	err := withRetry(ctx, func() error {
		row := s.Pool.QueryRow(ctx, q, kindStrs, accountHint, workerID, int(leaseTTL.Seconds()))
		t, err := scanTask(row)
		if err != nil {
			if err == pgx.ErrNoRows {
				return errNoTask
			}
			return fmt.Errorf("op=task.claim_next: %w", err)
		}
		task = t
		return nil
	})
	if err == errNoTask {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// errNoTask signals an empty pool inside withRetry without triggering a retry.
var errNoTask = fmt.Errorf("no task")

const taskColumnsQualified = `t.id, t.job_id, t.kind, t.target, t.account, t.priority, t.payload_json, t.status, t.attempts,
	COALESCE(t.last_error,''), t.leased_by, t.leased_at, t.lease_expires_at, t.lease_ttl_seconds, t.created_at, t.updated_at`

// MarkDone finalizes a leased task. The status=leased guard rejects late
// commits from zombie workers whose lease was already reclaimed.
func (s *Store) MarkDone(ctx domain.Context, taskID string, result map[string]any) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.MarkDone")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", taskID))
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("op=task.mark_done: result encode: %w", err)
	}
	q := `UPDATE job_tasks
	      SET status='done', result_json=$2, leased_by=NULL, leased_at=NULL, lease_expires_at=NULL, updated_at=now()
	      WHERE id=$1 AND status='leased'`
	return withRetry(ctx, func() error {
		tag, err := s.Pool.Exec(ctx, q, taskID, resultJSON)
		if err != nil {
			return fmt.Errorf("op=task.mark_done: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("op=task.mark_done: task %s not leased: %w", taskID, domain.ErrConflict)
		}
		return nil
	})
}

// MarkError records a failure. Terminal failures flip the task to error;
// retryable ones clear the lease and requeue.
func (s *Store) MarkError(ctx domain.Context, taskID, errMsg string, terminal bool) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.MarkError")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", taskID), attribute.Bool("terminal", terminal))
	if len(errMsg) > 1024 {
		errMsg = errMsg[:1024]
	}
	status := domain.TaskPending
	if terminal {
		status = domain.TaskError
	}
	q := `UPDATE job_tasks
	      SET status=$2, last_error=$3, leased_by=NULL, leased_at=NULL, lease_expires_at=NULL, updated_at=now()
	      WHERE id=$1 AND status='leased'`
	return withRetry(ctx, func() error {
		tag, err := s.Pool.Exec(ctx, q, taskID, status, errMsg)
		if err != nil {
			return fmt.Errorf("op=task.mark_error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("op=task.mark_error: task %s not leased: %w", taskID, domain.ErrConflict)
		}
		return nil
	})
}

// RequeueWithAttemptsCap returns a leased task to pending when attempts are
// below the cap, or marks it error with the reason once the cap is reached.
// Returns whether a requeue happened.
func (s *Store) RequeueWithAttemptsCap(ctx domain.Context, taskID, reason string, maxAttempts int) (bool, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Requeue")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", taskID), attribute.String("reason", reason))
	if len(reason) > 1024 {
		reason = reason[:1024]
	}
	q := `UPDATE job_tasks
	      SET status = CASE WHEN attempts < $3 THEN 'pending' ELSE 'error' END,
	          last_error = $2,
	          leased_by = NULL, leased_at = NULL, lease_expires_at = NULL,
	          updated_at = now()
	      WHERE id = $1 AND status = 'leased'
	      RETURNING status`
	var newStatus string
	err := withRetry(ctx, func() error {
		row := s.Pool.QueryRow(ctx, q, taskID, reason, maxAttempts)
		if err := row.Scan(&newStatus); err != nil {
			if err == pgx.ErrNoRows {
				return fmt.Errorf("op=task.requeue: task %s not leased: %w", taskID, domain.ErrConflict)
			}
			return fmt.Errorf("op=task.requeue: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return newStatus == string(domain.TaskPending), nil
}

// ReclaimExpiredLeases returns up to maxN expired leases to pending without
// touching attempts. Run by the reaper.
func (s *Store) ReclaimExpiredLeases(ctx domain.Context, maxN int) (int, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ReclaimExpired")
	defer span.End()
	if maxN <= 0 {
		maxN = 100
	}
	q := `WITH expired AS (
	        SELECT id FROM job_tasks
	        WHERE status = 'leased' AND lease_expires_at < now()
	        LIMIT $1
	        FOR UPDATE SKIP LOCKED
	      )
	      UPDATE job_tasks t
	      SET status='pending', leased_by=NULL, leased_at=NULL, lease_expires_at=NULL, updated_at=now()
	      FROM expired
	      WHERE t.id = expired.id`
	var reclaimed int
	err := withRetry(ctx, func() error {
		tag, err := s.Pool.Exec(ctx, q, maxN)
		if err != nil {
			return fmt.Errorf("op=task.reclaim_expired: %w", err)
		}
		reclaimed = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("tasks.reclaimed", reclaimed))
	return reclaimed, nil
}
