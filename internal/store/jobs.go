package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/runbox/internal/models"
)

const jobColumns = `task_id, owner, image, cpu_share, memory_mb, timeout_sec, input, state,
	attempts, max_attempts, run_after_ms, lease_owner, lease_expires_ms, last_error, created_at`

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var input string
	var runAfterMs int64
	var leaseOwner, lastError sql.NullString
	var leaseExpiresMs sql.NullInt64

	err := row.Scan(
		&job.TaskID, &job.Owner, &job.Image, &job.Limits.CPUShare, &job.Limits.MemoryMB, &job.Limits.TimeoutSec,
		&input, &job.State, &job.Attempts, &job.MaxAttempts, &runAfterMs, &leaseOwner, &leaseExpiresMs,
		&lastError, &job.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Input = json.RawMessage(input)
	job.RunAfter = time.UnixMilli(runAfterMs).UTC()
	job.LeaseOwner = leaseOwner.String
	job.LastError = lastError.String
	if leaseExpiresMs.Valid {
		t := time.UnixMilli(leaseExpiresMs.Int64).UTC()
		job.LeaseExpiresAt = &t
	}
	return &job, nil
}

// GetJob retrieves the job of a task.
func (s *Store) GetJob(ctx context.Context, taskID string) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE task_id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

// LeaseJob claims the oldest ready job whose run_after has passed. The claim
// increments the attempt counter and sets a lease until now+visibility.
// It returns ErrNotFound when no job is available.
func (s *Store) LeaseJob(ctx context.Context, consumer string, now time.Time, visibility time.Duration) (*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var taskID string
	err = tx.QueryRowContext(ctx,
		`SELECT task_id FROM jobs WHERE state = ? AND run_after_ms <= ? ORDER BY run_after_ms ASC, rowid ASC LIMIT 1`,
		models.JobStateReady, now.UnixMilli(),
	).Scan(&taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select ready job: %w", err)
	}

	// The state guard keeps the claim exclusive even if another connection
	// were ever to race this transaction.
	result, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = ?, attempts = attempts + 1, lease_owner = ?, lease_expires_ms = ?
		 WHERE task_id = ? AND state = ?`,
		models.JobStateLeased, consumer, now.Add(visibility).UnixMilli(), taskID, models.JobStateReady,
	)
	if err != nil {
		return nil, fmt.Errorf("lease job: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE task_id = ?`, taskID))
	if err != nil {
		return nil, fmt.Errorf("reload job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return job, nil
}

// leasedBy guards updates to a job held by consumer.
const leasedBy = ` WHERE task_id = ? AND state = 'leased' AND lease_owner = ?`

func (s *Store) execLeased(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// DeleteLeasedJob removes a job the consumer holds. Used on acknowledgement.
func (s *Store) DeleteLeasedJob(ctx context.Context, taskID, consumer string) error {
	if err := s.execLeased(ctx, `DELETE FROM jobs`+leasedBy, taskID, consumer); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// RetryJob releases a held job back to ready with a new run_after.
func (s *Store) RetryJob(ctx context.Context, taskID, consumer string, runAfter time.Time, lastError string) error {
	err := s.execLeased(ctx,
		`UPDATE jobs SET state = 'ready', run_after_ms = ?, lease_owner = NULL, lease_expires_ms = NULL, last_error = ?`+leasedBy,
		runAfter.UnixMilli(), lastError, taskID, consumer,
	)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return nil
}

// DeadLetterJob parks a held job as dead. Dead jobs are kept for inspection.
func (s *Store) DeadLetterJob(ctx context.Context, taskID, consumer, lastError string) error {
	err := s.execLeased(ctx,
		`UPDATE jobs SET state = 'dead', lease_owner = NULL, lease_expires_ms = NULL, last_error = ?`+leasedBy,
		lastError, taskID, consumer,
	)
	if err != nil {
		return fmt.Errorf("dead-letter job: %w", err)
	}
	return nil
}

// RenewJobLease pushes the lease deadline of a held job.
func (s *Store) RenewJobLease(ctx context.Context, taskID, consumer string, expiresAt time.Time) error {
	err := s.execLeased(ctx, `UPDATE jobs SET lease_expires_ms = ?`+leasedBy, expiresAt.UnixMilli(), taskID, consumer)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	return nil
}

// DeleteReadyJob removes a job that has not been handed to a consumer. It
// reports false when the job is leased, dead or absent.
func (s *Store) DeleteReadyJob(ctx context.Context, taskID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE task_id = ? AND state = ?`, taskID, models.JobStateReady)
	if err != nil {
		return false, fmt.Errorf("delete ready job: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// RequeueExpiredJobs returns jobs whose lease expired before now to ready if
// they have attempts left. The attempt counter is kept so a crash loop still
// ends in the dead letter state.
func (s *Store) RequeueExpiredJobs(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, run_after_ms = ?, lease_owner = NULL, lease_expires_ms = NULL,
		 last_error = 'lease expired'
		 WHERE state = ? AND lease_expires_ms < ? AND attempts < max_attempts`,
		models.JobStateReady, now.UnixMilli(), models.JobStateLeased, now.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue expired jobs: %w", err)
	}
	return result.RowsAffected()
}

// ExpiredJobs lists leased jobs whose lease expired before now and that have
// no attempts left.
func (s *Store) ExpiredJobs(ctx context.Context, now time.Time) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state = ? AND lease_expires_ms < ? AND attempts >= max_attempts`,
		models.JobStateLeased, now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("query expired jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// KillExpiredJob dead-letters one expired lease. It reports false if the
// lease was renewed or released in the meantime.
func (s *Store) KillExpiredJob(ctx context.Context, taskID string, now time.Time, lastError string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET state = ?, lease_owner = NULL, lease_expires_ms = NULL, last_error = ?
		 WHERE task_id = ? AND state = ? AND lease_expires_ms < ?`,
		models.JobStateDead, lastError, taskID, models.JobStateLeased, now.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("dead-letter expired job: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// CountJobsByState returns the number of jobs per state. Every state is
// present in the result.
func (s *Store) CountJobsByState(ctx context.Context) (map[models.JobState]int, error) {
	counts := map[models.JobState]int{
		models.JobStateReady:  0,
		models.JobStateLeased: 0,
		models.JobStateDead:   0,
	}
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var st models.JobState
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}
