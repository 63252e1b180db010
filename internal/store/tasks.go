package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/runbox/internal/models"
)

const taskColumns = `id, owner, type, plan, status, input, output, error, sandbox_id,
	cpu_share, memory_mb, timeout_sec, overage, cpu_seconds, memory_mb_seconds, wall_seconds,
	created_at, updated_at, started_at, completed_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var task models.Task
	var input string
	var output, errMsg, sandboxID sql.NullString
	var overage int
	var cpuSec, memSec, wallSec sql.NullFloat64
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&task.ID, &task.Owner, &task.Type, &task.Plan, &task.Status, &input, &output, &errMsg, &sandboxID,
		&task.Limits.CPUShare, &task.Limits.MemoryMB, &task.Limits.TimeoutSec, &overage,
		&cpuSec, &memSec, &wallSec,
		&task.CreatedAt, &task.UpdatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Input = json.RawMessage(input)
	if output.Valid && output.String != "" {
		task.Output = json.RawMessage(output.String)
	}
	task.Error = errMsg.String
	task.SandboxID = sandboxID.String
	task.Overage = overage != 0
	if wallSec.Valid {
		task.Usage = &models.ResourceUsage{
			CPUSeconds:      cpuSec.Float64,
			MemoryMBSeconds: memSec.Float64,
			WallSeconds:     wallSec.Float64,
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	return &task, nil
}

// CreateTaskWithJob atomically inserts a task, moves it from pending to
// queued and enqueues its job. Either all three happen or none.
func (s *Store) CreateTaskWithJob(ctx context.Context, task *models.Task, job *models.Job) error {
	if task.ID != job.TaskID {
		return fmt.Errorf("job task id %q does not match task %q", job.TaskID, task.ID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	task.Status = models.TaskStatusPending
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (id, owner, type, plan, status, input, cpu_share, memory_mb, timeout_sec, overage, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Owner, task.Type, task.Plan, task.Status, string(task.Input),
		task.Limits.CPUShare, task.Limits.MemoryMB, task.Limits.TimeoutSec, boolInt(task.Overage),
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateTask
		}
		return fmt.Errorf("insert task: %w", err)
	}

	job.State = models.JobStateReady
	job.CreatedAt = now
	if job.RunAfter.IsZero() {
		job.RunAfter = now
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (task_id, owner, image, cpu_share, memory_mb, timeout_sec, input, state, attempts, max_attempts, run_after_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		job.TaskID, job.Owner, job.Image, job.Limits.CPUShare, job.Limits.MemoryMB, job.Limits.TimeoutSec,
		string(job.Input), job.State, job.MaxAttempts, job.RunAfter.UnixMilli(), job.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateTask
		}
		return fmt.Errorf("insert job: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		models.TaskStatusQueued, now, task.ID, models.TaskStatusPending,
	)
	if err != nil {
		return fmt.Errorf("queue task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	task.Status = models.TaskStatusQueued
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	Owner  string
	Status models.TaskStatus
	Limit  int
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var conds []string
	var args []any

	if filter.Owner != "" {
		conds = append(conds, "owner = ?")
		args = append(args, filter.Owner)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// CountTasksSince counts the owner's tasks created at or after since.
func (s *Store) CountTasksSince(ctx context.Context, owner string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE owner = ? AND created_at >= ?`,
		owner, since.UTC(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// CountActiveTasks counts the owner's tasks that are admitted but not terminal.
func (s *Store) CountActiveTasks(ctx context.Context, owner string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE owner = ? AND status IN (?, ?, ?)`,
		owner, models.TaskStatusPending, models.TaskStatusQueued, models.TaskStatusRunning,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active tasks: %w", err)
	}
	return n, nil
}

// transition applies set to the task only if its current status is one of
// from. It reports whether the row changed.
func (s *Store) transition(ctx context.Context, id string, from []models.TaskStatus, set string, setArgs ...any) (bool, error) {
	args := append(setArgs, id)
	placeholders := make([]string, len(from))
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, st)
	}
	query := `UPDATE tasks SET ` + set + ` WHERE id = ? AND status IN (` + strings.Join(placeholders, ", ") + `)`

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkRunning moves a queued task to running and records its sandbox. A task
// already marked running (a redelivered job) is accepted and restamped.
func (s *Store) MarkRunning(ctx context.Context, id, sandboxID string, startedAt time.Time) (bool, error) {
	ok, err := s.transition(ctx, id,
		[]models.TaskStatus{models.TaskStatusQueued, models.TaskStatusRunning},
		`status = ?, sandbox_id = ?, started_at = ?, updated_at = ?`,
		models.TaskStatusRunning, sandboxID, startedAt.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("mark running: %w", err)
	}
	return ok, nil
}

// TaskResult is the terminal outcome persisted by FinishTask.
type TaskResult struct {
	Status      models.TaskStatus
	Output      json.RawMessage
	Error       string
	Usage       models.ResourceUsage
	CompletedAt time.Time
}

// FinishTask moves a running task to a terminal status together with its
// output, error and usage snapshot. It reports false when the task was no
// longer running, for example because it was canceled first.
func (s *Store) FinishTask(ctx context.Context, id string, res TaskResult) (bool, error) {
	if !res.Status.IsTerminal() {
		return false, fmt.Errorf("finish task: %q is not a terminal status", res.Status)
	}
	var output sql.NullString
	if len(res.Output) > 0 {
		output = sql.NullString{String: string(res.Output), Valid: true}
	}
	var errMsg sql.NullString
	if res.Error != "" {
		errMsg = sql.NullString{String: res.Error, Valid: true}
	}

	ok, err := s.transition(ctx, id,
		[]models.TaskStatus{models.TaskStatusRunning},
		`status = ?, output = ?, error = ?, cpu_seconds = ?, memory_mb_seconds = ?, wall_seconds = ?, completed_at = ?, updated_at = ?`,
		res.Status, output, errMsg, res.Usage.CPUSeconds, res.Usage.MemoryMBSeconds, res.Usage.WallSeconds,
		res.CompletedAt.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("finish task: %w", err)
	}
	return ok, nil
}

// FailTask moves a non-terminal task to failed with the given usage
// snapshot. A task that never reached a sandbox gets a zero snapshot, so it
// is still counted once.
func (s *Store) FailTask(ctx context.Context, id, message string, usage models.ResourceUsage) (bool, error) {
	now := time.Now().UTC()
	ok, err := s.transition(ctx, id,
		[]models.TaskStatus{models.TaskStatusPending, models.TaskStatusQueued, models.TaskStatusRunning},
		`status = ?, error = ?, cpu_seconds = ?, memory_mb_seconds = ?, wall_seconds = ?, completed_at = ?, updated_at = ?`,
		models.TaskStatusFailed, message, usage.CPUSeconds, usage.MemoryMBSeconds, usage.WallSeconds, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("fail task: %w", err)
	}
	return ok, nil
}

// CancelTask moves a non-terminal task to canceled. It returns the status the
// task had before the call; ok is false when the task was already terminal.
func (s *Store) CancelTask(ctx context.Context, id string) (prev models.TaskStatus, ok bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, ErrNotFound
	}
	if err != nil {
		return "", false, fmt.Errorf("query task status: %w", err)
	}
	if prev.IsTerminal() {
		return prev, false, nil
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		models.TaskStatusCanceled, now, now, id, prev,
	)
	if err != nil {
		return "", false, fmt.Errorf("cancel task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit transaction: %w", err)
	}
	return prev, true, nil
}

// RecordCanceledUsage stores the usage snapshot of a sandbox that was stopped
// after its task had been canceled. It only fills an empty snapshot.
func (s *Store) RecordCanceledUsage(ctx context.Context, id string, usage models.ResourceUsage) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET cpu_seconds = ?, memory_mb_seconds = ?, wall_seconds = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND wall_seconds IS NULL`,
		usage.CPUSeconds, usage.MemoryMBSeconds, usage.WallSeconds, time.Now().UTC(),
		id, models.TaskStatusCanceled,
	)
	if err != nil {
		return false, fmt.Errorf("record canceled usage: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n > 0, nil
}

// CountTasksByStatus returns the number of tasks per status.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[models.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.TaskStatus]int)
	for rows.Next() {
		var st models.TaskStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "constraint failed: UNIQUE")
}
