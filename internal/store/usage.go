package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/runbox/internal/models"
)

// UsageDelta is one task's contribution to its owner's usage record.
type UsageDelta struct {
	Owner   string
	TaskID  string
	Period  string
	Usage   models.ResourceUsage
	Overage bool
	Cost    float64
}

// RecordUsage adds a task's usage to the (owner, period) record and logs the
// task in the usage ledger, both in one transaction. A task that is already
// in the ledger is not applied again; ErrAlreadyRecorded is returned.
func (s *Store) RecordUsage(ctx context.Context, d UsageDelta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO usage_events (task_id, owner, period, cpu_seconds, memory_mb_seconds, wall_seconds, overage, cost, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.TaskID, d.Owner, d.Period, d.Usage.CPUSeconds, d.Usage.MemoryMBSeconds, d.Usage.WallSeconds,
		boolInt(d.Overage), d.Cost, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyRecorded
		}
		return fmt.Errorf("insert usage event: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO usage_records (owner, period, cpu_seconds, memory_mb_seconds, wall_seconds, task_count, overage_tasks, cost, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)
		 ON CONFLICT(owner, period) DO UPDATE SET
			cpu_seconds = cpu_seconds + excluded.cpu_seconds,
			memory_mb_seconds = memory_mb_seconds + excluded.memory_mb_seconds,
			wall_seconds = wall_seconds + excluded.wall_seconds,
			task_count = task_count + 1,
			overage_tasks = overage_tasks + excluded.overage_tasks,
			cost = cost + excluded.cost,
			updated_at = excluded.updated_at`,
		d.Owner, d.Period, d.Usage.CPUSeconds, d.Usage.MemoryMBSeconds, d.Usage.WallSeconds,
		boolInt(d.Overage), d.Cost, now,
	)
	if err != nil {
		return fmt.Errorf("upsert usage record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const usageColumns = `owner, period, cpu_seconds, memory_mb_seconds, wall_seconds, task_count, overage_tasks, cost, updated_at`

func scanUsage(row rowScanner) (*models.UsageRecord, error) {
	var r models.UsageRecord
	err := row.Scan(&r.Owner, &r.Period, &r.CPUSeconds, &r.MemoryMBSeconds, &r.WallSeconds,
		&r.TaskCount, &r.OverageTasks, &r.Cost, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetUsage returns the usage record of owner for period.
func (s *Store) GetUsage(ctx context.Context, owner, period string) (*models.UsageRecord, error) {
	r, err := scanUsage(s.db.QueryRowContext(ctx,
		`SELECT `+usageColumns+` FROM usage_records WHERE owner = ? AND period = ?`, owner, period))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	return r, nil
}

// ListUsage returns the usage records of a period, or of every period when
// period is empty.
func (s *Store) ListUsage(ctx context.Context, period string) ([]models.UsageRecord, error) {
	query := `SELECT ` + usageColumns + ` FROM usage_records`
	var args []any
	if period != "" {
		query += ` WHERE period = ?`
		args = append(args, period)
	}
	query += ` ORDER BY period DESC, owner ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var records []models.UsageRecord
	for rows.Next() {
		r, err := scanUsage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

// UsageRecorded reports whether a task is in the usage ledger.
func (s *Store) UsageRecorded(ctx context.Context, taskID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_events WHERE task_id = ?`, taskID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query usage event: %w", err)
	}
	return n > 0, nil
}
