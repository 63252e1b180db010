// Package models defines the core domain types for runbox.
package models

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCanceled  TaskStatus = "canceled"
)

// TaskStatuses lists every status in lifecycle order.
var TaskStatuses = []TaskStatus{
	TaskStatusPending,
	TaskStatusQueued,
	TaskStatusRunning,
	TaskStatusCompleted,
	TaskStatusFailed,
	TaskStatusCanceled,
}

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	for _, known := range TaskStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is allowed out of s.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCanceled
}

// Error message prefixes written to Task.Error. Billing and dashboards key
// off these, so they are part of the record format.
const (
	ErrMsgTimeout        = "sandbox timed out"
	ErrMsgNonZeroExit    = "sandbox exited with status"
	ErrMsgSandbox        = "sandbox error"
	ErrMsgInfrastructure = "infrastructure error"
)

// ResourceLimits bounds a single sandbox.
type ResourceLimits struct {
	CPUShare   float64 `json:"cpu_share" yaml:"cpu_share" toml:"cpu_share"`
	MemoryMB   int     `json:"memory_mb" yaml:"memory_mb" toml:"memory_mb"`
	TimeoutSec int     `json:"timeout_sec" yaml:"timeout_sec" toml:"timeout_sec"`
}

// Timeout returns the limit as a duration.
func (l ResourceLimits) Timeout() time.Duration {
	return time.Duration(l.TimeoutSec) * time.Second
}

// ResourceUsage is the approximate resource consumption of one execution.
// CPU and memory figures are elapsed time multiplied by the configured
// limits, not measured values.
type ResourceUsage struct {
	CPUSeconds      float64 `json:"cpu_seconds"`
	MemoryMBSeconds float64 `json:"memory_mb_seconds"`
	WallSeconds     float64 `json:"wall_seconds"`
}

// Task represents a unit of submitted work.
type Task struct {
	ID          string          `json:"id"`
	Owner       string          `json:"owner"`
	Type        string          `json:"type"`
	Plan        string          `json:"plan"`
	Status      TaskStatus      `json:"status"`
	Input       json.RawMessage `json:"input"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	SandboxID   string          `json:"sandbox_id,omitempty"`
	Limits      ResourceLimits  `json:"limits"`
	Overage     bool            `json:"overage"`
	Usage       *ResourceUsage  `json:"usage,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// JobState is the queue-level state of a job.
type JobState string

const (
	JobStateReady  JobState = "ready"
	JobStateLeased JobState = "leased"
	JobStateDead   JobState = "dead"
)

// Job is the queue-level dispatch request for a task. Its identity is the
// task ID.
type Job struct {
	TaskID         string          `json:"task_id"`
	Owner          string          `json:"owner"`
	Image          string          `json:"image"`
	Limits         ResourceLimits  `json:"limits"`
	Input          json.RawMessage `json:"input"`
	State          JobState        `json:"state"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	RunAfter       time.Time       `json:"run_after"`
	LeaseOwner     string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// UsageRecord aggregates one owner's consumption in one billing period.
type UsageRecord struct {
	Owner           string    `json:"owner"`
	Period          string    `json:"period"`
	CPUSeconds      float64   `json:"cpu_seconds"`
	MemoryMBSeconds float64   `json:"memory_mb_seconds"`
	WallSeconds     float64   `json:"wall_seconds"`
	TaskCount       int64     `json:"task_count"`
	OverageTasks    int64     `json:"overage_tasks"`
	Cost            float64   `json:"cost"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// PeriodLayout formats billing periods (calendar month).
const PeriodLayout = "2006-01"

// PeriodOf returns the billing period containing t.
func PeriodOf(t time.Time) string {
	return t.UTC().Format(PeriodLayout)
}

// PeriodStart returns the first instant of the month containing t.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// SubscriptionStatus mirrors the payment processor's subscription state.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// Subscription links an owner to a plan.
type Subscription struct {
	Owner     string             `json:"owner"`
	Plan      string             `json:"plan"`
	Status    SubscriptionStatus `json:"status"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// UnlimitedTasks disables the monthly quota of a plan.
const UnlimitedTasks = -1

// PlanLimits is the static policy of one tier.
type PlanLimits struct {
	Name           string  `json:"name" yaml:"name" toml:"name"`
	TasksPerMonth  int     `json:"tasks_per_month" yaml:"tasks_per_month" toml:"tasks_per_month"`
	MaxConcurrent  int     `json:"max_concurrent" yaml:"max_concurrent" toml:"max_concurrent"`
	MaxDurationSec int     `json:"max_duration_sec" yaml:"max_duration_sec" toml:"max_duration_sec"`
	CPUShare       float64 `json:"cpu_share" yaml:"cpu_share" toml:"cpu_share"`
	MemoryMB       int     `json:"memory_mb" yaml:"memory_mb" toml:"memory_mb"`
	AllowOverage   bool    `json:"allow_overage" yaml:"allow_overage" toml:"allow_overage"`
	OverageRate    float64 `json:"overage_rate" yaml:"overage_rate" toml:"overage_rate"`
}

// Unlimited reports whether the plan has no monthly quota.
func (p PlanLimits) Unlimited() bool {
	return p.TasksPerMonth == UnlimitedTasks
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	TaskID     string    `json:"task_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
