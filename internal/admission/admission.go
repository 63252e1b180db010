// Package admission validates task requests against the owner's plan before
// anything is queued.
package admission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fentz26/runbox/internal/audit"
	"github.com/fentz26/runbox/internal/config"
	"github.com/fentz26/runbox/internal/metrics"
	"github.com/fentz26/runbox/internal/models"
	"github.com/fentz26/runbox/internal/queue"
	"github.com/fentz26/runbox/internal/store"
	"github.com/google/uuid"
)

// MaxInputBytes bounds the input document.
const MaxInputBytes = 256 << 10

var ownerPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Request is a task submission. Owner must come from the authenticated
// identity, never from the request body.
type Request struct {
	Owner string
	Type  string
	Input json.RawMessage
	// TaskID is optional; a new ID is generated when empty.
	TaskID string
}

// Controller admits or rejects task requests.
type Controller struct {
	store    *store.Store
	queue    *queue.Queue
	plans    config.Plans
	registry config.Registry
	pdr      *audit.PDRWriter
	logger   *log.Logger
	now      func() time.Time

	// ownerLocks serializes the check-then-create of one owner so two
	// concurrent submissions cannot both pass the same ceiling.
	ownerLocks sync.Map
}

// New creates a controller. plans and registry are read-only after startup.
func New(s *store.Store, q *queue.Queue, plans config.Plans, registry config.Registry, pdr *audit.PDRWriter, logger *log.Logger) *Controller {
	return &Controller{
		store:    s,
		queue:    q,
		plans:    plans,
		registry: registry,
		pdr:      pdr,
		logger:   logger.With("component", "admission"),
		now:      time.Now,
	}
}

// ValidOwner reports whether owner is a well-formed owner identifier.
func ValidOwner(owner string) bool {
	return ownerPattern.MatchString(owner)
}

// Admit validates req and, on success, creates the task and enqueues its
// job. The returned task is queued. Rejections are *RejectionError and leave
// the store untouched; other errors are infrastructure failures.
func (c *Controller) Admit(ctx context.Context, req Request) (*models.Task, error) {
	task, err := c.admit(ctx, req)
	var rej *RejectionError
	switch {
	case errors.As(err, &rej):
		metrics.Admissions.WithLabelValues("rejected", string(rej.Code)).Inc()
		c.logger.Info("task rejected", "owner", req.Owner, "type", req.Type, "code", rej.Code, "reason", rej.Message)
	case err != nil:
		metrics.Admissions.WithLabelValues("error", "").Inc()
		c.logger.Error("admission failed", "owner", req.Owner, "type", req.Type, "err", err)
	default:
		metrics.Admissions.WithLabelValues("admitted", "").Inc()
		c.logger.Info("task admitted", "task_id", task.ID, "owner", task.Owner, "type", task.Type, "plan", task.Plan, "overage", task.Overage)
	}
	return task, err
}

func (c *Controller) admit(ctx context.Context, req Request) (*models.Task, error) {
	if !ValidOwner(req.Owner) {
		return nil, reject(CodeInvalidOwner, "owner must match %s", ownerPattern)
	}

	taskID := uuid.NewString()
	if req.TaskID != "" {
		parsed, err := uuid.Parse(req.TaskID)
		if err != nil {
			return nil, reject(CodeInvalidInput, "task id must be a UUID")
		}
		taskID = parsed.String()
	}

	worker, ok := c.registry.Lookup(req.Type)
	if !ok {
		return nil, reject(CodeInvalidTaskType, "unknown task type %q", req.Type)
	}

	input, err := normalizeInput(req.Input)
	if err != nil {
		return nil, err
	}

	unlock := c.lockOwner(req.Owner)
	defer unlock()

	plan, err := c.ResolvePlan(ctx, req.Owner)
	if err != nil {
		return nil, err
	}

	overage := false
	if !plan.Unlimited() {
		used, err := c.store.CountTasksSince(ctx, req.Owner, models.PeriodStart(c.now()))
		if err != nil {
			return nil, fmt.Errorf("count monthly tasks: %w", err)
		}
		if used >= plan.TasksPerMonth {
			if !plan.AllowOverage {
				return nil, reject(CodeQuotaExceeded, "%s plan allows %d tasks per month", plan.Name, plan.TasksPerMonth)
			}
			overage = true
		}
	}

	active, err := c.store.CountActiveTasks(ctx, req.Owner)
	if err != nil {
		return nil, fmt.Errorf("count active tasks: %w", err)
	}
	if active >= plan.MaxConcurrent {
		return nil, reject(CodeConcurrencyLimitExceeded, "%s plan allows %d concurrent tasks", plan.Name, plan.MaxConcurrent)
	}

	limits := DeriveLimits(plan, worker)
	task := &models.Task{
		ID:      taskID,
		Owner:   req.Owner,
		Type:    req.Type,
		Plan:    plan.Name,
		Input:   input,
		Limits:  limits,
		Overage: overage,
	}
	job := &models.Job{
		Owner:  req.Owner,
		Image:  worker.Image,
		Limits: limits,
		Input:  input,
	}
	if err := c.queue.Enqueue(ctx, task, job); err != nil {
		if errors.Is(err, store.ErrDuplicateTask) {
			return nil, reject(CodeDuplicateTask, "task %s already exists", taskID)
		}
		return nil, err
	}

	inputs := map[string]any{"owner": req.Owner, "type": req.Type, "input": input}
	details := fmt.Sprintf("plan=%s overage=%t cpu=%g memory_mb=%d timeout_sec=%d",
		plan.Name, overage, limits.CPUShare, limits.MemoryMB, limits.TimeoutSec)
	if _, err := c.pdr.Record(ctx, audit.ActionAdmit, inputs, "admitted", task.ID, details); err != nil {
		c.logger.Warn("failed to write admission record", "task_id", task.ID, "err", err)
	}
	return task, nil
}

// ResolvePlan derives the owner's plan from the subscription store. Only an
// active subscription grants its plan; everything else is the free tier.
func (c *Controller) ResolvePlan(ctx context.Context, owner string) (models.PlanLimits, error) {
	sub, err := c.store.GetSubscription(ctx, owner)
	if errors.Is(err, store.ErrNotFound) {
		return c.plans.Resolve(config.FreePlan), nil
	}
	if err != nil {
		return models.PlanLimits{}, fmt.Errorf("resolve plan: %w", err)
	}
	if sub.Status != models.SubscriptionActive {
		return c.plans.Resolve(config.FreePlan), nil
	}
	return c.plans.Resolve(sub.Plan), nil
}

// DeriveLimits computes a sandbox's limits from the plan, narrowed by the
// worker type's own limits where those are set and stricter.
func DeriveLimits(plan models.PlanLimits, worker config.WorkerImage) models.ResourceLimits {
	limits := models.ResourceLimits{
		CPUShare:   plan.CPUShare,
		MemoryMB:   plan.MemoryMB,
		TimeoutSec: plan.MaxDurationSec,
	}
	if w := worker.Limits.CPUShare; w > 0 && w < limits.CPUShare {
		limits.CPUShare = w
	}
	if w := worker.Limits.MemoryMB; w > 0 && w < limits.MemoryMB {
		limits.MemoryMB = w
	}
	if w := worker.Limits.TimeoutSec; w > 0 && w < limits.TimeoutSec {
		limits.TimeoutSec = w
	}
	return limits
}

func normalizeInput(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if len(raw) > MaxInputBytes {
		return nil, reject(CodeInvalidInput, "input exceeds %d bytes", MaxInputBytes)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, reject(CodeInvalidInput, "input is not valid JSON")
	}
	if buf.Len() == 0 || buf.Bytes()[0] != '{' {
		return nil, reject(CodeInvalidInput, "input must be a JSON object")
	}
	return json.RawMessage(buf.Bytes()), nil
}

func (c *Controller) lockOwner(owner string) func() {
	v, _ := c.ownerLocks.LoadOrStore(owner, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
