// Package controlplane provides the HTTP API and service layer for runbox.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fentz26/runbox/internal/admission"
	"github.com/fentz26/runbox/internal/audit"
	"github.com/fentz26/runbox/internal/config"
	"github.com/fentz26/runbox/internal/connectors"
	"github.com/fentz26/runbox/internal/models"
	"github.com/fentz26/runbox/internal/processor"
	"github.com/fentz26/runbox/internal/store"
	"github.com/google/uuid"
)

// Admitter admits task requests.
type Admitter interface {
	Admit(ctx context.Context, req admission.Request) (*models.Task, error)
	ResolvePlan(ctx context.Context, owner string) (models.PlanLimits, error)
}

// Executor cancels tasks and reports on the worker slots.
type Executor interface {
	Cancel(ctx context.Context, taskID string) (models.TaskStatus, error)
	Status(ctx context.Context) (*processor.WorkerStatus, error)
}

// SandboxLister lists platform-managed containers.
type SandboxLister interface {
	ListRunning(ctx context.Context) ([]connectors.ContainerInfo, error)
}

// Service provides the control plane business logic.
type Service struct {
	store     *store.Store
	admitter  Admitter
	executor  Executor
	sandboxes SandboxLister
	pdr       *audit.PDRWriter
	plans     config.Plans
	logger    *log.Logger
}

// NewService creates a new control plane service.
func NewService(s *store.Store, a Admitter, e Executor, sandboxes SandboxLister, pdr *audit.PDRWriter, plans config.Plans, logger *log.Logger) *Service {
	return &Service{
		store:     s,
		admitter:  a,
		executor:  e,
		sandboxes: sandboxes,
		pdr:       pdr,
		plans:     plans,
		logger:    logger.With("component", "controlplane"),
	}
}

// --- Task Operations ---

// SubmitTask admits a task for owner. owner must come from the
// authenticated identity.
func (s *Service) SubmitTask(ctx context.Context, owner, taskType string, input json.RawMessage, taskID string) (*models.Task, error) {
	return s.admitter.Admit(ctx, admission.Request{
		Owner:  owner,
		Type:   taskType,
		Input:  input,
		TaskID: taskID,
	})
}

// GetTask returns a task. A non-empty owner scopes the lookup: another
// owner's task is reported as not found.
func (s *Service) GetTask(ctx context.Context, owner, id string) (*models.Task, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrTaskNotFound
	}
	task, err := s.store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	if owner != "" && task.Owner != owner {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// ListTasks returns tasks, newest first. Empty owner or status means any.
func (s *Service) ListTasks(ctx context.Context, owner, status string, limit int) ([]models.Task, error) {
	filter := store.TaskFilter{Owner: owner, Limit: limit}
	if status != "" {
		st := models.TaskStatus(status)
		if !st.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
		}
		filter.Status = st
	}
	return s.store.ListTasks(ctx, filter)
}

// CancelTask cancels a task and returns its resulting status. A task that
// already finished keeps its status.
func (s *Service) CancelTask(ctx context.Context, owner, id string) (models.TaskStatus, error) {
	if _, err := s.GetTask(ctx, owner, id); err != nil {
		return "", err
	}
	status, err := s.executor.Cancel(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrTaskNotFound
	}
	return status, err
}

// TaskHistory returns the decision records of a task.
func (s *Service) TaskHistory(ctx context.Context, id string) ([]models.PDREntry, error) {
	if _, err := s.GetTask(ctx, "", id); err != nil {
		return nil, err
	}
	return s.pdr.List(ctx, id)
}

// --- Usage Operations ---

// Usage returns owner's usage in period (current month when empty). An
// owner without usage gets a zero record.
func (s *Service) Usage(ctx context.Context, owner, period string) (*models.UsageRecord, error) {
	period, err := normalizePeriod(period)
	if err != nil {
		return nil, err
	}
	rec, err := s.store.GetUsage(ctx, owner, period)
	if errors.Is(err, store.ErrNotFound) {
		return &models.UsageRecord{Owner: owner, Period: period}, nil
	}
	return rec, err
}

// ListUsage returns every owner's usage in period, or in all periods when
// period is empty.
func (s *Service) ListUsage(ctx context.Context, period string) ([]models.UsageRecord, error) {
	if period != "" {
		if _, err := time.Parse(models.PeriodLayout, period); err != nil {
			return nil, ErrInvalidPeriod
		}
	}
	return s.store.ListUsage(ctx, period)
}

func normalizePeriod(period string) (string, error) {
	if period == "" {
		return models.PeriodOf(time.Now()), nil
	}
	if _, err := time.Parse(models.PeriodLayout, period); err != nil {
		return "", ErrInvalidPeriod
	}
	return period, nil
}

// --- Worker Operations ---

// WorkerStatus returns the processor's slot and queue snapshot.
func (s *Service) WorkerStatus(ctx context.Context) (*processor.WorkerStatus, error) {
	return s.executor.Status(ctx)
}

// Sandboxes lists every platform-managed container.
func (s *Service) Sandboxes(ctx context.Context) ([]connectors.ContainerInfo, error) {
	return s.sandboxes.ListRunning(ctx)
}

// --- Subscription Operations ---

// PlanView is an owner's stored subscription and the plan admission applies.
type PlanView struct {
	Owner        string               `json:"owner"`
	Subscription *models.Subscription `json:"subscription,omitempty"`
	Effective    models.PlanLimits    `json:"effective"`
}

// Plan returns owner's subscription and effective plan.
func (s *Service) Plan(ctx context.Context, owner string) (*PlanView, error) {
	if !admission.ValidOwner(owner) {
		return nil, ErrInvalidOwner
	}
	view := &PlanView{Owner: owner}
	sub, err := s.store.GetSubscription(ctx, owner)
	switch {
	case err == nil:
		view.Subscription = sub
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	view.Effective, err = s.admitter.ResolvePlan(ctx, owner)
	if err != nil {
		return nil, err
	}
	return view, nil
}

// SetSubscription records the payment processor's view of owner's
// subscription.
func (s *Service) SetSubscription(ctx context.Context, owner, plan string, status models.SubscriptionStatus) (*models.Subscription, error) {
	if !admission.ValidOwner(owner) {
		return nil, ErrInvalidOwner
	}
	if _, ok := s.plans[plan]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlan, plan)
	}
	if status == "" {
		status = models.SubscriptionActive
	}
	switch status {
	case models.SubscriptionActive, models.SubscriptionPastDue, models.SubscriptionCanceled:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidSubscription, status)
	}

	sub := &models.Subscription{Owner: owner, Plan: plan, Status: status}
	if err := s.store.UpsertSubscription(ctx, sub); err != nil {
		return nil, err
	}
	s.logger.Info("subscription updated", "owner", owner, "plan", plan, "status", status)
	return sub, nil
}
