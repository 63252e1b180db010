// Package accounting turns finished tasks into usage records. Each task is
// applied to its owner's (owner, period) record at most once.
package accounting

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/fentz26/runbox/internal/metrics"
	"github.com/fentz26/runbox/internal/models"
	"github.com/fentz26/runbox/internal/store"
)

// ErrAlreadyRecorded is returned when the task's usage was applied before.
var ErrAlreadyRecorded = store.ErrAlreadyRecorded

// UsageEvent is one task's usage contribution.
type UsageEvent struct {
	Owner   string               `json:"owner"`
	TaskID  string               `json:"task_id"`
	Period  string               `json:"period"`
	Plan    string               `json:"plan"`
	Usage   models.ResourceUsage `json:"usage"`
	Overage bool                 `json:"overage"`
	Cost    float64              `json:"cost"`
}

// PriceFunc computes the cost of one event. It must be pure.
type PriceFunc func(UsageEvent) float64

// Reporter forwards recorded usage to the billing collaborator.
type Reporter interface {
	Report(ctx context.Context, ev UsageEvent) error
}

// OverageRates prices an overage task at its plan's overage rate and
// everything else at zero.
func OverageRates(rates map[string]float64) PriceFunc {
	return func(ev UsageEvent) float64 {
		if !ev.Overage {
			return 0
		}
		return rates[ev.Plan]
	}
}

// Sink records usage events.
type Sink struct {
	store    *store.Store
	price    PriceFunc
	reporter Reporter
	logger   *log.Logger
}

// NewSink creates a sink. price and reporter may be nil.
func NewSink(s *store.Store, price PriceFunc, reporter Reporter, logger *log.Logger) *Sink {
	if price == nil {
		price = func(UsageEvent) float64 { return 0 }
	}
	return &Sink{
		store:    s,
		price:    price,
		reporter: reporter,
		logger:   logger.With("component", "accounting"),
	}
}

// Record applies ev to the owner's usage record for ev.Period. A repeated
// call for the same task changes nothing and returns ErrAlreadyRecorded.
// Reporter failures are logged and do not fail the call.
func (s *Sink) Record(ctx context.Context, ev UsageEvent) error {
	if ev.Owner == "" || ev.TaskID == "" || ev.Period == "" {
		return fmt.Errorf("record usage: owner, task id and period are required")
	}
	ev.Cost = s.price(ev)

	err := s.store.RecordUsage(ctx, store.UsageDelta{
		Owner:   ev.Owner,
		TaskID:  ev.TaskID,
		Period:  ev.Period,
		Usage:   ev.Usage,
		Overage: ev.Overage,
		Cost:    ev.Cost,
	})
	if errors.Is(err, store.ErrAlreadyRecorded) {
		metrics.UsageRecords.WithLabelValues("duplicate").Inc()
		s.logger.Debug("usage already recorded", "task_id", ev.TaskID)
		return ErrAlreadyRecorded
	}
	if err != nil {
		metrics.UsageRecords.WithLabelValues("error").Inc()
		return fmt.Errorf("record usage: %w", err)
	}
	metrics.UsageRecords.WithLabelValues("recorded").Inc()

	if s.reporter != nil {
		if err := s.reporter.Report(ctx, ev); err != nil {
			s.logger.Warn("billing report failed", "task_id", ev.TaskID, "owner", ev.Owner, "err", err)
		}
	}
	return nil
}

// EventFor builds the usage event of a task that has a usage snapshot.
func EventFor(task *models.Task) (UsageEvent, bool) {
	if task.Usage == nil {
		return UsageEvent{}, false
	}
	at := task.CreatedAt
	if task.CompletedAt != nil {
		at = *task.CompletedAt
	}
	return UsageEvent{
		Owner:   task.Owner,
		TaskID:  task.ID,
		Period:  models.PeriodOf(at),
		Plan:    task.Plan,
		Usage:   *task.Usage,
		Overage: task.Overage,
	}, true
}

// LogReporter reports usage events as log lines.
type LogReporter struct {
	Logger *log.Logger
}

// Report logs the event.
func (r LogReporter) Report(_ context.Context, ev UsageEvent) error {
	r.Logger.Info("usage recorded",
		"owner", ev.Owner,
		"task_id", ev.TaskID,
		"period", ev.Period,
		"wall_seconds", ev.Usage.WallSeconds,
		"cpu_seconds", ev.Usage.CPUSeconds,
		"overage", ev.Overage,
		"cost", ev.Cost,
	)
	return nil
}
