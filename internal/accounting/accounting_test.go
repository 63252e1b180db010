package accounting

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/runbox/internal/logging"
	"github.com/fentz26/runbox/internal/models"
	"github.com/fentz26/runbox/internal/store"
	"github.com/google/uuid"
)

type fakeReporter struct {
	mu     sync.Mutex
	events []UsageEvent
	err    error
}

func (f *fakeReporter) Report(_ context.Context, ev UsageEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return f.err
}

func newTestSink(t *testing.T, price PriceFunc, rep Reporter) (*Sink, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewSink(s, price, rep, logging.Discard()), s
}

func event(owner string) UsageEvent {
	return UsageEvent{
		Owner:  owner,
		TaskID: uuid.NewString(),
		Period: models.PeriodOf(time.Now()),
		Plan:   "pro",
		Usage:  models.ResourceUsage{CPUSeconds: 1, MemoryMBSeconds: 1024, WallSeconds: 1},
	}
}

func TestRecordIsIdempotentPerTask(t *testing.T) {
	rep := &fakeReporter{}
	sink, s := newTestSink(t, nil, rep)
	ctx := context.Background()

	ev := event("acme")
	if err := sink.Record(ctx, ev); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := sink.Record(ctx, ev); !errors.Is(err, ErrAlreadyRecorded) {
		t.Fatalf("Expected ErrAlreadyRecorded, got %v", err)
	}

	rec, err := s.GetUsage(ctx, "acme", ev.Period)
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	if rec.TaskCount != 1 {
		t.Errorf("Expected task count 1 after duplicate, got %d", rec.TaskCount)
	}
	if rec.CPUSeconds != 1 {
		t.Errorf("Expected cpu seconds 1, got %f", rec.CPUSeconds)
	}
	if len(rep.events) != 1 {
		t.Errorf("Expected one billing report, got %d", len(rep.events))
	}
}

func TestRecordConcurrentDistinctTasks(t *testing.T) {
	sink, s := newTestSink(t, nil, nil)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sink.Record(ctx, event("acme")); err != nil {
				t.Errorf("Record failed: %v", err)
			}
		}()
	}
	wg.Wait()

	rec, err := s.GetUsage(ctx, "acme", models.PeriodOf(time.Now()))
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	if rec.TaskCount != n {
		t.Errorf("Expected %d tasks, got %d", n, rec.TaskCount)
	}
	if rec.WallSeconds != n {
		t.Errorf("Expected %d wall seconds, got %f", n, rec.WallSeconds)
	}
}

func TestOveragePricing(t *testing.T) {
	price := OverageRates(map[string]float64{"pro": 0.5})
	sink, s := newTestSink(t, price, nil)
	ctx := context.Background()

	regular := event("acme")
	over := event("acme")
	over.Overage = true
	for _, ev := range []UsageEvent{regular, over} {
		if err := sink.Record(ctx, ev); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	rec, _ := s.GetUsage(ctx, "acme", regular.Period)
	if rec.Cost != 0.5 {
		t.Errorf("Expected cost 0.5, got %f", rec.Cost)
	}
	if rec.OverageTasks != 1 {
		t.Errorf("Expected 1 overage task, got %d", rec.OverageTasks)
	}
}

func TestReporterFailureDoesNotFailRecord(t *testing.T) {
	rep := &fakeReporter{err: errors.New("billing down")}
	sink, _ := newTestSink(t, nil, rep)

	if err := sink.Record(context.Background(), event("acme")); err != nil {
		t.Errorf("Expected reporter error to be swallowed, got %v", err)
	}
}

func TestRecordRequiresIdentity(t *testing.T) {
	sink, _ := newTestSink(t, nil, nil)
	ev := event("acme")
	ev.TaskID = ""
	if err := sink.Record(context.Background(), ev); err == nil {
		t.Error("Expected error without task id")
	}
}

func TestEventFor(t *testing.T) {
	completed := time.Date(2026, 3, 31, 23, 59, 0, 0, time.UTC)
	task := &models.Task{
		ID:          "t1",
		Owner:       "acme",
		Plan:        "pro",
		Overage:     true,
		CreatedAt:   completed.Add(-time.Hour),
		CompletedAt: &completed,
		Usage:       &models.ResourceUsage{WallSeconds: 3},
	}
	ev, ok := EventFor(task)
	if !ok {
		t.Fatal("Expected event")
	}
	if ev.Period != "2026-03" || !ev.Overage || ev.Usage.WallSeconds != 3 {
		t.Errorf("Unexpected event %+v", ev)
	}

	task.Usage = nil
	if _, ok := EventFor(task); ok {
		t.Error("Expected no event without usage")
	}
}
