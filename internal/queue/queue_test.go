package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/runbox/internal/logging"
	"github.com/fentz26/runbox/internal/models"
	"github.com/fentz26/runbox/internal/store"
	"github.com/google/uuid"
)

func newTestQueue(t *testing.T, cfg Config) (*Queue, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, cfg, logging.Discard()), s
}

func enqueue(t *testing.T, q *Queue) *models.Task {
	t.Helper()
	limits := models.ResourceLimits{CPUShare: 1, MemoryMB: 128, TimeoutSec: 5}
	task := &models.Task{
		ID:     uuid.NewString(),
		Owner:  "acme",
		Type:   "math-worker",
		Plan:   "free",
		Input:  json.RawMessage(`{}`),
		Limits: limits,
	}
	job := &models.Job{Owner: "acme", Image: "alpine:3.20", Limits: limits, Input: task.Input}
	if err := q.Enqueue(context.Background(), task, job); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return task
}

func TestEnqueueDequeueAck(t *testing.T) {
	q, s := newTestQueue(t, Config{MaxAttempts: 3})
	ctx := context.Background()

	if _, err := q.Dequeue(ctx, "slot-0"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("Expected ErrEmpty, got %v", err)
	}

	task := enqueue(t, q)
	lease, err := q.Dequeue(ctx, "slot-0")
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if lease.Job.TaskID != task.ID {
		t.Errorf("Expected job for %s, got %s", task.ID, lease.Job.TaskID)
	}
	if lease.Job.MaxAttempts != 3 {
		t.Errorf("Expected max attempts from config, got %d", lease.Job.MaxAttempts)
	}

	if err := q.Ack(ctx, lease); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if _, err := s.GetJob(ctx, task.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected job removed after ack, got %v", err)
	}
	if err := q.Ack(ctx, lease); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("Expected second ack to report ErrLeaseLost, got %v", err)
	}
}

func TestFIFOOrder(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	first := enqueue(t, q)
	time.Sleep(5 * time.Millisecond)
	second := enqueue(t, q)

	l1, err := q.Dequeue(ctx, "a")
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	l2, err := q.Dequeue(ctx, "b")
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if l1.Job.TaskID != first.ID || l2.Job.TaskID != second.ID {
		t.Errorf("Expected FIFO order")
	}
}

func TestNackRetriesThenDeadLetters(t *testing.T) {
	q, s := newTestQueue(t, Config{MaxAttempts: 2, BackoffBase: time.Second, BackoffMax: time.Minute})
	ctx := context.Background()

	task := enqueue(t, q)
	clock := time.Now()
	q.now = func() time.Time { return clock }
	var deadTasks []string
	q.OnDeadLetter(func(_ context.Context, taskID string) { deadTasks = append(deadTasks, taskID) })

	lease, err := q.Dequeue(ctx, "slot-0")
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	dead, err := q.Nack(ctx, lease, errors.New("store unavailable"))
	if err != nil {
		t.Fatalf("Nack failed: %v", err)
	}
	if dead {
		t.Fatal("Expected first failure to be retried")
	}

	// Backoff hides the job until it elapses.
	if _, err := q.Dequeue(ctx, "slot-0"); !errors.Is(err, ErrEmpty) {
		t.Fatalf("Expected job hidden during backoff, got %v", err)
	}
	clock = clock.Add(2 * time.Second)
	lease, err = q.Dequeue(ctx, "slot-0")
	if err != nil {
		t.Fatalf("Dequeue after backoff failed: %v", err)
	}
	if lease.Job.Attempts != 2 {
		t.Errorf("Expected attempt 2, got %d", lease.Job.Attempts)
	}

	dead, err = q.Nack(ctx, lease, errors.New("store unavailable"))
	if err != nil {
		t.Fatalf("Nack failed: %v", err)
	}
	if !dead {
		t.Fatal("Expected job to be dead-lettered after max attempts")
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != models.TaskStatusFailed {
		t.Errorf("Expected failed task, got %s", got.Status)
	}
	if want := models.ErrMsgInfrastructure + ": retries exhausted"; len(got.Error) < len(want) || got.Error[:len(want)] != want {
		t.Errorf("Expected infrastructure error, got %q", got.Error)
	}
	// The task is still counted once, with no sandbox time.
	if got.Usage == nil || got.Usage.WallSeconds != 0 {
		t.Errorf("Expected zero usage snapshot, got %+v", got.Usage)
	}
	if len(deadTasks) != 1 || deadTasks[0] != task.ID {
		t.Errorf("Expected dead-letter handler called for %s, got %v", task.ID, deadTasks)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if depth[models.JobStateDead] != 1 {
		t.Errorf("Expected 1 dead job, got %v", depth)
	}
}

func TestBackoff(t *testing.T) {
	q, _ := newTestQueue(t, Config{BackoffBase: time.Second, BackoffMax: 5 * time.Second})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{30, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := q.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestRemoveOnlyReadyJobs(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	queued := enqueue(t, q)
	removed, err := q.Remove(ctx, queued.ID)
	if err != nil || !removed {
		t.Fatalf("Remove = %v, %v", removed, err)
	}

	running := enqueue(t, q)
	if _, err := q.Dequeue(ctx, "slot-0"); err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	removed, err = q.Remove(ctx, running.ID)
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if removed {
		t.Error("Expected leased job to stay")
	}
}

func TestReapRecoversExpiredLeases(t *testing.T) {
	q, s := newTestQueue(t, Config{MaxAttempts: 2, VisibilityTimeout: time.Second})
	ctx := context.Background()

	task := enqueue(t, q)
	clock := time.Now()
	q.now = func() time.Time { return clock }

	lease, err := q.Dequeue(ctx, "crashed")
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	// Renewal keeps it alive.
	clock = clock.Add(800 * time.Millisecond)
	if err := q.Extend(ctx, lease); err != nil {
		t.Fatalf("Extend failed: %v", err)
	}
	clock = clock.Add(500 * time.Millisecond)
	if requeued, dead, _ := q.Reap(ctx); requeued != 0 || dead != 0 {
		t.Fatalf("Expected renewed lease to survive, got %d requeued %d dead", requeued, dead)
	}

	clock = clock.Add(5 * time.Second)
	requeued, dead, err := q.Reap(ctx)
	if err != nil {
		t.Fatalf("Reap failed: %v", err)
	}
	if requeued != 1 || dead != 0 {
		t.Fatalf("Expected 1 requeued, got %d requeued %d dead", requeued, dead)
	}

	// Second consumer crashes too; attempts are used up.
	if _, err := q.Dequeue(ctx, "crashed-again"); err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	clock = clock.Add(5 * time.Second)
	requeued, dead, err = q.Reap(ctx)
	if err != nil {
		t.Fatalf("Reap failed: %v", err)
	}
	if requeued != 0 || dead != 1 {
		t.Fatalf("Expected 1 dead, got %d requeued %d dead", requeued, dead)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != models.TaskStatusFailed {
		t.Errorf("Expected task failed after exhausting attempts, got %s", got.Status)
	}
	if got.Usage == nil {
		t.Error("Expected a usage snapshot on the dead-lettered task")
	}
}

func TestStartReaperRejectsBadSchedule(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	if _, err := q.StartReaper(context.Background(), "every now and then"); err == nil {
		t.Error("Expected invalid schedule error")
	}

	stop, err := q.StartReaper(context.Background(), "@every 1h")
	if err != nil {
		t.Fatalf("StartReaper failed: %v", err)
	}
	stop()
}
