package processor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fentz26/runbox/internal/accounting"
	"github.com/fentz26/runbox/internal/admission"
	"github.com/fentz26/runbox/internal/audit"
	"github.com/fentz26/runbox/internal/config"
	"github.com/fentz26/runbox/internal/connectors"
	"github.com/fentz26/runbox/internal/connectors/fake"
	"github.com/fentz26/runbox/internal/logging"
	"github.com/fentz26/runbox/internal/models"
	"github.com/fentz26/runbox/internal/queue"
	"github.com/fentz26/runbox/internal/sandbox"
	"github.com/fentz26/runbox/internal/store"
)

var mathImage = config.DefaultRegistry()["math-worker"].Image

type harness struct {
	dbPath    string
	store     *store.Store
	queue     *queue.Queue
	admission *admission.Controller
	runtime   *fake.Runtime
	proc      *Processor
}

func newHarness(t *testing.T, maxDurationSec, slots int) *harness {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	plans := config.Plans{
		config.FreePlan: {
			Name: config.FreePlan, TasksPerMonth: 100, MaxConcurrent: 10,
			MaxDurationSec: maxDurationSec, CPUShare: 0.5, MemoryMB: 256,
		},
	}
	logger := logging.Discard()
	q := queue.New(s, queue.Config{MaxAttempts: 3, VisibilityTimeout: 30 * time.Second}, logger)
	pdr := audit.NewPDRWriter(s)
	rt := fake.New()
	runner := sandbox.NewRunner(rt, sandbox.Config{CleanupTimeout: time.Second}, logger)
	sink := accounting.NewSink(s, nil, nil, logger)
	p := New(s, q, runner, sink, pdr, Config{
		Slots:           slots,
		PollInterval:    10 * time.Millisecond,
		StoreRetries:    1,
		StoreRetryDelay: 10 * time.Millisecond,
	}, logger)
	t.Cleanup(p.Stop)

	return &harness{
		dbPath:    dbPath,
		store:     s,
		queue:     q,
		admission: admission.New(s, q, plans, config.DefaultRegistry(), pdr, logger),
		runtime:   rt,
		proc:      p,
	}
}

// sumScript behaves like the math worker: it adds TASK_INPUT's numbers.
func sumScript(env map[string]string) (string, int) {
	var in struct {
		Action  string    `json:"action"`
		Numbers []float64 `json:"numbers"`
	}
	if err := json.Unmarshal([]byte(env[sandbox.EnvTaskInput]), &in); err != nil || in.Action != "add" {
		return `{"success": false}`, 1
	}
	var sum float64
	for _, n := range in.Numbers {
		sum += n
	}
	return fmt.Sprintf("computing\n{\"success\": true, \"result\": %g}\n", sum), 0
}

func (h *harness) submit(t *testing.T) *models.Task {
	t.Helper()
	task, err := h.admission.Admit(context.Background(), admission.Request{
		Owner: "acme",
		Type:  "math-worker",
		Input: json.RawMessage(`{"action": "add", "numbers": [10, 20, 30, 40]}`),
	})
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	return task
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.proc.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func (h *harness) waitTerminal(t *testing.T, id string) *models.Task {
	t.Helper()
	var task *models.Task
	waitFor(t, "terminal status", func() bool {
		got, err := h.store.GetTask(context.Background(), id)
		if err != nil {
			return false
		}
		task = got
		return got.Status.IsTerminal()
	})
	return task
}

func (h *harness) usage(t *testing.T) *models.UsageRecord {
	t.Helper()
	rec, err := h.store.GetUsage(context.Background(), "acme", models.PeriodOf(time.Now()))
	if err != nil {
		t.Fatalf("GetUsage failed: %v", err)
	}
	return rec
}

func TestProcessMathTask(t *testing.T) {
	h := newHarness(t, 30, 2)
	h.runtime.SetBehavior(mathImage, fake.Behavior{Script: sumScript})
	h.start(t)
	ctx := context.Background()

	task := h.submit(t)
	got := h.waitTerminal(t, task.ID)

	if got.Status != models.TaskStatusCompleted {
		t.Fatalf("Expected completed, got %s (%s)", got.Status, got.Error)
	}
	var out struct {
		Success bool    `json:"success"`
		Result  float64 `json:"result"`
	}
	if err := json.Unmarshal(got.Output, &out); err != nil {
		t.Fatalf("Output is not JSON: %v", err)
	}
	if !out.Success || out.Result != 100 {
		t.Errorf("Expected result 100, got %+v", out)
	}
	if got.Usage == nil || got.StartedAt == nil || got.CompletedAt == nil {
		t.Errorf("Expected usage and timestamps, got %+v", got)
	}
	if !strings.HasPrefix(got.SandboxID, "runbox-"+task.ID) {
		t.Errorf("Unexpected sandbox id %q", got.SandboxID)
	}

	specs := h.runtime.Specs()
	if len(specs) != 1 {
		t.Fatalf("Expected one sandbox, got %d", len(specs))
	}
	if specs[0].Env[sandbox.EnvTaskID] != task.ID {
		t.Errorf("Expected TASK_ID env, got %q", specs[0].Env[sandbox.EnvTaskID])
	}
	if specs[0].Env[sandbox.EnvTaskInput] != string(task.Input) {
		t.Errorf("Expected TASK_INPUT env, got %q", specs[0].Env[sandbox.EnvTaskInput])
	}
	if specs[0].Limits != task.Limits {
		t.Errorf("Expected sandbox limits %+v, got %+v", task.Limits, specs[0].Limits)
	}

	waitFor(t, "usage", func() bool {
		ok, _ := h.store.UsageRecorded(ctx, task.ID)
		return ok
	})
	if rec := h.usage(t); rec.TaskCount != 1 {
		t.Errorf("Expected exactly one task counted, got %d", rec.TaskCount)
	}
	waitFor(t, "job ack", func() bool {
		_, err := h.store.GetJob(ctx, task.ID)
		return errors.Is(err, store.ErrNotFound)
	})
	if h.runtime.Leaked() != 0 {
		t.Errorf("Expected no containers left, got %d", h.runtime.Leaked())
	}

	entries, err := h.store.ListPDR(ctx, task.ID)
	if err != nil {
		t.Fatalf("ListPDR failed: %v", err)
	}
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	want := []string{audit.ActionAdmit, audit.ActionDispatch, audit.ActionFinish, audit.ActionAccount}
	if strings.Join(actions, ",") != strings.Join(want, ",") {
		t.Errorf("Expected records %v, got %v", want, actions)
	}
}

func TestProcessTimeout(t *testing.T) {
	h := newHarness(t, 1, 1)
	h.runtime.SetBehavior(mathImage, fake.Behavior{Delay: -1})
	h.start(t)

	task := h.submit(t)
	got := h.waitTerminal(t, task.ID)

	if got.Status != models.TaskStatusFailed {
		t.Fatalf("Expected failed, got %s", got.Status)
	}
	if !strings.HasPrefix(got.Error, models.ErrMsgTimeout) {
		t.Errorf("Expected timeout error, got %q", got.Error)
	}
	if got.Usage == nil || got.Usage.WallSeconds < 0.9 || got.Usage.WallSeconds > 1.0 {
		t.Errorf("Expected wall time near the 1s limit, got %+v", got.Usage)
	}
	if h.runtime.Killed() != 1 {
		t.Errorf("Expected the sandbox to be killed, got %d kills", h.runtime.Killed())
	}
	waitFor(t, "sandbox removal", func() bool { return h.runtime.Leaked() == 0 })
}

func TestProcessNonZeroExit(t *testing.T) {
	h := newHarness(t, 30, 1)
	h.runtime.SetBehavior(mathImage, fake.Behavior{ExitCode: 2, Stdout: "boom"})
	h.start(t)

	task := h.submit(t)
	got := h.waitTerminal(t, task.ID)

	if got.Status != models.TaskStatusFailed {
		t.Fatalf("Expected failed, got %s", got.Status)
	}
	if got.Error != models.ErrMsgNonZeroExit+" 2" {
		t.Errorf("Unexpected error %q", got.Error)
	}
	if len(got.Output) != 0 {
		t.Errorf("Expected no output on failure, got %s", got.Output)
	}
	waitFor(t, "usage", func() bool {
		ok, _ := h.store.UsageRecorded(context.Background(), task.ID)
		return ok
	})
}

func TestProcessProvisioningFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, 30, 1)
	h.runtime.SetBehavior(mathImage, fake.Behavior{CreateErr: errors.New("image not found")})
	h.start(t)
	ctx := context.Background()

	task := h.submit(t)
	got := h.waitTerminal(t, task.ID)

	if got.Status != models.TaskStatusFailed {
		t.Fatalf("Expected failed, got %s", got.Status)
	}
	if !strings.HasPrefix(got.Error, models.ErrMsgSandbox) {
		t.Errorf("Expected sandbox error, got %q", got.Error)
	}
	waitFor(t, "job ack", func() bool {
		_, err := h.store.GetJob(ctx, task.ID)
		return errors.Is(err, store.ErrNotFound)
	})
	if h.runtime.Created() != 0 {
		t.Errorf("Expected no container, got %d", h.runtime.Created())
	}
}

func TestCancelQueuedTask(t *testing.T) {
	h := newHarness(t, 30, 1)
	ctx := context.Background()

	task := h.submit(t)
	status, err := h.proc.Cancel(ctx, task.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if status != models.TaskStatusCanceled {
		t.Errorf("Expected canceled, got %s", status)
	}
	if _, err := h.store.GetJob(ctx, task.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected job removed, got %v", err)
	}

	h.start(t)
	time.Sleep(100 * time.Millisecond)

	if h.runtime.Created() != 0 {
		t.Errorf("Expected no sandbox for a canceled task, got %d", h.runtime.Created())
	}
	got, _ := h.store.GetTask(ctx, task.ID)
	if got.Status != models.TaskStatusCanceled {
		t.Errorf("Expected canceled, got %s", got.Status)
	}
	if _, err := h.store.GetUsage(ctx, "acme", models.PeriodOf(time.Now())); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected no usage for a task that never ran, got %v", err)
	}
}

func TestCancelRunningTask(t *testing.T) {
	h := newHarness(t, 30, 1)
	h.runtime.SetBehavior(mathImage, fake.Behavior{Delay: -1})
	h.start(t)
	ctx := context.Background()

	task := h.submit(t)
	waitFor(t, "sandbox start", func() bool { return h.runtime.Created() == 1 })

	status, err := h.proc.Cancel(ctx, task.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if status != models.TaskStatusCanceled {
		t.Errorf("Expected canceled, got %s", status)
	}

	waitFor(t, "usage", func() bool {
		ok, _ := h.store.UsageRecorded(ctx, task.ID)
		return ok
	})
	got, _ := h.store.GetTask(ctx, task.ID)
	if got.Status != models.TaskStatusCanceled {
		t.Errorf("Expected canceled to win, got %s", got.Status)
	}
	if got.Usage == nil {
		t.Error("Expected usage of the stopped sandbox")
	}
	if h.runtime.Killed() != 1 {
		t.Errorf("Expected the sandbox to be killed, got %d", h.runtime.Killed())
	}
	waitFor(t, "sandbox removal", func() bool { return h.runtime.Leaked() == 0 })
	if rec := h.usage(t); rec.TaskCount != 1 {
		t.Errorf("Expected one task counted, got %d", rec.TaskCount)
	}
}

func TestCancelFinishedTaskKeepsStatus(t *testing.T) {
	h := newHarness(t, 30, 1)
	h.runtime.SetBehavior(mathImage, fake.Behavior{Script: sumScript})
	h.start(t)

	task := h.submit(t)
	h.waitTerminal(t, task.ID)

	status, err := h.proc.Cancel(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if status != models.TaskStatusCompleted {
		t.Errorf("Expected completed to stand, got %s", status)
	}

	if _, err := h.proc.Cancel(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

// redeliver expires the job's lease and leases it again, as the reaper and
// another slot would after a crash.
func redeliver(t *testing.T, s *store.Store) *queue.Lease {
	t.Helper()
	ctx := context.Background()
	later := time.Now().Add(time.Hour)
	n, err := s.RequeueExpiredJobs(ctx, later)
	if err != nil || n != 1 {
		t.Fatalf("RequeueExpiredJobs = %d, %v", n, err)
	}
	job, err := s.LeaseJob(ctx, "second", later, time.Minute)
	if err != nil {
		t.Fatalf("LeaseJob failed: %v", err)
	}
	return &queue.Lease{Job: *job, Consumer: "second"}
}

func TestRedeliveredJobIsNotCountedTwice(t *testing.T) {
	h := newHarness(t, 30, 1)
	h.runtime.SetBehavior(mathImage, fake.Behavior{Script: sumScript})
	ctx := context.Background()

	task := h.submit(t)
	lease, err := h.queue.Dequeue(ctx, "first")
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	// The first consumer finishes the task but dies before acking.
	if err := h.proc.process(ctx, lease, logging.Discard()); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	h.proc.handle(redeliver(t, h.store), 0)

	if h.runtime.Created() != 1 {
		t.Errorf("Expected the finished task not to run again, got %d sandboxes", h.runtime.Created())
	}
	if rec := h.usage(t); rec.TaskCount != 1 {
		t.Errorf("Expected one task counted, got %d", rec.TaskCount)
	}
	if _, err := h.store.GetJob(ctx, task.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected redelivered job acked, got %v", err)
	}
}

func TestRecoverInterruptedTask(t *testing.T) {
	h := newHarness(t, 30, 1)
	h.runtime.SetBehavior(mathImage, fake.Behavior{Script: sumScript})
	ctx := context.Background()

	task := h.submit(t)
	if _, err := h.queue.Dequeue(ctx, "crashed"); err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	// The crashed consumer got as far as starting a sandbox.
	stale := "runbox-" + task.ID + "-a1"
	if _, err := h.store.MarkRunning(ctx, task.ID, stale, time.Now()); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}
	h.runtime.Plant(connectors.ContainerSpec{
		Name:   stale,
		Image:  mathImage,
		Labels: map[string]string{sandbox.LabelManaged: "true", sandbox.LabelTaskID: task.ID},
	})

	h.proc.handle(redeliver(t, h.store), 0)

	got, _ := h.store.GetTask(ctx, task.ID)
	if got.Status != models.TaskStatusCompleted {
		t.Fatalf("Expected completed after recovery, got %s (%s)", got.Status, got.Error)
	}
	if got.SandboxID != "runbox-"+task.ID+"-a2" {
		t.Errorf("Expected second attempt sandbox, got %s", got.SandboxID)
	}
	if h.runtime.Leaked() != 0 {
		t.Errorf("Expected leftover sandbox removed, got %d containers", h.runtime.Leaked())
	}
}

// breakFinish makes every write of a task's output fail, as a disk or
// schema fault would, while other task updates still succeed.
func (h *harness) breakFinish(t *testing.T) {
	t.Helper()
	db, err := sql.Open("sqlite", h.dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	_, err = db.Exec(`CREATE TRIGGER finish_fails BEFORE UPDATE OF output ON tasks
		BEGIN SELECT RAISE(ABORT, 'disk hiccup'); END`)
	if err != nil {
		t.Fatalf("create trigger: %v", err)
	}
}

func TestFinishFailureStillBillsSandbox(t *testing.T) {
	h := newHarness(t, 30, 1)
	h.runtime.SetBehavior(mathImage, fake.Behavior{Delay: 300 * time.Millisecond, Stdout: `{"success": true}`})
	h.breakFinish(t)
	ctx := context.Background()

	task := h.submit(t)
	lease, err := h.queue.Dequeue(ctx, "slot-0")
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	h.proc.handle(lease, 0)

	got, _ := h.store.GetTask(ctx, task.ID)
	if got.Status != models.TaskStatusFailed {
		t.Fatalf("Expected failed, got %s", got.Status)
	}
	if !strings.HasPrefix(got.Error, models.ErrMsgInfrastructure+": ") {
		t.Errorf("Expected infrastructure error, got %q", got.Error)
	}
	if got.Usage == nil || got.Usage.WallSeconds <= 0 {
		t.Fatalf("Expected the sandbox's usage kept, got %+v", got.Usage)
	}

	rec := h.usage(t)
	if rec.TaskCount != 1 || rec.WallSeconds != got.Usage.WallSeconds {
		t.Errorf("Expected one task with %.3fs billed, got %+v", got.Usage.WallSeconds, rec)
	}
	if _, err := h.store.GetJob(ctx, task.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected job acked, got %v", err)
	}
}

func TestCancelAfterSandboxExitClearsStop(t *testing.T) {
	h := newHarness(t, 30, 1)
	h.runtime.SetBehavior(mathImage, fake.Behavior{Stdout: `{"success": true}`})
	ctx := context.Background()

	// The cancel lands after the sandbox is gone but before the result is
	// persisted.
	h.proc.afterRun = func(taskID string) {
		if _, err := h.proc.Cancel(ctx, taskID); err != nil {
			t.Errorf("Cancel failed: %v", err)
		}
	}

	task := h.submit(t)
	lease, err := h.queue.Dequeue(ctx, "slot-0")
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	h.proc.handle(lease, 0)

	got, _ := h.store.GetTask(ctx, task.ID)
	if got.Status != models.TaskStatusCanceled {
		t.Fatalf("Expected canceled, got %s", got.Status)
	}
	if rec := h.usage(t); rec.TaskCount != 1 {
		t.Errorf("Expected one task counted, got %d", rec.TaskCount)
	}

	// No stop is left pending for the task.
	res, err := h.proc.runner.Run(ctx, sandbox.Request{
		TaskID: task.ID,
		Name:   "runbox-" + task.ID + "-again",
		Image:  mathImage,
		Limits: task.Limits,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Stopped {
		t.Error("Expected a stale stop to have been cleared")
	}
}

func TestDeadLetteredTaskIsCounted(t *testing.T) {
	h := newHarness(t, 30, 1)
	ctx := context.Background()

	task := h.submit(t)
	lease, err := h.queue.Dequeue(ctx, "slot-0")
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	lease.Job.Attempts = lease.Job.MaxAttempts
	dead, err := h.queue.Nack(ctx, lease, errors.New("load task: disk full"))
	if err != nil || !dead {
		t.Fatalf("Nack = %v, %v", dead, err)
	}

	got, _ := h.store.GetTask(ctx, task.ID)
	if got.Status != models.TaskStatusFailed || got.Usage == nil {
		t.Fatalf("Expected failed with a usage snapshot, got %s %+v", got.Status, got.Usage)
	}
	if ok, _ := h.store.UsageRecorded(ctx, task.ID); !ok {
		t.Fatal("Expected the dead-lettered task to be accounted")
	}
	if rec := h.usage(t); rec.TaskCount != 1 || rec.WallSeconds != 0 {
		t.Errorf("Expected one task with no sandbox time, got %+v", rec)
	}
}

func TestSlotsBoundConcurrency(t *testing.T) {
	h := newHarness(t, 30, 2)
	h.runtime.SetBehavior(mathImage, fake.Behavior{Delay: 100 * time.Millisecond})
	h.start(t)

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, h.submit(t).ID)
	}
	for _, id := range ids {
		if got := h.waitTerminal(t, id); got.Status != models.TaskStatusCompleted {
			t.Errorf("Task %s: expected completed, got %s", id, got.Status)
		}
	}
	if n := h.runtime.MaxRunning(); n > 2 {
		t.Errorf("Expected at most 2 sandboxes at once, got %d", n)
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t, 30, 2)
	h.runtime.SetBehavior(mathImage, fake.Behavior{Delay: -1})
	h.start(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, h.submit(t).ID)
	}
	waitFor(t, "two sandboxes", func() bool { return h.runtime.Created() == 2 })

	st, err := h.proc.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Slots != 2 || st.RunningCount != 2 || len(st.RunningTaskIDs) != 2 {
		t.Errorf("Unexpected status %+v", st)
	}
	if st.QueueDepth[models.JobStateLeased] != 2 || st.QueueDepth[models.JobStateReady] != 1 {
		t.Errorf("Unexpected queue depth %v", st.QueueDepth)
	}
	if len(st.SandboxTaskIDs) != 2 {
		t.Errorf("Expected two live sandboxes, got %v", st.SandboxTaskIDs)
	}
	if st.Tasks[models.TaskStatusRunning] != 2 || st.Tasks[models.TaskStatusQueued] != 1 {
		t.Errorf("Unexpected task counts %v", st.Tasks)
	}

	for _, id := range ids {
		if _, err := h.proc.Cancel(ctx, id); err != nil {
			t.Fatalf("Cancel failed: %v", err)
		}
	}
	waitFor(t, "slots to drain", func() bool {
		st, err := h.proc.Status(ctx)
		return err == nil && st.RunningCount == 0
	})
}

func TestStopFinishesInFlightTask(t *testing.T) {
	h := newHarness(t, 30, 1)
	h.runtime.SetBehavior(mathImage, fake.Behavior{Delay: 200 * time.Millisecond, Stdout: `{"ok": true}`})
	h.start(t)

	task := h.submit(t)
	waitFor(t, "sandbox start", func() bool { return h.runtime.Created() == 1 })
	h.proc.Stop()

	got, _ := h.store.GetTask(context.Background(), task.ID)
	if got.Status != models.TaskStatusCompleted {
		t.Errorf("Expected in-flight task to complete, got %s", got.Status)
	}
	if err := h.proc.Start(); !errors.Is(err, ErrStopped) {
		t.Errorf("Expected ErrStopped, got %v", err)
	}
}

func TestOutcome(t *testing.T) {
	limits := models.ResourceLimits{CPUShare: 1, MemoryMB: 128, TimeoutSec: 10}
	finished := time.Now().UTC()

	tests := []struct {
		name       string
		res        *sandbox.Result
		err        error
		wantStatus models.TaskStatus
		wantError  string
		wantOutput string
	}{
		{
			name:       "success keeps last JSON line",
			res:        &sandbox.Result{Stdout: "log line\n{\"result\": 3}\n", FinishedAt: finished},
			wantStatus: models.TaskStatusCompleted,
			wantOutput: `{"result": 3}`,
		},
		{
			name:       "success without JSON",
			res:        &sandbox.Result{Stdout: "plain", FinishedAt: finished},
			wantStatus: models.TaskStatusCompleted,
			wantOutput: `{"raw_output":"plain"}`,
		},
		{
			name:       "timeout",
			res:        &sandbox.Result{TimedOut: true, ExitCode: 137, FinishedAt: finished},
			wantStatus: models.TaskStatusFailed,
			wantError:  "sandbox timed out after 10s",
		},
		{
			name:       "non-zero exit",
			res:        &sandbox.Result{ExitCode: 3, FinishedAt: finished},
			wantStatus: models.TaskStatusFailed,
			wantError:  "sandbox exited with status 3",
		},
		{
			name:       "provisioning error",
			err:        errors.New("no such image"),
			wantStatus: models.TaskStatusFailed,
			wantError:  "sandbox error: no such image",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Outcome(tt.res, tt.err, limits)
			if got.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", got.Status, tt.wantStatus)
			}
			if got.Error != tt.wantError {
				t.Errorf("Error = %q, want %q", got.Error, tt.wantError)
			}
			if string(got.Output) != tt.wantOutput {
				t.Errorf("Output = %s, want %s", got.Output, tt.wantOutput)
			}
			if got.CompletedAt.IsZero() {
				t.Error("Expected a completion time")
			}
		})
	}
}

func TestRetryOnlyRepeatsContention(t *testing.T) {
	h := newHarness(t, 30, 1)
	ctx := context.Background()

	calls := 0
	err := h.proc.retry(ctx, func() error {
		calls++
		return errors.New("constraint failed: disk hiccup (1811)")
	})
	if err == nil || calls != 1 {
		t.Errorf("Expected a permanent error to fail at once, got %d calls, %v", calls, err)
	}

	calls = 0
	err = h.proc.retry(ctx, func() error {
		calls++
		if calls == 1 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Errorf("Expected contention to be retried, got %d calls, %v", calls, err)
	}
}
