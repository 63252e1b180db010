// Package processor runs queued tasks. A fixed number of slots each lease one
// job at a time, execute it in a sandbox, persist the terminal state and hand
// the usage to accounting.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fentz26/runbox/internal/accounting"
	"github.com/fentz26/runbox/internal/audit"
	"github.com/fentz26/runbox/internal/metrics"
	"github.com/fentz26/runbox/internal/models"
	"github.com/fentz26/runbox/internal/queue"
	"github.com/fentz26/runbox/internal/sandbox"
	"github.com/fentz26/runbox/internal/store"
	"github.com/google/uuid"
)

// ErrStopped is returned by Start on a processor that was stopped.
var ErrStopped = errors.New("processor stopped")

// Config tunes the processor.
type Config struct {
	// Slots is the number of tasks executed at once.
	Slots        int
	PollInterval time.Duration
	// StoreRetries bounds how often a failed store write is retried before
	// the job is given back to the queue.
	StoreRetries    int
	StoreRetryDelay time.Duration
}

// DefaultConfig returns the default processor configuration.
func DefaultConfig() Config {
	return Config{
		Slots:           4,
		PollInterval:    time.Second,
		StoreRetries:    3,
		StoreRetryDelay: 200 * time.Millisecond,
	}
}

// WorkerStatus is a snapshot of the processor.
type WorkerStatus struct {
	Slots          int      `json:"slots"`
	RunningCount   int      `json:"running_count"`
	RunningTaskIDs []string `json:"running_task_ids"`
	// SandboxTaskIDs are the tasks whose sandbox is executing right now.
	SandboxTaskIDs []string                  `json:"sandbox_task_ids"`
	QueueDepth     map[models.JobState]int   `json:"queue_depth"`
	Tasks          map[models.TaskStatus]int `json:"tasks"`
}

// Processor executes queued tasks.
type Processor struct {
	store  *store.Store
	queue  *queue.Queue
	runner *sandbox.Runner
	sink   *accounting.Sink
	pdr    *audit.PDRWriter
	cfg    Config
	logger *log.Logger

	// instance prefixes lease consumer names so leases of different
	// processes never collide.
	instance string

	mu      sync.Mutex
	running map[string]int // task ID -> slot
	started bool
	stopped bool

	// afterRun, when set, is called between the sandbox run and persisting
	// its result.
	afterRun func(taskID string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a processor.
func New(s *store.Store, q *queue.Queue, runner *sandbox.Runner, sink *accounting.Sink, pdr *audit.PDRWriter, cfg Config, logger *log.Logger) *Processor {
	def := DefaultConfig()
	if cfg.Slots <= 0 {
		cfg.Slots = def.Slots
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.StoreRetries < 0 {
		cfg.StoreRetries = 0
	}
	if cfg.StoreRetryDelay <= 0 {
		cfg.StoreRetryDelay = def.StoreRetryDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Processor{
		store:    s,
		queue:    q,
		runner:   runner,
		sink:     sink,
		pdr:      pdr,
		cfg:      cfg,
		logger:   logger.With("component", "processor"),
		instance: uuid.NewString()[:8],
		running:  make(map[string]int),
		ctx:      ctx,
		cancel:   cancel,
	}
	q.OnDeadLetter(p.accountDead)
	return p
}

// Start launches the slots. Calling it twice is a no-op.
func (p *Processor) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.started {
		return nil
	}
	p.started = true
	for slot := 0; slot < p.cfg.Slots; slot++ {
		p.wg.Add(1)
		go p.slotLoop(slot)
	}
	p.logger.Info("processor started", "slots", p.cfg.Slots, "instance", p.instance)
	return nil
}

// Stop stops leasing new jobs and waits for in-flight tasks to finish.
func (p *Processor) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	p.logger.Info("processor stopped")
}

func (p *Processor) slotLoop(slot int) {
	defer p.wg.Done()
	consumer := fmt.Sprintf("%s/slot-%d", p.instance, slot)

	for {
		if p.ctx.Err() != nil {
			return
		}
		lease, err := p.queue.Dequeue(p.ctx, consumer)
		if err != nil {
			if !errors.Is(err, queue.ErrEmpty) && p.ctx.Err() == nil {
				p.logger.Error("dequeue failed", "slot", slot, "err", err)
			}
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}
		p.handle(lease, slot)
	}
}

// handle runs one leased job to completion. It does not observe the
// processor's context: once leased, a job is finished even during shutdown.
func (p *Processor) handle(lease *queue.Lease, slot int) {
	taskID := lease.Job.TaskID
	logger := p.logger.With("task_id", taskID, "slot", slot, "attempt", lease.Job.Attempts)

	p.mu.Lock()
	p.running[taskID] = slot
	p.mu.Unlock()
	metrics.BusySlots.Inc()
	defer func() {
		p.mu.Lock()
		delete(p.running, taskID)
		p.mu.Unlock()
		metrics.BusySlots.Dec()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.queue.KeepAlive(ctx, lease)

	if err := p.process(ctx, lease, logger); err != nil {
		dead, nerr := p.queue.Nack(ctx, lease, err)
		if nerr != nil {
			logger.Error("releasing job failed", "err", nerr, "cause", err)
			return
		}
		logger.Warn("job processing failed", "err", err, "dead_lettered", dead)
		return
	}
	if err := p.queue.Ack(ctx, lease); err != nil {
		logger.Warn("acknowledging job failed", "err", err)
	}
}

// process executes the job's task. A returned error is an infrastructure
// failure and gives the job back to the queue; task-level failures are
// persisted on the task and return nil.
func (p *Processor) process(ctx context.Context, lease *queue.Lease, logger *log.Logger) error {
	job := lease.Job

	var task *models.Task
	err := p.retry(ctx, func() (err error) {
		task, err = p.store.GetTask(ctx, job.TaskID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("dropping job of unknown task")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}

	switch task.Status {
	case models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusCanceled:
		// Redelivered after the task finished: only make sure it was billed.
		p.runner.Forget(task.ID)
		return p.account(ctx, task, logger)
	case models.TaskStatusRunning:
		// A previous attempt died mid-run. Its container may still exist.
		logger.Info("recovering task from interrupted attempt", "sandbox", task.SandboxID)
		if err := p.runner.Cleanup(ctx, task.ID); err != nil {
			logger.Warn("removing leftover sandbox failed", "err", err)
		}
	}

	sandboxName := fmt.Sprintf("runbox-%s-a%d", task.ID, job.Attempts)
	var marked bool
	err = p.retry(ctx, func() (err error) {
		marked, err = p.store.MarkRunning(ctx, task.ID, sandboxName, time.Now())
		return err
	})
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if !marked {
		// Canceled between lease and dispatch.
		p.runner.Forget(task.ID)
		logger.Info("task no longer runnable, skipping")
		return nil
	}
	p.recordPDR(ctx, audit.ActionDispatch, job, "success", task.ID, sandboxName, logger)
	logger.Info("dispatching task", "type", task.Type, "sandbox", sandboxName, "timeout", job.Limits.Timeout())

	res, runErr := p.runner.Run(ctx, sandbox.Request{
		TaskID: task.ID,
		Name:   sandboxName,
		Image:  job.Image,
		Input:  job.Input,
		Limits: job.Limits,
	})
	result := Outcome(res, runErr, job.Limits)
	if runErr != nil {
		logger.Warn("sandbox run failed", "err", runErr)
	}
	if p.afterRun != nil {
		p.afterRun(task.ID)
	}

	var finished bool
	err = p.retry(ctx, func() (err error) {
		finished, err = p.store.FinishTask(ctx, task.ID, result)
		return err
	})
	if err != nil {
		logger.Error("persisting result failed", "err", err)
		if finished, err = p.failInfrastructure(ctx, task.ID, result.Usage, err, logger); err != nil {
			return err
		}
	}
	if !finished {
		// A cancel won; drop any stop it left for a sandbox that already exited.
		p.runner.Forget(task.ID)
	}
	if !finished && res != nil {
		// Canceled while running. The sandbox ran, so its time is billed.
		err = p.retry(ctx, func() error {
			_, err := p.store.RecordCanceledUsage(ctx, task.ID, res.Usage)
			return err
		})
		if err != nil {
			return fmt.Errorf("record canceled usage: %w", err)
		}
	}

	err = p.retry(ctx, func() (err error) {
		task, err = p.store.GetTask(ctx, task.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("reload task: %w", err)
	}

	if finished {
		// Cancel counts the tasks it finishes.
		metrics.TasksFinished.WithLabelValues(task.Type, string(task.Status)).Inc()
	}
	if task.Usage != nil {
		metrics.SandboxDuration.WithLabelValues(task.Type).Observe(task.Usage.WallSeconds)
	}
	p.recordPDR(ctx, audit.ActionFinish, result, string(task.Status), task.ID, task.Error, logger)
	logger.Info("task finished", "status", task.Status, "error", task.Error)

	return p.account(ctx, task, logger)
}

// Outcome maps a sandbox run to the task's terminal state.
func Outcome(res *sandbox.Result, runErr error, limits models.ResourceLimits) store.TaskResult {
	now := time.Now().UTC()
	out := store.TaskResult{Status: models.TaskStatusFailed, CompletedAt: now}
	if res != nil {
		out.Usage = res.Usage
		if !res.FinishedAt.IsZero() {
			out.CompletedAt = res.FinishedAt
		}
	}

	switch {
	case runErr != nil:
		out.Error = fmt.Sprintf("%s: %v", models.ErrMsgSandbox, runErr)
	case res.TimedOut:
		out.Error = fmt.Sprintf("%s after %ds", models.ErrMsgTimeout, limits.TimeoutSec)
	case res.Stopped:
		out.Error = fmt.Sprintf("%s: stopped before completion", models.ErrMsgSandbox)
	case res.ExitCode != 0:
		out.Error = fmt.Sprintf("%s %d", models.ErrMsgNonZeroExit, res.ExitCode)
	default:
		out.Status = models.TaskStatusCompleted
		out.Output = sandbox.ParseOutput(res.Stdout)
	}
	return out
}

// failInfrastructure marks the task failed after its result could not be
// persisted, keeping the sandbox's usage so it is still billed. If even that
// fails the job goes back to the queue.
func (p *Processor) failInfrastructure(ctx context.Context, taskID string, usage models.ResourceUsage, cause error, logger *log.Logger) (bool, error) {
	msg := fmt.Sprintf("%s: %v", models.ErrMsgInfrastructure, cause)
	var failed bool
	err := p.retry(ctx, func() (err error) {
		failed, err = p.store.FailTask(ctx, taskID, msg, usage)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("persist result: %w", cause)
	}
	if failed {
		logger.Error("task failed on infrastructure error", "err", cause)
	}
	return failed, nil
}

// accountDead bills a task whose job was dead-lettered. The task carries a
// zero snapshot unless it had already finished.
func (p *Processor) accountDead(ctx context.Context, taskID string) {
	logger := p.logger.With("task_id", taskID)
	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		logger.Error("loading dead-lettered task failed", "err", err)
		return
	}
	if err := p.account(ctx, task, logger); err != nil {
		logger.Error("dead-lettered task left unbilled", "err", err)
	}
}

// account forwards the task's usage to the sink. Tasks that never reached a
// sandbox carry no usage and are skipped.
func (p *Processor) account(ctx context.Context, task *models.Task, logger *log.Logger) error {
	ev, ok := accounting.EventFor(task)
	if !ok {
		return nil
	}
	var duplicate bool
	err := p.retry(ctx, func() error {
		err := p.sink.Record(ctx, ev)
		if errors.Is(err, accounting.ErrAlreadyRecorded) {
			duplicate = true
			return nil
		}
		return err
	})
	if err != nil {
		// The terminal status stands; the redelivered job retries accounting.
		logger.Error("recording usage failed", "err", err)
		return fmt.Errorf("record usage: %w", err)
	}
	if !duplicate {
		p.recordPDR(ctx, audit.ActionAccount, ev, "success", task.ID, ev.Period, logger)
	}
	return nil
}

func (p *Processor) recordPDR(ctx context.Context, action string, inputs any, outcome, taskID, details string, logger *log.Logger) {
	if _, err := p.pdr.Record(ctx, action, inputs, outcome, taskID, details); err != nil {
		logger.Warn("writing decision record failed", "action", action, "err", err)
	}
}

// retry runs fn until it succeeds, returns an error other than SQLite
// contention, or StoreRetries additional attempts have failed.
func (p *Processor) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= p.cfg.StoreRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(err, ctx.Err())
			case <-time.After(time.Duration(attempt) * p.cfg.StoreRetryDelay):
			}
		}
		err = fn()
		if err == nil || !store.IsTransient(err) {
			return err
		}
	}
	return err
}

// Cancel cancels a task. A queued task is dropped from the queue before any
// sandbox exists; a running task's sandbox is stopped and its usage up to
// that point is billed when the slot finishes. A task that is already
// terminal keeps its status, which is returned.
func (p *Processor) Cancel(ctx context.Context, taskID string) (models.TaskStatus, error) {
	prev, ok, err := p.store.CancelTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if !ok {
		return prev, nil
	}
	logger := p.logger.With("task_id", taskID)
	logger.Info("task canceled", "previous", prev)

	if _, err := p.queue.Remove(ctx, taskID); err != nil {
		logger.Warn("removing queued job failed", "err", err)
	}
	if prev == models.TaskStatusRunning {
		if err := p.runner.Stop(ctx, taskID); err != nil {
			logger.Warn("stopping sandbox failed", "err", err)
		}
	}
	metrics.TasksFinished.WithLabelValues(p.taskType(ctx, taskID), string(models.TaskStatusCanceled)).Inc()
	p.recordPDR(ctx, audit.ActionCancel, map[string]string{"task_id": taskID, "previous": string(prev)}, "success", taskID, string(prev), logger)
	return models.TaskStatusCanceled, nil
}

func (p *Processor) taskType(ctx context.Context, taskID string) string {
	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return "unknown"
	}
	return task.Type
}

// Status returns the slots in use, the queue depth and task counts.
func (p *Processor) Status(ctx context.Context) (*WorkerStatus, error) {
	depth, err := p.queue.Depth(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue depth: %w", err)
	}
	tasks, err := p.store.CountTasksByStatus(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	ids := make([]string, 0, len(p.running))
	for id := range p.running {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	sort.Strings(ids)
	live := p.runner.Live()
	sort.Strings(live)

	return &WorkerStatus{
		Slots:          p.cfg.Slots,
		RunningCount:   len(ids),
		RunningTaskIDs: ids,
		SandboxTaskIDs: live,
		QueueDepth:     depth,
		Tasks:          tasks,
	}, nil
}
