// Package sandbox runs one task in one isolated container with resource
// limits and a hard timeout, and guarantees the container is removed on
// every exit path.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fentz26/runbox/internal/connectors"
	"github.com/fentz26/runbox/internal/metrics"
	"github.com/fentz26/runbox/internal/models"
)

// Environment and label names of the sandbox I/O convention.
const (
	EnvTaskID    = "TASK_ID"
	EnvTaskInput = "TASK_INPUT"

	LabelManaged = "runbox.managed"
	LabelTaskID  = "runbox.task_id"
)

var (
	// ErrProvision marks failures to create or start the sandbox.
	ErrProvision = errors.New("sandbox provisioning failed")
	// ErrObserve marks failures to follow a started sandbox to its exit.
	ErrObserve = errors.New("sandbox could not be observed")
)

// Config tunes the runner.
type Config struct {
	Network        string
	PidsLimit      int
	MaxOutputBytes int
	// CleanupTimeout bounds kill, log collection and removal after the run.
	CleanupTimeout time.Duration
}

// Request describes one execution.
type Request struct {
	TaskID string
	// Name is the container name, unique per attempt.
	Name   string
	Image  string
	Input  json.RawMessage
	Limits models.ResourceLimits
}

// Result is the observed outcome of one execution.
type Result struct {
	SandboxID  string
	ExitCode   int
	Stdout     string
	Stderr     string
	Truncated  bool
	TimedOut   bool
	Stopped    bool
	Usage      models.ResourceUsage
	StartedAt  time.Time
	FinishedAt time.Time
}

type liveSandbox struct {
	containerID string
	stop        chan struct{}
	once        sync.Once
}

func (l *liveSandbox) signal() {
	l.once.Do(func() { close(l.stop) })
}

// tombstoneTTL bounds how long a stop for a not-yet-started task is kept.
const tombstoneTTL = time.Hour

// Runner executes sandboxes through a container runtime.
type Runner struct {
	rt     connectors.Runtime
	cfg    Config
	logger *log.Logger

	mu         sync.Mutex
	live       map[string]*liveSandbox
	tombstones map[string]time.Time
}

// NewRunner creates a runner.
func NewRunner(rt connectors.Runtime, cfg Config, logger *log.Logger) *Runner {
	if cfg.Network == "" {
		cfg.Network = "none"
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 1 << 20
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 30 * time.Second
	}
	return &Runner{
		rt:         rt,
		cfg:        cfg,
		logger:     logger.With("component", "sandbox"),
		live:       make(map[string]*liveSandbox),
		tombstones: make(map[string]time.Time),
	}
}

// Run executes req and blocks until the sandbox has exited, been killed on
// timeout, or been stopped, and has been removed. A non-nil Result is
// returned whenever the sandbox was started, even together with an error,
// so elapsed time can still be billed.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Limits.TimeoutSec <= 0 {
		return nil, fmt.Errorf("%w: timeout must be positive", ErrProvision)
	}
	logger := r.logger.With("task_id", req.TaskID, "sandbox", req.Name)

	ls := &liveSandbox{stop: make(chan struct{})}
	if !r.register(req.TaskID, ls) {
		metrics.SandboxRuns.WithLabelValues("stopped").Inc()
		now := time.Now().UTC()
		return &Result{SandboxID: req.Name, ExitCode: -1, Stopped: true, StartedAt: now, FinishedAt: now}, nil
	}
	defer r.unregister(req.TaskID, ls)

	spec := connectors.ContainerSpec{
		Name:  req.Name,
		Image: req.Image,
		Env: map[string]string{
			EnvTaskID:    req.TaskID,
			EnvTaskInput: string(req.Input),
		},
		Labels: map[string]string{
			LabelManaged: "true",
			LabelTaskID:  req.TaskID,
		},
		Limits:    req.Limits,
		Network:   r.cfg.Network,
		PidsLimit: r.cfg.PidsLimit,
	}

	containerID, err := r.rt.Create(ctx, spec)
	if err != nil {
		metrics.SandboxRuns.WithLabelValues("error").Inc()
		// A failed create can leave a half-made container behind.
		r.remove(req.Name, logger)
		return nil, fmt.Errorf("%w: create: %v", ErrProvision, err)
	}
	defer r.remove(containerID, logger)

	r.mu.Lock()
	ls.containerID = containerID
	r.mu.Unlock()

	if err := r.rt.Start(ctx, containerID); err != nil {
		metrics.SandboxRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: start: %v", ErrProvision, err)
	}
	startedAt := time.Now().UTC()
	logger.Debug("sandbox started", "container", containerID, "timeout", req.Limits.Timeout())

	res := &Result{SandboxID: req.Name, ExitCode: -1, StartedAt: startedAt}
	runErr := r.await(ctx, containerID, req.Limits.Timeout(), ls, res, logger)

	res.FinishedAt = time.Now().UTC()
	elapsed := res.FinishedAt.Sub(startedAt)
	if elapsed > req.Limits.Timeout() {
		elapsed = req.Limits.Timeout()
	}
	res.Usage = Meter(elapsed, req.Limits)

	cleanupCtx, cancel := context.WithTimeout(context.Background(), r.cfg.CleanupTimeout)
	defer cancel()
	out, err := r.rt.Logs(cleanupCtx, containerID, r.cfg.MaxOutputBytes)
	if err != nil {
		logger.Warn("collecting sandbox output failed", "err", err)
	} else {
		res.Stdout = out.Stdout
		res.Stderr = out.Stderr
		res.Truncated = out.Truncated
	}

	switch {
	case runErr != nil:
		metrics.SandboxRuns.WithLabelValues("error").Inc()
	case res.TimedOut:
		metrics.SandboxRuns.WithLabelValues("timeout").Inc()
	case res.Stopped:
		metrics.SandboxRuns.WithLabelValues("stopped").Inc()
	case res.ExitCode != 0:
		metrics.SandboxRuns.WithLabelValues("nonzero").Inc()
	default:
		metrics.SandboxRuns.WithLabelValues("ok").Inc()
	}
	return res, runErr
}

type waitResult struct {
	code int
	err  error
}

// await races container exit against the timeout, a stop request and ctx.
func (r *Runner) await(ctx context.Context, containerID string, timeout time.Duration, ls *liveSandbox, res *Result, logger *log.Logger) error {
	waitCtx, cancelWait := context.WithCancel(context.Background())
	defer cancelWait()

	waitCh := make(chan waitResult, 1)
	go func() {
		code, err := r.rt.Wait(waitCtx, containerID)
		waitCh <- waitResult{code: code, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case w := <-waitCh:
		if w.err != nil {
			return fmt.Errorf("%w: %v", ErrObserve, w.err)
		}
		res.ExitCode = w.code
		return nil
	case <-timer.C:
		res.TimedOut = true
		logger.Warn("sandbox timed out, killing", "timeout", timeout)
	case <-ls.stop:
		res.Stopped = true
		logger.Info("sandbox stop requested, killing")
	case <-ctx.Done():
		res.Stopped = true
		logger.Warn("sandbox run interrupted, killing", "err", ctx.Err())
	}

	killCtx, cancel := context.WithTimeout(context.Background(), r.cfg.CleanupTimeout)
	defer cancel()
	if err := r.rt.Kill(killCtx, containerID); err != nil && !errors.Is(err, connectors.ErrContainerNotFound) {
		logger.Warn("killing sandbox failed", "err", err)
	}
	select {
	case w := <-waitCh:
		if w.err == nil {
			res.ExitCode = w.code
		}
	case <-killCtx.Done():
		logger.Warn("sandbox did not exit after kill")
	}
	return nil
}

// remove force-removes a container, logging failures. Removal runs on a
// fresh context so a canceled run still cleans up.
func (r *Runner) remove(containerID string, logger *log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.CleanupTimeout)
	defer cancel()
	if err := r.rt.Remove(ctx, containerID); err != nil {
		logger.Error("removing sandbox failed", "container", containerID, "err", err)
	}
}

func (r *Runner) register(taskID string, ls *liveSandbox) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, stopped := r.tombstones[taskID]; stopped {
		delete(r.tombstones, taskID)
		return false
	}
	r.live[taskID] = ls
	return true
}

func (r *Runner) unregister(taskID string, ls *liveSandbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.live[taskID] == ls {
		delete(r.live, taskID)
	}
}

// Stop stops the task's sandbox. A sandbox run by this runner is killed and
// its Run returns with Stopped set; a run that has not started yet is
// refused when it starts. Containers left by other processes are removed.
// Stopping a task without a sandbox is not an error.
func (r *Runner) Stop(ctx context.Context, taskID string) error {
	r.mu.Lock()
	ls, ok := r.live[taskID]
	if ok {
		ls.signal()
	} else {
		now := time.Now()
		for id, at := range r.tombstones {
			if now.Sub(at) > tombstoneTTL {
				delete(r.tombstones, id)
			}
		}
		r.tombstones[taskID] = now
	}
	r.mu.Unlock()

	if ok {
		return nil
	}
	return r.Cleanup(ctx, taskID)
}

// Forget drops a pending stop for a task that will never run here.
func (r *Runner) Forget(taskID string) {
	r.mu.Lock()
	delete(r.tombstones, taskID)
	r.mu.Unlock()
}

// Cleanup removes every container labeled with the task, live or not.
func (r *Runner) Cleanup(ctx context.Context, taskID string) error {
	containers, err := r.rt.List(ctx, map[string]string{LabelManaged: "true", LabelTaskID: taskID})
	if err != nil {
		return fmt.Errorf("list sandboxes of %s: %w", taskID, err)
	}
	var errs []error
	for _, c := range containers {
		if err := r.rt.Remove(ctx, c.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		r.logger.Info("removed sandbox", "task_id", taskID, "container", c.Name)
	}
	return errors.Join(errs...)
}

// ListRunning returns every platform-managed container the runtime knows
// about, including ones left behind by a crashed process.
func (r *Runner) ListRunning(ctx context.Context) ([]connectors.ContainerInfo, error) {
	return r.rt.List(ctx, map[string]string{LabelManaged: "true"})
}

// Live returns the IDs of tasks this runner is executing.
func (r *Runner) Live() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	return ids
}

// Meter approximates resource usage from elapsed time and the configured
// limits. It is not a measurement.
func Meter(elapsed time.Duration, limits models.ResourceLimits) models.ResourceUsage {
	wall := elapsed.Seconds()
	if wall < 0 {
		wall = 0
	}
	return models.ResourceUsage{
		CPUSeconds:      wall * limits.CPUShare,
		MemoryMBSeconds: wall * float64(limits.MemoryMB),
		WallSeconds:     wall,
	}
}

// ParseOutput extracts the result document from sandbox stdout: the last
// non-empty line that is valid JSON. Without one, the raw text is kept under
// "raw_output".
func ParseOutput(stdout string) json.RawMessage {
	lines := strings.Split(stdout, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if json.Valid([]byte(line)) {
			return json.RawMessage(line)
		}
	}
	raw, _ := json.Marshal(map[string]string{"raw_output": stdout})
	return raw
}
