// Package queue is the durable execution queue between admission and the
// task processor. Jobs live in the store's jobs table; a job's identity is
// its task ID, so a task can have at most one live job.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fentz26/runbox/internal/metrics"
	"github.com/fentz26/runbox/internal/models"
	"github.com/fentz26/runbox/internal/store"
	"github.com/robfig/cron/v3"
)

var (
	// ErrEmpty is returned by Dequeue when no job is ready.
	ErrEmpty = errors.New("queue is empty")
	// ErrLeaseLost is returned when a lease expired and the job was handed
	// to someone else or removed.
	ErrLeaseLost = store.ErrLeaseLost
)

// Config controls retry and lease behavior.
type Config struct {
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	VisibilityTimeout time.Duration
}

// Lease is a job held by one consumer until it is acked, nacked or expires.
type Lease struct {
	Job      models.Job
	Consumer string
}

// Queue is the execution queue.
type Queue struct {
	store  *store.Store
	cfg    Config
	logger *log.Logger
	now    func() time.Time

	mu     sync.Mutex
	onDead func(ctx context.Context, taskID string)
}

// New creates a queue over the store.
func New(s *store.Store, cfg Config, logger *log.Logger) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 2 * time.Minute
	}
	return &Queue{
		store:  s,
		cfg:    cfg,
		logger: logger.With("component", "queue"),
		now:    time.Now,
	}
}

// OnDeadLetter registers fn to run after a job is dead-lettered and its task
// failed, whether by Nack or by Reap.
func (q *Queue) OnDeadLetter(fn func(ctx context.Context, taskID string)) {
	q.mu.Lock()
	q.onDead = fn
	q.mu.Unlock()
}

// VisibilityTimeout returns the lease length.
func (q *Queue) VisibilityTimeout() time.Duration {
	return q.cfg.VisibilityTimeout
}

// Enqueue persists task and its job in one step. The task leaves the call
// queued, or nothing is written.
func (q *Queue) Enqueue(ctx context.Context, task *models.Task, job *models.Job) error {
	job.TaskID = task.ID
	job.MaxAttempts = q.cfg.MaxAttempts
	if err := q.store.CreateTaskWithJob(ctx, task, job); err != nil {
		return fmt.Errorf("enqueue %s: %w", task.ID, err)
	}
	q.logger.Debug("job enqueued", "task_id", task.ID, "owner", task.Owner)
	return nil
}

// Dequeue leases the next ready job for consumer, or returns ErrEmpty.
func (q *Queue) Dequeue(ctx context.Context, consumer string) (*Lease, error) {
	now := q.now()
	job, err := q.store.LeaseJob(ctx, consumer, now, q.cfg.VisibilityTimeout)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if job.Attempts == 1 {
		metrics.QueueWait.Observe(now.Sub(job.CreatedAt).Seconds())
	}
	return &Lease{Job: *job, Consumer: consumer}, nil
}

// Ack removes a finished job.
func (q *Queue) Ack(ctx context.Context, lease *Lease) error {
	return q.store.DeleteLeasedJob(ctx, lease.Job.TaskID, lease.Consumer)
}

// Nack gives a job back after a processing failure. It is retried after an
// exponential backoff until it has used MaxAttempts; then it is dead-lettered
// and its task failed. dead reports which of the two happened.
func (q *Queue) Nack(ctx context.Context, lease *Lease, cause error) (dead bool, err error) {
	msg := cause.Error()
	job := lease.Job
	if job.Attempts < job.MaxAttempts {
		delay := q.Backoff(job.Attempts)
		if err := q.store.RetryJob(ctx, job.TaskID, lease.Consumer, q.now().Add(delay), msg); err != nil {
			return false, err
		}
		metrics.JobRetries.WithLabelValues("retry").Inc()
		q.logger.Warn("job released for retry", "task_id", job.TaskID, "attempt", job.Attempts, "delay", delay, "err", msg)
		return false, nil
	}

	if err := q.store.DeadLetterJob(ctx, job.TaskID, lease.Consumer, msg); err != nil {
		return false, err
	}
	q.failExhausted(ctx, job.TaskID, msg)
	return true, nil
}

// Extend renews the lease for another visibility timeout.
func (q *Queue) Extend(ctx context.Context, lease *Lease) error {
	return q.store.RenewJobLease(ctx, lease.Job.TaskID, lease.Consumer, q.now().Add(q.cfg.VisibilityTimeout))
}

// KeepAlive extends the lease every third of the visibility timeout until
// ctx is done or the lease is lost.
func (q *Queue) KeepAlive(ctx context.Context, lease *Lease) {
	ticker := time.NewTicker(q.cfg.VisibilityTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.Extend(ctx, lease); err != nil {
				if ctx.Err() == nil {
					q.logger.Warn("lease renewal failed", "task_id", lease.Job.TaskID, "err", err)
				}
				if errors.Is(err, ErrLeaseLost) {
					return
				}
			}
		}
	}
}

// Remove deletes a job that no consumer holds. It reports false when the job
// is leased, dead or already gone.
func (q *Queue) Remove(ctx context.Context, taskID string) (bool, error) {
	return q.store.DeleteReadyJob(ctx, taskID)
}

// Depth returns the number of jobs per state and updates the depth gauge.
func (q *Queue) Depth(ctx context.Context) (map[models.JobState]int, error) {
	counts, err := q.store.CountJobsByState(ctx)
	if err != nil {
		return nil, err
	}
	for st, n := range counts {
		metrics.QueueDepth.WithLabelValues(string(st)).Set(float64(n))
	}
	return counts, nil
}

// Backoff returns the retry delay after the given attempt:
// base * 2^(attempt-1), capped at BackoffMax.
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := q.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.cfg.BackoffMax {
			return q.cfg.BackoffMax
		}
	}
	return delay
}

// Reap recovers jobs whose consumer stopped renewing its lease, typically
// after a crash. Jobs with attempts left go back to ready; the rest are
// dead-lettered and their tasks failed.
func (q *Queue) Reap(ctx context.Context) (requeued, dead int, err error) {
	now := q.now()

	expired, err := q.store.ExpiredJobs(ctx, now)
	if err != nil {
		return 0, 0, err
	}
	for _, job := range expired {
		ok, err := q.store.KillExpiredJob(ctx, job.TaskID, now, "lease expired")
		if err != nil {
			return requeued, dead, err
		}
		if ok {
			dead++
			q.failExhausted(ctx, job.TaskID, "lease expired")
		}
	}

	n, err := q.store.RequeueExpiredJobs(ctx, now)
	if err != nil {
		return requeued, dead, err
	}
	requeued = int(n)
	if requeued > 0 || dead > 0 {
		q.logger.Info("reaped expired leases", "requeued", requeued, "dead", dead)
	}
	return requeued, dead, nil
}

// StartReaper runs Reap on the cron schedule until the returned stop func is
// called. Stop waits for a running reap to finish.
func (q *Queue) StartReaper(ctx context.Context, schedule string) (stop func(), err error) {
	c := cron.New()
	_, err = c.AddFunc(schedule, func() {
		if _, _, err := q.Reap(ctx); err != nil && ctx.Err() == nil {
			q.logger.Error("reap failed", "err", err)
		}
		if _, err := q.Depth(ctx); err != nil && ctx.Err() == nil {
			q.logger.Warn("queue depth refresh failed", "err", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid reap schedule %q: %w", schedule, err)
	}
	c.Start()
	return func() { <-c.Stop().Done() }, nil
}

func (q *Queue) failExhausted(ctx context.Context, taskID, lastErr string) {
	metrics.JobRetries.WithLabelValues("dead").Inc()
	msg := fmt.Sprintf("%s: retries exhausted: %s", models.ErrMsgInfrastructure, lastErr)
	ok, err := q.store.FailTask(ctx, taskID, msg, models.ResourceUsage{})
	if err != nil {
		q.logger.Error("failed to fail dead-lettered task", "task_id", taskID, "err", err)
	} else {
		q.logger.Warn("job dead-lettered", "task_id", taskID, "task_failed", ok, "err", lastErr)
	}

	// A task that was already terminal may still be waiting for accounting.
	q.mu.Lock()
	fn := q.onDead
	q.mu.Unlock()
	if fn != nil {
		fn(ctx, taskID)
	}
}
