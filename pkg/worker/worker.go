package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gleaner-io/gleaner/pkg/events"
	"github.com/gleaner-io/gleaner/pkg/log"
	"github.com/gleaner-io/gleaner/pkg/metrics"
	"github.com/gleaner-io/gleaner/pkg/queue"
	"github.com/gleaner-io/gleaner/pkg/storage"
	"github.com/gleaner-io/gleaner/pkg/types"
	"github.com/gleaner-io/gleaner/pkg/upstream"
)

// Config tunes the worker pool.
type Config struct {
	Count              int
	PollInterval       time.Duration
	JanitorInterval    time.Duration
	DefaultTaskTimeout time.Duration // 0 = no overall deadline
}

// Pool runs N identical workers against the shared queue plus a
// janitor that requeues jobs stranded by crashed workers.
type Pool struct {
	store  storage.Store
	queue  *queue.BoltQueue
	client *upstream.Client
	broker *events.Broker
	cfg    Config

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPool creates a worker pool. It does not start any goroutines.
func NewPool(store storage.Store, q *queue.BoltQueue, client *upstream.Client, broker *events.Broker, cfg Config) *Pool {
	if cfg.Count < 1 {
		cfg.Count = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = 5 * time.Second
	}
	return &Pool{
		store:  store,
		queue:  q,
		client: client,
		broker: broker,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// Start recovers stranded jobs and launches the workers and the
// janitor.
func (p *Pool) Start() error {
	logger := log.WithComponent("worker")

	requeued, err := p.queue.Recover()
	if err != nil {
		return fmt.Errorf("failed to recover stranded jobs: %w", err)
	}
	if requeued > 0 {
		logger.Info().Int("requeued", requeued).Msg("recovered stranded jobs")
		metrics.JobsRecovered.Add(float64(requeued))
	}

	for i := 0; i < p.cfg.Count; i++ {
		p.wg.Add(1)
		go p.runWorker(i)
	}
	p.wg.Add(1)
	go p.runJanitor()

	metrics.RegisterComponent("workers", true, "")
	logger.Info().Int("count", p.cfg.Count).Msg("worker pool started")
	return nil
}

// Stop signals all workers to drain and waits for them. In-flight
// tasks finish their current sub-unit and are requeued by the next
// lease recovery if interrupted.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	metrics.UpdateComponent("workers", false, "stopped")
	logger := log.WithComponent("worker")
	logger.Info().Msg("worker pool stopped")
}

func (p *Pool) runWorker(id int) {
	defer p.wg.Done()
	logger := log.WithComponent("worker")

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		job, err := p.queue.Reserve()
		if err != nil {
			logger.Error().Err(err).Msg("failed to reserve job")
			p.sleep(p.cfg.PollInterval)
			continue
		}
		if job == nil {
			p.sleep(p.cfg.PollInterval)
			continue
		}
		p.process(job)
	}
}

func (p *Pool) runJanitor() {
	defer p.wg.Done()
	logger := log.WithComponent("janitor")
	ticker := time.NewTicker(p.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			requeued, err := p.queue.Recover()
			if err != nil {
				logger.Error().Err(err).Msg("lease recovery failed")
				continue
			}
			if requeued > 0 {
				metrics.JobsRecovered.Add(float64(requeued))
				logger.Warn().Int("requeued", requeued).Msg("requeued expired leases")
			}
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-p.stopCh:
	}
}

// taskParameters is the recognized subset of the opaque per-task
// parameter object.
type taskParameters struct {
	TimeoutMs int `json:"timeoutMs"`
}

func (p *Pool) process(job *types.Job) {
	logger := log.WithJobID(job.ID).With().Str("task_id", job.TaskID).Logger()

	task, err := p.store.GetTask(job.TaskID)
	if err != nil {
		if types.IsKind(err, types.ErrNotFound) {
			// Task row is gone, the job has nothing to execute.
			logger.Warn().Msg("job references missing task, dropping")
			_ = p.queue.Dead(job.ID, "task not found")
			return
		}
		logger.Error().Err(err).Msg("failed to load task")
		_, _ = p.queue.Nack(job.ID, err.Error(), 0)
		return
	}

	// A retry delivered after the task already finished acks without
	// side effects so replays converge.
	if task.Status.Terminal() {
		logger.Debug().Str("status", string(task.Status)).Msg("task already terminal, acking stale job")
		_ = p.queue.Ack(job.ID)
		return
	}

	wasPending := task.Status == types.TaskStatusPending
	task, err = p.store.UpdateTaskStatus(task.ID, types.TaskStatusProcessing, storage.StatusUpdate{})
	if err != nil {
		if types.IsKind(err, types.ErrConflict) {
			// Lost the race against a terminal transition.
			_ = p.queue.Ack(job.ID)
			return
		}
		logger.Error().Err(err).Msg("failed to mark task processing")
		_, _ = p.queue.Nack(job.ID, err.Error(), 0)
		return
	}
	if wasPending {
		p.broker.Publish(&events.Event{Type: events.EventTaskStarted, TaskID: task.ID, JobID: job.ID})
	}

	ctx, cancel := p.taskContext(task)
	defer cancel()

	hbStop := p.startHeartbeat(job.ID)
	runErr := p.collect(ctx, task, job)
	close(hbStop)

	if runErr == nil {
		p.finalize(task.ID, job, logger)
		return
	}
	p.handleFailure(ctx, task, job, runErr, logger)
}

func asAppError(err error) *types.Error {
	var appErr *types.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// taskContext derives the run context from the task's timeoutMs
// parameter, falling back to the pool default. Zero means no deadline.
func (p *Pool) taskContext(task *types.Task) (context.Context, context.CancelFunc) {
	timeout := p.cfg.DefaultTaskTimeout
	if len(task.Parameters) > 0 {
		var params taskParameters
		if err := json.Unmarshal(task.Parameters, &params); err == nil && params.TimeoutMs > 0 {
			timeout = time.Duration(params.TimeoutMs) * time.Millisecond
		}
	}
	if timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), timeout)
}

// startHeartbeat extends the job lease on a fraction of its duration
// until the returned channel is closed.
func (p *Pool) startHeartbeat(jobID string) chan struct{} {
	stop := make(chan struct{})
	interval := p.queue.Lease() / 3
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := p.queue.ExtendLease(jobID); err != nil {
					return
				}
			case <-stop:
				return
			}
		}
	}()
	return stop
}

// resultSummary is the stored terminal summary of a collect run.
type resultSummary struct {
	Groups   int `json:"groups"`
	Posts    int `json:"posts"`
	Comments int `json:"comments"`
	Errors   int `json:"errors"`
}

func (p *Pool) finalize(taskID string, job *types.Job, logger zerolog.Logger) {
	task, err := p.store.GetTask(taskID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to reload task for finalize")
		_, _ = p.queue.Nack(job.ID, err.Error(), 0)
		return
	}

	if task.Result == nil {
		summary, _ := json.Marshal(resultSummary{
			Groups:   task.Metrics.GroupsProcessed,
			Posts:    task.Metrics.Posts,
			Comments: task.Metrics.Comments,
			Errors:   task.Metrics.Errors,
		})
		if err := p.store.SetTaskResult(taskID, summary); err != nil {
			logger.Error().Err(err).Msg("failed to store result summary")
			_, _ = p.queue.Nack(job.ID, err.Error(), 0)
			return
		}
	}

	if _, err := p.store.UpdateTaskStatus(taskID, types.TaskStatusCompleted, storage.StatusUpdate{}); err != nil {
		if !types.IsKind(err, types.ErrConflict) {
			logger.Error().Err(err).Msg("failed to complete task")
			_, _ = p.queue.Nack(job.ID, err.Error(), 0)
			return
		}
	}
	_ = p.queue.Ack(job.ID)
	metrics.TasksCompleted.Inc()
	p.broker.Publish(&events.Event{Type: events.EventTaskCompleted, TaskID: taskID, JobID: job.ID})
	logger.Info().Msg("task completed")
}

func (p *Pool) handleFailure(ctx context.Context, task *types.Task, job *types.Job, runErr error, logger zerolog.Logger) {
	kind := types.KindOf(runErr)

	// A timeout is a hard task failure only when the task deadline
	// itself expired; an isolated request timeout retries.
	if kind == types.ErrTimeout && ctx.Err() == nil {
		kind = types.ErrUpstreamTransient
	}

	switch kind {
	case types.ErrCancelled:
		p.failTask(task.ID, job, "task cancelled", events.EventTaskCancelled, logger)
	case types.ErrValidation, types.ErrUpstreamAuth, types.ErrUpstreamPermanent, types.ErrTimeout:
		p.failTask(task.ID, job, runErr.Error(), events.EventTaskFailed, logger)
	default:
		p.retry(task.ID, job, runErr, logger)
	}
}

// failTask drives the task to failed and removes the job from the
// queue. Used for errors a retry cannot fix.
func (p *Pool) failTask(taskID string, job *types.Job, reason string, event events.EventType, logger zerolog.Logger) {
	if _, err := p.store.UpdateTaskStatus(taskID, types.TaskStatusFailed, storage.StatusUpdate{Error: reason}); err != nil {
		if !types.IsKind(err, types.ErrConflict) {
			logger.Error().Err(err).Msg("failed to mark task failed")
		}
	}
	_ = p.queue.Dead(job.ID, reason)
	metrics.TasksFailed.Inc()
	metrics.JobsDead.Inc()
	p.broker.Publish(&events.Event{Type: event, TaskID: taskID, JobID: job.ID, Message: reason})
	logger.Warn().Str("reason", reason).Msg("task failed")
}

// retry nacks the job. The queue either delays it for another attempt
// or, with attempts exhausted, moves it to the dead letter state, in
// which case the task fails too.
func (p *Pool) retry(taskID string, job *types.Job, runErr error, logger zerolog.Logger) {
	retryIn := time.Duration(0)
	if types.IsKind(runErr, types.ErrRateLimited) {
		if appErr := asAppError(runErr); appErr != nil && appErr.RetryAfterSec > 0 {
			retryIn = time.Duration(appErr.RetryAfterSec) * time.Second
		}
	}

	updated, err := p.queue.Nack(job.ID, runErr.Error(), retryIn)
	if err != nil {
		logger.Error().Err(err).Msg("failed to nack job")
		return
	}

	if updated.State == types.JobStateFailed {
		reason := fmt.Sprintf("retries exhausted after %d attempts: %s", updated.Attempts, runErr.Error())
		if _, err := p.store.UpdateTaskStatus(taskID, types.TaskStatusFailed, storage.StatusUpdate{Error: reason}); err != nil {
			if !types.IsKind(err, types.ErrConflict) {
				logger.Error().Err(err).Msg("failed to mark task failed")
			}
		}
		metrics.TasksFailed.Inc()
		metrics.JobsDead.Inc()
		p.broker.Publish(&events.Event{Type: events.EventJobDead, TaskID: taskID, JobID: job.ID, Message: reason})
		p.broker.Publish(&events.Event{Type: events.EventTaskFailed, TaskID: taskID, JobID: job.ID, Message: reason})
		logger.Warn().Str("reason", reason).Msg("job dead lettered, task failed")
		return
	}

	metrics.JobRetries.Inc()
	p.broker.Publish(&events.Event{Type: events.EventJobRetried, TaskID: taskID, JobID: job.ID, Message: runErr.Error()})
	logger.Info().
		Int("attempt", updated.Attempts).
		Time("run_at", updated.RunAt).
		Msg("job requeued for retry")
}
