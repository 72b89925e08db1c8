package queue

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/gleaner-io/gleaner/pkg/types"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketJobs       = []byte("jobs")
	bucketJobsByTask = []byte("jobs_by_task")
)

// Config shapes retry and lease behavior.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	Lease       time.Duration
}

// EnqueueOptions override per-job defaults.
type EnqueueOptions struct {
	Delay       time.Duration
	Priority    int
	MaxAttempts int // 0 = queue default
}

// BoltQueue is a durable FIFO-with-priority job queue stored in the
// same BoltDB file as the entity data. At most one job per task is
// live (waiting, active or delayed) at any instant.
type BoltQueue struct {
	db  *bolt.DB
	cfg Config
}

// New creates the queue buckets inside the shared database.
func New(db *bolt.DB, cfg Config) (*BoltQueue, error) {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketJobsByTask} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &BoltQueue{db: db, cfg: cfg}, nil
}

// Enqueue adds a job for taskID. If the task already has a live job
// the call is a no-op returning that job.
func (q *BoltQueue) Enqueue(taskID string, payload []byte, opts EnqueueOptions) (*types.Job, error) {
	var job *types.Job
	err := q.db.Update(func(tx *bolt.Tx) error {
		var err error
		job, err = q.EnqueueTx(tx, taskID, payload, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// EnqueueTx is Enqueue inside an existing transaction, so a task
// insert and its job enqueue commit atomically.
func (q *BoltQueue) EnqueueTx(tx *bolt.Tx, taskID string, payload []byte, opts EnqueueOptions) (*types.Job, error) {
	jobs := tx.Bucket(bucketJobs)
	byTask := tx.Bucket(bucketJobsByTask)

	// Single-flight per task.
	if existingID := byTask.Get([]byte(taskID)); existingID != nil {
		data := jobs.Get(existingID)
		if data != nil {
			var existing types.Job
			if err := json.Unmarshal(data, &existing); err != nil {
				return nil, err
			}
			if existing.State.Live() {
				return &existing, nil
			}
		}
		// Stale index entry, fall through and replace it.
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = q.cfg.MaxAttempts
	}

	now := time.Now().UTC()
	job := &types.Job{
		ID:          uuid.New().String(),
		TaskID:      taskID,
		Payload:     payload,
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
		RunAt:       now.Add(opts.Delay),
		State:       types.JobStateWaiting,
		CreatedAt:   now,
	}
	if opts.Delay > 0 {
		job.State = types.JobStateDelayed
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	if err := jobs.Put([]byte(job.ID), data); err != nil {
		return nil, err
	}
	if err := byTask.Put([]byte(taskID), []byte(job.ID)); err != nil {
		return nil, err
	}
	return job, nil
}

// Reserve picks the next eligible job: highest priority first, then
// FIFO by runAt, deterministic id tie-break. The job becomes active
// with a lease; a worker that dies without acking loses the lease and
// the job is requeued by Recover. Returns nil when nothing is due.
func (q *BoltQueue) Reserve() (*types.Job, error) {
	var reserved *types.Job
	err := q.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		now := time.Now().UTC()

		var eligible []*types.Job
		err := jobs.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			switch job.State {
			case types.JobStateWaiting:
			case types.JobStateDelayed:
				if job.RunAt.After(now) {
					return nil
				}
			default:
				return nil
			}
			if job.RunAt.After(now) {
				return nil
			}
			eligible = append(eligible, &job)
			return nil
		})
		if err != nil {
			return err
		}
		if len(eligible) == 0 {
			return nil
		}

		sort.Slice(eligible, func(i, j int) bool {
			if eligible[i].Priority != eligible[j].Priority {
				return eligible[i].Priority > eligible[j].Priority
			}
			if !eligible[i].RunAt.Equal(eligible[j].RunAt) {
				return eligible[i].RunAt.Before(eligible[j].RunAt)
			}
			return eligible[i].ID < eligible[j].ID
		})

		job := eligible[0]
		job.State = types.JobStateActive
		job.Attempts++
		job.LeaseUntil = now.Add(q.cfg.Lease)

		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		if err := jobs.Put([]byte(job.ID), data); err != nil {
			return err
		}
		reserved = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reserved, nil
}

// Ack marks a job completed and frees the task's single-flight slot.
// Callers ack only after committing terminal side effects.
func (q *BoltQueue) Ack(jobID string) error {
	return q.finish(jobID, types.JobStateCompleted, "")
}

// Dead moves a job straight to the dead letter state.
func (q *BoltQueue) Dead(jobID, reason string) error {
	return q.finish(jobID, types.JobStateFailed, reason)
}

func (q *BoltQueue) finish(jobID string, state types.JobState, lastError string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		data := jobs.Get([]byte(jobID))
		if data == nil {
			return types.NewError(types.ErrNotFound, fmt.Sprintf("job not found: %s", jobID))
		}
		var job types.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		job.State = state
		job.LeaseUntil = time.Time{}
		if lastError != "" {
			job.LastError = lastError
		}
		out, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		if err := jobs.Put([]byte(jobID), out); err != nil {
			return err
		}
		return q.releaseSlot(tx, &job)
	})
}

func (q *BoltQueue) releaseSlot(tx *bolt.Tx, job *types.Job) error {
	byTask := tx.Bucket(bucketJobsByTask)
	if current := byTask.Get([]byte(job.TaskID)); current != nil && string(current) == job.ID {
		return byTask.Delete([]byte(job.TaskID))
	}
	return nil
}

// Nack records a failure. With attempts remaining the job is delayed
// by retryIn (or the exponential backoff for its attempt count when
// retryIn is zero); otherwise it enters the dead letter state. The
// returned job reflects the new state.
func (q *BoltQueue) Nack(jobID, lastError string, retryIn time.Duration) (*types.Job, error) {
	var job types.Job
	err := q.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		data := jobs.Get([]byte(jobID))
		if data == nil {
			return types.NewError(types.ErrNotFound, fmt.Sprintf("job not found: %s", jobID))
		}
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}

		job.LastError = lastError
		job.LeaseUntil = time.Time{}
		if job.Attempts >= job.MaxAttempts {
			job.State = types.JobStateFailed
			out, err := json.Marshal(&job)
			if err != nil {
				return err
			}
			if err := jobs.Put([]byte(jobID), out); err != nil {
				return err
			}
			return q.releaseSlot(tx, &job)
		}

		if retryIn <= 0 {
			retryIn = q.Backoff(job.Attempts)
		}
		job.State = types.JobStateDelayed
		job.RunAt = time.Now().UTC().Add(retryIn)
		out, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		return jobs.Put([]byte(jobID), out)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Backoff computes base * 2^(attempts-1) capped at the configured
// maximum.
func (q *BoltQueue) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := q.cfg.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.cfg.MaxDelay {
			return q.cfg.MaxDelay
		}
	}
	if d > q.cfg.MaxDelay {
		d = q.cfg.MaxDelay
	}
	return d
}

// ExtendLease pushes the lease of an active job forward by the
// configured lease duration. Workers heartbeat this while a long task
// runs so the janitor does not requeue it mid-flight.
func (q *BoltQueue) ExtendLease(jobID string) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		data := jobs.Get([]byte(jobID))
		if data == nil {
			return types.NewError(types.ErrNotFound, fmt.Sprintf("job not found: %s", jobID))
		}
		var job types.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		if job.State != types.JobStateActive {
			return types.NewError(types.ErrConflict, fmt.Sprintf("job not active: %s", jobID))
		}
		job.LeaseUntil = time.Now().UTC().Add(q.cfg.Lease)
		out, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		return jobs.Put([]byte(jobID), out)
	})
}

// Lease returns the configured lease duration.
func (q *BoltQueue) Lease() time.Duration {
	return q.cfg.Lease
}

// Recover requeues active jobs whose lease expired. Called at startup
// and periodically by the janitor so crashed workers never strand a
// job. Returns the number of jobs requeued.
func (q *BoltQueue) Recover() (int, error) {
	requeued := 0
	err := q.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		now := time.Now().UTC()
		return jobs.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.State != types.JobStateActive || job.LeaseUntil.After(now) {
				return nil
			}
			job.State = types.JobStateWaiting
			job.LeaseUntil = time.Time{}
			job.RunAt = now
			out, err := json.Marshal(&job)
			if err != nil {
				return err
			}
			if err := jobs.Put(k, out); err != nil {
				return err
			}
			requeued++
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return requeued, nil
}

// GetJob returns a job by id.
func (q *BoltQueue) GetJob(jobID string) (*types.Job, error) {
	var job types.Job
	err := q.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(jobID))
		if data == nil {
			return types.NewError(types.ErrNotFound, fmt.Sprintf("job not found: %s", jobID))
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// LiveJobForTask returns the live job occupying the task's
// single-flight slot, or nil.
func (q *BoltQueue) LiveJobForTask(taskID string) (*types.Job, error) {
	var job *types.Job
	err := q.db.View(func(tx *bolt.Tx) error {
		jobID := tx.Bucket(bucketJobsByTask).Get([]byte(taskID))
		if jobID == nil {
			return nil
		}
		data := tx.Bucket(bucketJobs).Get(jobID)
		if data == nil {
			return nil
		}
		var j types.Job
		if err := json.Unmarshal(data, &j); err != nil {
			return err
		}
		if j.State.Live() {
			job = &j
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Stats counts jobs by state, for the metrics collector.
func (q *BoltQueue) Stats() (map[types.JobState]int, error) {
	stats := make(map[types.JobState]int)
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			stats[job.State]++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
