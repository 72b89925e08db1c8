package metrics

import (
	"time"

	"github.com/gleaner-io/gleaner/pkg/types"
)

// TaskCounter exposes the task counts the collector samples.
type TaskCounter interface {
	CountTasksByStatus() (map[types.TaskStatus]int, error)
}

// JobCounter exposes the queue depth by state.
type JobCounter interface {
	Stats() (map[types.JobState]int, error)
}

// Collector samples task and queue gauges on a fixed interval
type Collector struct {
	tasks  TaskCounter
	jobs   JobCounter
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(tasks TaskCounter, jobs JobCounter) *Collector {
	return &Collector{
		tasks:  tasks,
		jobs:   jobs,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectTaskMetrics()
	c.collectJobMetrics()
}

func (c *Collector) collectTaskMetrics() {
	counts, err := c.tasks.CountTasksByStatus()
	if err != nil {
		return
	}

	// Statuses absent from the snapshot reset to zero so stale gauges
	// do not linger after the last task in a state drains.
	for _, status := range []types.TaskStatus{
		types.TaskStatusPending,
		types.TaskStatusProcessing,
		types.TaskStatusCompleted,
		types.TaskStatusFailed,
	} {
		TasksTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) collectJobMetrics() {
	counts, err := c.jobs.Stats()
	if err != nil {
		return
	}

	for _, state := range []types.JobState{
		types.JobStateWaiting,
		types.JobStateActive,
		types.JobStateDelayed,
		types.JobStateCompleted,
		types.JobStateFailed,
	} {
		JobsTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
