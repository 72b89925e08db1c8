package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gleaner-io/gleaner/pkg/events"
	"github.com/gleaner-io/gleaner/pkg/log"
	"github.com/gleaner-io/gleaner/pkg/metrics"
	"github.com/gleaner-io/gleaner/pkg/progress"
	"github.com/gleaner-io/gleaner/pkg/queue"
	"github.com/gleaner-io/gleaner/pkg/storage"
	"github.com/gleaner-io/gleaner/pkg/types"
	"github.com/gleaner-io/gleaner/pkg/upstream"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// Config holds service level limits.
type Config struct {
	MaxGroupsPerTask int // 0 = default 100
}

// Service is the application facade over the store and the queue. The
// API layer calls it; it owns validation, normalization and the
// atomic create-and-enqueue transaction.
type Service struct {
	store  *storage.BoltStore
	queue  *queue.BoltQueue
	broker *events.Broker
	calc   progress.Calculator
	cfg    Config
}

// New creates the task service.
func New(store *storage.BoltStore, q *queue.BoltQueue, broker *events.Broker, calc progress.Calculator, cfg Config) *Service {
	if cfg.MaxGroupsPerTask < 1 {
		cfg.MaxGroupsPerTask = 100
	}
	return &Service{store: store, queue: q, broker: broker, calc: calc, cfg: cfg}
}

// CreateTaskInput is a create request after transport decoding.
type CreateTaskInput struct {
	Groups       []any
	Type         types.TaskType // empty = fetch_comments
	Priority     int            // clamped to [0, 10]
	MaxPosts     int
	Sort         string // asc, desc or smart; empty = asc
	SourceTaskID string // analyze tasks only
	Parameters   json.RawMessage
	CreatedBy    string
}

// TaskView pairs a task with its progress projection.
type TaskView struct {
	Task     *types.Task    `json:"task"`
	Progress types.Progress `json:"progress"`
}

// CreateTask validates and normalizes the input, then creates the task
// and its queue job in one transaction. A second create with the same
// normalized community set while the first is still live returns the
// existing task; the bool result reports whether a task was created.
func (s *Service) CreateTask(input CreateTaskInput) (*types.Task, bool, error) {
	taskType := input.Type
	if taskType == "" {
		taskType = types.TaskTypeFetchComments
	}
	if !taskType.Valid() {
		return nil, false, types.NewError(types.ErrValidation, fmt.Sprintf("unknown task type: %s", input.Type))
	}
	if input.Sort != "" && !upstream.ValidSort(input.Sort) {
		return nil, false, types.NewError(types.ErrValidation, fmt.Sprintf("invalid sort: %q", input.Sort))
	}
	if input.MaxPosts < 0 {
		return nil, false, types.NewError(types.ErrValidation, "maxPosts must not be negative")
	}

	priority := input.Priority
	if priority < 0 {
		priority = 0
	}
	if priority > 10 {
		priority = 10
	}

	var (
		refs    []types.GroupRef
		payload types.TaskPayload
		err     error
	)
	switch taskType {
	case types.TaskTypeAnalyzePosts:
		if input.SourceTaskID == "" {
			return nil, false, types.NewError(types.ErrValidation, "analyze task requires sourceTaskId")
		}
		if _, err := s.store.GetTask(input.SourceTaskID); err != nil {
			return nil, false, err
		}
		payload.AnalyzePosts = &types.AnalyzePostsPayload{SourceTaskID: input.SourceTaskID}
	default:
		refs, err = NormalizeGroups(input.Groups)
		if err != nil {
			return nil, false, err
		}
		if len(refs) > s.cfg.MaxGroupsPerTask {
			return nil, false, types.NewError(types.ErrValidation,
				fmt.Sprintf("too many communities: %d, limit %d", len(refs), s.cfg.MaxGroupsPerTask))
		}

		ids := make([]string, 0, len(refs))
		for _, r := range refs {
			ids = append(ids, r.VkID)
		}
		if taskType == types.TaskTypeProcessGroups {
			payload.ProcessGroups = &types.ProcessGroupsPayload{GroupVkIDs: ids}
		} else {
			payload.FetchComments = &types.FetchCommentsPayload{
				GroupVkIDs: ids,
				MaxPosts:   input.MaxPosts,
				Sort:       input.Sort,
			}
		}

		// Single-flight: a live task over the same community set absorbs
		// the duplicate create.
		if existing, err := s.findLiveDuplicate(taskType, refs); err != nil {
			return nil, false, err
		} else if existing != nil {
			return existing, false, nil
		}
	}

	now := time.Now().UTC()
	task := &types.Task{
		ID:         uuid.New().String(),
		Type:       taskType,
		Status:     types.TaskStatusPending,
		Priority:   priority,
		Groups:     refs,
		Metrics:    types.Metrics{GroupsTotal: len(refs)},
		Parameters: input.Parameters,
		CreatedBy:  input.CreatedBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, false, err
	}

	err = s.store.DB().Update(func(tx *bolt.Tx) error {
		if err := storage.CreateTaskTx(tx, task); err != nil {
			return err
		}
		_, err := s.queue.EnqueueTx(tx, task.ID, payloadJSON, queue.EnqueueOptions{Priority: priority})
		return err
	})
	if err != nil {
		return nil, false, err
	}

	s.broker.Publish(&events.Event{Type: events.EventTaskCreated, TaskID: task.ID})
	logger := log.WithTaskID(task.ID)
	logger.Info().
		Str("type", string(taskType)).
		Int("groups", len(refs)).
		Msg("task created")
	return task, true, nil
}

// findLiveDuplicate returns a non-terminal task of the same type over
// the same normalized community set, or nil.
func (s *Service) findLiveDuplicate(taskType types.TaskType, refs []types.GroupRef) (*types.Task, error) {
	key := groupSetKey(refs)
	for _, status := range []types.TaskStatus{types.TaskStatusPending, types.TaskStatusProcessing} {
		tasks, _, err := s.store.ListTasks(storage.TaskFilter{Status: status, Limit: 1 << 30})
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			if t.Type == taskType && groupSetKey(t.Groups) == key {
				return t, nil
			}
		}
	}
	return nil, nil
}

// StartCollect kicks the task's queue job. Creating a task already
// enqueues it, so this is an idempotent nudge: a live job makes it a
// no-op, and terminal tasks are left untouched.
func (s *Service) StartCollect(taskID string) (*types.Task, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return task, nil
	}

	var payload types.TaskPayload
	switch task.Type {
	case types.TaskTypeProcessGroups:
		payload.ProcessGroups = &types.ProcessGroupsPayload{GroupVkIDs: groupIDsOf(task)}
	default:
		payload.FetchComments = &types.FetchCommentsPayload{GroupVkIDs: groupIDsOf(task)}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	if _, err := s.queue.Enqueue(taskID, payloadJSON, queue.EnqueueOptions{Priority: task.Priority}); err != nil {
		return nil, err
	}
	return task, nil
}

func groupIDsOf(task *types.Task) []string {
	ids := make([]string, 0, len(task.Groups))
	for _, g := range task.Groups {
		ids = append(ids, g.VkID)
	}
	return ids
}

// GetTask returns one task with its progress projection.
func (s *Service) GetTask(taskID string) (*TaskView, error) {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	return s.view(task), nil
}

// ListTasks returns a task page with progress, plus the total count.
func (s *Service) ListTasks(filter storage.TaskFilter) ([]*TaskView, int, error) {
	tasks, total, err := s.store.ListTasks(filter)
	if err != nil {
		return nil, 0, err
	}
	views := make([]*TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, s.view(t))
	}
	return views, total, nil
}

func (s *Service) view(task *types.Task) *TaskView {
	var p types.Progress
	if task.Status == types.TaskStatusCompleted {
		p = s.calc.Completed(task.Metrics)
	} else {
		p = s.calc.Calculate(task.Metrics)
	}
	return &TaskView{Task: task, Progress: p}
}

// GetResults returns collected posts for a task.
func (s *Service) GetResults(taskID string, filter storage.ResultsFilter) (*storage.Results, error) {
	return s.store.GetResults(taskID, filter)
}

// ListGroups returns the persisted community rows of a task.
func (s *Service) ListGroups(taskID string) ([]*types.Group, error) {
	if _, err := s.store.GetTask(taskID); err != nil {
		return nil, err
	}
	return s.store.ListGroups(taskID)
}

// Cancel requests cooperative cancellation. A task whose job is not
// yet being executed fails immediately; a running task fails at its
// next sub-unit boundary.
func (s *Service) Cancel(taskID string) (*types.Task, error) {
	task, err := s.store.RequestCancel(taskID)
	if err != nil {
		return nil, err
	}

	job, err := s.queue.LiveJobForTask(taskID)
	if err != nil {
		return nil, err
	}
	if job != nil && job.State != types.JobStateActive {
		// Not picked up yet: settle the task here instead of spinning up
		// a worker just to observe the flag.
		if err := s.queue.Dead(job.ID, "task cancelled"); err != nil {
			return nil, err
		}
		task, err = s.store.UpdateTaskStatus(taskID, types.TaskStatusFailed, storage.StatusUpdate{Error: "task cancelled"})
		if err != nil {
			return nil, err
		}
		metrics.TasksFailed.Inc()
		s.broker.Publish(&events.Event{Type: events.EventTaskCancelled, TaskID: taskID, JobID: job.ID})
	}

	logger := log.WithTaskID(taskID)
	logger.Info().Msg("cancellation requested")
	return task, nil
}

// Delete removes a terminal task. Non-terminal tasks must be cancelled
// first. With deleteResults the collected posts and comments go too.
func (s *Service) Delete(taskID string, deleteResults bool) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if !task.Status.Terminal() {
		return types.NewError(types.ErrConflict,
			fmt.Sprintf("task is %s, cancel it before deleting", task.Status))
	}
	if err := s.store.DeleteTask(taskID, deleteResults); err != nil {
		return err
	}
	logger := log.WithTaskID(taskID)
	logger.Info().Bool("delete_results", deleteResults).Msg("task deleted")
	return nil
}
