package storage

import (
	"github.com/gleaner-io/gleaner/pkg/types"
)

// TaskFilter narrows ListTasks results.
type TaskFilter struct {
	Page   int
	Limit  int
	Status types.TaskStatus // empty = all
	Type   types.TaskType   // empty = all
}

// ResultsFilter narrows GetResults reads.
type ResultsFilter struct {
	GroupVkID string // filter posts by owning community
	PostVkID  int64  // filter to a single post, 0 = all
	Limit     int
	Offset    int
}

// Results is a page of collected posts plus the comment count across
// everything the filter matches (not just the page).
type Results struct {
	Posts         []*types.Post
	TotalPosts    int
	TotalComments int
}

// StatusUpdate carries the optional stamps of a status transition.
type StatusUpdate struct {
	Error           string
	ExecutionTimeMs int64
}

// Store is the persistence interface for tasks, groups, posts and
// comments. All batch writes are atomic: they either apply fully or
// leave the store unchanged.
type Store interface {
	// Task operations
	CreateTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasks(filter TaskFilter) ([]*types.Task, int, error)
	UpdateTaskStatus(id string, status types.TaskStatus, upd StatusUpdate) (*types.Task, error)
	IncrementMetrics(id string, delta types.MetricsDelta) (*types.Task, error)
	RaiseMetrics(id string, floor types.Metrics) (*types.Task, error)
	RequestCancel(id string) (*types.Task, error)
	SetTaskResult(id string, result []byte) error
	DeleteTask(id string, deleteResults bool) error

	// Group operations, idempotent by (taskId, vkId)
	UpsertGroups(taskID string, groups []*types.Group) (types.UpsertCounts, error)
	ListGroups(taskID string) ([]*types.Group, error)

	// Post/comment operations, idempotent by natural key
	UpsertPosts(posts []*types.Post) (types.UpsertCounts, error)
	UpsertComments(comments []*types.Comment) (types.UpsertCounts, error)
	GetResults(taskID string, filter ResultsFilter) (*Results, error)

	Close() error
}
