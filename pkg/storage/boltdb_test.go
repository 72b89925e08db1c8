package storage

import (
	"testing"
	"time"

	"github.com/gleaner-io/gleaner/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTask(id string) *types.Task {
	now := time.Now().UTC()
	return &types.Task{
		ID:        id,
		Type:      types.TaskTypeFetchComments,
		Status:    types.TaskStatusPending,
		Groups:    []types.GroupRef{{VkID: "123"}},
		Metrics:   types.Metrics{GroupsTotal: 1},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateAndGetTask(t *testing.T) {
	store := newTestStore(t)

	task := newTask("task-1")
	require.NoError(t, store.CreateTask(task))

	got, err := store.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, types.TaskStatusPending, got.Status)
	assert.Equal(t, 1, got.Metrics.GroupsTotal)
}

func TestCreateTask_Duplicate(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateTask(newTask("task-1")))
	err := store.CreateTask(newTask("task-1"))
	assert.True(t, types.IsKind(err, types.ErrConflict))
}

func TestGetTask_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetTask("missing")
	assert.True(t, types.IsKind(err, types.ErrNotFound))
}

func TestUpdateTaskStatus_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []types.TaskStatus
		target  types.TaskStatus
		wantErr bool
	}{
		{name: "pending to processing", path: nil, target: types.TaskStatusProcessing},
		{name: "pending to failed", path: nil, target: types.TaskStatusFailed},
		{name: "pending to completed rejected", path: nil, target: types.TaskStatusCompleted, wantErr: true},
		{name: "processing to completed", path: []types.TaskStatus{types.TaskStatusProcessing}, target: types.TaskStatusCompleted},
		{name: "processing to processing", path: []types.TaskStatus{types.TaskStatusProcessing}, target: types.TaskStatusProcessing},
		{name: "completed is terminal", path: []types.TaskStatus{types.TaskStatusProcessing, types.TaskStatusCompleted}, target: types.TaskStatusProcessing, wantErr: true},
		{name: "failed is terminal", path: []types.TaskStatus{types.TaskStatusProcessing, types.TaskStatusFailed}, target: types.TaskStatusProcessing, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			require.NoError(t, store.CreateTask(newTask("task-1")))

			for _, status := range tt.path {
				_, err := store.UpdateTaskStatus("task-1", status, StatusUpdate{})
				require.NoError(t, err)
			}

			_, err := store.UpdateTaskStatus("task-1", tt.target, StatusUpdate{})
			if tt.wantErr {
				assert.True(t, types.IsKind(err, types.ErrConflict))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestUpdateTaskStatus_Stamps(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateTask(newTask("task-1")))

	task, err := store.UpdateTaskStatus("task-1", types.TaskStatusProcessing, StatusUpdate{})
	require.NoError(t, err)
	require.NotNil(t, task.StartedAt)
	assert.Nil(t, task.FinishedAt)

	task, err = store.UpdateTaskStatus("task-1", types.TaskStatusFailed, StatusUpdate{Error: "boom"})
	require.NoError(t, err)
	require.NotNil(t, task.FinishedAt)
	assert.Equal(t, "boom", task.Error)
	assert.GreaterOrEqual(t, task.ExecutionTimeMs, int64(0))
}

func TestIncrementMetrics(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateTask(newTask("task-1")))

	task, err := store.IncrementMetrics("task-1", types.MetricsDelta{Posts: 5, Comments: 10, Errors: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, task.Metrics.Posts)
	assert.Equal(t, 10, task.Metrics.Comments)
	assert.Equal(t, 1, task.Metrics.Errors)

	// Negative deltas clamp at zero.
	task, err = store.IncrementMetrics("task-1", types.MetricsDelta{Posts: -100})
	require.NoError(t, err)
	assert.Equal(t, 0, task.Metrics.Posts)
}

func TestRaiseMetrics(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateTask(newTask("task-1")))

	task, err := store.RaiseMetrics("task-1", types.Metrics{
		PostsTotal:     5,
		PostsProcessed: 3,
		Errors:         1,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, task.Metrics.PostsTotal)
	assert.Equal(t, 3, task.Metrics.PostsProcessed)
	assert.Equal(t, 1, task.Metrics.Errors)

	// A lower floor never lowers a counter.
	task, err = store.RaiseMetrics("task-1", types.Metrics{PostsProcessed: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, task.Metrics.PostsProcessed)
	assert.Equal(t, 5, task.Metrics.PostsTotal)

	// A higher floor raises it.
	task, err = store.RaiseMetrics("task-1", types.Metrics{PostsProcessed: 4})
	require.NoError(t, err)
	assert.Equal(t, 4, task.Metrics.PostsProcessed)

	// The distinct row counters are owned by IncrementMetrics.
	_, err = store.IncrementMetrics("task-1", types.MetricsDelta{Posts: 2})
	require.NoError(t, err)
	task, err = store.RaiseMetrics("task-1", types.Metrics{Posts: 100})
	require.NoError(t, err)
	assert.Equal(t, 2, task.Metrics.Posts)

	_, err = store.RaiseMetrics("missing", types.Metrics{})
	assert.True(t, types.IsKind(err, types.ErrNotFound))
}

func TestRequestCancel(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateTask(newTask("task-1")))

	task, err := store.RequestCancel("task-1")
	require.NoError(t, err)
	assert.True(t, task.CancelRequested)

	_, err = store.UpdateTaskStatus("task-1", types.TaskStatusFailed, StatusUpdate{})
	require.NoError(t, err)

	_, err = store.RequestCancel("task-1")
	assert.True(t, types.IsKind(err, types.ErrConflict))
}

func TestListTasks(t *testing.T) {
	store := newTestStore(t)

	base := time.Now().UTC()
	for i, id := range []string{"a", "b", "c"} {
		task := newTask(id)
		task.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.CreateTask(task))
	}
	_, err := store.UpdateTaskStatus("a", types.TaskStatusProcessing, StatusUpdate{})
	require.NoError(t, err)

	// Newest first.
	tasks, total, err := store.ListTasks(TaskFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, tasks, 3)
	assert.Equal(t, "c", tasks[0].ID)
	assert.Equal(t, "a", tasks[2].ID)

	// Status filter.
	tasks, total, err = store.ListTasks(TaskFilter{Status: types.TaskStatusProcessing})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, tasks, 1)
	assert.Equal(t, "a", tasks[0].ID)

	// Paging keeps the total.
	tasks, total, err = store.ListTasks(TaskFilter{Page: 2, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, tasks, 1)
}

func TestCountTasksByStatus(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateTask(newTask("a")))
	require.NoError(t, store.CreateTask(newTask("b")))
	_, err := store.UpdateTaskStatus("b", types.TaskStatusProcessing, StatusUpdate{})
	require.NoError(t, err)

	counts, err := store.CountTasksByStatus()
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.TaskStatusPending])
	assert.Equal(t, 1, counts[types.TaskStatusProcessing])
}

func TestUpsertGroups_Idempotent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateTask(newTask("task-1")))

	groups := []*types.Group{
		{ID: "g1", VkID: "100", Name: "One", Status: types.GroupStatusValid},
		{ID: "g2", VkID: "200", Name: "Two", Status: types.GroupStatusInvalid},
	}
	counts, err := store.UpsertGroups("task-1", groups)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Inserted)
	assert.Equal(t, 1, counts.Invalid)

	// Second write of the same keys is all duplicates.
	counts, err = store.UpsertGroups("task-1", groups)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Inserted)
	assert.Equal(t, 2, counts.Duplicate)

	stored, err := store.ListGroups("task-1")
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestUpsertPosts_Idempotent(t *testing.T) {
	store := newTestStore(t)

	posts := []*types.Post{
		{VkPostID: 1, OwnerID: -100, GroupID: "100", Text: "first", TaskID: "task-1", Date: time.Now().UTC()},
		{VkPostID: 2, OwnerID: -100, GroupID: "100", Text: "second", TaskID: "task-1", Date: time.Now().UTC()},
	}
	counts, err := store.UpsertPosts(posts)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Inserted)

	posts[0].Text = "edited"
	counts, err = store.UpsertPosts(posts[:1])
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Inserted)
	assert.Equal(t, 1, counts.Updated)
}

func TestGetResults(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateTask(newTask("task-1")))

	base := time.Now().UTC().Truncate(time.Second)
	posts := []*types.Post{
		{VkPostID: 1, GroupID: "100", TaskID: "task-1", Date: base.Add(-2 * time.Hour)},
		{VkPostID: 2, GroupID: "100", TaskID: "task-1", Date: base.Add(-1 * time.Hour)},
		{VkPostID: 3, GroupID: "200", TaskID: "task-1", Date: base},
		{VkPostID: 4, GroupID: "100", TaskID: "other", Date: base},
	}
	_, err := store.UpsertPosts(posts)
	require.NoError(t, err)

	comments := []*types.Comment{
		{VkCommentID: 10, PostVkID: 1, Date: base},
		{VkCommentID: 11, PostVkID: 2, Date: base},
		{VkCommentID: 12, PostVkID: 4, Date: base}, // other task's post
	}
	_, err = store.UpsertComments(comments)
	require.NoError(t, err)

	results, err := store.GetResults("task-1", ResultsFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, results.TotalPosts)
	assert.Equal(t, 2, results.TotalComments)
	// Newest first.
	assert.Equal(t, int64(3), results.Posts[0].VkPostID)

	// Group filter.
	results, err = store.GetResults("task-1", ResultsFilter{GroupVkID: "100"})
	require.NoError(t, err)
	assert.Equal(t, 2, results.TotalPosts)

	// Paging does not shrink totals.
	results, err = store.GetResults("task-1", ResultsFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, results.TotalPosts)
	assert.Len(t, results.Posts, 1)

	_, err = store.GetResults("missing", ResultsFilter{})
	assert.True(t, types.IsKind(err, types.ErrNotFound))
}

func TestDeleteTask(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateTask(newTask("task-1")))

	_, err := store.UpsertGroups("task-1", []*types.Group{{ID: "g1", VkID: "100", Status: types.GroupStatusValid}})
	require.NoError(t, err)
	_, err = store.UpsertPosts([]*types.Post{{VkPostID: 1, GroupID: "100", TaskID: "task-1", Date: time.Now().UTC()}})
	require.NoError(t, err)
	_, err = store.UpsertComments([]*types.Comment{{VkCommentID: 10, PostVkID: 1, Date: time.Now().UTC()}})
	require.NoError(t, err)

	require.NoError(t, store.DeleteTask("task-1", true))

	_, err = store.GetTask("task-1")
	assert.True(t, types.IsKind(err, types.ErrNotFound))

	groups, err := store.ListGroups("task-1")
	require.NoError(t, err)
	assert.Empty(t, groups)

	err = store.DeleteTask("task-1", true)
	assert.True(t, types.IsKind(err, types.ErrNotFound))
}
