package service

import (
	"os"
	"testing"
	"time"

	"github.com/gleaner-io/gleaner/pkg/events"
	"github.com/gleaner-io/gleaner/pkg/log"
	"github.com/gleaner-io/gleaner/pkg/progress"
	"github.com/gleaner-io/gleaner/pkg/queue"
	"github.com/gleaner-io/gleaner/pkg/storage"
	"github.com/gleaner-io/gleaner/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

func newTestService(t *testing.T) (*Service, *storage.BoltStore, *queue.BoltQueue) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q, err := queue.New(store.DB(), queue.Config{Lease: time.Minute})
	require.NoError(t, err)

	svc := New(store, q, events.NewBroker(), progress.New(0), Config{})
	return svc, store, q
}

func TestCreateTask(t *testing.T) {
	svc, store, q := newTestService(t)

	task, created, err := svc.CreateTask(CreateTaskInput{
		Groups:   []any{float64(123), "456"},
		Priority: 3,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, types.TaskTypeFetchComments, task.Type)
	assert.Equal(t, types.TaskStatusPending, task.Status)
	assert.Equal(t, 2, task.Metrics.GroupsTotal)
	assert.Len(t, task.Groups, 2)

	// The task row and its job landed together.
	stored, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, stored.ID)

	job, err := q.LiveJobForTask(task.ID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 3, job.Priority)
}

func TestCreateTask_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)

	tests := []struct {
		name  string
		input CreateTaskInput
	}{
		{name: "empty groups", input: CreateTaskInput{}},
		{name: "bad group entry", input: CreateTaskInput{Groups: []any{"not-digits"}}},
		{name: "bad type", input: CreateTaskInput{Groups: []any{"1"}, Type: "bogus"}},
		{name: "bad sort", input: CreateTaskInput{Groups: []any{"1"}, Sort: "newest"}},
		{name: "negative max posts", input: CreateTaskInput{Groups: []any{"1"}, MaxPosts: -1}},
		{name: "analyze without source", input: CreateTaskInput{Type: types.TaskTypeAnalyzePosts}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.CreateTask(tt.input)
			assert.True(t, types.IsKind(err, types.ErrValidation), "got %v", err)
		})
	}
}

func TestCreateTask_SingleFlight(t *testing.T) {
	svc, _, _ := newTestService(t)

	first, created, err := svc.CreateTask(CreateTaskInput{Groups: []any{"123", "456"}})
	require.NoError(t, err)
	require.True(t, created)

	// Same set in a different order and form is the same task.
	dup, created, err := svc.CreateTask(CreateTaskInput{Groups: []any{float64(456), "123"}})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, dup.ID)

	// A different set creates a fresh task.
	other, created, err := svc.CreateTask(CreateTaskInput{Groups: []any{"789"}})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestCreateTask_SingleFlightReleasedOnTerminal(t *testing.T) {
	svc, store, _ := newTestService(t)

	first, _, err := svc.CreateTask(CreateTaskInput{Groups: []any{"123"}})
	require.NoError(t, err)

	_, err = store.UpdateTaskStatus(first.ID, types.TaskStatusFailed, storage.StatusUpdate{})
	require.NoError(t, err)

	second, created, err := svc.CreateTask(CreateTaskInput{Groups: []any{"123"}})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestCreateTask_PriorityClamped(t *testing.T) {
	svc, _, _ := newTestService(t)

	task, _, err := svc.CreateTask(CreateTaskInput{Groups: []any{"1"}, Priority: 99})
	require.NoError(t, err)
	assert.Equal(t, 10, task.Priority)
}

func TestCreateTask_Analyze(t *testing.T) {
	svc, _, _ := newTestService(t)

	source, _, err := svc.CreateTask(CreateTaskInput{Groups: []any{"123"}})
	require.NoError(t, err)

	task, created, err := svc.CreateTask(CreateTaskInput{
		Type:         types.TaskTypeAnalyzePosts,
		SourceTaskID: source.ID,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, types.TaskTypeAnalyzePosts, task.Type)

	_, _, err = svc.CreateTask(CreateTaskInput{
		Type:         types.TaskTypeAnalyzePosts,
		SourceTaskID: "missing",
	})
	assert.True(t, types.IsKind(err, types.ErrNotFound))
}

func TestStartCollect(t *testing.T) {
	svc, store, q := newTestService(t)

	task, _, err := svc.CreateTask(CreateTaskInput{Groups: []any{"123"}})
	require.NoError(t, err)

	// Idempotent while the job is live.
	before, err := q.LiveJobForTask(task.ID)
	require.NoError(t, err)
	_, err = svc.StartCollect(task.ID)
	require.NoError(t, err)
	after, err := q.LiveJobForTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID)

	// No-op on terminal tasks: no new job appears.
	require.NoError(t, q.Dead(before.ID, "test"))
	_, err = store.UpdateTaskStatus(task.ID, types.TaskStatusFailed, storage.StatusUpdate{})
	require.NoError(t, err)

	got, err := svc.StartCollect(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, got.Status)

	live, err := q.LiveJobForTask(task.ID)
	require.NoError(t, err)
	assert.Nil(t, live)
}

func TestGetTask_Progress(t *testing.T) {
	svc, store, _ := newTestService(t)

	task, _, err := svc.CreateTask(CreateTaskInput{Groups: []any{"123"}})
	require.NoError(t, err)

	view, err := svc.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, view.Progress.Percentage)

	// Progress hits 100 only through the completed projection.
	_, err = store.UpdateTaskStatus(task.ID, types.TaskStatusProcessing, storage.StatusUpdate{})
	require.NoError(t, err)
	_, err = store.IncrementMetrics(task.ID, types.MetricsDelta{GroupsProcessed: 1})
	require.NoError(t, err)

	view, err = svc.GetTask(task.ID)
	require.NoError(t, err)
	assert.Less(t, view.Progress.Percentage, 100)

	_, err = store.UpdateTaskStatus(task.ID, types.TaskStatusCompleted, storage.StatusUpdate{})
	require.NoError(t, err)

	view, err = svc.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, view.Progress.Percentage)
}

func TestCancel_PendingFailsImmediately(t *testing.T) {
	svc, _, q := newTestService(t)

	task, _, err := svc.CreateTask(CreateTaskInput{Groups: []any{"123"}})
	require.NoError(t, err)

	got, err := svc.Cancel(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, got.Status)
	assert.True(t, got.CancelRequested)

	live, err := q.LiveJobForTask(task.ID)
	require.NoError(t, err)
	assert.Nil(t, live)
}

func TestCancel_ActiveJobStaysCooperative(t *testing.T) {
	svc, store, q := newTestService(t)

	task, _, err := svc.CreateTask(CreateTaskInput{Groups: []any{"123"}})
	require.NoError(t, err)

	// A worker holds the job.
	_, err = q.Reserve()
	require.NoError(t, err)
	_, err = store.UpdateTaskStatus(task.ID, types.TaskStatusProcessing, storage.StatusUpdate{})
	require.NoError(t, err)

	got, err := svc.Cancel(task.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
	assert.Equal(t, types.TaskStatusProcessing, got.Status)
}

func TestCancel_TerminalConflicts(t *testing.T) {
	svc, store, _ := newTestService(t)

	task, _, err := svc.CreateTask(CreateTaskInput{Groups: []any{"123"}})
	require.NoError(t, err)
	_, err = store.UpdateTaskStatus(task.ID, types.TaskStatusFailed, storage.StatusUpdate{})
	require.NoError(t, err)

	_, err = svc.Cancel(task.ID)
	assert.True(t, types.IsKind(err, types.ErrConflict))
}

func TestDelete(t *testing.T) {
	svc, store, _ := newTestService(t)

	task, _, err := svc.CreateTask(CreateTaskInput{Groups: []any{"123"}})
	require.NoError(t, err)

	// Live tasks cannot be deleted.
	err = svc.Delete(task.ID, false)
	assert.True(t, types.IsKind(err, types.ErrConflict))

	_, err = store.UpdateTaskStatus(task.ID, types.TaskStatusFailed, storage.StatusUpdate{})
	require.NoError(t, err)

	require.NoError(t, svc.Delete(task.ID, true))
	_, err = svc.GetTask(task.ID)
	assert.True(t, types.IsKind(err, types.ErrNotFound))
}
