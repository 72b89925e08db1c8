package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskPayload_TaggedEncoding(t *testing.T) {
	payload := TaskPayload{
		FetchComments: &FetchCommentsPayload{
			GroupVkIDs: []string{"100", "200"},
			MaxPosts:   50,
			Sort:       "asc",
		},
	}

	data, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"fetch_comments"`)

	var decoded TaskPayload
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NotNil(t, decoded.FetchComments)
	assert.Nil(t, decoded.ProcessGroups)
	assert.Equal(t, payload.FetchComments.GroupVkIDs, decoded.FetchComments.GroupVkIDs)
	assert.Equal(t, 50, decoded.FetchComments.MaxPosts)
}

func TestTaskPayload_Type(t *testing.T) {
	assert.Equal(t, TaskTypeFetchComments, TaskPayload{FetchComments: &FetchCommentsPayload{}}.Type())
	assert.Equal(t, TaskTypeProcessGroups, TaskPayload{ProcessGroups: &ProcessGroupsPayload{}}.Type())
	assert.Equal(t, TaskTypeAnalyzePosts, TaskPayload{AnalyzePosts: &AnalyzePostsPayload{}}.Type())
	assert.Equal(t, TaskType(""), TaskPayload{}.Type())
}

func TestTaskPayload_EmptyRejected(t *testing.T) {
	_, err := json.Marshal(TaskPayload{})
	assert.Error(t, err)
}

func TestTaskPayload_UnknownTypeRejected(t *testing.T) {
	var decoded TaskPayload
	err := json.Unmarshal([]byte(`{"type": "bogus", "data": {}}`), &decoded)
	assert.Error(t, err)
}

func TestTaskStatus_Terminal(t *testing.T) {
	assert.False(t, TaskStatusPending.Terminal())
	assert.False(t, TaskStatusProcessing.Terminal())
	assert.True(t, TaskStatusCompleted.Terminal())
	assert.True(t, TaskStatusFailed.Terminal())
}

func TestJobState_Live(t *testing.T) {
	assert.True(t, JobStateWaiting.Live())
	assert.True(t, JobStateActive.Live())
	assert.True(t, JobStateDelayed.Live())
	assert.False(t, JobStateCompleted.Live())
	assert.False(t, JobStateFailed.Live())
}
