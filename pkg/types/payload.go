package types

import (
	"encoding/json"
	"fmt"
)

// TaskPayload is the closed set of job payloads. Exactly one of the
// variant pointers is non-nil; the wire form is a tagged JSON object
// {"type": "...", ...}.
type TaskPayload struct {
	FetchComments *FetchCommentsPayload
	ProcessGroups *ProcessGroupsPayload
	AnalyzePosts  *AnalyzePostsPayload
}

// FetchCommentsPayload drives the full collect run: resolve groups,
// walk posts, collect comments.
type FetchCommentsPayload struct {
	GroupVkIDs []string `json:"groupVkIds"`
	MaxPosts   int      `json:"maxPosts,omitempty"`
	Sort       string   `json:"sort,omitempty"` // asc, desc or smart; default asc
}

// ProcessGroupsPayload only resolves and validates a community list.
type ProcessGroupsPayload struct {
	GroupVkIDs []string `json:"groupVkIds"`
}

// AnalyzePostsPayload re-reads already collected posts of a task.
type AnalyzePostsPayload struct {
	SourceTaskID string `json:"sourceTaskId"`
}

// Type returns the task type tag of the populated variant.
func (p TaskPayload) Type() TaskType {
	switch {
	case p.FetchComments != nil:
		return TaskTypeFetchComments
	case p.ProcessGroups != nil:
		return TaskTypeProcessGroups
	case p.AnalyzePosts != nil:
		return TaskTypeAnalyzePosts
	}
	return ""
}

type payloadEnvelope struct {
	Type TaskType        `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes the payload as a tagged envelope.
func (p TaskPayload) MarshalJSON() ([]byte, error) {
	var data interface{}
	switch {
	case p.FetchComments != nil:
		data = p.FetchComments
	case p.ProcessGroups != nil:
		data = p.ProcessGroups
	case p.AnalyzePosts != nil:
		data = p.AnalyzePosts
	default:
		return nil, fmt.Errorf("empty task payload")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(payloadEnvelope{Type: p.Type(), Data: raw})
}

// UnmarshalJSON decodes a tagged envelope into the matching variant.
func (p *TaskPayload) UnmarshalJSON(b []byte) error {
	var env payloadEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	*p = TaskPayload{}
	switch env.Type {
	case TaskTypeFetchComments:
		p.FetchComments = &FetchCommentsPayload{}
		return json.Unmarshal(env.Data, p.FetchComments)
	case TaskTypeProcessGroups:
		p.ProcessGroups = &ProcessGroupsPayload{}
		return json.Unmarshal(env.Data, p.ProcessGroups)
	case TaskTypeAnalyzePosts:
		p.AnalyzePosts = &AnalyzePostsPayload{}
		return json.Unmarshal(env.Data, p.AnalyzePosts)
	}
	return fmt.Errorf("unknown task payload type: %q", env.Type)
}
