package types

import (
	"encoding/json"
	"time"
)

// Task is a unit of collection work: resolve a list of VK communities,
// walk their posts and comments, and persist everything.
type Task struct {
	ID         string          `json:"id"`
	Type       TaskType        `json:"type"`
	Status     TaskStatus      `json:"status"`
	Priority   int             `json:"priority"` // 0-10, higher reserves first
	Groups     []GroupRef      `json:"groups"`
	Metrics    Metrics         `json:"metrics"`
	Parameters json.RawMessage `json:"parameters,omitempty"` // opaque user config
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`

	// CancelRequested is set by the task service; the worker observes it
	// at sub-unit boundaries only.
	CancelRequested bool `json:"cancelRequested,omitempty"`

	ExecutionTimeMs int64      `json:"executionTimeMs,omitempty"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	FinishedAt      *time.Time `json:"finishedAt,omitempty"`
	CreatedBy       string     `json:"createdBy,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// TaskType defines what kind of work a task performs
type TaskType string

const (
	TaskTypeFetchComments TaskType = "fetch_comments"
	TaskTypeProcessGroups TaskType = "process_groups"
	TaskTypeAnalyzePosts  TaskType = "analyze_posts"
)

// Valid reports whether t is one of the known task types.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeFetchComments, TaskTypeProcessGroups, TaskTypeAnalyzePosts:
		return true
	}
	return false
}

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// GroupRef is a community reference as carried on the task itself:
// the normalized, deduplicated input list.
type GroupRef struct {
	VkID string `json:"vkId"` // string of digits
	Name string `json:"name,omitempty"`
}

// Metrics tracks collection progress counters for a task.
// Processed counters are monotonically non-decreasing while the task
// is processing; totals may be estimates until discovered.
type Metrics struct {
	GroupsTotal       int `json:"groupsTotal"`
	GroupsProcessed   int `json:"groupsProcessed"`
	PostsTotal        int `json:"postsTotal"`
	PostsProcessed    int `json:"postsProcessed"`
	CommentsTotal     int `json:"commentsTotal"`
	CommentsProcessed int `json:"commentsProcessed"`
	Posts             int `json:"posts"`    // distinct posts written
	Comments          int `json:"comments"` // distinct comments written
	Errors            int `json:"errors"`
}

// MetricsDelta is an additive change applied atomically by the store.
// Fields are added to the corresponding Metrics counters; the store
// clamps results at zero.
type MetricsDelta struct {
	GroupsTotal       int
	GroupsProcessed   int
	PostsTotal        int
	PostsProcessed    int
	CommentsTotal     int
	CommentsProcessed int
	Posts             int
	Comments          int
	Errors            int
}

// Group is a persisted community row owned by a task.
// Uniqueness: (TaskID, VkID).
type Group struct {
	ID         string      `json:"id"`
	VkID       string      `json:"vkId"`
	Name       string      `json:"name"`
	Status     GroupStatus `json:"status"`
	TaskID     string      `json:"taskId"`
	UploadedAt time.Time   `json:"uploadedAt"`
}

// GroupStatus classifies an uploaded community id
type GroupStatus string

const (
	GroupStatusValid     GroupStatus = "valid"
	GroupStatusInvalid   GroupStatus = "invalid"
	GroupStatusDuplicate GroupStatus = "duplicate"
)

// Post is a collected wall post. Uniqueness: VkPostID.
type Post struct {
	VkPostID  int64     `json:"vkPostId"`
	OwnerID   int64     `json:"ownerId"`
	GroupID   string    `json:"groupId"` // vkId space
	Text      string    `json:"text"`
	Date      time.Time `json:"date"`
	Likes     int       `json:"likes"`
	TaskID    string    `json:"taskId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Comment is a collected comment, owned by its post via PostVkID.
// Uniqueness: VkCommentID.
type Comment struct {
	VkCommentID int64     `json:"vkCommentId"`
	PostVkID    int64     `json:"postVkId"`
	OwnerID     int64     `json:"ownerId"`
	AuthorID    int64     `json:"authorId"`
	AuthorName  string    `json:"authorName,omitempty"`
	Text        string    `json:"text"`
	Date        time.Time `json:"date"`
	Likes       int       `json:"likes"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Job is a queue entry representing the intent to execute a task.
// At most one job per task is live (waiting, active or delayed) at a time.
type Job struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"taskId"`
	Payload     []byte    `json:"payload,omitempty"`
	Priority    int       `json:"priority"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
	RunAt       time.Time `json:"runAt"`
	State       JobState  `json:"state"`
	LastError   string    `json:"lastError,omitempty"`
	LeaseUntil  time.Time `json:"leaseUntil,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// JobState represents the queue state of a job
type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateDelayed   JobState = "delayed"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// Live reports whether the job still occupies the single-flight slot
// for its task.
func (s JobState) Live() bool {
	return s == JobStateWaiting || s == JobStateActive || s == JobStateDelayed
}

// UpsertCounts reports the outcome of an idempotent batch write.
type UpsertCounts struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Duplicate int `json:"duplicate"`
	Invalid   int `json:"invalid"`
}

// Progress is the client-facing projection of task metrics.
type Progress struct {
	Processed  int    `json:"processed"`
	Total      int    `json:"total"`
	Percentage int    `json:"percentage"`
	Phase      string `json:"phase"`
}
