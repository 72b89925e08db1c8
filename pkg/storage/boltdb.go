package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gleaner-io/gleaner/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketTasks    = []byte("tasks")
	bucketGroups   = []byte("groups")
	bucketPosts    = []byte("posts")
	bucketComments = []byte("comments")
)

// BoltStore implements Store using BoltDB. The queue shares the same
// database file so task inserts and job enqueues commit in one
// transaction.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "gleaner.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTasks,
			bucketGroups,
			bucketPosts,
			bucketComments,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// DB exposes the underlying database so the queue can share the
// transactional substrate.
func (s *BoltStore) DB() *bolt.DB {
	return s.db
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Task operations

// CreateTask inserts a new task row.
func (s *BoltStore) CreateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return CreateTaskTx(tx, task)
	})
}

// CreateTaskTx inserts a task inside an existing transaction, so the
// caller can combine it with a job enqueue atomically.
func CreateTaskTx(tx *bolt.Tx, task *types.Task) error {
	b := tx.Bucket(bucketTasks)
	if b.Get([]byte(task.ID)) != nil {
		return types.NewError(types.ErrConflict, fmt.Sprintf("task already exists: %s", task.ID))
	}
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return b.Put([]byte(task.ID), data)
}

// GetTask retrieves a task by ID.
func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return types.NewError(types.ErrNotFound, fmt.Sprintf("task not found: %s", id))
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks returns tasks ordered by createdAt descending with a
// deterministic id tie-break, plus the total count before paging.
func (s *BoltStore) ListTasks(filter TaskFilter) ([]*types.Task, int, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if filter.Status != "" && task.Status != filter.Status {
				return nil
			}
			if filter.Type != "" && task.Type != filter.Type {
				return nil
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	if err != nil {
		return nil, 0, err
	}

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})

	total := len(tasks)
	page, limit := filter.Page, filter.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	start := (page - 1) * limit
	if start >= total {
		return []*types.Task{}, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}
	return tasks[start:end], total, nil
}

// CountTasksByStatus returns a snapshot of task counts keyed by
// status. Used by the metrics collector.
func (s *BoltStore) CountTasksByStatus() (map[types.TaskStatus]int, error) {
	counts := make(map[types.TaskStatus]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			counts[task.Status]++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// taskTransitions is the allowed status transition table. Terminal
// states have no outgoing transitions.
var taskTransitions = map[types.TaskStatus][]types.TaskStatus{
	types.TaskStatusPending:    {types.TaskStatusProcessing, types.TaskStatusFailed},
	types.TaskStatusProcessing: {types.TaskStatusProcessing, types.TaskStatusCompleted, types.TaskStatusFailed},
}

func transitionAllowed(from, to types.TaskStatus) bool {
	for _, t := range taskTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// UpdateTaskStatus applies a status transition, stamping startedAt on
// entry to processing and finishedAt on terminal states. Reverse and
// post-terminal transitions are rejected.
func (s *BoltStore) UpdateTaskStatus(id string, status types.TaskStatus, upd StatusUpdate) (*types.Task, error) {
	var task types.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return types.NewError(types.ErrNotFound, fmt.Sprintf("task not found: %s", id))
		}
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}
		if !transitionAllowed(task.Status, status) {
			return types.NewError(types.ErrConflict,
				fmt.Sprintf("invalid transition %s -> %s for task %s", task.Status, status, id))
		}

		now := time.Now().UTC()
		task.Status = status
		task.UpdatedAt = now
		if status == types.TaskStatusProcessing && task.StartedAt == nil {
			task.StartedAt = &now
		}
		if status.Terminal() {
			task.FinishedAt = &now
			task.Error = upd.Error
			if upd.ExecutionTimeMs > 0 {
				task.ExecutionTimeMs = upd.ExecutionTimeMs
			} else if task.StartedAt != nil {
				task.ExecutionTimeMs = now.Sub(*task.StartedAt).Milliseconds()
			}
		}

		out, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// IncrementMetrics applies an additive metrics delta in a single
// read-modify-write transaction. Counters never go negative.
func (s *BoltStore) IncrementMetrics(id string, delta types.MetricsDelta) (*types.Task, error) {
	var task types.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return types.NewError(types.ErrNotFound, fmt.Sprintf("task not found: %s", id))
		}
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}

		m := &task.Metrics
		m.GroupsTotal = clampZero(m.GroupsTotal + delta.GroupsTotal)
		m.GroupsProcessed = clampZero(m.GroupsProcessed + delta.GroupsProcessed)
		m.PostsTotal = clampZero(m.PostsTotal + delta.PostsTotal)
		m.PostsProcessed = clampZero(m.PostsProcessed + delta.PostsProcessed)
		m.CommentsTotal = clampZero(m.CommentsTotal + delta.CommentsTotal)
		m.CommentsProcessed = clampZero(m.CommentsProcessed + delta.CommentsProcessed)
		m.Posts = clampZero(m.Posts + delta.Posts)
		m.Comments = clampZero(m.Comments + delta.Comments)
		m.Errors = clampZero(m.Errors + delta.Errors)
		task.UpdatedAt = time.Now().UTC()

		out, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// RaiseMetrics lifts progress counters to the given floor, never
// lowering any. A replayed attempt recounts from zero; raising keeps
// successive reads monotone while the recount converges. The distinct
// row counters (Posts, Comments) are not touched here: they follow the
// upsert insert counts through IncrementMetrics.
func (s *BoltStore) RaiseMetrics(id string, floor types.Metrics) (*types.Task, error) {
	var task types.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return types.NewError(types.ErrNotFound, fmt.Sprintf("task not found: %s", id))
		}
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}

		m := &task.Metrics
		m.GroupsTotal = maxInt(m.GroupsTotal, floor.GroupsTotal)
		m.GroupsProcessed = maxInt(m.GroupsProcessed, floor.GroupsProcessed)
		m.PostsTotal = maxInt(m.PostsTotal, floor.PostsTotal)
		m.PostsProcessed = maxInt(m.PostsProcessed, floor.PostsProcessed)
		m.CommentsTotal = maxInt(m.CommentsTotal, floor.CommentsTotal)
		m.CommentsProcessed = maxInt(m.CommentsProcessed, floor.CommentsProcessed)
		m.Errors = maxInt(m.Errors, floor.Errors)
		task.UpdatedAt = time.Now().UTC()

		out, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// RequestCancel flags a non-terminal task for cooperative cancellation.
func (s *BoltStore) RequestCancel(id string) (*types.Task, error) {
	var task types.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return types.NewError(types.ErrNotFound, fmt.Sprintf("task not found: %s", id))
		}
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}
		if task.Status.Terminal() {
			return types.NewError(types.ErrConflict, fmt.Sprintf("task already %s: %s", task.Status, id))
		}
		task.CancelRequested = true
		task.UpdatedAt = time.Now().UTC()

		out, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// SetTaskResult stores the opaque result summary.
func (s *BoltStore) SetTaskResult(id string, result []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return types.NewError(types.ErrNotFound, fmt.Sprintf("task not found: %s", id))
		}
		var task types.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}
		task.Result = result
		task.UpdatedAt = time.Now().UTC()

		out, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

// DeleteTask removes a task and its groups; with deleteResults it also
// removes the posts collected under the task and their comments.
func (s *BoltStore) DeleteTask(id string, deleteResults bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tb := tx.Bucket(bucketTasks)
		if tb.Get([]byte(id)) == nil {
			return types.NewError(types.ErrNotFound, fmt.Sprintf("task not found: %s", id))
		}
		if err := tb.Delete([]byte(id)); err != nil {
			return err
		}

		gb := tx.Bucket(bucketGroups)
		c := gb.Cursor()
		prefix := []byte(id + "/")
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			if err := gb.Delete(k); err != nil {
				return err
			}
		}

		if !deleteResults {
			return nil
		}

		pb := tx.Bucket(bucketPosts)
		postIDs := make(map[int64]bool)
		pc := pb.Cursor()
		for k, v := pc.First(); k != nil; k, v = pc.Next() {
			var post types.Post
			if err := json.Unmarshal(v, &post); err != nil {
				return err
			}
			if post.TaskID != id {
				continue
			}
			postIDs[post.VkPostID] = true
			if err := pb.Delete(k); err != nil {
				return err
			}
		}

		cb := tx.Bucket(bucketComments)
		cc := cb.Cursor()
		for k, v := cc.First(); k != nil; k, v = cc.Next() {
			var comment types.Comment
			if err := json.Unmarshal(v, &comment); err != nil {
				return err
			}
			if postIDs[comment.PostVkID] {
				if err := cb.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Group operations

func groupKey(taskID, vkID string) []byte {
	return []byte(taskID + "/" + vkID)
}

// UpsertGroups writes a batch of community rows idempotently by
// (taskId, vkId). Re-upserting an existing key counts as duplicate and
// leaves the stored row in place except for a name refresh.
func (s *BoltStore) UpsertGroups(taskID string, groups []*types.Group) (types.UpsertCounts, error) {
	var counts types.UpsertCounts
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroups)
		for _, g := range groups {
			if g.Status == types.GroupStatusInvalid {
				counts.Invalid++
			}
			key := groupKey(taskID, g.VkID)
			if existing := b.Get(key); existing != nil {
				var stored types.Group
				if err := json.Unmarshal(existing, &stored); err != nil {
					return err
				}
				counts.Duplicate++
				stored.Name = g.Name
				stored.Status = g.Status
				data, err := json.Marshal(&stored)
				if err != nil {
					return err
				}
				if err := b.Put(key, data); err != nil {
					return err
				}
				continue
			}

			g.TaskID = taskID
			if g.UploadedAt.IsZero() {
				g.UploadedAt = time.Now().UTC()
			}
			data, err := json.Marshal(g)
			if err != nil {
				return err
			}
			if err := b.Put(key, data); err != nil {
				return err
			}
			counts.Inserted++
		}
		return nil
	})
	if err != nil {
		return types.UpsertCounts{}, err
	}
	return counts, nil
}

// ListGroups returns the persisted community rows of a task in vkId
// order.
func (s *BoltStore) ListGroups(taskID string) ([]*types.Group, error) {
	var groups []*types.Group
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroups)
		c := b.Cursor()
		prefix := []byte(taskID + "/")
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var g types.Group
			if err := json.Unmarshal(v, &g); err != nil {
				return err
			}
			groups = append(groups, &g)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return groups, nil
}

// Post operations

func postKey(vkPostID int64) []byte {
	return []byte(strconv.FormatInt(vkPostID, 10))
}

// UpsertPosts writes a batch of posts idempotently by vkPostId. On
// conflict only text, likes and updatedAt change; createdAt and the
// owning task stay as first written.
func (s *BoltStore) UpsertPosts(posts []*types.Post) (types.UpsertCounts, error) {
	var counts types.UpsertCounts
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPosts)
		now := time.Now().UTC()
		for _, p := range posts {
			key := postKey(p.VkPostID)
			if existing := b.Get(key); existing != nil {
				var stored types.Post
				if err := json.Unmarshal(existing, &stored); err != nil {
					return err
				}
				stored.Text = p.Text
				stored.Likes = p.Likes
				stored.UpdatedAt = now
				data, err := json.Marshal(&stored)
				if err != nil {
					return err
				}
				if err := b.Put(key, data); err != nil {
					return err
				}
				counts.Updated++
				continue
			}

			p.CreatedAt = now
			p.UpdatedAt = now
			data, err := json.Marshal(p)
			if err != nil {
				return err
			}
			if err := b.Put(key, data); err != nil {
				return err
			}
			counts.Inserted++
		}
		return nil
	})
	if err != nil {
		return types.UpsertCounts{}, err
	}
	return counts, nil
}

// Comment operations

func commentKey(vkCommentID int64) []byte {
	return []byte(strconv.FormatInt(vkCommentID, 10))
}

// UpsertComments writes a batch of comments idempotently by
// vkCommentId.
func (s *BoltStore) UpsertComments(comments []*types.Comment) (types.UpsertCounts, error) {
	var counts types.UpsertCounts
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketComments)
		now := time.Now().UTC()
		for _, cm := range comments {
			key := commentKey(cm.VkCommentID)
			if existing := b.Get(key); existing != nil {
				var stored types.Comment
				if err := json.Unmarshal(existing, &stored); err != nil {
					return err
				}
				stored.Text = cm.Text
				stored.Likes = cm.Likes
				stored.UpdatedAt = now
				data, err := json.Marshal(&stored)
				if err != nil {
					return err
				}
				if err := b.Put(key, data); err != nil {
					return err
				}
				counts.Updated++
				continue
			}

			cm.CreatedAt = now
			cm.UpdatedAt = now
			data, err := json.Marshal(cm)
			if err != nil {
				return err
			}
			if err := b.Put(key, data); err != nil {
				return err
			}
			counts.Inserted++
		}
		return nil
	})
	if err != nil {
		return types.UpsertCounts{}, err
	}
	return counts, nil
}

// GetResults returns a page of a task's posts, newest first, plus the
// comment count across all posts the filter matches.
func (s *BoltStore) GetResults(taskID string, filter ResultsFilter) (*Results, error) {
	var matched []*types.Post
	err := s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketTasks).Get([]byte(taskID)) == nil {
			return types.NewError(types.ErrNotFound, fmt.Sprintf("task not found: %s", taskID))
		}
		b := tx.Bucket(bucketPosts)
		return b.ForEach(func(k, v []byte) error {
			var post types.Post
			if err := json.Unmarshal(v, &post); err != nil {
				return err
			}
			if post.TaskID != taskID {
				return nil
			}
			if filter.GroupVkID != "" && post.GroupID != filter.GroupVkID {
				return nil
			}
			if filter.PostVkID != 0 && post.VkPostID != filter.PostVkID {
				return nil
			}
			matched = append(matched, &post)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Date.Equal(matched[j].Date) {
			return matched[i].VkPostID < matched[j].VkPostID
		}
		return matched[i].Date.After(matched[j].Date)
	})

	postIDs := make(map[int64]bool, len(matched))
	for _, p := range matched {
		postIDs[p.VkPostID] = true
	}

	totalComments := 0
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketComments)
		return b.ForEach(func(k, v []byte) error {
			var cm types.Comment
			if err := json.Unmarshal(v, &cm); err != nil {
				return err
			}
			if postIDs[cm.PostVkID] {
				totalComments++
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	total := len(matched)
	offset, limit := filter.Offset, filter.Limit
	if offset < 0 {
		offset = 0
	}
	if limit < 1 {
		limit = 100
	}
	if offset >= total {
		matched = []*types.Post{}
	} else {
		end := offset + limit
		if end > total {
			end = total
		}
		matched = matched[offset:end]
	}

	return &Results{Posts: matched, TotalPosts: total, TotalComments: totalComments}, nil
}

func clampZero(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
