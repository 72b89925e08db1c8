package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gleaner-io/gleaner/pkg/service"
	"github.com/gleaner-io/gleaner/pkg/storage"
	"github.com/gleaner-io/gleaner/pkg/types"
)

const (
	maxListLimit    = 100
	maxResultsLimit = 1000
)

// envelope is the uniform response shape.
type envelope struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Details   string      `json:"details,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"requestId"`
}

func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, envelope{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
		RequestID: requestID(c),
	})
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch types.KindOf(err) {
	case types.ErrValidation:
		status = http.StatusBadRequest
	case types.ErrNotFound:
		status = http.StatusNotFound
	case types.ErrConflict:
		status = http.StatusConflict
	case types.ErrRateLimited:
		status = http.StatusTooManyRequests
	}

	msg := err.Error()
	details := ""
	var appErr *types.Error
	if errors.As(err, &appErr) {
		msg = appErr.Message
		if appErr.Err != nil {
			details = appErr.Err.Error()
		}
	}

	c.JSON(status, envelope{
		Success:   false,
		Error:     msg,
		Details:   details,
		Timestamp: time.Now().UTC(),
		RequestID: requestID(c),
	})
}

type createTaskRequest struct {
	Groups       []any           `json:"groups"`
	Type         string          `json:"type"`
	Priority     int             `json:"priority"`
	MaxPosts     int             `json:"maxPosts"`
	Sort         string          `json:"sort"`
	SourceTaskID string          `json:"sourceTaskId"`
	Parameters   json.RawMessage `json:"parameters"`
	CreatedBy    string          `json:"createdBy"`
}

// createTask handles POST /api/tasks/collect. A duplicate of a live
// task answers 200 with the existing task instead of creating one.
func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, types.WrapError(types.ErrValidation, "malformed request body", err))
		return
	}

	task, created, err := s.svc.CreateTask(service.CreateTaskInput{
		Groups:       req.Groups,
		Type:         types.TaskType(req.Type),
		Priority:     req.Priority,
		MaxPosts:     req.MaxPosts,
		Sort:         req.Sort,
		SourceTaskID: req.SourceTaskID,
		Parameters:   req.Parameters,
		CreatedBy:    req.CreatedBy,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	httpStatus := http.StatusCreated
	status := "created"
	if !created {
		httpStatus = http.StatusOK
		status = "exists"
	}
	respond(c, httpStatus, gin.H{
		"taskId":      task.ID,
		"status":      status,
		"type":        task.Type,
		"groupsCount": len(task.Groups),
		"createdAt":   task.CreatedAt,
	})
}

// startCollect handles POST /api/collect/:taskId.
func (s *Server) startCollect(c *gin.Context) {
	task, err := s.svc.StartCollect(c.Param("taskId"))
	if err != nil {
		respondError(c, err)
		return
	}
	out := gin.H{"taskId": task.ID, "status": task.Status}
	if task.StartedAt != nil {
		out["startedAt"] = task.StartedAt
	}
	respond(c, http.StatusAccepted, out)
}

// getTask handles GET /api/tasks/:taskId.
func (s *Server) getTask(c *gin.Context) {
	view, err := s.svc.GetTask(c.Param("taskId"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, view)
}

// listTasks handles GET /api/tasks with page, limit, status and type
// query parameters.
func (s *Server) listTasks(c *gin.Context) {
	page := queryInt(c, "page", 1)
	limit := queryInt(c, "limit", 20)
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	views, total, err := s.svc.ListTasks(storage.TaskFilter{
		Page:   page,
		Limit:  limit,
		Status: types.TaskStatus(c.Query("status")),
		Type:   types.TaskType(c.Query("type")),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	totalPages := (total + limit - 1) / limit
	respond(c, http.StatusOK, gin.H{
		"tasks": views,
		"pagination": gin.H{
			"page":       page,
			"limit":      limit,
			"total":      total,
			"totalPages": totalPages,
			"hasNext":    page < totalPages,
			"hasPrev":    page > 1,
		},
	})
}

// listGroups handles GET /api/tasks/:taskId/groups.
func (s *Server) listGroups(c *gin.Context) {
	groups, err := s.svc.ListGroups(c.Param("taskId"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"groups": groups, "total": len(groups)})
}

// cancelTask handles POST /api/tasks/:taskId/cancel.
func (s *Server) cancelTask(c *gin.Context) {
	task, err := s.svc.Cancel(c.Param("taskId"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusAccepted, gin.H{"taskId": task.ID, "status": task.Status, "cancelRequested": task.CancelRequested})
}

// deleteTask handles DELETE /api/tasks/:taskId. The deleteResults
// query flag cascades to collected posts and comments.
func (s *Server) deleteTask(c *gin.Context) {
	deleteResults := c.Query("deleteResults") == "true"
	if err := s.svc.Delete(c.Param("taskId"), deleteResults); err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"deleted": true})
}

// getResults handles GET /api/results/:taskId.
func (s *Server) getResults(c *gin.Context) {
	limit := queryInt(c, "limit", 100)
	if limit < 1 {
		limit = 100
	}
	if limit > maxResultsLimit {
		limit = maxResultsLimit
	}
	offset := queryInt(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	var postID int64
	if raw := c.Query("postId"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			respondError(c, types.NewError(types.ErrValidation, "postId must be an integer"))
			return
		}
		postID = parsed
	}

	results, err := s.svc.GetResults(c.Param("taskId"), storage.ResultsFilter{
		GroupVkID: c.Query("groupId"),
		PostVkID:  postID,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{
		"posts":         results.Posts,
		"totalPosts":    results.TotalPosts,
		"totalComments": results.TotalComments,
		"limit":         limit,
		"offset":        offset,
	})
}

func queryInt(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
