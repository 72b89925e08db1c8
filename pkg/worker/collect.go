package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gleaner-io/gleaner/pkg/log"
	"github.com/gleaner-io/gleaner/pkg/metrics"
	"github.com/gleaner-io/gleaner/pkg/storage"
	"github.com/gleaner-io/gleaner/pkg/types"
	"github.com/gleaner-io/gleaner/pkg/upstream"
	"github.com/google/uuid"
)

// collect dispatches the job to the handler for its task type.
func (p *Pool) collect(ctx context.Context, task *types.Task, job *types.Job) error {
	var payload types.TaskPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return types.WrapError(types.ErrValidation, "malformed job payload", err)
		}
	}

	switch task.Type {
	case types.TaskTypeFetchComments:
		fc := payload.FetchComments
		if fc == nil {
			fc = &types.FetchCommentsPayload{GroupVkIDs: groupIDs(task)}
		}
		return p.fetchComments(ctx, task, fc)
	case types.TaskTypeProcessGroups:
		pg := payload.ProcessGroups
		if pg == nil {
			pg = &types.ProcessGroupsPayload{GroupVkIDs: groupIDs(task)}
		}
		return p.processGroups(ctx, task, pg)
	case types.TaskTypeAnalyzePosts:
		if payload.AnalyzePosts == nil {
			return types.NewError(types.ErrValidation, "analyze task without source task id")
		}
		return p.analyzePosts(ctx, task, payload.AnalyzePosts)
	default:
		return types.NewError(types.ErrValidation, fmt.Sprintf("unknown task type: %s", task.Type))
	}
}

func groupIDs(task *types.Task) []string {
	ids := make([]string, 0, len(task.Groups))
	for _, g := range task.Groups {
		ids = append(ids, g.VkID)
	}
	return ids
}

// checkpoint re-reads the task at a sub-unit boundary. Cancellation and
// the run deadline are observed here, never mid-page.
func (p *Pool) checkpoint(ctx context.Context, taskID string) error {
	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return types.WrapError(types.ErrTimeout, "task deadline exceeded", ctx.Err())
		}
		return types.WrapError(types.ErrCancelled, "run context cancelled", ctx.Err())
	default:
	}

	task, err := p.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task.CancelRequested {
		return types.NewError(types.ErrCancelled, "cancellation requested")
	}
	return nil
}

// runProgress accumulates the absolute progress counters of one
// attempt. They reach the store through RaiseMetrics, so a replayed
// attempt recounting from zero never lowers what a poller already saw;
// the recount converges on the true values instead.
type runProgress struct {
	groupsTotal       int
	groupsProcessed   int
	postsTotal        int
	postsProcessed    int
	commentsTotal     int
	commentsProcessed int
	errors            int
}

func (r *runProgress) metrics() types.Metrics {
	return types.Metrics{
		GroupsTotal:       r.groupsTotal,
		GroupsProcessed:   r.groupsProcessed,
		PostsTotal:        r.postsTotal,
		PostsProcessed:    r.postsProcessed,
		CommentsTotal:     r.commentsTotal,
		CommentsProcessed: r.commentsProcessed,
		Errors:            r.errors,
	}
}

func (p *Pool) flushProgress(taskID string, run *runProgress) error {
	_, err := p.store.RaiseMetrics(taskID, run.metrics())
	return err
}

// skippable reports whether a failure is confined to one sub-unit: a
// permanent upstream rejection, or transient retries exhausted for
// that unit. Auth, cancellation, deadline and store errors abort the
// whole run.
func skippable(err error) bool {
	switch types.KindOf(err) {
	case types.ErrUpstreamPermanent, types.ErrUpstreamTransient:
		return true
	}
	return false
}

// resolveGroups runs phase one: batch name resolution and persistence
// of the community rows. Returns the resolved set, invalid entries
// included.
func (p *Pool) resolveGroups(ctx context.Context, task *types.Task, vkIDs []string, run *runProgress) ([]upstream.ResolvedGroup, error) {
	if err := p.checkpoint(ctx, task.ID); err != nil {
		return nil, err
	}

	resolved, err := p.client.ResolveGroups(ctx, vkIDs)
	if err != nil {
		return nil, err
	}

	groups := make([]*types.Group, 0, len(resolved))
	invalid := 0
	for _, r := range resolved {
		status := types.GroupStatusValid
		if r.Err != nil {
			status = types.GroupStatusInvalid
			invalid++
		}
		groups = append(groups, &types.Group{
			ID:     uuid.New().String(),
			VkID:   r.VkID,
			Name:   r.Name,
			Status: status,
		})
	}

	counts, err := p.store.UpsertGroups(task.ID, groups)
	if err != nil {
		return nil, err
	}
	metrics.GroupsIngested.Add(float64(counts.Inserted))

	run.groupsTotal = len(resolved)
	run.errors += invalid
	if err := p.flushProgress(task.ID, run); err != nil {
		return nil, err
	}
	return resolved, nil
}

// fetchComments is the full collect run: resolve communities, walk
// every valid community's wall, and collect the comments under each
// post. Progress counters advance at sub-unit boundaries only.
func (p *Pool) fetchComments(ctx context.Context, task *types.Task, payload *types.FetchCommentsPayload) error {
	logger := log.WithTaskID(task.ID)
	run := &runProgress{}

	resolved, err := p.resolveGroups(ctx, task, payload.GroupVkIDs, run)
	if err != nil {
		return err
	}

	sort := payload.Sort
	if sort == "" {
		sort = upstream.SortAsc
	}

	for _, g := range resolved {
		if err := p.checkpoint(ctx, task.ID); err != nil {
			return err
		}
		if g.Err != nil {
			// Unresolvable community: counted as an error during
			// resolution, skipped here.
			run.groupsProcessed++
			if err := p.flushProgress(task.ID, run); err != nil {
				return err
			}
			continue
		}

		err := p.collectGroup(ctx, task, g.VkID, payload.MaxPosts, sort, run)
		switch {
		case err == nil:
			logger.Debug().Str("group", g.VkID).Msg("community collected")
		case skippable(err):
			// The failure is confined to this community; the rest of
			// the task proceeds.
			run.errors++
			logger.Warn().Str("group", g.VkID).Err(err).Msg("community skipped")
		default:
			return err
		}
		run.groupsProcessed++
		if err := p.flushProgress(task.ID, run); err != nil {
			return err
		}
	}
	return nil
}

// collectGroup walks one community wall page by page. A permanent or
// retry-exhausted failure on one post's comments is recorded and the
// walk continues with the next post.
func (p *Pool) collectGroup(ctx context.Context, task *types.Task, groupVkID string, maxPosts int, sort string, run *runProgress) error {
	pager := p.client.ListPosts(groupVkID, upstream.PostOptions{MaxPosts: maxPosts})
	totalKnown := false

	for {
		if err := p.checkpoint(ctx, task.ID); err != nil {
			return err
		}

		page, err := pager.Next(ctx)
		if err != nil {
			return err
		}
		if !totalKnown {
			if total, ok := pager.Total(); ok {
				run.postsTotal += total
				totalKnown = true
			}
		}
		if page == nil {
			return p.flushProgress(task.ID, run)
		}

		for _, post := range page {
			post.TaskID = task.ID
		}
		counts, err := p.store.UpsertPosts(page)
		if err != nil {
			return err
		}
		metrics.PostsIngested.Add(float64(counts.Inserted))
		if _, err := p.store.IncrementMetrics(task.ID, types.MetricsDelta{Posts: counts.Inserted}); err != nil {
			return err
		}

		for _, post := range page {
			if err := p.checkpoint(ctx, task.ID); err != nil {
				return err
			}
			if err := p.collectComments(ctx, task, post, sort, run); err != nil {
				if !skippable(err) {
					return err
				}
				run.errors++
			}
			run.postsProcessed++
			if err := p.flushProgress(task.ID, run); err != nil {
				return err
			}
		}
	}
}

// collectComments walks the comments of one post.
func (p *Pool) collectComments(ctx context.Context, task *types.Task, post *types.Post, sort string, run *runProgress) error {
	pager, err := p.client.ListComments(post.OwnerID, post.VkPostID, upstream.CommentOptions{Sort: sort})
	if err != nil {
		return err
	}

	totalKnown := false
	for {
		page, err := pager.Next(ctx)
		if err != nil {
			return err
		}
		if !totalKnown {
			if total, ok := pager.Total(); ok {
				run.commentsTotal += total
				totalKnown = true
			}
		}
		if page == nil {
			return nil
		}

		counts, err := p.store.UpsertComments(page)
		if err != nil {
			return err
		}
		metrics.CommentsIngested.Add(float64(counts.Inserted))
		run.commentsProcessed += len(page)
		if _, err := p.store.IncrementMetrics(task.ID, types.MetricsDelta{Comments: counts.Inserted}); err != nil {
			return err
		}
		if err := p.flushProgress(task.ID, run); err != nil {
			return err
		}
	}
}

// processGroups only resolves and persists the community list.
func (p *Pool) processGroups(ctx context.Context, task *types.Task, payload *types.ProcessGroupsPayload) error {
	run := &runProgress{}
	resolved, err := p.resolveGroups(ctx, task, payload.GroupVkIDs, run)
	if err != nil {
		return err
	}
	run.groupsProcessed = len(resolved)
	return p.flushProgress(task.ID, run)
}

// analysisReport is the stored result of an analyze run.
type analysisReport struct {
	SourceTaskID  string  `json:"sourceTaskId"`
	Posts         int     `json:"posts"`
	Comments      int     `json:"comments"`
	TotalLikes    int     `json:"totalLikes"`
	AvgLikes      float64 `json:"avgLikes"`
	MostLikedPost int64   `json:"mostLikedPost,omitempty"`
}

// analyzePosts summarizes the already collected posts of another task.
func (p *Pool) analyzePosts(ctx context.Context, task *types.Task, payload *types.AnalyzePostsPayload) error {
	if err := p.checkpoint(ctx, task.ID); err != nil {
		return err
	}

	results, err := p.store.GetResults(payload.SourceTaskID, storage.ResultsFilter{Limit: 1 << 30})
	if err != nil {
		if types.IsKind(err, types.ErrNotFound) {
			return types.WrapError(types.ErrValidation, "source task not found", err)
		}
		return err
	}

	report := analysisReport{
		SourceTaskID: payload.SourceTaskID,
		Posts:        results.TotalPosts,
		Comments:     results.TotalComments,
	}
	best := -1
	for _, post := range results.Posts {
		report.TotalLikes += post.Likes
		if post.Likes > best {
			best = post.Likes
			report.MostLikedPost = post.VkPostID
		}
	}
	if report.Posts > 0 {
		report.AvgLikes = float64(report.TotalLikes) / float64(report.Posts)
	}

	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	if err := p.store.SetTaskResult(task.ID, data); err != nil {
		return err
	}
	_, err = p.store.RaiseMetrics(task.ID, types.Metrics{
		PostsTotal:     report.Posts,
		PostsProcessed: report.Posts,
	})
	return err
}
