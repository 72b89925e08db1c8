package progress

import (
	"math"

	"github.com/gleaner-io/gleaner/pkg/types"
)

// Phase weights: resolving groups is cheap, listing posts moderate,
// collecting comments dominates wall time.
const (
	weightGroups   = 0.10
	weightPosts    = 0.30
	weightComments = 0.60
)

// DefaultEstimatedCommentsPerPost is used to estimate the comments
// total before any real counts are known.
const DefaultEstimatedCommentsPerPost = 15

// Phase names reported to clients.
const (
	PhaseGroups   = "groups"
	PhasePosts    = "posts"
	PhaseComments = "comments"
)

// Calculator projects task metrics onto a bounded percentage.
// The zero value uses DefaultEstimatedCommentsPerPost.
type Calculator struct {
	EstimatedCommentsPerPost int
}

// New returns a calculator with the given comments-per-post estimate;
// values below 1 fall back to the default.
func New(estCommentsPerPost int) Calculator {
	if estCommentsPerPost < 1 {
		estCommentsPerPost = DefaultEstimatedCommentsPerPost
	}
	return Calculator{EstimatedCommentsPerPost: estCommentsPerPost}
}

// Calculate is a pure function from metrics to the client-facing
// projection. Percentage is clamped to [0, 100] and reaches 100 only
// through Completed.
func (c Calculator) Calculate(m types.Metrics) types.Progress {
	est := c.EstimatedCommentsPerPost
	if est < 1 {
		est = DefaultEstimatedCommentsPerPost
	}

	var groupsPart float64
	if m.GroupsTotal > 0 {
		groupsPart = ratio(m.GroupsProcessed, m.GroupsTotal) * weightGroups
	}

	groupsDone := m.GroupsTotal > 0 && m.GroupsProcessed >= m.GroupsTotal

	var postsPart float64
	if groupsDone && m.PostsTotal > 0 {
		postsPart = ratio(m.PostsProcessed, m.PostsTotal) * weightPosts
	}

	var commentsPart float64
	if m.CommentsTotal > 0 {
		commentsPart = ratio(m.CommentsProcessed, m.CommentsTotal) * weightComments
	} else if m.CommentsProcessed > 0 {
		estComments := m.PostsProcessed * est
		if estComments < 1 {
			estComments = 1
		}
		commentsPart = math.Min(float64(m.CommentsProcessed)/float64(estComments)*weightComments, weightComments)
	}

	pct := int(math.Round((groupsPart + postsPart + commentsPart) * 100))
	if pct < 0 {
		pct = 0
	}
	if pct > 99 {
		// 100 is reserved for terminal completed tasks; estimates never
		// report a finished run.
		pct = 99
	}

	phase := PhaseGroups
	switch {
	case commentsPart > 0:
		phase = PhaseComments
	case postsPart > 0 || groupsDone:
		phase = PhasePosts
	}

	processed := m.GroupsProcessed + m.PostsProcessed + m.CommentsProcessed
	total := m.GroupsTotal + m.PostsTotal + maxInt(m.CommentsTotal, m.CommentsProcessed)
	if total < processed {
		total = processed
	}

	return types.Progress{
		Processed:  processed,
		Total:      total,
		Percentage: pct,
		Phase:      phase,
	}
}

// Completed is the projection for a terminal completed task: always
// 100 percent regardless of estimates.
func (c Calculator) Completed(m types.Metrics) types.Progress {
	p := c.Calculate(m)
	p.Percentage = 100
	p.Phase = PhaseComments
	p.Total = p.Processed
	return p
}

// ratio clamps processed/total to [0, 1]; totals may be estimates that
// lag behind the processed counter.
func ratio(processed, total int) float64 {
	if total <= 0 {
		return 0
	}
	r := float64(processed) / float64(total)
	if r > 1 {
		return 1
	}
	if r < 0 {
		return 0
	}
	return r
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
