package progress

import (
	"testing"

	"github.com/gleaner-io/gleaner/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestCalculatePhases(t *testing.T) {
	calc := New(15)

	tests := []struct {
		name    string
		metrics types.Metrics
		wantPct int
		phase   string
	}{
		{
			name:    "nothing started",
			metrics: types.Metrics{},
			wantPct: 0,
			phase:   PhaseGroups,
		},
		{
			name:    "half the groups resolved",
			metrics: types.Metrics{GroupsTotal: 2, GroupsProcessed: 1},
			wantPct: 5,
			phase:   PhaseGroups,
		},
		{
			name:    "groups done, no posts yet",
			metrics: types.Metrics{GroupsTotal: 2, GroupsProcessed: 2},
			wantPct: 10,
			phase:   PhasePosts,
		},
		{
			name: "half the posts listed",
			metrics: types.Metrics{
				GroupsTotal: 1, GroupsProcessed: 1,
				PostsTotal: 10, PostsProcessed: 5,
			},
			wantPct: 25,
			phase:   PhasePosts,
		},
		{
			name: "comments with known total",
			metrics: types.Metrics{
				GroupsTotal: 1, GroupsProcessed: 1,
				PostsTotal: 10, PostsProcessed: 10,
				CommentsTotal: 100, CommentsProcessed: 50,
			},
			wantPct: 70, // 10 + 30 + 30
			phase:   PhaseComments,
		},
		{
			name: "everything processed stays below 100",
			metrics: types.Metrics{
				GroupsTotal: 1, GroupsProcessed: 1,
				PostsTotal: 10, PostsProcessed: 10,
				CommentsTotal: 100, CommentsProcessed: 100,
			},
			wantPct: 99,
			phase:   PhaseComments,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := calc.Calculate(tt.metrics)
			assert.Equal(t, tt.wantPct, got.Percentage)
			assert.Equal(t, tt.phase, got.Phase)
		})
	}
}

func TestCalculateEstimatedComments(t *testing.T) {
	calc := New(15)

	// Unknown comments total: 5 posts processed -> estimate 75 comments.
	m := types.Metrics{
		GroupsTotal: 1, GroupsProcessed: 1,
		PostsTotal: 10, PostsProcessed: 5,
		CommentsProcessed: 30,
	}
	got := calc.Calculate(m)
	// 0.10 + 0.15 + (30/75)*0.60 = 0.49
	assert.Equal(t, 49, got.Percentage)
	assert.Equal(t, PhaseComments, got.Phase)

	// Processed running far ahead of the estimate caps at the band.
	m.CommentsProcessed = 10000
	got = calc.Calculate(m)
	assert.LessOrEqual(t, got.Percentage, 99)
}

func TestCalculateBounds(t *testing.T) {
	calc := New(15)

	// Degenerate inputs never escape [0, 100].
	inputs := []types.Metrics{
		{GroupsTotal: 1, GroupsProcessed: 50},
		{GroupsTotal: 1, GroupsProcessed: 1, PostsTotal: 1, PostsProcessed: 99, CommentsTotal: 1, CommentsProcessed: 9999},
		{GroupsProcessed: -1},
	}
	for _, m := range inputs {
		got := calc.Calculate(m)
		assert.GreaterOrEqual(t, got.Percentage, 0)
		assert.LessOrEqual(t, got.Percentage, 99)
	}
}

func TestCalculateMonotonic(t *testing.T) {
	calc := New(15)

	// Replay a collect run and require the percentage never regresses.
	steps := []types.Metrics{
		{GroupsTotal: 2},
		{GroupsTotal: 2, GroupsProcessed: 1},
		{GroupsTotal: 2, GroupsProcessed: 2},
		{GroupsTotal: 2, GroupsProcessed: 2, PostsTotal: 4, PostsProcessed: 1, CommentsProcessed: 5},
		{GroupsTotal: 2, GroupsProcessed: 2, PostsTotal: 4, PostsProcessed: 2, CommentsProcessed: 20},
		{GroupsTotal: 2, GroupsProcessed: 2, PostsTotal: 4, PostsProcessed: 4, CommentsTotal: 80, CommentsProcessed: 80},
	}
	prev := -1
	for i, m := range steps {
		got := calc.Calculate(m)
		assert.GreaterOrEqual(t, got.Percentage, prev, "step %d regressed", i)
		prev = got.Percentage
	}
}

func TestCalculateIsPure(t *testing.T) {
	calc := New(15)
	m := types.Metrics{GroupsTotal: 3, GroupsProcessed: 2, PostsTotal: 7, PostsProcessed: 1}
	first := calc.Calculate(m)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, calc.Calculate(m))
	}
}

func TestCompleted(t *testing.T) {
	calc := New(15)
	m := types.Metrics{GroupsTotal: 1, GroupsProcessed: 1, PostsTotal: 1, PostsProcessed: 1, CommentsTotal: 2, CommentsProcessed: 2}
	got := calc.Completed(m)
	assert.Equal(t, 100, got.Percentage)
	assert.Equal(t, PhaseComments, got.Phase)
	assert.Equal(t, got.Processed, got.Total)
}

func TestZeroEstimateFallsBack(t *testing.T) {
	calc := New(0)
	assert.Equal(t, DefaultEstimatedCommentsPerPost, calc.EstimatedCommentsPerPost)
}
