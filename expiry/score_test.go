package expiry

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetentionScoreZeroAge(t *testing.T) {
	require.Equal(t, math.MaxFloat64, RetentionScore(0, 0))
	require.Equal(t, math.MaxFloat64, RetentionScore(5, 0))
	require.Equal(t, math.MaxFloat64, RetentionScore(5, -time.Second))
}

func TestRetentionScore(t *testing.T) {
	require.Zero(t, RetentionScore(0, time.Second))
	require.InDelta(t, 0.01, RetentionScore(10, time.Second), 1e-9)

	// More reads over the same idle time rank higher.
	require.Greater(t, RetentionScore(3, time.Minute), RetentionScore(1, time.Minute))
	// Same reads, longer idle time ranks lower.
	require.Less(t, RetentionScore(3, time.Hour), RetentionScore(3, time.Minute))
}

func TestHitRate(t *testing.T) {
	tests := []struct {
		name     string
		accesses int
		size     int
		want     float64
	}{
		{"empty", 0, 0, 0},
		{"no reads", 0, 4, 0},
		{"one entry read three times of four", 3, 4, 0.75},
		{"hot", 10, 2, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.InDelta(t, tt.want, HitRate(tt.accesses, tt.size), 1e-9)
		})
	}
}

func TestPlanSweepExpiryPass(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	candidates := []Candidate{
		{Key: "walks", CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute), LastAccessedAt: now.Add(-time.Hour)},
		{Key: "boundary", CreatedAt: now.Add(-time.Minute), ExpiresAt: now, LastAccessedAt: now.Add(-time.Minute)},
		{Key: "dogs", CreatedAt: now.Add(-time.Minute), ExpiresAt: now.Add(time.Minute), LastAccessedAt: now.Add(-time.Minute)},
	}

	plan := PlanSweep(candidates, now, 10)
	require.Equal(t, []string{"boundary", "walks"}, plan.Expired)
	require.Empty(t, plan.Evicted)
	require.Equal(t, 2, plan.Removed())
}

func TestPlanSweepCapacityEvictsLowestScore(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	live := now.Add(time.Hour)

	candidates := []Candidate{
		// Read often, recently.
		{Key: "hot", CreatedAt: now.Add(-10 * time.Minute), ExpiresAt: live, LastAccessedAt: now.Add(-time.Second), AccessCount: 20},
		// Never read.
		{Key: "cold", CreatedAt: now.Add(-10 * time.Minute), ExpiresAt: live, LastAccessedAt: now.Add(-10 * time.Minute)},
		// Read once, long ago.
		{Key: "stale", CreatedAt: now.Add(-10 * time.Minute), ExpiresAt: live, LastAccessedAt: now.Add(-9 * time.Minute), AccessCount: 1},
		// Read a few times recently.
		{Key: "warm", CreatedAt: now.Add(-10 * time.Minute), ExpiresAt: live, LastAccessedAt: now.Add(-30 * time.Second), AccessCount: 3},
	}

	plan := PlanSweep(candidates, now, 2)
	require.Empty(t, plan.Expired)
	require.Equal(t, []string{"cold", "stale"}, plan.Evicted)
}

func TestPlanSweepJustTouchedSurvives(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	live := now.Add(time.Hour)

	candidates := []Candidate{
		{Key: "fresh", CreatedAt: now, ExpiresAt: live, LastAccessedAt: now},
		{Key: "popular", CreatedAt: now.Add(-time.Minute), ExpiresAt: live, LastAccessedAt: now.Add(-time.Millisecond), AccessCount: 1000},
	}

	plan := PlanSweep(candidates, now, 1)
	require.Equal(t, []string{"popular"}, plan.Evicted)
}

func TestPlanSweepTieBreaksByOldestAccess(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base.Add(time.Minute)
	live := base.Add(time.Hour)

	candidates := []Candidate{
		{Key: "c", CreatedAt: base.Add(2 * time.Millisecond), ExpiresAt: live, LastAccessedAt: base.Add(2 * time.Millisecond)},
		{Key: "a", CreatedAt: base, ExpiresAt: live, LastAccessedAt: base},
		{Key: "b", CreatedAt: base.Add(time.Millisecond), ExpiresAt: live, LastAccessedAt: base.Add(time.Millisecond)},
	}

	plan := PlanSweep(candidates, now, 2)
	require.Equal(t, []string{"a"}, plan.Evicted)
}

func TestPlanSweepIdenticalTimestampsDeterministic(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	live := base.Add(time.Hour)

	candidates := []Candidate{
		{Key: "c", CreatedAt: base, ExpiresAt: live, LastAccessedAt: base},
		{Key: "b", CreatedAt: base, ExpiresAt: live, LastAccessedAt: base},
		{Key: "a", CreatedAt: base, ExpiresAt: live, LastAccessedAt: base},
	}

	for range 5 {
		plan := PlanSweep(candidates, base.Add(time.Second), 2)
		require.Equal(t, []string{"a"}, plan.Evicted)
	}
}

func TestPlanSweepExpiredDoNotCountTowardCapacity(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	candidates := []Candidate{
		{Key: "gone1", ExpiresAt: now.Add(-time.Second), LastAccessedAt: now.Add(-time.Hour)},
		{Key: "gone2", ExpiresAt: now.Add(-time.Second), LastAccessedAt: now.Add(-time.Hour)},
		{Key: "keep1", ExpiresAt: now.Add(time.Hour), LastAccessedAt: now.Add(-time.Minute)},
		{Key: "keep2", ExpiresAt: now.Add(time.Hour), LastAccessedAt: now.Add(-time.Minute)},
	}

	plan := PlanSweep(candidates, now, 2)
	require.Len(t, plan.Expired, 2)
	require.Empty(t, plan.Evicted)
}

func TestPlanSweepNoCapacityLimit(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	candidates := []Candidate{
		{Key: "a", ExpiresAt: now.Add(time.Hour)},
		{Key: "b", ExpiresAt: now.Add(time.Hour)},
	}

	plan := PlanSweep(candidates, now, 0)
	require.Zero(t, plan.Removed())
}
