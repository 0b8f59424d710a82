// Package expiry decides which cache entries a sweep removes and runs the
// periodic sweep loop.
//
// A sweep has two phases. The expiry pass drops every entry whose deadline has
// passed. The capacity pass then ranks the survivors by retention score and
// drops the lowest until the cache is back at its maximum size.
package expiry

import (
	"cmp"
	"math"
	"slices"
	"time"
)

// Candidate is the per-entry bookkeeping a sweep needs.
type Candidate struct {
	Key            string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int
}

// Expired reports whether the entry is dead at now. An entry whose deadline
// equals now is already expired.
func (c Candidate) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Plan lists the keys a sweep removes, in removal order.
type Plan struct {
	Expired []string
	Evicted []string
}

// Removed returns the total number of keys in the plan.
func (p Plan) Removed() int {
	return len(p.Expired) + len(p.Evicted)
}

// RetentionScore ranks how worth keeping an entry is: reads per unit of time
// since the last read. Higher is better. An entry read at this very instant
// scores math.MaxFloat64 so it is never the first to go.
func RetentionScore(accessCount int, sinceLastAccess time.Duration) float64 {
	if sinceLastAccess <= 0 {
		return math.MaxFloat64
	}
	return float64(accessCount) / (float64(sinceLastAccess) / float64(time.Millisecond))
}

// HitRate is the mean access count per resident entry, or 0 when empty.
// It is not a request hit ratio; callers rely on it as a popularity gauge.
func HitRate(totalAccesses, size int) float64 {
	if size <= 0 {
		return 0
	}
	return float64(totalAccesses) / float64(size)
}

// PlanSweep computes the removals for one sweep at now. Candidates are not
// modified. maxSize <= 0 disables the capacity pass.
func PlanSweep(candidates []Candidate, now time.Time, maxSize int) Plan {
	var plan Plan
	remaining := make([]scored, 0, len(candidates))

	for _, c := range candidates {
		if c.Expired(now) {
			plan.Expired = append(plan.Expired, c.Key)
			continue
		}
		remaining = append(remaining, scored{
			Candidate: c,
			score:     RetentionScore(c.AccessCount, now.Sub(c.LastAccessedAt)),
		})
	}
	slices.Sort(plan.Expired)

	if maxSize <= 0 || len(remaining) <= maxSize {
		return plan
	}

	slices.SortFunc(remaining, compareScored)

	excess := len(remaining) - maxSize
	plan.Evicted = make([]string, 0, excess)
	for _, s := range remaining[:excess] {
		plan.Evicted = append(plan.Evicted, s.Key)
	}
	return plan
}

type scored struct {
	Candidate
	score float64
}

// compareScored orders lowest score first. Ties go to the entry read longest
// ago, then the oldest insert, then key order.
func compareScored(a, b scored) int {
	if c := cmp.Compare(a.score, b.score); c != 0 {
		return c
	}
	if c := a.LastAccessedAt.Compare(b.LastAccessedAt); c != 0 {
		return c
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.Key, b.Key)
}
