package loadbalance

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// randomBalancer: uniform choice (spec §4.5), grounded in the teacher's
// weighted_random.go pattern but dropping the weight term — plain
// uniformity is the "random" strategy spec.md names separately from
// weighted_response_time.
type randomBalancer struct{}

func (b *randomBalancer) Name() string { return "random" }

func (b *randomBalancer) Pick(candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return nil, ErrNoEligible
	}
	return candidates[rand.Intn(len(candidates))], nil
}

// roundRobinBalancer: monotonically advancing index modulo the filtered
// list (spec §4.5), generalizing the teacher's roundrobin.go atomic-counter
// design from registry.ServiceInstance to Candidate.
type roundRobinBalancer struct {
	counter int64
}

func (b *roundRobinBalancer) Name() string { return "round_robin" }

func (b *roundRobinBalancer) Pick(candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return nil, ErrNoEligible
	}
	idx := atomic.AddInt64(&b.counter, 1) % int64(len(candidates))
	return candidates[idx], nil
}

// leastConnectionsBalancer: minimum total_requests, stable tie-break by
// creation time, oldest first (spec §4.5).
type leastConnectionsBalancer struct{}

func (b *leastConnectionsBalancer) Name() string { return "least_connections" }

func (b *leastConnectionsBalancer) Pick(candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return nil, ErrNoEligible
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.TotalRequests() < best.TotalRequests() ||
			(c.TotalRequests() == best.TotalRequests() && c.CreatedAt().Before(best.CreatedAt())) {
			best = c
		}
	}
	return best, nil
}

// responseTimeBalancer: minimum avg_response_time, same tie-break
// (spec §4.5).
type responseTimeBalancer struct{}

func (b *responseTimeBalancer) Name() string { return "response_time" }

func (b *responseTimeBalancer) Pick(candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return nil, ErrNoEligible
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.AvgResponseTime() < best.AvgResponseTime() ||
			(c.AvgResponseTime() == best.AvgResponseTime() && c.CreatedAt().Before(best.CreatedAt())) {
			best = c
		}
	}
	return best, nil
}

// weightedResponseTimeBalancer implements spec §4.5's default strategy:
//
//	score = α·avg_response_time + (1-α)·last_seen_response_time
//
// scaled by (1 + idle_seconds·0.1) to fight starvation of rarely-used
// connections, with the minimum-score connection winning. It additionally
// remembers the last connection it picked so that connection does not
// immediately re-win a tied or near-tied round (spec §4.5: "records
// last_used so it does not immediately re-win").
type weightedResponseTimeBalancer struct {
	alpha float64

	mu       sync.Mutex
	lastPick string
}

func newWeightedResponseTimeBalancer(alpha float64) *weightedResponseTimeBalancer {
	return &weightedResponseTimeBalancer{alpha: alpha}
}

func (b *weightedResponseTimeBalancer) Name() string { return "weighted_response_time" }

func (b *weightedResponseTimeBalancer) Pick(candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return nil, ErrNoEligible
	}

	type scored struct {
		c     Candidate
		score float64
	}
	now := time.Now()
	scores := make([]scored, len(candidates))
	for i, c := range candidates {
		idleSeconds := now.Sub(c.IdleSince()).Seconds()
		if idleSeconds < 0 {
			idleSeconds = 0
		}
		raw := b.alpha*float64(c.AvgResponseTime()) + (1-b.alpha)*float64(c.LastSeenResponseTime())
		scores[i] = scored{c: c, score: raw * (1 + idleSeconds*0.1)}
	}

	best := scores[0]
	for _, s := range scores[1:] {
		if s.score < best.score {
			best = s
		}
	}

	b.mu.Lock()
	if best.c.ID() == b.lastPick && len(scores) > 1 {
		// The minimum-score connection just won last round too; give the
		// runner-up a turn instead of starving every other connection.
		runnerUp := scores[0]
		for _, s := range scores {
			if s.c.ID() == best.c.ID() {
				continue
			}
			if runnerUp.c.ID() == best.c.ID() || s.score < runnerUp.score {
				runnerUp = s
			}
		}
		best = runnerUp
	}
	b.lastPick = best.c.ID()
	b.mu.Unlock()

	return best.c, nil
}
