package loadbalance

import (
	"fmt"
	"testing"
	"time"
)

// fakeCandidate is a test-only Candidate.
type fakeCandidate struct {
	id                    string
	createdAt             time.Time
	totalRequests         int64
	avgResponseTime       time.Duration
	lastSeenResponseTime  time.Duration
	idleSince             time.Time
}

func (c *fakeCandidate) ID() string                             { return c.id }
func (c *fakeCandidate) CreatedAt() time.Time                    { return c.createdAt }
func (c *fakeCandidate) TotalRequests() int64                    { return c.totalRequests }
func (c *fakeCandidate) AvgResponseTime() time.Duration          { return c.avgResponseTime }
func (c *fakeCandidate) LastSeenResponseTime() time.Duration     { return c.lastSeenResponseTime }
func (c *fakeCandidate) IdleSince() time.Time                    { return c.idleSince }

func testCandidates() []Candidate {
	base := time.Now().Add(-time.Hour)
	return []Candidate{
		&fakeCandidate{id: "a", createdAt: base, totalRequests: 10, avgResponseTime: 20 * time.Millisecond, idleSince: time.Now()},
		&fakeCandidate{id: "b", createdAt: base.Add(time.Second), totalRequests: 5, avgResponseTime: 50 * time.Millisecond, idleSince: time.Now()},
		&fakeCandidate{id: "c", createdAt: base.Add(2 * time.Second), totalRequests: 10, avgResponseTime: 10 * time.Millisecond, idleSince: time.Now()},
	}
}

func TestRoundRobinCyclesAndWraps(t *testing.T) {
	b := &roundRobinBalancer{}
	candidates := testCandidates()

	results := make([]string, 3)
	for i := 0; i < 3; i++ {
		c, err := b.Pick(candidates)
		if err != nil {
			t.Fatal(err)
		}
		results[i] = c.ID()
	}

	c, _ := b.Pick(candidates)
	if c.ID() != results[0] {
		t.Fatalf("expected wrap around to %s, got %s", results[0], c.ID())
	}
}

func TestRoundRobinEmptyIsNoEligible(t *testing.T) {
	b := &roundRobinBalancer{}
	_, err := b.Pick(nil)
	if err != ErrNoEligible {
		t.Fatalf("expected ErrNoEligible, got %v", err)
	}
}

func TestRandomStaysWithinCandidateSet(t *testing.T) {
	b := &randomBalancer{}
	candidates := testCandidates()
	valid := map[string]bool{"a": true, "b": true, "c": true}

	for i := 0; i < 50; i++ {
		c, err := b.Pick(candidates)
		if err != nil {
			t.Fatal(err)
		}
		if !valid[c.ID()] {
			t.Fatalf("random picked unknown candidate %s", c.ID())
		}
	}
}

func TestLeastConnectionsPicksMinimumWithTieBreak(t *testing.T) {
	b := &leastConnectionsBalancer{}
	c, err := b.Pick(testCandidates())
	if err != nil {
		t.Fatal(err)
	}
	if c.ID() != "b" {
		t.Fatalf("expected b (5 requests, the minimum), got %s", c.ID())
	}
}

func TestResponseTimePicksMinimum(t *testing.T) {
	b := &responseTimeBalancer{}
	c, err := b.Pick(testCandidates())
	if err != nil {
		t.Fatal(err)
	}
	if c.ID() != "c" {
		t.Fatalf("expected c (10ms, the minimum), got %s", c.ID())
	}
}

func TestWeightedResponseTimeAvoidsImmediateRewin(t *testing.T) {
	b := newWeightedResponseTimeBalancer(0.7)
	now := time.Now()
	candidates := []Candidate{
		&fakeCandidate{id: "fast", createdAt: now, avgResponseTime: 5 * time.Millisecond, idleSince: now},
		&fakeCandidate{id: "slow", createdAt: now, avgResponseTime: 50 * time.Millisecond, idleSince: now},
	}

	first, err := b.Pick(candidates)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID() != "fast" {
		t.Fatalf("expected fast to win first round, got %s", first.ID())
	}

	second, err := b.Pick(candidates)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID() == first.ID() {
		t.Fatalf("expected a different connection on the immediate next pick, got %s again", second.ID())
	}
}

func TestConsistentHashIsStableAndSpreads(t *testing.T) {
	b := NewConsistentHashBalancer()
	for _, c := range testCandidates() {
		b.Add(c)
	}

	inst1, err := b.PickKey("user-123")
	if err != nil {
		t.Fatal(err)
	}
	inst2, _ := b.PickKey("user-123")
	if inst1.ID() != inst2.ID() {
		t.Fatalf("same key mapped to different connections: %s vs %s", inst1.ID(), inst2.ID())
	}

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, _ := b.PickKey(fmt.Sprintf("key-%d", i))
		seen[inst.ID()] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected at least 2 different connections, got %d", len(seen))
	}
}

func TestConsistentHashPickForKeyIsStableAcrossRebuilds(t *testing.T) {
	b := NewConsistentHashBalancer()
	candidates := testCandidates()

	first, err := b.PickForKey(candidates, "tenant-42")
	if err != nil {
		t.Fatal(err)
	}
	second, err := b.PickForKey(candidates, "tenant-42")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID() != second.ID() {
		t.Fatalf("same key mapped to different connections across rebuilds: %s vs %s", first.ID(), second.ID())
	}
}

func TestConsistentHashSatisfiesKeyedBalancer(t *testing.T) {
	var _ KeyedBalancer = NewConsistentHashBalancer()
}

func TestNewFactoryCoversAllFiveStrategiesPlusHash(t *testing.T) {
	for _, name := range []string{"random", "round_robin", "least_connections", "response_time", "weighted_response_time", "consistent_hash"} {
		if _, err := New(name); err != nil {
			t.Fatalf("New(%q): %v", name, err)
		}
	}
	if _, err := New("nonexistent"); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}
