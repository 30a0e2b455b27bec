package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"
)

// ConsistentHashBalancer maps keys to connections using a hash ring so the
// same key always lands on the same connection (until the ring changes),
// giving cache affinity for stateful workers. Kept from the teacher as a
// sixth strategy beyond spec.md §4.5's five (spec.md does not forbid
// additional strategies); the pool exercises it through a
// request's metadata["affinity_key"] (spec §4.6 additions).
//
// Virtual nodes: each connection maps to 100 points on the ring so three
// connections don't cluster unevenly.
type ConsistentHashBalancer struct {
	mu       sync.Mutex
	replicas int
	ring     []uint32
	nodes    map[uint32]Candidate
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per
// connection.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]Candidate),
	}
}

func (b *ConsistentHashBalancer) Name() string { return "consistent_hash" }

// Add places a connection onto the ring. Callers rebuild the ring (via
// Reset+Add) whenever the candidate set changes, since the pool's IDLE list
// is recomputed on every acquire.
func (b *ConsistentHashBalancer) Add(c Candidate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < b.replicas; i++ {
		key := fmt.Sprintf("%s#%d", c.ID(), i)
		hash := crc32.ChecksumIEEE([]byte(key))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = c
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Reset empties the ring so it can be rebuilt for a new candidate set.
func (b *ConsistentHashBalancer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring = nil
	b.nodes = make(map[uint32]Candidate)
}

// PickKey finds the connection responsible for key by hashing it and
// walking clockwise to the nearest ring node.
func (b *ConsistentHashBalancer) PickKey(key string) (Candidate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ring) == 0 {
		return nil, ErrNoEligible
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= hash })
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

// Pick implements Balancer by rebuilding the ring from candidates and
// falling back to the first candidate's ID as the hash key — callers that
// want true affinity should use PickForKey with their own key instead.
func (b *ConsistentHashBalancer) Pick(candidates []Candidate) (Candidate, error) {
	if len(candidates) == 0 {
		return nil, ErrNoEligible
	}
	b.Reset()
	for _, c := range candidates {
		b.Add(c)
	}
	return b.PickKey(candidates[0].ID())
}

// PickForKey implements KeyedBalancer: it rebuilds the ring from candidates
// (the pool recomputes its IDLE set on every acquire, so there is no stale
// ring to reuse) and returns the connection responsible for key, giving the
// same key the same connection across requests as long as the candidate set
// is stable.
func (b *ConsistentHashBalancer) PickForKey(candidates []Candidate, key string) (Candidate, error) {
	if len(candidates) == 0 {
		return nil, ErrNoEligible
	}
	b.Reset()
	for _, c := range candidates {
		b.Add(c)
	}
	return b.PickKey(key)
}
