package coordinator

import (
	"math/rand"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/scanforge/engine/pkg/engineerrors"
)

// Strategy picks one eligible node to place a scan on. Implementations
// must be deterministic given the same node set and scan ID wherever
// spec'd (LEAST_LOADED, HASH_BASED); ROUND_ROBIN and RANDOM are
// explicitly stateful/non-deterministic by design.
type Strategy interface {
	Select(nodes []*ScannerNode, scanID string) (*ScannerNode, error)
}

// eligible filters to HEALTHY nodes, sorted by node_id for determinism
// wherever a strategy needs a stable iteration order. Tag filtering
// happens upstream in Coordinator.AssignScan via ScannerNode.HasTags.
func eligible(nodes []*ScannerNode) []*ScannerNode {
	out := make([]*ScannerNode, 0, len(nodes))
	for _, n := range nodes {
		if n.Health == HealthHealthy {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// LeastLoaded chooses the HEALTHY node with the smallest
// current_load/capacity ratio; ties broken by lowest node_id.
type LeastLoaded struct{}

func (LeastLoaded) Select(nodes []*ScannerNode, scanID string) (*ScannerNode, error) {
	pool := eligible(nodes)
	if len(pool) == 0 {
		return nil, engineerrors.ErrNoEligibleNode
	}
	best := pool[0]
	for _, n := range pool[1:] {
		if n.LoadRatio() < best.LoadRatio() {
			best = n
		}
	}
	return best, nil
}

// RoundRobin rotates across HEALTHY nodes using the cursor passed to
// NewRoundRobin. The cursor is not written through the Raft log, so
// followers do not share it and the rotation restarts from whatever
// cursor the new leader holds after a leadership change.
type RoundRobin struct {
	cursor *int
}

func NewRoundRobin(cursor *int) *RoundRobin {
	return &RoundRobin{cursor: cursor}
}

func (r *RoundRobin) Select(nodes []*ScannerNode, scanID string) (*ScannerNode, error) {
	pool := eligible(nodes)
	if len(pool) == 0 {
		return nil, engineerrors.ErrNoEligibleNode
	}
	idx := *r.cursor % len(pool)
	*r.cursor = (*r.cursor + 1) % len(pool)
	return pool[idx], nil
}

// HashBased consistent-hashes scan_id across HEALTHY nodes so the same
// scan prefers the same node across restarts (until the node set
// itself changes).
type HashBased struct{}

func (HashBased) Select(nodes []*ScannerNode, scanID string) (*ScannerNode, error) {
	pool := eligible(nodes)
	if len(pool) == 0 {
		return nil, engineerrors.ErrNoEligibleNode
	}
	h := xxhash.Sum64String(scanID)
	return pool[h%uint64(len(pool))], nil
}

// Random picks uniformly over HEALTHY nodes; useful as a test baseline.
type Random struct{}

func (Random) Select(nodes []*ScannerNode, scanID string) (*ScannerNode, error) {
	pool := eligible(nodes)
	if len(pool) == 0 {
		return nil, engineerrors.ErrNoEligibleNode
	}
	return pool[rand.Intn(len(pool))], nil
}
