// Package coordinator simulates the cluster topology of the server under test
// on top of per-node oracle stores. See doc.go for complete package documentation.
package coordinator

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/kvoracle/internal/storage"
)

var (
	// ErrInvalidShard is returned for shard IDs outside [0, numShards)
	ErrInvalidShard = errors.New("invalid shard ID")

	// ErrNoNodes is returned when shards are rebalanced onto an empty node list
	ErrNoNodes = errors.New("no nodes")

	// ErrShardUnassigned is returned when a key routes to a shard no node owns
	ErrShardUnassigned = errors.New("shard is not assigned to any node")
)

// ShardAssignment records which node currently owns a shard.
//
// Assignments are immutable once created. The registry returns copies to
// prevent external modification.
type ShardAssignment struct {
	// NodeID identifies the node that owns this shard.
	// Must match a node registered in the Cluster.
	NodeID string

	// ShardID is the shard identifier.
	// Valid range: [0, numShards)
	ShardID int
}

// ShardRegistry maps shards to nodes, mirroring the server's own shard map
// so the oracle can predict which node a key lives on.
//
// Keys are routed to shards with the same CRC-32 placement the oracle
// stores use:
//
//	┌─────────────────────────────────────┐
//	│         ShardRegistry               │
//	├─────────────────────────────────────┤
//	│  assignments: map[shardID]→node     │
//	│  numShards: total shard count       │
//	│  mu: RWMutex for thread safety      │
//	├─────────────────────────────────────┤
//	│  Key → CRC32 → Shard → Node         │
//	│  "user123" → 0x4967… → 47 → "n-2"   │
//	└─────────────────────────────────────┘
//
// Concurrency Model:
//   - Read operations use RLock for parallel access
//   - Write operations use Lock for exclusive access
//   - All returned data is copied to prevent races
type ShardRegistry struct {
	// assignments maps shard IDs to their current owner.
	// A shard may be unassigned (not in map) during transitions.
	assignments map[int]*ShardAssignment

	mu sync.RWMutex

	// numShards equals the partition count of every oracle store in the
	// cluster, so a shard ID is also a partition index.
	numShards int
}

// NewShardRegistry creates an empty registry for numShards shards
func NewShardRegistry(numShards int) *ShardRegistry {
	return &ShardRegistry{
		assignments: make(map[int]*ShardAssignment),
		numShards:   numShards,
	}
}

func (r *ShardRegistry) checkShard(shardID int) error {
	if shardID < 0 || shardID >= r.numShards {
		return fmt.Errorf("shard %d, must be in range [0, %d): %w", shardID, r.numShards, ErrInvalidShard)
	}
	return nil
}

// AssignShard makes nodeID the owner of shardID, replacing any previous owner.
//
// Returns an error if the shard ID is out of range or the node ID is empty.
func (r *ShardRegistry) AssignShard(shardID int, nodeID string) error {
	if err := r.checkShard(shardID); err != nil {
		return err
	}
	if nodeID == "" {
		return errors.New("node ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.assignments[shardID] = &ShardAssignment{
		ShardID: shardID,
		NodeID:  nodeID,
	}
	return nil
}

// RemoveShard drops the assignment of shardID. Removing an unassigned
// shard is not an error.
func (r *ShardRegistry) RemoveShard(shardID int) error {
	if err := r.checkShard(shardID); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.assignments, shardID)
	return nil
}

// GetAssignment returns a copy of the assignment for shardID, or nil
func (r *ShardRegistry) GetAssignment(shardID int) *ShardAssignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	assignment := r.assignments[shardID]
	if assignment == nil {
		return nil
	}
	return &ShardAssignment{
		ShardID: assignment.ShardID,
		NodeID:  assignment.NodeID,
	}
}

// GetAllAssignments returns copies of every assignment ordered by shard ID
func (r *ShardRegistry) GetAllAssignments() []*ShardAssignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	assignments := make([]*ShardAssignment, 0, len(r.assignments))
	for _, assignment := range r.assignments {
		assignments = append(assignments, &ShardAssignment{
			ShardID: assignment.ShardID,
			NodeID:  assignment.NodeID,
		})
	}
	slices.SortFunc(assignments, func(a, b *ShardAssignment) int {
		return a.ShardID - b.ShardID
	})
	return assignments
}

// GetShardForKey returns the shard a key, or its scope, routes to
func (r *ShardRegistry) GetShardForKey(key string, scope storage.Scope) int {
	return storage.HashIndex(key, scope, r.numShards)
}

// GetNodeForKey returns the node owning the shard key routes to
func (r *ShardRegistry) GetNodeForKey(key string, scope storage.Scope) (string, error) {
	shardID := r.GetShardForKey(key, scope)

	r.mu.RLock()
	assignment := r.assignments[shardID]
	r.mu.RUnlock()

	if assignment == nil {
		return "", fmt.Errorf("shard %d: %w", shardID, ErrShardUnassigned)
	}
	return assignment.NodeID, nil
}

// GetNodeShards returns the shards owned by nodeID in ascending order
func (r *ShardRegistry) GetNodeShards(nodeID string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var shards []int
	for shardID, assignment := range r.assignments {
		if assignment.NodeID == nodeID {
			shards = append(shards, shardID)
		}
	}
	slices.Sort(shards)
	return shards
}

// NumShards returns the total shard count
func (r *ShardRegistry) NumShards() int {
	return r.numShards
}

// RebalanceShards spreads every shard over nodes round robin
func (r *ShardRegistry) RebalanceShards(nodes []string) error {
	if len(nodes) == 0 {
		return fmt.Errorf("rebalance: %w", ErrNoNodes)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for shardID := 0; shardID < r.numShards; shardID++ {
		r.assignments[shardID] = &ShardAssignment{
			ShardID: shardID,
			NodeID:  nodes[shardID%len(nodes)],
		}
	}
	return nil
}

// ReassignNode moves every shard owned by from to to and returns how many moved
func (r *ShardRegistry) ReassignNode(from, to string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	moved := 0
	for shardID, assignment := range r.assignments {
		if assignment.NodeID == from {
			r.assignments[shardID] = &ShardAssignment{ShardID: shardID, NodeID: to}
			moved++
		}
	}
	return moved
}
