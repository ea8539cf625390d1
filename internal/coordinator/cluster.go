package coordinator

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/kvoracle/internal/storage"
)

var (
	// ErrNodeExists is returned when a node ID is registered twice
	ErrNodeExists = errors.New("node already exists")

	// ErrNodeNotFound is returned for unknown node IDs
	ErrNodeNotFound = errors.New("node not found")
)

// ClusterOption configures a Cluster
type ClusterOption func(*Cluster)

// WithStoreOptions sets a function returning the storage options for each
// node's oracle, e.g. to register per-node metrics
func WithStoreOptions(fn func(nodeID string) []storage.Option) ClusterOption {
	return func(c *Cluster) {
		c.storeOpts = fn
	}
}

// Cluster keeps one oracle store per node of the server under test together
// with the shard map that says which node owns which shard.
//
// Failover mirrors what the server does when a node leaves: the failed
// node's expected state is merged into a survivor and its shards are handed
// over.
type Cluster struct {
	nodes         map[string]*storage.Store
	registry      *ShardRegistry
	numPartitions int
	storeOpts     func(nodeID string) []storage.Option
	logger        *zap.Logger
	mu            sync.RWMutex
}

// NewCluster creates an empty cluster whose oracles have numPartitions shards
func NewCluster(numPartitions int, logger *zap.Logger, opts ...ClusterOption) *Cluster {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cluster{
		nodes:         make(map[string]*storage.Store),
		registry:      NewShardRegistry(numPartitions),
		numPartitions: numPartitions,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the cluster's shard map
func (c *Cluster) Registry() *ShardRegistry {
	return c.registry
}

// AddNode creates an empty oracle for nodeID
func (c *Cluster) AddNode(nodeID string) (*storage.Store, error) {
	if nodeID == "" {
		return nil, errors.New("node ID cannot be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.nodes[nodeID]; exists {
		return nil, fmt.Errorf("add node %s: %w", nodeID, ErrNodeExists)
	}

	opts := []storage.Option{storage.WithLogger(c.logger.With(zap.String("node", nodeID)))}
	if c.storeOpts != nil {
		opts = append(opts, c.storeOpts(nodeID)...)
	}
	store, err := storage.New(c.numPartitions, opts...)
	if err != nil {
		return nil, fmt.Errorf("add node %s: %w", nodeID, err)
	}

	c.nodes[nodeID] = store
	c.logger.Info("node added", zap.String("node", nodeID))
	return store, nil
}

// Node returns the oracle for nodeID
func (c *Cluster) Node(nodeID string) (*storage.Store, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	store, ok := c.nodes[nodeID]
	return store, ok
}

// Nodes returns the node IDs in sorted order
func (c *Cluster) Nodes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.nodes))
	for id := range c.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Rebalance spreads every shard over the current nodes
func (c *Cluster) Rebalance() error {
	return c.registry.RebalanceShards(c.Nodes())
}

// OracleForKey returns the oracle of the node owning key and that node's ID
func (c *Cluster) OracleForKey(key string, scope storage.Scope) (*storage.Store, string, error) {
	nodeID, err := c.registry.GetNodeForKey(key, scope)
	if err != nil {
		return nil, "", err
	}
	store, ok := c.Node(nodeID)
	if !ok {
		return nil, "", fmt.Errorf("key %q routes to %s: %w", key, nodeID, ErrNodeNotFound)
	}
	return store, nodeID, nil
}

// Failover merges the failed node's oracle into survivor, removes the failed
// node and reassigns its shards to survivor.
//
// No goroutine may hold or be waiting on a partition of the failed node's
// oracle: its partitions are read without locks.
func (c *Cluster) Failover(failed, survivor string) error {
	if failed == survivor {
		return fmt.Errorf("failover %s onto itself: %w", failed, storage.ErrSelfMerge)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	from, ok := c.nodes[failed]
	if !ok {
		return fmt.Errorf("failover from %s: %w", failed, ErrNodeNotFound)
	}
	to, ok := c.nodes[survivor]
	if !ok {
		return fmt.Errorf("failover to %s: %w", survivor, ErrNodeNotFound)
	}

	if err := to.MergeFrom(from); err != nil {
		return fmt.Errorf("failover %s to %s: %w", failed, survivor, err)
	}
	delete(c.nodes, failed)
	moved := c.registry.ReassignNode(failed, survivor)

	c.logger.Info("node failed over",
		zap.String("failed", failed),
		zap.String("survivor", survivor),
		zap.Int("shards_moved", moved),
		zap.Int("survivor_keys", to.Len()))
	return nil
}

// RemoveNode drops nodeID and its oracle without merging; its shards become
// unassigned
func (c *Cluster) RemoveNode(nodeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.nodes[nodeID]; !ok {
		return fmt.Errorf("remove node %s: %w", nodeID, ErrNodeNotFound)
	}
	delete(c.nodes, nodeID)
	for _, shardID := range c.registry.GetNodeShards(nodeID) {
		if err := c.registry.RemoveShard(shardID); err != nil {
			return err
		}
	}
	c.logger.Info("node removed", zap.String("node", nodeID))
	return nil
}
