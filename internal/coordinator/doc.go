// Package coordinator models the shard topology of the cluster under test so
// that rebalance and failover scenarios can be mirrored in the oracle.
//
// # Overview
//
// Each node of the real cluster gets its own oracle store. A ShardRegistry
// records which node owns each shard, using the same CRC-32 placement as the
// stores, so a test driver can predict where a key lives and which oracle
// should hold its expected state.
//
//	┌──────────────────────────────────────────┐
//	│                Cluster                   │
//	├──────────────────────────────────────────┤
//	│  registry: shard → node                  │
//	│  nodes:    node  → *storage.Store        │
//	├──────────────────────────────────────────┤
//	│  OracleForKey("k") → shard 7 → "node-2"  │
//	│                    → node-2's Store      │
//	└──────────────────────────────────────────┘
//
// # Failover
//
// When a node leaves the real cluster its data is taken over by a survivor.
// Failover reproduces that on the oracle side:
//
//  1. The failed node's partitions are merged, shard by shard, into the
//     survivor's store (storage.Store.MergeFrom).
//  2. The failed node is removed.
//  3. Every shard it owned is reassigned to the survivor.
//
// The merge follows partition merge rules: the failed node's live keys win
// over the survivor's tombstones, and timestamps are overwritten by the
// merged-in side.
//
// # Usage Example
//
//	c := coordinator.NewCluster(1000, logger)
//	c.AddNode("node-1")
//	c.AddNode("node-2")
//	if err := c.Rebalance(); err != nil {
//	    return err
//	}
//
//	oracle, nodeID, err := c.OracleForKey("user123", storage.Scope{})
//	...
//	if err := c.Failover("node-1", "node-2"); err != nil {
//	    return err
//	}
//
// # Concurrency
//
// ShardRegistry and Cluster are safe for concurrent use. Failover must not
// race with goroutines holding partitions of the failed node's store.
package coordinator
