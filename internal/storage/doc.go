// Package storage provides the sharded key/value oracle: a fixed array of
// independently locked partitions that mirrors the expected state of keys
// on a server under test.
//
// # Overview
//
// A Store owns exactly n partitions, fixed at construction. Keys are routed
// to a partition by a CRC-32 IEEE checksum reduced modulo n. When a scope
// names a collection, the "{bucket}.{collection}" string is hashed instead
// of the key, so every key of a collection lands on one partition.
//
//	┌─────────────────────────────────────┐
//	│               Store                 │
//	├─────────────────────────────────────┤
//	│  acquireMu: multi-key lock order    │
//	│  slots[0]:   mutex + Partition 0    │
//	│  slots[1]:   mutex + Partition 1    │
//	│  ...                                │
//	│  slots[n-1]: mutex + Partition n-1  │
//	└─────────────────────────────────────┘
//
// # Locking Protocol
//
// Callers acquire the partition for a key, use it, and release it:
//
//	p := store.AcquirePartition("user:123", storage.Scope{})
//	p.Set("user:123", value, 0, 0)
//	store.ReleasePartition("user:123", storage.Scope{})
//
// Multi-key callers receive the keys grouped by partition:
//
//	groups := store.AcquirePartitions(keys, scope)
//	for p, ks := range groups {
//	    for _, k := range ks {
//	        p.Delete(k)
//	    }
//	}
//	if err := store.ReleaseGroups(groups); err != nil {
//	    return err
//	}
//
// AcquirePartitions computes and locks the whole set while holding the
// store's acquisition lock, in ascending shard order. Two overlapping
// multi-key requests therefore never hold part of each other's set. The
// acquisition lock is dropped before AcquirePartitions returns, so
// independent multi-key holders still run in parallel.
//
// No acquire call has a timeout. A partition that is never released starves
// every other caller routed to it.
//
// # Aggregate Views
//
// KeySet, Len and MergePartitions walk the shards one at a time, locking
// each only for its own step. Their results are not a point-in-time
// snapshot of the whole store. GetPartitions takes no locks at all and is
// meant to feed a merge into another store.
//
// # Reset
//
// Reset rebuilds every partition empty. It must not run while any partition
// is held.
package storage
