// Package partition implements one shard of the key/value oracle: the
// expected live values, tombstones, mutation timestamps and the log of keys
// observed expiring on the server under test.
//
// # Overview
//
// A Partition is a plain data structure. It owns four collections:
//
//	┌─────────────────────────────────────┐
//	│            PARTITION                │
//	├─────────────────────────────────────┤
//	│  valid:       key → Entry           │
//	│  deleted:     key → last value      │
//	│  timestamp:   key → last mutation   │
//	│  expiredKeys: [key, key, ...]       │
//	└─────────────────────────────────────┘
//
// A key is never present in valid and deleted at the same time. Every key
// that was ever set or deleted keeps a timestamp.
//
// # Lazy Expiration
//
// Deadlines are never checked on a timer. Each read path (Valid, Deleted,
// Flag, the three key-set enumerations, Len and Expired) first checks the
// keys it touches. An overdue key is moved from valid to deleted and
// appended to the expiry log in one step. Two keys written with the same TTL
// can therefore expire at different wall-clock moments depending on when
// each is next observed.
//
// Enumerations sweep a snapshot of the live key set so the map is never
// mutated while it is being ranged over.
//
// # Concurrency
//
// Partition has no lock. The storage package pairs each partition with a
// mutex and only hands the partition to the goroutine holding it.
//
// # Usage Example
//
//	p := partition.New(0)
//	p.Set("k1", []byte("v1"), 0, 0)
//	p.Set("k2", []byte("v2"), time.Second, 0)
//	time.Sleep(1100 * time.Millisecond)
//
//	p.ValidKeys()   // [k1]
//	p.DeletedKeys() // [k2]
//	p.Expired("k2") // true, nil
package partition
