package storage

import (
	"errors"
	"fmt"
	"hash/crc32"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/dreamware/kvoracle/internal/partition"
)

// DefaultBucket is the bucket used when a scope names a collection but no bucket
const DefaultBucket = "default"

var (
	// ErrInvalidPartitionCount is returned when a store is created with no partitions
	ErrInvalidPartitionCount = errors.New("partition count must be positive")

	// ErrPartitionOutOfRange is returned when a shard index is outside [0, n)
	ErrPartitionOutOfRange = errors.New("partition index out of range")

	// ErrForeignPartition is returned when releasing a partition owned by another store
	ErrForeignPartition = errors.New("partition does not belong to this store")

	// ErrPartitionCountMismatch is returned when merging stores of different shapes
	ErrPartitionCountMismatch = errors.New("partition count mismatch")

	// ErrSelfMerge is returned when a store is merged into itself
	ErrSelfMerge = errors.New("cannot merge a store into itself")

	// ErrPartitionMisaligned is returned when a merge source is not in shard order
	ErrPartitionMisaligned = errors.New("partition does not match its shard index")
)

// Scope addresses a named sub-namespace of the server under test.
// The zero value is unscoped: keys are routed by their own hash.
type Scope struct {
	Bucket     string // Bucket name, DefaultBucket when empty
	Collection string // Collection name, scoping applies only when set
}

// Scoped reports whether routing uses the bucket and collection instead of the key
func (s Scope) Scoped() bool {
	return s.Collection != ""
}

// String returns the "{bucket}.{collection}" routing name
func (s Scope) String() string {
	bucket := s.Bucket
	if bucket == "" {
		bucket = DefaultBucket
	}
	return bucket + "." + s.Collection
}

// HashIndex maps a key, or the scope when it is scoped, onto one of n shards.
// It uses the CRC-32 IEEE checksum so placement matches any other
// implementation of the oracle given the same shard count.
func HashIndex(key string, scope Scope, n int) int {
	name := key
	if scope.Scoped() {
		name = scope.String()
	}
	return int(crc32.ChecksumIEEE([]byte(name)) % uint32(n))
}

// IndexedPartition pairs a partition with its shard index
type IndexedPartition struct {
	Index     int
	Partition *partition.Partition
}

// slot is one lockable shard
type slot struct {
	mu sync.Mutex
	p  *partition.Partition
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the store's logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock replaces time.Now for every partition of the store
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store is a fixed set of independently locked partitions.
//
// Callers acquire the partition a key routes to, mutate or read it directly,
// and release it. Multi-key callers use AcquirePartitions, which computes
// and acquires the whole lock set under a single acquisition lock so two
// overlapping requests cannot each hold part of the other's set.
type Store struct {
	numPartitions int     // Fixed shard count
	slots         []*slot // One per shard, indexed by shard id

	// acquireMu is held only while a multi-key lock set is computed and
	// acquired, never while the partitions are in use.
	acquireMu sync.Mutex

	now     func() time.Time
	logger  *zap.Logger
	metrics *storeMetrics // Nil unless WithMetrics was given
	regErr  error         // Deferred metrics registration error
}

// New creates a store with n empty, independently locked partitions.
//
// The partition count fixes key placement for the store's lifetime: a key
// routes to crc32(key) % n, or to crc32("{bucket}.{collection}") % n when
// its scope names a collection. Oracles that are compared or merged must
// share the same n.
//
// Options:
//   - WithLogger: debug logging of resets, merges and scoped key sets
//   - WithClock: a fake clock for deterministic expiry
//   - WithMetrics: Prometheus counters registered under a store label
//
// Returns ErrInvalidPartitionCount if n <= 0, or the metrics registration
// error if WithMetrics could not register its collectors.
//
// Example:
//
//	store, err := storage.New(1000, storage.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
func New(n int, opts ...Option) (*Store, error) {
	if n <= 0 {
		return nil, fmt.Errorf("new store with %d partitions: %w", n, ErrInvalidPartitionCount)
	}

	s := &Store{
		numPartitions: n,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.regErr != nil {
		return nil, fmt.Errorf("register store metrics: %w", s.regErr)
	}

	s.Reset()
	return s, nil
}

// Reset discards every partition and rebuilds them empty.
//
// Reset is destructive: no partition may be held while it runs.
func (s *Store) Reset() {
	slots := make([]*slot, s.numPartitions)
	for i := range slots {
		slots[i] = &slot{p: s.newPartition(i)}
	}
	s.slots = slots

	if s.metrics != nil {
		s.metrics.resets.Inc()
	}
	s.logger.Debug("store reset", zap.Int("partitions", s.numPartitions))
}

func (s *Store) newPartition(id int) *partition.Partition {
	var opts []partition.Option
	if s.now != nil {
		opts = append(opts, partition.WithClock(s.now))
	}
	if s.metrics != nil {
		opts = append(opts, partition.WithExpireHook(func(string) {
			s.metrics.expirations.Inc()
		}))
	}
	return partition.New(id, opts...)
}

// NumPartitions returns the fixed shard count
func (s *Store) NumPartitions() int {
	return s.numPartitions
}

// Index returns the shard index key routes to
func (s *Store) Index(key string, scope Scope) int {
	return HashIndex(key, scope, s.numPartitions)
}

// Partition returns the lock and partition for key without locking
func (s *Store) Partition(key string, scope Scope) (sync.Locker, *partition.Partition) {
	sl := s.slots[s.Index(key, scope)]
	return &sl.mu, sl.p
}

// AcquirePartition blocks until the partition for key is locked and returns it.
// The caller must release it with ReleasePartition or ReleasePartitions.
func (s *Store) AcquirePartition(key string, scope Scope) *partition.Partition {
	sl := s.slots[s.Index(key, scope)]
	sl.mu.Lock()
	s.metrics.acquired(modeSingle)
	return sl.p
}

// AcquirePartitions locks every partition the keys route to, each exactly
// once, and returns the keys grouped by partition.
//
// Locking protocol:
//   - The store's acquisition lock is taken first, so only one multi-key
//     lock set is being assembled at a time
//   - Target shards are deduplicated and locked in ascending index order
//   - The acquisition lock is released before returning
//
// Two overlapping multi-key requests therefore never each hold part of
// the other's set. Single-key acquirers do not take the acquisition lock
// and may interleave freely.
//
// Keys keep their input order within each group, and duplicate keys are
// kept. Every returned partition stays locked until the caller hands the
// map to ReleaseGroups or the partitions to ReleasePartitions.
//
// Example:
//
//	groups := store.AcquirePartitions([]string{"a", "b", "c"}, storage.Scope{})
//	for p, keys := range groups {
//	    for _, key := range keys {
//	        p.Set(key, value, 0, 0)
//	    }
//	}
//	if err := store.ReleaseGroups(groups); err != nil {
//	    return err
//	}
func (s *Store) AcquirePartitions(keys []string, scope Scope) map[*partition.Partition][]string {
	s.acquireMu.Lock()
	defer s.acquireMu.Unlock()

	byIndex := make(map[int][]string)
	for _, key := range keys {
		idx := s.Index(key, scope)
		byIndex[idx] = append(byIndex[idx], key)
	}

	indexes := make([]int, 0, len(byIndex))
	for idx := range byIndex {
		indexes = append(indexes, idx)
	}
	slices.Sort(indexes)

	groups := make(map[*partition.Partition][]string, len(indexes))
	for _, idx := range indexes {
		sl := s.slots[idx]
		sl.mu.Lock()
		groups[sl.p] = byIndex[idx]
	}
	s.metrics.acquired(modeMulti)
	return groups
}

// ReleasePartitions unlocks partitions previously acquired from this store.
//
// Releasing a partition the caller does not hold is a contract violation
// and panics in sync.Mutex. Partitions from another store are rejected with
// ErrForeignPartition before anything is unlocked.
func (s *Store) ReleasePartitions(parts ...*partition.Partition) error {
	for _, p := range parts {
		if err := s.owns(p); err != nil {
			return err
		}
	}
	for _, p := range parts {
		s.slots[p.ID].mu.Unlock()
	}
	return nil
}

// ReleaseGroups unlocks every partition returned by AcquirePartitions
func (s *Store) ReleaseGroups(groups map[*partition.Partition][]string) error {
	parts := make([]*partition.Partition, 0, len(groups))
	for p := range groups {
		parts = append(parts, p)
	}
	return s.ReleasePartitions(parts...)
}

// ReleasePartition unlocks the partition key routes to
func (s *Store) ReleasePartition(key string, scope Scope) {
	s.slots[s.Index(key, scope)].mu.Unlock()
}

// ReleaseIndex unlocks the partition at shard index idx
func (s *Store) ReleaseIndex(idx int) error {
	if idx < 0 || idx >= s.numPartitions {
		return fmt.Errorf("release partition %d of %d: %w", idx, s.numPartitions, ErrPartitionOutOfRange)
	}
	s.slots[idx].mu.Unlock()
	return nil
}

func (s *Store) owns(p *partition.Partition) error {
	if p == nil || p.ID < 0 || p.ID >= s.numPartitions || s.slots[p.ID].p != p {
		return ErrForeignPartition
	}
	return nil
}

// AcquireRandomPartition scans the shards in circular order from a random
// start and returns the first one, still locked, that has live keys
// (wantValid) or tombstones (!wantValid). The caller must release it.
// Returns false after a full scan without a match.
func (s *Store) AcquireRandomPartition(wantValid bool) (*partition.Partition, int, bool) {
	start := rand.IntN(s.numPartitions)
	for i := 0; i < s.numPartitions; i++ {
		idx := (start + i) % s.numPartitions
		sl := s.slots[idx]
		sl.mu.Lock()
		if (wantValid && sl.p.HasValidKeys()) || (!wantValid && sl.p.HasDeletedKeys()) {
			s.metrics.acquired(modeRandom)
			return sl.p, idx, true
		}
		sl.mu.Unlock()
	}
	return nil, 0, false
}

// KeySet returns the live and tombstoned keys of one scope, or of the whole
// store when scope is unscoped. The whole-store view locks one shard at a
// time and is not an atomic snapshot.
func (s *Store) KeySet(scope Scope) (valid, deleted []string) {
	if scope.Scoped() {
		idx := HashIndex("", scope, s.numPartitions)
		s.logger.Debug("scoped key set",
			zap.String("scope", scope.String()),
			zap.Int("partition", idx))
		return s.drain(idx, valid, deleted)
	}

	for idx := range s.slots {
		valid, deleted = s.drain(idx, valid, deleted)
	}
	return valid, deleted
}

func (s *Store) drain(idx int, valid, deleted []string) ([]string, []string) {
	sl := s.slots[idx]
	sl.mu.Lock()
	defer sl.mu.Unlock()
	valid = append(valid, sl.p.ValidKeys()...)
	deleted = append(deleted, sl.p.DeletedKeys()...)
	return valid, deleted
}

// GetPartitions returns every partition with its index, without locking.
// It is meant to feed MergePartitions on another store.
func (s *Store) GetPartitions() []IndexedPartition {
	parts := make([]IndexedPartition, s.numPartitions)
	for i, sl := range s.slots {
		parts[i] = IndexedPartition{Index: i, Partition: sl.p}
	}
	return parts
}

// MergePartitions merges parts[i] into shard i for every shard in order,
// holding only that shard's lock for each step.
//
// parts must be in shard order, as returned by GetPartitions: entry i must
// carry Index i and a partition with ID i. The whole slice is checked
// before anything is merged, so a rejected merge leaves the store
// untouched.
//
// Returns:
//   - ErrPartitionCountMismatch if len(parts) differs from the shard count
//   - ErrPartitionMisaligned if any entry is out of shard order
func (s *Store) MergePartitions(parts []IndexedPartition) error {
	if len(parts) != s.numPartitions {
		return fmt.Errorf("merge %d partitions into %d: %w", len(parts), s.numPartitions, ErrPartitionCountMismatch)
	}
	for idx, part := range parts {
		if part.Index != idx || part.Partition == nil || part.Partition.ID != idx {
			return fmt.Errorf("merge entry %d: %w", idx, ErrPartitionMisaligned)
		}
	}

	for idx, sl := range s.slots {
		sl.mu.Lock()
		sl.p.Merge(parts[idx].Partition)
		sl.mu.Unlock()
	}

	if s.metrics != nil {
		s.metrics.merges.Inc()
	}
	s.logger.Debug("partitions merged", zap.Int("partitions", s.numPartitions))
	return nil
}

// MergeFrom merges every partition of other into s
func (s *Store) MergeFrom(other *Store) error {
	if other == s {
		return ErrSelfMerge
	}
	return s.MergePartitions(other.GetPartitions())
}

// Len returns the number of live keys across all shards. Each shard is
// counted under its own lock, so the total is approximate under concurrent
// writes.
func (s *Store) Len() int {
	total := 0
	for _, sl := range s.slots {
		sl.mu.Lock()
		total += sl.p.Len()
		sl.mu.Unlock()
	}
	return total
}
