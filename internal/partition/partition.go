package partition

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"golang.org/x/exp/slices"
)

// ErrUnknownKey is returned by Expired when the key was never set or deleted
// in this partition
var ErrUnknownKey = errors.New("unknown key")

// Entry is the expected state of a live key
type Entry struct {
	Value     []byte    // Last value written
	ExpiresAt time.Time // Absolute deadline, zero means no expiry
	Flag      uint32    // Opaque client flags
}

// expiredAt reports whether the entry's deadline has passed at now
func (e Entry) expiredAt(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && e.ExpiresAt.Before(now)
}

// Option configures a Partition
type Option func(*Partition)

// WithClock replaces time.Now as the partition's clock
func WithClock(now func() time.Time) Option {
	return func(p *Partition) {
		if now != nil {
			p.now = now
		}
	}
}

// WithExpireHook registers fn to be called with every key that lazily expires.
// fn runs while the caller holds the partition's lock and must not block.
func WithExpireHook(fn func(key string)) Option {
	return func(p *Partition) {
		p.onExpire = fn
	}
}

// Partition holds the expected state of one shard of the key space.
//
// A Partition does no locking of its own. The owning store hands it out
// only to the goroutine holding the shard's lock, and every method must be
// called under that lock.
type Partition struct {
	ID int // Shard identifier, fixed for the partition's lifetime

	valid       map[string]Entry     // Live keys
	deleted     map[string][]byte    // Tombstones with their last value
	timestamp   map[string]time.Time // Last mutation per key
	expiredKeys []string             // Keys observed expiring, in order

	now      func() time.Time
	onExpire func(key string)
}

// New creates an empty partition for shard id.
//
// The id is the partition's index in its store and never changes. Two
// partitions are Equal when their ids match, whatever their contents.
//
// Options:
//   - WithClock: replaces time.Now for TTL deadlines and timestamps
//   - WithExpireHook: observes every lazy expiration
//
// Example:
//
//	p := partition.New(3, partition.WithClock(clock.Now))
//	p.Set("user123", []byte("v"), time.Minute, 0)
func New(id int, opts ...Option) *Partition {
	p := &Partition{
		ID:        id,
		valid:     make(map[string]Entry),
		deleted:   make(map[string][]byte),
		timestamp: make(map[string]time.Time),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Set stores value under key, clearing any tombstone or expiry record.
// A zero ttl means the key never expires.
func (p *Partition) Set(key string, value []byte, ttl time.Duration, flag uint32) {
	delete(p.deleted, key)
	p.dropExpired(key)

	now := p.now()
	var expiresAt time.Time
	if ttl != 0 {
		expiresAt = now.Add(ttl)
	}
	p.valid[key] = Entry{
		Value:     value,
		ExpiresAt: expiresAt,
		Flag:      flag,
	}
	p.timestamp[key] = now
}

// Delete tombstones a live key. Keys that are not live are ignored.
func (p *Partition) Delete(key string) {
	entry, ok := p.valid[key]
	if !ok {
		return
	}
	p.deleted[key] = entry.Value
	p.timestamp[key] = p.now()
	delete(p.valid, key)
}

// Timestamp returns the time of the last set, delete or expiry of key
func (p *Partition) Timestamp(key string) (time.Time, bool) {
	ts, ok := p.timestamp[key]
	return ts, ok
}

// Entry returns the live entry for key without checking its deadline
func (p *Partition) Entry(key string) (Entry, bool) {
	entry, ok := p.valid[key]
	return entry, ok
}

// Valid returns the value of a live key
func (p *Partition) Valid(key string) ([]byte, bool) {
	p.expire(key)
	entry, ok := p.valid[key]
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// Deleted returns the last value of a tombstoned or expired key
func (p *Partition) Deleted(key string) ([]byte, bool) {
	p.expire(key)
	value, ok := p.deleted[key]
	return value, ok
}

// Flag returns the client flags of a live key
func (p *Partition) Flag(key string) (uint32, bool) {
	p.expire(key)
	entry, ok := p.valid[key]
	if !ok {
		return 0, false
	}
	return entry.Flag, true
}

// ValidKeys returns the live keys after expiring every overdue one
func (p *Partition) ValidKeys() []string {
	p.sweep()
	return keysOf(p.valid)
}

// DeletedKeys returns the tombstoned keys after expiring every overdue one
func (p *Partition) DeletedKeys() []string {
	p.sweep()
	return keysOf(p.deleted)
}

// ExpiredKeys returns the expiry log after expiring every overdue one
func (p *Partition) ExpiredKeys() []string {
	p.sweep()
	return slices.Clone(p.expiredKeys)
}

// RandomValidKey picks a live key uniformly at random
func (p *Partition) RandomValidKey() (string, bool) {
	return pick(p.ValidKeys())
}

// RandomDeletedKey picks a tombstoned key uniformly at random.
// Unlike RandomValidKey it does not sweep first.
func (p *Partition) RandomDeletedKey() (string, bool) {
	return pick(keysOf(p.deleted))
}

// HasValidKeys reports whether any key is live, without sweeping
func (p *Partition) HasValidKeys() bool {
	return len(p.valid) > 0
}

// HasDeletedKeys reports whether any key is tombstoned, without sweeping
func (p *Partition) HasDeletedKeys() bool {
	return len(p.deleted) > 0
}

// Expired reports whether key has been observed expiring.
// Returns ErrUnknownKey if key is neither live nor tombstoned.
func (p *Partition) Expired(key string) (bool, error) {
	_, live := p.valid[key]
	_, dead := p.deleted[key]
	if !live && !dead {
		return false, fmt.Errorf("partition %d: %q: %w", p.ID, key, ErrUnknownKey)
	}
	p.expire(key)
	return slices.Contains(p.expiredKeys, key), nil
}

// Merge folds other, which must describe the same shard, into p.
//
// Merge rules:
//   - Live entries of other overwrite p's, deadline and flag included
//   - Those keys lose any tombstone or expiry record p held for them
//   - other's tombstones and expiry log are not copied
//   - Timestamps are copied unconditionally, so the last merge wins even
//     if it carries an older time
//
// other is only read. Merging does not sweep either side, so an overdue
// entry of other arrives live and expires on its next read in p.
func (p *Partition) Merge(other *Partition) {
	for key, entry := range other.valid {
		p.valid[key] = entry
		delete(p.deleted, key)
		p.dropExpired(key)
	}
	for key, ts := range other.timestamp {
		p.timestamp[key] = ts
	}
}

// Len returns the number of live keys after expiring every overdue one
func (p *Partition) Len() int {
	p.sweep()
	return len(p.valid)
}

// Equal reports whether p and other address the same shard
func (p *Partition) Equal(other *Partition) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.ID == other.ID
}

// expire moves key to the tombstones if its deadline has passed
func (p *Partition) expire(key string) {
	p.expireAt(key, p.now())
}

func (p *Partition) expireAt(key string, now time.Time) {
	entry, ok := p.valid[key]
	if !ok || !entry.expiredAt(now) {
		return
	}
	p.deleted[key] = entry.Value
	p.expiredKeys = append(p.expiredKeys, key)
	p.timestamp[key] = now
	delete(p.valid, key)
	if p.onExpire != nil {
		p.onExpire(key)
	}
}

// sweep expires every overdue key from a snapshot of the live key set
func (p *Partition) sweep() {
	now := p.now()
	for _, key := range keysOf(p.valid) {
		p.expireAt(key, now)
	}
}

// dropExpired removes every occurrence of key from the expiry log
func (p *Partition) dropExpired(key string) {
	p.expiredKeys = slices.DeleteFunc(p.expiredKeys, func(k string) bool {
		return k == key
	})
}

func keysOf[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	return keys
}

func pick(keys []string) (string, bool) {
	if len(keys) == 0 {
		return "", false
	}
	return keys[rand.IntN(len(keys))], true
}
