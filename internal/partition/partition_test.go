package partition

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock for deterministic expiry tests
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// TestNew tests partition creation
func TestNew(t *testing.T) {
	tests := []struct {
		name string
		id   int
	}{
		{name: "first partition", id: 0},
		{name: "middle partition", id: 17},
		{name: "large partition id", id: 999999},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.id)
			if p == nil {
				t.Fatal("Expected partition instance, got nil")
			}
			if p.ID != tt.id {
				t.Errorf("Expected partition ID %d, got %d", tt.id, p.ID)
			}
			if p.Len() != 0 {
				t.Errorf("Expected empty partition, got %d keys", p.Len())
			}
			if p.HasValidKeys() || p.HasDeletedKeys() {
				t.Error("New partition should have no keys")
			}
		})
	}
}

// TestSetAndGet tests writing and reading live keys
func TestSetAndGet(t *testing.T) {
	t.Run("value without ttl never expires", func(t *testing.T) {
		clock := newFakeClock()
		p := New(0, WithClock(clock.Now))

		p.Set("k", []byte("v"), 0, 7)
		clock.Advance(24 * 365 * time.Hour)

		value, ok := p.Valid("k")
		require.True(t, ok)
		assert.Equal(t, []byte("v"), value)

		flag, ok := p.Flag("k")
		require.True(t, ok)
		assert.Equal(t, uint32(7), flag)
	})

	t.Run("overwrite replaces value and flag", func(t *testing.T) {
		p := New(0)
		p.Set("k", []byte("v1"), 0, 1)
		p.Set("k", []byte("v2"), 0, 2)

		value, _ := p.Valid("k")
		if !bytes.Equal(value, []byte("v2")) {
			t.Errorf("Expected 'v2', got %s", string(value))
		}
		flag, _ := p.Flag("k")
		assert.Equal(t, uint32(2), flag)
	})

	t.Run("missing key is absent", func(t *testing.T) {
		p := New(0)

		_, ok := p.Valid("nope")
		assert.False(t, ok)
		_, ok = p.Deleted("nope")
		assert.False(t, ok)
		_, ok = p.Flag("nope")
		assert.False(t, ok)
		_, ok = p.Entry("nope")
		assert.False(t, ok)
	})

	t.Run("set records the absolute deadline", func(t *testing.T) {
		clock := newFakeClock()
		p := New(0, WithClock(clock.Now))

		p.Set("k", []byte("v"), 5*time.Second, 0)

		entry, ok := p.Entry("k")
		require.True(t, ok)
		assert.Equal(t, clock.Now().Add(5*time.Second), entry.ExpiresAt)

		p.Set("k", []byte("v"), 0, 0)
		entry, _ = p.Entry("k")
		assert.True(t, entry.ExpiresAt.IsZero())
	})
}

// TestDelete tests tombstoning
func TestDelete(t *testing.T) {
	t.Run("delete moves value to tombstones", func(t *testing.T) {
		p := New(0)
		p.Set("k", []byte("v"), 0, 0)
		p.Delete("k")

		_, ok := p.Valid("k")
		assert.False(t, ok)

		value, ok := p.Deleted("k")
		require.True(t, ok)
		assert.Equal(t, []byte("v"), value)
		assert.Equal(t, []string{"k"}, p.DeletedKeys())
		assert.Empty(t, p.ValidKeys())
	})

	t.Run("delete of unknown key is a no-op", func(t *testing.T) {
		p := New(0)
		p.Delete("ghost")

		assert.False(t, p.HasDeletedKeys())
		_, ok := p.Timestamp("ghost")
		assert.False(t, ok)
	})

	t.Run("deleting twice keeps the first tombstone", func(t *testing.T) {
		p := New(0)
		p.Set("k", []byte("v"), 0, 0)
		p.Delete("k")
		p.Delete("k")

		assert.Len(t, p.DeletedKeys(), 1)
	})

	t.Run("set after delete restores the key", func(t *testing.T) {
		p := New(0)
		p.Set("k", []byte("v1"), 0, 0)
		p.Delete("k")
		p.Set("k", []byte("v2"), 0, 0)

		value, ok := p.Valid("k")
		require.True(t, ok)
		assert.Equal(t, []byte("v2"), value)
		_, ok = p.Deleted("k")
		assert.False(t, ok)
	})
}

// TestTimestamp tests mutation time tracking
func TestTimestamp(t *testing.T) {
	clock := newFakeClock()
	p := New(0, WithClock(clock.Now))

	p.Set("k", []byte("v"), 2*time.Second, 0)
	setAt, ok := p.Timestamp("k")
	require.True(t, ok)
	assert.Equal(t, clock.Now(), setAt)

	clock.Advance(time.Second)
	p.Set("other", []byte("v"), 0, 0)
	p.Delete("other")
	deletedAt, _ := p.Timestamp("other")
	assert.Equal(t, clock.Now(), deletedAt)

	clock.Advance(5 * time.Second)
	_, ok = p.Valid("k")
	require.False(t, ok)
	expiredAt, _ := p.Timestamp("k")
	assert.True(t, expiredAt.After(setAt), "expiry should advance the timestamp")
}

// TestLazyExpiration tests that deadlines are enforced on observation
func TestLazyExpiration(t *testing.T) {
	t.Run("key is live before its deadline", func(t *testing.T) {
		clock := newFakeClock()
		p := New(0, WithClock(clock.Now))
		p.Set("k", []byte("v"), 10*time.Second, 0)

		clock.Advance(9 * time.Second)
		value, ok := p.Valid("k")
		require.True(t, ok)
		assert.Equal(t, []byte("v"), value)
	})

	t.Run("key at exactly its deadline is still live", func(t *testing.T) {
		clock := newFakeClock()
		p := New(0, WithClock(clock.Now))
		p.Set("k", []byte("v"), 10*time.Second, 0)

		clock.Advance(10 * time.Second)
		_, ok := p.Valid("k")
		assert.True(t, ok)
	})

	t.Run("overdue key moves to tombstones on read", func(t *testing.T) {
		clock := newFakeClock()
		p := New(0, WithClock(clock.Now))
		p.Set("k", []byte("v"), time.Second, 0)
		clock.Advance(2 * time.Second)

		// Nothing happens until the key is observed
		entry, ok := p.Entry("k")
		require.True(t, ok)
		assert.Equal(t, []byte("v"), entry.Value)

		_, ok = p.Valid("k")
		assert.False(t, ok)
		value, ok := p.Deleted("k")
		require.True(t, ok)
		assert.Equal(t, []byte("v"), value)
		assert.Equal(t, []string{"k"}, p.ExpiredKeys())
	})

	t.Run("flag read triggers expiry", func(t *testing.T) {
		clock := newFakeClock()
		p := New(0, WithClock(clock.Now))
		p.Set("k", []byte("v"), time.Second, 3)
		clock.Advance(2 * time.Second)

		_, ok := p.Flag("k")
		assert.False(t, ok)
		assert.True(t, p.HasDeletedKeys())
	})

	t.Run("enumeration sweeps every overdue key", func(t *testing.T) {
		clock := newFakeClock()
		p := New(0, WithClock(clock.Now))
		p.Set("short1", []byte("a"), time.Second, 0)
		p.Set("short2", []byte("b"), time.Second, 0)
		p.Set("long", []byte("c"), time.Hour, 0)
		p.Set("forever", []byte("d"), 0, 0)
		clock.Advance(time.Minute)

		assert.ElementsMatch(t, []string{"long", "forever"}, p.ValidKeys())
		assert.ElementsMatch(t, []string{"short1", "short2"}, p.DeletedKeys())
		assert.ElementsMatch(t, []string{"short1", "short2"}, p.ExpiredKeys())
		assert.Equal(t, 2, p.Len())
	})

	t.Run("expiry hook fires once per key", func(t *testing.T) {
		clock := newFakeClock()
		var expired []string
		p := New(0, WithClock(clock.Now), WithExpireHook(func(key string) {
			expired = append(expired, key)
		}))
		p.Set("k", []byte("v"), time.Second, 0)
		clock.Advance(2 * time.Second)

		p.Len()
		p.Len()
		assert.Equal(t, []string{"k"}, expired)
	})

	t.Run("set clears the expiry log", func(t *testing.T) {
		clock := newFakeClock()
		p := New(0, WithClock(clock.Now))
		p.Set("k", []byte("v"), time.Second, 0)
		clock.Advance(2 * time.Second)
		require.Equal(t, []string{"k"}, p.ExpiredKeys())

		p.Set("k", []byte("v2"), 0, 0)
		assert.Empty(t, p.ExpiredKeys())
		assert.Empty(t, p.DeletedKeys())
		assert.Equal(t, []string{"k"}, p.ValidKeys())
	})
}

// TestExpired tests the expiry status query
func TestExpired(t *testing.T) {
	clock := newFakeClock()
	p := New(3, WithClock(clock.Now))
	p.Set("ttl", []byte("v"), time.Second, 0)
	p.Set("plain", []byte("v"), 0, 0)
	p.Set("gone", []byte("v"), 0, 0)
	p.Delete("gone")

	tests := []struct {
		name    string
		key     string
		advance time.Duration
		want    bool
		wantErr error
	}{
		{name: "live ttl key", key: "ttl", want: false},
		{name: "live plain key", key: "plain", want: false},
		{name: "explicitly deleted key", key: "gone", want: false},
		{name: "unknown key", key: "never", wantErr: ErrUnknownKey},
		{name: "overdue key", key: "ttl", advance: 2 * time.Second, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock.Advance(tt.advance)
			got, err := p.Expired(tt.key)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestRandomKeys tests uniform key sampling
func TestRandomKeys(t *testing.T) {
	t.Run("empty partition yields nothing", func(t *testing.T) {
		p := New(0)
		_, ok := p.RandomValidKey()
		assert.False(t, ok)
		_, ok = p.RandomDeletedKey()
		assert.False(t, ok)
	})

	t.Run("samples come from the right set", func(t *testing.T) {
		p := New(0)
		p.Set("a", nil, 0, 0)
		p.Set("b", nil, 0, 0)
		p.Set("c", nil, 0, 0)
		p.Delete("c")

		seen := make(map[string]bool)
		for i := 0; i < 200; i++ {
			key, ok := p.RandomValidKey()
			require.True(t, ok)
			require.Contains(t, []string{"a", "b"}, key)
			seen[key] = true
		}
		assert.Len(t, seen, 2, "both live keys should be sampled")

		key, ok := p.RandomDeletedKey()
		require.True(t, ok)
		assert.Equal(t, "c", key)
	})

	t.Run("random valid key skips overdue keys", func(t *testing.T) {
		clock := newFakeClock()
		p := New(0, WithClock(clock.Now))
		p.Set("old", nil, time.Second, 0)
		clock.Advance(2 * time.Second)

		_, ok := p.RandomValidKey()
		assert.False(t, ok)
		key, ok := p.RandomDeletedKey()
		require.True(t, ok)
		assert.Equal(t, "old", key)
	})
}

// TestMerge tests folding a same-shard partition into another
func TestMerge(t *testing.T) {
	t.Run("disjoint live keys are unioned", func(t *testing.T) {
		a := New(1)
		b := New(1)
		a.Set("x", []byte("1"), 0, 0)
		b.Set("y", []byte("2"), 0, 0)

		a.Merge(b)

		assert.ElementsMatch(t, []string{"x", "y"}, a.ValidKeys())
		x, _ := a.Valid("x")
		y, _ := a.Valid("y")
		assert.Equal(t, []byte("1"), x)
		assert.Equal(t, []byte("2"), y)
		assert.Equal(t, []string{"y"}, b.ValidKeys(), "source must be untouched")
	})

	t.Run("live key overrides tombstone", func(t *testing.T) {
		a := New(1)
		b := New(1)
		a.Set("z", []byte("old"), 0, 0)
		a.Delete("z")
		b.Set("z", []byte("9"), 0, 0)

		a.Merge(b)

		value, ok := a.Valid("z")
		require.True(t, ok)
		assert.Equal(t, []byte("9"), value)
		_, ok = a.Deleted("z")
		assert.False(t, ok)
	})

	t.Run("live key clears expiry record", func(t *testing.T) {
		clock := newFakeClock()
		a := New(1, WithClock(clock.Now))
		b := New(1, WithClock(clock.Now))
		a.Set("e", []byte("v"), time.Second, 0)
		clock.Advance(2 * time.Second)
		require.Equal(t, []string{"e"}, a.ExpiredKeys())

		b.Set("e", []byte("fresh"), 0, 0)
		a.Merge(b)

		assert.Empty(t, a.ExpiredKeys())
		assert.Empty(t, a.DeletedKeys())
	})

	t.Run("tombstones of the source are not copied", func(t *testing.T) {
		a := New(1)
		b := New(1)
		b.Set("d", []byte("v"), 0, 0)
		b.Delete("d")

		a.Merge(b)

		assert.False(t, a.HasDeletedKeys())
		_, ok := a.Timestamp("d")
		assert.True(t, ok, "timestamps are copied for every key")
	})

	t.Run("last merge wins for timestamps", func(t *testing.T) {
		clock := newFakeClock()
		older := New(1, WithClock(clock.Now))
		older.Set("k", []byte("old"), 0, 0)
		clock.Advance(time.Hour)
		a := New(1, WithClock(clock.Now))
		a.Set("k", []byte("new"), 0, 0)

		a.Merge(older)

		ts, _ := a.Timestamp("k")
		assert.Equal(t, clock.Now().Add(-time.Hour), ts)
		value, _ := a.Valid("k")
		assert.Equal(t, []byte("old"), value)
	})
}

// TestEqual tests identity by shard id
func TestEqual(t *testing.T) {
	a := New(4)
	a.Set("k", nil, 0, 0)

	assert.True(t, a.Equal(New(4)))
	assert.False(t, a.Equal(New(5)))
	assert.False(t, a.Equal(nil))

	var nilPartition *Partition
	assert.True(t, nilPartition.Equal(nil))
}

// TestEndToEndExpiry runs the one-second TTL scenario against the real clock
func TestEndToEndExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping real-time expiry test in short mode")
	}

	p := New(0)
	p.Set("k1", []byte("v1"), 0, 0)
	p.Set("k2", []byte("v2"), time.Second, 0)
	time.Sleep(1100 * time.Millisecond)

	assert.ElementsMatch(t, []string{"k1"}, p.ValidKeys())
	assert.ElementsMatch(t, []string{"k2"}, p.DeletedKeys())
}
