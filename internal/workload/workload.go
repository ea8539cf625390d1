// Package workload drives an oracle store from many goroutines at once,
// exercising every locking primitive the way a test suite mirroring a live
// server does.
package workload

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/kvoracle/internal/config"
	"github.com/dreamware/kvoracle/internal/storage"
)

// ErrInvariantViolated is returned when a key is both live and tombstoned
// after a run
var ErrInvariantViolated = errors.New("oracle invariant violated")

// Share of operations, after deletes, spent on reads and on multi-key writes
const (
	readShare  = 0.2
	batchShare = 0.15
)

// Report summarizes one run
type Report struct {
	Sets          int64 // Single-key writes
	Deletes       int64 // Single-key deletes
	RandomDeletes int64 // Deletes of a random live key via AcquireRandomPartition
	Gets          int64 // Reads, including misses
	Batches       int64 // Multi-key writes via AcquirePartitions
	Valid         int   // Live keys at the end of the run
	Deleted       int   // Tombstoned keys at the end of the run
	Len           int   // Store.Len at the end of the run
}

type counters struct {
	sets, deletes, randomDeletes, gets, batches atomic.Int64
}

// Run performs cfg.Operations random operations against store split over
// cfg.Workers goroutines, then checks that no key is both live and
// tombstoned. Cancelling ctx stops every worker before its next operation.
func Run(ctx context.Context, store *storage.Store, cfg config.WorkloadConfig, scope storage.Scope, logger *zap.Logger) (Report, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 || cfg.KeySpace <= 0 || cfg.BatchSize <= 0 {
		return Report{}, fmt.Errorf("workload: %w: workers, key_space and batch_size must be positive", config.ErrInvalidConfig)
	}

	var c counters
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < cfg.Workers; w++ {
		ops := cfg.Operations / cfg.Workers
		if w < cfg.Operations%cfg.Workers {
			ops++
		}
		wk := &worker{
			id:     w,
			store:  store,
			scope:  scope,
			cfg:    cfg,
			c:      &c,
			logger: logger,
		}
		g.Go(func() error {
			return wk.run(ctx, ops)
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	valid, deleted := store.KeySet(storage.Scope{})
	report := Report{
		Sets:          c.sets.Load(),
		Deletes:       c.deletes.Load(),
		RandomDeletes: c.randomDeletes.Load(),
		Gets:          c.gets.Load(),
		Batches:       c.batches.Load(),
		Valid:         len(valid),
		Deleted:       len(deleted),
		Len:           store.Len(),
	}
	if err := checkDisjoint(valid, deleted); err != nil {
		return report, err
	}

	logger.Info("workload finished",
		zap.Int64("sets", report.Sets),
		zap.Int64("deletes", report.Deletes+report.RandomDeletes),
		zap.Int64("gets", report.Gets),
		zap.Int64("batches", report.Batches),
		zap.Int("valid", report.Valid),
		zap.Int("deleted", report.Deleted))
	return report, nil
}

func checkDisjoint(valid, deleted []string) error {
	live := make(map[string]struct{}, len(valid))
	for _, key := range valid {
		live[key] = struct{}{}
	}
	for _, key := range deleted {
		if _, ok := live[key]; ok {
			return fmt.Errorf("%w: %q is both valid and deleted", ErrInvariantViolated, key)
		}
	}
	return nil
}

type worker struct {
	id     int
	store  *storage.Store
	scope  storage.Scope
	cfg    config.WorkloadConfig
	c      *counters
	logger *zap.Logger
}

func (w *worker) run(ctx context.Context, ops int) error {
	for i := 0; i < ops; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.step(i); err != nil {
			return err
		}
	}
	w.logger.Debug("worker done", zap.Int("worker", w.id), zap.Int("operations", ops))
	return nil
}

func (w *worker) step(i int) error {
	r := rand.Float64()
	del := w.cfg.DeleteRatio
	switch {
	case r < del/2:
		w.delete()
	case r < del:
		return w.deleteRandom()
	case r < del+readShare:
		w.get()
	case r < del+readShare+batchShare:
		return w.batch(i)
	default:
		w.set(i)
	}
	return nil
}

func (w *worker) key() string {
	return fmt.Sprintf("key-%d", rand.IntN(w.cfg.KeySpace))
}

func (w *worker) value(i int) []byte {
	return []byte(fmt.Sprintf("w%d-op%d", w.id, i))
}

func (w *worker) ttl() time.Duration {
	if w.cfg.TTL > 0 && rand.Float64() < w.cfg.TTLRatio {
		return w.cfg.TTL
	}
	return 0
}

func (w *worker) set(i int) {
	key := w.key()
	p := w.store.AcquirePartition(key, w.scope)
	p.Set(key, w.value(i), w.ttl(), uint32(w.id))
	w.store.ReleasePartition(key, w.scope)
	w.c.sets.Add(1)
}

func (w *worker) delete() {
	key := w.key()
	p := w.store.AcquirePartition(key, w.scope)
	p.Delete(key)
	w.store.ReleasePartition(key, w.scope)
	w.c.deletes.Add(1)
}

func (w *worker) deleteRandom() error {
	p, idx, ok := w.store.AcquireRandomPartition(true)
	if !ok {
		return nil
	}
	if key, ok := p.RandomValidKey(); ok {
		p.Delete(key)
		w.c.randomDeletes.Add(1)
	}
	return w.store.ReleaseIndex(idx)
}

func (w *worker) get() {
	key := w.key()
	p := w.store.AcquirePartition(key, w.scope)
	if _, ok := p.Valid(key); ok {
		p.Flag(key)
	} else {
		p.Deleted(key)
	}
	w.store.ReleasePartition(key, w.scope)
	w.c.gets.Add(1)
}

func (w *worker) batch(i int) error {
	keys := make([]string, w.cfg.BatchSize)
	for j := range keys {
		keys[j] = w.key()
	}

	groups := w.store.AcquirePartitions(keys, w.scope)
	for p, ks := range groups {
		for _, key := range ks {
			p.Set(key, w.value(i), w.ttl(), uint32(w.id))
		}
	}
	if err := w.store.ReleaseGroups(groups); err != nil {
		return fmt.Errorf("worker %d: %w", w.id, err)
	}
	w.c.batches.Add(1)
	return nil
}
