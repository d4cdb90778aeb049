// Licensed under the MIT License. See LICENSE file in the project root for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lazybeaver/xorshift"

	"github.com/kianostad/epochgc/internal/core"
	"github.com/kianostad/epochgc/internal/storage"
	"github.com/kianostad/epochgc/internal/storage/index"
)

const preloadBatch = 256

// bench holds one preloaded table and the row ids of its keys.
type bench struct {
	engine *core.Engine
	db     storage.OID
	table  storage.OID
	byKey  storage.OID
	ids    []*storage.Indirection
	seed   atomic.Uint64
}

type result struct {
	duration  time.Duration
	commits   uint64
	reads     uint64
	conflicts uint64
}

func newBench(ctx context.Context, engine *core.Engine, keys int) (*bench, error) {
	b := &bench{engine: engine, db: engine.CreateDatabase("bench")}
	var err error
	if b.table, err = engine.CreateTable(b.db, "kv", storage.TableOptions{}); err != nil {
		return nil, err
	}
	b.byKey, err = engine.CreateIndex(b.db, b.table, core.IndexOptions{
		Kind:   core.Hash,
		Key:    index.PrefixKey('='),
		Unique: true,
	})
	if err != nil {
		return nil, err
	}

	b.ids = make([]*storage.Indirection, keys)
	for start := 0; start < keys; start += preloadBatch {
		end := min(start+preloadBatch, keys)
		err := engine.Update(ctx, func(tx *core.Txn) error {
			for i := start; i < end; i++ {
				id, err := tx.Insert(b.db, b.table, tuple(i, 0))
				if err != nil {
					return err
				}
				b.ids[i] = id
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}

func tuple(key int, version uint64) []byte {
	return fmt.Appendf(nil, "key%08d=value-%d", key, version)
}

// run starts n workers that each perform ops operations. readPct of them
// are point reads; the rest update a random row.
func (b *bench) run(ctx context.Context, n, ops, readPct int) result {
	var res result
	var wg sync.WaitGroup
	start := time.Now()
	for range n {
		// xorshift rejects a zero seed.
		rng := xorshift.NewXorShift64Star(b.seed.Add(0x9e3779b97f4a7c15))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < ops && ctx.Err() == nil; j++ {
				r := rng.Next()
				key := int(r % uint64(len(b.ids)))
				if int((r>>32)%100) < readPct {
					b.read(ctx, key, &res)
					continue
				}
				b.update(ctx, key, r, &res)
			}
		}()
	}
	wg.Wait()
	res.duration = time.Since(start)
	return res
}

func (b *bench) read(ctx context.Context, key int, res *result) {
	err := b.engine.View(ctx, func(tx *core.Txn) error {
		_, err := tx.Read(b.ids[key])
		return err
	})
	if err == nil {
		atomic.AddUint64(&res.reads, 1)
	}
}

func (b *bench) update(ctx context.Context, key int, version uint64, res *result) {
	err := b.engine.Update(ctx, func(tx *core.Txn) error {
		return tx.Update(b.ids[key], tuple(key, version))
	})
	switch {
	case err == nil:
		atomic.AddUint64(&res.commits, 1)
	case errors.Is(err, core.ErrWriteConflict):
		atomic.AddUint64(&res.conflicts, 1)
	}
}

func (b *bench) report(w io.Writer, n int, res result) {
	secs := res.duration.Seconds()
	fmt.Fprintf(w, "   %2d goroutines: %d updates, %d reads in %v (%.0f ops/sec), %d conflicts, %d released\n",
		n, res.commits, res.reads, res.duration.Round(time.Millisecond),
		float64(res.commits+res.reads)/secs, res.conflicts, b.engine.Pool().Released())
}

// pinned holds a snapshot open while writers churn, then releases it and
// waits for the collector to catch up.
func (b *bench) pinned(ctx context.Context, w io.Writer, n, ops int) error {
	reader, err := b.engine.Begin(ctx)
	if err != nil {
		return err
	}
	before := b.engine.Pool().Released()
	res := b.run(ctx, n, ops, 0)
	held := b.engine.Pool().Released() - before
	fmt.Fprintf(w, "   while pinned: %d updates, %d released, %d pending, varlen %d bytes\n",
		res.commits, held, b.engine.GC().Pending(), b.engine.Storage().Varlen().Bytes())

	if _, err := reader.Read(b.ids[0]); err != nil {
		return err
	}
	if err := reader.Abort(); err != nil {
		return err
	}

	start := time.Now()
	target := before + res.commits
	for b.engine.Pool().Released() < target && time.Since(start) < 10*time.Second {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	fmt.Fprintf(w, "   after release: %d released in %v, varlen %d bytes\n",
		b.engine.Pool().Released()-before, time.Since(start).Round(time.Millisecond),
		b.engine.Storage().Varlen().Bytes())
	return nil
}

func (b *bench) summary(w io.Writer) {
	s := b.engine.Stats()
	fmt.Fprintln(w, "\nCollector")
	fmt.Fprintf(w, "   epochs advanced:   %d (%d leaves removed)\n", s.Epochs.Advanced, s.Epochs.LeavesRemoved)
	fmt.Fprintf(w, "   txns unlinked:     %d (%d versions)\n", s.Collector.TxnsUnlinked, s.Collector.VersionsUnlinked)
	fmt.Fprintf(w, "   txns reclaimed:    %d (%d tuples)\n", s.Collector.TxnsReclaimed, s.Collector.TuplesReset)
	fmt.Fprintf(w, "   slots recycled:    %d, reused %d, free now %d\n",
		s.Collector.SlotsRecycled, s.Collector.SlotsReused, b.engine.GC().RecycledSlots(b.table))
	fmt.Fprintf(w, "   index entries:     %d deleted\n", s.Collector.IndexEntriesDeleted)
	fmt.Fprintf(w, "   backoffs:          %d\n", s.Collector.Backoffs)
	fmt.Fprintf(w, "   unlink latency:    p50 %v p99 %v\n", s.Latency.Unlink.P50, s.Latency.Unlink.P99)
}
