// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"github.com/kianostad/epochgc/internal/config"
	"github.com/kianostad/epochgc/internal/mock"
	"github.com/kianostad/epochgc/internal/storage"
	"github.com/kianostad/epochgc/internal/storage/index"
)

// fixture is a manually collected engine with one table and a unique
// prefix index on it.
type fixture struct {
	engine *Engine
	db     storage.OID
	table  storage.OID
	byKey  storage.OID
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.GC.GracePeriod = config.Duration(time.Nanosecond)
	return cfg
}

func newFixture(cfg config.Config, opts ...Option) *fixture {
	e, err := New(context.Background(), cfg, append([]Option{WithManualCollection()}, opts...)...)
	So(err, ShouldBeNil)

	f := &fixture{engine: e, db: e.CreateDatabase("app")}
	f.table, err = e.CreateTable(f.db, "kv", storage.TableOptions{SlotsPerGroup: 4})
	So(err, ShouldBeNil)
	f.byKey, err = e.CreateIndex(f.db, f.table, IndexOptions{Key: index.PrefixKey('='), Unique: true})
	So(err, ShouldBeNil)
	return f
}

func (f *fixture) insert(tuple string) *storage.Indirection {
	var id *storage.Indirection
	err := f.engine.Update(context.Background(), func(tx *Txn) error {
		var err error
		id, err = tx.Insert(f.db, f.table, []byte(tuple))
		return err
	})
	So(err, ShouldBeNil)
	return id
}

func (f *fixture) read(id *storage.Indirection) (string, error) {
	var out []byte
	err := f.engine.View(context.Background(), func(tx *Txn) error {
		var err error
		out, err = tx.Read(id)
		return err
	})
	return string(out), err
}

// collectUntil runs collection passes until cond holds.
func (f *fixture) collectUntil(cond func() bool) bool {
	for range 200 {
		if _, err := f.engine.Collect(context.Background()); err != nil {
			return false
		}
		if cond() {
			return true
		}
		time.Sleep(100 * time.Microsecond)
	}
	return false
}

func (f *fixture) recycled() int {
	return f.engine.GC().RecycledSlots(f.table)
}

func TestEngineReadWrite(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given an engine with one row", t, func() {
		f := newFixture(testConfig())
		Reset(f.engine.Close)
		ctx := context.Background()
		id := f.insert("a=1")

		Convey("Other transactions read it", func() {
			v, err := f.read(id)
			So(err, ShouldBeNil)
			So(v, ShouldEqual, "a=1")
			So(f.engine.LastCommit(), ShouldEqual, storage.CID(1))
		})

		Convey("It is found through the index", func() {
			err := f.engine.View(ctx, func(tx *Txn) error {
				rows, err := tx.Lookup(f.db, f.table, f.byKey, []byte("a"))
				So(rows, ShouldHaveLength, 1)
				So(rows[0].ID, ShouldEqual, id)
				So(string(rows[0].Tuple), ShouldEqual, "a=1")
				return err
			})
			So(err, ShouldBeNil)
		})

		Convey("A transaction sees its own writes first", func() {
			tx, err := f.engine.Begin(ctx)
			So(err, ShouldBeNil)
			So(tx.Update(id, []byte("a=2")), ShouldBeNil)
			So(tx.Update(id, []byte("a=3")), ShouldBeNil)
			v, err := tx.Read(id)
			So(err, ShouldBeNil)
			So(string(v), ShouldEqual, "a=3")

			other, _ := f.engine.Begin(ctx)
			v, err = other.Read(id)
			So(string(v), ShouldEqual, "a=1")
			So(other.Abort(), ShouldBeNil)

			So(tx.Delete(id), ShouldBeNil)
			_, err = tx.Read(id)
			So(err, ShouldEqual, ErrNotFound)
			So(tx.Update(id, []byte("a=4")), ShouldEqual, ErrNotFound)
			So(tx.Commit(), ShouldBeNil)

			_, err = f.read(id)
			So(err, ShouldEqual, ErrNotFound)
		})

		Convey("A finished transaction refuses every operation", func() {
			tx, _ := f.engine.Begin(ctx)
			So(tx.Commit(), ShouldBeNil)
			So(tx.Commit(), ShouldEqual, ErrTxnClosed)
			So(tx.Abort(), ShouldEqual, ErrTxnClosed)
			_, err := tx.Read(id)
			So(err, ShouldEqual, ErrTxnClosed)
			_, err = tx.Insert(f.db, f.table, []byte("b=1"))
			So(err, ShouldEqual, ErrTxnClosed)
			So(tx.ID(), ShouldEqual, storage.TxnID(0))
		})

		Convey("Unknown tables are reported", func() {
			err := f.engine.Update(ctx, func(tx *Txn) error {
				_, err := tx.Insert(f.db, 999, []byte("x"))
				return err
			})
			So(errors.Is(err, storage.ErrTableNotFound), ShouldBeTrue)
		})
	})
}

func TestEngineSnapshotIsolation(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a reader that started before an update", t, func() {
		f := newFixture(testConfig())
		Reset(f.engine.Close)
		ctx := context.Background()
		id := f.insert("a=1")

		reader, err := f.engine.Begin(ctx)
		So(err, ShouldBeNil)
		So(f.engine.Update(ctx, func(tx *Txn) error {
			return tx.Update(id, []byte("a=2"))
		}), ShouldBeNil)

		Convey("The reader keeps its snapshot", func() {
			v, err := reader.Read(id)
			So(err, ShouldBeNil)
			So(string(v), ShouldEqual, "a=1")
			So(reader.Abort(), ShouldBeNil)

			v2, err := f.read(id)
			So(err, ShouldBeNil)
			So(v2, ShouldEqual, "a=2")
		})

		Convey("The replaced version is not reclaimed while the reader runs", func() {
			for range 5 {
				_, err := f.engine.Collect(ctx)
				So(err, ShouldBeNil)
			}
			So(f.recycled(), ShouldEqual, 0)
			v, _ := reader.Read(id)
			So(string(v), ShouldEqual, "a=1")

			Convey("and is recycled once it finishes", func() {
				So(reader.Abort(), ShouldBeNil)
				So(f.collectUntil(func() bool { return f.recycled() == 1 }), ShouldBeTrue)
				So(f.engine.Versions().Chain(id), ShouldHaveLength, 1)
				So(f.engine.Pool().Released(), ShouldBeGreaterThanOrEqualTo, 1)
			})
		})

		Convey("Updating the row from the old snapshot conflicts", func() {
			So(reader.Update(id, []byte("a=3")), ShouldEqual, ErrWriteConflict)
			So(reader.Abort(), ShouldBeNil)
		})
	})
}

func TestEngineWriteConflicts(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given two writers on one row", t, func() {
		f := newFixture(testConfig())
		Reset(f.engine.Close)
		ctx := context.Background()
		id := f.insert("a=1")

		first, _ := f.engine.Begin(ctx)
		second, _ := f.engine.Begin(ctx)
		So(first.Update(id, []byte("a=2")), ShouldBeNil)

		Convey("The second writer loses", func() {
			So(second.Update(id, []byte("a=3")), ShouldEqual, ErrWriteConflict)
			So(second.Delete(id), ShouldEqual, ErrWriteConflict)
			So(second.Abort(), ShouldBeNil)
			So(first.Commit(), ShouldBeNil)
		})

		Convey("An abort releases the row", func() {
			So(first.Abort(), ShouldBeNil)
			So(second.Update(id, []byte("a=3")), ShouldBeNil)
			So(second.Commit(), ShouldBeNil)

			v, _ := f.read(id)
			So(v, ShouldEqual, "a=3")

			Convey("and the aborted version is reclaimed", func() {
				So(f.collectUntil(func() bool { return f.recycled() == 2 }), ShouldBeTrue)
				So(f.engine.Versions().Chain(id), ShouldHaveLength, 1)
			})
		})
	})
}

func TestEngineGarbageCollection(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a committed delete", t, func() {
		f := newFixture(testConfig())
		Reset(f.engine.Close)
		ctx := context.Background()
		id := f.insert("a=1")
		So(f.engine.Update(ctx, func(tx *Txn) error { return tx.Delete(id) }), ShouldBeNil)

		Convey("The row and its tombstone are both recycled", func() {
			So(f.collectUntil(func() bool { return f.recycled() == 2 }), ShouldBeTrue)
			So(f.engine.Versions().Len(), ShouldEqual, 0)

			Convey("and new rows reuse the slots", func() {
				f.insert("b=1")
				So(f.recycled(), ShouldEqual, 1)
			})
		})

		Convey("The key can be inserted again", func() {
			f.insert("a=2")
		})
	})

	Convey("Given an aborted insert", t, func() {
		f := newFixture(testConfig())
		Reset(f.engine.Close)
		ctx := context.Background()

		tx, _ := f.engine.Begin(ctx)
		_, err := tx.Insert(f.db, f.table, []byte("z=1"))
		So(err, ShouldBeNil)
		So(tx.Abort(), ShouldBeNil)

		Convey("Its index entry is removed during collection", func() {
			tbl, _ := f.engine.Storage().Table(f.db, f.table)
			idx, _ := tbl.Index(f.byKey)
			So(idx.ScanKey([]byte("z")), ShouldHaveLength, 1)

			So(f.collectUntil(func() bool { return f.recycled() == 1 }), ShouldBeTrue)
			So(idx.ScanKey([]byte("z")), ShouldBeEmpty)
		})
	})

	Convey("Given a row inserted and deleted by one transaction", t, func() {
		f := newFixture(testConfig())
		Reset(f.engine.Close)
		So(f.engine.Update(context.Background(), func(tx *Txn) error {
			id, err := tx.Insert(f.db, f.table, []byte("q=1"))
			if err != nil {
				return err
			}
			return tx.Delete(id)
		}), ShouldBeNil)

		Convey("Nothing of it survives collection", func() {
			So(f.collectUntil(func() bool { return f.recycled() == 1 }), ShouldBeTrue)
			tbl, _ := f.engine.Storage().Table(f.db, f.table)
			idx, _ := tbl.Index(f.byKey)
			So(idx.ScanKey([]byte("q")), ShouldBeEmpty)
		})
	})

	Convey("Collect is refused while the workers run", t, func() {
		e, err := New(context.Background(), testConfig())
		So(err, ShouldBeNil)
		Reset(e.Close)
		_, err = e.Collect(context.Background())
		So(err, ShouldEqual, ErrBackgroundGC)
	})
}

func TestEngineUniqueIndex(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a unique index", t, func() {
		f := newFixture(testConfig())
		Reset(f.engine.Close)
		ctx := context.Background()
		f.insert("a=1")

		Convey("A second committed row with the key is rejected", func() {
			err := f.engine.Update(ctx, func(tx *Txn) error {
				_, err := tx.Insert(f.db, f.table, []byte("a=2"))
				return err
			})
			So(errors.Is(err, ErrDuplicateKey), ShouldBeTrue)
		})

		Convey("Two inserts of a key in one transaction are rejected", func() {
			err := f.engine.Update(ctx, func(tx *Txn) error {
				if _, err := tx.Insert(f.db, f.table, []byte("b=1")); err != nil {
					return err
				}
				_, err := tx.Insert(f.db, f.table, []byte("b=2"))
				return err
			})
			So(errors.Is(err, ErrDuplicateKey), ShouldBeTrue)
		})

		Convey("Concurrent inserts of a key commit at most once", func() {
			t1, _ := f.engine.Begin(ctx)
			t2, _ := f.engine.Begin(ctx)
			_, err := t1.Insert(f.db, f.table, []byte("c=1"))
			So(err, ShouldBeNil)
			_, err = t2.Insert(f.db, f.table, []byte("c=2"))
			So(err, ShouldBeNil)
			So(t1.Commit(), ShouldBeNil)
			So(errors.Is(t2.Commit(), ErrDuplicateKey), ShouldBeTrue)
		})
	})
}

func TestEngineOrderedIndex(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given rows under an ordered index", t, func() {
		f := newFixture(testConfig())
		Reset(f.engine.Close)
		ctx := context.Background()
		for _, tuple := range []string{"d=4", "a=1", "c=3", "b=2"} {
			f.insert(tuple)
		}
		ordered, err := f.engine.CreateIndex(f.db, f.table, IndexOptions{Kind: Ordered, Key: index.PrefixKey('=')})
		So(err, ShouldBeNil)

		Convey("Range returns visible rows in key order", func() {
			var got []string
			err := f.engine.View(ctx, func(tx *Txn) error {
				return tx.Range(f.db, f.table, ordered, []byte("b"), []byte("d"), func(r Row) bool {
					got = append(got, string(r.Tuple))
					return true
				})
			})
			So(err, ShouldBeNil)
			So(got, ShouldResemble, []string{"b=2", "c=3"})
		})

		Convey("Range is refused on hash indexes", func() {
			err := f.engine.View(ctx, func(tx *Txn) error {
				return tx.Range(f.db, f.table, f.byKey, nil, nil, func(Row) bool { return true })
			})
			So(errors.Is(err, ErrNotOrdered), ShouldBeTrue)
		})

		Convey("Scan sees every row", func() {
			n := 0
			So(f.engine.View(ctx, func(tx *Txn) error {
				return tx.Scan(f.db, f.table, func(Row) bool { n++; return true })
			}), ShouldBeNil)
			So(n, ShouldEqual, 4)
		})
	})
}

func TestEngineDrops(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given a committed table drop", t, func() {
		f := newFixture(testConfig())
		Reset(f.engine.Close)
		ctx := context.Background()
		f.insert("a=1")
		So(f.engine.Update(ctx, func(tx *Txn) error { return tx.DropTable(f.db, f.table) }), ShouldBeNil)

		Convey("The table is gone for new transactions at once", func() {
			err := f.engine.Update(ctx, func(tx *Txn) error {
				_, err := tx.Insert(f.db, f.table, []byte("b=1"))
				return err
			})
			So(errors.Is(err, storage.ErrTableNotFound), ShouldBeTrue)
		})

		Convey("Its storage is released after collection", func() {
			So(f.collectUntil(func() bool {
				_, ok := f.engine.Storage().Table(f.db, f.table)
				return !ok
			}), ShouldBeTrue)
		})
	})

	Convey("Given an aborted index drop", t, func() {
		f := newFixture(testConfig())
		Reset(f.engine.Close)
		ctx := context.Background()
		tx, _ := f.engine.Begin(ctx)
		So(tx.DropIndex(f.db, f.table, f.byKey), ShouldBeNil)
		So(tx.Abort(), ShouldBeNil)

		Convey("The index stays", func() {
			f.collectUntil(func() bool { return false })
			tbl, _ := f.engine.Storage().Table(f.db, f.table)
			_, ok := tbl.Index(f.byKey)
			So(ok, ShouldBeTrue)
		})
	})

	Convey("Given a committed database drop", t, func() {
		f := newFixture(testConfig())
		Reset(f.engine.Close)
		So(f.engine.Update(context.Background(), func(tx *Txn) error { return tx.DropDatabase(f.db) }), ShouldBeNil)

		Convey("New tables cannot be created in it", func() {
			_, err := f.engine.CreateTable(f.db, "late", storage.TableOptions{})
			So(errors.Is(err, storage.ErrDatabaseNotFound), ShouldBeTrue)
		})

		Convey("The database is removed after collection", func() {
			So(f.collectUntil(func() bool {
				_, ok := f.engine.Storage().Database(f.db)
				return !ok
			}), ShouldBeTrue)
		})
	})
}

func TestEngineEpochCapacity(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given epochs that hold two transactions", t, func() {
		cfg := testConfig()
		cfg.GC.MaxTxnsPerEpoch = 2
		f := newFixture(cfg)
		Reset(f.engine.Close)
		id := f.insert("a=0")
		start := f.engine.Epochs().Current()

		Convey("Completing more transactions opens new epochs instead of panicking", func() {
			for i := range 5 {
				So(f.engine.Update(context.Background(), func(tx *Txn) error {
					return tx.Update(id, []byte{'a', '=', byte('1' + i)})
				}), ShouldBeNil)
			}
			So(f.engine.Epochs().Current(), ShouldBeGreaterThan, start)
			v, _ := f.read(id)
			So(v, ShouldEqual, "a=5")
		})
	})
}

func TestEngineQueryHistory(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given an engine that logs collected statements", t, func() {
		ctrl := gomock.NewController(t)
		sink := mock.NewMockQueryLogger(ctrl)
		logged := make(chan string, 1)
		sink.EXPECT().LogQuery(gomock.Any(), gomock.Any(), "UPDATE kv", gomock.Any()).
			DoAndReturn(func(_ context.Context, _ uuid.UUID, q string, _ uint64) error {
				logged <- q
				return nil
			})

		cfg := testConfig()
		cfg.QueryHistory.Enabled = true
		f := newFixture(cfg, WithQueryLogger(sink))
		Reset(f.engine.Close)
		id := f.insert("a=1")

		So(f.engine.Update(context.Background(), func(tx *Txn) error {
			tx.Record("UPDATE kv")
			return tx.Update(id, []byte("a=2"))
		}), ShouldBeNil)

		Convey("The statement reaches the sink once the transaction is collected", func() {
			So(f.collectUntil(func() bool { return len(logged) == 1 }), ShouldBeTrue)
			So(<-logged, ShouldEqual, "UPDATE kv")
		})
	})
}

func TestEngineBackground(t *testing.T) {
	defer goleak.VerifyNone(t)

	Convey("Given an engine with background workers", t, func() {
		cfg := testConfig()
		cfg.GC.Workers = 2
		cfg.GC.BackoffMax = config.Duration(time.Millisecond)
		cfg.EpochInterval = config.Duration(time.Millisecond)
		e, err := New(context.Background(), cfg)
		So(err, ShouldBeNil)
		Reset(e.Close)

		db := e.CreateDatabase("app")
		table, err := e.CreateTable(db, "kv", storage.TableOptions{})
		So(err, ShouldBeNil)

		Convey("Superseded versions are reclaimed without help", func() {
			ctx := context.Background()
			var id *storage.Indirection
			So(e.Update(ctx, func(tx *Txn) error {
				id, err = tx.Insert(db, table, []byte("v0"))
				return err
			}), ShouldBeNil)
			for i := range 20 {
				So(e.Update(ctx, func(tx *Txn) error {
					return tx.Update(id, []byte{'v', byte('a' + i)})
				}), ShouldBeNil)
			}

			deadline := time.Now().Add(5 * time.Second)
			for e.Pool().Released() < 20 && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
			So(e.Pool().Released(), ShouldEqual, 20)

			e.Close()
			_, err := e.Begin(ctx)
			So(err, ShouldEqual, ErrEngineClosed)
		})
	})
}
