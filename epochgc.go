// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package epochgc is an in-memory MVCC store with epoch-based garbage
// collection of obsolete tuple versions.
//
// This is the public API of the library. It re-exports the engine from the
// core package together with the configuration loader and the index key
// helpers.
//
// # Quick Start
//
//	import "github.com/kianostad/epochgc"
//
//	engine, err := epochgc.New(ctx, epochgc.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer engine.Close()
//
//	db := engine.CreateDatabase("app")
//	users, _ := engine.CreateTable(db, "users", epochgc.TableOptions{})
//	byName, _ := engine.CreateIndex(db, users, epochgc.IndexOptions{
//	    Key:    epochgc.PrefixKey(','),
//	    Unique: true,
//	})
//
//	err = engine.Update(ctx, func(tx *epochgc.Txn) error {
//	    _, err := tx.Insert(db, users, []byte("alice,admin"))
//	    return err
//	})
//
// # Key Features
//
//   - Snapshot isolation with first-updater-wins conflicts
//   - Obsolete versions bound to epochs and reclaimed once no transaction
//     can observe them
//   - Reclaimed slots recycled into new versions of the same table
//   - Deferred drops of indexes, tables and databases
//   - Jsonnet configuration, structured logging and Prometheus metrics
//
// # Dangers and Warnings
//
//   - **Open Transactions**: A transaction that is never committed or aborted
//     stops reclamation of every version it could read.
//   - **Close**: Close retires what it can and stops the background workers;
//     transactions still open at that point keep their garbage.
//
// # See Also
//
// The collector itself lives in internal/storage/mvcc and the epoch tree in
// internal/concurrency/epoch.
package epochgc

import (
	"context"

	"github.com/kianostad/epochgc/internal/config"
	"github.com/kianostad/epochgc/internal/core"
	"github.com/kianostad/epochgc/internal/storage"
	"github.com/kianostad/epochgc/internal/storage/index"
)

type (
	// Engine is the MVCC store.
	Engine = core.Engine
	// Txn is a snapshot-isolated transaction.
	Txn = core.Txn
	// Row is one visible row returned by lookups and scans.
	Row = core.Row
	// Option configures an Engine.
	Option = core.Option
	// IndexOptions describes a secondary index.
	IndexOptions = core.IndexOptions
	// IndexKind selects the index implementation.
	IndexKind = core.IndexKind
	// KeyFunc rebuilds an index key from a tuple.
	KeyFunc = index.KeyFunc

	// Config is the engine configuration.
	Config = config.Config
	// Duration is a time.Duration that reads "10ms" style strings from config files.
	Duration = config.Duration

	// OID identifies databases, tables and indexes.
	OID = storage.OID
	// RowID is the stable identity of a row across its versions.
	RowID = *storage.Indirection
	// TableOptions configures a new table.
	TableOptions = storage.TableOptions
)

const (
	Hash    = core.Hash
	Ordered = core.Ordered
)

var (
	ErrEngineClosed  = core.ErrEngineClosed
	ErrTxnClosed     = core.ErrTxnClosed
	ErrWriteConflict = core.ErrWriteConflict
	ErrNotFound      = core.ErrNotFound
	ErrDuplicateKey  = core.ErrDuplicateKey
	ErrNotOrdered    = core.ErrNotOrdered
	ErrBackgroundGC  = core.ErrBackgroundGC
	ErrTableNotFound = storage.ErrTableNotFound
)

var (
	WithLogger           = core.WithLogger
	WithClock            = core.WithClock
	WithMetrics          = core.WithMetrics
	WithQueryLogger      = core.WithQueryLogger
	WithManualCollection = core.WithManualCollection

	WholeTuple = index.WholeTuple
	PrefixKey  = index.PrefixKey
)

// New opens an engine with the given configuration.
func New(ctx context.Context, cfg Config, opts ...Option) (*Engine, error) {
	return core.New(ctx, cfg, opts...)
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return config.Default()
}

// LoadConfig evaluates a Jsonnet configuration file. A path of "-" reads
// standard input.
func LoadConfig(path string) (Config, error) {
	return config.LoadFile(path)
}
