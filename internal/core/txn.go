// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/kianostad/epochgc/internal/concurrency/epoch"
	"github.com/kianostad/epochgc/internal/concurrency/txn"
	"github.com/kianostad/epochgc/internal/storage"
	"github.com/kianostad/epochgc/internal/storage/index"
)

type opKind uint8

const (
	opInsert opKind = iota
	opUpdate
	opDelete
	opInsDel
)

// write is the pending change of one row. old is the committed version the
// transaction replaced, new the slot it owns.
type write struct {
	table *storage.Table
	ind   *storage.Indirection
	op    opKind
	old   storage.ItemPointer
	new   storage.ItemPointer
}

func (w *write) live() bool {
	return w.op == opInsert || w.op == opUpdate
}

// Txn is a snapshot-isolated transaction. It is not safe for concurrent use.
type Txn struct {
	engine  *Engine
	ctx     *txn.Context
	epoch   epoch.ID
	writes  map[*storage.Indirection]*write
	order   []*write
	dropped []txn.ObjectRef
}

// ID returns the transaction id, or zero once the transaction finished.
func (tx *Txn) ID() storage.TxnID {
	if tx.ctx == nil {
		return 0
	}
	return tx.ctx.ID()
}

// ReadID returns the snapshot the transaction reads.
func (tx *Txn) ReadID() storage.CID {
	if tx.ctx == nil {
		return storage.InvalidCID
	}
	return tx.ctx.ReadID()
}

// Epoch returns the epoch the transaction entered at Begin.
func (tx *Txn) Epoch() epoch.ID { return tx.epoch }

// Record attaches a statement to the transaction for the query history.
func (tx *Txn) Record(statement string) {
	if tx.ctx != nil {
		tx.ctx.AddQuery(statement)
	}
}

func (tx *Txn) check() error {
	if tx.ctx == nil {
		return ErrTxnClosed
	}
	return nil
}

// Insert stores a new row and returns its id.
func (tx *Txn) Insert(db, table storage.OID, tuple []byte) (*storage.Indirection, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	t, err := tx.engine.table(db, table)
	if err != nil {
		return nil, err
	}
	loc, ind, err := tx.place(t, nil, tuple)
	if err != nil {
		return nil, err
	}
	tx.engine.versions.AddVersionEntry(ind, storage.NullItemPointer, loc)
	for _, idx := range t.Indexes() {
		idx.InsertEntry(idx.KeyFromTuple(tuple), ind)
	}
	tx.track(&write{table: t, ind: ind, op: opInsert, new: loc})
	return ind, nil
}

// Read returns the tuple of a row as of the transaction's snapshot,
// including its own writes.
func (tx *Txn) Read(id *storage.Indirection) ([]byte, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	tuple, ok := tx.read(id)
	if !ok {
		return nil, ErrNotFound
	}
	return tuple, nil
}

// Update replaces the tuple of a row. Updating a row another transaction
// changed after this snapshot fails with ErrWriteConflict.
func (tx *Txn) Update(id *storage.Indirection, tuple []byte) error {
	if err := tx.check(); err != nil {
		return err
	}
	if w, ok := tx.writes[id]; ok {
		if !w.live() {
			return ErrNotFound
		}
		tg, ok := tx.engine.store.TileGroup(w.new.Block)
		if !ok {
			return ErrNotFound
		}
		reindex(w.table, id, tg.Tuple(w.new.Offset), tuple)
		tg.SetTuple(w.new.Offset, tuple)
		return nil
	}

	t, cur, err := tx.claim(id)
	if err != nil {
		return err
	}
	loc, err := tx.supersede(t, id, cur, tuple)
	if err != nil {
		return err
	}
	old, _ := tx.engine.store.Tuple(cur)
	reindex(t, id, old, tuple)
	tx.track(&write{table: t, ind: id, op: opUpdate, old: cur, new: loc})
	return nil
}

// Delete removes a row.
func (tx *Txn) Delete(id *storage.Indirection) error {
	if err := tx.check(); err != nil {
		return err
	}
	if w, ok := tx.writes[id]; ok {
		switch w.op {
		case opInsert:
			w.op = opInsDel
		case opUpdate:
			w.op = opDelete
		default:
			return ErrNotFound
		}
		return nil
	}

	t, cur, err := tx.claim(id)
	if err != nil {
		return err
	}
	old, _ := tx.engine.store.Tuple(cur)
	tomb, err := tx.supersede(t, id, cur, old)
	if err != nil {
		return err
	}
	tx.track(&write{table: t, ind: id, op: opDelete, old: cur, new: tomb})
	return nil
}

// Lookup returns the visible rows whose key in the given index equals key.
func (tx *Txn) Lookup(db, table, idx storage.OID, key []byte) ([]Row, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	i, err := tx.engine.index(db, table, idx)
	if err != nil {
		return nil, err
	}

	var rows []Row
	seen := make(map[*storage.Indirection]struct{})
	for _, ind := range i.ScanKey(key) {
		if row, ok := tx.matching(i, ind, key, seen); ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// Range calls fn for the visible rows with lo <= key < hi in an ordered
// index, in key order. A nil hi means no upper bound.
func (tx *Txn) Range(db, table, idx storage.OID, lo, hi []byte, fn func(Row) bool) error {
	if err := tx.check(); err != nil {
		return err
	}
	i, err := tx.engine.index(db, table, idx)
	if err != nil {
		return err
	}
	ordered, ok := i.(*index.OrderedIndex)
	if !ok {
		return fmt.Errorf("core: index %d: %w", idx, ErrNotOrdered)
	}

	type entry struct {
		key []byte
		ind *storage.Indirection
	}
	var entries []entry
	ordered.Range(lo, hi, func(key []byte, ind *storage.Indirection) bool {
		entries = append(entries, entry{key, ind})
		return true
	})

	seen := make(map[*storage.Indirection]struct{})
	for _, en := range entries {
		row, ok := tx.matching(ordered, en.ind, en.key, seen)
		if ok && !fn(row) {
			return nil
		}
	}
	return nil
}

// Scan calls fn for every row of a table visible to the transaction.
func (tx *Txn) Scan(db, table storage.OID, fn func(Row) bool) error {
	if err := tx.check(); err != nil {
		return err
	}
	t, err := tx.engine.table(db, table)
	if err != nil {
		return err
	}
	seen := make(map[*storage.Indirection]struct{})
	for _, tg := range t.TileGroups() {
		for offset := range tg.Allocated() {
			ind := tg.Header(offset).Indirection()
			if ind == nil {
				continue
			}
			if _, dup := seen[ind]; dup {
				continue
			}
			seen[ind] = struct{}{}
			if tuple, ok := tx.read(ind); ok && !fn(Row{ID: ind, Tuple: tuple}) {
				return nil
			}
		}
	}
	return nil
}

// DropTable removes a table once the transaction commits. Its storage is
// released after every transaction that could still read it has finished.
func (tx *Txn) DropTable(db, table storage.OID) error {
	if err := tx.check(); err != nil {
		return err
	}
	if _, err := tx.engine.table(db, table); err != nil {
		return err
	}
	tx.dropped = append(tx.dropped, txn.ObjectRef{Database: db, Table: table})
	return nil
}

// DropIndex removes an index once the transaction commits.
func (tx *Txn) DropIndex(db, table, idx storage.OID) error {
	if err := tx.check(); err != nil {
		return err
	}
	if _, err := tx.engine.index(db, table, idx); err != nil {
		return err
	}
	tx.dropped = append(tx.dropped, txn.ObjectRef{Database: db, Table: table, Index: idx})
	return nil
}

// DropDatabase removes a database and all of its tables once the
// transaction commits.
func (tx *Txn) DropDatabase(db storage.OID) error {
	if err := tx.check(); err != nil {
		return err
	}
	if _, ok := tx.engine.store.Database(db); !ok || tx.engine.isDropped(txn.ObjectRef{Database: db}) {
		return fmt.Errorf("core: database %d: %w", db, storage.ErrDatabaseNotFound)
	}
	tx.dropped = append(tx.dropped, txn.ObjectRef{Database: db})
	return nil
}

// Commit makes the transaction's writes visible. Unique index violations
// abort the transaction and return ErrDuplicateKey.
func (tx *Txn) Commit() error {
	if err := tx.check(); err != nil {
		return err
	}
	e := tx.engine
	if len(tx.order) == 0 && len(tx.dropped) == 0 {
		tx.finish(txn.Committed)
		return nil
	}

	e.commitMu.Lock()
	cid := storage.CID(e.lastCID.Load() + 1)
	tx.ctx.SetCommitID(cid)
	if err := tx.validate(); err != nil {
		e.commitMu.Unlock()
		tx.rollback()
		tx.finish(txn.Aborted)
		return err
	}
	for _, w := range tx.order {
		tx.install(w, cid)
	}
	for _, ref := range tx.dropped {
		tx.ctx.RecordDroppedObject(ref)
	}
	e.markDropped(tx.dropped)
	e.lastCID.Store(uint64(cid))
	e.commitMu.Unlock()

	tx.finish(txn.Committed)
	return nil
}

// Abort discards the transaction's writes.
func (tx *Txn) Abort() error {
	if err := tx.check(); err != nil {
		return err
	}
	tx.rollback()
	tx.finish(txn.Aborted)
	return nil
}

func (tx *Txn) track(w *write) {
	tx.writes[w.ind] = w
	tx.order = append(tx.order, w)
}

// place writes tuple into a fresh slot of t owned by the transaction. A nil
// ind starts a new row.
func (tx *Txn) place(t *storage.Table, ind *storage.Indirection, tuple []byte) (storage.ItemPointer, *storage.Indirection, error) {
	loc, _ := t.AcquireSlot()
	tg, ok := tx.engine.store.TileGroup(loc.Block)
	if !ok {
		return storage.NullItemPointer, nil, fmt.Errorf("core: table %q: %w", t.Name(), storage.ErrTableNotFound)
	}
	h := tg.Header(loc.Offset)
	h.SetBeginCID(storage.MaxCID)
	h.SetEndCID(storage.MaxCID)
	h.SetTxnID(tx.ctx.ID())
	tg.SetTuple(loc.Offset, tuple)
	if ind == nil {
		ind = storage.NewIndirection(loc)
	}
	h.SetIndirection(ind)
	return loc, ind, nil
}

// claim takes ownership of the version of id visible to the snapshot. It
// fails when that version is no longer the newest committed one.
func (tx *Txn) claim(id *storage.Indirection) (*storage.Table, storage.ItemPointer, error) {
	e := tx.engine
	cur := e.versions.GetVisibleVersion(id, tx.ctx, txn.ReadID)
	if cur.IsNull() {
		return nil, cur, ErrNotFound
	}
	tg, ok := e.store.TileGroup(cur.Block)
	if !ok {
		return nil, cur, ErrNotFound
	}
	t := tg.Table()
	if _, err := e.table(t.DatabaseOID(), t.OID()); err != nil {
		return nil, cur, err
	}

	h := tg.Header(cur.Offset)
	if !h.CompareAndSwapTxnID(storage.InitialTxnID, tx.ctx.ID()) {
		return nil, cur, ErrWriteConflict
	}
	if h.EndCID() != storage.MaxCID || id.Load() != cur {
		h.SetTxnID(storage.InitialTxnID)
		return nil, cur, ErrWriteConflict
	}
	return t, cur, nil
}

// supersede places the successor of the claimed version cur.
func (tx *Txn) supersede(t *storage.Table, id *storage.Indirection, cur storage.ItemPointer, tuple []byte) (storage.ItemPointer, error) {
	e := tx.engine
	loc, _, err := tx.place(t, id, tuple)
	if err != nil {
		if h, ok := e.store.Header(cur); ok {
			h.SetTxnID(storage.InitialTxnID)
		}
		return loc, err
	}
	if h, ok := e.store.Header(cur); ok {
		h.SetNext(loc)
	}
	if h, ok := e.store.Header(loc); ok {
		h.SetPrev(cur)
	}
	e.versions.AddVersionEntry(id, cur, loc)
	id.Store(loc)
	return loc, nil
}

func (tx *Txn) read(id *storage.Indirection) ([]byte, bool) {
	e := tx.engine
	if w, ok := tx.writes[id]; ok {
		if !w.live() {
			return nil, false
		}
		tuple, ok := e.store.Tuple(w.new)
		return bytes.Clone(tuple), ok
	}

	loc := e.versions.GetVisibleVersion(id, tx.ctx, txn.ReadID)
	if loc.IsNull() {
		return nil, false
	}
	tg, ok := e.store.TileGroup(loc.Block)
	if !ok {
		return nil, false
	}
	tg.Header(loc.Offset).ObserveRead(tx.ctx.ReadID())
	tuple := tg.Tuple(loc.Offset)
	if tuple == nil {
		return nil, false
	}
	return bytes.Clone(tuple), true
}

// matching reads ind and keeps it when its visible tuple still carries key.
func (tx *Txn) matching(i storage.Index, ind *storage.Indirection, key []byte, seen map[*storage.Indirection]struct{}) (Row, bool) {
	if _, dup := seen[ind]; dup {
		return Row{}, false
	}
	seen[ind] = struct{}{}
	tuple, ok := tx.read(ind)
	if !ok || !bytes.Equal(i.KeyFromTuple(tuple), key) {
		return Row{}, false
	}
	return Row{ID: ind, Tuple: tuple}, true
}

// reindex adds entries for the keys that change between two images of a row.
func reindex(t *storage.Table, ind *storage.Indirection, old, tuple []byte) {
	for _, idx := range t.Indexes() {
		key := idx.KeyFromTuple(tuple)
		if !bytes.Equal(idx.KeyFromTuple(old), key) {
			idx.InsertEntry(key, ind)
		}
	}
}

// validate checks unique indexes against every version committed so far
// and the transaction's own writes. It runs under the commit lock.
func (tx *Txn) validate() error {
	e := tx.engine
	for _, w := range tx.order {
		if !w.live() {
			continue
		}
		tuple, _ := e.store.Tuple(w.new)
		for _, idx := range w.table.Indexes() {
			if !e.isUnique(idx.OID()) {
				continue
			}
			key := idx.KeyFromTuple(tuple)
			for _, other := range idx.ScanKey(key) {
				if other != w.ind && tx.holds(idx, other, key) {
					return fmt.Errorf("core: index %d key %q: %w", idx.OID(), key, ErrDuplicateKey)
				}
			}
		}
	}
	return nil
}

// holds reports whether row ind carries key as of the commit id.
func (tx *Txn) holds(idx storage.Index, ind *storage.Indirection, key []byte) bool {
	e := tx.engine
	var loc storage.ItemPointer
	if w, ok := tx.writes[ind]; ok {
		if !w.live() {
			return false
		}
		loc = w.new
	} else {
		loc = e.versions.GetVisibleVersion(ind, tx.ctx, txn.CommitID)
	}
	if loc.IsNull() {
		return false
	}
	tuple, ok := e.store.Tuple(loc)
	return ok && bytes.Equal(idx.KeyFromTuple(tuple), key)
}

// install stamps the commit id on the transaction's versions and records
// the versions it made obsolete.
func (tx *Txn) install(w *write, cid storage.CID) {
	e := tx.engine
	nh, ok := e.store.Header(w.new)
	if !ok {
		return
	}
	switch w.op {
	case opInsert:
		nh.SetBeginCID(cid)
		nh.SetTxnID(storage.InitialTxnID)
	case opUpdate:
		oh, _ := e.store.Header(w.old)
		oh.SetEndCID(cid)
		oh.SetTxnID(storage.InitialTxnID)
		nh.SetBeginCID(cid)
		nh.SetTxnID(storage.InitialTxnID)
		tx.ctx.RecordGarbage(w.old, txn.CommitUpdate)
	case opDelete:
		oh, _ := e.store.Header(w.old)
		oh.SetEndCID(cid)
		oh.SetTxnID(storage.InitialTxnID)
		nh.SetBeginCID(cid)
		nh.SetEndCID(cid)
		nh.SetTxnID(storage.InitialTxnID)
		tx.ctx.RecordGarbage(w.old, txn.CommitDelete)
		tx.ctx.RecordGarbage(w.new, txn.CommitDelete)
	case opInsDel:
		nh.SetTxnID(storage.InvalidTxnID)
		tx.ctx.RecordGarbage(w.new, txn.CommitInsDel)
	}
}

// rollback makes the transaction's versions invisible, newest first, and
// gives up ownership of the versions it claimed.
func (tx *Txn) rollback() {
	e := tx.engine
	for _, w := range slices.Backward(tx.order) {
		if nh, ok := e.store.Header(w.new); ok {
			nh.SetTxnID(storage.InvalidTxnID)
		}
		switch w.op {
		case opInsert:
			tx.ctx.RecordGarbage(w.new, txn.AbortInsert)
		case opInsDel:
			tx.ctx.RecordGarbage(w.new, txn.AbortInsDel)
		case opUpdate, opDelete:
			w.ind.Store(w.old)
			if oh, ok := e.store.Header(w.old); ok {
				oh.CompareAndSwapTxnID(tx.ctx.ID(), storage.InitialTxnID)
			}
			kind := txn.AbortUpdate
			if w.op == opDelete {
				kind = txn.AbortDelete
			}
			tx.ctx.RecordGarbage(w.new, kind)
		}
	}
}

// finish binds the transaction to the current epoch when it left garbage
// behind and leaves the epoch it began in.
func (tx *Txn) finish(r txn.Result) {
	e := tx.engine
	c := tx.ctx
	c.SetResult(r)
	c.SetTimestamp(uint64(e.clock.Now().UnixNano()))

	if c.HasGarbage() || (e.history != nil && len(c.Queries()) > 0) {
		e.bind(c)
		e.epochs.Exit(tx.epoch)
	} else {
		e.epochs.Exit(tx.epoch)
		e.pool.Put(c)
	}
	tx.ctx = nil
	tx.writes = nil
	tx.order = nil
	tx.dropped = nil
}
