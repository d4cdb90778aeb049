// Licensed under the MIT License. See LICENSE file in the project root for details.

package storage

import (
	"fmt"
	"sync"
	"sync/atomic"
)

const defaultSlotsPerGroup = 1024

// Manager resolves block ids to tile groups and owns the catalog.
type Manager struct {
	nextOID    atomic.Uint32
	tileGroups sync.Map // OID -> *TileGroup
	varlen     *VarlenPool

	mu        sync.RWMutex
	databases map[OID]*Database
}

// NewManager creates an empty storage manager.
func NewManager() *Manager {
	return &Manager{
		varlen:    NewVarlenPool(),
		databases: make(map[OID]*Database),
	}
}

// NextOID allocates a fresh object id.
func (m *Manager) NextOID() OID {
	return OID(m.nextOID.Add(1))
}

// Varlen returns the payload pool shared by all tile groups.
func (m *Manager) Varlen() *VarlenPool {
	return m.varlen
}

// CreateDatabase registers a new database.
func (m *Manager) CreateDatabase(name string) *Database {
	db := &Database{
		oid:    m.NextOID(),
		name:   name,
		tables: make(map[OID]*Table),
	}
	m.mu.Lock()
	m.databases[db.oid] = db
	m.mu.Unlock()
	return db
}

// Database returns the database with the given id.
func (m *Manager) Database(oid OID) (*Database, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	db, ok := m.databases[oid]
	return db, ok
}

// CreateTable registers a new table in a database.
func (m *Manager) CreateTable(dbOID OID, name string, opts TableOptions) (*Table, error) {
	db, ok := m.Database(dbOID)
	if !ok {
		return nil, fmt.Errorf("create table %q in database %d: %w", name, dbOID, ErrDatabaseNotFound)
	}
	if opts.SlotsPerGroup == 0 {
		opts.SlotsPerGroup = defaultSlotsPerGroup
	}
	t := &Table{
		oid:           m.NextOID(),
		databaseOID:   dbOID,
		name:          name,
		slotsPerGroup: opts.SlotsPerGroup,
		immutable:     opts.Immutable,
		manager:       m,
	}
	db.mu.Lock()
	db.tables[t.oid] = t
	db.mu.Unlock()
	return t, nil
}

// Table returns a table by database and table id.
func (m *Manager) Table(dbOID, tableOID OID) (*Table, bool) {
	db, ok := m.Database(dbOID)
	if !ok {
		return nil, false
	}
	return db.Table(tableOID)
}

// TileGroup resolves a block id.
func (m *Manager) TileGroup(block OID) (*TileGroup, bool) {
	v, ok := m.tileGroups.Load(block)
	if !ok {
		return nil, false
	}
	return v.(*TileGroup), true
}

// Header returns the header at loc, or false when the location no longer
// exists.
func (m *Manager) Header(loc ItemPointer) (*Header, bool) {
	tg, ok := m.TileGroup(loc.Block)
	if !ok {
		return nil, false
	}
	h := tg.Header(loc.Offset)
	return h, h != nil
}

// Tuple returns the payload at loc.
func (m *Manager) Tuple(loc ItemPointer) ([]byte, bool) {
	tg, ok := m.TileGroup(loc.Block)
	if !ok {
		return nil, false
	}
	return tg.Tuple(loc.Offset), true
}

// DropIndex detaches an index from its table.
func (m *Manager) DropIndex(dbOID, tableOID, indexOID OID) bool {
	t, ok := m.Table(dbOID, tableOID)
	if !ok {
		return false
	}
	return t.removeIndex(indexOID)
}

// DropTable removes a table and unregisters its tile groups.
func (m *Manager) DropTable(dbOID, tableOID OID) bool {
	db, ok := m.Database(dbOID)
	if !ok {
		return false
	}
	db.mu.Lock()
	t, ok := db.tables[tableOID]
	if ok {
		delete(db.tables, tableOID)
	}
	db.mu.Unlock()
	if !ok {
		return false
	}
	m.releaseTable(t)
	return true
}

// DropDatabase removes a database together with all of its tables.
func (m *Manager) DropDatabase(dbOID OID) bool {
	m.mu.Lock()
	db, ok := m.databases[dbOID]
	if ok {
		delete(m.databases, dbOID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	for _, t := range db.Tables() {
		m.releaseTable(t)
	}
	return true
}

func (m *Manager) releaseTable(t *Table) {
	for _, tg := range t.TileGroups() {
		m.tileGroups.Delete(tg.id)
		for offset := uint32(0); offset < tg.Allocated(); offset++ {
			tg.ReleaseVarlen(offset)
		}
	}
}
