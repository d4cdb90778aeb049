// Licensed under the MIT License. See LICENSE file in the project root for details.

package txn

import (
	"testing"

	"github.com/kianostad/epochgc/internal/storage"
)

func TestNewPool(t *testing.T) {
	pool := NewPool()
	if pool == nil {
		t.Fatal("NewPool() returned nil")
	}
}

func TestPoolGetPut(t *testing.T) {
	pool := NewPool()

	c := pool.Get(7, 2, 40, 3)
	if c.ID() != 7 || c.ThreadID() != 2 || c.ReadID() != 40 || c.EpochID() != 3 {
		t.Errorf("Get() did not initialise the context: %+v", c)
	}
	if c.Result() != Running {
		t.Errorf("Expected running result, got %v", c.Result())
	}

	c.SetCommitID(41)
	c.SetResult(Committed)
	c.RecordGarbage(storage.ItemPointer{Block: 1, Offset: 2}, CommitUpdate)
	c.RecordDroppedObject(ObjectRef{Database: 1, Table: 2})
	c.AddQuery("UPDATE t SET v = 1")

	pool.Release(c)
	if pool.Released() != 1 {
		t.Errorf("Expected 1 released context, got %d", pool.Released())
	}

	t.Run("reset clears the footprint", func(t *testing.T) {
		if c.GarbageLen() != 0 || len(c.DroppedObjects()) != 0 || len(c.Queries()) != 0 {
			t.Error("Expected footprint to be cleared")
		}
		if c.CommitID() != storage.InvalidCID || c.ID() != storage.InvalidTxnID {
			t.Error("Expected ids to be reset")
		}
		if c.HasGarbage() {
			t.Error("Expected no garbage after reset")
		}
	})
}

func TestContextGarbage(t *testing.T) {
	c := NewContext(1, 0, 10, 1)
	a := storage.ItemPointer{Block: 1, Offset: 0}
	b := storage.ItemPointer{Block: 1, Offset: 1}

	c.RecordGarbage(a, AbortInsert)
	c.RecordGarbage(b, CommitUpdate)
	c.RecordGarbage(a, AbortInsDel)

	got := map[storage.ItemPointer]VersionKind{}
	for loc, kind := range c.Garbage() {
		got[loc] = kind
	}
	if len(got) != 2 || got[a] != AbortInsDel || got[b] != CommitUpdate {
		t.Errorf("Unexpected garbage footprint: %v", got)
	}
	if !c.HasGarbage() {
		t.Error("Expected HasGarbage to be true")
	}
}

func TestObjectRefLevel(t *testing.T) {
	tests := []struct {
		ref  ObjectRef
		want ObjectLevel
	}{
		{ObjectRef{Database: 1, Table: 2, Index: 3}, IndexLevel},
		{ObjectRef{Database: 1, Table: 2}, TableLevel},
		{ObjectRef{Database: 1}, DatabaseLevel},
	}
	for _, tt := range tests {
		if got := tt.ref.Level(); got != tt.want {
			t.Errorf("%+v.Level() = %v, want %v", tt.ref, got, tt.want)
		}
	}
}

func TestVersionKindString(t *testing.T) {
	if CommitInsDel.String() != "COMMIT_INS_DEL" {
		t.Errorf("unexpected name %q", CommitInsDel.String())
	}
	if VersionKind(99).String() != "VersionKind(99)" {
		t.Errorf("unexpected name %q", VersionKind(99).String())
	}
}
