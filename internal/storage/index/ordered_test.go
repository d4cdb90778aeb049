// Licensed under the MIT License. See LICENSE file in the project root for details.

package index

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kianostad/epochgc/internal/storage"
)

func TestOrderedIndexInsertDelete(t *testing.T) {
	idx := NewOrderedIndex(7, PrefixKey('='), false)
	require.Equal(t, storage.OID(7), idx.OID())
	require.Equal(t, []byte("b"), idx.KeyFromTuple([]byte("b=2")))

	a, b, c := indirection(1, 0), indirection(1, 1), indirection(1, 2)
	require.True(t, idx.InsertEntry([]byte("b"), a))
	require.True(t, idx.InsertEntry([]byte("b"), b))
	require.True(t, idx.InsertEntry([]byte("a"), c))
	require.False(t, idx.InsertEntry([]byte("b"), a))
	require.Equal(t, 3, idx.Len())

	require.Equal(t, []*storage.Indirection{a, b}, idx.ScanKey([]byte("b")))

	require.True(t, idx.DeleteEntry([]byte("b"), a))
	require.False(t, idx.DeleteEntry([]byte("b"), a))
	require.False(t, idx.DeleteEntry([]byte("zzz"), c))
	require.Equal(t, []*storage.Indirection{b}, idx.ScanKey([]byte("b")))
}

func TestOrderedIndexUnique(t *testing.T) {
	idx := NewOrderedIndex(1, nil, true)
	a, b := indirection(1, 0), indirection(1, 1)
	require.True(t, idx.InsertEntry([]byte("k"), a))
	require.False(t, idx.InsertEntry([]byte("k"), b))
	require.True(t, idx.DeleteEntry([]byte("k"), a))
	require.True(t, idx.InsertEntry([]byte("k"), b))
	require.False(t, idx.InsertEntry([]byte("k"), nil))
}

func TestOrderedIndexRange(t *testing.T) {
	idx := NewOrderedIndex(1, nil, true)
	for i, k := range []string{"d", "a", "c", "b", "e"} {
		require.True(t, idx.InsertEntry([]byte(k), indirection(1, uint32(i))))
	}

	var keys []string
	idx.Range([]byte("b"), []byte("e"), func(key []byte, _ *storage.Indirection) bool {
		keys = append(keys, string(key))
		return true
	})
	require.Equal(t, []string{"b", "c", "d"}, keys)

	keys = nil
	idx.Range(nil, nil, func(key []byte, _ *storage.Indirection) bool {
		keys = append(keys, string(key))
		return len(keys) < 2
	})
	require.Equal(t, []string{"a", "b"}, keys)
}
