package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backends returns each KV implementation under test, cleaned up with t.
func backends(t *testing.T) map[string]Lister {
	t.Helper()

	sq, err := NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })

	lv, err := NewMemLevelDB()
	require.NoError(t, err)
	t.Cleanup(func() { lv.Close() })

	return map[string]Lister{"sqlite": sq, "leveldb": lv}
}

func TestKVPutGet(t *testing.T) {
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, kv.Put("wot:graph:abc", []byte(`{"x":1}`)))

			got, found, err := kv.Get("wot:graph:abc")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, `{"x":1}`, string(got))
		})
	}
}

func TestKVGetMissing(t *testing.T) {
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			got, found, err := kv.Get("nope")
			require.NoError(t, err)
			assert.False(t, found)
			assert.Nil(t, got)
		})
	}
}

func TestKVOverwriteAndDelete(t *testing.T) {
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, kv.Put("k", []byte("one")))
			require.NoError(t, kv.Put("k", []byte("two")))

			got, _, err := kv.Get("k")
			require.NoError(t, err)
			assert.Equal(t, "two", string(got))

			require.NoError(t, kv.Delete("k"))
			_, found, err := kv.Get("k")
			require.NoError(t, err)
			assert.False(t, found)

			// Deleting again is fine.
			assert.NoError(t, kv.Delete("k"))
		})
	}
}

func TestKVClosed(t *testing.T) {
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, kv.Close())
			require.NoError(t, kv.Close())

			_, _, err := kv.Get("k")
			assert.ErrorIs(t, err, ErrClosed)
			assert.ErrorIs(t, kv.Put("k", nil), ErrClosed)
			assert.ErrorIs(t, kv.Delete("k"), ErrClosed)
		})
	}
}

func TestKVKeys(t *testing.T) {
	for name, kv := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, kv.Put("item:b", []byte("2")))
			require.NoError(t, kv.Put("item:a", []byte("1")))
			require.NoError(t, kv.Put("inbox:a", []byte("3")))

			keys, err := kv.Keys("item:")
			require.NoError(t, err)
			assert.Equal(t, []string{"item:a", "item:b"}, keys)

			none, err := kv.Keys("nothing:")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestSQLiteFileAndKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sieve.db")
	s, err := NewSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put("wot:graph:b", []byte("2")))
	require.NoError(t, s.Put("wot:graph:a", []byte("1")))
	require.NoError(t, s.Put("reputation:ledger", []byte("3")))

	keys, err := s.Keys("wot:graph:")
	require.NoError(t, err)
	assert.Equal(t, []string{"wot:graph:a", "wot:graph:b"}, keys)
}

func TestLevelDBFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	l, err := NewLevelDB(dir)
	require.NoError(t, err)
	require.NoError(t, l.Put("k", []byte("v")))
	require.NoError(t, l.Close())

	// Data survives a reopen.
	l, err = NewLevelDB(dir)
	require.NoError(t, err)
	defer l.Close()
	got, found, err := l.Get("k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", string(got))
}
