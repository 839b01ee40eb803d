package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "nested", "stats.db")
}

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, "run_stats_cache")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "run_stats_cache", []byte(`{"1":{}}`)))
	require.NoError(t, s.Put(ctx, "run_stats_cache", []byte(`{"2":{}}`)))

	v, err := s.Get(ctx, "run_stats_cache")
	require.NoError(t, err)
	assert.Equal(t, `{"2":{}}`, string(v))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(testDBPath(t))
	require.NoError(t, err)
	defer s.Close()

	exerciseStore(t, s)
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := testDBPath(t)
	ctx := context.Background()

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "k", []byte("v")))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "closing twice is a no-op")

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))
}
