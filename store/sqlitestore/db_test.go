package sqlitestore

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Hamidon94/ultra.dogwalking-sub001/backend"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// Use a unique file-based temp DB for each test to avoid shared :memory: races
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Ping(ctx))
	require.NoError(t, backend.WriteBytes(ctx, s, "pawcache/api", []byte("first")))
	require.NoError(t, backend.WriteBytes(ctx, s, "pawcache/api", []byte("second")))

	got, err := backend.ReadBytes(ctx, s, "pawcache/api")
	require.NoError(t, err)
	require.Equal(t, []byte("second"), got)

	size, err := s.Size(ctx, "pawcache/api")
	require.NoError(t, err)
	require.Equal(t, int64(6), size)

	exists, err := s.Exists(ctx, "pawcache/api")
	require.NoError(t, err)
	require.True(t, exists)

	require.NoError(t, s.Delete(ctx, "pawcache/api"))
	require.NoError(t, s.Delete(ctx, "pawcache/api"))

	exists, err = s.Exists(ctx, "pawcache/api")
	require.NoError(t, err)
	require.False(t, exists)

	_, err = s.Read(ctx, "pawcache/api")
	require.ErrorIs(t, err, backend.ErrNotFound)
	_, err = s.Size(ctx, "pawcache/api")
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func TestStoreList(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	for _, k := range []string{"pawcache/users", "pawcache/api", "pawcachex/api", "other"} {
		require.NoError(t, s.Write(ctx, k, strings.NewReader("x")))
	}

	keys, err := s.List(ctx, "pawcache/")
	require.NoError(t, err)
	require.Equal(t, []string{"pawcache/api", "pawcache/users"}, keys)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 4)
}

func TestStoreRejectsInvalidKey(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	err := s.Write(context.Background(), "/abs", strings.NewReader("x"))
	require.ErrorIs(t, err, backend.ErrInvalidKey)
}

func TestStoreReopenKeepsData(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, backend.WriteBytes(ctx, s, "pawcache/users", []byte("kept")))
	require.NoError(t, s.Close())

	// Migrations are already applied; reopening must not fail.
	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	got, err := backend.ReadBytes(ctx, s, "pawcache/users")
	require.NoError(t, err)
	require.Equal(t, []byte("kept"), got)
}
