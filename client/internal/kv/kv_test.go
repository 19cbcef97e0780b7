package kv

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	f, err := NewFile(filepath.Join(dir, "state.json"))
	require.NoError(t, err)
	s, err := NewSQLite(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return map[string]Store{"file": f, "sqlite": s, "memory": NewMemory()}
}

func TestStore_Contract(t *testing.T) {
	ctx := context.Background()
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := st.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, st.Set(ctx, "k", "v1"))
			require.NoError(t, st.Set(ctx, "k", "v2"))
			v, err := st.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "v2", v)

			require.NoError(t, st.Delete(ctx, "k"))
			require.NoError(t, st.Delete(ctx, "k"))
			_, err = st.Get(ctx, "k")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestFile_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")
	f, err := NewFile(path)
	require.NoError(t, err)
	require.NoError(t, f.Set(ctx, "toolbridge.session_id", "session_1_abc"))

	f2, err := NewFile(path)
	require.NoError(t, err)
	v, err := f2.Get(ctx, "toolbridge.session_id")
	require.NoError(t, err)
	assert.Equal(t, "session_1_abc", v)
}

func TestFile_SetFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "gone", "state.json")
	f, err := NewFile(path)
	require.NoError(t, err)

	assert.Error(t, f.Set(ctx, "k", "v"))
	_, err = f.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFile_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))
	_, err := NewFile(path)
	assert.ErrorContains(t, err, "parse")
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "k", "v"))
	require.NoError(t, s.Close())

	s2, err := NewSQLite(path)
	require.NoError(t, err)
	defer s2.Close()
	v, err := s2.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestNew(t *testing.T) {
	dir := t.TempDir()
	for _, driver := range []string{"", "file", "memory"} {
		st, err := New(driver, filepath.Join(dir, "s.json"))
		require.NoError(t, err, driver)
		require.NoError(t, st.Close())
	}
	st, err := New("sqlite", filepath.Join(dir, "s.db"))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = New("redis", "")
	assert.Error(t, err)
}
