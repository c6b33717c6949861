package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestFSStoreReadWrite(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Write("conv-1/meta.json", []byte(`{"id":"conv-1"}`)))

	data, err := s.Read("conv-1/meta.json")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"conv-1"}`, string(data))
	assert.True(t, s.Exists("conv-1/meta.json"))
}

func TestFSStoreReadMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Read("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, s.Exists("nope"))
}

func TestFSStoreOverwrite(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Write("k", []byte("v1")))
	require.NoError(t, s.Write("k", []byte("v2")))

	data, err := s.Read("k")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestFSStoreWriteLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Write("dir/file.json", []byte("x")))

	entries, err := os.ReadDir(filepath.Join(s.Root(), "dir"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "file.json", entries[0].Name())
}

func TestFSStoreList(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Write("conv/events/b.json", []byte("b")))
	require.NoError(t, s.Write("conv/events/a.json", []byte("a")))
	require.NoError(t, s.Write("conv/events/c.json", []byte("c")))

	names, err := s.List("conv/events")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.json", "b.json", "c.json"}, names)

	names, err = s.List("missing")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestFSStoreListSkipsTempFiles(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Write("d/real.json", []byte("x")))
	// Simulate an interrupted write.
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "d", ".real.json.tmp-123"), []byte("y"), 0o644))

	names, err := s.List("d")
	require.NoError(t, err)
	assert.Equal(t, []string{"real.json"}, names)
}

func TestFSStoreDelete(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Write("k", []byte("v")))
	require.NoError(t, s.Delete("k"))
	assert.False(t, s.Exists("k"))

	// Deleting a missing key is a no-op.
	assert.NoError(t, s.Delete("k"))
}

func TestFSStoreDeleteAll(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Write("conv-1/meta.json", []byte("m")))
	require.NoError(t, s.Write("conv-1/events/e1.json", []byte("e")))
	require.NoError(t, s.Write("conv-2/meta.json", []byte("m")))

	require.NoError(t, s.DeleteAll("conv-1"))
	assert.False(t, s.Exists("conv-1/meta.json"))
	assert.True(t, s.Exists("conv-2/meta.json"))

	assert.Error(t, s.DeleteAll(""))
}

func TestFSStoreRejectsEscapingKeys(t *testing.T) {
	s := newTestStore(t)

	// Keys are cleaned relative to the root, so traversal cannot escape it.
	require.NoError(t, s.Write("../escape", []byte("x")))
	assert.True(t, s.Exists("escape"))
	_, err := os.Stat(filepath.Join(filepath.Dir(s.Root()), "escape"))
	assert.True(t, os.IsNotExist(err))
}
