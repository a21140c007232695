package workstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfrisbey/rqtree/internal/overlaytypes"
)

func TestWriteReadWork(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)

	path := "/folder/file.txt"
	assert.False(t, s.HasWork(path))

	now := time.Unix(1000, 0)
	wf := &overlaytypes.WorkFile{
		LastSyncDate:       now,
		RemoteLastModified: now,
		OriginalName:       "file.txt",
	}

	require.NoError(t, s.WriteWork(path, wf))
	assert.True(t, s.HasWork(path))

	got, ok, err := s.ReadWork(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, now.Unix(), got.LastSyncDate.Unix())
	assert.Equal(t, "file.txt", got.OriginalName)
}

func TestReadWorkMissing(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)

	got, ok, err := s.ReadWork("/no/such/file")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestRefreshWork(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)

	path := "/a/b.txt"
	early := time.Unix(100, 0)
	later := time.Unix(200, 0)

	require.NoError(t, s.RefreshWork(path, early, early))

	got, ok, err := s.ReadWork(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, early.Unix(), got.LastSyncDate.Unix())

	require.NoError(t, s.RefreshWork(path, later, later))

	got, ok, err = s.ReadWork(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, later.Unix(), got.LastSyncDate.Unix())
}

func TestMove(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)

	oldPath := "/a/old.txt"
	newPath := "/b/new.txt"
	now := time.Unix(500, 0)

	require.NoError(t, s.WriteWork(oldPath, &overlaytypes.WorkFile{LastSyncDate: now, OriginalName: "old.txt"}))
	require.NoError(t, s.Move(oldPath, newPath))

	assert.False(t, s.HasWork(oldPath))
	assert.True(t, s.HasWork(newPath))
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, nil)

	path := "/x.txt"
	require.NoError(t, s.WriteWork(path, &overlaytypes.WorkFile{}))
	assert.True(t, s.HasWork(path))

	require.NoError(t, s.Remove(path))
	assert.False(t, s.HasWork(path))

	// Removing a non-existent work-file is a no-op, not an error.
	require.NoError(t, s.Remove(path))
}
