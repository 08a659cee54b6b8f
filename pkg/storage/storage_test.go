package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type samplePayload struct {
	Name string `json:"name"`
	N    int    `json:"n"`
}

func TestWriteJSONThenReadJSONRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "payload.json")

	want := samplePayload{Name: "branch-a", N: 7}
	require.NoError(t, WriteJSON(path, want))

	var got samplePayload
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, want, got)
}

func TestWriteJSONLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.json")
	require.NoError(t, WriteJSON(path, samplePayload{Name: "x"}))

	entries, err := filepathGlob(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, "payload.json", filepath.Base(entries[0]))
}

func filepathGlob(dir string) ([]string, error) {
	return filepath.Glob(filepath.Join(dir, "*"))
}

func TestReadJSONMissingFileReturnsErrNotFound(t *testing.T) {
	dir := t.TempDir()
	err := ReadJSON(filepath.Join(dir, "missing.json"), &samplePayload{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRootPathLayout(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRoot(dir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "story-1"), r.StoryDir("story-1"))
	assert.Equal(t, filepath.Join(dir, "story-1", "branches", "main"), r.BranchDir("story-1", "main"))
	assert.Equal(t, filepath.Join(dir, "story-1", "branches.json"), r.BranchesIndexPath("story-1"))
	assert.Equal(t, filepath.Join(dir, "story-1", "branches", "main", "recap.json"), r.RecapPath("story-1", "main"))
}

func TestEnsureBranchDirCreatesParents(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRoot(dir)
	require.NoError(t, err)

	require.NoError(t, r.EnsureBranchDir("story-1", "main"))
	assert.DirExists(t, r.BranchDir("story-1", "main"))
}

func TestListStoryIDsOnEmptyRoot(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRoot(dir)
	require.NoError(t, err)

	ids, err := r.ListStoryIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestListStoryIDsReturnsEachStoryDir(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRoot(dir)
	require.NoError(t, err)

	require.NoError(t, r.EnsureStoryDir("alpha"))
	require.NoError(t, r.EnsureStoryDir("beta"))

	ids, err := r.ListStoryIDs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, ids)
}

func TestWriteTextThenReadTextRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "base_conversation.md")
	require.NoError(t, WriteText(path, "# Chapter 1\nonce upon a time"))

	got, err := ReadText(path)
	require.NoError(t, err)
	assert.Equal(t, "# Chapter 1\nonce upon a time", got)
}
