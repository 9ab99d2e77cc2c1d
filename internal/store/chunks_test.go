package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	kberr "github.com/nickcecere/kbase/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestPersistAndLoad(t *testing.T) {
	s := NewChunkStore(filepath.Join(t.TempDir(), "documents"))
	docID := uuid.NewString()
	original := writeTemp(t, "policy.txt", "full text")
	thumb := writeTemp(t, "thumb.png", "png")

	chunks := []Chunk{
		{Text: "first <b>chunk</b>\nwith a newline", Metadata: Metadata{"page": 1, "ai_tags": []string{"hr"}}},
		{Text: "second", Metadata: nil},
	}
	canonical, err := s.Persist(docID, chunks, original, thumb)
	require.NoError(t, err)

	t.Run("canonical form matches disk", func(t *testing.T) {
		loaded, err := s.Load(docID)
		require.NoError(t, err)
		assert.Equal(t, canonical, loaded)
		assert.Equal(t, float64(1), loaded[0].Metadata["page"])
		assert.Equal(t, []any{"hr"}, loaded[0].Metadata["ai_tags"])
		assert.Equal(t, Metadata{}, loaded[1].Metadata)
	})

	t.Run("html is not escaped", func(t *testing.T) {
		raw, err := os.ReadFile(filepath.Join(s.DocDir(docID), ChunksFile))
		require.NoError(t, err)
		assert.Contains(t, string(raw), "<b>chunk</b>")
	})

	t.Run("assets", func(t *testing.T) {
		files, err := s.Files(docID)
		require.NoError(t, err)
		assert.Equal(t, []string{ChunksFile, "policy.txt", "thumbnail_policy.png"}, files)
	})

	t.Run("load all", func(t *testing.T) {
		docs, err := s.LoadAll()
		require.NoError(t, err)
		assert.Equal(t, map[string][]Chunk{docID: canonical}, docs)
	})
}

func TestStagePromoteDiscard(t *testing.T) {
	s := NewChunkStore(t.TempDir())

	kept := uuid.NewString()
	st, err := s.Stage(kept, []Chunk{{Text: "a"}}, "", "")
	require.NoError(t, err)
	assert.False(t, s.Exists(kept), "staged documents are not visible")
	require.NoError(t, st.Promote())
	assert.True(t, s.Exists(kept))

	dropped := uuid.NewString()
	st, err = s.Stage(dropped, []Chunk{{Text: "b"}}, "", "")
	require.NoError(t, err)
	require.NoError(t, st.Discard())

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, kept, entries[0].Name())
}

func TestStageRejectsInvalidID(t *testing.T) {
	s := NewChunkStore(t.TempDir())
	_, err := s.Stage("../escape", []Chunk{{Text: "a"}}, "", "")
	assert.Error(t, err)
}

func TestStageMissingOriginalLeavesNothing(t *testing.T) {
	s := NewChunkStore(t.TempDir())
	_, err := s.Stage(uuid.NewString(), []Chunk{{Text: "a"}}, "/does/not/exist.txt", "")
	require.Error(t, err)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLoadAllSkipsBrokenDocuments(t *testing.T) {
	s := NewChunkStore(t.TempDir())
	good := uuid.NewString()
	_, err := s.Persist(good, []Chunk{{Text: "ok"}}, "", "")
	require.NoError(t, err)

	broken := uuid.NewString()
	require.NoError(t, os.MkdirAll(s.DocDir(broken), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.DocDir(broken), ChunksFile), []byte("{not json\n"), 0o644))

	empty := uuid.NewString()
	require.NoError(t, os.MkdirAll(s.DocDir(empty), 0o755))

	stale := filepath.Join(s.Dir(), stagingPrefix+uuid.NewString())
	require.NoError(t, os.MkdirAll(stale, 0o755))

	require.NoError(t, os.MkdirAll(filepath.Join(s.Dir(), "not-a-uuid"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "stray.txt"), []byte("x"), 0o644))

	docs, err := s.LoadAll()
	require.NoError(t, err)
	assert.Len(t, docs, 1)
	assert.Contains(t, docs, good)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale staging directory is removed")

	_, err = s.Load(broken)
	assert.True(t, kberr.HasCode(err, kberr.CodeStoreDocumentCorrupt))
}

func TestLoadAllMissingRoot(t *testing.T) {
	s := NewChunkStore(filepath.Join(t.TempDir(), "missing"))
	docs, err := s.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestDelete(t *testing.T) {
	s := NewChunkStore(t.TempDir())
	docID := uuid.NewString()
	_, err := s.Persist(docID, []Chunk{{Text: "a"}}, "", "")
	require.NoError(t, err)

	removed, err := s.Delete(docID)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, s.Exists(docID))

	removed, err = s.Delete(docID)
	require.NoError(t, err)
	assert.False(t, removed)

	removed, err = s.Delete("../../etc")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = s.Load(docID)
	assert.ErrorIs(t, err, kberr.ErrNotFound)
}

func TestMetadataHelpers(t *testing.T) {
	md := Metadata{"author": "alice", "ai_tags": []any{"a", "b"}, "page": 2}

	assert.Equal(t, "alice", md.String("author"))
	assert.Equal(t, "", md.String("page"))
	assert.Equal(t, []string{"a", "b"}, md.Strings("ai_tags"))
	assert.Equal(t, []string{"alice"}, md.Strings("author"))

	merged := md.Merge(Metadata{"author": "bob", "type": "text"})
	assert.Equal(t, "bob", merged.String("author"))
	assert.Equal(t, "alice", md.String("author"), "merge does not mutate the receiver")
	assert.Equal(t, "text", merged.String("type"))
}

func TestThumbnailName(t *testing.T) {
	assert.Equal(t, "thumbnail_photo.png", ThumbnailName("/in/photo.jpeg"))
	assert.Equal(t, "thumbnail_archive.tar.png", ThumbnailName("archive.tar.gz"))
}
