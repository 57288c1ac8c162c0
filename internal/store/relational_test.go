package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunkWithTerms(path string, content string, terms map[string]int) *RelationalChunk {
	return &RelationalChunk{
		FilePath:    path,
		Content:     content,
		Kind:        "function",
		StartLine:   1,
		EndLine:     5,
		RawTermFreq: terms,
	}
}

// TS01: files, chunks, and vectors round-trip through the store.
func TestRelationalSQLiteStore_StoreAndRetrieve(t *testing.T) {
	// Given: an empty in-memory store
	s, err := NewRelationalSQLiteStore("")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()

	// When: a file and its chunks are stored
	err = s.StoreFiles(ctx, []*RelationalFile{
		{Path: "a.go", ContentHash: "h1", Size: 100, ModTimeMS: 1000, Language: "go", IndexedAtMS: 2000},
	})
	require.NoError(t, err)

	chunks := map[string][]*RelationalChunk{
		"a.go": {
			chunkWithTerms("a.go", "func getUserById() {}", map[string]int{"getuserbyid": 1, "func": 1}),
		},
	}
	ids, err := s.StoreManyChunks(ctx, chunks)
	require.NoError(t, err)
	require.Len(t, ids["a.go"], 1)

	err = s.StoreManyChunkVectors(ctx, chunks["a.go"])
	require.NoError(t, err)

	// Then: the file is retrievable
	f, err := s.GetFileByPath(ctx, "a.go")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "h1", f.ContentHash)

	n, err := s.ChunkCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// TS02: the four recompute steps produce consistent idf/tfidf/magnitude values.
func TestRelationalSQLiteStore_RecomputePipeline(t *testing.T) {
	// Given: two files sharing one term and each with a unique term
	s, err := NewRelationalSQLiteStore("")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	require.NoError(t, s.StoreFiles(ctx, []*RelationalFile{
		{Path: "a.go", ContentHash: "h1", ModTimeMS: 1}, {Path: "b.go", ContentHash: "h2", ModTimeMS: 1},
	}))

	chunks := map[string][]*RelationalChunk{
		"a.go": {chunkWithTerms("a.go", "shared unique_a", map[string]int{"shared": 1, "unique_a": 1})},
		"b.go": {chunkWithTerms("b.go", "shared unique_b", map[string]int{"shared": 1, "unique_b": 1})},
	}
	_, err = s.StoreManyChunks(ctx, chunks)
	require.NoError(t, err)
	require.NoError(t, s.StoreManyChunkVectors(ctx, chunks["a.go"]))
	require.NoError(t, s.StoreManyChunkVectors(ctx, chunks["b.go"]))

	// When: the recompute pipeline runs in spec order
	require.NoError(t, s.RebuildIDFScoresFromVectors(ctx))
	require.NoError(t, s.RecalculateTFIDFScores(ctx))
	require.NoError(t, s.UpdateChunkMagnitudes(ctx))
	require.NoError(t, s.UpdateAverageDocLength(ctx))

	// Then: a term present in both chunks has a lower idf than one present in only one
	sharedIDF, ok, err := s.GetIDF(ctx, "shared")
	require.NoError(t, err)
	require.True(t, ok)

	uniqueIDF, ok, err := s.GetIDF(ctx, "unique_a")
	require.NoError(t, err)
	require.True(t, ok)

	assert.Less(t, sharedIDF, uniqueIDF)

	avg, err := s.GetAvgDocLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2.0, avg)

	cands, err := s.SearchByTerms(ctx, []string{"unique_a"}, 10)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Greater(t, cands[0].Magnitude, 0.0)
}

// TS03: searching by multiple terms ranks chunks matching more terms first.
func TestRelationalSQLiteStore_SearchByTerms_RanksByMatchCount(t *testing.T) {
	// Given: one chunk matching both query terms and one matching only one
	s, err := NewRelationalSQLiteStore("")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	require.NoError(t, s.StoreFiles(ctx, []*RelationalFile{{Path: "a.go", ModTimeMS: 1}, {Path: "b.go", ModTimeMS: 1}}))

	chunks := map[string][]*RelationalChunk{
		"a.go": {chunkWithTerms("a.go", "search engine", map[string]int{"search": 1, "engine": 1})},
		"b.go": {chunkWithTerms("b.go", "search only", map[string]int{"search": 1, "only": 1})},
	}
	_, err = s.StoreManyChunks(ctx, chunks)
	require.NoError(t, err)
	require.NoError(t, s.StoreManyChunkVectors(ctx, chunks["a.go"]))
	require.NoError(t, s.StoreManyChunkVectors(ctx, chunks["b.go"]))
	require.NoError(t, s.RebuildIDFScoresFromVectors(ctx))
	require.NoError(t, s.RecalculateTFIDFScores(ctx))

	// When: searching for both terms
	cands, err := s.SearchByTerms(ctx, []string{"search", "engine"}, 10)
	require.NoError(t, err)
	require.Len(t, cands, 2)

	// Then: the chunk matching both terms ranks first
	assert.Equal(t, "a.go", cands[0].FilePath)
	assert.Len(t, cands[0].MatchedTerms, 2)
}

// TS04: DeleteFiles cascades to chunks and vectors.
func TestRelationalSQLiteStore_DeleteFiles_Cascades(t *testing.T) {
	// Given: a stored file with chunks and vectors
	s, err := NewRelationalSQLiteStore("")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	require.NoError(t, s.StoreFiles(ctx, []*RelationalFile{{Path: "a.go", ModTimeMS: 1}}))
	chunks := map[string][]*RelationalChunk{"a.go": {chunkWithTerms("a.go", "x", map[string]int{"x": 1})}}
	_, err = s.StoreManyChunks(ctx, chunks)
	require.NoError(t, err)
	require.NoError(t, s.StoreManyChunkVectors(ctx, chunks["a.go"]))

	// When: the file is deleted
	require.NoError(t, s.DeleteFiles(ctx, []string{"a.go"}))

	// Then: the file and its chunks are gone
	f, err := s.GetFileByPath(ctx, "a.go")
	require.NoError(t, err)
	assert.Nil(t, f)

	n, err := s.ChunkCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// TS05: re-chunking a file (storeManyChunks called twice) replaces, not appends.
func TestRelationalSQLiteStore_StoreManyChunks_ReplacesExisting(t *testing.T) {
	// Given: a file with one chunk
	s, err := NewRelationalSQLiteStore("")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	require.NoError(t, s.StoreFiles(ctx, []*RelationalFile{{Path: "a.go", ModTimeMS: 1}}))
	first := map[string][]*RelationalChunk{"a.go": {chunkWithTerms("a.go", "v1", map[string]int{"v1": 1})}}
	_, err = s.StoreManyChunks(ctx, first)
	require.NoError(t, err)

	// When: the file is re-chunked with a different chunk set
	second := map[string][]*RelationalChunk{"a.go": {
		chunkWithTerms("a.go", "v2a", map[string]int{"v2a": 1}),
		chunkWithTerms("a.go", "v2b", map[string]int{"v2b": 1}),
	}}
	_, err = s.StoreManyChunks(ctx, second)
	require.NoError(t, err)

	// Then: only the new chunks remain
	n, err := s.ChunkCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
