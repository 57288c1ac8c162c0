package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderag/coderag/internal/config"
	"github.com/coderag/coderag/internal/embed"
	"github.com/coderag/coderag/internal/index"
	"github.com/coderag/coderag/internal/search"
	"github.com/coderag/coderag/internal/store"
)

// writeTestFiles materializes the given relative-path -> content map under
// dir so the Index Builder can scan, chunk, and index real files exactly as
// it would against a live codebase.
func writeTestFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

// buildIndex runs a full build over root against a fresh in-memory
// relational store, returning the store and build result for assertions.
func buildIndex(t *testing.T, root string) (store.RelationalStore, *index.BuildResult) {
	t.Helper()
	relStore, err := store.NewRelationalSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { relStore.Close() })

	builder, err := index.NewBuilder(index.BuilderConfig{CodebaseRoot: root}, relStore, nil, nil, nil, nil)
	require.NoError(t, err)

	result, err := builder.FullBuild(context.Background())
	require.NoError(t, err)
	return relStore, result
}

// newBM25Engine wires a query engine with no vector leg, the common shape
// for tests that only exercise lexical search.
func newBM25Engine(t *testing.T, relStore store.RelationalStore) *search.Engine {
	t.Helper()
	engine, err := search.NewEngine(relStore, nil, nil, search.NewTier(), search.DefaultConfig())
	require.NoError(t, err)
	return engine
}

func TestIntegration_IndexAndSearch_FindsResults(t *testing.T) {
	root := t.TempDir()
	writeTestFiles(t, root, map[string]string{
		"greeter.go": `package greeter

// Greet returns a friendly greeting for name.
func Greet(name string) string {
	return "hello " + name
}
`,
		"math.go": `package greeter

// Add returns the sum of a and b.
func Add(a, b int) int {
	return a + b
}
`,
	})

	relStore, result := buildIndex(t, root)
	require.Equal(t, 2, result.Added)

	engine := newBM25Engine(t, relStore)
	defer engine.Close()

	results, err := engine.Search(context.Background(), "greeting", search.SearchOptions{Limit: 10, BM25Only: true})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "greeter.go", results[0].Chunk.FilePath)
}

func TestIntegration_SearchAfterDelete_ExcludesDeleted(t *testing.T) {
	root := t.TempDir()
	writeTestFiles(t, root, map[string]string{
		"keep.go":   "package sample\n\nfunc Keep() string { return \"keep sentinel\" }\n",
		"remove.go": "package sample\n\nfunc Remove() string { return \"remove sentinel\" }\n",
	})

	relStore, _ := buildIndex(t, root)
	engine := newBM25Engine(t, relStore)
	defer engine.Close()

	results, err := engine.Search(context.Background(), "sentinel", search.SearchOptions{Limit: 10, BM25Only: true})
	require.NoError(t, err)
	require.Len(t, results, 2)

	require.NoError(t, os.Remove(filepath.Join(root, "remove.go")))
	builder, err := index.NewBuilder(index.BuilderConfig{CodebaseRoot: root}, relStore, nil, nil, nil, nil)
	require.NoError(t, err)
	_, err = builder.FullBuild(context.Background())
	require.NoError(t, err)

	results, err = engine.Search(context.Background(), "sentinel", search.SearchOptions{Limit: 10, BM25Only: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "keep.go", results[0].Chunk.FilePath)
}

func TestIntegration_EmptyIndex_ReturnsNoResults(t *testing.T) {
	root := t.TempDir()
	relStore, result := buildIndex(t, root)
	assert.Equal(t, 0, result.Added)

	engine := newBM25Engine(t, relStore)
	defer engine.Close()

	results, err := engine.Search(context.Background(), "anything", search.SearchOptions{Limit: 10, BM25Only: true})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestIntegration_SearchWithFilters_FiltersResults(t *testing.T) {
	root := t.TempDir()
	writeTestFiles(t, root, map[string]string{
		"widget.go":       "package widgets\n\n// Render draws a widget banner to the screen.\nfunc Render() string { return \"widget banner\" }\n",
		"widget_test.go":  "package widgets\n\nimport \"testing\"\n\nfunc TestRender(t *testing.T) { _ = \"widget banner\" }\n",
		"other/helper.go": "package other\n\n// Helper also mentions widget banner for cross-scope filtering.\nfunc Helper() string { return \"widget banner\" }\n",
	})

	relStore, _ := buildIndex(t, root)
	engine := newBM25Engine(t, relStore)
	defer engine.Close()

	results, err := engine.Search(context.Background(), "widget banner", search.SearchOptions{
		Limit:          10,
		BM25Only:       true,
		FileExtensions: []string{".go"},
		PathSubstring:  "widget",
	})
	require.NoError(t, err)
	for _, r := range results {
		assert.Contains(t, r.Chunk.FilePath, "widget")
	}
}

func TestIntegration_ConcurrentSearches_NoRace(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{}
	for i := 0; i < 5; i++ {
		files[filepath.Join("pkg", "file"+string(rune('a'+i))+".go")] = "package pkg\n\nfunc Work() string { return \"concurrent workload marker\" }\n"
	}
	writeTestFiles(t, root, files)

	relStore, _ := buildIndex(t, root)
	engine := newBM25Engine(t, relStore)
	defer engine.Close()

	const workers = 8
	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			_, err := engine.Search(context.Background(), "concurrent workload", search.SearchOptions{Limit: 5, BM25Only: true})
			errCh <- err
		}()
	}
	for i := 0; i < workers; i++ {
		require.NoError(t, <-errCh)
	}
}

func TestIntegration_IndexAndSearch_WithVectorLeg(t *testing.T) {
	root := t.TempDir()
	writeTestFiles(t, root, map[string]string{
		"vector.go": "package vecdemo\n\n// Normalize scales a vector to unit length for cosine similarity.\nfunc Normalize(v []float32) []float32 { return v }\n",
	})

	relStore, err := store.NewRelationalSQLiteStore("")
	require.NoError(t, err)
	defer relStore.Close()

	vectorStore, err := store.NewHNSWStore(store.VectorStoreConfig{Dimensions: embed.Static768Dimensions})
	require.NoError(t, err)
	defer vectorStore.Close()

	embedder := embed.NewStaticEmbedder768()
	defer embedder.Close()

	builder, err := index.NewBuilder(index.BuilderConfig{CodebaseRoot: root}, relStore, nil, embedder, vectorStore, nil)
	require.NoError(t, err)
	result, err := builder.FullBuild(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Added)

	engine, err := search.NewEngine(relStore, vectorStore, embedder, search.NewTier(), search.DefaultConfig())
	require.NoError(t, err)
	defer engine.Close()

	results, err := engine.Search(context.Background(), "normalize a vector", search.SearchOptions{Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "vector.go", results[0].Chunk.FilePath)
}

func TestIntegration_Search_TagsResultMethod(t *testing.T) {
	root := t.TempDir()
	writeTestFiles(t, root, map[string]string{
		"vector.go": "package vecdemo\n\n// Normalize scales a vector to unit length for cosine similarity.\nfunc Normalize(v []float32) []float32 { return v }\n",
	})

	relStore, err := store.NewRelationalSQLiteStore("")
	require.NoError(t, err)
	defer relStore.Close()

	vectorStore, err := store.NewHNSWStore(store.VectorStoreConfig{Dimensions: embed.Static768Dimensions})
	require.NoError(t, err)
	defer vectorStore.Close()

	embedder := embed.NewStaticEmbedder768()
	defer embedder.Close()

	builder, err := index.NewBuilder(index.BuilderConfig{CodebaseRoot: root}, relStore, nil, embedder, vectorStore, nil)
	require.NoError(t, err)
	_, err = builder.FullBuild(context.Background())
	require.NoError(t, err)

	bm25Engine := newBM25Engine(t, relStore)
	defer bm25Engine.Close()

	bm25Only, err := bm25Engine.Search(context.Background(), "normalize a vector", search.SearchOptions{Limit: 5, BM25Only: true})
	require.NoError(t, err)
	require.NotEmpty(t, bm25Only)
	for _, r := range bm25Only {
		assert.Equal(t, search.MethodTFIDF, r.Method)
		assert.Equal(t, r.BM25Score, r.Score)
	}

	hybridEngine, err := search.NewEngine(relStore, vectorStore, embedder, search.NewTier(), search.DefaultConfig())
	require.NoError(t, err)
	defer hybridEngine.Close()

	hybrid, err := hybridEngine.Search(context.Background(), "normalize a vector", search.SearchOptions{Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, hybrid)
	for _, r := range hybrid {
		assert.Contains(t, []string{search.MethodTFIDF, search.MethodVector, search.MethodHybrid}, r.Method)
	}

	vectorOnly, err := hybridEngine.Search(context.Background(), "normalize a vector", search.SearchOptions{
		Limit:   5,
		Weights: &search.Weights{BM25: 0, Semantic: 1},
	})
	require.NoError(t, err)
	require.NotEmpty(t, vectorOnly)
	for _, r := range vectorOnly {
		assert.Equal(t, search.MethodVector, r.Method)
	}
}

func TestIntegration_ConfigLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 0.65, cfg.Search.BM25Weight)
	assert.Equal(t, 0.35, cfg.Search.SemanticWeight)
	assert.Greater(t, cfg.Search.ChunkSize, 0)
}

func TestIntegration_ConfigLoad_WithFile_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	configYAML := `
search:
  bm25_weight: 0.5
  semantic_weight: 0.5
  chunk_size: 2048
embeddings:
  provider: static
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".amanmcp.yaml"), []byte(configYAML), 0o644))

	cfg, err := config.Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 0.5, cfg.Search.BM25Weight)
	assert.Equal(t, 0.5, cfg.Search.SemanticWeight)
	assert.Equal(t, 2048, cfg.Search.ChunkSize)
	assert.Equal(t, "static", cfg.Embeddings.Provider)
}
