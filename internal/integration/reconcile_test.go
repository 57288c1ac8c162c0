package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderag/coderag/internal/index"
	"github.com/coderag/coderag/internal/search"
	"github.com/coderag/coderag/internal/store"
	"github.com/coderag/coderag/internal/watcher"
)

// TestReconcile_Change_UpsertsFileAndIsSearchable verifies the add/change
// path of 4.6's reconciliation: a file written after the initial build is
// picked up by ReconcileChange without a full rebuild, and its content
// becomes searchable.
func TestReconcile_Change_UpsertsFileAndIsSearchable(t *testing.T) {
	root := t.TempDir()
	writeTestFiles(t, root, map[string]string{
		"first.go": "package sample\n\nfunc First() string { return \"first sentinel\" }\n",
	})

	relStore, _ := buildIndex(t, root)
	builder, err := index.NewBuilder(index.BuilderConfig{CodebaseRoot: root}, relStore, nil, nil, nil, nil)
	require.NoError(t, err)

	writeTestFiles(t, root, map[string]string{
		"second.go": "package sample\n\nfunc Second() string { return \"second sentinel\" }\n",
	})

	require.NoError(t, builder.ReconcileChange(context.Background(), "second.go"))

	f, err := relStore.GetFileByPath(context.Background(), "second.go")
	require.NoError(t, err)
	require.NotNil(t, f)

	engine := newBM25Engine(t, relStore)
	defer engine.Close()
	results, err := engine.Search(context.Background(), "second sentinel", search.SearchOptions{Limit: 10, BM25Only: true})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "second.go", results[0].Chunk.FilePath)
}

// TestReconcile_Change_SkipsUnchangedHash verifies a touch (same content,
// new mtime) does not cause a rewrite: the stored content hash is what
// gates the re-chunk, not the file's modification time.
func TestReconcile_Change_SkipsUnchangedHash(t *testing.T) {
	root := t.TempDir()
	writeTestFiles(t, root, map[string]string{
		"stable.go": "package sample\n\nfunc Stable() string { return \"stable sentinel\" }\n",
	})

	relStore, _ := buildIndex(t, root)
	before, err := relStore.GetFileByPath(context.Background(), "stable.go")
	require.NoError(t, err)
	require.NotNil(t, before)

	builder, err := index.NewBuilder(index.BuilderConfig{CodebaseRoot: root}, relStore, nil, nil, nil, nil)
	require.NoError(t, err)

	// Touch: rewrite identical content, bumping mtime.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(root, "stable.go"),
		[]byte("package sample\n\nfunc Stable() string { return \"stable sentinel\" }\n"), 0o644))

	require.NoError(t, builder.ReconcileChange(context.Background(), "stable.go"))

	after, err := relStore.GetFileByPath(context.Background(), "stable.go")
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Equal(t, before.IndexedAtMS, after.IndexedAtMS, "unchanged content must not be reindexed")
}

// TestReconcile_Delete_RemovesFileAndExcludesFromSearch verifies the
// delete path of 4.6's reconciliation end to end.
func TestReconcile_Delete_RemovesFileAndExcludesFromSearch(t *testing.T) {
	root := t.TempDir()
	writeTestFiles(t, root, map[string]string{
		"keep.go":   "package sample\n\nfunc Keep() string { return \"keep sentinel\" }\n",
		"remove.go": "package sample\n\nfunc Remove() string { return \"remove sentinel\" }\n",
	})

	relStore, _ := buildIndex(t, root)
	builder, err := index.NewBuilder(index.BuilderConfig{CodebaseRoot: root}, relStore, nil, nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(root, "remove.go")))
	require.NoError(t, builder.ReconcileDelete(context.Background(), "remove.go"))

	f, err := relStore.GetFileByPath(context.Background(), "remove.go")
	require.NoError(t, err)
	assert.Nil(t, f)

	remaining, err := relStore.GetFileByPath(context.Background(), "keep.go")
	require.NoError(t, err)
	assert.NotNil(t, remaining)
}

// TestReconcile_Events_RoutesByOperation verifies ReconcileEvents dispatches
// creates/modifies to ReconcileChange and deletes to ReconcileDelete for a
// mixed batch, matching what a debounced watcher batch looks like in
// practice.
func TestReconcile_Events_RoutesByOperation(t *testing.T) {
	root := t.TempDir()
	writeTestFiles(t, root, map[string]string{
		"old.go": "package sample\n\nfunc Old() string { return \"old sentinel\" }\n",
	})

	relStore, _ := buildIndex(t, root)
	builder, err := index.NewBuilder(index.BuilderConfig{CodebaseRoot: root}, relStore, nil, nil, nil, nil)
	require.NoError(t, err)

	writeTestFiles(t, root, map[string]string{
		"new.go": "package sample\n\nfunc New() string { return \"new sentinel\" }\n",
	})
	require.NoError(t, os.Remove(filepath.Join(root, "old.go")))

	events := []watcher.FileEvent{
		{Path: "new.go", Operation: watcher.OpCreate},
		{Path: "old.go", Operation: watcher.OpDelete},
	}
	require.NoError(t, builder.ReconcileEvents(context.Background(), events))

	newFile, err := relStore.GetFileByPath(context.Background(), "new.go")
	require.NoError(t, err)
	assert.NotNil(t, newFile)

	oldFile, err := relStore.GetFileByPath(context.Background(), "old.go")
	require.NoError(t, err)
	assert.Nil(t, oldFile)
}

// TestReconcile_RunWatch_DrivesReconciliationUntilCancelled runs RunWatch
// against a real HybridWatcher and confirms a file created after startup
// is reconciled into the store without a separate FullBuild call.
func TestReconcile_RunWatch_DrivesReconciliationUntilCancelled(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	root := t.TempDir()
	relStore, err := store.NewRelationalSQLiteStore("")
	require.NoError(t, err)
	defer relStore.Close()

	builder, err := index.NewBuilder(index.BuilderConfig{CodebaseRoot: root}, relStore, nil, nil, nil, nil)
	require.NoError(t, err)

	hw, err := watcher.NewHybridWatcher(watcher.Options{
		DebounceWindow:  50 * time.Millisecond,
		EventBufferSize: 100,
	}.WithDefaults())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- builder.RunWatch(ctx, hw) }()

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(root, "watched.go"),
		[]byte("package sample\n\nfunc Watched() string { return \"watched sentinel\" }\n"), 0o644))

	require.Eventually(t, func() bool {
		f, err := relStore.GetFileByPath(context.Background(), "watched.go")
		return err == nil && f != nil
	}, 2*time.Second, 50*time.Millisecond, "watched.go should be reconciled into the store")

	cancel()
	<-done
}
