package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/coderag/coderag/internal/chunk"
	"github.com/coderag/coderag/internal/embed"
	"github.com/coderag/coderag/internal/scanner"
	"github.com/coderag/coderag/internal/store"
)

// IgnorePredicate reports whether a repo-relative path should be excluded
// from indexing. Spec 1 scopes gitignore parsing out of the core; callers
// (cmd/coderag) supply a predicate, e.g. backed by internal/gitignore.
type IgnorePredicate func(relPath string) bool

// CacheInvalidator is the minimal C8 contract the builder needs: every
// successful mutation must invalidate the query cache (spec 8, 9).
type CacheInvalidator interface {
	Invalidate()
}

// BuilderConfig is the enumerated configuration surface of spec 6 that the
// Index Builder consumes directly.
type BuilderConfig struct {
	CodebaseRoot      string
	DataDir           string // project data directory; enables embedding checkpoint/resume when non-empty
	MaxFileSize       int64  // default 1,048,576
	IndexingBatchSize int    // default 50
	VectorBatchSize   int    // default 10
	Ignore            IgnorePredicate
}

func (c *BuilderConfig) applyDefaults() {
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 1048576
	}
	if c.IndexingBatchSize <= 0 {
		c.IndexingBatchSize = 50
	}
	if c.VectorBatchSize <= 0 {
		c.VectorBatchSize = 10
	}
	if c.Ignore == nil {
		c.Ignore = func(string) bool { return false }
	}
}

// Builder orchestrates full and incremental index builds (C4), driving the
// relational store (C3), the chunker (C2), the tokenizer (C1), and
// optionally a vector adapter (C9) for embedding generation. Grounded on
// the staged-pipeline shape of the teacher's index/runner.go
// (scan/chunk/embed/index stages with structured slog timing), generalized
// to call the spec-mandated IDF/TF-IDF/magnitude/avgLength recomputes in
// order after every mutation instead of relying on a BM25 backend that
// scores internally.
type Builder struct {
	cfg      BuilderConfig
	store    store.RelationalStore
	chunker  *chunk.Worker
	embedder embed.Embedder // optional; nil disables vector generation
	vector   store.VectorStore // optional; nil disables vector generation
	cache    CacheInvalidator  // optional
}

// NewBuilder constructs a Builder. embedder/vector/cache may be nil to
// disable the optional vector-embedding stage and cache invalidation,
// respectively (tests commonly pass nil for both).
func NewBuilder(cfg BuilderConfig, relStore store.RelationalStore, chunker *chunk.Worker, embedder embed.Embedder, vector store.VectorStore, cache CacheInvalidator) (*Builder, error) {
	if relStore == nil {
		return nil, fmt.Errorf("relational store is required")
	}
	cfg.applyDefaults()
	if chunker == nil {
		chunker = chunk.NewWorker()
	}
	return &Builder{
		cfg:      cfg,
		store:    relStore,
		chunker:  chunker,
		embedder: embedder,
		vector:   vector,
		cache:    cache,
	}, nil
}

// BuildResult summarizes one build invocation.
type BuildResult struct {
	Added     int
	Changed   int
	Deleted   int
	Unchanged int
	Warnings  int
	Duration  time.Duration
}

// FullBuild performs the complete pipeline of spec 4.4: scan, chunk+store in
// batches, global recompute, cache invalidation, and (if configured)
// vector-embedding generation. It is also the entry point invoked on
// re-entrant `index` calls and by the watcher when the ignore set or config
// changes (per-path watcher events go to ReconcileChange/ReconcileDelete);
// the diff-driven skip behavior is what makes repeat calls incremental.
func (b *Builder) FullBuild(ctx context.Context) (*BuildResult, error) {
	start := time.Now()

	fsFiles, err := b.scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	stored, err := b.store.ListFiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stored files: %w", err)
	}

	current := make([]*FileMeta, 0, len(fsFiles))
	byPath := make(map[string]*scanner.FileInfo, len(fsFiles))
	for _, f := range fsFiles {
		current = append(current, &FileMeta{Path: f.Path, ModTimeMS: f.ModTime.UnixMilli(), Size: f.Size})
		byPath[f.Path] = f
	}

	diff := Diff(current, stored)
	result := &BuildResult{Unchanged: diff.Unchanged}

	if len(diff.Deleted) > 0 {
		if err := b.store.DeleteFiles(ctx, diff.Deleted); err != nil {
			return nil, fmt.Errorf("delete removed files: %w", err)
		}
		result.Deleted = len(diff.Deleted)
	}

	toProcess := make([]*scanner.FileInfo, 0, len(diff.Added)+len(diff.Changed))
	for _, p := range diff.Added {
		toProcess = append(toProcess, byPath[p])
	}
	storedByPath := make(map[string]*store.RelationalFile, len(stored))
	for _, f := range stored {
		storedByPath[f.Path] = f
	}
	for _, p := range diff.Changed {
		// Hash confirmation is mandatory before any write for a changed
		// candidate (spec 4.5): a touch must not cause a rewrite.
		fi := byPath[p]
		content, rerr := os.ReadFile(filepath.Join(b.cfg.CodebaseRoot, fi.Path))
		if rerr != nil {
			result.Warnings++
			continue
		}
		newHash := hashContent(content)
		if sf, ok := storedByPath[p]; ok && sf.ContentHash == newHash {
			result.Unchanged++
			continue
		}
		toProcess = append(toProcess, fi)
	}
	result.Added = len(diff.Added)
	result.Changed = len(toProcess) - len(diff.Added)

	storedChunks, warnings, err := b.processBatches(ctx, toProcess)
	if err != nil {
		return nil, err
	}
	result.Warnings += warnings

	if len(toProcess) > 0 || len(diff.Deleted) > 0 {
		if err := b.recompute(ctx); err != nil {
			return nil, err
		}
		if b.cache != nil {
			b.cache.Invalidate()
		}
		if b.embedder != nil && b.vector != nil && len(storedChunks) > 0 {
			if err := b.generateEmbeddings(ctx, storedChunks); err != nil {
				slog.Warn("vector_generation_failed", slog.String("error", err.Error()))
			}
		}
	}

	result.Duration = time.Since(start)
	slog.Info("index_complete",
		slog.Int("added", result.Added),
		slog.Int("changed", result.Changed),
		slog.Int("deleted", result.Deleted),
		slog.Int("unchanged", result.Unchanged),
		slog.Duration("duration", result.Duration))

	return result, nil
}

func (b *Builder) scan(ctx context.Context) ([]*scanner.FileInfo, error) {
	s, err := scanner.New()
	if err != nil {
		return nil, err
	}
	results, err := s.Scan(ctx, &scanner.ScanOptions{
		RootDir:     b.cfg.CodebaseRoot,
		MaxFileSize: b.cfg.MaxFileSize,
		Workers:     runtime.NumCPU(),
	})
	if err != nil {
		return nil, err
	}

	var files []*scanner.FileInfo
	for r := range results {
		if r.Error != nil {
			continue
		}
		if b.cfg.Ignore(r.File.Path) {
			continue
		}
		if r.File.Size > b.cfg.MaxFileSize {
			continue
		}
		files = append(files, r.File)
	}
	return files, nil
}

// processBatches chunks+tokenizes+stores files in fixed-size batches
// (default 50), with per-file chunking/tokenizing done concurrently within
// a batch and store writes serialized per batch boundary (spec 4.4, 5). It
// returns every chunk written, with its assigned id and line range, for the
// subsequent optional vector-embedding stage.
func (b *Builder) processBatches(ctx context.Context, files []*scanner.FileInfo) ([]*store.RelationalChunk, int, error) {
	warnings := 0
	var written []*store.RelationalChunk
	batchSize := b.cfg.IndexingBatchSize

	for start := 0; start < len(files); start += batchSize {
		end := start + batchSize
		if end > len(files) {
			end = len(files)
		}
		batch := files[start:end]

		type fileResult struct {
			file   *store.RelationalFile
			chunks []*store.RelationalChunk
			warn   bool
		}
		results := make([]fileResult, len(batch))

		var wg sync.WaitGroup
		for i, fi := range batch {
			wg.Add(1)
			go func(i int, fi *scanner.FileInfo) {
				defer wg.Done()
				content, err := os.ReadFile(filepath.Join(b.cfg.CodebaseRoot, fi.Path))
				if err != nil {
					results[i].warn = true
					return
				}

				chunks, err := b.chunkFile(ctx, fi, content)
				if err != nil {
					results[i].warn = true
					return
				}

				results[i].file = &store.RelationalFile{
					Path:        fi.Path,
					ContentHash: hashContent(content),
					Size:        fi.Size,
					ModTimeMS:   fi.ModTime.UnixMilli(),
					Language:    fi.Language,
					IndexedAtMS: time.Now().UnixMilli(),
				}
				results[i].chunks = chunks
			}(i, fi)
		}
		wg.Wait()

		var storeFiles []*store.RelationalFile
		fileChunks := make(map[string][]*store.RelationalChunk)
		for _, r := range results {
			if r.warn {
				warnings++
				continue
			}
			storeFiles = append(storeFiles, r.file)
			fileChunks[r.file.Path] = r.chunks
		}

		if len(storeFiles) == 0 {
			continue
		}

		if err := b.store.StoreFiles(ctx, storeFiles); err != nil {
			return nil, warnings, fmt.Errorf("store files: %w", err)
		}

		idsByPath, err := b.store.StoreManyChunks(ctx, fileChunks)
		if err != nil {
			return nil, warnings, fmt.Errorf("store chunks: %w", err)
		}

		var allChunks []*store.RelationalChunk
		for path, chunks := range fileChunks {
			ids := idsByPath[path]
			for i, c := range chunks {
				if i < len(ids) {
					c.ID = ids[i]
				}
			}
			allChunks = append(allChunks, chunks...)
		}

		if err := b.store.StoreManyChunkVectors(ctx, allChunks); err != nil {
			return nil, warnings, fmt.Errorf("store chunk vectors: %w", err)
		}

		written = append(written, allChunks...)
	}

	return written, warnings, nil
}

// chunkFile runs the chunker worker (retrying once on a recycle) and
// tokenizes each resulting chunk into a raw term-frequency table (C1+C2).
func (b *Builder) chunkFile(ctx context.Context, fi *scanner.FileInfo, content []byte) ([]*store.RelationalChunk, error) {
	input := &chunk.FileInput{Path: fi.Path, Content: content, Language: fi.Language}

	var raw []*chunk.Chunk
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		raw, err = b.chunker.Chunk(ctx, input)
		if err == chunk.ErrWorkerRecycled {
			continue
		}
		break
	}
	if err != nil {
		return nil, err
	}

	out := make([]*store.RelationalChunk, 0, len(raw))
	for _, c := range raw {
		terms := store.TokenizeCode(c.Content)
		freq := make(map[string]int, len(terms))
		for _, t := range terms {
			freq[t]++
		}
		kind := c.Kind
		if kind == "" {
			kind = string(c.ContentType)
		}
		out = append(out, &store.RelationalChunk{
			FilePath:    fi.Path,
			Content:     c.Content,
			Kind:        kind,
			StartLine:   c.StartLine,
			EndLine:     c.EndLine,
			Metadata:    c.Metadata,
			RawTermFreq: freq,
		})
	}
	return out, nil
}

// recompute runs the four global recalculations in the spec-mandated order
// (spec 4.3, 4.4): IDF rebuild, TF-IDF recalculation, magnitude update,
// average-doc-length update. These must run after all file-level writes
// for a build are durable.
func (b *Builder) recompute(ctx context.Context) error {
	if err := b.store.RebuildIDFScoresFromVectors(ctx); err != nil {
		return fmt.Errorf("rebuild idf: %w", err)
	}
	if err := b.store.RecalculateTFIDFScores(ctx); err != nil {
		return fmt.Errorf("recalculate tfidf: %w", err)
	}
	if err := b.store.UpdateChunkMagnitudes(ctx); err != nil {
		return fmt.Errorf("update magnitudes: %w", err)
	}
	if err := b.store.UpdateAverageDocLength(ctx); err != nil {
		return fmt.Errorf("update avg doc length: %w", err)
	}
	return nil
}

// generateEmbeddings drives vector embedding generation for the given
// chunks in fixed-size batches (default 10), per spec 4.4 step 5 / 4.9. A
// VectorUnavailable failure on any batch is logged and that batch is
// skipped, not fatal to the build (spec 7).
func (b *Builder) generateEmbeddings(ctx context.Context, chunks []*store.RelationalChunk) error {
	batchSize := b.cfg.VectorBatchSize
	totalBatches := (len(chunks) + batchSize - 1) / batchSize
	modelName := b.embedder.ModelName()

	startBatch := 0
	if b.cfg.DataDir != "" {
		if cp, err := LoadCheckpoint(b.cfg.DataDir, modelName); err == nil && cp != nil && cp.TotalBatches == totalBatches {
			startBatch = cp.BatchIndex
			slog.Info("embedding_resume", slog.Int("from_batch", startBatch), slog.Int("total", totalBatches))
		}
	}

	b.embedder.SetBatchIndex(startBatch)

	for batchIdx := startBatch; batchIdx < totalBatches; batchIdx++ {
		start := batchIdx * batchSize
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		b.embedder.SetBatchIndex(batchIdx)
		b.embedder.SetFinalBatch(batchIdx == totalBatches-1)

		contents := make([]string, len(batch))
		for i, c := range batch {
			contents[i] = c.Content
		}

		embeddings, err := b.embedder.EmbedBatch(ctx, contents)
		if err != nil {
			slog.Warn("embedding_batch_failed",
				slog.Int("batch_start", start),
				slog.String("error", err.Error()))
			continue
		}

		ids := make([]string, len(batch))
		for i, c := range batch {
			ids[i] = VectorDocID(c.FilePath, c.StartLine, c.EndLine)
		}

		if err := b.vector.Add(ctx, ids, embeddings); err != nil {
			slog.Warn("vector_upsert_failed",
				slog.Int("batch_start", start),
				slog.String("error", err.Error()))
		}

		if b.cfg.DataDir != "" {
			cp := &Checkpoint{ModelName: modelName, BatchIndex: batchIdx + 1, TotalBatches: totalBatches}
			if err := SaveCheckpoint(b.cfg.DataDir, cp); err != nil {
				slog.Warn("checkpoint_save_failed", slog.String("error", err.Error()))
			}
		}
	}

	if b.cfg.DataDir != "" {
		if err := ClearCheckpoint(b.cfg.DataDir); err != nil {
			slog.Warn("checkpoint_clear_failed", slog.String("error", err.Error()))
		}
	}

	return nil
}

// VectorDocID formats the stable VectorDocument identity of spec 3:
// chunk://<path>:<startLine>-<endLine>.
func VectorDocID(path string, startLine, endLine int) string {
	return fmt.Sprintf("chunk://%s:%d-%d", path, startLine, endLine)
}

// VectorDocPrefix is the prefix passed to DeleteByPrefix to remove every
// VectorDocument belonging to path, on file deletion (spec 3, 9).
func VectorDocPrefix(path string) string {
	return fmt.Sprintf("chunk://%s:", path)
}

func hashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:8])
}
