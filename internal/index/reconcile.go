package index

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/coderag/coderag/internal/scanner"
	"github.com/coderag/coderag/internal/store"
)

// ReconcileDelete implements spec 4.6's delete reconciliation: remove the
// file row (cascading its chunks and chunk-vector rows), delete the file's
// records from the vector store, recompute the global IDF/TF-IDF/
// magnitude/avgLength scores, and invalidate the query cache.
func (b *Builder) ReconcileDelete(ctx context.Context, relPath string) error {
	existing, err := b.store.GetFileByPath(ctx, relPath)
	if err != nil {
		return fmt.Errorf("get file %s: %w", relPath, err)
	}
	if existing == nil {
		return nil
	}

	if err := b.store.DeleteFiles(ctx, []string{relPath}); err != nil {
		return fmt.Errorf("delete file %s: %w", relPath, err)
	}

	if b.vector != nil {
		if _, err := b.vector.DeleteByPrefix(ctx, VectorDocPrefix(relPath)); err != nil {
			slog.Warn("vector_delete_by_prefix_failed",
				slog.String("path", relPath), slog.String("error", err.Error()))
		}
	}

	if err := b.recompute(ctx); err != nil {
		return err
	}
	if b.cache != nil {
		b.cache.Invalidate()
	}

	slog.Info("reconcile_delete", slog.String("path", relPath))
	return nil
}

// ReconcileChange implements spec 4.6's add/change reconciliation: stat the
// path, skip non-text/oversized/ignored files, compute the new content
// hash, and skip entirely when it matches the stored hash (a touch must
// never rewrite the index). Otherwise re-chunk, re-tokenize, upsert the
// file row, replace its chunks and chunk vectors, recompute the global
// scores, refresh this file's vectors in the vector store, and invalidate
// the query cache. A path that no longer exists is routed to
// ReconcileDelete instead.
func (b *Builder) ReconcileChange(ctx context.Context, relPath string) error {
	if b.cfg.Ignore(relPath) {
		return nil
	}

	fullPath := filepath.Join(b.cfg.CodebaseRoot, relPath)
	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return b.ReconcileDelete(ctx, relPath)
		}
		return fmt.Errorf("stat %s: %w", relPath, err)
	}
	if info.IsDir() || info.Size() > b.cfg.MaxFileSize {
		return nil
	}

	content, err := os.ReadFile(fullPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", relPath, err)
	}
	// Non-text: a NUL byte in the first 512 bytes, the same test the scanner applies.
	head := content
	if len(head) > 512 {
		head = head[:512]
	}
	for _, c := range head {
		if c == 0 {
			return nil
		}
	}
	newHash := hashContent(content)

	existing, err := b.store.GetFileByPath(ctx, relPath)
	if err != nil {
		return fmt.Errorf("get file %s: %w", relPath, err)
	}
	if existing != nil && existing.ContentHash == newHash {
		return nil
	}

	fi := &scanner.FileInfo{
		Path:     relPath,
		Size:     info.Size(),
		ModTime:  info.ModTime(),
		Language: scanner.DetectLanguage(relPath),
	}

	chunks, err := b.chunkFile(ctx, fi, content)
	if err != nil {
		return fmt.Errorf("chunk %s: %w", relPath, err)
	}

	file := &store.RelationalFile{
		Path:        relPath,
		ContentHash: newHash,
		Size:        info.Size(),
		ModTimeMS:   info.ModTime().UnixMilli(),
		Language:    fi.Language,
		IndexedAtMS: time.Now().UnixMilli(),
	}
	if err := b.store.StoreFiles(ctx, []*store.RelationalFile{file}); err != nil {
		return fmt.Errorf("store file %s: %w", relPath, err)
	}

	idsByPath, err := b.store.StoreManyChunks(ctx, map[string][]*store.RelationalChunk{relPath: chunks})
	if err != nil {
		return fmt.Errorf("store chunks for %s: %w", relPath, err)
	}
	ids := idsByPath[relPath]
	for i, c := range chunks {
		if i < len(ids) {
			c.ID = ids[i]
		}
	}

	if err := b.store.StoreManyChunkVectors(ctx, chunks); err != nil {
		return fmt.Errorf("store chunk vectors for %s: %w", relPath, err)
	}

	if err := b.recompute(ctx); err != nil {
		return err
	}
	if b.cache != nil {
		b.cache.Invalidate()
	}

	if b.embedder != nil && b.vector != nil && len(chunks) > 0 {
		if _, err := b.vector.DeleteByPrefix(ctx, VectorDocPrefix(relPath)); err != nil {
			slog.Warn("vector_delete_by_prefix_failed",
				slog.String("path", relPath), slog.String("error", err.Error()))
		}
		if err := b.generateEmbeddings(ctx, chunks); err != nil {
			slog.Warn("vector_generation_failed",
				slog.String("path", relPath), slog.String("error", err.Error()))
		}
	}

	slog.Info("reconcile_change", slog.String("path", relPath), slog.Int("chunks", len(chunks)))
	return nil
}
