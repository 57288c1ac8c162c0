package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/coderag/coderag/internal/store"
)

// LegacyBoostFactor and legacyPhraseBonus are the file-level identifier
// boosts spec 9's Open Question names as unresolved for the chunk path,
// resolved here by scoping them to exactly the file-level legacy mode spec
// 4.7 step 7 calls out as its own named variant.
const (
	legacyBoostFactor = 1.5
	legacyPhraseBonus = 2.0
)

// LegacyFileResult is one file-level legacy-mode search hit.
type LegacyFileResult struct {
	Path         string
	Score        float64
	MatchedTerms []string
}

// LegacyFileSearcher is the non-default, explicitly-opt-in file-level
// scoring mode (EngineConfig.LegacyFileMode). It is a separate in-memory
// BM25 index over whole-file content, not chunks, and applies the
// identifier-count and exact-phrase boosts the chunk-level path
// intentionally omits. Grounded on the teacher's BleveBM25Index
// (internal/store/bm25.go): its custom code_tokenizer/code_stop analyzer
// registration is reused as-is via store.NewBleveBM25Index, in-memory only.
type LegacyFileSearcher struct {
	index store.BM25Index
}

// NewLegacyFileSearcher constructs an in-memory file-level searcher.
func NewLegacyFileSearcher() (*LegacyFileSearcher, error) {
	idx, err := store.NewBleveBM25Index("", store.DefaultBM25Config())
	if err != nil {
		return nil, fmt.Errorf("create legacy file index: %w", err)
	}
	return &LegacyFileSearcher{index: idx}, nil
}

// IndexFiles (re)indexes whole-file contents. Callers rebuild this index
// from the relational store's file rows; it does not persist.
func (s *LegacyFileSearcher) IndexFiles(ctx context.Context, files map[string]string) error {
	docs := make([]*store.Document, 0, len(files))
	for path, content := range files {
		docs = append(docs, &store.Document{ID: path, Content: content})
	}
	return s.index.Index(ctx, docs)
}

// Search runs the file-level legacy query: bleve's own BM25 score, then the
// identifier-count boost (legacyBoostFactor^len(matchedTerms)) and an exact
// phrase bonus when the raw query string appears verbatim in the result.
func (s *LegacyFileSearcher) Search(ctx context.Context, query string, limit int, fileContents map[string]string) ([]*LegacyFileResult, error) {
	hits, err := s.index.Search(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("legacy file search: %w", err)
	}

	results := make([]*LegacyFileResult, 0, len(hits))
	for _, h := range hits {
		score := h.Score
		boost := 1.0
		for range h.MatchedTerms {
			boost *= legacyBoostFactor
		}
		score *= boost

		if content, ok := fileContents[h.DocID]; ok && query != "" {
			if strings.Contains(strings.ToLower(content), strings.ToLower(query)) {
				score *= legacyPhraseBonus
			}
		}

		results = append(results, &LegacyFileResult{
			Path:         h.DocID,
			Score:        score,
			MatchedTerms: h.MatchedTerms,
		})
	}

	return results, nil
}

// Close releases the in-memory index.
func (s *LegacyFileSearcher) Close() error {
	return s.index.Close()
}
