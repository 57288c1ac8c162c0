// Package search provides hybrid search combining BM25 keyword scoring and
// optional vector similarity, fused with a weighted max-normalization
// formula. Results are sourced from the relational store's lexical
// candidates and, when enabled, an ANN vector store.
package search

import (
	"context"
	"time"

	"github.com/coderag/coderag/internal/store"
)

// SearchEngine provides hybrid search combining BM25 and semantic search.
type SearchEngine interface {
	// Search executes a hybrid search query and returns ranked results.
	Search(ctx context.Context, query string, opts SearchOptions) ([]*SearchResult, error)

	// Stats returns engine statistics.
	Stats() *EngineStats

	// Close releases all resources.
	Close() error
}

// SearchOptions configures a search query.
type SearchOptions struct {
	// Limit is the maximum number of results to return (default: 10, max: 100).
	Limit int

	// Filter restricts results by content type: "all", "code", "docs".
	Filter string

	// Language filters results by programming language (e.g., "go", "typescript").
	Language string

	// SymbolType filters results by symbol type (e.g., "function", "class").
	SymbolType string

	// Weights overrides the default BM25/semantic weights.
	Weights *Weights

	// Scopes restricts results to files within these path prefixes.
	// Multiple scopes use OR logic (matches if file is within ANY scope).
	// Empty slice means no scope filtering.
	Scopes []string

	// FileExtensions restricts results to files with one of these
	// extensions (e.g. ".go", ".py"). Empty means no restriction.
	FileExtensions []string

	// PathSubstring restricts results to paths containing this substring.
	PathSubstring string

	// ExcludePathSubstrings drops results whose path contains any of
	// these substrings.
	ExcludePathSubstrings []string

	// BM25Only forces keyword-only search, skipping semantic/vector search entirely.
	BM25Only bool

	// AdjacentChunks specifies how many chunks before/after to retrieve for context.
	// 0 = disabled (default), 1 = fetch 1 before + 1 after, 2 = fetch 2 each.
	AdjacentChunks int

	// IncludeContent, when true, keeps each result's full chunk content
	// alongside its composed snippet.
	IncludeContent bool

	// SnippetContextLines overrides DefaultSnippetContextLines for the
	// block-based snippet composer. 0 means use the default.
	SnippetContextLines int

	// SnippetMaxChars overrides DefaultSnippetMaxChars. 0 means use the default.
	SnippetMaxChars int

	// SnippetMaxBlocks overrides DefaultSnippetMaxBlocks. 0 means use the default.
	SnippetMaxBlocks int

	// Explain enables detailed search explanation mode.
	Explain bool
}

// Result method tags for SearchResult.Method, spec 4.7's hybrid-fusion
// provenance classification.
const (
	MethodVector = "vector"
	MethodTFIDF  = "tfidf"
	MethodHybrid = "hybrid"
)

// Weights configures the relative importance of BM25 vs semantic search.
type Weights struct {
	// BM25 is the weight for keyword search (0-1, default: 0.35).
	BM25 float64

	// Semantic is the weight for vector search (0-1, default: 0.65).
	Semantic float64
}

// DefaultWeights returns the default search weights optimized for mixed queries.
func DefaultWeights() Weights {
	return Weights{
		BM25:     0.35,
		Semantic: 0.65,
	}
}

// SearchResult represents a single search result with scores and metadata.
type SearchResult struct {
	// Chunk contains the full chunk data from the relational store.
	Chunk *store.RelationalChunk

	// Language is the owning file's detected language, denormalized here
	// since RelationalChunk itself carries no language field.
	Language string

	// Snippet is the composed, display-ready excerpt for this result.
	Snippet string

	// Score is the combined normalized score (0-1).
	Score float64

	// BM25Score is the individual BM25 score (normalized).
	BM25Score float64

	// VecScore is the individual vector similarity score (0-1).
	VecScore float64

	// BM25Rank is the position in BM25 results (1-indexed, 0 if absent).
	BM25Rank int

	// VecRank is the position in vector results (1-indexed, 0 if absent).
	VecRank int

	// Highlights contains text ranges where query terms matched.
	Highlights []Range

	// InBothLists indicates the result appeared in both BM25 and vector results.
	InBothLists bool

	// Method tags which leg(s) produced this result: "vector" (ANN only),
	// "tfidf" (BM25 only), or "hybrid" (present in both before fusion).
	Method string

	// MatchedTerms contains the BM25 query terms that matched this result.
	MatchedTerms []string

	// AdjacentContext contains chunks before/after this result for context.
	AdjacentContext AdjacentContext

	// Explain contains detailed search decision information when opts.Explain=true.
	// Only populated on the first result to avoid duplication.
	Explain *ExplainData
}

// AdjacentContext contains surrounding chunks for context continuity.
type AdjacentContext struct {
	// Before contains chunks appearing before this one in the same file.
	// Sorted by proximity (closest first).
	Before []*store.RelationalChunk

	// After contains chunks appearing after this one in the same file.
	// Sorted by proximity (closest first).
	After []*store.RelationalChunk
}

// Range represents a text range for highlighting.
type Range struct {
	// Start is the starting character offset (0-indexed).
	Start int

	// End is the ending character offset (exclusive).
	End int
}

// EngineStats provides statistics about the search engine.
type EngineStats struct {
	// ChunkCount is the number of chunks in the relational store.
	ChunkCount int

	// VectorCount is the number of vectors in the vector store (0 if disabled).
	VectorCount int

	// CacheStats reports the query-result and query-token cache state.
	ResultCacheStats CacheStats
	TokenCacheStats  CacheStats
}

// EngineConfig configures the search engine.
type EngineConfig struct {
	// DefaultLimit is the default number of results (default: 10).
	DefaultLimit int

	// MaxLimit is the maximum allowed results (default: 100).
	MaxLimit int

	// DefaultWeights are the default BM25/semantic weights.
	DefaultWeights Weights

	// SearchTimeout is the maximum search duration (default: 5s).
	SearchTimeout time.Duration

	// LegacyFileMode switches the engine to the file-level, non-chunked
	// scoring path (LegacyFileSearcher) instead of chunk-level BM25.
	LegacyFileMode bool
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() EngineConfig {
	return EngineConfig{
		DefaultLimit:   10,
		MaxLimit:       100,
		DefaultWeights: DefaultWeights(),
		SearchTimeout:  5 * time.Second,
	}
}

// QueryType represents the classification category for a search query.
type QueryType string

const (
	// QueryTypeLexical indicates the query needs exact/keyword matching.
	// Used for: error codes, identifiers, quoted phrases, file paths.
	QueryTypeLexical QueryType = "LEXICAL"

	// QueryTypeSemantic indicates the query is natural language seeking meaning.
	// Used for: questions, conceptual queries, explanations.
	QueryTypeSemantic QueryType = "SEMANTIC"

	// QueryTypeMixed indicates the query benefits from both approaches.
	// Used for: multi-word technical queries, default fallback.
	QueryTypeMixed QueryType = "MIXED"
)

// Classifier determines optimal search weights for a query.
// Implementations may use ML models, pattern matching, or hybrid approaches.
type Classifier interface {
	// Classify analyzes a query and returns its type and optimal weights.
	// On error, implementations should return (QueryTypeMixed, DefaultWeights(), err).
	Classify(ctx context.Context, query string) (QueryType, Weights, error)
}

// WeightsForQueryType returns the predefined weights for a query type.
func WeightsForQueryType(qt QueryType) Weights {
	switch qt {
	case QueryTypeLexical:
		return Weights{BM25: 0.85, Semantic: 0.15}
	case QueryTypeSemantic:
		return Weights{BM25: 0.20, Semantic: 0.80}
	default:
		return Weights{BM25: 0.35, Semantic: 0.65}
	}
}

// ExplainData contains detailed search decision information.
type ExplainData struct {
	// Query is the original search query.
	Query string

	// BM25ResultCount is the number of results from BM25 search.
	BM25ResultCount int

	// VectorResultCount is the number of results from vector search.
	VectorResultCount int

	// Weights are the BM25/semantic weights used for fusion.
	Weights Weights

	// BM25Only indicates if vector search was skipped.
	BM25Only bool

	// ANNFallback indicates the vector leg failed and BM25-only results
	// were served in its place (spec 4.7's graceful-degradation rule).
	ANNFallback bool

	// CacheHit indicates the result set came from the query-result cache.
	CacheHit bool
}
