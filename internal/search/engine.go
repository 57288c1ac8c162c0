package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/coderag/coderag/internal/embed"
	"github.com/coderag/coderag/internal/store"
)

// bm25K1 and bm25B are the fixed BM25 constants of spec 4.7.
const (
	bm25K1 = 1.2
	bm25B  = 0.75

	// candidateFetchMultiplier is how many times opts.Limit each of the
	// BM25 and ANN legs fetch before fusion, so truncation to limit still
	// leaves enough signal for tie-breaking and rank-boosting.
	candidateFetchMultiplier = 2

	// minNormalizationFloor guards fusion's per-set max-score normalization
	// against division by (near) zero (spec 4.7).
	minNormalizationFloor = 0.01

	// vectorWeightSkipBM25 and vectorWeightSkipANN are the special-case
	// thresholds of spec 4.7's hybrid fusion step.
	vectorWeightSkipBM25 = 0.99
	vectorWeightSkipANN  = 0.01
)

// Engine implements the C7 Query Engine: BM25 candidate retrieval over the
// relational store, in-memory rescoring, optional vector fetch and weighted
// fusion, filtering, limiting, and snippet population.
type Engine struct {
	store    store.RelationalStore
	vector   store.VectorStore // nil disables the vector leg entirely
	embedder embed.Embedder    // nil disables the vector leg entirely
	cache    *Tier
	legacy   *LegacyFileSearcher // non-nil only when config.LegacyFileMode
	config   EngineConfig

	classifier Classifier     // optional dynamic weight selection
	expander   *QueryExpander // optional BM25 query expansion
	reranker   Reranker       // optional cross-encoder rerank pass

	mu sync.RWMutex
}

// Ensure Engine implements SearchEngine interface.
var _ SearchEngine = (*Engine)(nil)

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = errors.New("nil dependency")

// EngineOption configures the search engine.
type EngineOption func(*Engine)

// WithClassifier sets an optional query classifier for dynamic weight
// selection. When set and no explicit weights are provided in
// SearchOptions, the classifier determines optimal BM25/semantic weights.
func WithClassifier(c Classifier) EngineOption {
	return func(e *Engine) { e.classifier = c }
}

// WithQueryExpander sets an optional query expander for BM25 search. When
// set, BM25 candidate fetch uses the expanded term list while the vector
// leg still embeds the original, un-expanded query.
func WithQueryExpander(exp *QueryExpander) EngineOption {
	return func(e *Engine) { e.expander = exp }
}

// WithReranker sets an optional cross-encoder reranker applied to the fused
// result set before snippet composition.
func WithReranker(r Reranker) EngineOption {
	return func(e *Engine) { e.reranker = r }
}

// WithLegacyFileSearcher attaches a pre-built file-level legacy searcher.
// Only consulted when config.LegacyFileMode is set.
func WithLegacyFileSearcher(l *LegacyFileSearcher) EngineOption {
	return func(e *Engine) { e.legacy = l }
}

// NewEngine creates the C7 query engine. vector and embedder may both be
// nil to disable the vector leg and run BM25-only; if one is nil the other
// must be too. cache may be nil, in which case a fresh Tier is created.
func NewEngine(
	relStore store.RelationalStore,
	vector store.VectorStore,
	embedder embed.Embedder,
	cache *Tier,
	config EngineConfig,
	opts ...EngineOption,
) (*Engine, error) {
	if relStore == nil {
		return nil, fmt.Errorf("%w: relational store is required", ErrNilDependency)
	}
	if (vector == nil) != (embedder == nil) {
		return nil, fmt.Errorf("%w: vector store and embedder must both be set or both be nil", ErrNilDependency)
	}
	if cache == nil {
		cache = NewTier()
	}
	e := &Engine{
		store:    relStore,
		vector:   vector,
		embedder: embedder,
		cache:    cache,
		config:   config,
	}
	for _, opt := range opts {
		opt(e)
	}
	if config.LegacyFileMode && e.legacy == nil {
		l, err := NewLegacyFileSearcher()
		if err != nil {
			return nil, fmt.Errorf("create legacy file searcher: %w", err)
		}
		e.legacy = l
	}
	return e, nil
}

// applyDefaults fills zero-valued options with EngineConfig defaults.
func (e *Engine) applyDefaults(opts SearchOptions) SearchOptions {
	if opts.Limit <= 0 {
		opts.Limit = e.config.DefaultLimit
	}
	if opts.Limit > e.config.MaxLimit {
		opts.Limit = e.config.MaxLimit
	}
	if opts.Weights == nil {
		w := e.config.DefaultWeights
		opts.Weights = &w
	}
	if opts.SnippetContextLines <= 0 {
		opts.SnippetContextLines = DefaultSnippetContextLines
	}
	if opts.SnippetMaxChars <= 0 {
		opts.SnippetMaxChars = DefaultSnippetMaxChars
	}
	if opts.SnippetMaxBlocks <= 0 {
		opts.SnippetMaxBlocks = DefaultSnippetMaxBlocks
	}
	return opts
}

// Search executes the C7 state machine:
// Idle -> Parsing -> CandidateFetch -> Scoring -> (optional) VectorFetch ->
// Fusion -> SnippetBuild -> Idle.
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) ([]*SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	if opts.Weights == nil && e.classifier != nil {
		_, weights, err := e.classifier.Classify(ctx, query)
		if err == nil {
			opts.Weights = &weights
		}
	}
	opts = e.applyDefaults(opts)

	// Parsing: cache on the full normalized key (step 1).
	cacheKey := QueryResultKey(query, opts.Limit, opts.FileExtensions, opts.PathSubstring, opts.ExcludePathSubstrings)
	if cached, ok := e.cache.Results.Get(cacheKey); ok {
		if results, ok := cached.([]*SearchResult); ok {
			return results, nil
		}
	}

	terms := e.tokenizeQuery(query)
	if len(terms) == 0 {
		return nil, nil
	}

	weights := *opts.Weights
	vectorWeight := weights.Semantic
	useVector := e.vector != nil && e.embedder != nil && !opts.BM25Only && vectorWeight > vectorWeightSkipANN

	fetchLimit := opts.Limit * candidateFetchMultiplier
	if fetchLimit < opts.Limit {
		fetchLimit = opts.Limit
	}

	bm25Scored, bm25Err := e.scoreBM25(ctx, terms, fetchLimit, opts)

	var vecResults []*store.VectorResult
	var vecErr error
	if useVector {
		if vectorWeight < vectorWeightSkipBM25 {
			// Both legs feed fusion; run the ANN leg concurrently with
			// BM25 scoring having already completed above.
			group, gctx := errgroup.WithContext(ctx)
			group.Go(func() error {
				vr, err := e.searchVector(gctx, query, fetchLimit)
				vecResults, vecErr = vr, err
				return nil
			})
			_ = group.Wait()
		} else {
			vecResults, vecErr = e.searchVector(ctx, query, fetchLimit)
		}
	}

	if bm25Err != nil && (vecErr != nil || !useVector) {
		return nil, fmt.Errorf("bm25 search failed: %w", bm25Err)
	}
	annFallback := false
	if vecErr != nil {
		slog.Warn("ann_search_failed_falling_back_to_bm25", slog.String("error", vecErr.Error()))
		vecResults = nil
		useVector = false
		annFallback = true
	}

	var results []*SearchResult
	switch {
	case useVector && vectorWeight >= vectorWeightSkipBM25:
		results = e.fuseVectorOnly(ctx, vecResults, opts.Limit)
	case !useVector:
		for _, r := range bm25Scored {
			r.Score = r.BM25Score
			r.Method = MethodTFIDF
		}
		results = bm25Scored
	default:
		results = e.fuse(bm25Scored, vecResults, vectorWeight, opts.Limit)
	}

	results = e.enrichAdjacent(ctx, results, opts.AdjacentChunks)
	results = ApplyTestFilePenalty(results)
	results = ApplyPathBoost(results)
	results = ApplyFilters(results, opts)

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}

	if e.reranker != nil {
		results = e.rerank(ctx, query, results)
	}

	e.buildSnippets(results, opts)

	if opts.Explain && len(results) > 0 {
		results[0].Explain = &ExplainData{
			Query:             query,
			BM25ResultCount:   len(bm25Scored),
			VectorResultCount: len(vecResults),
			Weights:           weights,
			BM25Only:          opts.BM25Only,
			ANNFallback:       annFallback,
		}
	}

	e.cache.Results.Set(cacheKey, results)
	return results, nil
}

// tokenizeQuery implements step 2: tokenize via C1, deduplicate, consult
// and populate the query-token cache.
func (e *Engine) tokenizeQuery(query string) []string {
	if cached, ok := e.cache.Tokens.Get(query); ok {
		return cached
	}

	raw := store.TokenizeCode(query)
	if e.expander != nil {
		raw = append(raw, e.expander.ExpandToTerms(query)...)
	}

	seen := make(map[string]bool, len(raw))
	terms := make([]string, 0, len(raw))
	for _, t := range raw {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		terms = append(terms, t)
	}

	e.cache.Tokens.Set(query, terms)
	return terms
}

// scoreBM25 implements steps 3-5: fetch candidates, score each by the BM25
// formula over only the terms it matched, drop zero-matched candidates,
// sort by score desc with (path, startLine) ascending tie-break.
func (e *Engine) scoreBM25(ctx context.Context, terms []string, limit int, opts SearchOptions) ([]*SearchResult, error) {
	candidates, err := e.store.SearchByTerms(ctx, terms, limit)
	if err != nil {
		return nil, fmt.Errorf("search by terms: %w", err)
	}

	avgdl, err := e.store.GetAvgDocLength(ctx)
	if err != nil {
		return nil, fmt.Errorf("get avg doc length: %w", err)
	}
	if avgdl < 1 {
		avgdl = 1
	}

	candidates = filterCandidatesByPath(candidates, opts)

	results := make([]*SearchResult, 0, len(candidates))
	for _, c := range candidates {
		if len(c.MatchedTerms) == 0 {
			continue
		}
		docLen := float64(c.TokenCount)
		if docLen < 1 {
			docLen = 1
		}

		var score float64
		matched := make([]string, 0, len(c.MatchedTerms))
		for term, m := range c.MatchedTerms {
			idf, ok, err := e.store.GetIDF(ctx, term)
			if err != nil {
				return nil, fmt.Errorf("get idf for %q: %w", term, err)
			}
			if !ok {
				continue
			}
			f := float64(m.RawFreq)
			denom := f + bm25K1*(1-bm25B+bm25B*docLen/avgdl)
			if denom == 0 {
				continue
			}
			score += idf * (f * (bm25K1 + 1)) / denom
			matched = append(matched, term)
		}
		if score <= 0 {
			continue
		}
		sort.Strings(matched)

		results = append(results, &SearchResult{
			Chunk: &store.RelationalChunk{
				ID:        c.ChunkID,
				FilePath:  c.FilePath,
				Content:   c.Content,
				Kind:      c.Kind,
				StartLine: c.StartLine,
				EndLine:   c.EndLine,
				Metadata:  c.Metadata,
			},
			Language:     c.Metadata["language"],
			BM25Score:    score,
			MatchedTerms: matched,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].BM25Score != results[j].BM25Score {
			return results[i].BM25Score > results[j].BM25Score
		}
		if results[i].Chunk.FilePath != results[j].Chunk.FilePath {
			return results[i].Chunk.FilePath < results[j].Chunk.FilePath
		}
		return results[i].Chunk.StartLine < results[j].Chunk.StartLine
	})

	for i, r := range results {
		r.BM25Rank = i + 1
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// filterCandidatesByPath applies extension/path-substring/exclude filters
// before scoring, per spec 4.7 step 3.
func filterCandidatesByPath(candidates []*store.Candidate, opts SearchOptions) []*store.Candidate {
	if len(opts.FileExtensions) == 0 && opts.PathSubstring == "" && len(opts.ExcludePathSubstrings) == 0 {
		return candidates
	}
	exts := make(map[string]bool, len(opts.FileExtensions))
	for _, e := range opts.FileExtensions {
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[strings.ToLower(e)] = true
	}

	filtered := make([]*store.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if len(exts) > 0 {
			idx := strings.LastIndex(c.FilePath, ".")
			if idx < 0 || !exts[strings.ToLower(c.FilePath[idx:])] {
				continue
			}
		}
		if opts.PathSubstring != "" && !strings.Contains(c.FilePath, opts.PathSubstring) {
			continue
		}
		excluded := false
		for _, sub := range opts.ExcludePathSubstrings {
			if strings.Contains(c.FilePath, sub) {
				excluded = true
				break
			}
		}
		if excluded {
			continue
		}
		filtered = append(filtered, c)
	}
	return filtered
}

// searchVector embeds query and runs the ANN leg.
func (e *Engine) searchVector(ctx context.Context, query string, k int) ([]*store.VectorResult, error) {
	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	results, err := e.vector.Search(ctx, vec, k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return results, nil
}

// parseVectorDocID recovers the (path, startLine, endLine) triple from a
// chunk:// vector document id (index.VectorDocID's format).
func parseVectorDocID(id string) (path string, startLine, endLine int, ok bool) {
	const prefix = "chunk://"
	if !strings.HasPrefix(id, prefix) {
		return "", 0, 0, false
	}
	rest := id[len(prefix):]
	lastColon := strings.LastIndex(rest, ":")
	if lastColon < 0 {
		return "", 0, 0, false
	}
	path = rest[:lastColon]
	rng := rest[lastColon+1:]
	dash := strings.LastIndex(rng, "-")
	if dash < 0 {
		return "", 0, 0, false
	}
	start, err1 := strconv.Atoi(rng[:dash])
	end, err2 := strconv.Atoi(rng[dash+1:])
	if err1 != nil || err2 != nil {
		return "", 0, 0, false
	}
	return path, start, end, true
}

// fusedEntry tracks, per chunk id, which leg(s) contributed a score before
// the final weighted combination.
type fusedEntry struct {
	result   *SearchResult
	fromBM25 bool
	fromVec  bool
	vecScore float64
	vecRank  int
}

// fuse implements spec 4.7's hybrid fusion: max-normalize each leg (with a
// floor to avoid division by ~0), combine by vectorWeight, tag provenance.
func (e *Engine) fuse(bm25Results []*SearchResult, vecResults []*store.VectorResult, vectorWeight float64, limit int) []*SearchResult {
	bm25ByID := make(map[int64]*SearchResult, len(bm25Results))
	maxBM25 := minNormalizationFloor
	for _, r := range bm25Results {
		bm25ByID[r.Chunk.ID] = r
		if r.BM25Score > maxBM25 {
			maxBM25 = r.BM25Score
		}
	}

	maxVec := minNormalizationFloor
	for _, v := range vecResults {
		if float64(v.Score) > maxVec {
			maxVec = float64(v.Score)
		}
	}

	combined := make(map[int64]*fusedEntry, len(bm25Results)+len(vecResults))
	for _, r := range bm25Results {
		combined[r.Chunk.ID] = &fusedEntry{result: r, fromBM25: true}
	}

	for rank, v := range vecResults {
		path, start, end, ok := parseVectorDocID(v.ID)
		if !ok {
			continue
		}
		// Resolve the chunk id by location: a BM25 candidate from the same
		// file starting at the same line is the same chunk.
		var chunkID int64 = -1
		for id, r := range bm25ByID {
			if r.Chunk.FilePath == path && r.Chunk.StartLine == start {
				chunkID = id
				break
			}
		}
		if chunkID != -1 {
			f := combined[chunkID]
			f.fromVec = true
			f.vecScore = float64(v.Score)
			f.vecRank = rank + 1
			continue
		}

		// Hit fell outside the lexical candidate set; hydrate it directly.
		cand, err := e.store.GetChunkByLocation(context.Background(), path, start, end)
		if err != nil || cand == nil {
			continue
		}
		result := &SearchResult{
			Chunk:    candidateToChunk(cand),
			Language: cand.Metadata["language"],
		}
		combined[cand.ChunkID] = &fusedEntry{result: result, fromVec: true, vecScore: float64(v.Score), vecRank: rank + 1}
	}

	out := make([]*SearchResult, 0, len(combined))
	for _, f := range combined {
		r := f.result
		normBM25 := 0.0
		if f.fromBM25 {
			normBM25 = r.BM25Score / maxBM25
		}
		normVec := 0.0
		if f.fromVec {
			normVec = f.vecScore / maxVec
			r.VecScore = f.vecScore
			r.VecRank = f.vecRank
		}

		r.Score = vectorWeight*normVec + (1-vectorWeight)*normBM25
		r.InBothLists = f.fromBM25 && f.fromVec
		switch {
		case f.fromBM25 && f.fromVec:
			r.Method = MethodHybrid
		case f.fromVec:
			r.Method = MethodVector
		default:
			r.Method = MethodTFIDF
		}
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Chunk.FilePath != out[j].Chunk.FilePath {
			return out[i].Chunk.FilePath < out[j].Chunk.FilePath
		}
		return out[i].Chunk.StartLine < out[j].Chunk.StartLine
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// fuseVectorOnly handles the vectorWeight >= 0.99 special case: BM25 is
// skipped entirely, results come straight from the ANN leg.
func (e *Engine) fuseVectorOnly(ctx context.Context, vecResults []*store.VectorResult, limit int) []*SearchResult {
	maxVec := minNormalizationFloor
	for _, v := range vecResults {
		if float64(v.Score) > maxVec {
			maxVec = float64(v.Score)
		}
	}

	out := make([]*SearchResult, 0, len(vecResults))
	for rank, v := range vecResults {
		path, start, end, ok := parseVectorDocID(v.ID)
		if !ok {
			continue
		}
		cand, err := e.store.GetChunkByLocation(ctx, path, start, end)
		if err != nil || cand == nil {
			continue
		}
		out = append(out, &SearchResult{
			Chunk:    candidateToChunk(cand),
			Language: cand.Metadata["language"],
			Score:    float64(v.Score) / maxVec,
			VecScore: float64(v.Score),
			VecRank:  rank + 1,
			Method:   MethodVector,
		})
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// enrichAdjacent fetches surrounding chunks for context continuity when
// opts.AdjacentChunks > 0.
func (e *Engine) enrichAdjacent(ctx context.Context, results []*SearchResult, n int) []*SearchResult {
	if n <= 0 {
		return results
	}
	for _, r := range results {
		before, after := e.fetchAdjacent(ctx, r.Chunk, n)
		r.AdjacentContext = AdjacentContext{Before: before, After: after}
	}
	return results
}

func (e *Engine) fetchAdjacent(ctx context.Context, chunk *store.RelationalChunk, n int) (before, after []*store.RelationalChunk) {
	terms, err := e.store.GetTermsForFiles(ctx, []string{chunk.FilePath})
	if err != nil || len(terms) == 0 {
		return nil, nil
	}
	candidates, err := e.store.SearchByTerms(ctx, terms, 0)
	if err != nil {
		return nil, nil
	}

	var sameFile []*store.Candidate
	for _, c := range candidates {
		if c.FilePath == chunk.FilePath {
			sameFile = append(sameFile, c)
		}
	}
	sort.Slice(sameFile, func(i, j int) bool { return sameFile[i].StartLine < sameFile[j].StartLine })

	idx := -1
	for i, c := range sameFile {
		if c.ChunkID == chunk.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, nil
	}

	for i := idx - 1; i >= 0 && len(before) < n; i-- {
		before = append(before, candidateToChunk(sameFile[i]))
	}
	for i := idx + 1; i < len(sameFile) && len(after) < n; i++ {
		after = append(after, candidateToChunk(sameFile[i]))
	}
	return before, after
}

func candidateToChunk(c *store.Candidate) *store.RelationalChunk {
	return &store.RelationalChunk{
		ID:        c.ChunkID,
		FilePath:  c.FilePath,
		Content:   c.Content,
		Kind:      c.Kind,
		StartLine: c.StartLine,
		EndLine:   c.EndLine,
		Metadata:  c.Metadata,
	}
}

// rerank applies the optional cross-encoder pass over each result's
// content, replacing Score with the reranker's relevance score while
// preserving result identity.
func (e *Engine) rerank(ctx context.Context, query string, results []*SearchResult) []*SearchResult {
	if len(results) == 0 {
		return results
	}
	docs := make([]string, len(results))
	for i, r := range results {
		docs[i] = r.Chunk.Content
	}
	reranked, err := e.reranker.Rerank(ctx, query, docs, len(docs))
	if err != nil {
		slog.Warn("rerank_failed_keeping_fusion_order", slog.String("error", err.Error()))
		return results
	}
	out := make([]*SearchResult, 0, len(reranked))
	for _, rr := range reranked {
		if rr.Index < 0 || rr.Index >= len(results) {
			continue
		}
		r := results[rr.Index]
		r.Score = rr.Score
		out = append(out, r)
	}
	return out
}

// buildSnippets implements step 6: verbatim line-numbered snippets for
// chunk-mode results.
func (e *Engine) buildSnippets(results []*SearchResult, opts SearchOptions) {
	if !opts.IncludeContent {
		return
	}
	for _, r := range results {
		r.Snippet = FormatChunkSnippet(r.Chunk.Content, r.Chunk.StartLine)
	}
}

// SearchLegacy runs the file-level legacy-mode search (spec 4.7 step 7):
// the same BM25 formula applied per file using the file's raw-term table,
// with the block-based snippet composer instead of verbatim chunk output.
func (e *Engine) SearchLegacy(ctx context.Context, query string, opts SearchOptions, fileContents map[string]string) ([]*LegacyFileResult, error) {
	if e.legacy == nil {
		return nil, errors.New("legacy file mode is not enabled")
	}
	opts = e.applyDefaults(opts)

	results, err := e.legacy.Search(ctx, query, opts.Limit, fileContents)
	if err != nil {
		return nil, err
	}
	return results, nil
}

// SnippetForLegacyResult composes the block-based in-memory snippet for a
// single legacy-mode hit (spec 4.7 step 7's snippet composer).
func (e *Engine) SnippetForLegacyResult(query, content string, opts SearchOptions) string {
	opts = e.applyDefaults(opts)
	terms := e.tokenizeQuery(query)
	return ComposeSnippet(content, terms, opts.SnippetContextLines, opts.SnippetMaxBlocks, opts.SnippetMaxChars)
}

// Stats reports the engine's chunk/vector counts and cache observability.
func (e *Engine) Stats() *EngineStats {
	ctx := context.Background()
	chunkCount, _ := e.store.ChunkCount(ctx)
	vectorCount := 0
	if e.vector != nil {
		vectorCount = len(e.vector.AllIDs())
	}
	return &EngineStats{
		ChunkCount:       chunkCount,
		VectorCount:      vectorCount,
		ResultCacheStats: e.cache.Results.Stats(),
		TokenCacheStats:  e.cache.Tokens.Stats(),
	}
}

// Close releases the legacy searcher, if any. The relational store and
// vector store are owned by the caller and are not closed here.
func (e *Engine) Close() error {
	if e.legacy != nil {
		return e.legacy.Close()
	}
	return nil
}
