package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/coderag/coderag/internal/config"
	"github.com/coderag/coderag/internal/embed"
	"github.com/coderag/coderag/internal/output"
	"github.com/coderag/coderag/internal/search"
	"github.com/coderag/coderag/internal/store"
)

func newSearchCmd() *cobra.Command {
	var (
		limit         int
		bm25Only      bool
		language      string
		pathSubstring string
		extensions    []string
		jsonOutput    bool
		dir           string
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search an already-indexed directory",
		Long: `Runs a hybrid BM25 + semantic query against a directory's index, built
previously with 'coderag index'. If no vector index was built (--no-vector),
search automatically falls back to BM25-only.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := args[0]
			for _, extra := range args[1:] {
				query += " " + extra
			}
			return runSearch(cmd.Context(), cmd, dir, query, search.SearchOptions{
				Limit:          limit,
				BM25Only:       bm25Only,
				Language:       language,
				PathSubstring:  pathSubstring,
				FileExtensions: extensions,
			}, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "Directory to search (must already be indexed)")
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of results")
	cmd.Flags().BoolVar(&bm25Only, "bm25-only", false, "Skip the semantic leg even if a vector index exists")
	cmd.Flags().StringVar(&language, "language", "", "Restrict results to a single language")
	cmd.Flags().StringVar(&pathSubstring, "path", "", "Restrict results to paths containing this substring")
	cmd.Flags().StringSliceVar(&extensions, "ext", nil, "Restrict results to these file extensions (e.g. .go,.ts)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, dir, query string, opts search.SearchOptions, jsonOutput bool) error {
	w := output.New(cmd.OutOrStdout())

	absPath, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	root, err := config.FindProjectRoot(absPath)
	if err != nil {
		root = absPath
	}

	cfg, err := config.Load(root)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	layout, err := store.ResolveProjectLayout(home, root)
	if err != nil {
		return fmt.Errorf("resolve project layout: %w", err)
	}

	if _, statErr := os.Stat(layout.IndexDBPath()); os.IsNotExist(statErr) {
		return fmt.Errorf("no index found for %s, run 'coderag index' first", root)
	}

	relStore, err := store.NewRelationalSQLiteStore(layout.IndexDBPath())
	if err != nil {
		return fmt.Errorf("open index store: %w", err)
	}
	defer relStore.Close()

	var vector store.VectorStore
	var embedder embed.Embedder
	if !opts.BM25Only {
		if _, statErr := os.Stat(layout.VectorStorePath()); statErr == nil {
			embedder, err = embed.NewEmbedder(ctx, embed.ParseProvider(cfg.Embeddings.Provider), cfg.Embeddings.Model)
			if err != nil {
				return fmt.Errorf("create embedder: %w", err)
			}
			defer embedder.Close()

			vsCfg := store.DefaultVectorStoreConfig(embedder.Dimensions())
			vector, err = store.NewHNSWStore(vsCfg)
			if err != nil {
				return fmt.Errorf("open vector store: %w", err)
			}
			if loadErr := vector.Load(layout.VectorStorePath()); loadErr != nil {
				return fmt.Errorf("load vector store: %w", loadErr)
			}
			defer vector.Close()
		}
	}

	engineCfg := search.DefaultConfig()
	engineCfg.DefaultWeights = search.Weights{BM25: cfg.Search.BM25Weight, Semantic: cfg.Search.SemanticWeight}

	engine, err := search.NewEngine(relStore, vector, embedder, search.NewTier(), engineCfg)
	if err != nil {
		return fmt.Errorf("create search engine: %w", err)
	}
	defer engine.Close()

	results, err := engine.Search(ctx, query, opts)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	if len(results) == 0 {
		w.Status("·", "No results")
		return nil
	}
	for i, r := range results {
		w.Statusf(fmt.Sprintf("%d.", i+1), "%s:%d-%d (score %.3f)", r.Chunk.FilePath, r.Chunk.StartLine, r.Chunk.EndLine, r.Score)
		if r.Snippet != "" {
			w.Code(r.Snippet)
		}
		w.Newline()
	}
	return nil
}
