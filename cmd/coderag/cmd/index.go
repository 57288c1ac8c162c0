package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coderag/coderag/internal/config"
	"github.com/coderag/coderag/internal/embed"
	"github.com/coderag/coderag/internal/gitignore"
	"github.com/coderag/coderag/internal/index"
	"github.com/coderag/coderag/internal/output"
	"github.com/coderag/coderag/internal/store"
	"github.com/coderag/coderag/internal/watcher"
)

func newIndexCmd() *cobra.Command {
	var (
		force    bool
		noVector bool
		backend  string
		watch    bool
	)

	cmd := &cobra.Command{
		Use:   "index [path]",
		Short: "Build or refresh the search index for a directory",
		Long: `Scans a directory, chunks its files along AST boundaries, and builds the
BM25 and (unless --no-vector) semantic indices used by 'coderag search'.

Re-running index over an already-indexed directory is incremental: only
added, changed, or deleted files are touched.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			return runIndex(ctx, cmd, path, force, noVector, watch, backend)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Clear the existing index for this directory and rebuild from scratch")
	cmd.Flags().BoolVar(&noVector, "no-vector", false, "Build the BM25 index only, skipping embedding generation")
	cmd.Flags().StringVar(&backend, "backend", "", "Embedding backend: auto-detect (default), mlx, ollama, or static")
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep running after the initial build, reconciling the index as files change")

	return cmd
}

func runIndex(ctx context.Context, cmd *cobra.Command, path string, force, noVector, watch bool, backend string) error {
	w := output.New(cmd.OutOrStdout())

	absPath, err := filepath.Abs(path)
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

	if force {
		layout, layoutErr := store.ResolveProjectLayout(home, root)
		if layoutErr != nil {
			return fmt.Errorf("resolve project layout: %w", layoutErr)
		}
		if rmErr := os.RemoveAll(layout.Root); rmErr != nil {
			return fmt.Errorf("clear existing index: %w", rmErr)
		}
		w.Success("Cleared existing index data, starting fresh")
	}

	layout, err := store.ResolveProjectLayout(home, root)
	if err != nil {
		return fmt.Errorf("resolve project layout: %w", err)
	}

	relStore, err := store.NewRelationalSQLiteStore(layout.IndexDBPath())
	if err != nil {
		return fmt.Errorf("open index store: %w", err)
	}
	defer relStore.Close()

	var embedder embed.Embedder
	var vector store.VectorStore
	if !noVector {
		provider := embed.ParseProvider(backend)
		if backend == "" {
			provider = embed.ParseProvider(cfg.Embeddings.Provider)
		}
		embedder, err = embed.NewEmbedder(ctx, provider, cfg.Embeddings.Model)
		if err != nil {
			return fmt.Errorf("create embedder: %w", err)
		}
		defer embedder.Close()

		vsCfg := store.DefaultVectorStoreConfig(embedder.Dimensions())
		vector, err = store.NewHNSWStore(vsCfg)
		if err != nil {
			return fmt.Errorf("open vector store: %w", err)
		}
		if _, statErr := os.Stat(layout.VectorStorePath()); statErr == nil {
			if loadErr := vector.Load(layout.VectorStorePath()); loadErr != nil {
				w.Warning(fmt.Sprintf("could not load existing vector store, rebuilding: %v", loadErr))
			}
		}
		defer vector.Close()
	}

	ignore := buildIgnorePredicate(root, cfg)

	builder, err := index.NewBuilder(index.BuilderConfig{
		CodebaseRoot: root,
		DataDir:      layout.Root,
		Ignore:       ignore,
	}, relStore, nil, embedder, vector, nil)
	if err != nil {
		return fmt.Errorf("create index builder: %w", err)
	}

	w.Status("→", fmt.Sprintf("Indexing %s", root))
	result, err := builder.FullBuild(ctx)
	if err != nil {
		return fmt.Errorf("build index: %w", err)
	}

	if vector != nil {
		if saveErr := vector.Save(layout.VectorStorePath()); saveErr != nil {
			return fmt.Errorf("save vector store: %w", saveErr)
		}
	}

	w.Success(fmt.Sprintf(
		"Indexed: %d added, %d changed, %d deleted, %d unchanged (%s)",
		result.Added, result.Changed, result.Deleted, result.Unchanged, result.Duration,
	))
	if result.Warnings > 0 {
		w.Warning(fmt.Sprintf("%d file(s) produced warnings during indexing", result.Warnings))
	}

	if watch || cfg.Performance.Watch {
		return runWatch(ctx, w, builder, root, cfg, vector, layout)
	}
	return nil
}

// runWatch starts the watcher over root and blocks, driving the builder's
// add/change/delete reconciliation (spec 4.6) for every debounced batch
// until ctx is cancelled (Ctrl-C / SIGTERM), at which point the vector
// store is saved once more before returning.
func runWatch(ctx context.Context, w *output.Writer, builder *index.Builder, root string, cfg *config.Config, vector store.VectorStore, layout *store.ProjectLayout) error {
	debounce, err := time.ParseDuration(cfg.Performance.WatchDebounce)
	if err != nil || debounce <= 0 {
		debounce = watcher.DefaultOptions().DebounceWindow
	}

	hw, err := watcher.NewHybridWatcher(watcher.Options{
		DebounceWindow: debounce,
		IgnorePatterns: cfg.Paths.Exclude,
	})
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	w.Status("→", fmt.Sprintf("Watching %s for changes (debounce %s)", root, debounce))
	err = builder.RunWatch(ctx, hw)
	if vector != nil {
		if saveErr := vector.Save(layout.VectorStorePath()); saveErr != nil {
			w.Warning(fmt.Sprintf("could not save vector store on shutdown: %v", saveErr))
		}
	}
	if err != nil && err != context.Canceled {
		return fmt.Errorf("watch: %w", err)
	}
	w.Success("Watcher stopped")
	return nil
}

// buildIgnorePredicate loads .gitignore (if present) plus the project
// config's explicit exclude patterns into a single predicate, per spec 1's
// note that gitignore parsing is a cmd/coderag concern, not the Builder's.
func buildIgnorePredicate(root string, cfg *config.Config) index.IgnorePredicate {
	m := gitignore.New()
	_ = m.AddFromFile(filepath.Join(root, ".gitignore"), "")
	for _, p := range cfg.Paths.Exclude {
		m.AddPattern(p)
	}
	return func(relPath string) bool {
		return m.Match(relPath, false)
	}
}
