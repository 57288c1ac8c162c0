package index

import (
	"context"
	"log/slog"

	"github.com/coderag/coderag/internal/watcher"
)

// ReconcileEvents drives the builder's add/change/delete reconciliation
// (spec 4.6) for one debounced batch of watcher events. Events for
// distinct paths are independent and applied in order; a watcher.
// OpGitignoreChange or OpConfigChange event means the ignore set itself
// may have changed, so it is handled by re-running FullBuild (the
// diff-driven incremental path already skips unchanged files) instead of
// a single-path reconciliation.
func (b *Builder) ReconcileEvents(ctx context.Context, events []watcher.FileEvent) error {
	for _, ev := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch ev.Operation {
		case watcher.OpGitignoreChange, watcher.OpConfigChange:
			if _, err := b.FullBuild(ctx); err != nil {
				return err
			}
		case watcher.OpDelete:
			if err := b.ReconcileDelete(ctx, ev.Path); err != nil {
				slog.Warn("watch_reconcile_delete_failed",
					slog.String("path", ev.Path), slog.String("error", err.Error()))
			}
		default: // OpCreate, OpModify, OpRename
			if err := b.ReconcileChange(ctx, ev.Path); err != nil {
				slog.Warn("watch_reconcile_change_failed",
					slog.String("path", ev.Path), slog.String("error", err.Error()))
			}
		}
	}
	return nil
}

// batchWatcher is the subset of *watcher.HybridWatcher's surface RunWatch
// needs: it emits debounced batches of events rather than one event at a
// time, which is why it is narrower than the single-event watcher.Watcher
// interface.
type batchWatcher interface {
	Start(ctx context.Context, path string) error
	Stop() error
	Events() <-chan []watcher.FileEvent
	Errors() <-chan error
}

// RunWatch starts watcher w over b.cfg.CodebaseRoot and drives
// ReconcileEvents for every debounced batch until ctx is cancelled or the
// watcher is stopped. Errors from the watcher's Errors() channel are
// logged, not fatal (spec 7's WatcherFailure kind: the watcher is marked
// stopped, not the whole process).
func (b *Builder) RunWatch(ctx context.Context, w batchWatcher) error {
	startErr := make(chan error, 1)
	go func() { startErr <- w.Start(ctx, b.cfg.CodebaseRoot) }()

	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return ctx.Err()
		case err := <-startErr:
			return err
		case events, ok := <-w.Events():
			if !ok {
				return nil
			}
			if err := b.ReconcileEvents(ctx, events); err != nil {
				return err
			}
		case err, ok := <-w.Errors():
			if !ok {
				return nil
			}
			slog.Warn("watcher_error", slog.String("error", err.Error()))
		}
	}
}
