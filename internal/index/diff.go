// Package index builds and incrementally maintains the relational store's
// chunk-level index from a filesystem view (spec 4.4, 4.5).
package index

import (
	"sort"

	"github.com/coderag/coderag/internal/store"
)

// FileMeta is the filesystem-side half of a diff: what is on disk right
// now, after ignore filtering.
type FileMeta struct {
	Path      string
	ModTimeMS int64
	Size      int64
}

// Status classifies a path during diff.
type Status string

const (
	StatusAdded     Status = "added"
	StatusChanged   Status = "changed" // mtime drifted beyond tolerance; hash confirmation still required
	StatusDeleted   Status = "deleted"
	StatusUnchanged Status = "unchanged"
)

// DiffEntry is one path's classification.
type DiffEntry struct {
	Path   string
	Status Status
}

// DiffResult is the outcome of comparing a filesystem view against stored
// file metadata (spec 4.5).
type DiffResult struct {
	Added     []string
	Changed   []string
	Deleted   []string
	Unchanged int
}

// mtimeToleranceMS is the coarse-filesystem-timestamp tolerance: a drift at
// or below this is treated as unchanged, a drift above it is a changed
// candidate pending hash confirmation (spec 4.5).
const mtimeToleranceMS = 1000

// Diff classifies every path visible in current against stored, using the
// exact absolute-mtime-difference rule of spec 4.5. It does not perform
// hash confirmation itself: that gate belongs to the caller (the index
// builder), which alone can read file content.
func Diff(current []*FileMeta, stored []*store.RelationalFile) *DiffResult {
	storedByPath := make(map[string]*store.RelationalFile, len(stored))
	for _, f := range stored {
		storedByPath[f.Path] = f
	}

	seen := make(map[string]bool, len(current))
	result := &DiffResult{}

	for _, fm := range current {
		seen[fm.Path] = true
		sf, ok := storedByPath[fm.Path]
		if !ok {
			result.Added = append(result.Added, fm.Path)
			continue
		}
		diff := fm.ModTimeMS - sf.ModTimeMS
		if diff < 0 {
			diff = -diff
		}
		if diff <= mtimeToleranceMS {
			result.Unchanged++
		} else {
			result.Changed = append(result.Changed, fm.Path)
		}
	}

	for _, sf := range stored {
		if !seen[sf.Path] {
			result.Deleted = append(result.Deleted, sf.Path)
		}
	}

	sort.Strings(result.Added)
	sort.Strings(result.Changed)
	sort.Strings(result.Deleted)

	return result
}
