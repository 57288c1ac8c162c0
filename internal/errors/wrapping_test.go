package errors_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coderag/coderag/internal/store"
)

// TestErrorWrapping_RelationalStore_DirectoryCreateFailure verifies that a
// failure to create the store's parent directory is wrapped with the
// directory path for context, not surfaced as a bare os error.
func TestErrorWrapping_RelationalStore_DirectoryCreateFailure(t *testing.T) {
	// A regular file can never be mkdir'd into, so treating it as the
	// parent directory of the database path is guaranteed to fail.
	blocker := filepath.Join(t.TempDir(), "not-a-directory")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	_, err := store.NewRelationalSQLiteStore(filepath.Join(blocker, "nested", "index.db"))
	if err == nil {
		t.Fatal("expected an error opening a store under a non-directory parent")
	}
	if !strings.Contains(err.Error(), blocker) {
		t.Errorf("error should name the directory it failed to create, got: %s", err.Error())
	}
}

// TestErrorWrapping_RelationalStore_SearchByTerms_EmptyStore verifies
// SearchByTerms is total over an empty store: no rows is not an error.
func TestErrorWrapping_RelationalStore_SearchByTerms_EmptyStore(t *testing.T) {
	s, err := store.NewRelationalSQLiteStore("")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	defer s.Close()

	candidates, err := s.SearchByTerms(context.Background(), []string{"nonexistent"}, 10)
	if err != nil {
		t.Errorf("expected no error searching an empty store, got: %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("expected no candidates, got %d", len(candidates))
	}
}

// TestErrorWrapping_RelationalStore_GetFileByPath_Missing verifies
// GetFileByPath reports a missing row as (nil, nil), not a wrapped
// sql.ErrNoRows, so callers can distinguish "not indexed yet" from a real
// storage failure.
func TestErrorWrapping_RelationalStore_GetFileByPath_Missing(t *testing.T) {
	s, err := store.NewRelationalSQLiteStore("")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	defer s.Close()

	f, err := s.GetFileByPath(context.Background(), "missing/file.go")
	if err != nil {
		t.Errorf("expected no error for a missing file, got: %v", err)
	}
	if f != nil {
		t.Errorf("expected nil file for a missing path, got: %+v", f)
	}
}
