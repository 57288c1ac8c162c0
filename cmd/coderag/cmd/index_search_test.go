package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestIndexAndSearchCmd_EndToEnd drives the CLI exactly as a user would:
// index a directory with --no-vector (no embedder/network dependency), then
// search it, asserting the indexed file comes back as a result.
func TestIndexAndSearchCmd_EndToEnd(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	project := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(project, "greeter.go"), []byte(`package greeter

// Greet returns a friendly greeting for name.
func Greet(name string) string {
	return "hello " + name
}
`), 0o644))

	indexCmd := NewRootCmd()
	indexBuf := new(bytes.Buffer)
	indexCmd.SetOut(indexBuf)
	indexCmd.SetArgs([]string{"index", project, "--no-vector"})
	require.NoError(t, indexCmd.Execute())
	assert.Contains(t, indexBuf.String(), "Indexed:")

	searchCmd := NewRootCmd()
	searchBuf := new(bytes.Buffer)
	searchCmd.SetOut(searchBuf)
	searchCmd.SetArgs([]string{"search", "--dir", project, "--bm25-only", "greeting"})
	require.NoError(t, searchCmd.Execute())
	assert.Contains(t, searchBuf.String(), "greeter.go")
}

// TestIndexCmd_Force_ClearsExistingData verifies --force removes the prior
// project data directory before rebuilding, rather than erroring on it.
func TestIndexCmd_Force_ClearsExistingData(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	project := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(project, "a.go"), []byte("package a\nfunc A() {}\n"), 0o644))

	first := NewRootCmd()
	first.SetOut(new(bytes.Buffer))
	first.SetArgs([]string{"index", project, "--no-vector"})
	require.NoError(t, first.Execute())

	second := NewRootCmd()
	buf := new(bytes.Buffer)
	second.SetOut(buf)
	second.SetArgs([]string{"index", project, "--no-vector", "--force"})
	require.NoError(t, second.Execute())
	assert.Contains(t, buf.String(), "Cleared existing index data")
}
