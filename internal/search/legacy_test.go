package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLegacyFileSearcher_BoostsIdentifierMatchesAndPhrase(t *testing.T) {
	s, err := NewLegacyFileSearcher()
	require.NoError(t, err)
	defer s.Close()

	files := map[string]string{
		"a.go": "func processOrder(order Order) error { return validateOrder(order) }",
		"b.go": "func renderPage(ctx context.Context) {}",
	}

	ctx := context.Background()
	require.NoError(t, s.IndexFiles(ctx, files))

	results, err := s.Search(ctx, "processOrder validateOrder", 10, files)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, "a.go", results[0].Path)
}
