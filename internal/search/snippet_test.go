package search

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatChunkSnippet_PrefixesAbsoluteLines(t *testing.T) {
	out := FormatChunkSnippet("a\nb\nc", 10)
	assert.Equal(t, "10: a\n11: b\n12: c", out)
}

func TestComposeSnippet_NoMatchFallsBackToFirstFive(t *testing.T) {
	content := strings.Join([]string{"l1", "l2", "l3", "l4", "l5", "l6", "l7"}, "\n")
	out := ComposeSnippet(content, []string{"zzz"}, 3, 4, 2000)
	assert.Equal(t, "l1\nl2\nl3\nl4\nl5", out)
}

func TestComposeSnippet_MatchesExpandAndMerge(t *testing.T) {
	lines := make([]string, 20)
	for i := range lines {
		lines[i] = "line"
	}
	lines[5] = "func target() {}"
	lines[7] = "call target()"
	content := strings.Join(lines, "\n")

	out := ComposeSnippet(content, []string{"target"}, 2, 4, 2000)
	assert.Contains(t, out, "func target() {}")
	assert.Contains(t, out, "call target()")
	assert.NotContains(t, out, "\n...\n") // blocks at 3-9 and 5-9 overlap, should merge into one
}

func TestComposeSnippet_TruncatesAtMaxChars(t *testing.T) {
	lines := make([]string, 100)
	for i := range lines {
		lines[i] = "needle appears here repeated content padding"
	}
	content := strings.Join(lines, "\n")

	out := ComposeSnippet(content, []string{"needle"}, 0, 4, 50)
	assert.LessOrEqual(t, len(out), 50)
}

func TestComposeSnippet_RespectsMaxBlocks(t *testing.T) {
	lines := make([]string, 100)
	for i := range lines {
		lines[i] = "filler"
	}
	for _, idx := range []int{5, 20, 40, 60, 80} {
		lines[idx] = "match here"
	}
	content := strings.Join(lines, "\n")

	out := ComposeSnippet(content, []string{"match"}, 0, 2, 2000)
	assert.Equal(t, 1, strings.Count(out, "\n...\n"))
}
