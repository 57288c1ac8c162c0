package search

import (
	"sort"
	"strconv"
	"strings"
)

const (
	// DefaultSnippetContextLines is the default block expansion radius.
	DefaultSnippetContextLines = 3
	// DefaultSnippetMaxChars caps a composed snippet's total length.
	DefaultSnippetMaxChars = 2000
	// DefaultSnippetMaxBlocks caps the number of blocks a composed snippet emits.
	DefaultSnippetMaxBlocks = 4
)

// FormatChunkSnippet renders a chunk's content verbatim with each line
// prefixed by its absolute source line number, for chunk-mode results
// (spec 4.7 step 6). startLine is the chunk's first absolute line.
func FormatChunkSnippet(content string, startLine int) string {
	lines := strings.Split(content, "\n")
	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strconv.Itoa(startLine + i))
		b.WriteString(": ")
		b.WriteString(line)
	}
	return b.String()
}

type block struct {
	startLine     int // 0-based index into lines
	endLine       int // inclusive, 0-based
	matchedTerms  map[string]bool
}

// ComposeSnippet builds the block-based snippet of spec 4.7 for file-level
// (in-memory, non-chunk-mode) results: find lines containing any query
// term, expand each to a block of ±contextLines, merge overlapping blocks,
// rank by (distinct matched terms desc, density desc), emit blocks in file
// order separated by "\n...\n" up to maxBlocks and maxChars. Falls back to
// the first five lines when no line matches.
func ComposeSnippet(content string, terms []string, contextLines, maxBlocks, maxChars int) string {
	lines := strings.Split(content, "\n")

	termSet := make(map[string]bool, len(terms))
	for _, t := range terms {
		if t != "" {
			termSet[strings.ToLower(t)] = true
		}
	}

	var blocks []*block
	for i, line := range lines {
		lower := strings.ToLower(line)
		matched := map[string]bool{}
		for t := range termSet {
			if strings.Contains(lower, t) {
				matched[t] = true
			}
		}
		if len(matched) == 0 {
			continue
		}
		start := i - contextLines
		if start < 0 {
			start = 0
		}
		end := i + contextLines
		if end > len(lines)-1 {
			end = len(lines) - 1
		}
		blocks = append(blocks, &block{startLine: start, endLine: end, matchedTerms: matched})
	}

	if len(blocks) == 0 {
		end := 5
		if end > len(lines) {
			end = len(lines)
		}
		return strings.Join(lines[:end], "\n")
	}

	merged := mergeBlocks(blocks)

	sort.SliceStable(merged, func(i, j int) bool {
		di, dj := len(merged[i].matchedTerms), len(merged[j].matchedTerms)
		if di != dj {
			return di > dj
		}
		densityI := float64(di) / float64(merged[i].endLine-merged[i].startLine+1)
		densityJ := float64(dj) / float64(merged[j].endLine-merged[j].startLine+1)
		return densityI > densityJ
	})

	if len(merged) > maxBlocks {
		merged = merged[:maxBlocks]
	}

	// Emit selected blocks in file order.
	sort.Slice(merged, func(i, j int) bool { return merged[i].startLine < merged[j].startLine })

	var b strings.Builder
	total := 0
	for i, blk := range merged {
		text := strings.Join(lines[blk.startLine:blk.endLine+1], "\n")
		sep := ""
		if i > 0 {
			sep = "\n...\n"
		}
		if total+len(sep)+len(text) > maxChars {
			break
		}
		b.WriteString(sep)
		b.WriteString(text)
		total += len(sep) + len(text)
	}
	return b.String()
}

// mergeBlocks combines overlapping or adjacent blocks, unioning their
// matched-term sets, assuming no particular input order.
func mergeBlocks(blocks []*block) []*block {
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].startLine < blocks[j].startLine })

	var merged []*block
	cur := blocks[0]
	for _, b := range blocks[1:] {
		if b.startLine <= cur.endLine+1 {
			if b.endLine > cur.endLine {
				cur.endLine = b.endLine
			}
			for t := range b.matchedTerms {
				cur.matchedTerms[t] = true
			}
			continue
		}
		merged = append(merged, cur)
		cur = b
	}
	merged = append(merged, cur)
	return merged
}
