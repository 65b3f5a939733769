package chunker

import (
	"encoding/json"
	"strconv"
	"strings"
)

// withOffsetMeta merges a section's metadata with a fragment's character
// offsets (and, for code chunks, its line range) and returns the combined
// map serialized as a JSON string, ready for store.Chunk.Metadata.
func withOffsetMeta(base map[string]string, off Offset, lineRanges []LineRange, fragIdx int) string {
	merged := make(map[string]string, len(base)+2)
	for k, v := range base {
		merged[k] = v
	}
	merged["char_start"] = strconv.Itoa(off.Start)
	merged["char_end"] = strconv.Itoa(off.End)
	if fragIdx < len(lineRanges) {
		merged["line_start"] = strconv.Itoa(lineRanges[fragIdx].Start)
		merged["line_end"] = strconv.Itoa(lineRanges[fragIdx].End)
	}
	if len(merged) == 0 {
		return "{}"
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Mode selects the boundary-detection strategy spec §4.3 describes.
type Mode int

const (
	ModeProse Mode = iota
	ModeCode
)

// Offset is a half-open character range [Start, End) into the normalized
// document text a fragment was drawn from, per spec §4.3's invariant that
// every chunk's source-location offsets are computable from
// base_offset + running_char_position.
type Offset struct {
	Start int
	End   int
}

// LineRange captures the 1-based inclusive line span a code-mode chunk
// covers, per spec §4.3's code-mode source location requirement.
type LineRange struct {
	Start int
	End   int
}

// locateOffsets finds each fragment's position within the original text,
// scanning forward so overlapping fragments (which may repeat earlier
// text) are still located in document order rather than snapping back
// to the first occurrence of common words.
func locateOffsets(original string, fragments []string) []Offset {
	offsets := make([]Offset, len(fragments))
	cursor := 0
	for i, frag := range fragments {
		trimmed := strings.TrimSpace(frag)
		if trimmed == "" {
			at := charLen(original[:cursor])
			offsets[i] = Offset{Start: at, End: at}
			continue
		}
		idx := strings.Index(original[cursor:], firstWords(trimmed, 6))
		start := cursor
		if idx >= 0 {
			start = cursor + idx
		}
		end := start + len(trimmed)
		if end > len(original) {
			end = len(original)
		}
		offsets[i] = Offset{Start: charLen(original[:start]), End: charLen(original[:end])}
		// Advance the cursor to just past this fragment's own (non-overlap)
		// content so the next fragment search starts later, but not so far
		// that a following overlap-prefixed fragment can't be found: back
		// off by the configured overlap is unnecessary here since we search
		// for the fragment's own first words, not the overlap prefix.
		if end > cursor {
			cursor = end
		}
	}
	return offsets
}

func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return s
	}
	if n > len(fields) {
		n = len(fields)
	}
	return strings.Join(fields[:n], " ")
}

// ChunkCode splits text into line-based fragments for ModeCode, per spec
// §4.3: accumulate lines until adding the next would exceed chunkSize
// (characters); no syntactic decomposition. Returns fragments plus their
// 1-based inclusive LineRange.
func ChunkCode(text string, chunkSize int) ([]string, []LineRange) {
	lines := strings.Split(text, "\n")
	var fragments []string
	var ranges []LineRange

	var current strings.Builder
	curChars := 0
	startLine := 1
	for i, line := range lines {
		lineNo := i + 1
		lineChars := charLen(line)
		if curChars+lineChars+1 > chunkSize && current.Len() > 0 {
			fragments = append(fragments, current.String())
			ranges = append(ranges, LineRange{Start: startLine, End: lineNo - 1})
			current.Reset()
			curChars = 0
			startLine = lineNo
		}
		if current.Len() > 0 {
			current.WriteString("\n")
			curChars++
		}
		current.WriteString(line)
		curChars += lineChars
	}
	if current.Len() > 0 {
		fragments = append(fragments, current.String())
		ranges = append(ranges, LineRange{Start: startLine, End: len(lines)})
	}
	return fragments, ranges
}
