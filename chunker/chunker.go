package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/corpusq/ragengine/parser"
	"github.com/corpusq/ragengine/store"
)

// Config controls the chunking behaviour. Sizes are measured in characters,
// not estimated tokens: MaxTokens is the chunk_size target and Overlap is
// chunk_overlap, both in characters, matching the prose/code-mode buffering
// algorithm's character-based accounting.
type Config struct {
	MaxTokens    int // Target characters per chunk (chunk_size).
	Overlap      int // Character overlap between consecutive child chunks (chunk_overlap).
	MinChunkSize int // Minimum characters a buffered fragment must reach before it is emitted (min_chunk_size).
}

// Chunker converts parsed document sections into store-ready chunks.
type Chunker struct {
	cfg Config
}

// New returns a Chunker with the given configuration.
// Zero-value fields are replaced with sensible defaults.
func New(cfg Config) *Chunker {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Overlap == 0 {
		cfg.Overlap = 128
	}
	if cfg.MinChunkSize == 0 {
		cfg.MinChunkSize = 50
	}
	return &Chunker{cfg: cfg}
}

// Chunk converts parsed sections into store chunks with hierarchical
// relationships.  It returns a flat slice where parent-child
// relationships are tracked via ParentChunkID.  The returned chunks use
// position indices as temporary IDs; real database IDs are assigned on
// insert.
func (c *Chunker) Chunk(sections []parser.Section) []store.Chunk {
	var chunks []store.Chunk
	pos := 0
	for _, sec := range sections {
		c.processSection(sec, nil, &chunks, &pos, -1, nil)
	}
	return chunks
}

// ChunkWithSectionMap converts parsed sections into store chunks and returns
// a parallel slice mapping each chunk index to its originating top-level
// section index. This enables callers to associate per-section data (e.g.
// images) with the correct chunk IDs after insertion.
func (c *Chunker) ChunkWithSectionMap(sections []parser.Section) ([]store.Chunk, []int) {
	var chunks []store.Chunk
	var sectionMap []int
	pos := 0
	for i, sec := range sections {
		c.processSection(sec, nil, &chunks, &pos, i, &sectionMap)
	}
	return chunks, sectionMap
}

// processSection recursively converts a parser.Section (and its children)
// into one parent chunk plus zero or more child chunks.
// When sectionIdx >= 0 and sectionMap is non-nil, each chunk's originating
// top-level section index is recorded.
func (c *Chunker) processSection(sec parser.Section, parentPos *int64, chunks *[]store.Chunk, pos *int, sectionIdx int, sectionMap *[]int) {
	// --- parent chunk ---
	parentContent := buildParentContent(sec)
	parentMeta := marshalMeta(sec.Metadata)
	parentHash := contentHash(parentContent)
	parentIndex := int64(*pos)

	parent := store.Chunk{
		ID:            parentIndex, // temporary, replaced on DB insert
		ParentChunkID: parentPos,
		Content:       parentContent,
		ChunkType:     chunkTypeFromSection(sec),
		Heading:       sec.Heading,
		PageNumber:    sec.PageNumber,
		PositionInDoc: *pos,
		TokenCount:    estimateTokens(parentContent),
		Metadata:      parentMeta,
		ContentHash:   parentHash,
	}
	*chunks = append(*chunks, parent)
	if sectionMap != nil {
		*sectionMap = append(*sectionMap, sectionIdx)
	}
	*pos++

	// --- child chunks from content ---
	if sec.Content != "" {
		childType := childChunkType(sec)

		switch childType {
		case "code":
			fragments, lineRanges := ChunkCode(sec.Content, c.cfg.MaxTokens)
			offsets := locateOffsets(sec.Content, fragments)
			for i, frag := range fragments {
				c.emitChild(chunks, pos, sectionIdx, sectionMap, &parentIndex, sec, frag, childType,
					withOffsetMeta(sec.Metadata, offsets[i], lineRanges, i))
			}
		case "paragraph":
			// The parser left this section generically typed; look for
			// clause/table/requirement/definition structure in the prose
			// itself before falling back to size-based splitting.
			structured := c.splitStructuredContent(sec.Content)
			fragments := make([]string, len(structured))
			for i, sf := range structured {
				fragments[i] = sf.Content
			}
			offsets := locateOffsets(sec.Content, fragments)
			for i, sf := range structured {
				ct := childType
				if sf.ChunkType != "" {
					ct = sf.ChunkType
				}
				meta := mergeStringMaps(sec.Metadata, sf.Meta)
				c.emitChild(chunks, pos, sectionIdx, sectionMap, &parentIndex, sec, sf.Content, ct,
					withOffsetMeta(meta, offsets[i], nil, i))
			}
		default:
			fragments := c.splitContent(sec.Content)
			offsets := locateOffsets(sec.Content, fragments)
			for i, frag := range fragments {
				c.emitChild(chunks, pos, sectionIdx, sectionMap, &parentIndex, sec, frag, childType,
					withOffsetMeta(sec.Metadata, offsets[i], nil, i))
			}
		}
	}

	// --- recurse into child sections ---
	for _, child := range sec.Children {
		c.processSection(child, &parentIndex, chunks, pos, sectionIdx, sectionMap)
	}
}

// emitChild appends one child chunk and advances pos/sectionMap.
func (c *Chunker) emitChild(chunks *[]store.Chunk, pos *int, sectionIdx int, sectionMap *[]int, parentIndex *int64, sec parser.Section, content, chunkType, meta string) {
	child := store.Chunk{
		ID:            int64(*pos),
		ParentChunkID: parentIndex,
		Content:       content,
		ChunkType:     chunkType,
		Heading:       sec.Heading,
		PageNumber:    sec.PageNumber,
		PositionInDoc: *pos,
		TokenCount:    estimateTokens(content),
		Metadata:      meta,
		ContentHash:   contentHash(content),
	}
	*chunks = append(*chunks, child)
	if sectionMap != nil {
		*sectionMap = append(*sectionMap, sectionIdx)
	}
	*pos++
}

// splitContent breaks a long text into fragments that each fit within
// MaxTokens, splitting at paragraph and then sentence boundaries.
// Consecutive fragments share an overlap of up to c.cfg.Overlap characters
// of trailing text from the previous fragment.
func (c *Chunker) splitContent(text string) []string {
	trimmed := strings.TrimSpace(text)
	if charLen(trimmed) < c.cfg.MinChunkSize {
		return nil
	}
	if charLen(text) <= c.cfg.MaxTokens {
		return []string{trimmed}
	}

	paragraphs := splitParagraphs(text)
	var fragments []string
	var current strings.Builder
	currentChars := 0
	overlapText := ""

	for _, para := range paragraphs {
		paraChars := charLen(para)

		// If a single paragraph exceeds the chunk size, split it by sentences.
		if paraChars > c.cfg.MaxTokens {
			// Flush current buffer first, once it has reached the emit floor.
			if current.Len() > 0 && currentChars >= c.cfg.MinChunkSize {
				fragments = append(fragments, strings.TrimSpace(current.String()))
				overlapText = extractOverlap(current.String(), c.cfg.Overlap)
				current.Reset()
				currentChars = 0
			}
			sentenceFragments := c.splitBySentences(para, overlapText)
			fragments = append(fragments, sentenceFragments...)
			if len(sentenceFragments) > 0 {
				overlapText = extractOverlap(sentenceFragments[len(sentenceFragments)-1], c.cfg.Overlap)
			}
			continue
		}

		// Would adding this paragraph exceed the limit? Only flush once the
		// buffer has reached min_chunk_size; otherwise keep accumulating.
		if currentChars+paraChars > c.cfg.MaxTokens && current.Len() > 0 && currentChars >= c.cfg.MinChunkSize {
			fragments = append(fragments, strings.TrimSpace(current.String()))
			overlapText = extractOverlap(current.String(), c.cfg.Overlap)
			current.Reset()
			currentChars = 0

			// Start the new fragment with overlap text.
			if overlapText != "" {
				current.WriteString(overlapText)
				current.WriteString("\n\n")
				currentChars = charLen(overlapText)
			}
		}

		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
		currentChars += paraChars
	}

	if current.Len() > 0 {
		last := strings.TrimSpace(current.String())
		switch {
		case charLen(last) >= c.cfg.MinChunkSize:
			fragments = append(fragments, last)
		case len(fragments) > 0:
			// Below the emit floor on its own: fold into the previous
			// fragment rather than dropping the trailing text.
			fragments[len(fragments)-1] = fragments[len(fragments)-1] + "\n\n" + last
		}
	}

	return fragments
}

// splitBySentences breaks a paragraph into fragments at sentence
// boundaries, respecting MaxTokens and prepending overlap from the
// previous fragment.
func (c *Chunker) splitBySentences(text string, initialOverlap string) []string {
	sentences := splitSentences(text)
	var fragments []string
	var current strings.Builder
	currentChars := 0

	if initialOverlap != "" {
		current.WriteString(initialOverlap)
		current.WriteString(" ")
		currentChars = charLen(initialOverlap)
	}

	for _, sent := range sentences {
		sentChars := charLen(sent)

		if currentChars+sentChars > c.cfg.MaxTokens && current.Len() > 0 && currentChars >= c.cfg.MinChunkSize {
			fragments = append(fragments, strings.TrimSpace(current.String()))
			overlap := extractOverlap(current.String(), c.cfg.Overlap)
			current.Reset()
			currentChars = 0
			if overlap != "" {
				current.WriteString(overlap)
				current.WriteString(" ")
				currentChars = charLen(overlap)
			}
		}

		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sent)
		currentChars += sentChars
	}

	if current.Len() > 0 {
		last := strings.TrimSpace(current.String())
		switch {
		case charLen(last) >= c.cfg.MinChunkSize:
			fragments = append(fragments, last)
		case len(fragments) > 0:
			fragments[len(fragments)-1] = fragments[len(fragments)-1] + " " + last
		}
	}

	return fragments
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// estimateTokens approximates the token count of text using a simple
// word-based heuristic: tokens ~ words * 1.3. Used only for the
// informational TokenCount stored alongside each chunk; buffering
// decisions are made on character counts via charLen.
func estimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(math.Ceil(float64(words) * 1.3))
}

// charLen returns the number of characters (runes) in text, the unit
// chunk_size, chunk_overlap and min_chunk_size are measured in.
func charLen(text string) int {
	return utf8.RuneCountInString(text)
}

// buildParentContent produces the parent chunk body: the heading
// followed by an abbreviated version of the section content (first
// 200 characters).
func buildParentContent(sec parser.Section) string {
	var b strings.Builder
	if sec.Heading != "" {
		b.WriteString(sec.Heading)
		b.WriteString("\n\n")
	}
	content := strings.TrimSpace(sec.Content)
	if len(content) > 200 {
		// Cut at the last space within the first 200 chars to avoid
		// splitting a word.
		idx := strings.LastIndex(content[:200], " ")
		if idx < 0 {
			idx = 200
		}
		content = content[:idx] + "..."
	}
	b.WriteString(content)
	return strings.TrimSpace(b.String())
}

// chunkTypeFromSection maps a section type to a chunk type string.
func chunkTypeFromSection(sec parser.Section) string {
	switch sec.Type {
	case "table":
		return "table"
	case "definition":
		return "definition"
	case "requirement":
		return "requirement"
	case "paragraph":
		return "paragraph"
	default:
		return "section"
	}
}

// childChunkType returns the chunk type to assign to child fragments
// of a section.
func childChunkType(sec parser.Section) string {
	switch sec.Type {
	case "table":
		return "table"
	case "definition":
		return "definition"
	case "requirement":
		return "requirement"
	default:
		return "paragraph"
	}
}

// splitParagraphs splits text on blank-line boundaries.
func splitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitSentences is a simple sentence tokeniser.  It splits on
// period/question-mark/exclamation followed by whitespace or end of
// string, while trying not to split on abbreviations.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		cur.WriteRune(runes[i])
		if runes[i] == '.' || runes[i] == '?' || runes[i] == '!' {
			// Look ahead: if next char is whitespace or end of string,
			// treat as sentence boundary (simple heuristic).
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				s := strings.TrimSpace(cur.String())
				if s != "" {
					sentences = append(sentences, s)
				}
				cur.Reset()
			}
		}
	}
	if cur.Len() > 0 {
		s := strings.TrimSpace(cur.String())
		if s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

// extractOverlap returns the trailing portion of text whose length is at
// most maxChars characters, carried forward into the next fragment per
// chunk_overlap. It snaps the cut forward to the latest safe boundary:
// a sentence end ". " if one falls inside the window, else a word
// boundary, else the raw character boundary.
func extractOverlap(text string, maxChars int) string {
	runes := []rune(text)
	if len(runes) == 0 || maxChars <= 0 {
		return ""
	}
	if maxChars >= len(runes) {
		return strings.TrimSpace(text)
	}
	tail := string(runes[len(runes)-maxChars:])
	if idx := strings.Index(tail, ". "); idx >= 0 {
		return strings.TrimSpace(tail[idx+2:])
	}
	if idx := strings.IndexAny(tail, " \n\t"); idx >= 0 {
		return strings.TrimSpace(tail[idx+1:])
	}
	return strings.TrimSpace(tail)
}

// contentHash returns the SHA-256 hex digest of text.
func contentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// marshalMeta serialises a metadata map to a JSON string.
// Returns "{}" for nil or empty maps.
func marshalMeta(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}
