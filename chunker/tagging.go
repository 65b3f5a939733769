package chunker

import "strings"

// structuredFragment is one child fragment produced from prose content,
// tagged with whatever clause/requirement/definition/reference structure
// legal.go and engineering.go detect in it. ChunkType is "" when no
// structural signal overrides the section's default chunk type.
type structuredFragment struct {
	Content   string
	ChunkType string
	Meta      map[string]string
}

// splitStructuredContent is processSection's entry point for content
// whose type the parser left generic ("paragraph"/"section"/""):
// markdown/pipe-delimited table blocks are carved out as atomic
// fragments first (DetectTables/PreserveTableChunks), then each
// remaining block is split at clause boundaries when it reads like
// numbered legal or technical clauses (DetectClauseBoundaries,
// SplitByClauses), falling back to the size-bounded paragraph/sentence
// splitter otherwise. Every resulting fragment is tagged with the
// requirement, definition, clause-number, cross-reference, and
// standards-reference signals found in it.
func (c *Chunker) splitStructuredContent(text string) []structuredFragment {
	tables := DetectTables(text)
	tableBlocks := make(map[string]bool, len(tables))
	for _, t := range tables {
		tableBlocks[t.Content] = true
	}

	var out []structuredFragment
	for _, block := range PreserveTableChunks(text) {
		if tableBlocks[block] {
			out = append(out, structuredFragment{Content: block, ChunkType: "table"})
			continue
		}
		out = append(out, c.splitProseBlock(block)...)
	}
	return out
}

// splitProseBlock splits one non-table block into size-bounded
// fragments, preferring clause boundaries over generic paragraph
// boundaries once the block contains at least two numbered clauses.
func (c *Chunker) splitProseBlock(text string) []structuredFragment {
	var raw []string
	if len(DetectClauseBoundaries(text)) >= 2 {
		for _, clause := range SplitByClauses(text) {
			switch {
			case charLen(clause) > c.cfg.MaxTokens:
				raw = append(raw, c.splitContent(clause)...)
			case charLen(clause) >= c.cfg.MinChunkSize || len(raw) == 0:
				raw = append(raw, clause)
			default:
				// Below the emit floor on its own: fold into the
				// previous clause fragment rather than dropping it.
				raw[len(raw)-1] = raw[len(raw)-1] + "\n\n" + clause
			}
		}
	} else {
		raw = c.splitContent(text)
	}

	out := make([]structuredFragment, 0, len(raw))
	for _, frag := range raw {
		ct, meta := classifyFragment(frag)
		out = append(out, structuredFragment{Content: frag, ChunkType: ct, Meta: meta})
	}
	return out
}

// classifyFragment inspects a fragment for normative requirement
// language, defined terms, clause numbering, cross-references, and
// standards references, returning a chunk-type override ("requirement",
// "definition", or "" for no override) plus metadata to merge alongside
// the section's own metadata.
func classifyFragment(frag string) (string, map[string]string) {
	meta := make(map[string]string, 4)
	chunkType := ""

	if reqs := DetectRequirements(frag); len(reqs) > 0 {
		chunkType = "requirement"
		meta["requirement_keyword"] = reqs[0].Keyword
		meta["requirement_level"] = reqs[0].Level
	} else if defs := ExtractDefinitions(frag); len(defs) > 0 {
		chunkType = "definition"
		meta["defined_term"] = defs[0].Term
	}

	if num, ok := ExtractClauseNumber(frag); ok {
		meta["clause_number"] = num
	}
	if refs := DetectCrossReferences(frag); len(refs) > 0 {
		targets := make([]string, len(refs))
		for i, r := range refs {
			targets[i] = r.Type + " " + r.Target
		}
		meta["cross_references"] = strings.Join(targets, "; ")
	}
	if refs := DetectStandardsReferences(frag); len(refs) > 0 {
		names := make([]string, len(refs))
		for i, r := range refs {
			names[i] = r.Standard
		}
		meta["standards_references"] = strings.Join(names, "; ")
	}

	if len(meta) == 0 {
		return chunkType, nil
	}
	return chunkType, meta
}

// mergeStringMaps returns base with extra's keys overlaid on top.
// base is returned unmodified when extra is empty.
func mergeStringMaps(base, extra map[string]string) map[string]string {
	if len(extra) == 0 {
		return base
	}
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
