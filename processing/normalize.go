package processing

import "strings"

// glyphReplacements maps common PDF/office glyph artifacts (ligatures,
// smart quotes, unicode dashes) to their canonical ASCII-adjacent forms,
// per spec §4.2's uniform post-extraction normalization step.
var glyphReplacements = map[string]string{
	"ﬀ": "ff",
	"ﬁ": "fi",
	"ﬂ": "fl",
	"ﬃ": "ffi",
	"ﬄ": "ffl",
	"‘": "'",
	"’": "'",
	"“": "\"",
	"”": "\"",
	"–": "-",
	"—": "-",
	" ": " ",
}

// NormalizeText applies spec §4.2's uniform text normalization: glyph
// canonicalization, NUL removal, whitespace collapsing, and empty-line
// trimming. This text is what chunking and the content hash operate on.
func NormalizeText(text string) string {
	for from, to := range glyphReplacements {
		text = strings.ReplaceAll(text, from, to)
	}
	text = strings.ReplaceAll(text, "\x00", "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = collapseSpaces(strings.TrimRight(line, " \t"))
		out = append(out, line)
	}

	// Drop empty lines left over from normalization, collapsing runs of
	// blank lines to a single separator, but keep paragraph breaks.
	var result []string
	blank := false
	for _, line := range out {
		if strings.TrimSpace(line) == "" {
			if !blank {
				result = append(result, "")
			}
			blank = true
			continue
		}
		blank = false
		result = append(result, line)
	}

	return strings.TrimSpace(strings.Join(result, "\n"))
}

func collapseSpaces(s string) string {
	var b strings.Builder
	spacePending := false
	for _, r := range s {
		if r == ' ' || r == '\t' {
			spacePending = true
			continue
		}
		if spacePending {
			b.WriteRune(' ')
			spacePending = false
		}
		b.WriteRune(r)
	}
	if spacePending && b.Len() > 0 {
		b.WriteRune(' ')
	}
	return b.String()
}
