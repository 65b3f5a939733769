package parser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// TextParser handles formats whose native extraction is "read the bytes
// and treat them as text": plain text, Markdown, HTML, and CSV. HTML gets
// its tags stripped; CSV gets its delimiters loosened into whitespace so
// the chunker's sentence/word boundary logic still applies sensibly.
type TextParser struct{}

func (p *TextParser) SupportedFormats() []string {
	return []string{"txt", "md", "markdown", "html", "htm", "csv"}
}

var htmlTagRe = regexp.MustCompile(`<[^>]*>`)

func (p *TextParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading text file: %w", err)
	}

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	content := string(data)

	switch ext {
	case "html", "htm":
		content = htmlTagRe.ReplaceAllString(content, " ")
	case "csv":
		content = strings.ReplaceAll(content, ",", " ")
	}
	content = strings.TrimSpace(content)

	if content == "" {
		return nil, fmt.Errorf("%w: empty content", ErrEmptyContent)
	}

	return &ParseResult{
		Sections: []Section{
			{
				Heading: filepath.Base(path),
				Content: content,
				Level:   1,
				Type:    "paragraph",
			},
		},
		Method: "native",
	}, nil
}
