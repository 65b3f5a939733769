package processing

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/corpusq/ragengine/parser"
)

// Attempt records one parser-chain strategy's outcome, forming the audit
// trail required by spec §3's ParserAttempt and §4.2's escalation design.
type Attempt struct {
	ParserName     string
	Success        bool
	Error          string
	CharsExtracted int
	Duration       time.Duration
}

// ParseError aggregates every failed attempt in an escalation chain. It is
// returned when no strategy produces non-empty output.
type ParseError struct {
	Filename string
	Attempts []Attempt
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("all parser strategies failed for %s:", e.Filename)
	for _, a := range e.Attempts {
		msg += fmt.Sprintf(" [%s: %s]", a.ParserName, a.Error)
	}
	return msg
}

// ParsedDocument is the normalized output of a successful chain run.
type ParsedDocument struct {
	Text     string
	Method   string
	Pages    []PageRecord
	Attempts []Attempt
	Result   *parser.ParseResult
}

// PageRecord captures a page's text and its character offset within the
// concatenated document text, per spec §4.2's output structure.
type PageRecord struct {
	PageNumber     int
	Text           string
	CharOffsetInDoc int
}

// Chain executes the tiered escalation algorithm of spec §4.2: native
// in-process parsers, then a layout-aware external converter, then an
// OCR/vision step, then a cloud document-AI API, stopping at the first
// non-empty successful result.
type Chain struct {
	registry *parser.Registry
	vision   *parser.PDFVisionParser
	cloud    *parser.LlamaParseParser

	probeOnce       sync.Once
	pandocPath      string
	libreOfficePath string
}

// NewChain builds a chain from the teacher's existing native-parser
// registry, optionally wired with a vision provider (Tier-3 OCR
// equivalent) and a cloud document-AI client (Tier-4).
func NewChain(registry *parser.Registry, vision *parser.PDFVisionParser, cloud *parser.LlamaParseParser) *Chain {
	return &Chain{registry: registry, vision: vision, cloud: cloud}
}

// probeExternalTools lazily checks for pandoc/libreoffice on PATH once per
// Chain lifetime, per spec §4.2 "external-tool availability is probed
// lazily... and cached" and §9 "subprocess management".
func (c *Chain) probeExternalTools() {
	c.probeOnce.Do(func() {
		if p, err := exec.LookPath("pandoc"); err == nil {
			c.pandocPath = p
		}
		if p, err := exec.LookPath("libreoffice"); err == nil {
			c.libreOfficePath = p
		} else if p, err := exec.LookPath("soffice"); err == nil {
			c.libreOfficePath = p
		}
	})
}

// strategySteps returns the ordered, deduplicated list of strategy names
// to try for a file, derived from its FileCharacteristics.
func strategySteps(fc FileCharacteristics) []string {
	ext := fc.Extension
	var steps []string

	add := func(s string) {
		for _, existing := range steps {
			if existing == s {
				return
			}
		}
		steps = append(steps, s)
	}

	nativeCapable := map[string]bool{
		"pdf": true, "docx": true, "xlsx": true, "xls": true, "pptx": true,
		"txt": true, "md": true, "markdown": true, "html": true, "htm": true, "csv": true,
	}
	isImage := isImageFormat(ext)

	switch fc.RecommendedParser {
	case StrategyCloudFirst:
		if fc.IsScannedPDF || isImage {
			add("vision")
		}
		add("cloud")
		if nativeCapable[ext] {
			add("native")
		}
	case StrategyLocalToolsFirst:
		add("pandoc")
		add("legacy_convert")
		if nativeCapable[ext] {
			add("native")
		}
		add("cloud")
	case StrategyParallelAttempt:
		if nativeCapable[ext] {
			add("native")
		}
		add("pandoc")
		add("vision")
		add("cloud")
	default: // StrategyNativeOnly
		switch {
		case nativeCapable[ext]:
			add("native")
		case isImage:
			add("vision")
			add("cloud")
		default:
			add("pandoc")
			add("legacy_convert")
			add("cloud")
		}
	}

	return steps
}

// Parse runs the escalation chain for one file and returns the first
// non-empty successful extraction, or an aggregated *ParseError.
func (c *Chain) Parse(ctx context.Context, filename string, data []byte, fc FileCharacteristics) (*ParsedDocument, error) {
	c.probeExternalTools()

	tmpFile, cleanup, err := writeTempFile(filename, data)
	if err != nil {
		return nil, fmt.Errorf("staging temp file: %w", err)
	}
	defer cleanup()

	var attempts []Attempt
	for _, step := range strategySteps(fc) {
		start := time.Now()
		text, result, serr := c.tryStep(ctx, step, filename, tmpFile, fc)
		elapsed := time.Since(start)

		attempt := Attempt{ParserName: step, Duration: elapsed}
		if serr != nil {
			attempt.Error = serr.Error()
			attempts = append(attempts, attempt)
			continue
		}
		if text == "" {
			attempt.Error = "empty extraction"
			attempts = append(attempts, attempt)
			continue
		}

		attempt.Success = true
		attempt.CharsExtracted = len(text)
		attempts = append(attempts, attempt)

		return &ParsedDocument{
			Text:     NormalizeText(text),
			Method:   step,
			Attempts: attempts,
			Result:   result,
		}, nil
	}

	return nil, &ParseError{Filename: filename, Attempts: attempts}
}

func (c *Chain) tryStep(ctx context.Context, step, filename, tmpFile string, fc FileCharacteristics) (string, *parser.ParseResult, error) {
	switch step {
	case "native":
		p, err := c.registry.Get(fc.Extension)
		if err != nil {
			return "", nil, err
		}
		result, err := p.Parse(ctx, tmpFile)
		if err != nil {
			return "", nil, err
		}
		return flattenSections(result.Sections), result, nil

	case "pandoc":
		if c.pandocPath == "" {
			return "", nil, fmt.Errorf("pandoc not available on PATH")
		}
		text, err := runPandoc(ctx, c.pandocPath, tmpFile)
		return text, nil, err

	case "legacy_convert":
		if c.libreOfficePath == "" {
			return "", nil, fmt.Errorf("libreoffice/soffice not available on PATH")
		}
		text, err := runLibreOfficeConvert(ctx, c.libreOfficePath, tmpFile)
		return text, nil, err

	case "vision":
		if c.vision == nil {
			return "", nil, fmt.Errorf("no vision provider configured")
		}
		result, err := c.vision.Parse(ctx, tmpFile)
		if err != nil {
			return "", nil, err
		}
		return flattenSections(result.Sections), result, nil

	case "cloud":
		if c.cloud == nil {
			return "", nil, fmt.Errorf("no cloud document-AI provider configured")
		}
		result, err := c.cloud.Parse(ctx, tmpFile)
		if err != nil {
			return "", nil, err
		}
		return flattenSections(result.Sections), result, nil

	default:
		return "", nil, fmt.Errorf("unknown parser strategy step: %s", step)
	}
}

func flattenSections(sections []parser.Section) string {
	var buf bytes.Buffer
	var walk func([]parser.Section)
	walk = func(secs []parser.Section) {
		for _, s := range secs {
			if s.Heading != "" {
				buf.WriteString(s.Heading)
				buf.WriteString("\n")
			}
			buf.WriteString(s.Content)
			buf.WriteString("\n")
			if len(s.Children) > 0 {
				walk(s.Children)
			}
		}
	}
	walk(sections)
	return buf.String()
}

func writeTempFile(filename string, data []byte) (path string, cleanup func(), err error) {
	dir, err := os.MkdirTemp("", "ragengine-parse-*")
	if err != nil {
		return "", nil, err
	}
	path = filepath.Join(dir, filepath.Base(filename))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		os.RemoveAll(dir)
		return "", nil, err
	}
	return path, func() { os.RemoveAll(dir) }, nil
}

// runPandoc converts a document to plain text via the pandoc binary,
// the Tier-2 "document converter" of spec §4.2. It streams via stdout
// rather than a temp output file since pandoc supports "-o -".
func runPandoc(ctx context.Context, pandocPath, inputPath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 120*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, pandocPath, inputPath, "--to=plain", "-o", "-")
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("pandoc: %w: %s", err, stderr.String())
	}
	return out.String(), nil
}

// runLibreOfficeConvert shells out to a headless office suite, the Tier-3
// "legacy-format converter" of spec §4.2, for doc/ppt/xls. Output is
// written to a uniquely-named temp directory, read back, then the
// directory is removed on every exit path per spec §9's subprocess
// management note.
func runLibreOfficeConvert(ctx context.Context, sofficePath, inputPath string) (string, error) {
	outDir, err := os.MkdirTemp("", "ragengine-legacy-*")
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(outDir)

	ctx, cancel := context.WithTimeout(ctx, 120*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, sofficePath, "--headless", "--convert-to", "txt:Text", "--outdir", outDir, inputPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("libreoffice: %w: %s", err, stderr.String())
	}

	stem := filepath.Base(inputPath)
	ext := filepath.Ext(stem)
	stem = stem[:len(stem)-len(ext)]
	outPath := filepath.Join(outDir, stem+".txt")
	data, err := os.ReadFile(outPath)
	if err != nil {
		return "", fmt.Errorf("reading converted output: %w", err)
	}
	return string(data), nil
}
