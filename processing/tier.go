// Package processing implements the file classifier/tier assigner and the
// persistent job queue / worker pool that drive document ingestion.
package processing

import (
	"bytes"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/corpusq/ragengine/parser"
)

// FileTier is a size/complexity class controlling timeout and worker
// allocation for a single file's processing.
type FileTier int

const (
	TierFast FileTier = iota
	TierMedium
	TierHeavy
	TierComplex
)

func (t FileTier) String() string {
	switch t {
	case TierFast:
		return "fast"
	case TierMedium:
		return "medium"
	case TierHeavy:
		return "heavy"
	case TierComplex:
		return "complex"
	default:
		return "unknown"
	}
}

// DefaultTimeout returns the tier's default per-file timeout.
func (t FileTier) DefaultTimeout() time.Duration {
	switch t {
	case TierFast:
		return 120 * time.Second
	case TierMedium:
		return 300 * time.Second
	case TierHeavy:
		return 900 * time.Second
	case TierComplex:
		return 1200 * time.Second
	default:
		return 120 * time.Second
	}
}

// DefaultWorkers returns the recommended worker count for files of this tier.
func (t FileTier) DefaultWorkers() int {
	cpu := runtime.NumCPU()
	switch t {
	case TierFast:
		if cpu > 8 {
			return 8
		}
		return cpu
	case TierMedium:
		return 4
	case TierHeavy, TierComplex:
		return 2
	default:
		return 1
	}
}

// tierFromSize classifies a file purely by byte size (spec §4.1 tiering
// rules). Complexity-driven upgrades to TierComplex happen separately in
// Classify.
func tierFromSize(sizeBytes int64) FileTier {
	const mb = 1024 * 1024
	switch {
	case sizeBytes < 10*mb:
		return TierFast
	case sizeBytes < 100*mb:
		return TierMedium
	default:
		return TierHeavy
	}
}

// ParserStrategy recommends which escalation path the parser chain (see
// package parser) should prefer for a given file.
type ParserStrategy int

const (
	StrategyNativeOnly ParserStrategy = iota
	StrategyLocalToolsFirst
	StrategyCloudFirst
	StrategyParallelAttempt
)

func (s ParserStrategy) String() string {
	switch s {
	case StrategyNativeOnly:
		return "native_only"
	case StrategyLocalToolsFirst:
		return "local_tools_first"
	case StrategyCloudFirst:
		return "cloud_first"
	case StrategyParallelAttempt:
		return "parallel_attempt"
	default:
		return "unknown"
	}
}

// FileCharacteristics is the output of Classify: everything downstream
// tiering, timeout, and parser-chain decisions depend on.
type FileCharacteristics struct {
	Filename         string
	Extension        string
	SizeBytes        int64
	Tier             FileTier
	Timeout          time.Duration
	RecommendedParser ParserStrategy
	ComplexityScore  float64
	IsEncrypted      bool
	IsScannedPDF     bool
	HasComplexFonts  bool
	EstimatedPages   int
}

// Classify inspects a file's name and bytes and produces FileCharacteristics
// per spec §4.1: a bounded byte-pattern scan, never a full parse.
func Classify(filename string, data []byte) FileCharacteristics {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	size := int64(len(data))
	tier := tierFromSize(size)

	fc := FileCharacteristics{
		Filename:  filename,
		Extension: ext,
		SizeBytes: size,
		Tier:      tier,
	}

	if ext == "pdf" {
		inspectPDF(data, &fc)
	}

	complexFonts := fc.HasComplexFonts

	// Complexity score combines flags with a size factor.
	score := 0.0
	if fc.IsEncrypted {
		score += 0.4
	}
	if fc.IsScannedPDF {
		score += 0.3
	}
	if complexFonts {
		score += 0.1
	}
	if size > 50*1024*1024 {
		score += 0.1
	}
	if fc.EstimatedPages > 200 {
		score += 0.1
	}
	if score > 1.0 {
		score = 1.0
	}
	fc.ComplexityScore = score

	if fc.IsEncrypted || fc.IsScannedPDF {
		tier = TierComplex
	}
	fc.Tier = tier

	// Parser recommendation (spec §4.1 branching).
	switch {
	case fc.IsEncrypted:
		fc.RecommendedParser = StrategyCloudFirst
	case fc.IsScannedPDF:
		fc.RecommendedParser = StrategyCloudFirst
	case complexFonts && size > 10*1024*1024:
		fc.RecommendedParser = StrategyLocalToolsFirst
	case fc.ComplexityScore > 0.7:
		fc.RecommendedParser = StrategyParallelAttempt
	case size > 100*1024*1024:
		fc.RecommendedParser = StrategyCloudFirst
	case isLegacyFormat(ext):
		fc.RecommendedParser = StrategyLocalToolsFirst
	default:
		fc.RecommendedParser = StrategyNativeOnly
	}

	fc.Timeout = computeTimeout(fc)
	return fc
}

func isLegacyFormat(ext string) bool {
	switch ext {
	case "doc", "ppt", "xls", "rtf", "odt", "odp", "ods", "epub":
		return true
	default:
		return false
	}
}

func isImageFormat(ext string) bool {
	switch ext {
	case "png", "jpg", "jpeg", "gif", "bmp", "tiff", "tif", "webp":
		return true
	default:
		return false
	}
}

// KnownExtension reports whether ext belongs to one of spec §3's
// enumerated document types (native-parseable, legacy-office, or image),
// i.e. whether the classifier recognizes the file at all rather than
// rejecting it outright as UnsupportedFileType.
func KnownExtension(ext string) bool {
	switch ext {
	case "pdf", "docx", "xlsx", "xls", "pptx", "txt", "md", "markdown",
		"html", "htm", "csv":
		return true
	}
	return isLegacyFormat(ext) || isImageFormat(ext)
}

// computeTimeout implements spec §4.1's timeout formula: base 1s/100KB
// (floor 60s), multiplied by a condition-driven factor, capped by the
// assigned tier's ceiling.
func computeTimeout(fc FileCharacteristics) time.Duration {
	base := time.Duration(fc.SizeBytes/(100*1024)) * time.Second
	if base < 60*time.Second {
		base = 60 * time.Second
	}

	multiplier := 1.0 + fc.ComplexityScore
	switch {
	case fc.IsScannedPDF:
		multiplier = 3.0
	case fc.HasComplexFonts:
		multiplier = 2.0
	case fc.IsEncrypted:
		multiplier = 1.5
	}

	timeout := time.Duration(float64(base) * multiplier)
	ceiling := fc.Tier.DefaultTimeout()
	if timeout > ceiling {
		timeout = ceiling
	}
	return timeout
}

// inspectPDF performs the bounded byte-pattern scan spec §4.1 describes:
// no full parse, just signature detection plus a best-effort complexity
// pass via the parser package's existing page-level heuristics.
func inspectPDF(data []byte, fc *FileCharacteristics) {
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return
	}
	if bytes.Contains(data, []byte("/Encrypt")) {
		fc.IsEncrypted = true
	}
	if bytes.Contains(data, []byte("/ToUnicode ")) {
		fc.HasComplexFonts = true
	}

	images := bytes.Count(data, []byte("/Image")) + bytes.Count(data, []byte("/XObject"))
	textBlocks := bytes.Count(data, []byte("BT "))
	if images > 0 && images > textBlocks*2 {
		fc.IsScannedPDF = true
	}

	// Cheap estimate: count /Type /Page occurrences (not /Pages).
	fc.EstimatedPages = bytes.Count(data, []byte("/Type/Page")) + bytes.Count(data, []byte("/Type /Page"))
}

// DetectComplexity re-runs the teacher's full per-page PDF complexity scan
// (table/multi-column/font-variety detection) for callers that already
// have the file on disk and want the richer score beyond the bounded
// byte-pattern scan Classify performs. It augments, not replaces,
// Classify's result.
func DetectComplexity(path string) (*parser.ComplexityScore, error) {
	return parser.DetectComplexity(path)
}
