// Command eval runs the built-in quality benchmark (easy/medium/complex
// document-grounded questions) against a GoReason engine and prints a
// faithfulness/accuracy/citation-quality report.
//
// Usage:
//
//	go run -tags sqlite_fts5 ./cmd/eval \
//	  --corpus-dir ./docs \
//	  --chat-provider groq --chat-model openai/gpt-oss-120b \
//	  --embed-provider openai --embed-model text-embedding-3-small \
//	  --difficulty all
//
// Full-context baseline (no RAG, entire corpus concatenated into the prompt):
//
//	go run -tags sqlite_fts5 ./cmd/eval \
//	  --corpus-dir ./docs --full-context \
//	  --fc-provider gemini --fc-model gemini-2.0-flash
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/corpusq/ragengine"
	"github.com/corpusq/ragengine/eval"
	"github.com/corpusq/ragengine/llm"
	"github.com/corpusq/ragengine/parser"
)

func main() {
	var (
		corpusDir     = flag.String("corpus-dir", "", "Directory of documents to ingest (walked recursively)")
		fullContext   = flag.Bool("full-context", false, "Run full-context baseline (send corpus text to LLM, no RAG)")
		fcProvider    = flag.String("fc-provider", "gemini", "Full-context LLM provider")
		fcModel       = flag.String("fc-model", "gemini-2.0-flash", "Full-context LLM model")
		fcAPIKey      = flag.String("fc-api-key", "", "Full-context provider API key (default: from env)")
		dbPath        = flag.String("db", "", "Path to SQLite database (default: inside run directory)")
		chatProvider  = flag.String("chat-provider", "groq", "Chat LLM provider")
		chatModel     = flag.String("chat-model", "openai/gpt-oss-120b", "Chat model name")
		chatBaseURL   = flag.String("chat-base-url", "", "Chat provider base URL override")
		embedProvider = flag.String("embed-provider", "openai", "Embedding provider")
		embedModel    = flag.String("embed-model", "text-embedding-3-small", "Embedding model name")
		embedBaseURL  = flag.String("embed-base-url", "", "Embedding provider base URL (auto-detected from provider)")
		embedAPIKey   = flag.String("embed-api-key", "", "Embedding provider API key (if required)")
		embedDim      = flag.Int("embed-dim", 1536, "Embedding dimension")
		difficulty    = flag.String("difficulty", "all", "Difficulty level to run: easy, medium, complex, all")
		outputFile    = flag.String("output", "", "Path to write JSON report (default: inside run directory)")
		openrouterKey = flag.String("openrouter-key", "", "OpenRouter API key (default: $OPENROUTER_API_KEY)")
		maxRounds     = flag.Int("max-rounds", 3, "Maximum reasoning rounds per query")
		maxResults    = flag.Int("max-results", 25, "Maximum retrieval results per query")
		graphConc     = flag.Int("graph-concurrency", 16, "Max parallel LLM calls for graph extraction")
		chunkTokens   = flag.Int("chunk-max-tokens", 1024, "Maximum characters per chunk")
		chunkOverlap  = flag.Int("chunk-overlap", 128, "Character overlap between chunks")
		weightVec     = flag.Float64("weight-vec", 1.0, "RRF vector weight")
		weightFTS     = flag.Float64("weight-fts", 1.0, "RRF FTS weight")
		weightGraph   = flag.Float64("weight-graph", 0.5, "RRF graph weight")
		skipIngest    = flag.Bool("skip-ingest", false, "Skip ingestion and reuse existing --db (eval-only mode)")
		skipGraph     = flag.Bool("skip-graph", false, "Skip knowledge graph extraction during ingestion (faster)")
		judgeProvider = flag.String("judge-provider", "", "LLM provider for accuracy judge (enables LLM-as-judge; e.g., gemini)")
		judgeModel    = flag.String("judge-model", "", "Judge LLM model name (e.g., gemini-2.0-flash-lite)")
		judgeAPIKey   = flag.String("judge-api-key", "", "Judge provider API key (default: from env)")
	)
	flag.Parse()

	if *corpusDir == "" && !*skipIngest {
		log.Fatal("--corpus-dir is required (or use --skip-ingest with --db)")
	}
	if *skipIngest && *dbPath == "" {
		log.Fatal("--skip-ingest requires --db pointing to an existing database")
	}

	apiKey := resolveKey(*openrouterKey, *chatProvider)
	if apiKey == "" && *chatProvider != "ollama" && *chatProvider != "lmstudio" && !*fullContext {
		log.Fatalf("API key required for provider %q: set --openrouter-key or the appropriate env var", *chatProvider)
	}
	embedKey := resolveKey(*embedAPIKey, *embedProvider)
	chatURL := resolveBaseURL(*chatBaseURL, *chatProvider)
	embedURL := resolveBaseURL(*embedBaseURL, *embedProvider)

	runDir := createRunDir()
	fmt.Fprintf(os.Stderr, "Run directory: %s\n", runDir)
	logFile := setupLogTee(runDir)
	defer logFile.Close()

	db := *dbPath
	if db == "" {
		db = filepath.Join(runDir, "goreason.db")
		fmt.Fprintf(os.Stderr, "Using database: %s\n", db)
	}

	meta := map[string]interface{}{
		"go_version":        runtime.Version(),
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
		"chat_provider":     *chatProvider,
		"chat_model":        *chatModel,
		"embed_provider":    *embedProvider,
		"embed_model":       *embedModel,
		"embed_dim":         *embedDim,
		"chunk_max_tokens":  *chunkTokens,
		"chunk_overlap":     *chunkOverlap,
		"graph_concurrency": *graphConc,
		"rrf_weights": map[string]float64{
			"vector": *weightVec,
			"fts":    *weightFTS,
			"graph":  *weightGraph,
		},
		"max_results": *maxResults,
		"max_rounds":  *maxRounds,
		"skip_ingest": *skipIngest,
		"difficulty":  *difficulty,
	}
	if *corpusDir != "" {
		meta["corpus_dir"] = *corpusDir
	}
	if *fullContext {
		meta["full_context"] = true
		meta["fc_provider"] = *fcProvider
		meta["fc_model"] = *fcModel
	}
	writeJSON(filepath.Join(runDir, "metadata.json"), meta)

	ctx := context.Background()

	if *fullContext {
		runFullContext(ctx, *corpusDir, *fcProvider, *fcModel, *fcAPIKey, *difficulty, runDir, meta, *outputFile)
		return
	}

	cfg := goreason.Config{
		DBPath: db,
		Chat: goreason.LLMConfig{
			Provider: *chatProvider,
			Model:    *chatModel,
			BaseURL:  chatURL,
			APIKey:   apiKey,
		},
		Embedding: goreason.LLMConfig{
			Provider: *embedProvider,
			Model:    *embedModel,
			BaseURL:  embedURL,
			APIKey:   embedKey,
		},
		EmbeddingDim:        *embedDim,
		MaxRounds:           *maxRounds,
		ConfidenceThreshold: 0.5,
		WeightVector:        *weightVec,
		WeightFTS:           *weightFTS,
		WeightGraph:         *weightGraph,
		MaxChunkTokens:      *chunkTokens,
		ChunkOverlap:        *chunkOverlap,
		SkipGraph:           *skipGraph,
		GraphConcurrency:    *graphConc,
	}

	totalStart := time.Now()

	fmt.Fprintf(os.Stderr, "Creating engine...\n")
	engine, err := goreason.New(cfg)
	if err != nil {
		log.Fatalf("creating engine: %v", err)
	}
	defer engine.Close()

	var ingestElapsed time.Duration
	if *skipIngest {
		fmt.Fprintf(os.Stderr, "Skipping ingestion (reusing DB: %s)\n", db)
	} else {
		fmt.Fprintf(os.Stderr, "Ingesting corpus directory: %s\n", *corpusDir)
		ingestStart := time.Now()
		docCount := ingestCorpus(ctx, engine, *corpusDir)
		ingestElapsed = time.Since(ingestStart)
		fmt.Fprintf(os.Stderr, "Ingested %d documents in %s\n", docCount, ingestElapsed.Round(time.Millisecond))
	}

	datasets := selectDatasets(*difficulty)
	if len(datasets) == 0 {
		log.Fatalf("unknown difficulty: %s (use: easy, medium, complex, all)", *difficulty)
	}

	evaluator := eval.NewEvaluator(engine)
	if judge := setupJudge(*judgeProvider, *judgeModel, *judgeAPIKey); judge != nil {
		evaluator.SetJudge(judge, *judgeModel)
		fmt.Fprintf(os.Stderr, "LLM judge enabled: %s/%s\n", *judgeProvider, *judgeModel)
		meta["judge_provider"] = *judgeProvider
		meta["judge_model"] = *judgeModel
		writeJSON(filepath.Join(runDir, "metadata.json"), meta)
	}

	queryOpts := []goreason.QueryOption{
		goreason.WithMaxResults(*maxResults),
		goreason.WithMaxRounds(*maxRounds),
	}

	var allReports []*eval.Report
	evalStart := time.Now()

	for _, ds := range datasets {
		fmt.Fprintf(os.Stderr, "\nRunning %s (%d tests)...\n", ds.Name, len(ds.Tests))
		report, err := evaluator.Run(ctx, ds, queryOpts...)
		if err != nil {
			log.Fatalf("running %s: %v", ds.Name, err)
		}
		allReports = append(allReports, report)
		fmt.Println(eval.FormatReport(report))
		fmt.Println()
	}

	evalElapsed := time.Since(evalStart)
	totalElapsed := time.Since(totalStart)

	meta["ingestion_elapsed"] = ingestElapsed.Round(time.Millisecond).String()
	meta["eval_elapsed"] = evalElapsed.Round(time.Millisecond).String()
	meta["total_elapsed"] = totalElapsed.Round(time.Millisecond).String()
	writeJSON(filepath.Join(runDir, "metadata.json"), meta)

	reportPath := filepath.Join(runDir, "eval-report.json")
	writeJSON(reportPath, allReports)
	fmt.Fprintf(os.Stderr, "Eval report written to: %s\n", reportPath)

	if *outputFile != "" {
		writeJSON(*outputFile, allReports)
		fmt.Fprintf(os.Stderr, "JSON report also written to: %s\n", *outputFile)
	}

	printSummary(allReports)
	fmt.Fprintf(os.Stderr, "\nRun directory: %s\n", runDir)
}

func resolveKey(flagVal, provider string) string {
	if flagVal != "" {
		return flagVal
	}
	switch provider {
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "groq":
		return os.Getenv("GROQ_API_KEY")
	case "gemini":
		return os.Getenv("GEMINI_API_KEY")
	}
	return ""
}

func resolveBaseURL(flagVal, provider string) string {
	if flagVal != "" {
		return flagVal
	}
	switch provider {
	case "openrouter":
		return "https://openrouter.ai/api"
	case "openai":
		return "https://api.openai.com"
	case "groq":
		return "https://api.groq.com/openai"
	case "gemini":
		return "https://generativelanguage.googleapis.com/v1beta/openai"
	case "ollama":
		return "http://localhost:11434"
	case "lmstudio":
		return "http://localhost:1234"
	}
	return ""
}

func setupJudge(provider, model, apiKey string) llm.Provider {
	if provider == "" {
		return nil
	}
	key := resolveKey(apiKey, provider)
	judge, err := llm.NewProvider(llm.Config{
		Provider: provider,
		Model:    model,
		BaseURL:  resolveBaseURL("", provider),
		APIKey:   key,
	})
	if err != nil {
		log.Fatalf("creating judge LLM provider: %v", err)
	}
	return judge
}

// ingestCorpus walks dir and ingests every recognized document extension,
// skipping files the ingest pipeline rejects (logged, not fatal).
func ingestCorpus(ctx context.Context, engine goreason.Engine, dir string) int {
	docCount := 0
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		switch ext {
		case ".txt", ".md", ".pdf", ".docx", ".csv", ".xlsx", ".html", ".json":
		default:
			return nil
		}
		docCount++
		fmt.Fprintf(os.Stderr, "  [%d] Ingesting %s\n", docCount, filepath.Base(path))
		if _, ingestErr := engine.Ingest(ctx, path); ingestErr != nil {
			slog.Warn("ingest: skipping file", "path", path, "error", ingestErr)
		}
		return nil
	})
	if err != nil {
		log.Fatalf("walking corpus directory: %v", err)
	}
	return docCount
}

func selectDatasets(difficulty string) []eval.Dataset {
	switch strings.ToLower(difficulty) {
	case "all":
		return []eval.Dataset{eval.EasyDataset(), eval.MediumDataset(), eval.ComplexDataset()}
	case "easy":
		return []eval.Dataset{eval.EasyDataset()}
	case "medium":
		return []eval.Dataset{eval.MediumDataset()}
	case "complex":
		return []eval.Dataset{eval.ComplexDataset()}
	default:
		return nil
	}
}

func printSummary(reports []*eval.Report) {
	fmt.Println("=== Summary ===")
	totalPassed, totalTests := 0, 0
	for _, r := range reports {
		totalPassed += r.Passed
		totalTests += r.TotalTests
		rate := 0.0
		if r.TotalTests > 0 {
			rate = float64(r.Passed) / float64(r.TotalTests) * 100
		}
		fmt.Printf("  %-45s %d/%d (%.1f%%)\n", r.Dataset, r.Passed, r.TotalTests, rate)
	}
	if totalTests > 0 {
		fmt.Printf("  %-45s %d/%d (%.1f%%)\n", "TOTAL", totalPassed, totalTests,
			float64(totalPassed)/float64(totalTests)*100)
	}
}

// createRunDir creates evals/runs/<timestamp>/ and returns its path.
func createRunDir() string {
	ts := time.Now().Format("2006-01-02_15-04-05")
	dir := filepath.Join("evals", "runs", ts)
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Fatalf("creating run directory: %v", err)
	}
	return dir
}

// setupLogTee configures slog to write to both stderr and eval.log in the run dir.
func setupLogTee(runDir string) *os.File {
	logPath := filepath.Join(runDir, "eval.log")
	f, err := os.Create(logPath)
	if err != nil {
		log.Fatalf("creating log file: %v", err)
	}
	handler := slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(handler))
	return f
}

// writeJSON marshals v to indented JSON and writes it to path.
func writeJSON(path string, v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("marshaling JSON for %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		log.Fatalf("writing %s: %v", path, err)
	}
}

// runFullContext runs the full-context baseline: the entire corpus text is
// concatenated into the prompt and sent directly to an LLM, bypassing the
// RAG engine, as a comparison point for the retrieval-backed reports above.
func runFullContext(ctx context.Context, corpusDir, providerName, model, apiKey, difficulty, runDir string, meta map[string]interface{}, outputFile string) {
	totalStart := time.Now()

	apiKey = resolveKey(apiKey, providerName)
	if apiKey == "" && providerName != "ollama" && providerName != "lmstudio" {
		log.Fatalf("API key required for full-context provider %q", providerName)
	}

	provider, err := llm.NewProvider(llm.Config{
		Provider: providerName,
		Model:    model,
		BaseURL:  resolveBaseURL("", providerName),
		APIKey:   apiKey,
	})
	if err != nil {
		log.Fatalf("creating full-context LLM provider: %v", err)
	}

	docText := extractCorpusText(ctx, corpusDir)
	fmt.Fprintf(os.Stderr, "Extracted %d characters from %s\n", len(docText), corpusDir)

	datasets := selectDatasets(difficulty)
	if len(datasets) == 0 {
		log.Fatalf("unknown difficulty: %s (use: easy, medium, complex, all)", difficulty)
	}

	fce := eval.NewFullContextEvaluator(provider, docText)

	var allReports []*eval.Report
	evalStart := time.Now()

	for _, ds := range datasets {
		fmt.Fprintf(os.Stderr, "\nRunning full-context %s (%d tests)...\n", ds.Name, len(ds.Tests))
		report, err := fce.Run(ctx, ds)
		if err != nil {
			log.Fatalf("running full-context %s: %v", ds.Name, err)
		}
		allReports = append(allReports, report)
		fmt.Println(eval.FormatReport(report))
		fmt.Println()
	}

	evalElapsed := time.Since(evalStart)
	totalElapsed := time.Since(totalStart)

	meta["eval_elapsed"] = evalElapsed.Round(time.Millisecond).String()
	meta["total_elapsed"] = totalElapsed.Round(time.Millisecond).String()
	writeJSON(filepath.Join(runDir, "metadata.json"), meta)

	reportPath := filepath.Join(runDir, "eval-report.json")
	writeJSON(reportPath, allReports)
	fmt.Fprintf(os.Stderr, "Eval report written to: %s\n", reportPath)

	if outputFile != "" {
		writeJSON(outputFile, allReports)
		fmt.Fprintf(os.Stderr, "JSON report also written to: %s\n", outputFile)
	}

	printSummary(allReports)
	fmt.Fprintf(os.Stderr, "\nRun directory: %s\n", runDir)
}

// extractCorpusText walks dir, parses every recognized document, and
// concatenates their text for the full-context baseline.
func extractCorpusText(ctx context.Context, dir string) string {
	reg := parser.NewRegistry()
	var sb strings.Builder
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
		p, perr := reg.Get(ext)
		if perr != nil {
			return nil
		}
		result, perr := p.Parse(ctx, path)
		if perr != nil {
			slog.Warn("full-context: skipping file", "path", path, "error", perr)
			return nil
		}
		for _, sec := range result.Sections {
			if sec.Heading != "" {
				sb.WriteString(sec.Heading)
				sb.WriteByte('\n')
			}
			sb.WriteString(sec.Content)
			sb.WriteString("\n\n")
		}
		return nil
	})
	if err != nil {
		log.Fatalf("walking corpus directory: %v", err)
	}
	return sb.String()
}
