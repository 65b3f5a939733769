package goreason

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/corpusq/ragengine/chunker"
	"github.com/corpusq/ragengine/embedding"
	"github.com/corpusq/ragengine/graph"
	"github.com/corpusq/ragengine/learning"
	"github.com/corpusq/ragengine/llm"
	"github.com/corpusq/ragengine/parser"
	"github.com/corpusq/ragengine/processing"
	"github.com/corpusq/ragengine/reasoning"
	"github.com/corpusq/ragengine/retrieval"
	"github.com/corpusq/ragengine/store"
)

// Engine is the main entry point for the Graph RAG engine.
type Engine interface {
	// Ingest parses, chunks, embeds, and builds graph for a document.
	// Returns document ID. Skips if content hash unchanged.
	Ingest(ctx context.Context, path string, opts ...IngestOption) (int64, error)

	// Query runs a question through hybrid retrieval + multi-round reasoning.
	Query(ctx context.Context, question string, opts ...QueryOption) (*Answer, error)

	// Update re-checks a document by hash. Re-ingests if changed.
	Update(ctx context.Context, path string) (bool, error)

	// UpdateAll checks all ingested documents for changes.
	UpdateAll(ctx context.Context) ([]UpdateResult, error)

	// Delete removes a document and all associated data.
	Delete(ctx context.Context, documentID int64) error

	// ListDocuments returns all ingested documents.
	ListDocuments(ctx context.Context) ([]Document, error)

	// Feedback records user feedback (-1, 0, or +1) on a past answer,
	// identified by the InteractionID returned from Query, so future
	// few-shot lookups can exclude answers the user marked wrong.
	Feedback(interactionID string, score int) error

	// SubmitJob enqueues a batch of files for asynchronous ingestion via
	// the persistent job queue and worker pool (spec §4.6), returning
	// immediately with a job id a caller can poll via JobStatus.
	SubmitJob(ctx context.Context, files []JobFile) (string, error)

	// JobStatus returns a job's current aggregate progress.
	JobStatus(ctx context.Context, jobID string) (*JobStatus, error)

	// Store returns the underlying store for diagnostic access (e.g. eval ground-truth checks).
	Store() *store.Store

	// Close cleanly shuts down the engine.
	Close() error
}

// Answer represents the result of a query.
type Answer struct {
	Text             string                `json:"text"`
	Confidence       float64               `json:"confidence"`
	Sources          []Source              `json:"sources"`
	Reasoning        []Step                `json:"reasoning"`
	RetrievalTrace   *retrieval.SearchTrace `json:"retrieval_trace,omitempty"`
	ModelUsed        string                `json:"model_used"`
	Rounds           int                   `json:"rounds"`
	PromptTokens     int                   `json:"prompt_tokens"`
	CompletionTokens int                   `json:"completion_tokens"`
	TotalTokens      int                   `json:"total_tokens"`
	FromCache        bool                  `json:"from_cache"`
	CacheHitCount    int                   `json:"cache_hit_count,omitempty"`
	InteractionID    string                `json:"interaction_id,omitempty"`
	// QueryType is spec §6's "rag_answer" | "string_search" | "not_found"
	// discriminator: which of spec §4.7's three response shapes produced
	// this answer.
	QueryType string `json:"query_type"`
}

// Source represents a retrieved source chunk backing an answer.
type Source struct {
	ChunkID    int64   `json:"chunk_id"`
	DocumentID int64   `json:"document_id"`
	Filename   string  `json:"filename"`
	Content    string  `json:"content"`
	Heading    string  `json:"heading"`
	PageNumber int     `json:"page_number"`
	Score      float64 `json:"score"`
	// RelevanceLabel mirrors spec §6's citation relevance label. Set to
	// "Exact Match" for spec §4.7's string-search path; left empty for
	// the semantic rag_answer path, whose relevance labeling this spec's
	// scope does not otherwise define beyond the numeric Score.
	RelevanceLabel string `json:"relevance_label,omitempty"`
}

// Step represents a single reasoning round in the multi-round pipeline.
type Step struct {
	Round      int      `json:"round"`
	Action     string   `json:"action"`
	Input      string   `json:"input,omitempty"`
	Output     string   `json:"output,omitempty"`
	Prompt     string   `json:"prompt,omitempty"`
	Response   string   `json:"response,omitempty"`
	Validation string   `json:"validation,omitempty"`
	ChunksUsed int      `json:"chunks_used,omitempty"`
	Tokens     int      `json:"tokens,omitempty"`
	ElapsedMs  int64    `json:"elapsed_ms,omitempty"`
	Issues     []string `json:"issues,omitempty"`
}

// Document represents an ingested document.
type Document struct {
	ID          int64             `json:"id"`
	Path        string            `json:"path"`
	Filename    string            `json:"filename"`
	Format      string            `json:"format"`
	ContentHash string            `json:"content_hash"`
	ParseMethod string            `json:"parse_method"`
	Status      string            `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at"`
}

// UpdateResult reports the outcome of a document update check.
type UpdateResult struct {
	DocumentID int64  `json:"document_id"`
	Path       string `json:"path"`
	Changed    bool   `json:"changed"`
	Error      error  `json:"error,omitempty"`
}

// JobFile is one caller-submitted file awaiting asynchronous ingestion
// via SubmitJob (spec §3's Job data model: "(filename, bytes)" tuples).
type JobFile struct {
	Filename string
	Data     []byte
}

// JobStatus reports a submitted job's aggregate progress (spec §4.6's
// job state machine and counter semantics).
type JobStatus struct {
	ID             string `json:"id"`
	Status         string `json:"status"` // pending, processing, complete, failed
	TotalFiles     int    `json:"total_files"`
	ProcessedFiles int    `json:"processed_files"`
	SkippedFiles   int    `json:"skipped_files"`
	FailedFiles    int    `json:"failed_files"`
	TotalChunks    int    `json:"total_chunks"`
	EmbeddedChunks int    `json:"embedded_chunks"`
	PercentComplete float64 `json:"percent_complete"`
}

// IngestOption configures ingestion behavior.
type IngestOption func(*ingestOptions)

type ingestOptions struct {
	forceReparse bool
	parseMethod  string
	metadata     map[string]string
	attemptsOut  *[]processing.Attempt
}

// withParserAttemptsOut captures the escalation chain's per-attempt audit
// trail into out, for callers (the job worker pool) that need to persist
// it alongside the ingest result. Unexported: internal wiring only, not
// part of the Engine interface's public option surface.
func withParserAttemptsOut(out *[]processing.Attempt) IngestOption {
	return func(o *ingestOptions) { o.attemptsOut = out }
}

// WithForceReparse forces re-parsing even if the hash hasn't changed.
func WithForceReparse() IngestOption {
	return func(o *ingestOptions) { o.forceReparse = true }
}

// WithParseMethod overrides the automatic parse method selection.
func WithParseMethod(method string) IngestOption {
	return func(o *ingestOptions) { o.parseMethod = method }
}

// WithMetadata attaches custom metadata to the ingested document.
func WithMetadata(metadata map[string]string) IngestOption {
	return func(o *ingestOptions) { o.metadata = metadata }
}

// QueryOption configures query behavior.
type QueryOption func(*queryOptions)

type queryOptions struct {
	maxResults       int
	maxRounds        int
	weightVec        float64
	weightFTS        float64
	weightGraph      float64
	skipCache        bool
	similarityFilter float64
}

// WithMaxResults sets the maximum number of chunks to retrieve.
func WithMaxResults(n int) QueryOption {
	return func(o *queryOptions) { o.maxResults = n }
}

// WithMaxRounds overrides the maximum reasoning rounds for this query.
func WithMaxRounds(n int) QueryOption {
	return func(o *queryOptions) { o.maxRounds = n }
}

// WithoutCache bypasses the answer cache for this query, both for
// reading and for writing the result back.
func WithoutCache() QueryOption {
	return func(o *queryOptions) { o.skipCache = true }
}

// WithSimilarityThreshold drops retrieved chunks below the given
// similarity score before reasoning over them (spec §4.7 step 4).
func WithSimilarityThreshold(t float64) QueryOption {
	return func(o *queryOptions) { o.similarityFilter = t }
}

// WithWeights overrides the retrieval weights for this query.
func WithWeights(vec, fts, graph float64) QueryOption {
	return func(o *queryOptions) {
		o.weightVec = vec
		o.weightFTS = fts
		o.weightGraph = graph
	}
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg       Config
	store     *store.Store
	chatLLM   llm.Provider
	embedLLM  llm.Provider
	visionLLM llm.Provider
	parsers   *parser.Registry
	chain     *processing.Chain
	embedder  embedding.Provider
	chunkr    *chunker.Chunker
	graphB    *graph.Builder
	retriever *retrieval.Engine
	reasoner  *reasoning.Engine
	cache     *learning.AnswerCache
	knowledge *learning.KnowledgeStore
	jobs       *processing.Queue
	jobPool    *processing.Pool
	poolCancel context.CancelFunc
}

// ingestAdapter adapts engine.Ingest's variadic IngestOption signature to
// the single-path-argument shape processing.Pool drives job files through,
// so the ingestion codepath itself is written and tested exactly once. It
// also captures the escalation chain's per-attempt audit trail (spec §3's
// ParserAttempt) via withParserAttemptsOut so the worker pool can persist
// it into the job file's parser_attempts column (spec §4.6), something a
// bare (int64, error) return could not carry.
type ingestAdapter struct{ e *engine }

func (a ingestAdapter) Ingest(ctx context.Context, path string) (int64, []processing.ParserAttemptRecord, error) {
	var attempts []processing.Attempt
	docID, err := a.e.Ingest(ctx, path, withParserAttemptsOut(&attempts))
	return docID, toAttemptRecords(attempts), err
}

// toAttemptRecords converts the chain's live Attempt type into the
// persisted ParserAttemptRecord shape job_files.parser_attempts stores.
func toAttemptRecords(attempts []processing.Attempt) []processing.ParserAttemptRecord {
	if len(attempts) == 0 {
		return nil
	}
	out := make([]processing.ParserAttemptRecord, len(attempts))
	for i, a := range attempts {
		out[i] = processing.ParserAttemptRecord{
			ParserName:     a.ParserName,
			Success:        a.Success,
			Error:          a.Error,
			CharsExtracted: a.CharsExtracted,
			DurationMs:     a.Duration.Milliseconds(),
		}
	}
	return out
}

// resilientEmbedLLM routes Embed through package embedding's retry/
// backoff/sub-batching/pacing wrapper while leaving Chat untouched, so
// graph and retrieval's own direct Embed calls share the same resilience
// contract ingestion gets instead of hitting the raw backend uncushioned.
type resilientEmbedLLM struct {
	llm.Provider
	embedder embedding.Provider
}

func (r resilientEmbedLLM) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return r.embedder.EmbedBatch(ctx, texts)
}

// New creates a new GoReason engine with the given configuration.
func New(cfg Config) (Engine, error) {
	// Resolve database path from config (DBPath > DBName+StorageDir > default)
	dbPath := cfg.resolveDBPath()

	// Apply defaults for zero values
	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 768
	}

	// Open store
	s, err := store.New(dbPath, cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	// Create LLM providers
	chatLLM, err := llm.NewProvider(llm.Config{
		Provider: cfg.Chat.Provider,
		Model:    cfg.Chat.Model,
		BaseURL:  cfg.Chat.BaseURL,
		APIKey:   cfg.Chat.APIKey,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating chat provider: %w", err)
	}

	embedLLM, err := llm.NewProvider(llm.Config{
		Provider: cfg.Embedding.Provider,
		Model:    cfg.Embedding.Model,
		BaseURL:  cfg.Embedding.BaseURL,
		APIKey:   cfg.Embedding.APIKey,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}

	var visionLLM llm.Provider
	if cfg.Vision.Provider != "" {
		visionLLM, err = llm.NewProvider(llm.Config{
			Provider: cfg.Vision.Provider,
			Model:    cfg.Vision.Model,
			BaseURL:  cfg.Vision.BaseURL,
			APIKey:   cfg.Vision.APIKey,
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("creating vision provider: %w", err)
		}
	}

	// Create parser registry
	reg := parser.NewRegistry()
	if cfg.LlamaParse != nil {
		reg.SetLlamaParse(parser.LlamaParseConfig{
			APIKey:  cfg.LlamaParse.APIKey,
			BaseURL: cfg.LlamaParse.BaseURL,
		})
	}

	// Escalation parser chain (component B): native registry first, then
	// an optional vision step (Tier-3 OCR equivalent for scanned/complex
	// PDFs and images) and an optional cloud document-AI step (Tier-4),
	// wired only when the corresponding provider is configured.
	var visionParser *parser.PDFVisionParser
	if vp, ok := visionLLM.(llm.VisionProvider); ok && vp != nil {
		visionParser = parser.NewPDFVisionParser(vp)
	}
	var cloudParser *parser.LlamaParseParser
	if cfg.LlamaParse != nil {
		cloudParser = parser.NewLlamaParseParser(parser.LlamaParseConfig{
			APIKey:  cfg.LlamaParse.APIKey,
			BaseURL: cfg.LlamaParse.BaseURL,
		})
	}
	chain := processing.NewChain(reg, visionParser, cloudParser)

	// Resilient embedding wrapper (component D): retry with capped
	// exponential backoff, sub-batching, inter-batch pacing, and a
	// bounded global concurrency limiter around the raw chat/embedding
	// provider's Embed call, per spec §4.4.
	embedder := embedding.NewProvider(embedLLM, embedding.Config{
		Dimensions: cfg.EmbeddingDim,
	})

	// Route every embedding call in the engine -- ingestion, query
	// embedding, graph entity embedding -- through the same retry/
	// backoff/pacing wrapper, not just the ingestion path.
	resilientEmbed := resilientEmbedLLM{Provider: embedLLM, embedder: embedder}

	// Create chunker
	chunkr := chunker.New(chunker.Config{
		MaxTokens: cfg.MaxChunkTokens,
		Overlap:   cfg.ChunkOverlap,
	})

	// Create graph builder
	graphB := graph.NewBuilder(s, chatLLM, resilientEmbed, cfg.GraphConcurrency)

	// Create retrieval engine (chatLLM enables cross-language query translation)
	retriever := retrieval.New(s, resilientEmbed, chatLLM, retrieval.Config{
		WeightVector: cfg.WeightVector,
		WeightFTS:    cfg.WeightFTS,
		WeightGraph:  cfg.WeightGraph,
	})

	// Create reasoning engine
	reasoner := reasoning.New(chatLLM, reasoning.Config{
		MaxRounds:           cfg.MaxRounds,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
	})

	// Answer cache & knowledge store (component H)
	cacheMax := cfg.CacheMaxEntries
	if cacheMax == 0 {
		cacheMax = 1000
	}
	cacheTTL := time.Duration(cfg.CacheTTLSeconds) * time.Second
	if cacheTTL == 0 {
		cacheTTL = time.Hour
	}
	cache := learning.NewAnswerCache(cacheMax, cacheTTL)

	knowledgePath := cfg.KnowledgeStorePath
	if knowledgePath == "" {
		knowledgePath = filepath.Join(filepath.Dir(dbPath), "knowledge.json")
	}
	knowledge := learning.NewKnowledgeStore(knowledgePath)

	// Job queue & worker pool (component F): persisted to the same
	// database as everything else, per spec §6's relational-store
	// persistence format for jobs/job_files.
	jobQueue := processing.NewQueue(s.DB(), cfg.QueueCapacity)

	e := &engine{
		cfg:       cfg,
		store:     s,
		chatLLM:   chatLLM,
		embedLLM:  embedLLM,
		visionLLM: visionLLM,
		parsers:   reg,
		chain:     chain,
		embedder:  embedder,
		chunkr:    chunkr,
		graphB:    graphB,
		retriever: retriever,
		reasoner:  reasoner,
		cache:     cache,
		knowledge: knowledge,
		jobs:      jobQueue,
	}

	parallelFiles := cfg.ParallelFiles
	if parallelFiles <= 0 {
		parallelFiles = 4
	}
	e.jobPool = processing.NewPool(jobQueue, ingestAdapter{e}, parallelFiles, "")

	poolCtx, cancel := context.WithCancel(context.Background())
	e.poolCancel = cancel
	go e.jobPool.Run(poolCtx)

	if resumed, err := jobQueue.Resume(poolCtx); err != nil {
		slog.Warn("resuming incomplete jobs failed", "error", err)
	} else if len(resumed) > 0 {
		slog.Info("resumed incomplete jobs from prior run", "count", len(resumed), "job_ids", resumed)
	}

	return e, nil
}

// Ingest processes a document through the full pipeline.
func (e *engine) Ingest(ctx context.Context, path string, opts ...IngestOption) (int64, error) {
	options := &ingestOptions{}
	for _, o := range opts {
		o(options)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return 0, fmt.Errorf("resolving path: %w", err)
	}

	// Compute file hash
	hash, err := fileHash(absPath)
	if err != nil {
		return 0, fmt.Errorf("hashing file: %w", err)
	}

	// Check if document already exists with same hash
	var priorDocID int64
	var priorHash string
	if existing, err := e.store.GetDocumentByPath(ctx, absPath); err == nil {
		priorDocID, priorHash = existing.ID, existing.ContentHash
		if !options.forceReparse && priorHash == hash {
			return existing.ID, nil // no change
		}
	}

	// Determine format
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(absPath), "."))
	format := ext

	// Serialize metadata if present
	var metadataJSON string
	if options.metadata != nil {
		data, _ := json.Marshal(options.metadata)
		metadataJSON = string(data)
	}

	// Set status to processing
	filename := filepath.Base(absPath)
	docID, err := e.store.UpsertDocument(ctx, store.Document{
		Path:        absPath,
		Filename:    filename,
		Format:      format,
		ContentHash: hash,
		ParseMethod: "pending",
		Status:      "processing",
		Metadata:    metadataJSON,
	})
	if err != nil {
		return 0, fmt.Errorf("upserting document: %w", err)
	}

	// Parse. By default a file runs through the full escalation chain
	// (spec §4.2: native in-process parsers, then external document
	// converters, then OCR/vision, then cloud document-AI), classified
	// and tiered first (spec §4.1). WithParseMethod bypasses escalation
	// and forces a single native parser, for callers that already know
	// which format-specific parser they want.
	slog.Info("ingest: parsing document", "file", filename, "format", format, "doc_id", docID)
	parseStart := time.Now()

	var (
		parseMethod string
		sections    []parser.Section
	)

	if options.parseMethod != "" {
		p, perr := e.parsers.Get(format)
		if perr != nil {
			e.store.UpdateDocumentStatus(ctx, docID, "error")
			return 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
		}
		result, perr := p.Parse(ctx, absPath)
		if perr != nil {
			e.store.UpdateDocumentStatus(ctx, docID, "error")
			return 0, fmt.Errorf("%w: %v", ErrParsingFailed, perr)
		}
		parseMethod = options.parseMethod
		sections = result.Sections
	} else {
		data, rerr := os.ReadFile(absPath)
		if rerr != nil {
			e.store.UpdateDocumentStatus(ctx, docID, "error")
			return 0, fmt.Errorf("reading file: %w", rerr)
		}

		fc := processing.Classify(filename, data)
		slog.Debug("ingest: classified file",
			"file", filename, "tier", fc.Tier.String(), "strategy", fc.RecommendedParser.String(),
			"complexity", fc.ComplexityScore, "timeout", fc.Timeout)

		parseCtx, cancel := context.WithTimeout(ctx, fc.Timeout)
		parsed, perr := e.chain.Parse(parseCtx, filename, data, fc)
		cancel()
		if perr != nil {
			if options.attemptsOut != nil {
				if pe, ok := perr.(*processing.ParseError); ok {
					*options.attemptsOut = pe.Attempts
				}
			}
			e.store.UpdateDocumentStatus(ctx, docID, "error")
			if !processing.KnownExtension(fc.Extension) {
				return 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
			}
			return 0, fmt.Errorf("%w: %v", ErrParsingFailed, perr)
		}
		parseMethod = parsed.Method
		if options.attemptsOut != nil {
			*options.attemptsOut = parsed.Attempts
		}
		if parsed.Result != nil && len(parsed.Result.Sections) > 0 {
			sections = parsed.Result.Sections
		} else {
			sections = []parser.Section{{
				Heading: filename,
				Content: parsed.Text,
				Level:   1,
				Type:    "paragraph",
			}}
		}
	}

	slog.Info("ingest: parsing complete",
		"file", filename, "method", parseMethod,
		"sections", len(sections), "elapsed", time.Since(parseStart).Round(time.Millisecond))

	// Update parse method
	e.store.UpdateDocumentParseMethod(ctx, docID, parseMethod)

	// Chunk
	chunkStart := time.Now()
	chunks := e.chunkr.Chunk(sections)
	slog.Info("ingest: chunking complete",
		"file", filename, "chunks", len(chunks),
		"max_tokens", e.cfg.MaxChunkTokens, "overlap", e.cfg.ChunkOverlap,
		"elapsed", time.Since(chunkStart).Round(time.Millisecond))

	// Delete old chunks/embeddings/entities for this document (re-ingest)
	if err := e.store.DeleteDocumentData(ctx, docID); err != nil {
		return 0, fmt.Errorf("cleaning old data: %w", err)
	}

	// Content changed under the same path: any cached answer that cited
	// the old version is now stale (spec §4.8, §8 scenario 3).
	if priorDocID != 0 && priorHash != "" && priorHash != hash {
		if n := e.cache.InvalidateByDocument(priorDocID); n > 0 {
			slog.Info("ingest: invalidated cached answers for modified document",
				"file", filename, "doc_id", priorDocID, "invalidated", n)
		}
	}

	// Generate embeddings before any write: spec §4.5's write-path
	// discipline validates and computes the whole batch up front so the
	// chunk/ANN/FTS write itself is a single all-or-nothing step.
	for i := range chunks {
		chunks[i].DocumentID = docID
	}

	slog.Info("ingest: generating embeddings", "file", filename, "chunks", len(chunks))
	embedStart := time.Now()
	embeddings, err := e.computeEmbeddings(ctx, chunks)
	if err != nil {
		e.store.UpdateDocumentStatus(ctx, docID, "error")
		return 0, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	slog.Info("ingest: embeddings complete",
		"file", filename, "chunks", len(chunks),
		"elapsed", time.Since(embedStart).Round(time.Millisecond))

	// Store chunks and their embeddings in one transaction: a validation
	// or ANN-insert failure anywhere in the batch rolls back the whole
	// batch, leaving neither the FTS nor the ANN index holding it.
	chunkIDs, err := e.store.InsertChunksIndexed(ctx, chunks, embeddings)
	if err != nil {
		e.store.UpdateDocumentStatus(ctx, docID, "error")
		return 0, fmt.Errorf("inserting chunks: %w", err)
	}

	// Build knowledge graph (optional — can be skipped for faster ingestion).
	if !e.cfg.SkipGraph {
		slog.Info("ingest: building knowledge graph", "file", filename, "chunks", len(chunks),
			"concurrency", e.cfg.GraphConcurrency)
		graphStart := time.Now()
		if err := e.graphB.Build(ctx, docID, chunks, chunkIDs); err != nil {
			slog.Warn("graph build had errors (non-fatal)", "doc_id", docID, "error", err)
		}
		slog.Info("ingest: graph build complete",
			"file", filename, "elapsed", time.Since(graphStart).Round(time.Millisecond))

		// Run community detection on the updated graph.
		slog.Info("ingest: detecting communities", "file", filename)
		communities, err := graph.DetectCommunities(ctx, e.store)
		if err != nil {
			slog.Warn("community detection failed (non-fatal)", "error", err)
		} else if len(communities) > 0 {
			slog.Info("ingest: summarizing communities", "count", len(communities))
			if err := graph.SummarizeCommunities(ctx, e.store, e.chatLLM, communities); err != nil {
				slog.Warn("community summarization failed (non-fatal)", "error", err)
			}
		}
	} else {
		slog.Info("ingest: graph building skipped (skip_graph=true)", "doc_id", docID)
	}

	totalElapsed := time.Since(parseStart)
	slog.Info("ingest: document ready",
		"file", filename, "doc_id", docID,
		"total_elapsed", totalElapsed.Round(time.Millisecond))
	e.store.UpdateDocumentStatus(ctx, docID, "ready")
	return docID, nil
}

// Query runs hybrid retrieval and multi-round reasoning.
func (e *engine) Query(ctx context.Context, question string, opts ...QueryOption) (*Answer, error) {
	options := &queryOptions{
		maxResults:  20,
		maxRounds:   e.cfg.MaxRounds,
		weightVec:   e.cfg.WeightVector,
		weightFTS:   e.cfg.WeightFTS,
		weightGraph: e.cfg.WeightGraph,
	}
	for _, o := range opts {
		o(options)
	}

	// Query-type detection (spec §4.7 step 1). A short literal phrase
	// with no interrogative word bypasses the cache, embedder, retrieval,
	// and reasoning engine entirely and goes straight to the FTS-only
	// string-search path.
	if retrieval.IsLiteralQuery(question) {
		return e.stringSearchAnswer(ctx, question, options.maxResults)
	}

	// Answer cache consult (spec §4.7 step 2). A hit requires every cited
	// document's current content hash to still match the snapshot taken
	// at cache time; a stale hit is evicted and treated as a miss.
	if !options.skipCache {
		if cached, ok := e.cache.Get(question, e.currentDocHash(ctx)); ok {
			slog.Debug("query: answer cache hit", "question_len", len(question), "hits", cached.HitCount)
			return cachedToAnswer(cached), nil
		}
	}

	// Hybrid retrieval
	results, searchTrace, err := e.retriever.Search(ctx, question, retrieval.SearchOptions{
		MaxResults:  options.maxResults,
		WeightVec:   options.weightVec,
		WeightFTS:   options.weightFTS,
		WeightGraph: options.weightGraph,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}

	// Drop results below the caller's similarity threshold before handing
	// the window to reasoning (spec §4.7 step 4).
	if options.similarityFilter > 0 {
		filtered := results[:0:0]
		for _, r := range results {
			if r.Score >= options.similarityFilter {
				filtered = append(filtered, r)
			}
		}
		results = filtered
	}

	if len(results) == 0 {
		return nil, ErrNoResults
	}

	// Few-shot lookup from the knowledge store (spec §4.7 step 6): past
	// interactions whose keywords overlap this question, excluding
	// negative feedback, feed the learning-variant prompt.
	var pastExamples []reasoning.PastExample
	for _, interaction := range e.knowledge.FindSimilar(question, 3) {
		pastExamples = append(pastExamples, reasoning.PastExample{
			Question: interaction.Question,
			Answer:   interaction.Answer,
		})
	}

	// Multi-round reasoning
	rAnswer, err := e.reasoner.Reason(ctx, question, results, reasoning.Options{
		MaxRounds:    options.maxRounds,
		PastExamples: pastExamples,
	})
	if err != nil {
		return nil, fmt.Errorf("reasoning: %w", err)
	}

	// Follow-up retrieval for synthesis queries with a full initial window.
	// When the first retrieval filled the entire result window, there are
	// likely more relevant chunks we didn't see. Extract identifiers from
	// the round-1 answer that don't appear in retrieved chunks (these may
	// be hallucinated or from LLM prior knowledge) and do a targeted FTS
	// search to find supporting evidence or disprove them.
	//
	// Gate: compare against FusedResults (the actual window size after
	// synthesis widening) rather than the caller's original maxResults,
	// so we only fire when the widened window was truly filled.
	if searchTrace != nil && searchTrace.SynthesisMode && searchTrace.FusedResults >= searchTrace.MaxRequested {
		// The widened window was filled — there are likely more chunks.
		missing := extractMissingTerms(rAnswer.Text, results)
		if len(missing) > 0 {
			slog.Debug("retrieval: synthesis follow-up",
				"missing_terms", missing, "count", len(missing))

			// Replace hyphens with spaces so FTS tokenisation matches the
			// index (FTS5 treats hyphens as separators). E.g. "ISO 13849-1"
			// becomes "ISO 13849 1" → tokens match the indexed content.
			ftsTerms := make([]string, len(missing))
			for i, m := range missing {
				ftsTerms[i] = strings.ReplaceAll(m, "-", " ")
			}
			ftsQuery := strings.Join(ftsTerms, " OR ")

			extraResults, followTrace, ferr := e.retriever.Search(ctx, ftsQuery, retrieval.SearchOptions{
				MaxResults:  15,
				WeightFTS:   2.0,
				WeightVec:   0.5,
				WeightGraph: 1.0,
			})

			// Record follow-up in the original trace for diagnostics.
			searchTrace.FollowUpTerms = missing
			if followTrace != nil {
				searchTrace.FollowUpResults = followTrace.FusedResults
			}

			if ferr == nil && len(extraResults) > 0 {
				merged := mergeResults(results, extraResults)
				slog.Debug("retrieval: synthesis follow-up merged",
					"extra", len(extraResults), "total", len(merged))

				// Accumulate token counts from the first reasoning call
				// so the final answer reflects total usage.
				firstPromptTokens := rAnswer.PromptTokens
				firstCompletionTokens := rAnswer.CompletionTokens

				// Re-run reasoning with expanded context
				rAnswer2, rerr := e.reasoner.Reason(ctx, question, merged, reasoning.Options{
					MaxRounds: options.maxRounds,
				})
				if rerr == nil {
					rAnswer2.PromptTokens += firstPromptTokens
					rAnswer2.CompletionTokens += firstCompletionTokens
					rAnswer2.TotalTokens = rAnswer2.PromptTokens + rAnswer2.CompletionTokens
					rAnswer2.Rounds += rAnswer.Rounds
					rAnswer = rAnswer2
					results = merged
				}
			}
		}
	}

	// Convert reasoning.Answer -> goreason.Answer
	answer := &Answer{
		Text:             rAnswer.Text,
		Confidence:       rAnswer.Confidence,
		RetrievalTrace:   searchTrace,
		ModelUsed:        rAnswer.ModelUsed,
		Rounds:           rAnswer.Rounds,
		PromptTokens:     rAnswer.PromptTokens,
		CompletionTokens: rAnswer.CompletionTokens,
		TotalTokens:      rAnswer.TotalTokens,
		QueryType:        "rag_answer",
	}
	for _, s := range rAnswer.Sources {
		answer.Sources = append(answer.Sources, Source{
			ChunkID:    s.ChunkID,
			DocumentID: s.DocumentID,
			Filename:   s.Filename,
			Content:    s.Content,
			Heading:    s.Heading,
			PageNumber: s.PageNumber,
			Score:      s.Score,
		})
	}
	for _, s := range rAnswer.Reasoning {
		answer.Reasoning = append(answer.Reasoning, Step{
			Round:      s.Round,
			Action:     s.Action,
			Input:      s.Input,
			Output:     s.Output,
			Prompt:     s.Prompt,
			Response:   s.Response,
			Validation: s.Validation,
			ChunksUsed: s.ChunksUsed,
			Tokens:     s.Tokens,
			ElapsedMs:  s.ElapsedMs,
			Issues:     s.Issues,
		})
	}

	// Log query
	e.store.LogQuery(ctx, store.QueryLog{
		Query:            question,
		Answer:           answer.Text,
		Confidence:       answer.Confidence,
		Sources:          answer.Sources,
		RetrievalMethod:  "hybrid",
		ModelUsed:        answer.ModelUsed,
		Rounds:           answer.Rounds,
		PromptTokens:     answer.PromptTokens,
		CompletionTokens: answer.CompletionTokens,
		TotalTokens:      answer.TotalTokens,
	})

	// Cache the answer and remember the interaction (spec §4.7 step 9).
	// Cache keys on a snapshot of every cited document's current content
	// hash so a later ingest of the same filename invalidates this entry.
	docHashes := make(map[int64]string)
	citedFiles := make([]string, 0, len(answer.Sources))
	docIDs := make([]int64, 0, len(answer.Sources))
	seenDoc := make(map[int64]bool)
	bestSimilarity := 0.0
	citations := make([]learning.CachedCitation, len(answer.Sources))
	for i, s := range answer.Sources {
		citations[i] = learning.CachedCitation{
			ChunkID:    s.ChunkID,
			DocumentID: s.DocumentID,
			Filename:   s.Filename,
			Snippet:    s.Content,
			Similarity: s.Score,
		}
		if s.Score > bestSimilarity {
			bestSimilarity = s.Score
		}
		if !seenDoc[s.DocumentID] {
			seenDoc[s.DocumentID] = true
			citedFiles = append(citedFiles, s.Filename)
			docIDs = append(docIDs, s.DocumentID)
			if doc, err := e.store.GetDocument(ctx, s.DocumentID); err == nil {
				docHashes[s.DocumentID] = doc.ContentHash
			}
		}
	}

	if !options.skipCache && len(answer.Sources) > 0 {
		e.cache.Put(question, answer.Text, citations, docHashes)
	}

	answer.InteractionID = e.knowledge.StoreInteraction(learning.QAInteraction{
		Question:       question,
		Answer:         answer.Text,
		CitedFiles:     citedFiles,
		BestSimilarity: bestSimilarity,
		DocumentIDs:    docIDs,
	})

	return answer, nil
}

// Update checks if a document has changed and re-ingests if needed.
func (e *engine) Update(ctx context.Context, path string) (bool, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false, fmt.Errorf("resolving path: %w", err)
	}

	doc, err := e.store.GetDocumentByPath(ctx, absPath)
	if err != nil {
		return false, fmt.Errorf("%w: %s", ErrDocumentNotFound, absPath)
	}

	hash, err := fileHash(absPath)
	if err != nil {
		return false, fmt.Errorf("hashing file: %w", err)
	}

	if hash == doc.ContentHash {
		return false, nil
	}

	_, err = e.Ingest(ctx, absPath, WithForceReparse())
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdateAll checks all documents for changes.
func (e *engine) UpdateAll(ctx context.Context) ([]UpdateResult, error) {
	docs, err := e.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]UpdateResult, 0, len(docs))
	for _, doc := range docs {
		changed, err := e.Update(ctx, doc.Path)
		results = append(results, UpdateResult{
			DocumentID: doc.ID,
			Path:       doc.Path,
			Changed:    changed,
			Error:      err,
		})
	}
	return results, nil
}

// Delete removes a document and all its associated data.
func (e *engine) Delete(ctx context.Context, documentID int64) error {
	if err := e.store.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	e.cache.InvalidateByDocument(documentID)
	return nil
}

// ListDocuments returns all ingested documents.
func (e *engine) ListDocuments(ctx context.Context) ([]Document, error) {
	docs, err := e.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]Document, len(docs))
	for i, d := range docs {
		result[i] = Document{
			ID:          d.ID,
			Path:        d.Path,
			Filename:    d.Filename,
			Format:      d.Format,
			ContentHash: d.ContentHash,
			ParseMethod: d.ParseMethod,
			Status:      d.Status,
			CreatedAt:   d.CreatedAt,
			UpdatedAt:   d.UpdatedAt,
		}
		if d.Metadata != "" {
			_ = json.Unmarshal([]byte(d.Metadata), &result[i].Metadata)
		}
	}
	return result, nil
}

// Feedback records user feedback on a past interaction.
func (e *engine) Feedback(interactionID string, score int) error {
	if !e.knowledge.UpdateFeedback(interactionID, score) {
		return fmt.Errorf("goreason: unknown interaction %q", interactionID)
	}
	return nil
}

// SubmitJob enqueues files for asynchronous ingestion via the persistent
// job queue (spec §4.6), returning a job id immediately.
func (e *engine) SubmitJob(ctx context.Context, files []JobFile) (string, error) {
	submitFiles := make([]processing.SubmitFile, len(files))
	for i, f := range files {
		submitFiles[i] = processing.SubmitFile{Filename: f.Filename, Data: f.Data}
	}

	id, err := e.jobs.Submit(ctx, submitFiles)
	if err != nil {
		if processing.IsQueueFull(err) {
			return "", ErrQueueFull
		}
		return "", fmt.Errorf("submitting job: %w", err)
	}
	return id, nil
}

// JobStatus returns a submitted job's current aggregate progress.
func (e *engine) JobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	job, err := e.jobs.GetJob(ctx, jobID)
	if err != nil {
		if processing.IsJobNotFound(err) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("loading job status: %w", err)
	}

	var pct float64
	if job.TotalFiles > 0 {
		done := job.ProcessedFiles + job.SkippedFiles + job.FailedFiles
		pct = float64(done) / float64(job.TotalFiles) * 100
	}

	return &JobStatus{
		ID:              job.ID,
		Status:          string(job.Status),
		TotalFiles:      job.TotalFiles,
		ProcessedFiles:  job.ProcessedFiles,
		SkippedFiles:    job.SkippedFiles,
		FailedFiles:     job.FailedFiles,
		TotalChunks:     job.TotalChunks,
		EmbeddedChunks:  job.EmbeddedChunks,
		PercentComplete: pct,
	}, nil
}

// Store returns the underlying store for diagnostic access.
func (e *engine) Store() *store.Store {
	return e.store
}

// Close shuts down the engine.
func (e *engine) Close() error {
	if e.poolCancel != nil {
		e.poolCancel()
	}
	return e.store.Close()
}

// maxEmbedChars is the maximum character length for a single text sent to the
// embedding model. Most embedding models have a context window of 8192 tokens;
// using ~24000 chars (~6000 tokens) leaves headroom for varied tokenisers and
// languages where token/char ratios differ from English.
const maxEmbedChars = 24000

// truncateForEmbed truncates text to maxEmbedChars on a word boundary.
func truncateForEmbed(text string) string {
	if len(text) <= maxEmbedChars {
		return text
	}
	// Cut at the last space before the limit to avoid splitting a word.
	cut := strings.LastIndex(text[:maxEmbedChars], " ")
	if cut <= 0 {
		cut = maxEmbedChars
	}
	return text[:cut]
}

// computeEmbeddings generates one embedding per chunk, in batches, without
// writing anything to the store: spec §4.5's write-path discipline wants
// the whole batch of vectors ready before the single transactional write
// in InsertChunksIndexed, so a mid-batch DB failure can roll back cleanly
// instead of leaving some chunks embedded and others not.
// Individual batch failures trigger per-text fallback so a single oversized
// text does not cause the entire batch to be lost.
func (e *engine) computeEmbeddings(ctx context.Context, chunks []store.Chunk) ([][]float32, error) {
	const batchSize = 32
	out := make([][]float32, len(chunks))
	var failed int

	for i := 0; i < len(chunks); i += batchSize {
		end := i + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}

		texts := make([]string, end-i)
		for j := i; j < end; j++ {
			prefix := ""
			if chunks[j].Heading != "" {
				prefix = chunks[j].Heading + ": "
			}
			texts[j-i] = truncateForEmbed(prefix + chunks[j].Content)
		}

		embeddings, err := e.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			// Batch failed even after the embedder's own retries — fall
			// back to a zero-vector per text so one bad batch doesn't
			// lose every chunk in it (spec §4.4's degradation marker).
			slog.Warn("embedding batch failed, substituting zero vectors",
				"batch_start", i, "batch_end", end, "error", err)
			for j, text := range texts {
				out[i+j] = embedding.EmbedWithFallback(ctx, e.embedder, text)
			}
			failed += len(texts)
			continue
		}

		for j, emb := range embeddings {
			out[i+j] = emb
		}
	}

	if failed == len(chunks) && len(chunks) > 0 {
		return nil, fmt.Errorf("all %d chunks failed embedding", len(chunks))
	}
	if failed > 0 {
		slog.Warn("some embeddings fell back to zero vectors", "failed", failed, "total", len(chunks))
	}
	return out, nil
}

// Regex patterns for extracting technical identifiers from answer text.
// Mirrors the patterns in graph/builder.go for consistency.
var answerIdentifierPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:ISO|EN|IEC|MIL-STD|ASTM|IEEE|NIST|AS|BS)\s*[-]?\s*\d[\w.-]*`),
	regexp.MustCompile(`(?i)(?:PN[:\s]*|P/N[:\s]*)?[A-Z]{1,3}[-]?\d{3,6}`),
	regexp.MustCompile(`(?i)Rev\.?\s*[A-Z0-9]{1,5}`),
	regexp.MustCompile(`\b[A-Z]{2,4}-[A-Z]{1,4}\b`),
	regexp.MustCompile(`(?i)\d+(?:\.\d+)?\s*[Vv](?:AC|DC|ac|dc)?\b`),
	regexp.MustCompile(`(?i)IP\s*\d{2}\b`),                          // IP ratings like IP54
	regexp.MustCompile(`(?i)(?:UNE|NTP|ANSI|DIN|JIS|NF)\s*[-]?\s*\d[\w.-]*`), // additional standard prefixes
}

// falsePositivePrefixes filters out regex matches that are common in LLM
// prose but are not real technical identifiers.
var falsePositivePrefixes = []string{
	"figure ", "fig ", "table ", "step ", "page ", "section ",
	"chapter ", "item ", "part ", "ref ",
}

// isFalsePositiveIdentifier returns true if the matched string is likely
// a document cross-reference rather than a real technical identifier.
func isFalsePositiveIdentifier(ctx string, match string) bool {
	// Check if the match is preceded by a prose prefix in the surrounding text.
	idx := strings.Index(strings.ToLower(ctx), strings.ToLower(match))
	if idx <= 0 {
		return false
	}
	before := strings.ToLower(ctx[max(0, idx-10):idx])
	for _, p := range falsePositivePrefixes {
		if strings.HasSuffix(before, p) {
			return true
		}
	}
	return false
}

// extractMissingTerms finds technical identifiers in the answer text that do
// not appear in any of the retrieved chunks. These are candidates for targeted
// follow-up retrieval — they may be hallucinated or sourced from the LLM's
// prior knowledge, and finding supporting chunks improves answer grounding.
func extractMissingTerms(answer string, chunks []store.RetrievalResult) []string {
	// Build a single lowercase string of all retrieved content for fast lookup.
	var buf strings.Builder
	for _, c := range chunks {
		buf.WriteString(strings.ToLower(c.Content))
		buf.WriteByte(' ')
	}
	chunkContent := buf.String()

	seen := make(map[string]bool)
	var missing []string
	for _, p := range answerIdentifierPatterns {
		for _, m := range p.FindAllString(answer, -1) {
			key := strings.ToLower(strings.TrimSpace(m))
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			if isFalsePositiveIdentifier(answer, m) {
				continue
			}
			if !strings.Contains(chunkContent, key) {
				missing = append(missing, m)
			}
		}
	}
	return missing
}

// mergeResults appends extra retrieval results to the existing set,
// deduplicating by ChunkID. New results are appended at the end (lower
// priority than the original set).
func mergeResults(existing, extra []store.RetrievalResult) []store.RetrievalResult {
	seen := make(map[int64]bool, len(existing))
	for _, r := range existing {
		seen[r.ChunkID] = true
	}
	merged := make([]store.RetrievalResult, len(existing))
	copy(merged, existing)
	for _, r := range extra {
		if !seen[r.ChunkID] {
			seen[r.ChunkID] = true
			merged = append(merged, r)
		}
	}
	return merged
}

// fileHash computes the SHA-256 hash of a file's content.
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// currentDocHash returns a closure the answer cache uses to look up a
// document's current content hash by ID, for staleness comparison
// against a cached snapshot.
func (e *engine) currentDocHash(ctx context.Context) func(int64) (string, bool) {
	return func(docID int64) (string, bool) {
		doc, err := e.store.GetDocument(ctx, docID)
		if err != nil {
			return "", false
		}
		return doc.ContentHash, true
	}
}

// cachedToAnswer converts a cache hit back into the public Answer shape.
func cachedToAnswer(cached learning.CachedAnswer) *Answer {
	sources := make([]Source, len(cached.Citations))
	for i, c := range cached.Citations {
		sources[i] = Source{
			ChunkID:    c.ChunkID,
			DocumentID: c.DocumentID,
			Filename:   c.Filename,
			Content:    c.Snippet,
			Score:      c.Similarity,
		}
	}
	return &Answer{
		Text:          cached.Answer,
		Sources:       sources,
		FromCache:     true,
		CacheHitCount: cached.HitCount,
		QueryType:     "rag_answer",
	}
}

// stringSearchAnswer implements spec §4.7's string-search path: a direct
// FTS lookup, bypassing the embedder, vector search, reasoning engine,
// and answer cache entirely. Citations are re-shaped at similarity 1.0
// with relevance label "Exact Match", per spec.
func (e *engine) stringSearchAnswer(ctx context.Context, question string, limit int) (*Answer, error) {
	results, err := e.retriever.StringSearch(ctx, question, limit)
	if err != nil {
		return nil, fmt.Errorf("string search: %w", err)
	}

	seenDoc := make(map[int64]bool, len(results))
	sources := make([]Source, len(results))
	for i, r := range results {
		seenDoc[r.DocumentID] = true
		sources[i] = Source{
			ChunkID:        r.ChunkID,
			DocumentID:     r.DocumentID,
			Filename:       r.Filename,
			Content:        r.Content,
			Heading:        r.Heading,
			PageNumber:     r.PageNumber,
			Score:          1.0,
			RelevanceLabel: "Exact Match",
		}
	}

	answer := &Answer{
		Text:       fmt.Sprintf("Found %d occurrences of '%s' across %d documents.", len(results), question, len(seenDoc)),
		Confidence: 1.0,
		Sources:    sources,
		QueryType:  "string_search",
	}

	e.store.LogQuery(ctx, store.QueryLog{
		Query:           question,
		Answer:          answer.Text,
		Confidence:      answer.Confidence,
		Sources:         answer.Sources,
		RetrievalMethod: "string_search",
	})

	return answer, nil
}
