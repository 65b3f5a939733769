// Package embedding wraps an llm.Provider's Embed method with the
// resilience contract spec §4.4 requires: retry with capped exponential
// backoff, global concurrency limiting, sub-batching, and inter-batch
// pacing, plus a deterministic local provider that needs no backend.
package embedding

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/corpusq/ragengine/llm"
)

// Provider is the embedding contract spec §4.4 and §6 describe.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	HealthCheck(ctx context.Context) error
}

// Config tunes the retry/backoff/batching policy.
type Config struct {
	Dimensions      int
	MaxConcurrency  int64         // global semaphore weight, default 2
	SubBatchSize    int           // max inputs per provider call, default 20
	BatchPacing     time.Duration // minimum delay between successive batches, default 500ms
	InitialBackoff  time.Duration // default 2s
	BackoffFactor   float64       // default 2.0
	MaxAttempts     int           // default 5
}

func (c *Config) setDefaults() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 2
	}
	if c.SubBatchSize <= 0 {
		c.SubBatchSize = 20
	}
	if c.BatchPacing <= 0 {
		c.BatchPacing = 500 * time.Millisecond
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 2 * time.Second
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 2.0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
}

// retrying decorates an llm.Provider's Embed method with the spec's
// resilience contract. Embedding errors never abort ingestion: callers
// that want the zero-vector fallback should use EmbedWithFallback below.
type retrying struct {
	llm llm.Provider
	cfg Config
	sem *semaphore.Weighted
}

// NewProvider wraps an LLM provider's embedding capability with retry,
// sub-batching, pacing, and a global concurrency limiter.
func NewProvider(backend llm.Provider, cfg Config) Provider {
	cfg.setDefaults()
	return &retrying{llm: backend, cfg: cfg, sem: semaphore.NewWeighted(cfg.MaxConcurrency)}
}

func (r *retrying) Dimensions() int { return r.cfg.Dimensions }

func (r *retrying) HealthCheck(ctx context.Context) error {
	_, err := r.EmbedBatch(ctx, []string{"health check"})
	return err
}

func (r *retrying) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := r.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, errors.New("embedding: empty response")
	}
	return vecs[0], nil
}

// EmbedBatch sub-batches texts (default 20/call), paces successive calls
// by at least cfg.BatchPacing, and retries each sub-batch with capped
// exponential backoff plus jitter on any error (see isRetryable).
func (r *retrying) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	for i := 0; i < len(texts); i += r.cfg.SubBatchSize {
		end := i + r.cfg.SubBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		sub := texts[i:end]

		vecs, err := r.callWithRetry(ctx, sub)
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)

		if end < len(texts) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.cfg.BatchPacing):
			}
		}
	}
	return out, nil
}

func (r *retrying) callWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)

	backoff := r.cfg.InitialBackoff
	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
			wait := backoff + jitter
			slog.Warn("embedding retry", "attempt", attempt, "wait", wait, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			backoff = time.Duration(math.Min(float64(backoff)*r.cfg.BackoffFactor, float64(60*time.Second)))
		}

		vecs, err := r.llm.Embed(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func isRetryable(err error) bool {
	// The teacher's llm providers surface transport errors without a
	// typed rate-limit/unavailable distinction; treat any error as
	// transiently retryable up to MaxAttempts, matching spec §4.4's
	// "rate-limit (429) or transient unavailability (503)" intent in the
	// absence of a richer error taxonomy from the provider layer.
	return err != nil
}

// EmbedWithFallback embeds a single text, substituting an all-zero vector
// of the configured dimension when the provider ultimately fails, per
// spec §4.4's "zero-vector fallback" degradation marker.
func EmbedWithFallback(ctx context.Context, p Provider, text string) []float32 {
	vec, err := p.Embed(ctx, text)
	if err != nil {
		slog.Warn("embedding failed, substituting zero vector", "error", err)
		return make([]float32, p.Dimensions())
	}
	return vec
}
