package processing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"
)

// Ingestor is the minimal capability the worker pool drives per file. The
// engine's path-based Ingest satisfies this via an adapter: the pool
// writes a job file's persisted bytes to a scratch path and hands that
// path off, so ingestion logic itself is written and tested exactly once.
// attempts is the parser escalation chain's totally ordered audit trail
// (spec §3's ParserAttempt) for this file, populated whether or not err
// is nil, so a failed file still records every strategy that was tried.
type Ingestor interface {
	Ingest(ctx context.Context, path string) (documentID int64, attempts []ParserAttemptRecord, err error)
}

// Pool pulls job IDs off a Queue and drives each of a job's files through
// the ingest pipeline with bounded per-file concurrency.
type Pool struct {
	queue    *Queue
	ingestor Ingestor
	sem      *semaphore.Weighted
	scratch  string
}

// NewPool builds a worker pool bound to parallelFiles concurrent files. If
// parallelFiles <= 0, it defaults to min(NumCPU, 4); any value is capped at
// min(NumCPU, 8). scratchDir holds the temporary files each job file's bytes
// are written to before ingestion; empty defaults to os.TempDir().
func NewPool(queue *Queue, ingestor Ingestor, parallelFiles int, scratchDir string) *Pool {
	if parallelFiles <= 0 {
		parallelFiles = 4
	}
	if maxFiles := TierFast.DefaultWorkers(); parallelFiles > maxFiles {
		parallelFiles = maxFiles
	}
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	return &Pool{
		queue:    queue,
		ingestor: ingestor,
		sem:      semaphore.NewWeighted(int64(parallelFiles)),
		scratch:  scratchDir,
	}
}

// Run ranges over the queue's job channel until ctx is cancelled,
// processing each job's files with bounded concurrency. It is meant to be
// started once in its own goroutine.
func (p *Pool) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case jobID, ok := <-p.queue.Jobs():
			if !ok {
				return
			}
			p.runJob(ctx, jobID)
		}
	}
}

func (p *Pool) runJob(ctx context.Context, jobID string) {
	if err := p.queue.markJobStatus(ctx, jobID, JobProcessing); err != nil {
		slog.Error("job status update failed", "job", jobID, "error", err)
	}

	files, err := p.queue.filesForJob(ctx, jobID)
	if err != nil {
		slog.Error("loading job files failed", "job", jobID, "error", err)
		p.queue.markJobStatus(ctx, jobID, JobFailed)
		return
	}

	done := make(chan struct{}, len(files))
	for _, f := range files {
		if f.Status == StageComplete || f.Status == StageSkipped {
			done <- struct{}{}
			continue
		}
		f := f
		if err := p.sem.Acquire(ctx, 1); err != nil {
			done <- struct{}{}
			continue
		}
		go func() {
			defer p.sem.Release(1)
			defer func() { done <- struct{}{} }()
			p.runFile(ctx, jobID, f)
		}()
	}
	for range files {
		<-done
	}

	job, err := p.queue.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	if job.FailedFiles > 0 && job.FailedFiles+job.ProcessedFiles+job.SkippedFiles >= job.TotalFiles {
		p.queue.markJobStatus(ctx, jobID, JobFailed)
		return
	}
	p.queue.markJobStatus(ctx, jobID, JobComplete)
}

// runFile drives one file through classify -> scratch write -> ingest,
// applying the per-file timeout spec §4.1 derives from its tier.
func (p *Pool) runFile(ctx context.Context, jobID string, f JobFile) {
	start := time.Now()
	if err := p.queue.recordFileStart(ctx, f.ID); err != nil {
		slog.Warn("recording file start failed", "file", f.Filename, "error", err)
	}

	fc := Classify(f.Filename, f.Bytes)
	fileCtx, cancel := context.WithTimeout(ctx, fc.Timeout)
	defer cancel()

	path, cleanup, err := p.writeScratchFile(f.Filename, f.Bytes)
	if err != nil {
		p.failFile(ctx, jobID, f, StageUploading, nil, err)
		return
	}
	defer cleanup()

	docID, attempts, err := p.ingestor.Ingest(fileCtx, path)
	elapsed := time.Since(start)
	if err != nil {
		p.failFile(ctx, jobID, f, StageParsing, attempts, err)
		return
	}

	method := fc.RecommendedParser.String()
	if len(attempts) > 0 {
		method = attempts[len(attempts)-1].ParserName
	}
	slog.Info("job file ingested", "job", jobID, "file", f.Filename, "document_id", docID, "elapsed", elapsed)
	if err := p.queue.recordFileDone(ctx, f.ID, StageComplete, method, attempts, ""); err != nil {
		slog.Warn("recording file completion failed", "file", f.Filename, "error", err)
	}
	if err := p.queue.incrementJobCounters(ctx, jobID, 1, 0, 0, 0, 0); err != nil {
		slog.Warn("incrementing job counters failed", "job", jobID, "error", err)
	}
}

func (p *Pool) failFile(ctx context.Context, jobID string, f JobFile, stage ProcessingStage, attempts []ParserAttemptRecord, cause error) {
	slog.Error("job file failed", "job", jobID, "file", f.Filename, "stage", stage, "error", cause)
	if err := p.queue.recordFileDone(ctx, f.ID, StageFailed, "", attempts, cause.Error()); err != nil {
		slog.Warn("recording file failure failed", "file", f.Filename, "error", err)
	}
	if err := p.queue.incrementJobCounters(ctx, jobID, 0, 0, 1, 0, 0); err != nil {
		slog.Warn("incrementing job counters failed", "job", jobID, "error", err)
	}
}

func (p *Pool) writeScratchFile(filename string, data []byte) (path string, cleanup func(), err error) {
	dir, err := os.MkdirTemp(p.scratch, "ragengine-job-*")
	if err != nil {
		return "", nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	path = filepath.Join(dir, filepath.Base(filename))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		os.RemoveAll(dir)
		return "", nil, fmt.Errorf("writing scratch file: %w", err)
	}
	return path, func() { os.RemoveAll(dir) }, nil
}
