package processing

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the coarse state of an ingestion job, distinct from the
// per-file ProcessingStage below: a job can be Processing while most of
// its files are already Complete and a few are still Parsing.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobComplete   JobStatus = "complete"
	JobFailed     JobStatus = "failed"
)

// ProcessingStage tracks where a single file sits in the ingest pipeline.
type ProcessingStage string

const (
	StageQueued    ProcessingStage = "queued"
	StageUploading ProcessingStage = "uploading"
	StageParsing   ProcessingStage = "parsing"
	StageChunking  ProcessingStage = "chunking"
	StageEmbedding ProcessingStage = "embedding"
	StageStoring   ProcessingStage = "storing"
	StageComplete  ProcessingStage = "complete"
	StageSkipped   ProcessingStage = "skipped"
	StageFailed    ProcessingStage = "failed"
)

// ParserAttemptRecord mirrors one entry of a file's parser escalation chain,
// kept for the job's audit trail independent of the live Attempt type the
// chain itself returns.
type ParserAttemptRecord struct {
	ParserName     string `json:"parser_name"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
	CharsExtracted int    `json:"chars_extracted"`
	DurationMs     int64  `json:"duration_ms"`
}

// JobFile is a single submitted file tracked within a Job.
type JobFile struct {
	ID             int64
	JobID          string
	Filename       string
	Bytes          []byte
	Tier           FileTier
	Status         ProcessingStage
	ParserMethod   string
	ParserAttempts []ParserAttemptRecord
	Error          string
	ErrorStage     ProcessingStage
	StartedAt      *time.Time
	CompletedAt    *time.Time
	DurationMs     int64
}

// Job groups a batch of submitted files and aggregates their progress.
type Job struct {
	ID             string
	Status         JobStatus
	TotalFiles     int
	ProcessedFiles int
	SkippedFiles   int
	FailedFiles    int
	TotalChunks    int
	EmbeddedChunks int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SubmitFile is one caller-provided file awaiting ingestion.
type SubmitFile struct {
	Filename string
	Data     []byte
}

// Queue persists jobs and their files to SQLite and hands completed
// submissions off to a worker pool via a bounded channel. Persisting the
// raw bytes alongside each JobFile row is what lets Resume re-submit a
// job's unfinished files after a crash without the caller re-uploading
// anything.
type Queue struct {
	db       *sql.DB
	capacity int
	ch       chan string // job IDs ready for a worker to claim
}

// NewQueue wires a Queue against the given database handle. capacity
// bounds the number of jobs that can be pending admission at once; a
// Submit beyond that returns errQueueFull (see IsQueueFull) rather than
// blocking forever.
func NewQueue(db *sql.DB, capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Queue{db: db, capacity: capacity, ch: make(chan string, capacity)}
}

// Jobs returns the channel workers should range over to claim job IDs.
func (q *Queue) Jobs() <-chan string { return q.ch }

// Submit persists a new job and its files, then enqueues the job ID for a
// worker to pick up. Returns the new job's ID.
func (q *Queue) Submit(ctx context.Context, files []SubmitFile) (string, error) {
	id := uuid.NewString()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning job submission: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (id, status, total_files) VALUES (?, ?, ?)`,
		id, JobPending, len(files)); err != nil {
		return "", fmt.Errorf("inserting job: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO job_files (job_id, filename, bytes, tier, status) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return "", err
	}
	defer stmt.Close()

	for _, f := range files {
		fc := Classify(f.Filename, f.Data)
		if _, err := stmt.ExecContext(ctx, id, f.Filename, f.Data, fc.Tier.String(), StageQueued); err != nil {
			return "", fmt.Errorf("inserting job file %s: %w", f.Filename, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing job submission: %w", err)
	}

	select {
	case q.ch <- id:
	default:
		return id, errQueueFull
	}
	return id, nil
}

// Resume re-enqueues every job left in Pending or Processing status,
// intended to be called once at startup so a crash mid-job doesn't strand
// its remaining files. Files already marked Complete or Skipped are left
// untouched by the worker when it re-walks the job.
func (q *Queue) Resume(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id FROM jobs WHERE status IN (?, ?)`, JobPending, JobProcessing)
	if err != nil {
		return nil, fmt.Errorf("listing incomplete jobs: %w", err)
	}
	defer rows.Close()

	var resumed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return resumed, err
		}
		resumed = append(resumed, id)
	}
	if err := rows.Err(); err != nil {
		return resumed, err
	}

	for _, id := range resumed {
		select {
		case q.ch <- id:
		default:
			return resumed, errQueueFull
		}
	}
	return resumed, nil
}

// GetJob loads a job's current aggregate state.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	row := q.db.QueryRowContext(ctx, `
		SELECT id, status, total_files, processed_files, skipped_files, failed_files,
			total_chunks, embedded_chunks, created_at, updated_at
		FROM jobs WHERE id = ?`, id)
	if err := row.Scan(&j.ID, &j.Status, &j.TotalFiles, &j.ProcessedFiles, &j.SkippedFiles,
		&j.FailedFiles, &j.TotalChunks, &j.EmbeddedChunks, &j.CreatedAt, &j.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errJobNotFound
		}
		return nil, err
	}
	return &j, nil
}

// filesForJob loads every JobFile row belonging to a job, in insertion order.
func (q *Queue) filesForJob(ctx context.Context, jobID string) ([]JobFile, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, job_id, filename, bytes, tier, status, parser_method, parser_attempts, error
		FROM job_files WHERE job_id = ? ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []JobFile
	for rows.Next() {
		var f JobFile
		var tier, status, parserMethod, attemptsJSON, errMsg sql.NullString
		if err := rows.Scan(&f.ID, &f.JobID, &f.Filename, &f.Bytes, &tier, &status,
			&parserMethod, &attemptsJSON, &errMsg); err != nil {
			return nil, err
		}
		f.Tier = tierFromString(tier.String)
		f.Status = ProcessingStage(status.String)
		f.ParserMethod = parserMethod.String
		f.Error = errMsg.String
		if attemptsJSON.String != "" {
			_ = json.Unmarshal([]byte(attemptsJSON.String), &f.ParserAttempts)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func tierFromString(s string) FileTier {
	switch s {
	case "medium":
		return TierMedium
	case "heavy":
		return TierHeavy
	case "complex":
		return TierComplex
	default:
		return TierFast
	}
}

func (q *Queue) markJobStatus(ctx context.Context, jobID string, status JobStatus) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, status, jobID)
	return err
}

func (q *Queue) updateFileStatus(ctx context.Context, fileID int64, stage ProcessingStage, errMsg string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE job_files SET status = ?, error = ? WHERE id = ?`, stage, errMsg, fileID)
	return err
}

func (q *Queue) recordFileStart(ctx context.Context, fileID int64) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE job_files SET status = ?, started_at = CURRENT_TIMESTAMP WHERE id = ?`, StageParsing, fileID)
	return err
}

func (q *Queue) recordFileDone(ctx context.Context, fileID int64, stage ProcessingStage, method string, attempts []ParserAttemptRecord, errMsg string) error {
	attemptsJSON, _ := json.Marshal(attempts)
	_, err := q.db.ExecContext(ctx, `
		UPDATE job_files
		SET status = ?, parser_method = ?, parser_attempts = ?, error = ?,
			completed_at = CURRENT_TIMESTAMP,
			duration_ms = CAST((julianday(CURRENT_TIMESTAMP) - julianday(started_at)) * 86400000 AS INTEGER)
		WHERE id = ?`, stage, method, string(attemptsJSON), errMsg, fileID)
	return err
}

func (q *Queue) incrementJobCounters(ctx context.Context, jobID string, processed, skipped, failed, chunks, embedded int) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET processed_files = processed_files + ?,
			skipped_files = skipped_files + ?,
			failed_files = failed_files + ?,
			total_chunks = total_chunks + ?,
			embedded_chunks = embedded_chunks + ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, processed, skipped, failed, chunks, embedded, jobID)
	return err
}
