package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"math"
)

// VectorDbError marks a dual-index write failure per spec §7's VectorDb
// error kind: embedding validation or an index-level insert failure.
type VectorDbError struct {
	Reason string
}

func (e *VectorDbError) Error() string { return "vectordb: " + e.Reason }

// validateEmbedding rejects the failure modes ANN backends commonly hit:
// wrong dimensionality, NaN, or Inf components. Performing this check
// before any write realizes spec §4.5's stated rationale ("ANN insertion
// is more likely to fail on vector validation, so performing it first
// avoids the inverse rollback") even though, on this SQLite-backed
// implementation, the ANN and FTS writes ultimately share one
// transaction (see InsertChunksIndexed).
func validateEmbedding(v []float32, dim int) error {
	if len(v) != dim {
		return &VectorDbError{Reason: fmt.Sprintf("embedding has %d dimensions, want %d", len(v), dim)}
	}
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return &VectorDbError{Reason: "embedding contains NaN or Inf component"}
		}
	}
	return nil
}

// InsertChunksIndexed writes a batch of chunks and their embeddings to
// both the ANN index (vec_chunks) and the FTS index (chunks_fts, kept in
// sync via the chunks_ai trigger) under the write-path discipline of
// spec §4.5: embeddings are validated up front (the step most likely to
// fail), and the chunk row plus its vec_chunks row are inserted inside a
// single transaction, so any later failure rolls back both the FTS and
// the ANN side together — compensating rollback collapses into ordinary
// transactional rollback because both indexes live in the same database.
//
// len(embeddings) must equal len(chunks); a zero-length embedding marks
// the designated zero-vector fallback and is still inserted (spec §4.4).
func (s *Store) InsertChunksIndexed(ctx context.Context, chunks []Chunk, embeddings [][]float32) ([]int64, error) {
	if len(embeddings) != len(chunks) {
		return nil, &VectorDbError{Reason: "chunks/embeddings length mismatch"}
	}

	for _, emb := range embeddings {
		if len(emb) == 0 {
			continue // zero-vector fallback marker, inserted below as an all-zero vector
		}
		if err := validateEmbedding(emb, s.embeddingDim); err != nil {
			return nil, err
		}
	}

	ids := make([]int64, len(chunks))
	idMap := make(map[int64]int64, len(chunks))

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		chunkStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (document_id, parent_chunk_id, content, chunk_type, heading,
				page_number, position_in_doc, token_count, metadata, content_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer chunkStmt.Close()

		vecStmt, err := tx.PrepareContext(ctx,
			"INSERT OR REPLACE INTO vec_chunks (chunk_id, embedding) VALUES (?, ?)")
		if err != nil {
			return err
		}
		defer vecStmt.Close()

		for i, c := range chunks {
			hash := sha256.Sum256([]byte(c.Content))
			contentHash := hex.EncodeToString(hash[:])

			var parentID *int64
			if c.ParentChunkID != nil {
				if realID, ok := idMap[*c.ParentChunkID]; ok {
					parentID = &realID
				}
			}

			res, err := chunkStmt.ExecContext(ctx,
				c.DocumentID, parentID, c.Content, c.ChunkType,
				c.Heading, c.PageNumber, c.PositionInDoc, c.TokenCount,
				c.Metadata, contentHash)
			if err != nil {
				return fmt.Errorf("inserting chunk row: %w", err)
			}
			newID, err := res.LastInsertId()
			if err != nil {
				return err
			}
			ids[i] = newID
			idMap[c.ID] = newID

			emb := embeddings[i]
			if len(emb) == 0 {
				emb = make([]float32, s.embeddingDim)
			}
			if _, err := vecStmt.ExecContext(ctx, newID, serializeFloat32(emb)); err != nil {
				return &VectorDbError{Reason: fmt.Sprintf("inserting ANN row for chunk %d: %v", newID, err)}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
