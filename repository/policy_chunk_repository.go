package repository

import (
	"context"
	"fmt"
	"strings"

	"promptguard-backend/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PolicyChunkRepository handles database operations for indexed policy chunks
type PolicyChunkRepository struct {
	db *pgxpool.Pool
}

// NewPolicyChunkRepository creates a new policy chunk repository
func NewPolicyChunkRepository(db *pgxpool.Pool) *PolicyChunkRepository {
	return &PolicyChunkRepository{db: db}
}

// formatVector formats an embedding vector as a string for pgx
func formatVector(embedding []float64) string {
	if len(embedding) == 0 {
		return "[]"
	}
	var parts []string
	for _, v := range embedding {
		parts = append(parts, fmt.Sprintf("%.6f", v))
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Search returns the chunks nearest to the query embedding by cosine
// distance, closest first. An empty index yields an empty result, not an
// error.
func (r *PolicyChunkRepository) Search(ctx context.Context, embedding []float64, limit int) ([]models.PolicyChunk, error) {
	if len(embedding) != 768 {
		return nil, fmt.Errorf("embedding must be 768 dimensions, got %d", len(embedding))
	}

	vectorStr := formatVector(embedding)

	query := `
		SELECT
			id,
			source,
			sequence,
			content,
			embedding <=> $1::vector AS distance
		FROM policy_chunks
		ORDER BY
			embedding <=> $1::vector
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, vectorStr, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query policy chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.PolicyChunk
	for rows.Next() {
		var chunk models.PolicyChunk
		err := rows.Scan(
			&chunk.ID,
			&chunk.Source,
			&chunk.Sequence,
			&chunk.Content,
			&chunk.Distance,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan policy chunk: %w", err)
		}
		chunks = append(chunks, chunk)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating policy chunks: %w", err)
	}

	return chunks, nil
}

// Count returns the number of indexed chunks
func (r *PolicyChunkRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM policy_chunks").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count policy chunks: %w", err)
	}
	return count, nil
}

// ReplaceSource atomically swaps the indexed chunks for one source: any
// existing chunks for that source are removed and the new ones inserted in
// a single transaction, so readers never observe a half-updated source.
func (r *PolicyChunkRepository) ReplaceSource(ctx context.Context, source string, chunks []models.PolicyChunk, embeddings [][]float64) error {
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("chunk/embedding count mismatch: %d chunks, %d embeddings", len(chunks), len(embeddings))
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM policy_chunks WHERE source = $1", source); err != nil {
		return fmt.Errorf("failed to delete existing chunks: %w", err)
	}

	query := `
		INSERT INTO policy_chunks (id, source, sequence, content, embedding)
		VALUES ($1, $2, $3, $4, $5::vector)`

	for i, chunk := range chunks {
		id := chunk.ID
		if id == uuid.Nil {
			id = uuid.New()
		}

		_, err := tx.Exec(ctx, query,
			id, chunk.Source, chunk.Sequence, chunk.Content, formatVector(embeddings[i]),
		)
		if err != nil {
			return fmt.Errorf("failed to insert chunk %d of %s: %w", chunk.Sequence, source, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit chunks: %w", err)
	}

	return nil
}

// Clear removes every indexed chunk, leaving an empty but queryable index
func (r *PolicyChunkRepository) Clear(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, "TRUNCATE policy_chunks"); err != nil {
		return fmt.Errorf("failed to clear policy chunks: %w", err)
	}
	return nil
}
