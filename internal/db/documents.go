package db

import (
	"context"
	"fmt"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/retrieval"
	"github.com/pgvector/pgvector-go"
)

// SearchChunks runs match_doc_chunks for the embedding. An empty ticker
// searches every document.
func (db *DB) SearchChunks(ctx context.Context, embedding []float32, k int, ticker string) ([]retrieval.Chunk, error) {
	var filter *string
	if ticker != "" {
		filter = &ticker
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id::text, COALESCE(title, ''), COALESCE(source_type, ''), published_at,
		        COALESCE(url, ''), content, similarity::float8
		 FROM match_doc_chunks($1, $2, $3)`,
		pgvector.NewVector(embedding), k, filter,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search document chunks: %w", err)
	}
	defer rows.Close()

	var chunks []retrieval.Chunk
	for rows.Next() {
		var c retrieval.Chunk
		if err := rows.Scan(&c.ID, &c.Title, &c.SourceType, &c.PublishedAt, &c.URL, &c.Content, &c.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan document chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// InsertChunk stores a document chunk with its embedding
func (db *DB) InsertChunk(ctx context.Context, ticker string, c retrieval.Chunk, embedding []float32) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO doc_chunks (ticker, title, source_type, published_at, url, content, embedding)
		 VALUES (NULLIF($1, ''), $2, $3, $4, NULLIF($5, ''), $6, $7)`,
		ticker, c.Title, c.SourceType, c.PublishedAt, c.URL, c.Content, pgvector.NewVector(embedding),
	)
	if err != nil {
		return fmt.Errorf("failed to insert document chunk: %w", err)
	}
	return nil
}
