package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"
)

// HasReadyKnowledge reports whether the agent has at least one chunk with
// status "ready". The tool synthesizer exposes the retrieval tool only then.
func (s *Store) HasReadyKnowledge(ctx context.Context, agentConfigID string) (bool, error) {
	const q = `
		SELECT EXISTS (
		    SELECT 1 FROM knowledge_documents
		    WHERE agent_config_id = $1 AND status = 'ready'
		)`

	var ok bool
	if err := s.pool.QueryRow(ctx, q, agentConfigID).Scan(&ok); err != nil {
		return false, fmt.Errorf("store: has ready knowledge: %w", err)
	}
	return ok, nil
}

// SearchKnowledge returns the topK ready chunks for the agent whose cosine
// similarity to embedding is at least minSimilarity, most similar first.
func (s *Store) SearchKnowledge(ctx context.Context, agentConfigID string, embedding []float32, minSimilarity float64, topK int) ([]KnowledgeResult, error) {
	const q = `
		SELECT filename, chunk_index, content,
		       1 - (embedding <=> $1::vector) AS similarity
		FROM   knowledge_documents
		WHERE  agent_config_id = $2
		  AND  status = 'ready'
		  AND  1 - (embedding <=> $1::vector) >= $3
		ORDER  BY embedding <=> $1::vector
		LIMIT  $4`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), agentConfigID, minSimilarity, topK)
	if err != nil {
		return nil, fmt.Errorf("store: search knowledge: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (KnowledgeResult, error) {
		var r KnowledgeResult
		err := row.Scan(&r.Filename, &r.ChunkIndex, &r.Content, &r.Similarity)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan knowledge results: %w", err)
	}
	return results, nil
}
