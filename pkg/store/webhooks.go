package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ListActiveWebhooks returns the agent's active webhook endpoints ordered by
// creation time, the order their tools are offered to the LLM.
func (s *Store) ListActiveWebhooks(ctx context.Context, agentConfigID string) ([]Webhook, error) {
	const q = `
		SELECT id, agent_config_id, name, description, url, method, parameters,
		       headers, secret, timeout_ms, retry_count, is_active, created_at
		FROM   webhook_endpoints
		WHERE  agent_config_id = $1 AND is_active = true
		ORDER  BY created_at ASC`

	rows, err := s.pool.Query(ctx, q, agentConfigID)
	if err != nil {
		return nil, fmt.Errorf("store: list webhooks: %w", err)
	}

	hooks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Webhook, error) {
		var w Webhook
		err := row.Scan(
			&w.ID, &w.AgentConfigID, &w.Name, &w.Description, &w.URL, &w.Method,
			&w.Parameters, &w.Headers, &w.Secret, &w.TimeoutMs, &w.RetryCount,
			&w.IsActive, &w.CreatedAt,
		)
		return w, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan webhooks: %w", err)
	}
	return hooks, nil
}

// ListApprovedLessons returns up to limit approved behavioral lessons for the
// agent, newest first.
func (s *Store) ListApprovedLessons(ctx context.Context, agentConfigID string, limit int) ([]string, error) {
	const q = `
		SELECT improved_instruction
		FROM   agent_lessons
		WHERE  agent_config_id = $1 AND status = 'approved'
		ORDER  BY created_at DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, agentConfigID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list lessons: %w", err)
	}

	lessons, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
		var l string
		err := row.Scan(&l)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan lessons: %w", err)
	}
	return lessons, nil
}
