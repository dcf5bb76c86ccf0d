package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// CreateConversation opens a new conversation row with status "active" and
// returns its id.
func (s *Store) CreateConversation(ctx context.Context, agentConfigID, sessionID, channel string) (string, error) {
	const q = `
		INSERT INTO conversations (id, agent_config_id, session_id, channel, status)
		VALUES ($1, $2, $3, $4, 'active')`

	id := uuid.NewString()
	if _, err := s.pool.Exec(ctx, q, id, agentConfigID, sessionID, channel); err != nil {
		return "", fmt.Errorf("store: create conversation: %w", err)
	}
	return id, nil
}

// CloseConversation marks a conversation completed and merges metadata into
// the existing map. Closing an already-closed conversation is a no-op for
// status and stamps no second ended_at, keeping the call-ended and
// disconnect paths idempotent.
func (s *Store) CloseConversation(ctx context.Context, id string, metadata map[string]any) error {
	const q = `
		UPDATE conversations
		SET    status   = 'completed',
		       ended_at = COALESCE(ended_at, now()),
		       metadata = metadata || COALESCE($2::jsonb, '{}'::jsonb)
		WHERE  id = $1`

	if _, err := s.pool.Exec(ctx, q, id, metadata); err != nil {
		return fmt.Errorf("store: close conversation: %w", err)
	}
	return nil
}

// AppendMessage appends one message row to a conversation.
func (s *Store) AppendMessage(ctx context.Context, conversationID, role, content string) error {
	const q = `
		INSERT INTO messages (id, conversation_id, role, content)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.pool.Exec(ctx, q, uuid.NewString(), conversationID, role, content); err != nil {
		return fmt.Errorf("store: append message: %w", err)
	}
	return nil
}
