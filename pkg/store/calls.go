package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// CreateCallLog records an incoming call at ring time and returns the row id.
func (s *Store) CreateCallLog(ctx context.Context, deviceID, callID, direction, remoteURI, remoteName, room string) (string, error) {
	const q = `
		INSERT INTO sip_call_logs
		    (id, sip_device_id, call_id, direction, remote_uri, remote_name, livekit_room, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'ringing')`

	id := uuid.NewString()
	if _, err := s.pool.Exec(ctx, q, id, deviceID, callID, direction, remoteURI, remoteName, room); err != nil {
		return "", fmt.Errorf("store: create call log: %w", err)
	}
	return id, nil
}

// MarkCallAnswered stamps answered_at and moves the call to "active".
func (s *Store) MarkCallAnswered(ctx context.Context, id string) error {
	const q = `
		UPDATE sip_call_logs
		SET    status = 'active', answered_at = now()
		WHERE  id = $1`

	if _, err := s.pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("store: mark call answered: %w", err)
	}
	return nil
}

// EndCallLog closes a call log row. Duration is computed from answered_at
// (falling back to started_at for never-answered calls). The update is
// idempotent: a second call finds ended_at already set and leaves it alone,
// tolerating the call-ended and disconnect paths both firing.
func (s *Store) EndCallLog(ctx context.Context, id string) error {
	const q = `
		UPDATE sip_call_logs
		SET    status        = 'ended',
		       ended_at      = COALESCE(ended_at, now()),
		       duration_secs = COALESCE(duration_secs,
		           EXTRACT(EPOCH FROM (now() - COALESCE(answered_at, started_at)))::int)
		WHERE  id = $1`

	if _, err := s.pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("store: end call log: %w", err)
	}
	return nil
}
