package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ListSipDevices returns all configured SIP extensions.
func (s *Store) ListSipDevices(ctx context.Context) ([]SipDevice, error) {
	const q = `
		SELECT id, agent_config_id, server, username, password, port, transport,
		       display_name, realm, outbound_proxy, greeting_text, status,
		       last_error, registered_at, updated_at
		FROM   sip_devices
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: list sip devices: %w", err)
	}

	devices, err := pgx.CollectRows(rows, scanDevice)
	if err != nil {
		return nil, fmt.Errorf("store: scan sip devices: %w", err)
	}
	return devices, nil
}

// GetSipDevice loads one SIP extension by id.
// Returns [ErrNotFound] when no row matches.
func (s *Store) GetSipDevice(ctx context.Context, id string) (*SipDevice, error) {
	const q = `
		SELECT id, agent_config_id, server, username, password, port, transport,
		       display_name, realm, outbound_proxy, greeting_text, status,
		       last_error, registered_at, updated_at
		FROM   sip_devices
		WHERE  id = $1`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("store: get sip device: %w", err)
	}
	d, err := pgx.CollectOneRow(rows, scanDevice)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("sip device %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan sip device: %w", err)
	}
	return &d, nil
}

// UpdateDeviceStatus records a registration state transition. registered_at
// is stamped only when the device reaches REGISTERED; lastErr is cleared on
// success and recorded on failure.
func (s *Store) UpdateDeviceStatus(ctx context.Context, id, status, lastErr string) error {
	const q = `
		UPDATE sip_devices
		SET    status        = $2,
		       last_error    = $3,
		       registered_at = CASE WHEN $2 = 'REGISTERED' THEN now() ELSE registered_at END,
		       updated_at    = now()
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, id, status, lastErr)
	if err != nil {
		return fmt.Errorf("store: update device status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sip device %q: %w", id, ErrNotFound)
	}
	return nil
}

func scanDevice(row pgx.CollectableRow) (SipDevice, error) {
	var d SipDevice
	err := row.Scan(
		&d.ID, &d.AgentConfigID, &d.Server, &d.Username, &d.Password, &d.Port,
		&d.Transport, &d.DisplayName, &d.Realm, &d.OutboundProxy,
		&d.GreetingText, &d.Status, &d.LastError, &d.RegisteredAt, &d.UpdatedAt,
	)
	return d, err
}
