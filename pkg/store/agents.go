package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetAgentConfig loads one agent configuration by id.
// Returns [ErrNotFound] when no row matches.
func (s *Store) GetAgentConfig(ctx context.Context, id string) (*AgentConfig, error) {
	const q = `
		SELECT id, name, llm_config, stt_config, tts_config, system_prompt,
		       created_at, updated_at
		FROM   agent_configs
		WHERE  id = $1`

	var a AgentConfig
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&a.ID, &a.Name, &a.LLM, &a.STT, &a.TTS, &a.SystemPrompt,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("agent config %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get agent config: %w", err)
	}
	return &a, nil
}

// GetVoiceProfile loads one voice profile by id.
// Returns [ErrNotFound] when no row matches.
func (s *Store) GetVoiceProfile(ctx context.Context, id string) (*VoiceProfileRow, error) {
	const q = `SELECT id, reference_audio_url FROM voice_profiles WHERE id = $1`

	var v VoiceProfileRow
	err := s.pool.QueryRow(ctx, q, id).Scan(&v.ID, &v.ReferenceAudioURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("voice profile %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get voice profile: %w", err)
	}
	return &v, nil
}

// GetGuardianConfig loads the guardian configuration for an agent.
// Returns [ErrNotFound] when the agent has no guardian row.
func (s *Store) GetGuardianConfig(ctx context.Context, agentConfigID string) (*GuardianConfig, error) {
	const q = `
		SELECT agent_config_id, critical_keywords, high_risk_keywords,
		       medium_risk_keywords, auto_handoff_threshold, enabled
		FROM   guardian_configs
		WHERE  agent_config_id = $1`

	var g GuardianConfig
	err := s.pool.QueryRow(ctx, q, agentConfigID).Scan(
		&g.AgentConfigID, &g.CriticalKeywords, &g.HighRiskKeywords,
		&g.MediumRiskKeywords, &g.AutoHandoffThreshold, &g.Enabled,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("guardian config for agent %q: %w", agentConfigID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get guardian config: %w", err)
	}
	return &g, nil
}
