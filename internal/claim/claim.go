// Package claim implements the at-most-one-worker-per-room invariant.
//
// A claim is a broker key roomclaim:<roomName> → agentInstanceId with a TTL,
// written set-if-absent through an idempotent HTTP service. Release is a
// compare-and-delete so a crashed worker's successor cannot be evicted by a
// stale release. The existence of the key is the sole source of truth for
// "a worker owns this room"; no liveness signal prolongs it.
package claim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/voxnexus/voxnexus/internal/fabric"
)

// DefaultTTL bounds how long a claim outlives its worker's reachability.
// It should exceed the dispatch session length estimate.
const DefaultTTL = 2 * time.Hour

// Request is the claim/release payload.
type Request struct {
	RoomName string `json:"roomName"`
	AgentID  string `json:"agentId"`
}

// Response is the claim result.
type Response struct {
	Claimed         bool   `json:"claimed"`
	ExistingAgentID string `json:"existingAgentId,omitempty"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Service
// ─────────────────────────────────────────────────────────────────────────────

// Service serves the claim-room HTTP surface on top of the fabric.
type Service struct {
	broker fabric.Broker
	ttl    time.Duration
	logger *slog.Logger
}

// NewService creates a claim Service. ttl ≤ 0 selects [DefaultTTL].
func NewService(broker fabric.Broker, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{broker: broker, ttl: ttl, logger: logger.With("component", "claim")}
}

// Register adds the claim-room routes to mux.
func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /claim-room", s.handleClaim)
	mux.HandleFunc("DELETE /claim-room", s.handleRelease)
}

// handleClaim writes the claim key iff absent and reports the outcome.
func (s *Service) handleClaim(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}

	key := fabric.RoomClaimPrefix + req.RoomName
	won, err := s.broker.SetNX(r.Context(), key, req.AgentID, s.ttl)
	if err != nil {
		http.Error(w, "broker unavailable", http.StatusServiceUnavailable)
		return
	}

	resp := Response{Claimed: won}
	if !won {
		existing, _, err := s.broker.Get(r.Context(), key)
		if err == nil {
			resp.ExistingAgentID = existing
		}
	}

	s.logger.Info("room claim",
		"room", req.RoomName,
		"agent", req.AgentID,
		"claimed", won,
	)
	writeJSON(w, http.StatusOK, resp)
}

// handleRelease deletes the claim iff the stored agent id matches.
func (s *Service) handleRelease(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}

	key := fabric.RoomClaimPrefix + req.RoomName
	deleted, err := s.broker.CompareAndDelete(r.Context(), key, req.AgentID)
	if err != nil {
		http.Error(w, "broker unavailable", http.StatusServiceUnavailable)
		return
	}

	s.logger.Info("room claim released",
		"room", req.RoomName,
		"agent", req.AgentID,
		"deleted", deleted,
	)
	writeJSON(w, http.StatusOK, map[string]bool{"released": deleted})
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (Request, bool) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return Request{}, false
	}
	if req.RoomName == "" || req.AgentID == "" {
		http.Error(w, "roomName and agentId are required", http.StatusBadRequest)
		return Request{}, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ─────────────────────────────────────────────────────────────────────────────
// Client
// ─────────────────────────────────────────────────────────────────────────────

// Client calls the claim service from the agent worker.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a claim Client for the service at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Claim attempts to claim roomName for agentID.
func (c *Client) Claim(ctx context.Context, roomName, agentID string) (*Response, error) {
	return c.do(ctx, http.MethodPost, roomName, agentID)
}

// Release releases the claim on roomName held by agentID.
func (c *Client) Release(ctx context.Context, roomName, agentID string) error {
	_, err := c.do(ctx, http.MethodDelete, roomName, agentID)
	return err
}

func (c *Client) do(ctx context.Context, method, roomName, agentID string) (*Response, error) {
	body, err := json.Marshal(Request{RoomName: roomName, AgentID: agentID})
	if err != nil {
		return nil, fmt.Errorf("claim: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/claim-room", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("claim: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("claim: http request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("claim: service returned HTTP %d", httpResp.StatusCode)
	}

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("claim: decode response: %w", err)
	}
	return &resp, nil
}
