package rtc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/livekit/protocol/livekit"
)

const serviceTimeout = 10 * time.Second

// Service wraps the LiveKit server APIs used by the controllers: room
// lifecycle, reliable data publishing, and agent dispatch. All calls are
// authenticated with per-request admin tokens.
type Service struct {
	rooms    livekit.RoomService
	dispatch livekit.AgentDispatchService
	logger   *slog.Logger
}

// NewService creates a Service talking to the LiveKit server at hostURL.
// hostURL may use a ws:// or wss:// scheme; it is rewritten to HTTP for the
// Twirp endpoints.
func NewService(hostURL, apiKey, apiSecret string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	client := &http.Client{
		Timeout: serviceTimeout,
		Transport: &authTransport{
			issuer: NewTokenIssuer(apiKey, apiSecret),
			base:   http.DefaultTransport,
		},
	}
	base := httpURL(hostURL)
	return &Service{
		rooms:    livekit.NewRoomServiceProtobufClient(base, client),
		dispatch: livekit.NewAgentDispatchServiceProtobufClient(base, client),
		logger:   logger.With("component", "rtc-service"),
	}
}

// EnsureRoom creates room if it does not exist and returns it. CreateRoom
// is idempotent on the server side.
func (s *Service) EnsureRoom(ctx context.Context, name string) (*livekit.Room, error) {
	room, err := s.rooms.CreateRoom(ctx, &livekit.CreateRoomRequest{Name: name})
	if err != nil {
		return nil, fmt.Errorf("rtc: create room %q: %w", name, err)
	}
	return room, nil
}

// DeleteRoom removes room, disconnecting all participants.
func (s *Service) DeleteRoom(ctx context.Context, name string) error {
	if _, err := s.rooms.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: name}); err != nil {
		return fmt.Errorf("rtc: delete room %q: %w", name, err)
	}
	return nil
}

// SendData publishes a reliable data message on topic to every participant
// of room via the server API. Used when no live [Session] exists for the
// room.
func (s *Service) SendData(ctx context.Context, room, topic string, payload []byte) error {
	_, err := s.rooms.SendData(ctx, &livekit.SendDataRequest{
		Room:  room,
		Data:  payload,
		Kind:  livekit.DataPacket_RELIABLE,
		Topic: &topic,
	})
	if err != nil {
		return fmt.Errorf("rtc: send data to room %q topic %q: %w", room, topic, err)
	}
	return nil
}

// ListParticipants returns the current participants of room.
func (s *Service) ListParticipants(ctx context.Context, room string) ([]*livekit.ParticipantInfo, error) {
	resp, err := s.rooms.ListParticipants(ctx, &livekit.ListParticipantsRequest{Room: room})
	if err != nil {
		return nil, fmt.Errorf("rtc: list participants of room %q: %w", room, err)
	}
	return resp.Participants, nil
}

// UpdateRoomMetadata replaces the metadata blob attached to room.
func (s *Service) UpdateRoomMetadata(ctx context.Context, room, metadata string) error {
	if _, err := s.rooms.UpdateRoomMetadata(ctx, &livekit.UpdateRoomMetadataRequest{
		Room:     room,
		Metadata: metadata,
	}); err != nil {
		return fmt.Errorf("rtc: update metadata of room %q: %w", room, err)
	}
	return nil
}

// CreateDispatch asks the server to dispatch the named agent into room.
func (s *Service) CreateDispatch(ctx context.Context, room, agentName, metadata string) (*livekit.AgentDispatch, error) {
	d, err := s.dispatch.CreateDispatch(ctx, &livekit.CreateAgentDispatchRequest{
		Room:      room,
		AgentName: agentName,
		Metadata:  metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("rtc: dispatch agent %q into room %q: %w", agentName, room, err)
	}
	return d, nil
}

// authTransport signs every outgoing request with a fresh admin token.
type authTransport struct {
	issuer *TokenIssuer
	base   http.RoundTripper
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.issuer.adminToken()
	if err != nil {
		return nil, err
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+token)
	return t.base.RoundTrip(clone)
}

// httpURL rewrites a LiveKit ws(s) URL to its http(s) equivalent.
func httpURL(hostURL string) string {
	switch {
	case strings.HasPrefix(hostURL, "ws://"):
		return "http://" + strings.TrimPrefix(hostURL, "ws://")
	case strings.HasPrefix(hostURL, "wss://"):
		return "https://" + strings.TrimPrefix(hostURL, "wss://")
	}
	return hostURL
}
