package rtc

import (
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"
)

// defaultTokenTTL bounds how long a join token stays valid. Sessions only
// need the token at dial time.
const defaultTokenTTL = time.Hour

// TokenIssuer mints LiveKit access tokens from an API key pair.
type TokenIssuer struct {
	apiKey    string
	apiSecret string
}

// NewTokenIssuer creates a TokenIssuer for the given key pair.
func NewTokenIssuer(apiKey, apiSecret string) *TokenIssuer {
	return &TokenIssuer{apiKey: apiKey, apiSecret: apiSecret}
}

// JoinToken returns a JWT granting identity the right to join room and
// publish and subscribe to media.
func (i *TokenIssuer) JoinToken(room, identity string) (string, error) {
	token, err := auth.NewAccessToken(i.apiKey, i.apiSecret).
		SetVideoGrant(&auth.VideoGrant{
			RoomJoin: true,
			Room:     room,
		}).
		SetIdentity(identity).
		SetValidFor(defaultTokenTTL).
		ToJWT()
	if err != nil {
		return "", fmt.Errorf("rtc: sign join token for room %q: %w", room, err)
	}
	return token, nil
}

// adminToken returns a short-lived JWT for server API calls.
func (i *TokenIssuer) adminToken() (string, error) {
	token, err := auth.NewAccessToken(i.apiKey, i.apiSecret).
		SetVideoGrant(&auth.VideoGrant{
			RoomCreate: true,
			RoomList:   true,
			RoomAdmin:  true,
		}).
		SetValidFor(10 * time.Minute).
		ToJWT()
	if err != nil {
		return "", fmt.Errorf("rtc: sign admin token: %w", err)
	}
	return token, nil
}
