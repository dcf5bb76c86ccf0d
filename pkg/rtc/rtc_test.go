package rtc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/livekit/protocol/livekit"
	"google.golang.org/protobuf/proto"
)

func TestJoinTokenCarriesRoomGrant(t *testing.T) {
	t.Parallel()
	issuer := NewTokenIssuer("api-key", "api-secret-api-secret-api-secret")

	token, err := issuer.JoinToken("room-a", "agent-1")
	if err != nil {
		t.Fatalf("JoinToken: %v", err)
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("token has %d segments, want 3", len(parts))
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	var claims struct {
		Sub   string `json:"sub"`
		Video struct {
			Room     string `json:"room"`
			RoomJoin bool   `json:"roomJoin"`
		} `json:"video"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		t.Fatalf("unmarshal claims: %v", err)
	}
	if claims.Sub != "agent-1" {
		t.Errorf("sub = %q, want agent-1", claims.Sub)
	}
	if claims.Video.Room != "room-a" || !claims.Video.RoomJoin {
		t.Errorf("video grant = %+v, want room-a join", claims.Video)
	}
}

func TestServiceSignsAndRoutesRequests(t *testing.T) {
	t.Parallel()

	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		var resp proto.Message
		switch {
		case strings.HasSuffix(r.URL.Path, "/CreateRoom"):
			resp = &livekit.Room{Name: "room-a"}
		case strings.HasSuffix(r.URL.Path, "/SendData"):
			resp = &livekit.SendDataResponse{}
		default:
			http.NotFound(w, r)
			return
		}
		body, err := proto.Marshal(resp)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/protobuf")
		w.Write(body)
	}))
	defer srv.Close()

	svc := NewService(srv.URL, "api-key", "api-secret-api-secret-api-secret", nil)

	room, err := svc.EnsureRoom(context.Background(), "room-a")
	if err != nil {
		t.Fatalf("EnsureRoom: %v", err)
	}
	if room.Name != "room-a" {
		t.Errorf("room name = %q", room.Name)
	}
	if gotPath != "/twirp/livekit.RoomService/CreateRoom" {
		t.Errorf("path = %q", gotPath)
	}
	if !strings.HasPrefix(gotAuth, "Bearer ey") {
		t.Errorf("authorization = %q, want a bearer JWT", gotAuth)
	}

	if err := svc.SendData(context.Background(), "room-a", "guardian_command", []byte(`{}`)); err != nil {
		t.Fatalf("SendData: %v", err)
	}
	if gotPath != "/twirp/livekit.RoomService/SendData" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestHTTPURLRewritesWebsocketSchemes(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"wss://lk.example.com":   "https://lk.example.com",
		"ws://localhost:7880":    "http://localhost:7880",
		"https://lk.example.com": "https://lk.example.com",
	}
	for in, want := range cases {
		if got := httpURL(in); got != want {
			t.Errorf("httpURL(%q) = %q, want %q", in, got, want)
		}
	}
}

// gatewayRecorder accepts one gateway connection and records the ordered
// message types it receives.
type gatewayRecorder struct {
	mu       sync.Mutex
	received []string // "publish", "audio", "mute", "data", ...
	barrier  chan struct{}

	conn *websocket.Conn
	done chan struct{}
}

func newGatewayRecorder() *gatewayRecorder {
	return &gatewayRecorder{barrier: make(chan struct{}, 8), done: make(chan struct{})}
}

func (g *gatewayRecorder) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()
	close(g.done)

	for {
		typ, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		kind := "audio"
		if typ == websocket.MessageText {
			var env envelope
			if json.Unmarshal(data, &env) == nil {
				kind = env.Type
			}
		}
		g.mu.Lock()
		g.received = append(g.received, kind)
		g.mu.Unlock()
		if kind == "data" {
			g.barrier <- struct{}{}
		}
	}
}

func (g *gatewayRecorder) sequence() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.received))
	copy(out, g.received)
	return out
}

func dialTestRoom(t *testing.T, gw *gatewayRecorder) Session {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(gw.handler))
	t.Cleanup(srv.Close)

	d := &Dialer{
		GatewayURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		Issuer:     NewTokenIssuer("api-key", "api-secret-api-secret-api-secret"),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	sess, err := d.Dial(ctx, "room-a", "agent-1")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { sess.Disconnect(context.Background()) })
	<-gw.done
	return sess
}

func TestRoomMutedTrackDropsFrames(t *testing.T) {
	t.Parallel()
	gw := newGatewayRecorder()
	sess := dialTestRoom(t, gw)
	ctx := context.Background()

	track, err := sess.PublishAudioTrack(ctx, "ai-voice", 48000)
	if err != nil {
		t.Fatalf("PublishAudioTrack: %v", err)
	}
	if err := track.WriteFrame(ctx, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := track.SetMuted(ctx, true); err != nil {
		t.Fatalf("SetMuted: %v", err)
	}
	// Dropped locally, never reaches the gateway.
	if err := track.WriteFrame(ctx, []byte{5, 6, 7, 8}); err != nil {
		t.Fatalf("WriteFrame while muted: %v", err)
	}
	if err := sess.SendData(ctx, "guardian_status", []byte(`{}`)); err != nil {
		t.Fatalf("SendData: %v", err)
	}

	select {
	case <-gw.barrier:
	case <-time.After(5 * time.Second):
		t.Fatal("gateway never saw the barrier message")
	}
	want := []string{"publish", "audio", "mute", "data"}
	got := gw.sequence()
	if len(got) != len(want) {
		t.Fatalf("gateway saw %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("gateway saw %v, want %v", got, want)
		}
	}
}

func TestRoomDeliversDataAndRemoteAudio(t *testing.T) {
	t.Parallel()
	gw := newGatewayRecorder()
	sess := dialTestRoom(t, gw)
	ctx := context.Background()

	commands := sess.SubscribeData("guardian_command")

	env, _ := json.Marshal(envelope{
		Type:        "data",
		Topic:       "guardian_command",
		Payload:     []byte(`{"type":"takeover"}`),
		Participant: "operator-1",
	})
	if err := gw.conn.Write(ctx, websocket.MessageText, env); err != nil {
		t.Fatalf("gateway write: %v", err)
	}
	if err := gw.conn.Write(ctx, websocket.MessageBinary, []byte{0, 9, 9, 9, 9}); err != nil {
		t.Fatalf("gateway write audio: %v", err)
	}

	select {
	case msg := <-commands:
		if string(msg.Payload) != `{"type":"takeover"}` || msg.Participant != "operator-1" {
			t.Errorf("data message = %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no data message delivered")
	}
	select {
	case pcm := <-sess.RemoteAudio():
		if len(pcm) != 4 {
			t.Errorf("remote frame length = %d, want 4 (slot byte stripped)", len(pcm))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no remote audio delivered")
	}
}

func TestRoomDisconnectClosesChannels(t *testing.T) {
	t.Parallel()
	gw := newGatewayRecorder()
	sess := dialTestRoom(t, gw)

	commands := sess.SubscribeData("guardian_command")
	if err := sess.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	select {
	case _, ok := <-commands:
		if ok {
			t.Error("expected closed data channel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("data channel never closed")
	}
	select {
	case _, ok := <-sess.RemoteAudio():
		if ok {
			t.Error("expected closed remote audio channel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("remote audio channel never closed")
	}
}
