package claim

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voxnexus/voxnexus/internal/fabric"
	fabricmock "github.com/voxnexus/voxnexus/internal/fabric/mock"
)

func newTestService(t *testing.T) (*Client, *fabricmock.Broker) {
	t.Helper()
	broker := fabricmock.New()
	svc := NewService(broker, time.Minute, nil)
	mux := http.NewServeMux()
	svc.Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return NewClient(server.URL), broker
}

func TestClaimFirstWins(t *testing.T) {
	t.Parallel()
	client, _ := newTestService(t)
	ctx := context.Background()

	resp, err := client.Claim(ctx, "room-A", "agent-1:task-1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !resp.Claimed {
		t.Fatal("first claim should succeed")
	}

	resp, err = client.Claim(ctx, "room-A", "agent-2:task-2")
	if err != nil {
		t.Fatalf("second Claim: %v", err)
	}
	if resp.Claimed {
		t.Fatal("second claim should lose")
	}
	if resp.ExistingAgentID != "agent-1:task-1" {
		t.Errorf("existingAgentId = %q, want agent-1:task-1", resp.ExistingAgentID)
	}
}

func TestReleaseIsCompareAndDelete(t *testing.T) {
	t.Parallel()
	client, broker := newTestService(t)
	ctx := context.Background()

	if _, err := client.Claim(ctx, "room-B", "owner"); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	// A stale release from a different agent must not evict the owner.
	if err := client.Release(ctx, "room-B", "impostor"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, ok, _ := broker.Get(ctx, fabric.RoomClaimPrefix+"room-B"); !ok {
		t.Fatal("claim should survive a mismatched release")
	}

	if err := client.Release(ctx, "room-B", "owner"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, ok, _ := broker.Get(ctx, fabric.RoomClaimPrefix+"room-B"); ok {
		t.Fatal("claim should be gone after owner release")
	}
}

func TestClaimSucceedsAfterTTLExpiry(t *testing.T) {
	t.Parallel()
	broker := fabricmock.New()
	svc := NewService(broker, time.Minute, nil)
	mux := http.NewServeMux()
	svc.Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	client := NewClient(server.URL)
	ctx := context.Background()

	if resp, _ := client.Claim(ctx, "room-C", "crashed"); !resp.Claimed {
		t.Fatal("initial claim should succeed")
	}

	// Simulate the claimer crashing without release: advance past TTL.
	broker.SetClock(func() time.Time { return time.Now().Add(2 * time.Minute) })

	resp, err := client.Claim(ctx, "room-C", "successor")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !resp.Claimed {
		t.Fatal("claim should succeed after the previous claim expired")
	}
}

func TestClaimRejectsMissingFields(t *testing.T) {
	t.Parallel()
	client, _ := newTestService(t)

	if _, err := client.Claim(context.Background(), "", "agent"); err == nil {
		t.Error("expected error for empty room name")
	}
}

func TestHeartbeatRefreshes(t *testing.T) {
	t.Parallel()
	broker := fabricmock.New()
	hb := NewHeartbeat(broker, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hb.Run(ctx)
		close(done)
	}()

	// The first refresh happens immediately.
	deadline := time.After(2 * time.Second)
	for {
		if _, ok, _ := broker.Get(context.Background(), fabric.HeartbeatKey); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("heartbeat key never written")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
