// Package fabric provides the command and event fabric shared by all
// VoxNexus processes: named pub/sub channels plus a small TTL key-value
// surface on a Redis broker.
//
// Delivery is at-least-once, so consumers deduplicate (command id in the
// worker) or fence (takeover lock in the guardian). All key mutations the
// fabric exposes are atomic single commands; the compare-and-delete used by
// the room-claim release runs as a Lua script.
package fabric

import (
	"context"
	"time"
)

// Pub/sub channel names.
const (
	// ChannelRegister carries extension configs for dynamic SIP registration.
	ChannelRegister = "sip-bridge:register"

	// ChannelUnregister carries {extensionId} for dynamic removal.
	ChannelUnregister = "sip-bridge:unregister"

	// ChannelEvents is the dashboard feed of typed guardian events.
	ChannelEvents = "guardian:events"

	// ChannelTakeover carries operator takeover/release commands.
	ChannelTakeover = "guardian:takeover"

	// ChannelAlerts carries operational alert envelopes.
	ChannelAlerts = "guardian:alerts"

	// ChannelDispatch carries agent job assignments. Every worker receives
	// every dispatch; the room claim decides which one serves it.
	ChannelDispatch = "agent:dispatch"
)

// Key prefixes and fixed keys.
const (
	// TakeoverLockPrefix fences takeover command execution per conversation.
	TakeoverLockPrefix = "takeoverLock:"

	// RoomClaimPrefix records which agent instance owns a room.
	RoomClaimPrefix = "roomclaim:"

	// HeartbeatKey is the worker liveness key.
	HeartbeatKey = "voxnexus:worker:heartbeat"
)

// Standard TTLs.
const (
	// TakeoverLockTTL is the fencing window for one takeover command.
	TakeoverLockTTL = 30 * time.Second

	// HeartbeatTTL is how long after the last refresh a worker is presumed
	// alive. Refresh cadence is HeartbeatTTL / 3.
	HeartbeatTTL = 30 * time.Second
)

// Broker is the fabric contract. The production implementation is [Redis];
// tests use the in-memory fake in the mock subpackage.
type Broker interface {
	// Publish sends payload on the named channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe delivers every message on channel to handler until ctx is
	// cancelled. Handlers run sequentially per subscription; a slow handler
	// delays later messages on the same channel. Subscriptions survive
	// broker disconnects and re-subscribe with backoff.
	Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error

	// SetNX writes key iff absent, with a TTL. Reports whether the write won.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Set writes key unconditionally with a TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Get reads key. ok is false when the key does not exist.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Del removes key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error

	// CompareAndDelete removes key iff its current value equals expect.
	// Reports whether a deletion happened.
	CompareAndDelete(ctx context.Context, key, expect string) (bool, error)

	// Ping checks broker reachability; used by the readiness probe.
	Ping(ctx context.Context) error
}
