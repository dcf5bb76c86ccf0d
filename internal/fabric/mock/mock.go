// Package mock provides an in-memory fabric.Broker for tests. It honours
// SET NX semantics, TTL expiry, and synchronous pub/sub delivery so the
// fencing and claim invariants can be exercised without a broker.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/voxnexus/voxnexus/internal/fabric"
)

// Compile-time assertion.
var _ fabric.Broker = (*Broker)(nil)

type entry struct {
	value     string
	expiresAt time.Time
}

// Broker is an in-memory fabric.Broker. The zero value is not usable; call
// [New].
type Broker struct {
	mu       sync.Mutex
	kv       map[string]entry
	subs     map[string][]func([]byte)
	now      func() time.Time
	failPing bool

	// Published records every published message by channel, in order.
	Published map[string][][]byte
}

// New returns an empty in-memory broker.
func New() *Broker {
	return &Broker{
		kv:        make(map[string]entry),
		subs:      make(map[string][]func([]byte)),
		now:       time.Now,
		Published: make(map[string][][]byte),
	}
}

// SetClock replaces the broker's time source, letting tests expire TTLs.
func (b *Broker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// FailPing makes Ping return an error, for readiness-probe tests.
func (b *Broker) FailPing(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPing = fail
}

// Publish implements fabric.Broker. Handlers run synchronously on the
// caller's goroutine, which makes test ordering deterministic.
func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	b.Published[channel] = append(b.Published[channel], payload)
	handlers := make([]func([]byte), len(b.subs[channel]))
	copy(handlers, b.subs[channel])
	b.mu.Unlock()

	for _, h := range handlers {
		h(payload)
	}
	return nil
}

// Subscribe implements fabric.Broker.
func (b *Broker) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[channel] = append(b.subs[channel], handler)
	return nil
}

// SetNX implements fabric.Broker.
func (b *Broker) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.kv[key]; ok && !b.expired(e) {
		return false, nil
	}
	b.kv[key] = entry{value: value, expiresAt: b.deadline(ttl)}
	return true, nil
}

// Set implements fabric.Broker.
func (b *Broker) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kv[key] = entry{value: value, expiresAt: b.deadline(ttl)}
	return nil
}

// Get implements fabric.Broker.
func (b *Broker) Get(ctx context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.kv[key]
	if !ok || b.expired(e) {
		return "", false, nil
	}
	return e.value, true, nil
}

// Del implements fabric.Broker.
func (b *Broker) Del(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.kv, key)
	return nil
}

// CompareAndDelete implements fabric.Broker.
func (b *Broker) CompareAndDelete(ctx context.Context, key, expect string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.kv[key]
	if !ok || b.expired(e) || e.value != expect {
		return false, nil
	}
	delete(b.kv, key)
	return true, nil
}

// Ping implements fabric.Broker.
func (b *Broker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failPing {
		return context.DeadlineExceeded
	}
	return nil
}

// PublishedOn returns the payloads published on channel so far.
func (b *Broker) PublishedOn(channel string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.Published[channel]))
	copy(out, b.Published[channel])
	return out
}

func (b *Broker) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return b.now().Add(ttl)
}

func (b *Broker) expired(e entry) bool {
	return !e.expiresAt.IsZero() && b.now().After(e.expiresAt)
}
