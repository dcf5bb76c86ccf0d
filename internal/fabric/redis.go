package fabric

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndDeleteScript deletes the key only while it still holds the
// expected value. GET-then-DEL from the client would race a concurrent
// claimer between the two commands.
var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Compile-time assertion that Redis implements Broker.
var _ Broker = (*Redis)(nil)

// Redis is the production Broker backed by go-redis.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis connects to the broker at url (redis:// form) and verifies
// reachability before returning.
func NewRedis(ctx context.Context, url string, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("fabric: parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("fabric: ping broker: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, logger: logger.With("component", "fabric")}, nil
}

// Publish implements Broker.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("fabric: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements Broker. go-redis re-establishes the pub/sub socket
// after a disconnect; this loop additionally recreates the whole
// subscription with backoff if the message channel closes, so a handler
// never silently starves.
func (r *Redis) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) error {
	go func() {
		backoff := time.Second
		for {
			sub := r.client.Subscribe(ctx, channel)
			ch := sub.Channel()

		recv:
			for {
				select {
				case <-ctx.Done():
					_ = sub.Close()
					return
				case msg, ok := <-ch:
					if !ok {
						break recv
					}
					backoff = time.Second
					handler([]byte(msg.Payload))
				}
			}

			_ = sub.Close()
			r.logger.Warn("subscription lost, reconnecting",
				"channel", channel,
				"backoff", backoff,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}()
	return nil
}

// SetNX implements Broker.
func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("fabric: setnx %s: %w", key, err)
	}
	return ok, nil
}

// Set implements Broker.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("fabric: set %s: %w", key, err)
	}
	return nil
}

// Get implements Broker.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("fabric: get %s: %w", key, err)
	}
	return val, true, nil
}

// Del implements Broker.
func (r *Redis) Del(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("fabric: del %s: %w", key, err)
	}
	return nil
}

// CompareAndDelete implements Broker.
func (r *Redis) CompareAndDelete(ctx context.Context, key, expect string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, r.client, []string{key}, expect).Int()
	if err != nil {
		return false, fmt.Errorf("fabric: compare-and-delete %s: %w", key, err)
	}
	return n == 1, nil
}

// Ping implements Broker.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
