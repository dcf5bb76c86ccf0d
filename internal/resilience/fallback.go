package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/voxnexus/voxnexus/internal/observe"
)

// ErrAllFailed is returned when every provider in a [FallbackGroup] either
// failed or was skipped because its breaker is open.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// Kind labels the provider family ("llm", "stt", "tts") in failover
	// logs and on the provider request and error counters.
	Kind string

	// CircuitBreaker is the breaker template applied to each entry; every
	// provider gets its own breaker named after it.
	CircuitBreaker CircuitBreakerConfig

	// Metrics overrides the metrics sink; nil uses the global meter provider.
	Metrics *observe.Metrics
}

// fallbackEntry pairs a provider with its dedicated breaker.
type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary provider and zero or more spares of the same
// kind. A call walks the entries in registration order; an entry whose
// breaker is open is skipped without being attempted. Every attempt lands on
// the provider request counter with a status of ok, error, or skipped.
//
// FallbackGroup is safe for concurrent use once registration is done; all
// AddFallback calls must happen before the first Execute.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
	metrics *observe.Metrics
}

// NewFallbackGroup creates a group with primary as the first entry. Register
// spares with [FallbackGroup.AddFallback].
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	bc := cfg.CircuitBreaker
	bc.Name = primaryName
	return &FallbackGroup[T]{
		entries: []fallbackEntry[T]{{
			name:    primaryName,
			value:   primary,
			breaker: NewCircuitBreaker(bc),
		}},
		cfg:     cfg,
		metrics: metrics,
	}
}

// AddFallback appends a spare provider. Spares are tried in the order they
// are added, after the primary.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	bc := fg.cfg.CircuitBreaker
	bc.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(bc),
	})
}

// Execute runs fn against each healthy entry in order until one succeeds.
// Returns [ErrAllFailed] wrapping the last error when no entry does.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	var lastErr error
	for i := range fg.entries {
		entry := &fg.entries[i]
		err := entry.breaker.Execute(func() error {
			return fn(entry.value)
		})
		if err == nil {
			fg.metrics.RecordProviderRequest(ctx, entry.name, fg.cfg.Kind, "ok")
			return nil
		}
		lastErr = err
		fg.noteFailure(ctx, entry.name, err)
	}
	return fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}

func (fg *FallbackGroup[T]) noteFailure(ctx context.Context, name string, err error) {
	if errors.Is(err, ErrCircuitOpen) {
		fg.metrics.RecordProviderRequest(ctx, name, fg.cfg.Kind, "skipped")
		slog.Debug("provider skipped, breaker open",
			"provider", name, "kind", fg.cfg.Kind)
		return
	}
	fg.metrics.RecordProviderRequest(ctx, name, fg.cfg.Kind, "error")
	fg.metrics.RecordProviderError(ctx, name, fg.cfg.Kind)
	slog.Warn("provider failed, trying next",
		"provider", name, "kind", fg.cfg.Kind, "error", err)
}

// ExecuteWithResult runs fn against each healthy entry in order until one
// succeeds, returning its result. A package-level function because Go has no
// method-level type parameters.
func ExecuteWithResult[T any, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.entries {
		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(entry.value)
			return callErr
		})
		if err == nil {
			fg.metrics.RecordProviderRequest(ctx, entry.name, fg.cfg.Kind, "ok")
			return result, nil
		}
		lastErr = err
		fg.noteFailure(ctx, entry.name, err)
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
