package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/voxnexus/voxnexus/pkg/provider/stt"
	sttmock "github.com/voxnexus/voxnexus/pkg/provider/stt/mock"
	"github.com/voxnexus/voxnexus/pkg/types"
)

func failingSTT(err error) *sttmock.Provider {
	return &sttmock.Provider{
		TranscribeFunc: func(ctx context.Context, pcm []byte, cfg stt.Config) (types.Transcript, error) {
			return types.Transcript{}, err
		},
	}
}

func TestSTTFallback_Transcribe_PrimarySuccess(t *testing.T) {
	t.Parallel()

	primary := &sttmock.Provider{
		Queue: []types.Transcript{{Text: "hello world", IsFinal: true}},
	}
	secondary := &sttmock.Provider{}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	tr, err := fb.Transcribe(context.Background(), make([]byte, 320), stt.Config{
		SampleRate: 8000,
		Channels:   1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Text != "hello world" {
		t.Fatalf("text = %q, want 'hello world'", tr.Text)
	}
	if primary.CallCount() != 1 {
		t.Fatalf("primary called %d times, want 1", primary.CallCount())
	}
	if secondary.CallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.CallCount())
	}
}

func TestSTTFallback_Transcribe_Failover(t *testing.T) {
	t.Parallel()

	primary := failingSTT(errors.New("primary down"))
	secondary := &sttmock.Provider{
		Queue: []types.Transcript{{Text: "from fallback", IsFinal: true}},
	}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	tr, err := fb.Transcribe(context.Background(), make([]byte, 320), stt.Config{SampleRate: 8000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Text != "from fallback" {
		t.Fatalf("text = %q, want 'from fallback'", tr.Text)
	}
	if secondary.CallCount() != 1 {
		t.Fatalf("secondary called %d times, want 1", secondary.CallCount())
	}
}

func TestSTTFallback_Transcribe_AllFail(t *testing.T) {
	t.Parallel()

	primary := failingSTT(errors.New("primary down"))
	secondary := failingSTT(errors.New("secondary down"))

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Transcribe(context.Background(), nil, stt.Config{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
