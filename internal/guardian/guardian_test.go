package guardian

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/voxnexus/voxnexus/internal/fabric"
	fabricmock "github.com/voxnexus/voxnexus/internal/fabric/mock"
	"github.com/voxnexus/voxnexus/internal/observe"
	"github.com/voxnexus/voxnexus/pkg/store"
)

type fakeConfigSource struct {
	cfg *store.GuardianConfig
	err error
}

func (f *fakeConfigSource) GetGuardianConfig(ctx context.Context, agentConfigID string) (*store.GuardianConfig, error) {
	return f.cfg, f.err
}

func newSupervisor(t *testing.T) (*Supervisor, *fabricmock.Broker) {
	t.Helper()
	broker := fabricmock.New()
	return New(broker, nil, nil), broker
}

func eventsOfType(t *testing.T, broker *fabricmock.Broker, channel, eventType string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, payload := range broker.PublishedOn(channel) {
		var ev map[string]any
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.Fatalf("malformed event: %v", err)
		}
		if ev["type"] == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func TestLegalThreatIsCritical(t *testing.T) {
	t.Parallel()
	sup, broker := newSupervisor(t)
	ctx := context.Background()
	sup.StartSession(ctx, "conv-1", "agent-1")

	risk := sup.Observe(ctx, "conv-1", "user", "I'm going to sue you if this isn't fixed.")

	if risk.Level != RiskCritical {
		t.Errorf("level = %v, want critical", risk.Level)
	}
	if risk.Score != 0.95 {
		t.Errorf("score = %v, want 0.95", risk.Score)
	}
	found := false
	for _, k := range risk.Keywords {
		if k == "sue" {
			found = true
		}
	}
	if !found {
		t.Errorf("keywords = %v, want to contain sue", risk.Keywords)
	}
	if risk.Category != "legal_threat" {
		t.Errorf("category = %q, want legal_threat", risk.Category)
	}

	if got := eventsOfType(t, broker, fabric.ChannelEvents, "risk_detected"); len(got) != 1 {
		t.Errorf("risk_detected events = %d, want 1", len(got))
	}
	if !sup.ShouldIntervene("conv-1", risk) {
		t.Error("intervention predicate should fire on critical risk")
	}
}

func TestFirstMatchingTierWins(t *testing.T) {
	t.Parallel()
	sup, _ := newSupervisor(t)
	ctx := context.Background()
	sup.StartSession(ctx, "conv-1", "agent-1")

	// "manager" is high, "frustrated" is medium; high wins and medium is
	// not even scanned.
	risk := sup.Observe(ctx, "conv-1", "user", "I am frustrated, get me your manager")
	if risk.Level != RiskHigh {
		t.Errorf("level = %v, want high", risk.Level)
	}
	if risk.Category != "escalation_request" {
		t.Errorf("category = %q, want escalation_request", risk.Category)
	}
}

func TestNegativeSentimentLiftsLowToMedium(t *testing.T) {
	t.Parallel()
	sup, _ := newSupervisor(t)
	ctx := context.Background()
	sup.StartSession(ctx, "conv-1", "agent-1")

	// Strongly negative wording with no risk keyword.
	risk := sup.Observe(ctx, "conv-1", "user", "this is really bad, I hate it so much")
	if risk.Sentiment >= -0.5 {
		t.Fatalf("sentiment = %v, expected < -0.5 for this utterance", risk.Sentiment)
	}
	if risk.Level != RiskMedium {
		t.Errorf("level = %v, want medium after sentiment lift", risk.Level)
	}
	if risk.Score != 0.5 {
		t.Errorf("score = %v, want 0.5", risk.Score)
	}
	if risk.Category != "negative_sentiment" {
		t.Errorf("category = %q, want negative_sentiment", risk.Category)
	}
}

func TestRunningMeanSentiment(t *testing.T) {
	t.Parallel()
	sup, _ := newSupervisor(t)
	ctx := context.Background()
	sess := sup.StartSession(ctx, "conv-1", "agent-1")

	texts := []string{
		"this is great, thank you",
		"hmm okay",
		"that is terrible and broken",
		"I love it, works perfectly now",
	}
	var want float64
	for _, txt := range texts {
		want += SentimentScore(txt)
		sup.Observe(ctx, "conv-1", "user", txt)
	}
	want /= float64(len(texts))

	if got := sess.MeanSentiment(); math.Abs(got-want) > 1e-12 {
		t.Errorf("mean sentiment = %v, want %v", got, want)
	}
}

func TestMaxRiskLevelIsMonotone(t *testing.T) {
	t.Parallel()
	sup, _ := newSupervisor(t)
	ctx := context.Background()
	sess := sup.StartSession(ctx, "conv-1", "agent-1")

	sup.Observe(ctx, "conv-1", "user", "I want a refund now")
	if sess.maxRiskLevel != RiskHigh {
		t.Fatalf("maxRiskLevel = %v, want high", sess.maxRiskLevel)
	}
	sup.Observe(ctx, "conv-1", "user", "thanks, that was helpful")
	if sess.maxRiskLevel != RiskHigh {
		t.Errorf("maxRiskLevel dropped to %v after a calm message", sess.maxRiskLevel)
	}
}

func TestRiskEventLogCapAndThreshold(t *testing.T) {
	t.Parallel()
	sup, _ := newSupervisor(t)
	ctx := context.Background()
	sess := sup.StartSession(ctx, "conv-1", "agent-1")

	// Medium detections must not enter the log.
	sup.Observe(ctx, "conv-1", "user", "I'm a bit annoyed")
	if len(sess.riskEvents) != 0 {
		t.Fatalf("medium risk logged: %d events", len(sess.riskEvents))
	}

	for i := 0; i < 15; i++ {
		sup.Observe(ctx, "conv-1", "user", fmt.Sprintf("give me a refund, attempt %d", i))
	}
	if len(sess.riskEvents) != 10 {
		t.Errorf("event log length = %d, want 10", len(sess.riskEvents))
	}
	if !strings.Contains(sess.riskEvents[9].Text, "attempt 14") {
		t.Errorf("log did not keep the most recent events: %q", sess.riskEvents[9].Text)
	}
}

func TestEventTextTruncation(t *testing.T) {
	t.Parallel()
	sup, _ := newSupervisor(t)
	ctx := context.Background()
	sess := sup.StartSession(ctx, "conv-1", "agent-1")

	long := "refund " + strings.Repeat("x", 300)
	sup.Observe(ctx, "conv-1", "user", long)
	if got := sess.riskEvents[0].Text; len(got) != eventTextLimit+3 || !strings.HasSuffix(got, "...") {
		t.Errorf("event text = %d chars %q...", len(got), got[:20])
	}
}

func TestShouldInterveneRespectsThresholdAndHumanActive(t *testing.T) {
	t.Parallel()
	broker := fabricmock.New()
	src := &fakeConfigSource{cfg: &store.GuardianConfig{
		Enabled:              true,
		AutoHandoffThreshold: 0.6,
	}}
	sup := New(broker, src, nil)
	ctx := context.Background()
	sup.StartSession(ctx, "conv-1", "agent-1")

	high := sup.Observe(ctx, "conv-1", "user", "let me speak to your manager")
	if high.Score < 0.6 {
		t.Fatalf("score = %v, expected above threshold", high.Score)
	}
	if !sup.ShouldIntervene("conv-1", high) {
		t.Error("should intervene above threshold")
	}

	sup.SetHumanActive("conv-1", true)
	if sup.ShouldIntervene("conv-1", high) {
		t.Error("must not intervene while a human is already in control")
	}
}

func TestConfigLoadFailureAlertsAndUsesDefaults(t *testing.T) {
	t.Parallel()
	broker := fabricmock.New()
	src := &fakeConfigSource{err: errors.New("db down")}
	sup := New(broker, src, nil)
	ctx := context.Background()

	sess := sup.StartSession(ctx, "conv-1", "agent-1")
	if got := eventsOfType(t, broker, fabric.ChannelAlerts, "config_load_failed"); len(got) != 1 {
		t.Errorf("config_load_failed alerts = %d, want 1", len(got))
	}
	if len(sess.keywords.Critical) == 0 || sess.threshold != 0.8 {
		t.Error("defaults not applied after config load failure")
	}
}

func TestCustomKeywordsOverrideDefaults(t *testing.T) {
	t.Parallel()
	broker := fabricmock.New()
	src := &fakeConfigSource{cfg: &store.GuardianConfig{
		Enabled:          true,
		CriticalKeywords: []string{"chargeback"},
	}}
	sup := New(broker, src, nil)
	ctx := context.Background()
	sup.StartSession(ctx, "conv-1", "agent-1")

	risk := sup.Observe(ctx, "conv-1", "user", "I will issue a chargeback")
	if risk.Level != RiskCritical {
		t.Errorf("level = %v, want critical on custom keyword", risk.Level)
	}
}

func TestTakeoverCommandInvokesCallbackUnderLock(t *testing.T) {
	t.Parallel()
	sup, broker := newSupervisor(t)
	ctx := context.Background()
	sup.StartSession(ctx, "conv-1", "agent-1")

	var gotMute []bool
	var lockedDuringCallback bool
	sup.RegisterCallback("conv-1", func(ctx context.Context, mute bool) {
		gotMute = append(gotMute, mute)
		_, held, _ := broker.Get(ctx, fabric.TakeoverLockPrefix+"conv-1")
		lockedDuringCallback = held
	})
	if err := sup.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cmd, _ := json.Marshal(Command{ConversationID: "conv-1", Command: CommandTakeover, Timestamp: 1})
	broker.Publish(ctx, fabric.ChannelTakeover, cmd)

	if len(gotMute) != 1 || !gotMute[0] {
		t.Fatalf("callback calls = %v, want one mute=true", gotMute)
	}
	if !lockedDuringCallback {
		t.Error("fencing lock not held while callback ran")
	}
	if _, held, _ := broker.Get(ctx, fabric.TakeoverLockPrefix+"conv-1"); held {
		t.Error("lock not released after callback")
	}

	rel, _ := json.Marshal(Command{ConversationID: "conv-1", Command: CommandRelease, Timestamp: 2})
	broker.Publish(ctx, fabric.ChannelTakeover, rel)
	if len(gotMute) != 2 || gotMute[1] {
		t.Fatalf("callback calls = %v, want second mute=false", gotMute)
	}
}

func TestCommandDroppedWhenLockHeldElsewhere(t *testing.T) {
	t.Parallel()
	sup, broker := newSupervisor(t)
	ctx := context.Background()
	sup.StartSession(ctx, "conv-1", "agent-1")

	called := false
	sup.RegisterCallback("conv-1", func(ctx context.Context, mute bool) { called = true })
	if err := sup.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Another process owns the command window.
	broker.Set(ctx, fabric.TakeoverLockPrefix+"conv-1", "1", fabric.TakeoverLockTTL)

	cmd, _ := json.Marshal(Command{ConversationID: "conv-1", Command: CommandTakeover, Timestamp: 1})
	broker.Publish(ctx, fabric.ChannelTakeover, cmd)
	if called {
		t.Error("callback ran despite a foreign lock")
	}
}

func TestDeviceCallbackFallback(t *testing.T) {
	t.Parallel()
	sup, broker := newSupervisor(t)
	ctx := context.Background()

	var called bool
	sup.RegisterDeviceCallback(func(ctx context.Context, mute bool) { called = true })
	if err := sup.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cmd, _ := json.Marshal(Command{ConversationID: "unknown-conv", Command: CommandTakeover, Timestamp: 1})
	broker.Publish(ctx, fabric.ChannelTakeover, cmd)
	if !called {
		t.Error("device-scoped fallback callback not invoked")
	}
}

func TestEndSessionDeletesOrphanLock(t *testing.T) {
	t.Parallel()
	sup, broker := newSupervisor(t)
	ctx := context.Background()
	sup.StartSession(ctx, "conv-1", "agent-1")

	// A crashed holder left the lock behind.
	broker.Set(ctx, fabric.TakeoverLockPrefix+"conv-1", "1", fabric.TakeoverLockTTL)

	sup.EndSession(ctx, "conv-1")
	if _, held, _ := broker.Get(ctx, fabric.TakeoverLockPrefix+"conv-1"); held {
		t.Error("session end must purge the takeover lock unconditionally")
	}
	if got := eventsOfType(t, broker, fabric.ChannelEvents, "session_ended"); len(got) != 1 {
		t.Errorf("session_ended events = %d, want 1", len(got))
	}
}

func TestAnalyticsSummarizesSession(t *testing.T) {
	t.Parallel()
	sup, _ := newSupervisor(t)
	ctx := context.Background()
	sup.StartSession(ctx, "conv-1", "agent-1")

	sup.Observe(ctx, "conv-1", "user", "give me a refund")
	sup.Observe(ctx, "conv-1", "assistant", "I can help with that.")

	got := sup.Analytics("conv-1")
	if got["totalMessages"] != 2 {
		t.Errorf("totalMessages = %v, want 2", got["totalMessages"])
	}
	risk := got["risk"].(map[string]any)
	if risk["highestLevel"] != "high" {
		t.Errorf("highestLevel = %v, want high", risk["highestLevel"])
	}
}

func TestRiskDetectionRecordsMetric(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	sup := New(fabricmock.New(), nil, nil, WithMetrics(m))
	ctx := context.Background()
	sup.StartSession(ctx, "conv-1", "agent-1")

	sup.Observe(ctx, "conv-1", "user", "I'm going to sue you if this isn't fixed.")
	sup.Observe(ctx, "conv-1", "user", "I want a refund now")
	// Calm messages stay below the recording threshold.
	sup.Observe(ctx, "conv-1", "user", "thanks, that was helpful")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	counts := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "voxnexus.risk.events" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatal("risk.events is not a sum")
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("level")); ok {
					counts[v.AsString()] += dp.Value
				}
			}
		}
	}
	if counts["critical"] != 1 {
		t.Errorf("critical events = %d, want 1", counts["critical"])
	}
	if counts["high"] != 1 {
		t.Errorf("high events = %d, want 1", counts["high"])
	}
	if counts["low"] != 0 {
		t.Errorf("low events = %d, want none recorded", counts["low"])
	}
}

func TestSentimentScoreDeterministicAndBounded(t *testing.T) {
	t.Parallel()

	texts := []string{
		"", "this is great", "this is terrible",
		"I absolutely love this, thank you so much!",
		"I really hate this awful broken useless thing",
		"the quick brown fox",
	}
	for _, txt := range texts {
		a, b := SentimentScore(txt), SentimentScore(txt)
		if a != b {
			t.Errorf("SentimentScore(%q) not deterministic: %v vs %v", txt, a, b)
		}
		if a < -1 || a > 1 {
			t.Errorf("SentimentScore(%q) = %v out of [-1,1]", txt, a)
		}
	}

	if s := SentimentScore("this is great, thank you"); s <= 0 {
		t.Errorf("positive text scored %v", s)
	}
	if s := SentimentScore("this is terrible and awful"); s >= 0 {
		t.Errorf("negative text scored %v", s)
	}
	if s := SentimentScore("the quick brown fox"); s != 0 {
		t.Errorf("neutral text scored %v", s)
	}
	if SentimentScore("this is not good") >= SentimentScore("this is good") {
		t.Error("negation did not reduce the score")
	}
}
