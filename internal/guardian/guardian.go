// Package guardian is the supervision layer over live sessions: per-session
// sentiment accumulation, keyword risk classification, auto-handoff
// decisions, and the fenced command bus that routes operator takeover and
// release commands to whichever local controller owns the session.
package guardian

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/voxnexus/voxnexus/internal/fabric"
	"github.com/voxnexus/voxnexus/internal/observe"
	"github.com/voxnexus/voxnexus/pkg/store"
)

const (
	// maxRiskEvents caps the per-session risk-event log.
	maxRiskEvents = 10

	// eventTextLimit truncates logged utterances.
	eventTextLimit = 150

	// analyzerConfidence is the fixed confidence reported for the lexical
	// analyzer.
	analyzerConfidence = 0.92
)

// RiskEvent is one entry of the bounded per-session risk log. Only HIGH and
// CRITICAL detections are recorded.
type RiskEvent struct {
	Time      time.Time `json:"time"`
	Text      string    `json:"text"`
	Level     string    `json:"level"`
	Keywords  []string  `json:"keywords"`
	Category  string    `json:"category"`
	Speaker   string    `json:"speaker"`
	Sentiment float64   `json:"sentiment"`
}

// Session accumulates supervision state for one conversation. All access
// goes through the owning Supervisor's lock.
type Session struct {
	ConversationID string
	AgentConfigID  string

	started       time.Time
	messageCount  int
	userMessages  int
	agentMessages int
	sentimentSum  float64
	sentimentN    int
	minSentiment  float64
	maxSentiment  float64
	maxRiskLevel  RiskLevel
	riskEvents    []RiskEvent
	humanActive   bool
	handoff       bool

	keywords  Keywords
	threshold float64
}

// MeanSentiment is the arithmetic mean of every observed compound score.
func (s *Session) MeanSentiment() float64 {
	if s.sentimentN == 0 {
		return 0
	}
	return s.sentimentSum / float64(s.sentimentN)
}

// ConfigSource loads guardian configuration rows; *store.Store satisfies it.
type ConfigSource interface {
	GetGuardianConfig(ctx context.Context, agentConfigID string) (*store.GuardianConfig, error)
}

// Supervisor owns every local supervision session and the takeover command
// listener. One Supervisor per process.
type Supervisor struct {
	broker  fabric.Broker
	config  ConfigSource
	alerts  *AlertPusher
	logger  *slog.Logger
	metrics *observe.Metrics

	mu             sync.Mutex
	sessions       map[string]*Session
	callbacks      map[string]TakeoverCallback
	deviceCallback TakeoverCallback

	defaultThreshold float64
}

// TakeoverCallback is invoked under the distributed lock with mute=true for
// takeover and mute=false for release.
type TakeoverCallback func(ctx context.Context, mute bool)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithAlerts routes operational alerts to a webhook.
func WithAlerts(a *AlertPusher) Option {
	return func(s *Supervisor) { s.alerts = a }
}

// WithDefaultThreshold sets the auto-handoff threshold used when an agent
// has no guardian config row. Default 0.8.
func WithDefaultThreshold(t float64) Option {
	return func(s *Supervisor) { s.defaultThreshold = t }
}

// WithMetrics overrides the metrics sink; the default uses the global meter
// provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// New creates a Supervisor.
func New(broker fabric.Broker, config ConfigSource, logger *slog.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		broker:           broker,
		config:           config,
		logger:           logger.With("component", "guardian"),
		sessions:         make(map[string]*Session),
		callbacks:        make(map[string]TakeoverCallback),
		defaultThreshold: 0.8,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// StartSession begins supervising a conversation. Keyword sets and the
// auto-handoff threshold load from the agent's guardian config row; a load
// failure raises a config_load_failed alert and the session continues on
// the built-in defaults.
func (s *Supervisor) StartSession(ctx context.Context, conversationID, agentConfigID string) *Session {
	sess := &Session{
		ConversationID: conversationID,
		AgentConfigID:  agentConfigID,
		started:        time.Now(),
		keywords:       DefaultKeywords(),
		threshold:      s.defaultThreshold,
	}

	if s.config != nil {
		cfg, err := s.config.GetGuardianConfig(ctx, agentConfigID)
		switch {
		case err != nil:
			s.logger.Warn("guardian config load failed, using defaults",
				"agent", agentConfigID,
				"error", err,
			)
			s.pushAlert(ctx, "config_load_failed", "guardian config load failed", map[string]any{
				"agent": agentConfigID,
				"error": err.Error(),
			})
		case cfg.Enabled:
			if len(cfg.CriticalKeywords) > 0 {
				sess.keywords.Critical = cfg.CriticalKeywords
			}
			if len(cfg.HighRiskKeywords) > 0 {
				sess.keywords.High = cfg.HighRiskKeywords
			}
			if len(cfg.MediumRiskKeywords) > 0 {
				sess.keywords.Medium = cfg.MediumRiskKeywords
			}
			if cfg.AutoHandoffThreshold > 0 {
				sess.threshold = cfg.AutoHandoffThreshold
			}
		}
	}

	s.mu.Lock()
	s.sessions[conversationID] = sess
	s.mu.Unlock()

	s.logger.Info("supervision started",
		"conversation", conversationID,
		"agent", agentConfigID,
		"threshold", sess.threshold,
	)
	return sess
}

// Observe runs the analysis pipeline on one final transcript and returns the
// risk assessment. It publishes a sentiment_update event and, on any keyword
// or sentiment detection above LOW, a risk_detected event.
func (s *Supervisor) Observe(ctx context.Context, conversationID, speaker, text string) RiskScore {
	s.mu.Lock()
	sess, ok := s.sessions[conversationID]
	if !ok {
		s.mu.Unlock()
		return RiskScore{Level: RiskLow, Score: 0.1, Confidence: analyzerConfidence, Speaker: speaker}
	}

	sess.messageCount++
	if speaker == "user" {
		sess.userMessages++
	} else {
		sess.agentMessages++
	}

	sentiment := SentimentScore(text)
	sess.sentimentSum += sentiment
	sess.sentimentN++
	if sess.sentimentN == 1 || sentiment < sess.minSentiment {
		sess.minSentiment = sentiment
	}
	if sess.sentimentN == 1 || sentiment > sess.maxSentiment {
		sess.maxSentiment = sentiment
	}

	level, matched, category := sess.keywords.matchKeywords(text)
	score := riskScoreByLevel[level]

	// Strong negative sentiment lifts a clean utterance to MEDIUM; milder
	// negativity only boosts the score.
	if sentiment < -0.5 && level == RiskLow {
		level = RiskMedium
		score = 0.5
		category = "negative_sentiment"
	} else if sentiment < -0.3 && level != RiskCritical {
		score = min(1.0, score+0.15)
	}

	if level > sess.maxRiskLevel {
		sess.maxRiskLevel = level
	}

	if level >= RiskHigh {
		sess.riskEvents = append(sess.riskEvents, RiskEvent{
			Time:      time.Now(),
			Text:      truncateEventText(text),
			Level:     level.String(),
			Keywords:  matched,
			Category:  category,
			Speaker:   speaker,
			Sentiment: sentiment,
		})
		if len(sess.riskEvents) > maxRiskEvents {
			sess.riskEvents = sess.riskEvents[len(sess.riskEvents)-maxRiskEvents:]
		}
	}
	meanSentiment := sess.MeanSentiment()
	messageCount := sess.messageCount
	s.mu.Unlock()

	risk := RiskScore{
		Level:      level,
		Score:      score,
		Sentiment:  sentiment,
		Keywords:   matched,
		Category:   category,
		Confidence: analyzerConfidence,
		Speaker:    speaker,
	}

	s.publishEvent(ctx, map[string]any{
		"type":           "sentiment_update",
		"conversationId": conversationID,
		"sentiment":      sentiment,
		"meanSentiment":  meanSentiment,
		"messageCount":   messageCount,
		"timestamp":      time.Now().UTC().Format(time.RFC3339Nano),
	})
	if level > RiskLow {
		s.metrics.RecordRiskEvent(ctx, level.String())
		s.publishEvent(ctx, map[string]any{
			"type":           "risk_detected",
			"conversationId": conversationID,
			"level":          level.String(),
			"score":          score,
			"keywords":       matched,
			"category":       category,
			"speaker":        speaker,
			"timestamp":      time.Now().UTC().Format(time.RFC3339Nano),
		})
		if level >= RiskHigh {
			s.logger.Warn("risk event",
				"conversation", conversationID,
				"level", level.String(),
				"keywords", matched,
				"sentiment", sentiment,
			)
			s.pushAlert(ctx, "risk", "Risk detected: "+level.String(), map[string]any{
				"conversationId": conversationID,
				"level":          level.String(),
				"keywords":       matched,
				"category":       category,
			})
		}
	}
	return risk
}

// ShouldIntervene reports whether the latest risk assessment warrants an
// automatic handoff: takeover must not already be active, and the score must
// reach the agent's threshold or the level must be CRITICAL.
func (s *Supervisor) ShouldIntervene(conversationID string, risk RiskScore) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[conversationID]
	if !ok || sess.humanActive {
		return false
	}
	return risk.Score >= sess.threshold || risk.Level == RiskCritical
}

// SetHumanActive records whether a human currently controls the session.
func (s *Supervisor) SetHumanActive(conversationID string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[conversationID]; ok {
		sess.humanActive = active
		if active {
			sess.handoff = true
		}
	}
}

// Analytics summarizes a session for the end-of-call event.
func (s *Supervisor) Analytics(conversationID string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[conversationID]
	if !ok {
		return map[string]any{}
	}

	recent := sess.riskEvents
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	return map[string]any{
		"durationSeconds": time.Since(sess.started).Seconds(),
		"totalMessages":   sess.messageCount,
		"userMessages":    sess.userMessages,
		"agentMessages":   sess.agentMessages,
		"sentiment": map[string]any{
			"average": sess.MeanSentiment(),
			"min":     sess.minSentiment,
			"max":     sess.maxSentiment,
			"samples": sess.sentimentN,
		},
		"risk": map[string]any{
			"eventsCount":  len(sess.riskEvents),
			"highestLevel": sess.maxRiskLevel.String(),
			"recentEvents": recent,
		},
		"handoffTriggered": sess.handoff,
	}
}

// EndSession closes supervision for a conversation. The takeover lock is
// deleted unconditionally, even if this process never set it, to purge any
// orphan left by a crashed holder.
func (s *Supervisor) EndSession(ctx context.Context, conversationID string) {
	analytics := s.Analytics(conversationID)

	s.mu.Lock()
	delete(s.sessions, conversationID)
	delete(s.callbacks, conversationID)
	s.mu.Unlock()

	if err := s.broker.Del(ctx, fabric.TakeoverLockPrefix+conversationID); err != nil {
		s.logger.Warn("takeover lock cleanup failed", "conversation", conversationID, "error", err)
	}

	s.publishEvent(ctx, map[string]any{
		"type":           "session_ended",
		"conversationId": conversationID,
		"analytics":      analytics,
		"timestamp":      time.Now().UTC().Format(time.RFC3339Nano),
	})
	s.logger.Info("supervision ended", "conversation", conversationID)
}

func (s *Supervisor) publishEvent(ctx context.Context, event map[string]any) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := s.broker.Publish(ctx, fabric.ChannelEvents, payload); err != nil {
		s.logger.Warn("event publish failed", "type", event["type"], "error", err)
	}
}

func (s *Supervisor) pushAlert(ctx context.Context, alertType, message string, metadata map[string]any) {
	if s.alerts != nil {
		s.alerts.Push(ctx, alertType, message, metadata)
	}
	payload, err := json.Marshal(map[string]any{
		"type":      alertType,
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		"metadata":  metadata,
	})
	if err != nil {
		return
	}
	if err := s.broker.Publish(ctx, fabric.ChannelAlerts, payload); err != nil {
		s.logger.Warn("alert publish failed", "type", alertType, "error", err)
	}
}

func truncateEventText(text string) string {
	if len(text) > eventTextLimit {
		return text[:eventTextLimit] + "..."
	}
	return text
}
