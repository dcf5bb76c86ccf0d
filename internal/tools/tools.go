// Package tools compiles the callable tools exposed to the LLM for one
// session: a knowledge-retrieval tool over the agent's embedded documents
// and one tool per configured outbound webhook (with HMAC-signed requests).
//
// Tool invocations return text, never errors, for anything the LLM could
// plausibly recover from — a webhook 500 comes back as a descriptive string
// the model can read and route around.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/voxnexus/voxnexus/internal/lessons"
	"github.com/voxnexus/voxnexus/pkg/provider/embeddings"
	"github.com/voxnexus/voxnexus/pkg/store"
	"github.com/voxnexus/voxnexus/pkg/types"
)

// Tool is one callable tool: a definition for the LLM plus its invoker.
type Tool struct {
	// Definition is handed to the LLM adapter verbatim.
	Definition types.ToolDefinition

	// Invoke executes the tool with the model's JSON arguments decoded into
	// a map. The returned string is fed back to the model as the tool
	// result. A non-nil error means the tool machinery itself broke, not
	// that the operation failed.
	Invoke func(ctx context.Context, args map[string]any) (string, error)
}

// Set is the compiled tool set plus the system-prompt suffixes it implies.
type Set struct {
	Tools        []Tool
	PromptSuffix string
}

// Definitions returns the tool definitions in offer order.
func (s *Set) Definitions() []types.ToolDefinition {
	defs := make([]types.ToolDefinition, len(s.Tools))
	for i, t := range s.Tools {
		defs[i] = t.Definition
	}
	return defs
}

// AttachPushUI adds the push_ui tool bound to the given session data channel
// and folds its prompt suffix into the set. Visual tools are attached per
// session, after the room is joined, because Synthesize runs before a data
// channel exists.
func (s *Set) AttachPushUI(sender DataSender, logger *slog.Logger) {
	s.Tools = append(s.Tools, NewPushUI(sender, logger))
	if s.PromptSuffix == "" {
		s.PromptSuffix = visualSuffix
		return
	}
	s.PromptSuffix += "\n\n" + visualSuffix
}

// Lookup returns the tool with the given name, or nil.
func (s *Set) Lookup(name string) *Tool {
	for i := range s.Tools {
		if s.Tools[i].Definition.Name == name {
			return &s.Tools[i]
		}
	}
	return nil
}

// Store is the persistence surface the synthesizer needs; *store.Store
// satisfies it.
type Store interface {
	HasReadyKnowledge(ctx context.Context, agentConfigID string) (bool, error)
	SearchKnowledge(ctx context.Context, agentConfigID string, embedding []float32, minSimilarity float64, topK int) ([]store.KnowledgeResult, error)
	ListActiveWebhooks(ctx context.Context, agentConfigID string) ([]store.Webhook, error)
}

// Synthesizer builds per-session tool sets.
type Synthesizer struct {
	store    Store
	embedder embeddings.Provider
	lessons  *lessons.Loader
	logger   *slog.Logger
}

// New creates a Synthesizer. embedder may be nil when no embeddings provider
// is configured; the knowledge tool is then never exposed.
func New(st Store, embedder embeddings.Provider, lessonLoader *lessons.Loader, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{
		store:    st,
		embedder: embedder,
		lessons:  lessonLoader,
		logger:   logger.With("component", "tools"),
	}
}

// Synthesize compiles the tool set for one session of the given agent.
// Partial failure degrades rather than aborts: an unreachable webhook table
// yields a session without webhook tools.
func (s *Synthesizer) Synthesize(ctx context.Context, agentConfigID string) (*Set, error) {
	set := &Set{}
	var suffixes []string

	if s.embedder != nil {
		hasKnowledge, err := s.store.HasReadyKnowledge(ctx, agentConfigID)
		if err != nil {
			s.logger.Warn("knowledge availability check failed, skipping retrieval tool",
				"agent", agentConfigID,
				"error", err,
			)
		} else if hasKnowledge {
			set.Tools = append(set.Tools, s.knowledgeTool(agentConfigID))
			suffixes = append(suffixes, knowledgeSuffix)
		}
	}

	hooks, err := s.store.ListActiveWebhooks(ctx, agentConfigID)
	if err != nil {
		s.logger.Warn("webhook listing failed, skipping webhook tools",
			"agent", agentConfigID,
			"error", err,
		)
	}
	for _, hook := range hooks {
		set.Tools = append(set.Tools, newWebhookTool(hook, s.logger))
	}
	if len(hooks) > 0 {
		suffixes = append(suffixes, webhookSuffix)
	}

	if s.lessons != nil {
		if ls := s.lessons.Suffix(ctx, agentConfigID); ls != "" {
			suffixes = append(suffixes, ls)
		}
	}

	set.PromptSuffix = strings.Join(suffixes, "\n\n")
	s.logger.Info("tool set synthesized",
		"agent", agentConfigID,
		"tools", len(set.Tools),
	)
	return set, nil
}

// NormalizeToolName converts a webhook display name to a tool identifier:
// lowercase with spaces and hyphens replaced by underscores.
func NormalizeToolName(name string) string {
	n := strings.ToLower(name)
	n = strings.ReplaceAll(n, " ", "_")
	n = strings.ReplaceAll(n, "-", "_")
	return n
}

// SystemPrompt combines the agent's instructions with the tool suffixes,
// falling back to the default persona when the agent row has none.
func SystemPrompt(agentPrompt, suffix string) string {
	base := strings.TrimSpace(agentPrompt)
	if base == "" {
		base = DefaultSystemPrompt
	}
	if suffix == "" {
		return base
	}
	return fmt.Sprintf("%s\n\n%s", base, suffix)
}
