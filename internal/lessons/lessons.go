// Package lessons loads approved adaptive-memory lessons and renders them as
// a system-prompt suffix.
package lessons

import (
	"context"
	"log/slog"
	"strings"
)

// maxLessons caps how many approved lessons a session carries.
const maxLessons = 10

// header opens the adaptive-memory section of the system prompt.
const header = "# ADAPTIVE MEMORY\nBased on past interactions, adhere to these behavioral guidelines:"

// Source abstracts the lesson query; *store.Store satisfies it.
type Source interface {
	ListApprovedLessons(ctx context.Context, agentConfigID string, limit int) ([]string, error)
}

// Loader reads approved behavioral lessons for an agent.
type Loader struct {
	source Source
	logger *slog.Logger
}

// New creates a Loader.
func New(source Source, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{source: source, logger: logger.With("component", "lessons")}
}

// Suffix returns the adaptive-memory system-prompt suffix for the agent, or
// "" when the agent has no approved lessons. Read failure is non-fatal: the
// session proceeds with no lessons.
func (l *Loader) Suffix(ctx context.Context, agentConfigID string) string {
	items, err := l.source.ListApprovedLessons(ctx, agentConfigID, maxLessons)
	if err != nil {
		l.logger.Warn("failed to load lessons, continuing without",
			"agent", agentConfigID,
			"error", err,
		)
		return ""
	}
	return Render(items)
}

// Render formats lessons under the adaptive-memory header. Empty input
// renders to "".
func Render(items []string) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(header)
	for _, lesson := range items {
		b.WriteString("\n- ")
		b.WriteString(strings.TrimSpace(lesson))
	}
	return b.String()
}
