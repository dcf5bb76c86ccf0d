package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/voxnexus/voxnexus/pkg/types"
)

const (
	pushUIToolName = "push_ui"

	// UITopic is the data topic visual clients subscribe to for component
	// render requests.
	UITopic = "visual_ui"
)

// uiComponents lists the component kinds the caller's client can render.
var uiComponents = []string{"calendar", "form", "map", "confirm", "list"}

// DataSender publishes payloads on a named data topic. rtc.Session satisfies
// it; the push_ui tool depends on this slice of the session so tests can fake
// the transport.
type DataSender interface {
	SendData(ctx context.Context, topic string, payload []byte) error
}

// uiMessage is the envelope published on [UITopic] for each render request.
// The ID lets clients deduplicate redelivered messages.
type uiMessage struct {
	Type      string         `json:"type"`
	Component string         `json:"component"`
	Props     map[string]any `json:"props"`
	ID        string         `json:"id"`
}

// NewPushUI builds the push_ui tool bound to one session's data channel.
func NewPushUI(sender DataSender, logger *slog.Logger) Tool {
	if logger == nil {
		logger = slog.Default()
	}
	return Tool{
		Definition: types.ToolDefinition{
			Name:        pushUIToolName,
			Description: "Display a visual component on the caller's screen. Use this when information is easier to show than to say: dates, forms to fill in, locations, confirmations, or lists of options.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"component": map[string]any{
						"type":        "string",
						"enum":        uiComponents,
						"description": "The kind of component to display.",
					},
					"props": map[string]any{
						"type":        "object",
						"description": "Component-specific properties, such as a title, fields, or options.",
					},
				},
				"required": []string{"component", "props"},
			},
		},
		Invoke: func(ctx context.Context, args map[string]any) (string, error) {
			component, _ := args["component"].(string)
			if !slices.Contains(uiComponents, component) {
				return fmt.Sprintf("Error: unknown component %q; valid components are %s.", component, strings.Join(uiComponents, ", ")), nil
			}
			props, _ := args["props"].(map[string]any)
			if props == nil {
				props = map[string]any{}
			}
			payload, err := json.Marshal(uiMessage{
				Type:      "show_component",
				Component: component,
				Props:     props,
				ID:        uuid.NewString(),
			})
			if err != nil {
				return "", fmt.Errorf("tools: marshal ui message: %w", err)
			}
			if err := sender.SendData(ctx, UITopic, payload); err != nil {
				logger.Warn("ui component publish failed",
					"component", component,
					"error", err,
				)
				return fmt.Sprintf("Error: could not display the %s component: %v", component, err), nil
			}
			return fmt.Sprintf("Displayed the %s component on the caller's screen. Wait for their response before continuing.", component), nil
		},
	}
}
