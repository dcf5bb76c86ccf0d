package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

type fakeSender struct {
	err      error
	topics   []string
	payloads [][]byte
}

func (f *fakeSender) SendData(ctx context.Context, topic string, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload)
	return nil
}

func TestPushUIPublishesComponent(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	tool := NewPushUI(sender, nil)

	out, err := tool.Invoke(context.Background(), map[string]any{
		"component": "form",
		"props":     map[string]any{"title": "Contact details"},
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !strings.Contains(out, "Displayed the form component") {
		t.Errorf("out = %q, want display confirmation", out)
	}
	if !strings.Contains(out, "Wait for their response") {
		t.Errorf("out = %q, want wait instruction", out)
	}

	if len(sender.topics) != 1 || sender.topics[0] != UITopic {
		t.Fatalf("topics = %v, want one publish on %q", sender.topics, UITopic)
	}
	var msg struct {
		Type      string         `json:"type"`
		Component string         `json:"component"`
		Props     map[string]any `json:"props"`
		ID        string         `json:"id"`
	}
	if err := json.Unmarshal(sender.payloads[0], &msg); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if msg.Type != "show_component" {
		t.Errorf("type = %q, want show_component", msg.Type)
	}
	if msg.Component != "form" {
		t.Errorf("component = %q, want form", msg.Component)
	}
	if msg.Props["title"] != "Contact details" {
		t.Errorf("props = %v", msg.Props)
	}
	if msg.ID == "" {
		t.Error("message id is empty")
	}
}

func TestPushUIRejectsUnknownComponent(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	out, err := NewPushUI(sender, nil).Invoke(context.Background(), map[string]any{
		"component": "hologram",
		"props":     map[string]any{},
	})
	if err != nil {
		t.Fatalf("unknown component must not be a Go error: %v", err)
	}
	if !strings.Contains(out, "unknown component") {
		t.Errorf("out = %q, want unknown-component message", out)
	}
	if !strings.Contains(out, "calendar") {
		t.Errorf("out = %q, want valid components listed", out)
	}
	if len(sender.topics) != 0 {
		t.Errorf("published %v, want nothing", sender.topics)
	}
}

func TestPushUIDefaultsMissingProps(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{}
	if _, err := NewPushUI(sender, nil).Invoke(context.Background(), map[string]any{
		"component": "confirm",
	}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(sender.payloads[0], &msg); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if _, ok := msg["props"].(map[string]any); !ok {
		t.Errorf("props = %v, want empty object", msg["props"])
	}
}

func TestPushUISendFailureReturnsString(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{err: errors.New("data channel closed")}
	out, err := NewPushUI(sender, nil).Invoke(context.Background(), map[string]any{
		"component": "map",
		"props":     map[string]any{},
	})
	if err != nil {
		t.Fatalf("transport failure must not be a Go error: %v", err)
	}
	if !strings.Contains(out, "could not display the map component") {
		t.Errorf("out = %q, want descriptive failure string", out)
	}
}

func TestAttachPushUIAddsToolAndSuffix(t *testing.T) {
	t.Parallel()

	set := &Set{PromptSuffix: "# KNOWLEDGE BASE\n..."}
	set.AttachPushUI(&fakeSender{}, nil)

	if set.Lookup("push_ui") == nil {
		t.Fatal("push_ui tool not attached")
	}
	if !strings.Contains(set.PromptSuffix, "# VISUAL DISPLAY") {
		t.Errorf("suffix missing visual section: %q", set.PromptSuffix)
	}
	if !strings.HasPrefix(set.PromptSuffix, "# KNOWLEDGE BASE") {
		t.Errorf("existing suffix clobbered: %q", set.PromptSuffix)
	}

	empty := &Set{}
	empty.AttachPushUI(&fakeSender{}, nil)
	if strings.HasPrefix(empty.PromptSuffix, "\n") {
		t.Errorf("suffix on empty set starts with newline: %q", empty.PromptSuffix)
	}
}
