package guardian

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/voxnexus/voxnexus/internal/fabric"
)

// Command is an operator takeover or release order from the fabric.
type Command struct {
	ConversationID string  `json:"conversationId"`
	Command        string  `json:"command"`
	Timestamp      float64 `json:"timestamp"`
}

const (
	CommandTakeover = "takeover"
	CommandRelease  = "release"
)

// RegisterCallback binds a conversation to its controller's mute/unmute
// callback. The callback runs under the distributed command lock.
func (s *Supervisor) RegisterCallback(conversationID string, cb TakeoverCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[conversationID] = cb
}

// UnregisterCallback removes a conversation binding.
func (s *Supervisor) UnregisterCallback(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.callbacks, conversationID)
}

// RegisterDeviceCallback installs the process-wide fallback used when a
// command names a conversation with no direct binding. A SIP bridge process
// typically has one active call, so the device-scoped callback is the right
// target for commands addressed by extension rather than by conversation.
func (s *Supervisor) RegisterDeviceCallback(cb TakeoverCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceCallback = cb
}

// Run subscribes to the takeover channel and dispatches commands until ctx
// is cancelled. Blocks.
func (s *Supervisor) Run(ctx context.Context) error {
	err := s.broker.Subscribe(ctx, fabric.ChannelTakeover, func(payload []byte) {
		s.handleCommand(ctx, payload)
	})
	if err != nil {
		return fmt.Errorf("guardian: takeover subscription: %w", err)
	}
	return nil
}

// handleCommand executes one takeover/release command behind the fencing
// lock. The lock is a per-command mutual-exclusion window across every
// process subscribed to the channel, not a lease: whoever wins SET NX runs
// the callback, everyone else drops the command. The key is deleted when
// the callback returns; TTL covers a crash between set and delete.
func (s *Supervisor) handleCommand(ctx context.Context, payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		s.logger.Warn("malformed takeover command", "error", err)
		return
	}
	if cmd.Command != CommandTakeover && cmd.Command != CommandRelease {
		s.logger.Warn("unknown takeover command", "command", cmd.Command)
		return
	}

	lockKey := fabric.TakeoverLockPrefix + cmd.ConversationID
	won, err := s.broker.SetNX(ctx, lockKey, "1", fabric.TakeoverLockTTL)
	if err != nil {
		s.logger.Error("takeover lock attempt failed", "conversation", cmd.ConversationID, "error", err)
		return
	}
	if !won {
		s.logger.Info("takeover command already owned elsewhere, dropping",
			"conversation", cmd.ConversationID,
			"command", cmd.Command,
		)
		return
	}
	defer func() {
		if err := s.broker.Del(ctx, lockKey); err != nil {
			s.logger.Warn("takeover lock release failed", "conversation", cmd.ConversationID, "error", err)
		}
	}()

	s.mu.Lock()
	cb, ok := s.callbacks[cmd.ConversationID]
	if !ok {
		cb = s.deviceCallback
	}
	s.mu.Unlock()

	if cb == nil {
		s.logger.Info("takeover command has no local session, ignoring",
			"conversation", cmd.ConversationID,
		)
		return
	}

	mute := cmd.Command == CommandTakeover
	s.logger.Info("executing takeover command",
		"conversation", cmd.ConversationID,
		"command", cmd.Command,
	)
	cb(ctx, mute)
	s.SetHumanActive(cmd.ConversationID, mute)
}
