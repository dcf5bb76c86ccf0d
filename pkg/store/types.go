package store

import "time"

// ProviderSpec is the JSON shape of the per-stage provider configuration
// embedded in an agent_configs row. Name selects the registered provider
// implementation; the remaining fields are passed through to its factory.
type ProviderSpec struct {
	Name    string         `json:"name"`
	APIKey  string         `json:"api_key,omitempty"`
	BaseURL string         `json:"base_url,omitempty"`
	Model   string         `json:"model,omitempty"`
	Voice   string         `json:"voice,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

// AgentConfig is one AI persona: instructions, providers, webhooks.
// Rows are created by the external admin surface and are read-only here.
type AgentConfig struct {
	ID           string
	Name         string
	LLM          ProviderSpec
	STT          ProviderSpec
	TTS          ProviderSpec
	SystemPrompt string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Device status values, written exclusively by the SIP session controller.
const (
	DeviceRegistered = "REGISTERED"
	DeviceFailed     = "FAILED"
	DeviceOffline    = "OFFLINE"
)

// SipDevice is one configured SIP extension.
type SipDevice struct {
	ID            string
	AgentConfigID string
	Server        string
	Username      string
	Password      string
	Port          int
	Transport     string
	DisplayName   string
	Realm         string
	OutboundProxy string
	GreetingText  string
	Status        string
	LastError     string
	RegisteredAt  *time.Time
	UpdatedAt     time.Time
}

// Conversation channel values.
const (
	ChannelSIP    = "sip"
	ChannelWebRTC = "webrtc"
)

// Conversation status values.
const (
	ConversationActive    = "active"
	ConversationCompleted = "completed"
)

// Conversation is one call or room session.
type Conversation struct {
	ID            string
	AgentConfigID string
	SessionID     string
	Channel       string
	Status        string
	StartedAt     time.Time
	EndedAt       *time.Time
	Metadata      map[string]any
}

// Message is one append-only conversation message row.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	CreatedAt      time.Time
}

// CallLog is one sip_call_logs row.
type CallLog struct {
	ID           string
	SipDeviceID  string
	CallID       string
	Direction    string
	RemoteURI    string
	RemoteName   string
	LiveKitRoom  string
	Status       string
	StartedAt    time.Time
	AnsweredAt   *time.Time
	EndedAt      *time.Time
	DurationSecs *int
}

// KnowledgeResult is one chunk returned by a similarity search.
type KnowledgeResult struct {
	Filename   string
	ChunkIndex int
	Content    string
	Similarity float64
}

// Webhook is one webhook_endpoints row.
type Webhook struct {
	ID            string
	AgentConfigID string
	Name          string
	Description   string
	URL           string
	Method        string
	Parameters    map[string]any
	Headers       map[string]string
	Secret        string
	TimeoutMs     int
	RetryCount    int
	IsActive      bool
	CreatedAt     time.Time
}

// VoiceProfileRow is one voice_profiles row.
type VoiceProfileRow struct {
	ID                string
	ReferenceAudioURL string
}

// GuardianConfig is one guardian_configs row.
type GuardianConfig struct {
	AgentConfigID        string
	CriticalKeywords     []string
	HighRiskKeywords     []string
	MediumRiskKeywords   []string
	AutoHandoffThreshold float64
	Enabled              bool
}
