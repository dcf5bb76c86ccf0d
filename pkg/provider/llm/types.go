package llm

import "github.com/voxnexus/voxnexus/pkg/types"

// CompletionRequest describes one completion call.
type CompletionRequest struct {
	// SystemPrompt is prepended as the system message. The turn engine never
	// drops it when trimming history.
	SystemPrompt string

	// Messages is the conversation history, oldest first.
	Messages []types.Message

	// Tools lists the tool definitions offered to the model for this call.
	Tools []types.ToolDefinition

	// Temperature controls sampling randomness. Zero means provider default.
	Temperature float64

	// MaxTokens bounds the reply length. Zero means provider default.
	MaxTokens int
}

// CompletionResponse is the result of a blocking Complete call.
type CompletionResponse struct {
	// Content is the assistant's text reply. May be empty when the model
	// responded with tool calls only.
	Content string

	// ToolCalls lists tool invocations requested by the model.
	ToolCalls []types.ToolCall

	// Usage reports token accounting when the backend provides it.
	Usage Usage
}

// Usage holds token counts for a completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Chunk is one unit of streaming completion output.
type Chunk struct {
	// Text is the incremental text delta. May be empty on tool-call or
	// finish chunks.
	Text string

	// ToolCalls carries fully accumulated tool calls, emitted on the final
	// chunk of a tool-calling completion.
	ToolCalls []types.ToolCall

	// FinishReason is non-empty on the last chunk ("stop", "tool_calls",
	// "length", or "error").
	FinishReason string
}
