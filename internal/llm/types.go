package llm

import (
	"encoding/json"
	"time"
)

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Message is a portable chat message.
type Message struct {
	Role    string // "system" | "user" | "assistant" | "tool"
	Content string
	ToolID  string
	// ToolCalls are only set on assistant messages.
	ToolCalls []ToolCall
}

// ToolSchema declares one callable tool in JSON-schema form.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ResponseFormat requests structured output. Type is "json_schema" or
// "json_object"; Schema is only consulted for json_schema.
type ResponseFormat struct {
	Type   string
	Name   string
	Schema map[string]any
}

// ChatRequest is a provider-agnostic chat-completions request.
type ChatRequest struct {
	Model          string
	Messages       []Message
	Tools          []ToolSchema
	ToolChoice     string // "", "auto", "required", "none"
	ResponseFormat *ResponseFormat
	MaxTokens      int
	Temperature    *float64
}

// Usage mirrors the chat-completions usage block.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatResponse is the assistant turn plus usage accounting.
type ChatResponse struct {
	Message Message
	Usage   Usage
}

// Valid reports whether the response carries content or at least one tool
// call. Anything else is treated as an empty response and retried.
func (r ChatResponse) Valid() bool {
	return r.Message.Content != "" || len(r.Message.ToolCalls) > 0
}

// CallDetails captures the accounting of a single model call. It is the unit
// mission stats aggregate over and the payload of model_call_details events.
type CallDetails struct {
	AgentMode        string    `json:"agent_mode"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	NativeTokens     int       `json:"native_tokens"`
	Cost             float64   `json:"cost"`
	DurationSec      float64   `json:"duration_sec"`
	Attempts         int       `json:"attempts"`
	Timestamp        time.Time `json:"timestamp"`
}
