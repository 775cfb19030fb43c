package models

import "encoding/json"

// Message represents a single conversational message in the unified schema.
type Message struct {
	Role    string
	Content string
	Name    string
}

// UnifiedChatRequest is the canonical representation of a chat-style call,
// regardless of which client dialect produced it. It is built once per
// inbound request and never mutated after dispatch.
type UnifiedChatRequest struct {
	Model    string
	Messages []Message
	Stream   bool
	Options  map[string]any
}

// UnifiedChatResponse captures a provider response in the unified schema.
type UnifiedChatResponse struct {
	ID           string
	Model        string
	Message      Message
	FinishReason string
	Usage        Usage
}

// UnifiedEmbeddingRequest is the canonical representation of an embedding call.
type UnifiedEmbeddingRequest struct {
	Model          string
	Inputs         []string
	Dimensions     int
	EncodingFormat string
}

// UnifiedEmbeddingResponse holds embedding vectors aligned index-for-index
// with the request inputs.
type UnifiedEmbeddingResponse struct {
	Model   string
	Vectors [][]float32
	Usage   Usage
}

// Stream event discriminators produced by providers. Anything else is an
// upstream protocol addition the gateway passes through untouched.
const (
	EventChunk = "chat.completion.chunk"
	EventDone  = "done"
)

// StreamEvent is one translated chunk of an upstream stream. Type is the
// dialect-level discriminator; Data carries the provider payload verbatim.
type StreamEvent struct {
	Type string
	Data json.RawMessage
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Add folds usage from a sub-call into the total, used when batched
// sub-responses are reassembled into a single response.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Model identifies a known model with provider metadata.
type Model struct {
	ID       string
	Provider string
	APIStyle string
	Rewrite  string
}

// UpstreamModel returns the model identifier to send upstream, honouring an
// optional rewrite configured for the route.
func (m Model) UpstreamModel() string {
	if m.Rewrite != "" {
		return m.Rewrite
	}
	return m.ID
}
