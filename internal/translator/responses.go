package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"modelgate/internal/models"
)

var (
	errEmptyInput       = errors.New("input must be provided")
	errUnsupportedInput = errors.New("unsupported input structure")
)

// ResponsesRequest models the unified /v1/responses request payload. Input
// accepts either a plain string or an array of message items.
type ResponsesRequest struct {
	Model           string
	Messages        []ChatMessage
	Stream          bool
	Temperature     *float64
	TopP            *float64
	MaxOutputTokens *int
	Instructions    string
	Options         map[string]any
}

// UnmarshalJSON enforces validation and flattens the input variants.
func (r *ResponsesRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model           string          `json:"model"`
		Input           json.RawMessage `json:"input"`
		Stream          bool            `json:"stream"`
		Temperature     *float64        `json:"temperature"`
		TopP            *float64        `json:"top_p"`
		MaxOutputTokens *int            `json:"max_output_tokens"`
		Instructions    string          `json:"instructions"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode responses request: %w", err)
	}

	messages, err := parseResponsesInput(raw.Input)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Messages = messages
	r.Stream = raw.Stream
	r.Temperature = raw.Temperature
	r.TopP = raw.TopP
	r.MaxOutputTokens = raw.MaxOutputTokens
	r.Instructions = strings.TrimSpace(raw.Instructions)

	r.Options = make(map[string]any)
	if raw.Temperature != nil {
		r.Options["temperature"] = *raw.Temperature
	}
	if raw.TopP != nil {
		r.Options["top_p"] = *raw.TopP
	}
	if raw.MaxOutputTokens != nil {
		r.Options["max_tokens"] = *raw.MaxOutputTokens
	}

	if r.Model == "" {
		return errEmptyModel
	}
	if len(r.Messages) == 0 {
		return errEmptyInput
	}
	return nil
}

// ToUnified converts the responses request into the canonical format.
func (r ResponsesRequest) ToUnified() models.UnifiedChatRequest {
	msgs := make([]models.Message, 0, len(r.Messages)+1)
	if r.Instructions != "" {
		msgs = append(msgs, models.Message{Role: "system", Content: r.Instructions})
	}
	for _, m := range r.Messages {
		msgs = append(msgs, models.Message{Role: m.Role, Content: m.Content})
	}

	options := make(map[string]any, len(r.Options))
	for k, v := range r.Options {
		options[k] = v
	}

	return models.UnifiedChatRequest{
		Model:    r.Model,
		Messages: msgs,
		Stream:   r.Stream,
		Options:  options,
	}
}

func parseResponsesInput(raw json.RawMessage) ([]ChatMessage, error) {
	if len(raw) == 0 {
		return nil, errEmptyInput
	}

	// A bare string is a single user message.
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if strings.TrimSpace(text) == "" {
			return nil, errEmptyInput
		}
		return []ChatMessage{{Role: "user", Content: text}}, nil
	}

	var items []struct {
		Type    string          `json:"type"`
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, errUnsupportedInput
	}

	messages := make([]ChatMessage, 0, len(items))
	for i, item := range items {
		if item.Type != "" && item.Type != "message" {
			continue
		}
		role := strings.TrimSpace(item.Role)
		if role == "" {
			role = "user"
		}
		content, err := extractMessageContent(item.Content)
		if err != nil {
			return nil, fmt.Errorf("input[%d]: %w", i, err)
		}
		messages = append(messages, ChatMessage{Role: role, Content: content})
	}

	if len(messages) == 0 {
		return nil, errEmptyInput
	}
	return messages, nil
}

// Response lifecycle statuses on the responses wire.
const (
	ResponseStatusCompleted  = "completed"
	ResponseStatusInProgress = "in_progress"
	ResponseStatusFailed     = "failed"
)

// ResponsesResponse models the synchronous /v1/responses payload.
type ResponsesResponse struct {
	ID          string               `json:"id"`
	Object      string               `json:"object"`
	CreatedAt   int64                `json:"created_at"`
	CompletedAt *int64               `json:"completed_at,omitempty"`
	Status      string               `json:"status"`
	Model       string               `json:"model"`
	Output      []ResponseOutputItem `json:"output"`
	Usage       *ResponsesUsage      `json:"usage,omitempty"`
}

// ResponseOutputItem is one output block; the gateway emits message items.
type ResponseOutputItem struct {
	ID      string               `json:"id"`
	Type    string               `json:"type"`
	Status  string               `json:"status"`
	Role    string               `json:"role"`
	Content []ResponseOutputText `json:"content"`
}

// ResponseOutputText is a text content block nested under an output item.
type ResponseOutputText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ResponsesUsage mirrors the responses-dialect usage block.
type ResponsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// FromUnifiedResponses constructs the responses wire shape from unified data.
func FromUnifiedResponses(responseID, itemID, modelID string, createdUnix int64, resp *models.UnifiedChatResponse) ResponsesResponse {
	role := resp.Message.Role
	if role == "" {
		role = "assistant"
	}

	out := ResponsesResponse{
		ID:          responseID,
		Object:      "response",
		CreatedAt:   createdUnix,
		CompletedAt: &createdUnix,
		Status:      ResponseStatusCompleted,
		Model:       modelID,
		Output: []ResponseOutputItem{
			{
				ID:     itemID,
				Type:   "message",
				Status: ResponseStatusCompleted,
				Role:   role,
				Content: []ResponseOutputText{
					{Type: "output_text", Text: resp.Message.Content},
				},
			},
		},
	}

	if resp.Usage.TotalTokens != 0 || resp.Usage.PromptTokens != 0 || resp.Usage.CompletionTokens != 0 {
		out.Usage = &ResponsesUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}

	return out
}
