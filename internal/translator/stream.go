package translator

import (
	"encoding/json"
	"strings"

	"modelgate/internal/models"
	"modelgate/internal/stream"
)

// ChatStreamEncoder renders canonical stream events as OpenAI
// chat-completions SSE frames. Upstream chunks already carry the wire shape
// clients expect; only the model field is rewritten back to the
// gateway-facing ID, matching the synchronous response.
type ChatStreamEncoder struct {
	// Model is the route's model ID. Empty leaves chunks untouched.
	Model string
}

// Open implements stream.Encoder. The chat dialect has no preamble frames.
func (ChatStreamEncoder) Open() []stream.Frame { return nil }

// Encode implements stream.Encoder.
func (e ChatStreamEncoder) Encode(ev models.StreamEvent) ([]stream.Frame, error) {
	if ev.Type == models.EventChunk {
		return []stream.Frame{{Data: rewriteChunkModel(ev.Data, e.Model)}}, nil
	}
	// Forward-compatible passthrough for upstream protocol additions.
	return []stream.Frame{{Data: marshalJSON(map[string]any{
		"type":    "unknown",
		"event":   ev.Type,
		"payload": json.RawMessage(ev.Data),
	})}}, nil
}

// Completed implements stream.Encoder. Graceful completion needs only the
// terminal marker, which the proxy writes itself.
func (ChatStreamEncoder) Completed() []stream.Frame { return nil }

// Interrupted implements stream.Encoder.
func (ChatStreamEncoder) Interrupted(err error) []stream.Frame {
	return []stream.Frame{{Data: marshalJSON(map[string]any{
		"error": map[string]any{
			"message": "upstream stream interrupted: " + err.Error(),
			"type":    "upstream_error",
			"code":    "upstream_interrupted",
		},
	})}}
}

// ResponsesStreamEncoder translates upstream chat-completion chunks into the
// responses-dialect event stream. It is stateful: output item and content
// part frames are emitted lazily on the first text delta, and the
// accumulated text is replayed in the final response.completed event.
type ResponsesStreamEncoder struct {
	ResponseID string
	ItemID     string
	Model      string
	CreatedAt  int64

	seq       int
	itemAdded bool
	text      strings.Builder
}

// Open implements stream.Encoder.
func (e *ResponsesStreamEncoder) Open() []stream.Frame {
	created := e.responseBody(ResponseStatusInProgress, nil)
	return []stream.Frame{
		e.frame("response.created", map[string]any{"response": created}),
		e.frame("response.in_progress", map[string]any{"response": created}),
	}
}

// Encode implements stream.Encoder.
func (e *ResponsesStreamEncoder) Encode(ev models.StreamEvent) ([]stream.Frame, error) {
	if ev.Type != models.EventChunk {
		return []stream.Frame{e.frame("unknown", map[string]any{
			"event":   ev.Type,
			"payload": json.RawMessage(ev.Data),
		})}, nil
	}

	var chunk struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(ev.Data, &chunk); err != nil {
		return nil, err
	}

	var frames []stream.Frame
	for _, choice := range chunk.Choices {
		if choice.Delta.Content == "" {
			continue
		}

		if !e.itemAdded {
			e.itemAdded = true
			frames = append(frames,
				e.frame("response.output_item.added", map[string]any{
					"output_index": 0,
					"item":         e.messageItem(ResponseStatusInProgress, ""),
				}),
				e.frame("response.content_part.added", map[string]any{
					"item_id":       e.ItemID,
					"output_index":  0,
					"content_index": 0,
					"part":          ResponseOutputText{Type: "output_text", Text: ""},
				}),
			)
		}

		e.text.WriteString(choice.Delta.Content)
		frames = append(frames, e.frame("response.output_text.delta", map[string]any{
			"item_id":       e.ItemID,
			"output_index":  0,
			"content_index": 0,
			"delta":         choice.Delta.Content,
		}))
	}

	return frames, nil
}

// Completed implements stream.Encoder.
func (e *ResponsesStreamEncoder) Completed() []stream.Frame {
	text := e.text.String()
	frames := []stream.Frame{}

	if e.itemAdded {
		frames = append(frames,
			e.frame("response.output_text.done", map[string]any{
				"item_id":       e.ItemID,
				"output_index":  0,
				"content_index": 0,
				"text":          text,
			}),
			e.frame("response.output_item.done", map[string]any{
				"output_index": 0,
				"item":         e.messageItem(ResponseStatusCompleted, text),
			}),
		)
	}

	item := e.messageItem(ResponseStatusCompleted, text)
	frames = append(frames, e.frame("response.completed", map[string]any{
		"response": e.responseBody(ResponseStatusCompleted, []ResponseOutputItem{item}),
	}))
	return frames
}

// Interrupted implements stream.Encoder.
func (e *ResponsesStreamEncoder) Interrupted(err error) []stream.Frame {
	return []stream.Frame{
		e.frame("response.failed", map[string]any{
			"response": e.responseBody(ResponseStatusFailed, nil),
		}),
		e.frame("error", map[string]any{
			"code":    "upstream_interrupted",
			"message": "upstream stream interrupted: " + err.Error(),
			"param":   nil,
		}),
	}
}

// Text returns the concatenated output text forwarded so far.
func (e *ResponsesStreamEncoder) Text() string {
	return e.text.String()
}

func (e *ResponsesStreamEncoder) frame(eventType string, fields map[string]any) stream.Frame {
	e.seq++
	payload := map[string]any{
		"type":            eventType,
		"sequence_number": e.seq,
	}
	for k, v := range fields {
		payload[k] = v
	}
	return stream.Frame{Event: eventType, Data: marshalJSON(payload)}
}

func (e *ResponsesStreamEncoder) messageItem(status, text string) ResponseOutputItem {
	return ResponseOutputItem{
		ID:     e.ItemID,
		Type:   "message",
		Status: status,
		Role:   "assistant",
		Content: []ResponseOutputText{
			{Type: "output_text", Text: text},
		},
	}
}

func (e *ResponsesStreamEncoder) responseBody(status string, output []ResponseOutputItem) ResponsesResponse {
	if output == nil {
		output = []ResponseOutputItem{}
	}
	body := ResponsesResponse{
		ID:        e.ResponseID,
		Object:    "response",
		CreatedAt: e.CreatedAt,
		Status:    status,
		Model:     e.Model,
		Output:    output,
	}
	if status == ResponseStatusCompleted {
		completed := e.CreatedAt
		body.CompletedAt = &completed
	}
	return body
}

// rewriteChunkModel replaces the model field of an upstream chunk with the
// gateway-facing ID so a configured rewrite never leaks the upstream model
// name. Chunks without a model field, or that fail to parse, pass through
// untouched.
func rewriteChunkModel(data []byte, model string) []byte {
	if model == "" {
		return data
	}
	var chunk map[string]json.RawMessage
	if err := json.Unmarshal(data, &chunk); err != nil {
		return data
	}
	current, ok := chunk["model"]
	if !ok {
		return data
	}
	var upstream string
	if err := json.Unmarshal(current, &upstream); err != nil || upstream == model {
		return data
	}
	chunk["model"] = marshalJSON(model)
	return marshalJSON(chunk)
}

// marshalJSON renders event payloads built from plain maps and structs;
// these cannot fail to marshal.
func marshalJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
