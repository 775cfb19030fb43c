// Package openai implements the upstream provider for OpenAI-compatible
// model endpoints, covering synchronous chat, streamed chat, and embeddings.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"modelgate/internal/config"
	"modelgate/internal/models"
	"modelgate/internal/provider"
)

const (
	contentTypeJSON = "application/json"
	userAgent       = "modelgate/0.1"

	// streamBuffer bounds the chunk channel so a slow client throttles the
	// upstream read instead of buffering unboundedly.
	streamBuffer = 16
)

// Provider implements provider.Provider for OpenAI-compatible APIs.
type Provider struct {
	name          string
	apiKey        string
	baseURL       string
	headers       map[string]string
	client        *http.Client
	models        []models.Model
	chatURL       string
	embeddingsURL string
}

// New creates a new OpenAI-compatible provider.
func New(name string, cfg config.ProviderConfig, client *http.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	modelsList := make([]models.Model, 0, len(cfg.Models))
	for _, model := range cfg.Models {
		modelsList = append(modelsList, models.Model{
			ID:       model.ID,
			Provider: name,
			APIStyle: model.Type,
			Rewrite:  model.Rewrite,
		})
	}

	return &Provider{
		name:          name,
		apiKey:        cfg.APIKey,
		baseURL:       baseURL,
		headers:       cfg.Headers,
		client:        client,
		models:        modelsList,
		chatURL:       baseURL + "/chat/completions",
		embeddingsURL: baseURL + "/embeddings",
	}, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) ListModels(ctx context.Context) ([]models.Model, error) {
	result := make([]models.Model, len(p.models))
	copy(result, p.models)
	return result, nil
}

// Chat issues a synchronous chat completion request.
func (p *Provider) Chat(ctx context.Context, req models.UnifiedChatRequest) (*models.UnifiedChatResponse, error) {
	payload, err := buildChatPayload(req, false)
	if err != nil {
		return nil, err
	}

	httpReq, err := p.newRequest(ctx, p.chatURL, payload)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request to %s failed: %w", p.name, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, p.parseAPIError(httpResp)
	}

	var providerResp chatResponse
	if err := decodeJSON(httpResp.Body, &providerResp); err != nil {
		return nil, err
	}

	return providerResp.toUnified()
}

// ChatStream issues a streaming chat completion request. The returned
// stream's Events channel carries one event per upstream SSE chunk, in
// upstream order, and is closed after the upstream terminal marker (which
// is forwarded as a done event) or stream end.
func (p *Provider) ChatStream(ctx context.Context, req models.UnifiedChatRequest) (*provider.Stream, error) {
	payload, err := buildChatPayload(req, true)
	if err != nil {
		return nil, err
	}

	httpReq, err := p.newRequest(ctx, p.chatURL, payload)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("streaming chat request to %s failed: %w", p.name, err)
	}

	if httpResp.StatusCode >= 400 {
		defer httpResp.Body.Close()
		return nil, p.parseAPIError(httpResp)
	}

	events := make(chan models.StreamEvent, streamBuffer)
	errs := make(chan error, 1)

	go p.readStream(ctx, httpResp.Body, events, errs)

	return provider.NewStream(events, errs, httpResp.Body.Close), nil
}

// readStream scans upstream SSE frames and pushes translated events until
// the terminal marker, stream end, read failure, or cancellation.
func (p *Provider) readStream(ctx context.Context, body io.ReadCloser, events chan<- models.StreamEvent, errs chan<- error) {
	defer close(events)

	scanner := NewSSEScanner(body)
	for scanner.Scan() {
		var ev models.StreamEvent
		if scanner.Done() {
			ev = models.StreamEvent{Type: models.EventDone}
		} else {
			ev = models.StreamEvent{Type: models.EventChunk, Data: scanner.Data()}
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}

		if ev.Type == models.EventDone {
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		errs <- fmt.Errorf("%w: %v", provider.ErrUpstreamInterrupted, err)
	}
}

// Embed issues a synchronous embeddings request for one chunk of inputs.
func (p *Provider) Embed(ctx context.Context, req models.UnifiedEmbeddingRequest) (*models.UnifiedEmbeddingResponse, error) {
	if len(req.Inputs) == 0 {
		return nil, errors.New("embedding inputs must not be empty")
	}

	payload := embeddingPayload{
		Model: req.Model,
		Input: req.Inputs,
	}
	if req.Dimensions > 0 {
		payload.Dimensions = &req.Dimensions
	}
	if req.EncodingFormat != "" {
		payload.EncodingFormat = req.EncodingFormat
	}

	httpReq, err := p.newRequest(ctx, p.embeddingsURL, payload)
	if err != nil {
		return nil, err
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("embeddings request to %s failed: %w", p.name, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		return nil, p.parseAPIError(httpResp)
	}

	var providerResp embeddingResponse
	if err := decodeJSON(httpResp.Body, &providerResp); err != nil {
		return nil, err
	}

	return providerResp.toUnified(len(req.Inputs))
}

func (p *Provider) newRequest(ctx context.Context, url string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

type chatPayload struct {
	Model            string          `json:"model"`
	Messages         []openAIMessage `json:"messages"`
	Stream           bool            `json:"stream,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	ResponseFormat   map[string]any  `json:"response_format,omitempty"`
	User             string          `json:"user,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

func buildChatPayload(req models.UnifiedChatRequest, stream bool) (chatPayload, error) {
	messages := make([]openAIMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if strings.TrimSpace(msg.Content) == "" {
			return chatPayload{}, errors.New("message content must not be empty")
		}
		messages = append(messages, openAIMessage{
			Role:    msg.Role,
			Content: msg.Content,
			Name:    msg.Name,
		})
	}

	payload := chatPayload{
		Model:    req.Model,
		Messages: messages,
		Stream:   stream,
	}

	if v, ok := extractInt(req.Options, "max_tokens"); ok {
		payload.MaxTokens = &v
	}
	if v, ok := extractFloat(req.Options, "temperature"); ok {
		payload.Temperature = &v
	}
	if v, ok := extractFloat(req.Options, "top_p"); ok {
		payload.TopP = &v
	}
	if v, ok := extractFloat(req.Options, "frequency_penalty"); ok {
		payload.FrequencyPenalty = &v
	}
	if v, ok := extractFloat(req.Options, "presence_penalty"); ok {
		payload.PresencePenalty = &v
	}
	if stop, ok := extractStringSlice(req.Options, "stop"); ok {
		payload.Stop = stop
	}
	if responseFormat, ok := extractMap(req.Options, "response_format"); ok {
		payload.ResponseFormat = responseFormat
	}
	if user, ok := extractString(req.Options, "user"); ok {
		payload.User = user
	}

	return payload, nil
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *usageBlock  `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int           `json:"index"`
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type usageBlock struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (r chatResponse) toUnified() (*models.UnifiedChatResponse, error) {
	if len(r.Choices) == 0 {
		return nil, errors.New("upstream response did not include choices")
	}

	choice := r.Choices[0]
	resp := &models.UnifiedChatResponse{
		ID:    r.ID,
		Model: r.Model,
		Message: models.Message{
			Role:    choice.Message.Role,
			Content: choice.Message.Content,
			Name:    choice.Message.Name,
		},
		FinishReason: choice.FinishReason,
	}
	if r.Usage != nil {
		resp.Usage = models.Usage{
			PromptTokens:     r.Usage.PromptTokens,
			CompletionTokens: r.Usage.CompletionTokens,
			TotalTokens:      r.Usage.TotalTokens,
		}
	}
	return resp, nil
}

type embeddingPayload struct {
	Model          string   `json:"model"`
	Input          []string `json:"input"`
	Dimensions     *int     `json:"dimensions,omitempty"`
	EncodingFormat string   `json:"encoding_format,omitempty"`
}

type embeddingResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage *usageBlock `json:"usage,omitempty"`
}

func (r embeddingResponse) toUnified(expected int) (*models.UnifiedEmbeddingResponse, error) {
	if len(r.Data) != expected {
		return nil, fmt.Errorf("upstream returned %d embeddings for %d inputs", len(r.Data), expected)
	}

	vectors := make([][]float32, expected)
	for _, item := range r.Data {
		if item.Index < 0 || item.Index >= expected {
			return nil, fmt.Errorf("upstream embedding index %d out of range", item.Index)
		}
		vectors[item.Index] = item.Embedding
	}

	resp := &models.UnifiedEmbeddingResponse{
		Model:   r.Model,
		Vectors: vectors,
	}
	if r.Usage != nil {
		resp.Usage = models.Usage{
			PromptTokens: r.Usage.PromptTokens,
			TotalTokens:  r.Usage.TotalTokens,
		}
	}
	return resp, nil
}

type apiErrorResponse struct {
	Error apiErrorObject `json:"error"`
}

type apiErrorObject struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func (p *Provider) parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return &provider.UpstreamError{
			Provider: p.name,
			Status:   resp.StatusCode,
			Message:  fmt.Sprintf("failed to read error body: %v", err),
		}
	}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return &provider.UpstreamError{
			Provider: p.name,
			Status:   resp.StatusCode,
			Type:     apiErr.Error.Type,
			Message:  apiErr.Error.Message,
		}
	}

	return &provider.UpstreamError{
		Provider: p.name,
		Status:   resp.StatusCode,
		Message:  strings.TrimSpace(string(body)),
	}
}

func decodeJSON(reader io.Reader, target any) error {
	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}

func extractFloat(options map[string]any, key string) (float64, bool) {
	if options == nil {
		return 0, false
	}
	if value, ok := options[key]; ok {
		switch v := value.(type) {
		case float64:
			return v, true
		case float32:
			return float64(v), true
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func extractInt(options map[string]any, key string) (int, bool) {
	if options == nil {
		return 0, false
	}
	if value, ok := options[key]; ok {
		switch v := value.(type) {
		case int:
			return v, true
		case int64:
			return int(v), true
		case float64:
			return int(v), true
		case json.Number:
			if i, err := v.Int64(); err == nil {
				return int(i), true
			}
		}
	}
	return 0, false
}

func extractString(options map[string]any, key string) (string, bool) {
	if options == nil {
		return "", false
	}
	if value, ok := options[key]; ok {
		if str, ok := value.(string); ok {
			return str, true
		}
	}
	return "", false
}

func extractStringSlice(options map[string]any, key string) ([]string, bool) {
	if options == nil {
		return nil, false
	}
	value, ok := options[key]
	if !ok {
		return nil, false
	}
	switch v := value.(type) {
	case []string:
		return v, true
	case []any:
		result := make([]string, 0, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, false
			}
			result = append(result, str)
		}
		return result, true
	}
	return nil, false
}

func extractMap(options map[string]any, key string) (map[string]any, bool) {
	if options == nil {
		return nil, false
	}
	if value, ok := options[key]; ok {
		if m, ok := value.(map[string]any); ok {
			return m, true
		}
	}
	return nil, false
}
