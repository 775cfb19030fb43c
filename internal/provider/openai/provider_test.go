package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelgate/internal/config"
	"modelgate/internal/models"
	"modelgate/internal/provider"
)

func testProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p, err := New("openai", config.ProviderConfig{
		APIKey:  "sk-test",
		BaseURL: server.URL,
		Headers: config.Headers{"X-Test-Header": "on"},
		Models: []config.ModelConfig{
			{ID: "gpt-4o", Type: config.ModelTypeChat},
			{ID: "text-embedding-3-small", Type: config.ModelTypeEmbedding},
		},
	}, server.Client())
	require.NoError(t, err)
	return p
}

func TestNewRequiresClientAndBaseURL(t *testing.T) {
	t.Parallel()

	_, err := New("openai", config.ProviderConfig{BaseURL: "https://x"}, nil)
	require.Error(t, err)

	_, err = New("openai", config.ProviderConfig{}, http.DefaultClient)
	require.Error(t, err)
}

func TestListModels(t *testing.T) {
	t.Parallel()

	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {})

	listed, err := p.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "gpt-4o", listed[0].ID)
	assert.Equal(t, "openai", listed[0].Provider)
	assert.Equal(t, config.ModelTypeChat, listed[0].APIStyle)
}

func TestChat(t *testing.T) {
	t.Parallel()

	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "on", r.Header.Get("X-Test-Header"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "gpt-4o", payload["model"])
		assert.Equal(t, 0.5, payload["temperature"])
		assert.Nil(t, payload["stream"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-1",
			"model": "gpt-4o",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": "hi there"},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 2, "completion_tokens": 3, "total_tokens": 5},
		})
	})

	resp, err := p.Chat(context.Background(), models.UnifiedChatRequest{
		Model:    "gpt-4o",
		Messages: []models.Message{{Role: "user", Content: "hello"}},
		Options:  map[string]any{"temperature": 0.5},
	})
	require.NoError(t, err)

	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, "hi there", resp.Message.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
}

func TestChatUpstreamError(t *testing.T) {
	t.Parallel()

	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "quota exceeded", "type": "rate_limit_error"}}`))
	})

	_, err := p.Chat(context.Background(), models.UnifiedChatRequest{
		Model:    "gpt-4o",
		Messages: []models.Message{{Role: "user", Content: "hello"}},
	})
	require.Error(t, err)

	var upstreamErr *provider.UpstreamError
	require.True(t, errors.As(err, &upstreamErr))
	assert.Equal(t, http.StatusTooManyRequests, upstreamErr.Status)
	assert.Equal(t, "rate_limit_error", upstreamErr.Type)
	assert.Equal(t, "quota exceeded", upstreamErr.Message)
}

func TestChatUpstreamErrorUnparseableBody(t *testing.T) {
	t.Parallel()

	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded"))
	})

	_, err := p.Chat(context.Background(), models.UnifiedChatRequest{
		Model:    "gpt-4o",
		Messages: []models.Message{{Role: "user", Content: "hello"}},
	})
	require.Error(t, err)

	var upstreamErr *provider.UpstreamError
	require.True(t, errors.As(err, &upstreamErr))
	assert.Equal(t, "upstream exploded", upstreamErr.Message)
}

func TestChatStream(t *testing.T) {
	t.Parallel()

	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, true, payload["stream"])

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, "data: {\"n\":%d}\n\n", i)
			flusher.Flush()
		}
		fmt.Fprint(w, ": keepalive comment\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	})

	up, err := p.ChatStream(context.Background(), models.UnifiedChatRequest{
		Model:    "gpt-4o",
		Messages: []models.Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	defer up.Close()

	var got []models.StreamEvent
	for ev := range up.Events {
		got = append(got, ev)
	}

	require.Len(t, got, 4)
	for i := 0; i < 3; i++ {
		assert.Equal(t, models.EventChunk, got[i].Type)
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(got[i].Data))
	}
	assert.Equal(t, models.EventDone, got[3].Type)

	select {
	case err := <-up.Errs:
		t.Fatalf("unexpected stream error: %v", err)
	default:
	}
}

func TestChatStreamInterrupted(t *testing.T) {
	t.Parallel()

	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"n\":0}\n\n")
		flusher.Flush()

		// Drop the connection mid-stream without a terminal marker.
		conn, _, err := w.(http.Hijacker).Hijack()
		require.NoError(t, err)
		_ = conn.Close()
	})

	up, err := p.ChatStream(context.Background(), models.UnifiedChatRequest{
		Model:    "gpt-4o",
		Messages: []models.Message{{Role: "user", Content: "hello"}},
	})
	require.NoError(t, err)
	defer up.Close()

	var got []models.StreamEvent
	for ev := range up.Events {
		got = append(got, ev)
	}
	require.Len(t, got, 1)

	err = <-up.Errs
	require.Error(t, err)
	assert.True(t, errors.Is(err, provider.ErrUpstreamInterrupted))
}

func TestChatStreamUpstreamRejection(t *testing.T) {
	t.Parallel()

	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"message": "bad key", "type": "authentication_error"}}`))
	})

	_, err := p.ChatStream(context.Background(), models.UnifiedChatRequest{
		Model:    "gpt-4o",
		Messages: []models.Message{{Role: "user", Content: "hello"}},
	})
	require.Error(t, err)

	var upstreamErr *provider.UpstreamError
	require.True(t, errors.As(err, &upstreamErr))
	assert.Equal(t, http.StatusUnauthorized, upstreamErr.Status)
}

func TestEmbed(t *testing.T) {
	t.Parallel()

	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "text-embedding-3-small", payload["model"])
		assert.Equal(t, float64(64), payload["dimensions"])

		// Return the vectors out of order; reassembly goes by index.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model": "text-embedding-3-small",
			"data": []map[string]any{
				{"index": 1, "embedding": []float32{0.2}},
				{"index": 0, "embedding": []float32{0.1}},
			},
			"usage": map[string]int{"prompt_tokens": 2, "total_tokens": 2},
		})
	})

	resp, err := p.Embed(context.Background(), models.UnifiedEmbeddingRequest{
		Model:      "text-embedding-3-small",
		Inputs:     []string{"a", "b"},
		Dimensions: 64,
	})
	require.NoError(t, err)

	require.Len(t, resp.Vectors, 2)
	assert.Equal(t, []float32{0.1}, resp.Vectors[0])
	assert.Equal(t, []float32{0.2}, resp.Vectors[1])
	assert.Equal(t, 2, resp.Usage.PromptTokens)
}

func TestEmbedVectorCountMismatch(t *testing.T) {
	t.Parallel()

	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float32{0.1}}},
		})
	})

	_, err := p.Embed(context.Background(), models.UnifiedEmbeddingRequest{
		Model:  "text-embedding-3-small",
		Inputs: []string{"a", "b"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 embeddings for 2 inputs")
}

func TestEmbedIndexOutOfRange(t *testing.T) {
	t.Parallel()

	p := testProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 5, "embedding": []float32{0.1}}},
		})
	})

	_, err := p.Embed(context.Background(), models.UnifiedEmbeddingRequest{
		Model:  "text-embedding-3-small",
		Inputs: []string{"a"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}
