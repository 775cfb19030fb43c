package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"modelgate/internal/provider"
	"modelgate/internal/stream"
	"modelgate/internal/translator"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListModels(c echo.Context) error {
	type modelItem struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}

	known := s.router.ListModels()
	items := make([]modelItem, 0, len(known))
	for _, m := range known {
		items = append(items, modelItem{
			ID:      m.ID,
			Object:  "model",
			Created: 0,
			OwnedBy: m.Provider,
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data":   items,
	})
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req translator.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	c.Set(ctxKeyModel, req.Model)
	ctx := c.Request().Context()
	unifiedReq := req.ToUnified()

	if req.Stream {
		upstream, modelInfo, err := s.router.ChatStream(ctx, unifiedReq)
		if err != nil {
			return toHTTPError(err)
		}
		return s.forwardStream(c, upstream, &translator.ChatStreamEncoder{Model: modelInfo.ID})
	}

	resp, modelInfo, err := s.router.Chat(ctx, unifiedReq)
	if err != nil {
		return toHTTPError(err)
	}
	if resp == nil {
		return requestError{
			Status:  http.StatusBadGateway,
			Message: "upstream provider returned an empty response",
			Type:    "upstream_error",
		}
	}

	s.metrics.ObserveUsage(modelInfo.ID, resp.Usage.PromptTokens,
		resp.Usage.CompletionTokens, resp.Usage.TotalTokens)

	openAIResp := translator.FromUnifiedChat(modelInfo.ID, time.Now().Unix(), resp)
	return c.JSON(http.StatusOK, openAIResp)
}

func (s *Server) handleResponses(c echo.Context) error {
	var req translator.ResponsesRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	c.Set(ctxKeyModel, req.Model)
	ctx := c.Request().Context()
	unifiedReq := req.ToUnified()

	responseID := "resp_" + uuid.New().String()
	itemID := "msg_" + uuid.New().String()

	if req.Stream {
		upstream, modelInfo, err := s.router.ChatStream(ctx, unifiedReq)
		if err != nil {
			return toHTTPError(err)
		}
		enc := &translator.ResponsesStreamEncoder{
			ResponseID: responseID,
			ItemID:     itemID,
			Model:      modelInfo.ID,
			CreatedAt:  time.Now().Unix(),
		}
		return s.forwardStream(c, upstream, enc)
	}

	resp, modelInfo, err := s.router.Chat(ctx, unifiedReq)
	if err != nil {
		return toHTTPError(err)
	}
	if resp == nil {
		return requestError{
			Status:  http.StatusBadGateway,
			Message: "upstream provider returned an empty response",
			Type:    "upstream_error",
		}
	}

	s.metrics.ObserveUsage(modelInfo.ID, resp.Usage.PromptTokens,
		resp.Usage.CompletionTokens, resp.Usage.TotalTokens)

	out := translator.FromUnifiedResponses(responseID, itemID, modelInfo.ID, time.Now().Unix(), resp)
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleEmbeddings(c echo.Context) error {
	var req translator.EmbeddingRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	c.Set(ctxKeyModel, req.Model)
	ctx := c.Request().Context()

	resp, modelInfo, err := s.router.Embed(ctx, req.ToUnified())
	if err != nil {
		return toHTTPError(err)
	}

	s.metrics.ObserveUsage(modelInfo.ID, resp.Usage.PromptTokens, 0, resp.Usage.TotalTokens)

	out := translator.FromUnifiedEmbeddings(modelInfo.ID, resp)
	return c.JSON(http.StatusOK, out)
}

// forwardStream switches the response to SSE and drains the upstream stream
// through the dialect encoder. Once the first frame is written the error
// envelope can no longer be used, so failures from this point are in-band.
func (s *Server) forwardStream(c echo.Context, upstream *provider.Stream, enc stream.Encoder) error {
	writer := c.Response().Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		_ = upstream.Close()
		slog.Error("http writer does not support flushing")
		return requestError{
			Status:  http.StatusInternalServerError,
			Message: "server does not support streaming responses",
			Type:    "server_error",
		}
	}

	header := c.Response().Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")

	c.Response().WriteHeader(http.StatusOK)

	w := stream.NewWriter(writer, flusher)
	if err := stream.Forward(c.Request().Context(), w, enc, upstream); err != nil {
		slog.Error("stream terminated", "uri", c.Request().RequestURI, "err", err)
	}
	return nil
}
