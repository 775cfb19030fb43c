// Package router is the dispatch core: it resolves the requested model to a
// provider, enforces route capabilities, and hands the call to the matching
// provider operation under the caller's cancellation scope.
package router

import (
	"context"
	"fmt"

	"modelgate/internal/batch"
	"modelgate/internal/config"
	"modelgate/internal/models"
	"modelgate/internal/provider"
)

// Router dispatches unified requests to the appropriate provider.
type Router struct {
	registry *provider.Registry
	batcher  *batch.Coordinator
}

// New constructs a router backed by the provided registry and batch
// coordinator.
func New(registry *provider.Registry, batcher *batch.Coordinator) *Router {
	return &Router{
		registry: registry,
		batcher:  batcher,
	}
}

// Chat routes a synchronous chat request to the configured provider.
func (r *Router) Chat(ctx context.Context, req models.UnifiedChatRequest) (*models.UnifiedChatResponse, models.Model, error) {
	modelInfo, providerImpl, err := r.resolveChat(req.Model)
	if err != nil {
		return nil, models.Model{}, err
	}

	sanitisedReq := req
	sanitisedReq.Model = modelInfo.UpstreamModel()
	sanitisedReq.Stream = false
	sanitisedReq.Options = cloneOptions(req.Options)

	resp, err := providerImpl.Chat(ctx, sanitisedReq)
	if err != nil {
		return nil, models.Model{}, fmt.Errorf("provider %s chat request: %w", providerImpl.Name(), err)
	}
	return resp, modelInfo, nil
}

// ChatStream routes a streaming chat request. The caller owns the returned
// stream and must close it.
func (r *Router) ChatStream(ctx context.Context, req models.UnifiedChatRequest) (*provider.Stream, models.Model, error) {
	modelInfo, providerImpl, err := r.resolveChat(req.Model)
	if err != nil {
		return nil, models.Model{}, err
	}

	sanitisedReq := req
	sanitisedReq.Model = modelInfo.UpstreamModel()
	sanitisedReq.Stream = true
	sanitisedReq.Options = cloneOptions(req.Options)

	stream, err := providerImpl.ChatStream(ctx, sanitisedReq)
	if err != nil {
		return nil, models.Model{}, fmt.Errorf("provider %s streaming chat request: %w", providerImpl.Name(), err)
	}
	return stream, modelInfo, nil
}

// Embed routes an embedding request through the batch coordinator, which
// chunks oversized input lists transparently to the caller.
func (r *Router) Embed(ctx context.Context, req models.UnifiedEmbeddingRequest) (*models.UnifiedEmbeddingResponse, models.Model, error) {
	modelInfo, providerImpl, err := r.registry.LookupModel(req.Model)
	if err != nil {
		return nil, models.Model{}, err
	}
	if modelInfo.APIStyle != config.ModelTypeEmbedding {
		return nil, models.Model{}, fmt.Errorf("model %s does not serve embeddings: %w",
			req.Model, provider.ErrUnsupportedOperation)
	}

	sanitisedReq := req
	sanitisedReq.Model = modelInfo.UpstreamModel()
	sanitisedReq.Inputs = append([]string(nil), req.Inputs...)

	resp, err := r.batcher.EmbedBatch(ctx, providerImpl.Embed, sanitisedReq)
	if err != nil {
		return nil, models.Model{}, fmt.Errorf("provider %s embedding request: %w", providerImpl.Name(), err)
	}
	return resp, modelInfo, nil
}

// ListModels returns all routable models.
func (r *Router) ListModels() []models.Model {
	return r.registry.ListModels()
}

func (r *Router) resolveChat(modelID string) (models.Model, provider.Provider, error) {
	modelInfo, providerImpl, err := r.registry.LookupModel(modelID)
	if err != nil {
		return models.Model{}, nil, err
	}
	if modelInfo.APIStyle != config.ModelTypeChat {
		return models.Model{}, nil, fmt.Errorf("model %s does not serve chat: %w",
			modelID, provider.ErrUnsupportedOperation)
	}
	return modelInfo, providerImpl, nil
}

func cloneOptions(options map[string]any) map[string]any {
	if len(options) == 0 {
		return nil
	}
	out := make(map[string]any, len(options))
	for k, v := range options {
		out[k] = v
	}
	return out
}
