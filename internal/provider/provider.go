package provider

import (
	"context"
	"errors"
	"fmt"

	"modelgate/internal/models"
)

// ErrUnknownModel indicates the requested model is not registered.
var ErrUnknownModel = errors.New("unknown model")

// ErrDuplicateModel indicates an attempt to register the same model twice.
var ErrDuplicateModel = errors.New("model already registered")

// ErrUnsupportedOperation indicates the provider cannot fulfill the requested action.
var ErrUnsupportedOperation = errors.New("unsupported provider operation")

// ErrUpstreamInterrupted indicates the upstream stream dropped before
// signalling completion.
var ErrUpstreamInterrupted = errors.New("upstream stream interrupted")

// UpstreamError carries a failure status returned by a provider.
type UpstreamError struct {
	Provider string
	Status   int
	Type     string
	Message  string
}

func (e *UpstreamError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("provider %s error (%s): %s", e.Provider, e.Type, e.Message)
	}
	return fmt.Sprintf("provider %s error status %d: %s", e.Provider, e.Status, e.Message)
}

// Provider defines the behaviour required to serve unified requests.
type Provider interface {
	Name() string
	ListModels(ctx context.Context) ([]models.Model, error)
	Chat(ctx context.Context, req models.UnifiedChatRequest) (*models.UnifiedChatResponse, error)
	ChatStream(ctx context.Context, req models.UnifiedChatRequest) (*Stream, error)
	Embed(ctx context.Context, req models.UnifiedEmbeddingRequest) (*models.UnifiedEmbeddingResponse, error)
}

// Stream is a live upstream streaming call. Events delivers translated
// chunks in upstream order on a bounded channel; Errs reports at most one
// terminal read failure. The consumer must call Close to release the
// upstream connection.
type Stream struct {
	Events <-chan models.StreamEvent
	Errs   <-chan error

	closeFn func() error
}

// NewStream wraps channels produced by a provider's reader goroutine.
func NewStream(events <-chan models.StreamEvent, errs <-chan error, closeFn func() error) *Stream {
	return &Stream{
		Events:  events,
		Errs:    errs,
		closeFn: closeFn,
	}
}

// Close releases the upstream connection. Safe to call after the event
// channel has been drained.
func (s *Stream) Close() error {
	if s.closeFn != nil {
		return s.closeFn()
	}
	return nil
}
