package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelgate/internal/models"
	"modelgate/internal/provider"
)

// passthroughEncoder forwards chunk payloads verbatim and records
// interruptions as a single error frame, mirroring the chat dialect.
type passthroughEncoder struct{}

func (passthroughEncoder) Open() []Frame { return nil }

func (passthroughEncoder) Encode(ev models.StreamEvent) ([]Frame, error) {
	return []Frame{{Data: ev.Data}}, nil
}

func (passthroughEncoder) Completed() []Frame { return nil }

func (passthroughEncoder) Interrupted(err error) []Frame {
	return []Frame{{Data: []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))}}
}

type failingEncoder struct {
	passthroughEncoder
}

func (failingEncoder) Encode(ev models.StreamEvent) ([]Frame, error) {
	return nil, errors.New("malformed chunk")
}

func upstreamOf(events []models.StreamEvent, readErr error) (*provider.Stream, *bool) {
	eventCh := make(chan models.StreamEvent, len(events))
	errCh := make(chan error, 1)
	for _, ev := range events {
		eventCh <- ev
	}
	if readErr != nil {
		errCh <- readErr
	} else {
		close(eventCh)
	}

	closed := false
	return provider.NewStream(eventCh, errCh, func() error {
		closed = true
		return nil
	}), &closed
}

func chunk(payload string) models.StreamEvent {
	return models.StreamEvent{Type: models.EventChunk, Data: json.RawMessage(payload)}
}

func countDone(body string) int {
	return strings.Count(body, "data: [DONE]")
}

func TestWriterWritesDoneExactlyOnce(t *testing.T) {
	t.Parallel()

	var buf strings.Builder
	w := NewWriter(&buf, nil)

	require.NoError(t, w.WriteDone())
	require.NoError(t, w.WriteDone())
	require.NoError(t, w.WriteDone())

	assert.Equal(t, 1, countDone(buf.String()))
	assert.True(t, w.Closed())

	// The stream is sealed after the terminal marker.
	err := w.WriteFrame(Frame{Data: []byte(`{}`)})
	require.Error(t, err)
}

func TestWriterFrameFormat(t *testing.T) {
	t.Parallel()

	var buf strings.Builder
	w := NewWriter(&buf, nil)

	require.NoError(t, w.WriteFrame(Frame{Data: []byte(`{"a":1}`)}))
	require.NoError(t, w.WriteFrame(Frame{Event: "response.created", Data: []byte(`{"b":2}`)}))

	assert.Equal(t, "data: {\"a\":1}\n\nevent: response.created\ndata: {\"b\":2}\n\n", buf.String())
}

func TestForwardGracefulCloseSynthesizesDone(t *testing.T) {
	t.Parallel()

	// Upstream ends without ever sending its own terminator.
	up, closed := upstreamOf([]models.StreamEvent{
		chunk(`{"n":1}`),
		chunk(`{"n":2}`),
	}, nil)

	var buf strings.Builder
	w := NewWriter(&buf, nil)

	require.NoError(t, Forward(context.Background(), w, passthroughEncoder{}, up))

	body := buf.String()
	assert.Contains(t, body, `data: {"n":1}`)
	assert.Contains(t, body, `data: {"n":2}`)
	assert.Equal(t, 1, countDone(body))
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
	assert.True(t, *closed, "upstream connection must be released")
}

func TestForwardUpstreamDoneMarker(t *testing.T) {
	t.Parallel()

	eventCh := make(chan models.StreamEvent, 2)
	eventCh <- chunk(`{"n":1}`)
	eventCh <- models.StreamEvent{Type: models.EventDone}
	errCh := make(chan error, 1)
	up := provider.NewStream(eventCh, errCh, nil)

	var buf strings.Builder
	w := NewWriter(&buf, nil)

	require.NoError(t, Forward(context.Background(), w, passthroughEncoder{}, up))
	assert.Equal(t, 1, countDone(buf.String()))
}

func TestForwardPreservesEventOrder(t *testing.T) {
	t.Parallel()

	events := make([]models.StreamEvent, 20)
	for i := range events {
		events[i] = chunk(fmt.Sprintf(`{"n":%d}`, i))
	}
	up, _ := upstreamOf(events, nil)

	var buf strings.Builder
	w := NewWriter(&buf, nil)
	require.NoError(t, Forward(context.Background(), w, passthroughEncoder{}, up))

	body := buf.String()
	last := -1
	for i := range events {
		pos := strings.Index(body, fmt.Sprintf(`{"n":%d}`, i))
		require.Greater(t, pos, last, "event %d out of order", i)
		last = pos
	}
}

func TestForwardUpstreamInterruption(t *testing.T) {
	t.Parallel()

	up, closed := upstreamOf(nil, fmt.Errorf("%w: connection reset", provider.ErrUpstreamInterrupted))

	var buf strings.Builder
	w := NewWriter(&buf, nil)

	require.NoError(t, Forward(context.Background(), w, passthroughEncoder{}, up))

	body := buf.String()
	assert.Contains(t, body, "connection reset")
	assert.Equal(t, 1, countDone(body))
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"),
		"the error frame must precede the terminal marker")
	assert.True(t, *closed)
}

func TestForwardInterruptionAfterEventsClose(t *testing.T) {
	t.Parallel()

	// The provider reader sends its terminal error and then closes the event
	// channel, so both select cases are ready at once. The interruption must
	// win every time, never be rendered as graceful completion.
	for i := 0; i < 200; i++ {
		eventCh := make(chan models.StreamEvent)
		errCh := make(chan error, 1)
		errCh <- fmt.Errorf("%w: connection reset", provider.ErrUpstreamInterrupted)
		close(eventCh)
		up := provider.NewStream(eventCh, errCh, nil)

		var buf strings.Builder
		w := NewWriter(&buf, nil)

		require.NoError(t, Forward(context.Background(), w, passthroughEncoder{}, up))

		body := buf.String()
		require.Contains(t, body, "connection reset", "run %d lost the pending error", i)
		require.Equal(t, 1, countDone(body))
	}
}

func TestForwardEncodeFailureTerminatesInBand(t *testing.T) {
	t.Parallel()

	up, _ := upstreamOf([]models.StreamEvent{chunk(`{"n":1}`)}, nil)

	var buf strings.Builder
	w := NewWriter(&buf, nil)

	require.NoError(t, Forward(context.Background(), w, failingEncoder{}, up))

	body := buf.String()
	assert.Contains(t, body, "malformed chunk")
	assert.Equal(t, 1, countDone(body))
}

type cancellingEncoder struct {
	passthroughEncoder
	cancel context.CancelFunc
	count  int
	after  int
}

func (e *cancellingEncoder) Encode(ev models.StreamEvent) ([]Frame, error) {
	e.count++
	if e.count == e.after {
		e.cancel()
	}
	return e.passthroughEncoder.Encode(ev)
}

func TestForwardCancellationMidStream(t *testing.T) {
	t.Parallel()

	eventCh := make(chan models.StreamEvent)
	errCh := make(chan error)
	closed := false
	up := provider.NewStream(eventCh, errCh, func() error {
		closed = true
		return nil
	})

	go func() {
		eventCh <- chunk(`{"n":0}`)
		eventCh <- chunk(`{"n":1}`)
		// Upstream stays open; the consumer must stop on its own.
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var buf strings.Builder
	w := NewWriter(&buf, nil)

	err := Forward(ctx, w, &cancellingEncoder{cancel: cancel, after: 2}, up)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	body := buf.String()
	assert.Contains(t, body, `{"n":0}`)
	assert.Contains(t, body, `{"n":1}`)
	assert.Zero(t, countDone(body))
	assert.True(t, closed, "cancellation must release the upstream connection")
}

func TestForwardCancellation(t *testing.T) {
	t.Parallel()

	// Unbuffered upstream that never produces: cancellation must end the
	// forward loop rather than block forever.
	eventCh := make(chan models.StreamEvent)
	errCh := make(chan error)
	closed := false
	up := provider.NewStream(eventCh, errCh, func() error {
		closed = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf strings.Builder
	w := NewWriter(&buf, nil)

	err := Forward(ctx, w, passthroughEncoder{}, up)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, closed)
	assert.Zero(t, countDone(buf.String()), "a cancelled client gets no terminal marker")
}
