// Package stream manages a single upstream streaming call, forwarding
// translated events to the client as Server-Sent Events. One goroutine on
// the provider side pushes chunks onto a bounded channel; the HTTP writer
// drains it here, so a slow client applies backpressure naturally.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"modelgate/internal/models"
	"modelgate/internal/provider"
)

// Frame is one rendered SSE frame. Event is the optional `event:` field
// name; Data is the JSON payload written after `data:`.
type Frame struct {
	Event string
	Data  []byte
}

// Encoder renders canonical stream events into dialect-specific SSE frames.
// Implementations are stateful and single-use: one encoder per stream.
type Encoder interface {
	// Open returns frames emitted before any upstream event is forwarded.
	Open() []Frame
	// Encode renders one upstream event. Unknown event types must be passed
	// through with a generic tag rather than rejected.
	Encode(ev models.StreamEvent) ([]Frame, error)
	// Completed returns frames emitted when upstream finishes gracefully.
	Completed() []Frame
	// Interrupted returns the in-band error frames emitted when the upstream
	// stream drops before signalling completion.
	Interrupted(err error) []Frame
}

// Writer emits SSE frames to the client and guarantees the terminal [DONE]
// marker is written exactly once.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
	done    bool
}

// NewWriter wraps an HTTP response writer for SSE output.
func NewWriter(w io.Writer, flusher http.Flusher) *Writer {
	return &Writer{w: w, flusher: flusher}
}

// WriteFrame writes one SSE frame and flushes it to the client.
func (w *Writer) WriteFrame(f Frame) error {
	if w.done {
		return errors.New("stream already closed")
	}
	if f.Event != "" {
		if _, err := fmt.Fprintf(w.w, "event: %s\n", f.Event); err != nil {
			return fmt.Errorf("write SSE event name: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", f.Data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	w.flush()
	return nil
}

// WriteFrames writes a batch of frames in order.
func (w *Writer) WriteFrames(frames []Frame) error {
	for _, f := range frames {
		if err := w.WriteFrame(f); err != nil {
			return err
		}
	}
	return nil
}

// WriteDone writes the terminal [DONE] marker. Subsequent calls are no-ops
// so a stream can never terminate twice.
func (w *Writer) WriteDone() error {
	if w.done {
		return nil
	}
	w.done = true
	if _, err := fmt.Fprint(w.w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("write done marker: %w", err)
	}
	w.flush()
	return nil
}

// Closed reports whether the terminal marker has been written.
func (w *Writer) Closed() bool {
	return w.done
}

func (w *Writer) flush() {
	if w.flusher != nil {
		w.flusher.Flush()
	}
}

// Forward drains the upstream stream into the writer until upstream
// completes, fails, or ctx is cancelled. Events are forwarded in the exact
// order received. The upstream connection is always released.
//
// The stream moves through three states: opened (before the first upstream
// event), emitting (one transition per forwarded event), and closed. The
// closed transition writes exactly one [DONE] frame, synthesized here if
// upstream never sent its own terminator. An upstream read failure produces
// the encoder's in-band error frames followed by [DONE], never a bare
// connection close.
func Forward(ctx context.Context, w *Writer, enc Encoder, up *provider.Stream) error {
	defer up.Close()

	if err := w.WriteFrames(enc.Open()); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			// Client gone or deadline elapsed; stop forwarding immediately.
			return ctx.Err()

		case ev, ok := <-up.Events:
			if !ok {
				// The reader closes Events after sending a terminal failure
				// on Errs; both cases can be ready at once, and the select
				// picks between them at random. Drain a pending error before
				// treating the closed channel as graceful completion.
				select {
				case err := <-up.Errs:
					if err != nil {
						if writeErr := w.WriteFrames(enc.Interrupted(err)); writeErr != nil {
							return writeErr
						}
						return w.WriteDone()
					}
				default:
				}
				if err := w.WriteFrames(enc.Completed()); err != nil {
					return err
				}
				return w.WriteDone()
			}
			if ev.Type == models.EventDone {
				if err := w.WriteFrames(enc.Completed()); err != nil {
					return err
				}
				return w.WriteDone()
			}

			frames, err := enc.Encode(ev)
			if err != nil {
				if writeErr := w.WriteFrames(enc.Interrupted(err)); writeErr != nil {
					return writeErr
				}
				return w.WriteDone()
			}
			if err := w.WriteFrames(frames); err != nil {
				return err
			}

		case err := <-up.Errs:
			if err == nil {
				continue
			}
			if writeErr := w.WriteFrames(enc.Interrupted(err)); writeErr != nil {
				return writeErr
			}
			return w.WriteDone()
		}
	}
}
