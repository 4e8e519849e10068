// Package stream turns a producer of discrete events into a long-lived,
// cancellable one-way HTTP response framed as server-sent events.
//
// The producer runs in its own goroutine and pushes values into a
// bounded channel; the consumer side frames and flushes each value in
// production order. Backpressure and cancellation are explicit: a slow
// consumer blocks the producer on the channel send, and a consumer
// disconnect cancels the producer's context so it stops at its next
// suspension point.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/treelineapp/treeline/internal/observability"
	"github.com/treelineapp/treeline/internal/util"
)

// defaultBuffer is the default event channel capacity.
const defaultBuffer = 16

// Event is one discrete item produced on a stream.
type Event struct {
	// Name is the SSE event name; empty means an unnamed data frame.
	Name string

	// Data is JSON-serialized into the frame payload.
	Data interface{}
}

// Producer generates events until it returns. It must stop promptly
// when ctx is cancelled: a disconnected consumer must not leave the
// producer running unboundedly. Sends to out block when the consumer
// lags; selecting on ctx.Done() alongside the send is the conventional
// shape:
//
//	select {
//	case out <- ev:
//	case <-ctx.Done():
//	    return ctx.Err()
//	}
//
// Returning nil closes the stream cleanly; returning an error closes
// it and the error is logged, not retried.
type Producer func(ctx context.Context, out chan<- Event) error

// Stream is a handle returned by route handlers to answer a request
// with an event stream. It is single-use: the producer is not
// restartable.
type Stream struct {
	producer Producer
	buffer   int
	logger   observability.Logger
	onEvent  func()
}

// Option configures a Stream.
type Option func(*Stream)

// WithBuffer sets the event channel capacity.
func WithBuffer(n int) Option {
	return func(s *Stream) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Stream) {
		s.logger = logger
	}
}

// WithEventObserver registers a callback invoked once per delivered
// event, used for metrics.
func WithEventObserver(fn func()) Option {
	return func(s *Stream) {
		s.onEvent = fn
	}
}

// OnEvent chains an additional per-event callback onto the stream.
// The dispatcher uses it to attach metrics to handler-built streams.
func (s *Stream) OnEvent(fn func()) {
	prev := s.onEvent
	if prev == nil {
		s.onEvent = fn
		return
	}
	s.onEvent = func() {
		prev()
		fn()
	}
}

// New creates a stream around the given producer.
func New(producer Producer, opts ...Option) *Stream {
	s := &Stream{
		producer: producer,
		buffer:   defaultBuffer,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve writes the stream to w as server-sent events until the
// producer completes, fails, or the consumer disconnects — whichever
// comes first. On disconnect the producer context is cancelled and
// Serve drains until the producer goroutine exits.
func (s *Stream) Serve(w http.ResponseWriter, r *http.Request) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support streaming")
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan Event, s.buffer)
	done := make(chan error, 1)

	go func() {
		defer close(events)
		done <- s.producer(ctx, events)
	}()

	for {
		select {
		case <-ctx.Done():
			// Consumer gone: stop the producer and wait for it to
			// release its resources.
			cancel()
			for range events {
			}
			<-done
			return util.ErrStreamClosed

		case ev, open := <-events:
			if !open {
				err := <-done
				if err != nil && ctx.Err() == nil {
					s.logger.Error("stream producer failed",
						observability.Error(err),
					)
					return err
				}
				return nil
			}

			if err := writeEvent(w, ev); err != nil {
				cancel()
				for range events {
				}
				<-done
				return err
			}
			flusher.Flush()

			if s.onEvent != nil {
				s.onEvent()
			}
		}
	}
}

// writeEvent frames one event in SSE wire format.
func writeEvent(w http.ResponseWriter, ev Event) error {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("failed to encode stream event: %w", err)
	}

	if ev.Name != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", ev.Name); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}
