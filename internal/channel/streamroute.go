package channel

import (
	"context"
	"encoding/json"

	"github.com/treelineapp/treeline/internal/observability"
	"github.com/treelineapp/treeline/internal/routing"
	"github.com/treelineapp/treeline/internal/stream"
	"github.com/treelineapp/treeline/internal/util"
)

// StreamRoute adapts one event-stream channel route: members are
// receive-only, and broadcasts reach them as server-sent events. The
// member leaves when the consumer disconnects.
type StreamRoute struct {
	hub     *Hub
	topic   string
	handler Handler
	logger  observability.Logger
	buffer  int
}

// StreamRouteOption is a functional option for configuring a StreamRoute.
type StreamRouteOption func(*StreamRoute)

// WithStreamRouteLogger sets the logger.
func WithStreamRouteLogger(logger observability.Logger) StreamRouteOption {
	return func(sr *StreamRoute) {
		sr.logger = logger
	}
}

// WithStreamSendBuffer sets the per-member outbound buffer size.
func WithStreamSendBuffer(n int) StreamRouteOption {
	return func(sr *StreamRoute) {
		sr.buffer = n
	}
}

// NewStreamRoute creates the adapter for one stream route directory.
func NewStreamRoute(hub *Hub, dir string, handler Handler, opts ...StreamRouteOption) *StreamRoute {
	sr := &StreamRoute{
		hub:     hub,
		topic:   TopicName(KindStream, dir),
		handler: handler,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(sr)
	}
	return sr
}

// Topic returns the topic name this route feeds.
func (sr *StreamRoute) Topic() string {
	return sr.topic
}

// Handle is the routing.Handler for the stream route. It returns a
// stream handle whose producer forwards the member's broadcasts until
// the consumer disconnects or the hub closes the member.
func (sr *StreamRoute) Handle(_ context.Context, req *routing.Request) (interface{}, error) {
	identity := identityFromRequest(req.HTTP)

	if !sr.handler.OnAuthorize(req.HTTP, identity) {
		return nil, util.NewAuthorizationError(sr.topic, "join rejected")
	}

	member := NewMemberWithBuffer(identity, sr.buffer)
	if _, err := sr.hub.Join(sr.topic, sr.handler, member); err != nil {
		return nil, err
	}

	producer := func(ctx context.Context, out chan<- stream.Event) error {
		defer sr.hub.Leave(sr.topic, member)

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-member.Done():
				return nil
			case data := <-member.Outbox():
				var f decodedFrame
				if err := json.Unmarshal(data, &f); err != nil {
					continue
				}
				select {
				case out <- stream.Event{Name: f.Event, Data: f.Data}:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}

	return stream.New(producer, stream.WithLogger(sr.logger)), nil
}
