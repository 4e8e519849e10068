// Package channel implements real-time topic messaging. A topic is a
// named group of connected members that all receive the same
// broadcasts; topics map one-to-one to channel routes and are created
// lazily on first join and destroyed when the last member leaves.
//
// Two route kinds share the hub: duplex socket routes, where members
// both send and receive, and one-way stream routes, where members only
// receive broadcasts framed as server-sent events.
package channel

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Kind distinguishes the two channel route flavors in topic names so
// that a socket route and a stream route at the same directory never
// collide.
type Kind string

const (
	// KindSocket is a bidirectional websocket route.
	KindSocket Kind = "ws"

	// KindStream is a one-way event-stream route.
	KindStream Kind = "sse"
)

// Message is one inbound application message from a duplex member.
// The hub never interprets Type; dispatch on it belongs to the route's
// OnMessage callback.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// TopicContext is the per-topic capability handed to route callbacks.
type TopicContext interface {
	// Name returns the topic name.
	Name() string

	// Broadcast delivers an event to every current member, including
	// the sender. Sender exclusion, when wanted, is the callback's
	// job.
	Broadcast(event string, payload interface{})

	// Members returns a snapshot of the current membership.
	Members() []*Member
}

// Handler is the lifecycle contract of one channel route. Each route
// supplies one implementation instance.
type Handler interface {
	// OnAuthorize gates admission. It runs synchronously before any
	// member is created; returning false rejects the connection with
	// no partial membership left behind.
	OnAuthorize(r *http.Request, identity map[string]interface{}) bool

	// OnJoin runs after the member has been added to the topic. It
	// may broadcast.
	OnJoin(member *Member, topic TopicContext)

	// OnMessage receives each inbound message from a duplex member.
	OnMessage(member *Member, msg Message, topic TopicContext)

	// OnLeave runs after the member has been removed from the topic.
	OnLeave(member *Member, topic TopicContext)
}

// TopicName derives the deterministic topic name for a channel route
// directory. The kind prefixes the cleaned directory segments, so the
// same route file always maps to the same topic across restarts.
func TopicName(kind Kind, dir string) string {
	segs := make([]string, 0, 4)
	for i, seg := range strings.Split(strings.Trim(dir, "/"), "/") {
		if seg == "" {
			continue
		}
		// The conventional prefixes carry no identity of their own.
		if i == 0 && seg == "app" {
			continue
		}
		if len(segs) == 0 && (seg == "ws" || seg == "sockets" || seg == "sse" || seg == "streams") {
			continue
		}
		segs = append(segs, seg)
	}
	return string(kind) + ":" + strings.Join(segs, "/")
}

// frame is the wire shape of one broadcast event.
type frame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// encodeFrame serializes a broadcast for transport.
func encodeFrame(event string, payload interface{}) ([]byte, error) {
	return json.Marshal(frame{Event: event, Data: payload})
}

// decodedFrame is the receive-side view of a broadcast frame.
type decodedFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}
