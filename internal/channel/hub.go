package channel

import (
	"context"
	"sync"

	"github.com/treelineapp/treeline/internal/observability"
	"github.com/treelineapp/treeline/internal/util"
)

// Bridge propagates broadcasts across hub instances. Frames published
// here reach every peer hub, which fans them out to its local members.
type Bridge interface {
	Publish(ctx context.Context, topic string, data []byte) error
}

// Hub is the topic registry. It owns membership and broadcast fan-out;
// authorization and transport handling live in the route adapters.
type Hub struct {
	logger  observability.Logger
	metrics *observability.Metrics
	bridge  Bridge

	mu     sync.RWMutex
	topics map[string]*Topic
	closed bool
}

// HubOption is a functional option for configuring the Hub.
type HubOption func(*Hub)

// WithHubLogger sets the logger.
func WithHubLogger(logger observability.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithHubMetrics sets the metrics sink.
func WithHubMetrics(m *observability.Metrics) HubOption {
	return func(h *Hub) {
		h.metrics = m
	}
}

// WithBridge attaches a cross-instance broadcast bridge.
func WithBridge(b Bridge) HubOption {
	return func(h *Hub) {
		h.bridge = b
	}
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		logger: observability.NopLogger(),
		topics: make(map[string]*Topic),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Join adds an already-authorized member to the named topic, creating
// the topic on first join, then runs the route's OnJoin callback. The
// returned TopicContext is what the member's callbacks receive.
func (h *Hub) Join(name string, handler Handler, m *Member) (TopicContext, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, util.ErrHubClosed
	}

	t, ok := h.topics[name]
	if !ok {
		t = &Topic{
			name:    name,
			hub:     h,
			handler: handler,
			members: make(map[string]*Member),
		}
		h.topics[name] = t
	}

	// Insert before releasing the hub lock so a concurrent last-leave
	// cannot delete the topic out from under this member, and a
	// concurrent Close cannot miss it in its shutdown snapshot.
	t.mu.Lock()
	t.members[m.ID] = m
	t.mu.Unlock()
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.MemberJoined(name)
	}
	h.logger.Debug("member joined",
		observability.String("topic", name),
		observability.String("member", m.ID),
	)

	handler.OnJoin(m, t)
	return t, nil
}

// Leave removes the member from the named topic, runs OnLeave, and
// destroys the topic if it became empty. Safe to call more than once;
// only the first removal has effects.
func (h *Hub) Leave(name string, m *Member) {
	h.mu.Lock()
	t, ok := h.topics[name]
	h.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	_, present := t.members[m.ID]
	delete(t.members, m.ID)
	empty := len(t.members) == 0
	t.mu.Unlock()

	if !present {
		return
	}
	m.Close()

	if empty {
		h.mu.Lock()
		// Re-check under the hub lock: a concurrent Join may have
		// repopulated the topic in the window above.
		t.mu.Lock()
		if len(t.members) == 0 {
			delete(h.topics, name)
		}
		t.mu.Unlock()
		h.mu.Unlock()
	}

	if h.metrics != nil {
		h.metrics.MemberLeft(name)
	}
	h.logger.Debug("member left",
		observability.String("topic", name),
		observability.String("member", m.ID),
	)

	t.handler.OnLeave(m, t)
}

// Dispatch routes one inbound message to the topic's OnMessage
// callback. Messages for topics the member no longer belongs to are
// dropped.
func (h *Hub) Dispatch(name string, m *Member, msg Message) {
	h.mu.RLock()
	t, ok := h.topics[name]
	h.mu.RUnlock()
	if !ok {
		return
	}

	t.mu.RLock()
	_, member := t.members[m.ID]
	t.mu.RUnlock()
	if !member {
		return
	}

	t.handler.OnMessage(m, msg, t)
}

// Broadcast publishes an event to the named topic from outside any
// membership, for server-initiated pushes such as job results. A topic
// with no members is a no-op.
func (h *Hub) Broadcast(name, event string, payload interface{}) {
	h.mu.RLock()
	t, ok := h.topics[name]
	h.mu.RUnlock()
	if !ok {
		return
	}
	t.Broadcast(event, payload)
}

// DeliverLocal fans a pre-encoded frame out to local members only,
// without re-publishing to the bridge. The bridge uses it for frames
// received from peer instances.
func (h *Hub) DeliverLocal(name string, data []byte) {
	h.mu.RLock()
	t, ok := h.topics[name]
	h.mu.RUnlock()
	if !ok {
		return
	}
	t.fanOut(data)
}

// TopicNames returns the names of all live topics.
func (h *Hub) TopicNames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.topics))
	for name := range h.topics {
		names = append(names, name)
	}
	return names
}

// Close shuts the hub down: no further joins are admitted and every
// member is closed so its transport unwinds.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	topics := make([]*Topic, 0, len(h.topics))
	for _, t := range h.topics {
		topics = append(topics, t)
	}
	h.mu.Unlock()

	for _, t := range topics {
		for _, m := range t.Members() {
			m.Close()
		}
	}

	h.logger.Info("channel hub closed")
}

// Closed reports whether Close has been called.
func (h *Hub) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// Topic is one live named member group. It implements TopicContext.
type Topic struct {
	name    string
	hub     *Hub
	handler Handler

	mu      sync.RWMutex
	members map[string]*Member
}

// Name returns the topic name.
func (t *Topic) Name() string {
	return t.name
}

// Members returns a point-in-time membership snapshot. Broadcast
// iterates a snapshot too, so members leaving mid-broadcast never
// fault the fan-out.
func (t *Topic) Members() []*Member {
	t.mu.RLock()
	defer t.mu.RUnlock()

	members := make([]*Member, 0, len(t.members))
	for _, m := range t.members {
		members = append(members, m)
	}
	return members
}

// Broadcast encodes the event once and delivers it to every current
// member, then publishes it to the bridge for peer instances.
func (t *Topic) Broadcast(event string, payload interface{}) {
	data, err := encodeFrame(event, payload)
	if err != nil {
		t.hub.logger.Error("broadcast payload not serializable",
			observability.String("topic", t.name),
			observability.String("event", event),
			observability.Error(err),
		)
		return
	}

	t.fanOut(data)

	if t.hub.metrics != nil {
		t.hub.metrics.ObserveBroadcast(t.name)
	}

	if t.hub.bridge != nil {
		if err := t.hub.bridge.Publish(context.Background(), t.name, data); err != nil {
			t.hub.logger.Warn("bridge publish failed",
				observability.String("topic", t.name),
				observability.Error(err),
			)
		}
	}
}

// fanOut delivers one encoded frame to a snapshot of the membership.
func (t *Topic) fanOut(data []byte) {
	for _, m := range t.Members() {
		if !m.deliver(data) && m.Closed() {
			t.hub.logger.Warn("dropping unresponsive member",
				observability.String("topic", t.name),
				observability.String("member", m.ID),
			)
		}
	}
}
