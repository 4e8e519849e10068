package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/treelineapp/treeline/internal/observability"
	"github.com/treelineapp/treeline/internal/routing"
	"github.com/treelineapp/treeline/internal/util"
)

const (
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = (pongTimeout * 9) / 10
	maxMessageSize = 64 << 10
)

// SocketRoute adapts one duplex channel route to the dispatcher: it
// authorizes, upgrades to a websocket, registers the member, and runs
// the read/write pumps until disconnect.
type SocketRoute struct {
	hub     *Hub
	topic   string
	handler Handler
	logger  observability.Logger

	upgrader    websocket.Upgrader
	msgRate     rate.Limit
	msgBurst    int
	sendBuffer  int
	checkOrigin func(r *http.Request) bool
}

// SocketOption is a functional option for configuring a SocketRoute.
type SocketOption func(*SocketRoute)

// WithSocketLogger sets the logger.
func WithSocketLogger(logger observability.Logger) SocketOption {
	return func(sr *SocketRoute) {
		sr.logger = logger
	}
}

// WithMessageRate caps inbound messages per member. Messages over the
// limit are dropped, not queued.
func WithMessageRate(perSecond float64, burst int) SocketOption {
	return func(sr *SocketRoute) {
		sr.msgRate = rate.Limit(perSecond)
		sr.msgBurst = burst
	}
}

// WithSendBuffer sets the per-member outbound buffer size.
func WithSendBuffer(n int) SocketOption {
	return func(sr *SocketRoute) {
		sr.sendBuffer = n
	}
}

// WithOriginCheck replaces the upgrade origin check.
func WithOriginCheck(fn func(r *http.Request) bool) SocketOption {
	return func(sr *SocketRoute) {
		sr.checkOrigin = fn
	}
}

// NewSocketRoute creates the adapter for one duplex route directory.
func NewSocketRoute(hub *Hub, dir string, handler Handler, opts ...SocketOption) *SocketRoute {
	sr := &SocketRoute{
		hub:     hub,
		topic:   TopicName(KindSocket, dir),
		handler: handler,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(sr)
	}

	sr.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     sr.checkOrigin,
	}
	return sr
}

// Topic returns the topic name this route feeds.
func (sr *SocketRoute) Topic() string {
	return sr.topic
}

// Handle is the routing.Handler for the channel route. It returns
// routing.Handled because the upgrade takes over the connection.
func (sr *SocketRoute) Handle(_ context.Context, req *routing.Request) (interface{}, error) {
	identity := identityFromRequest(req.HTTP)

	if !sr.handler.OnAuthorize(req.HTTP, identity) {
		return nil, util.NewAuthorizationError(sr.topic, "join rejected")
	}

	conn, err := sr.upgrader.Upgrade(req.Writer, req.HTTP, nil)
	if err != nil {
		// The upgrader has already written the failure response.
		sr.logger.Warn("websocket upgrade failed",
			observability.String("topic", sr.topic),
			observability.Error(err),
		)
		return routing.Handled, nil
	}

	member := NewMemberWithBuffer(identity, sr.sendBuffer)
	if _, err := sr.hub.Join(sr.topic, sr.handler, member); err != nil {
		_ = conn.Close()
		return routing.Handled, nil
	}

	go sr.writePump(conn, member)
	sr.readPump(conn, member)

	return routing.Handled, nil
}

// readPump consumes inbound frames until the connection drops, then
// removes the member. It runs on the request goroutine.
func (sr *SocketRoute) readPump(conn *websocket.Conn, member *Member) {
	defer func() {
		sr.hub.Leave(sr.topic, member)
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	var limiter *rate.Limiter
	if sr.msgRate > 0 {
		limiter = rate.NewLimiter(sr.msgRate, sr.msgBurst)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				sr.logger.Debug("websocket read error",
					observability.String("topic", sr.topic),
					observability.String("member", member.ID),
					observability.Error(err),
				)
			}
			return
		}

		if limiter != nil && !limiter.Allow() {
			sr.logger.Warn("inbound message rate exceeded, dropping",
				observability.String("topic", sr.topic),
				observability.String("member", member.ID),
			)
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			sr.logger.Debug("malformed channel message dropped",
				observability.String("topic", sr.topic),
				observability.String("member", member.ID),
			)
			continue
		}

		sr.hub.Dispatch(sr.topic, member, msg)
	}
}

// writePump moves the member's outbox onto the wire and keeps the
// connection alive with pings. Exits when the member closes.
func (sr *SocketRoute) writePump(conn *websocket.Conn, member *Member) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case <-member.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case data := <-member.Outbox():
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// identityFromRequest collects the proposed identity data presented at
// connect time: query parameters, first value wins.
func identityFromRequest(r *http.Request) map[string]interface{} {
	identity := make(map[string]interface{})
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			identity[key] = values[0]
		}
	}
	return identity
}
