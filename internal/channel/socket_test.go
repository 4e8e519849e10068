package channel

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treelineapp/treeline/internal/routing"
	"github.com/treelineapp/treeline/internal/stream"
	"github.com/treelineapp/treeline/internal/util"
)

// serveRoute exposes a channel route handler over httptest, the same
// way the dispatcher would invoke it.
func serveRoute(t *testing.T, handle routing.Handler) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := &routing.Request{
			HTTP:   r,
			Writer: w,
			Query:  r.URL.Query(),
			Values: routing.Values{},
		}
		value, err := handle(r.Context(), req)
		if err != nil {
			util.WriteError(w, err)
			return
		}
		if s, ok := value.(*stream.Stream); ok {
			_ = s.Serve(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSocketRoute_MessageBroadcast(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	route := NewSocketRoute(hub, "app/ws/chat", HandlerFuncs{
		Message: func(_ *Member, msg Message, topic TopicContext) {
			if msg.Type == "say" {
				topic.Broadcast("said", json.RawMessage(msg.Data))
			}
		},
	})

	srv := serveRoute(t, route.Handle)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.WriteJSON(Message{Type: "say", Data: json.RawMessage(`"hi there"`)}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	var f decodedFrame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, "said", f.Event)
	assert.JSONEq(t, `"hi there"`, string(f.Data))
}

func TestSocketRoute_RejectedAuthorization(t *testing.T) {
	t.Parallel()

	var joined atomic.Bool

	hub := NewHub()
	route := NewSocketRoute(hub, "app/ws/vip", HandlerFuncs{
		Authorize: func(_ *http.Request, identity map[string]interface{}) bool {
			return identity["token"] == "secret"
		},
		Join: func(_ *Member, _ TopicContext) { joined.Store(true) },
	})

	srv := serveRoute(t, route.Handle)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.False(t, joined.Load(), "no membership may exist after a rejected join")
	assert.Empty(t, hub.TopicNames())

	// The same route admits a correctly identified client.
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?token=secret", nil)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestSocketRoute_IdentityFromQuery(t *testing.T) {
	t.Parallel()

	names := make(chan string, 1)

	hub := NewHub()
	route := NewSocketRoute(hub, "app/ws/chat", HandlerFuncs{
		Join: func(m *Member, _ TopicContext) {
			name, _ := m.Data["name"].(string)
			names <- name
		},
	})

	srv := serveRoute(t, route.Handle)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?name=ada", nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	select {
	case name := <-names:
		assert.Equal(t, "ada", name)
	case <-time.After(time.Second):
		t.Fatal("join callback never ran")
	}
}

func TestSocketRoute_DisconnectTriggersLeave(t *testing.T) {
	t.Parallel()

	left := make(chan struct{})

	hub := NewHub()
	route := NewSocketRoute(hub, "app/ws/chat", HandlerFuncs{
		Leave: func(_ *Member, _ TopicContext) { close(left) },
	})

	srv := serveRoute(t, route.Handle)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	select {
	case <-left:
	case <-time.After(time.Second):
		t.Fatal("leave callback never ran after disconnect")
	}
	assert.Empty(t, hub.TopicNames())
}

func TestStreamRoute_BroadcastsArriveAsEvents(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	route := NewStreamRoute(hub, "app/sse/feed", HandlerFuncs{
		Join: func(_ *Member, topic TopicContext) {
			topic.Broadcast("welcome", map[string]string{"motd": "hello"})
		},
	})

	srv := serveRoute(t, route.Handle)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	var sawEvent, sawData bool
	for !sawEvent || !sawData {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "event: welcome") {
			sawEvent = true
		}
		if strings.Contains(line, `"motd":"hello"`) {
			sawData = true
		}
	}
}

func TestStreamRoute_DisconnectRemovesMember(t *testing.T) {
	t.Parallel()

	left := make(chan struct{})

	hub := NewHub()
	route := NewStreamRoute(hub, "app/sse/feed", HandlerFuncs{
		Join: func(_ *Member, topic TopicContext) {
			topic.Broadcast("welcome", nil)
		},
		Leave: func(_ *Member, _ TopicContext) { close(left) },
	})

	srv := serveRoute(t, route.Handle)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)

	// Wait for the first frame so the member is fully joined, then
	// disconnect.
	reader := bufio.NewReader(resp.Body)
	_, err = reader.ReadString('\n')
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	select {
	case <-left:
	case <-time.After(2 * time.Second):
		t.Fatal("stream member not removed after consumer disconnect")
	}
	assert.Empty(t, hub.TopicNames())
}

func TestStreamRoute_RejectedAuthorization(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	route := NewStreamRoute(hub, "app/sse/private", HandlerFuncs{
		Authorize: func(_ *http.Request, _ map[string]interface{}) bool { return false },
	})

	srv := serveRoute(t, route.Handle)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, hub.TopicNames())
}
