package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/treelineapp/treeline/internal/channel"
	"github.com/treelineapp/treeline/internal/jobs"
	"github.com/treelineapp/treeline/internal/observability"
	"github.com/treelineapp/treeline/internal/routing"
	"github.com/treelineapp/treeline/internal/stream"
	"github.com/treelineapp/treeline/internal/util"
)

// feedTopic is the topic fed by server-initiated pushes.
var feedTopic = channel.TopicName(channel.KindStream, "app/sse/feed")

// buildApplication registers the bundled application tree: routes,
// middleware scopes, background jobs, and channel routes.
func buildApplication(app *application) (*routing.Registry, error) {
	store := newItemStore()
	reg := routing.NewRegistry()

	// Root scope: the whole tree requires the API key when one is
	// configured. /auth below overrides this with a public scope.
	reg.Middleware("app", apiKeyMiddleware(os.Getenv("TREELINE_API_KEY")))
	reg.Middleware("app/auth", publicMiddleware())
	reg.Middleware("app/admin", adminMiddleware(), routing.Extend())

	reg.Route("GET", "app", infoHandler(app))
	reg.Route("GET", "app/users/[id]", userHandler())
	reg.Route("GET", "app/users/me", currentUserHandler())

	reg.Route("GET", "app/items", store.list)
	reg.Route("POST", "app/items", store.create,
		routing.WithBodySchema(requiredFields{fields: []string{"name"}}))
	reg.Route("DELETE", "app/items/[id]", store.remove)

	reg.Route("POST", "app/auth/login", loginHandler())
	reg.Route("GET", "app/admin/stats", statsHandler(app))

	reg.Route("POST", "app/jobs/[name]/trigger", triggerHandler(app),
		routing.WithBodySchema(anyBody{}))

	reg.Route("GET", "app/feed", tickerFeedHandler())

	if err := registerJobs(app, store); err != nil {
		return nil, err
	}
	if err := registerChannels(app, reg); err != nil {
		return nil, err
	}

	return reg, nil
}

// apiKeyMiddleware gates the tree on a shared key. An empty key leaves
// the server open, which suits local development.
func apiKeyMiddleware(key string) routing.Middleware {
	return func(_ context.Context, req *routing.Request) (*routing.MiddlewareResult, error) {
		if key == "" {
			return &routing.MiddlewareResult{}, nil
		}
		if req.HTTP.Header.Get("X-Api-Key") != key {
			return nil, util.ErrUnauthorized
		}
		return &routing.MiddlewareResult{Values: routing.Values{"authenticated": true}}, nil
	}
}

// publicMiddleware overrides an ancestor scope with a pass-through.
func publicMiddleware() routing.Middleware {
	return func(_ context.Context, _ *routing.Request) (*routing.MiddlewareResult, error) {
		return &routing.MiddlewareResult{}, nil
	}
}

// adminMiddleware extends the root scope with an admin token check.
func adminMiddleware() routing.Middleware {
	return func(_ context.Context, req *routing.Request) (*routing.MiddlewareResult, error) {
		if req.HTTP.Header.Get("X-Admin-Token") != os.Getenv("TREELINE_ADMIN_TOKEN") {
			return nil, util.ErrUnauthorized
		}
		return &routing.MiddlewareResult{Values: routing.Values{"admin": true}}, nil
	}
}

func infoHandler(app *application) routing.Handler {
	return func(_ context.Context, _ *routing.Request) (interface{}, error) {
		return map[string]interface{}{
			"service": app.cfg.Observability.ServiceName,
			"version": version,
		}, nil
	}
}

func userHandler() routing.Handler {
	users := map[string]map[string]string{
		"1": {"id": "1", "name": "ada"},
		"2": {"id": "2", "name": "grace"},
	}
	return func(_ context.Context, req *routing.Request) (interface{}, error) {
		user, ok := users[req.Params["id"]]
		if !ok {
			return nil, util.WrapError(util.ErrNotFound, "user "+req.Params["id"])
		}
		return user, nil
	}
}

func currentUserHandler() routing.Handler {
	return func(_ context.Context, _ *routing.Request) (interface{}, error) {
		return map[string]string{"id": "0", "name": "you"}, nil
	}
}

func loginHandler() routing.Handler {
	return func(_ context.Context, _ *routing.Request) (interface{}, error) {
		return &routing.Response{
			Status: http.StatusOK,
			Body:   map[string]string{"session": uuid.NewString()},
		}, nil
	}
}

func statsHandler(app *application) routing.Handler {
	return func(_ context.Context, _ *routing.Request) (interface{}, error) {
		return map[string]interface{}{
			"topics": app.hub.TopicNames(),
			"jobs":   app.scheduler.Names(),
		}, nil
	}
}

// triggerHandler exposes fire-and-forget job triggering. Only an
// unknown job name surfaces as an error; the run's outcome does not.
func triggerHandler(app *application) routing.Handler {
	return func(_ context.Context, req *routing.Request) (interface{}, error) {
		if err := app.scheduler.Trigger(req.Params["name"], req.Body); err != nil {
			return nil, err
		}
		return &routing.Response{
			Status: http.StatusAccepted,
			Body:   map[string]string{"job": req.Params["name"], "status": "triggered"},
		}, nil
	}
}

// tickerFeedHandler returns a paced event stream, one event a second.
func tickerFeedHandler() routing.Handler {
	return func(_ context.Context, _ *routing.Request) (interface{}, error) {
		producer := func(ctx context.Context, out chan<- stream.Event) error {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()

			for seq := 0; ; seq++ {
				select {
				case <-ctx.Done():
					return nil
				case t := <-ticker.C:
					ev := stream.Event{Name: "tick", Data: map[string]interface{}{
						"seq":  seq,
						"time": t.UTC().Format(time.RFC3339),
					}}
					select {
					case out <- ev:
					case <-ctx.Done():
						return nil
					}
				}
			}
		}
		return stream.New(producer), nil
	}
}

// registerJobs declares the bundled background jobs.
func registerJobs(app *application, store *itemStore) error {
	defs := []jobs.Definition{
		{
			Name:  "heartbeat",
			Every: 30 * time.Second,
			Run: func(_ context.Context, _ interface{}) error {
				app.hub.Broadcast(feedTopic, "heartbeat", map[string]string{
					"at": time.Now().UTC().Format(time.RFC3339),
				})
				return nil
			},
		},
		{
			Name: "cleanup",
			Cron: "0 * * * *",
			Run: func(_ context.Context, _ interface{}) error {
				removed := store.prune(24 * time.Hour)
				app.logger.Info("item store pruned",
					observability.Int("removed", removed),
				)
				return nil
			},
		},
		{
			Name: "announce",
			Run: func(_ context.Context, payload interface{}) error {
				app.hub.Broadcast(feedTopic, "announcement", payload)
				return nil
			},
		},
	}

	for _, def := range defs {
		if err := app.scheduler.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// registerChannels declares the bundled channel routes.
func registerChannels(app *application, reg *routing.Registry) error {
	// Chat admission requires a name in the connect query string.
	chatAuth, err := channel.NewCELAuthorizer(`"name" in identity`,
		channel.WithCELLogger(app.logger))
	if err != nil {
		return err
	}

	chat := channel.NewSocketRoute(app.hub, "app/ws/chat", channel.HandlerFuncs{
		Authorize: chatAuth.Authorize,
		Join: func(m *channel.Member, topic channel.TopicContext) {
			topic.Broadcast("presence", map[string]interface{}{
				"joined": m.Data["name"],
				"count":  len(topic.Members()),
			})
		},
		Message: func(m *channel.Member, msg channel.Message, topic channel.TopicContext) {
			if msg.Type != "say" {
				return
			}
			topic.Broadcast("message", map[string]interface{}{
				"from": m.Data["name"],
				"text": json.RawMessage(msg.Data),
			})
		},
		Leave: func(m *channel.Member, topic channel.TopicContext) {
			topic.Broadcast("presence", map[string]interface{}{
				"left":  m.Data["name"],
				"count": len(topic.Members()),
			})
		},
	},
		channel.WithSocketLogger(app.logger),
		channel.WithMessageRate(app.cfg.Channels.MessageRate, app.cfg.Channels.MessageBurst),
		channel.WithSendBuffer(app.cfg.Channels.SendBuffer),
	)
	reg.Route("GET", "app/ws/chat", chat.Handle)

	// The feed stream carries server pushes from the jobs above.
	feed := channel.NewStreamRoute(app.hub, "app/sse/feed", channel.HandlerFuncs{},
		channel.WithStreamRouteLogger(app.logger),
		channel.WithStreamSendBuffer(app.cfg.Channels.SendBuffer),
	)
	reg.Route("GET", "app/sse/feed", feed.Handle)

	return nil
}

// itemStore is the in-memory data source backing the item routes.
type itemStore struct {
	mu    sync.Mutex
	items map[string]item
}

type item struct {
	ID        string                 `json:"id"`
	Fields    map[string]interface{} `json:"fields"`
	CreatedAt time.Time              `json:"createdAt"`
}

func newItemStore() *itemStore {
	return &itemStore{items: make(map[string]item)}
}

func (s *itemStore) list(_ context.Context, _ *routing.Request) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]item, 0, len(s.items))
	for _, it := range s.items {
		items = append(items, it)
	}
	return map[string]interface{}{"items": items}, nil
}

func (s *itemStore) create(_ context.Context, req *routing.Request) (interface{}, error) {
	fields, _ := req.Body.(map[string]interface{})

	it := item{
		ID:        uuid.NewString(),
		Fields:    fields,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.items[it.ID] = it
	s.mu.Unlock()

	return &routing.Response{Status: http.StatusCreated, Body: it}, nil
}

func (s *itemStore) remove(_ context.Context, req *routing.Request) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := req.Params["id"]
	if _, ok := s.items[id]; !ok {
		return nil, util.WrapError(util.ErrNotFound, "item "+id)
	}
	delete(s.items, id)
	return nil, nil
}

// prune drops items older than the given age and reports the count.
func (s *itemStore) prune(age time.Duration) int {
	cutoff := time.Now().Add(-age)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, it := range s.items {
		if it.CreatedAt.Before(cutoff) {
			delete(s.items, id)
			removed++
		}
	}
	return removed
}

// requiredFields validates that the body is an object carrying every
// named field.
type requiredFields struct {
	fields []string
}

func (s requiredFields) Validate(value interface{}) (interface{}, error) {
	obj, ok := value.(map[string]interface{})
	if !ok {
		return nil, util.NewValidationError("body must be a JSON object")
	}

	verr := util.NewValidationError("missing required fields")
	for _, f := range s.fields {
		if _, ok := obj[f]; !ok {
			verr.AddField(f, "required")
		}
	}
	if len(verr.Fields) > 0 {
		return nil, verr
	}
	return obj, nil
}

// Fields implements routing.FieldLister for param collision checks.
func (s requiredFields) Fields() []string {
	return s.fields
}

// anyBody accepts whatever the caller sent, decoded.
type anyBody struct{}

func (anyBody) Validate(value interface{}) (interface{}, error) {
	return value, nil
}
