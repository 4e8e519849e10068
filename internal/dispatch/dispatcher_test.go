package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treelineapp/treeline/internal/routing"
	"github.com/treelineapp/treeline/internal/stream"
	"github.com/treelineapp/treeline/internal/util"
)

// echoHandler returns the request's params, query, and merged values.
func echoHandler(_ context.Context, req *routing.Request) (interface{}, error) {
	return map[string]interface{}{
		"params": req.Params,
		"values": map[string]interface{}(req.Values),
	}, nil
}

// requireValue returns a middleware that rejects requests unless a
// prior step provided the given value key.
func requireValue(key string) routing.Middleware {
	return func(_ context.Context, req *routing.Request) (*routing.MiddlewareResult, error) {
		if _, ok := req.Value(key); !ok {
			return nil, util.ErrUnauthorized
		}
		return &routing.MiddlewareResult{}, nil
	}
}

// provideValue returns a middleware that adds a value downstream.
func provideValue(key string, v interface{}) routing.Middleware {
	return func(_ context.Context, _ *routing.Request) (*routing.MiddlewareResult, error) {
		return &routing.MiddlewareResult{Values: routing.Values{key: v}}, nil
	}
}

// allowAllSchema accepts any value.
type allowAllSchema struct{}

func (allowAllSchema) Validate(value interface{}) (interface{}, error) {
	return value, nil
}

// requireFieldSchema fails unless the body is an object with the field.
type requireFieldSchema struct {
	field string
}

func (s requireFieldSchema) Validate(value interface{}) (interface{}, error) {
	obj, ok := value.(map[string]interface{})
	if !ok {
		return nil, util.NewValidationError("body must be an object")
	}
	if _, ok := obj[s.field]; !ok {
		verr := util.NewValidationError("missing required field")
		verr.AddField(s.field, "required")
		return nil, verr
	}
	return obj, nil
}

func dispatcherFor(t *testing.T, reg *routing.Registry, opts ...Option) *Dispatcher {
	t.Helper()
	index, tree, err := reg.Build()
	require.NoError(t, err)
	return New(index, tree, opts...)
}

func TestDispatcher_MatchAndServe(t *testing.T) {
	t.Parallel()

	reg := routing.NewRegistry()
	reg.Route("GET", "app/users/[id]", echoHandler)

	d := dispatcherFor(t, reg)

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users/42", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"42"`)
}

func TestDispatcher_NotFound(t *testing.T) {
	t.Parallel()

	d := dispatcherFor(t, routing.NewRegistry())

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "not_found")
}

func TestDispatcher_MiddlewareValuesReachHandler(t *testing.T) {
	t.Parallel()

	reg := routing.NewRegistry()
	reg.Middleware("app", provideValue("tenant", "acme"))
	reg.Route("GET", "app/info", echoHandler)

	d := dispatcherFor(t, reg)

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tenant":"acme"`)
}

func TestDispatcher_MiddlewareShortCircuit(t *testing.T) {
	t.Parallel()

	handlerCalled := false

	reg := routing.NewRegistry()
	reg.Middleware("app", func(_ context.Context, _ *routing.Request) (*routing.MiddlewareResult, error) {
		return &routing.MiddlewareResult{
			Response: &routing.Response{Status: http.StatusTeapot, Body: map[string]string{"mood": "short"}},
		}, nil
	})
	reg.Route("GET", "app/tea", func(_ context.Context, _ *routing.Request) (interface{}, error) {
		handlerCalled = true
		return "never", nil
	})

	d := dispatcherFor(t, reg)

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tea", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.False(t, handlerCalled)
}

func TestDispatcher_MiddlewareErrorAbortsChain(t *testing.T) {
	t.Parallel()

	var laterRan bool

	reg := routing.NewRegistry()
	reg.Middleware("app", func(_ context.Context, _ *routing.Request) (*routing.MiddlewareResult, error) {
		return nil, errors.New("broken step")
	})
	reg.Middleware("app/deep", func(_ context.Context, _ *routing.Request) (*routing.MiddlewareResult, error) {
		laterRan = true
		return &routing.MiddlewareResult{}, nil
	}, routing.Extend())
	reg.Route("GET", "app/deep/route", echoHandler)

	d := dispatcherFor(t, reg)

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deep/route", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "middleware_failed")
	// Chain runs root-to-leaf, so the failing root step stops the
	// nested Extend step from ever running.
	assert.False(t, laterRan)
}

func TestDispatcher_ChainOrderRootToLeaf(t *testing.T) {
	t.Parallel()

	var order []string

	step := func(name string) routing.Middleware {
		return func(_ context.Context, _ *routing.Request) (*routing.MiddlewareResult, error) {
			order = append(order, name)
			return &routing.MiddlewareResult{}, nil
		}
	}

	reg := routing.NewRegistry()
	reg.Middleware("app", step("root"))
	reg.Middleware("app/admin", step("admin"), routing.Extend())
	reg.Route("GET", "app/admin/users", echoHandler)

	d := dispatcherFor(t, reg)

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/users", nil))

	assert.Equal(t, []string{"root", "admin"}, order)
}

func TestDispatcher_OverridingScopeBypassesAncestor(t *testing.T) {
	t.Parallel()

	reg := routing.NewRegistry()
	// Protected root scope rejects everything without a session value.
	reg.Middleware("app", requireValue("session"))
	// Public override under /auth lets login through untouched.
	reg.Middleware("app/auth", func(_ context.Context, _ *routing.Request) (*routing.MiddlewareResult, error) {
		return &routing.MiddlewareResult{}, nil
	})
	reg.Route("POST", "app/auth/login", func(_ context.Context, _ *routing.Request) (interface{}, error) {
		return map[string]string{"ok": "true"}, nil
	})
	reg.Route("GET", "app/private", echoHandler)

	d := dispatcherFor(t, reg)

	// Login bypasses the protected scope entirely.
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// The private route still hits the protected scope.
	rec = httptest.NewRecorder()
	d.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/private", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDispatcher_BodyValidationFailureSkipsHandler(t *testing.T) {
	t.Parallel()

	handlerCalled := false

	reg := routing.NewRegistry()
	reg.Route("POST", "app/items", func(_ context.Context, _ *routing.Request) (interface{}, error) {
		handlerCalled = true
		return "created", nil
	}, routing.WithBodySchema(requireFieldSchema{field: "name"}))

	d := dispatcherFor(t, reg)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/items", strings.NewReader(`{"nope":1}`))
	d.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "validation_failed")
	assert.Contains(t, rec.Body.String(), `"name"`)
	assert.False(t, handlerCalled)
}

func TestDispatcher_BodyValidationPassesTypedValue(t *testing.T) {
	t.Parallel()

	reg := routing.NewRegistry()
	reg.Route("POST", "app/items", func(_ context.Context, req *routing.Request) (interface{}, error) {
		body := req.Body.(map[string]interface{})
		return map[string]interface{}{"got": body["name"]}, nil
	}, routing.WithBodySchema(requireFieldSchema{field: "name"}))

	d := dispatcherFor(t, reg)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/items", strings.NewReader(`{"name":"widget"}`))
	d.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"got":"widget"`)
}

func TestDispatcher_InvalidJSONBody(t *testing.T) {
	t.Parallel()

	reg := routing.NewRegistry()
	reg.Route("POST", "app/items", echoHandler,
		routing.WithBodySchema(allowAllSchema{}))

	d := dispatcherFor(t, reg)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/items", strings.NewReader("{nope"))
	d.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDispatcher_ExplicitResponse(t *testing.T) {
	t.Parallel()

	reg := routing.NewRegistry()
	reg.Route("GET", "app/created", func(_ context.Context, _ *routing.Request) (interface{}, error) {
		return &routing.Response{Status: http.StatusCreated, Body: map[string]int{"id": 7}}, nil
	})

	d := dispatcherFor(t, reg)

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/created", nil))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":7`)
}

func TestDispatcher_NilResultIsNoContent(t *testing.T) {
	t.Parallel()

	reg := routing.NewRegistry()
	reg.Route("DELETE", "app/items/[id]", func(_ context.Context, _ *routing.Request) (interface{}, error) {
		return nil, nil
	})

	d := dispatcherFor(t, reg)

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/items/9", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestDispatcher_HandlerPanicIsContained(t *testing.T) {
	t.Parallel()

	reg := routing.NewRegistry()
	reg.Route("GET", "app/boom", func(_ context.Context, _ *routing.Request) (interface{}, error) {
		panic("kaboom")
	})

	d := dispatcherFor(t, reg)

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDispatcher_StreamResult(t *testing.T) {
	t.Parallel()

	reg := routing.NewRegistry()
	reg.Route("GET", "app/feed", func(_ context.Context, _ *routing.Request) (interface{}, error) {
		return stream.New(func(ctx context.Context, out chan<- stream.Event) error {
			for _, s := range []string{"a", "b"} {
				select {
				case out <- stream.Event{Name: "tick", Data: s}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		}), nil
	})

	d := dispatcherFor(t, reg)

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/feed", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `data: "a"`)
	assert.Contains(t, rec.Body.String(), `data: "b"`)
}
