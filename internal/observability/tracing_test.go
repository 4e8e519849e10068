package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treelineapp/treeline/internal/util"
)

func TestNewTracer_Disabled(t *testing.T) {
	t.Parallel()

	tracer, err := NewTracer(TracerConfig{ServiceName: "test", Enabled: false})
	require.NoError(t, err)

	ctx, span := tracer.StartSpan(context.Background(), "op")
	assert.NotNil(t, ctx)
	assert.NotNil(t, span)
	span.End()

	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestCreateSampler(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "AlwaysOnSampler", createSampler(1.0).Description())
	assert.Equal(t, "AlwaysOffSampler", createSampler(0).Description())
	assert.Contains(t, createSampler(0.5).Description(), "TraceIDRatioBased")
}

func TestTracingMiddleware_PassesThrough(t *testing.T) {
	t.Parallel()

	tracer, err := NewTracer(TracerConfig{ServiceName: "test", Enabled: false})
	require.NoError(t, err)

	var sawRoute string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		util.RecordRoute(r.Context(), "/users/{id}")
		sawRoute = util.RouteFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	})

	handler := TracingMiddleware(tracer)(inner)

	req := httptest.NewRequest(http.MethodGet, "/users/42", nil)
	req = req.WithContext(util.ContextWithRouteRecorder(req.Context()))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "/users/{id}", sawRoute)
}
