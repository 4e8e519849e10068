package util

import (
	"context"
	"sync"
	"time"
)

// contextKey is an unexported type for context keys defined in this package.
type contextKey string

const (
	startTimeKey contextKey = "start_time"
	routeKey     contextKey = "route"
)

// routeRecorder lets the dispatcher publish the matched route pattern to
// middleware installed outside it (logging, tracing, metrics), which run
// before the match happens.
type routeRecorder struct {
	mu    sync.Mutex
	route string
}

// ContextWithStartTime stores the request start time in the context.
func ContextWithStartTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, startTimeKey, t)
}

// StartTimeFromContext retrieves the request start time from the context.
func StartTimeFromContext(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(startTimeKey).(time.Time)
	return t, ok
}

// ContextWithRouteRecorder installs a route recorder in the context.
func ContextWithRouteRecorder(ctx context.Context) context.Context {
	return context.WithValue(ctx, routeKey, &routeRecorder{})
}

// RecordRoute stores the matched route pattern in the recorder, if one
// is installed. Safe to call from any goroutine handling the request.
func RecordRoute(ctx context.Context, route string) {
	if rec, ok := ctx.Value(routeKey).(*routeRecorder); ok {
		rec.mu.Lock()
		rec.route = route
		rec.mu.Unlock()
	}
}

// RouteFromContext retrieves the matched route pattern recorded during
// dispatch. Returns an empty string if no route was matched or no
// recorder is installed.
func RouteFromContext(ctx context.Context) string {
	if rec, ok := ctx.Value(routeKey).(*routeRecorder); ok {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.route
	}
	return ""
}
