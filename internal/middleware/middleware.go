// Package middleware provides the outer HTTP middleware for the server:
// request identity, access logging, panic recovery, and bearer token
// authentication. These wrap the dispatcher; scope middleware declared
// in the application tree runs inside it.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/treelineapp/treeline/internal/observability"
	"github.com/treelineapp/treeline/internal/util"
)

// RequestIDHeader is the header name for the request ID.
const RequestIDHeader = "X-Request-ID"

// RequestID returns a middleware that tags each request with an ID and
// installs the route recorder so outer layers can see which route the
// dispatcher ultimately matched.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.New().String()
			}

			ctx := observability.ContextWithRequestID(r.Context(), requestID)
			ctx = util.ContextWithRouteRecorder(ctx)
			r = r.WithContext(ctx)

			w.Header().Set(RequestIDHeader, requestID)

			next.ServeHTTP(w, r)
		})
	}
}
