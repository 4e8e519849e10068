package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/treelineapp/treeline/internal/observability"
	"github.com/treelineapp/treeline/internal/util"
)

// Logging returns a middleware that logs each request on completion
// and feeds the request metrics. It must run inside RequestID so the
// matched route is visible in the log line and the metric labels.
func Logging(logger observability.Logger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := util.ContextWithStartTime(r.Context(), start)
			r = r.WithContext(ctx)

			rw := util.NewStatusCapturingResponseWriter(w)
			next.ServeHTTP(rw, r)

			duration := time.Since(start)
			route := util.RouteFromContext(r.Context())

			if metrics != nil {
				metrics.ObserveRequest(r.Method, route, strconv.Itoa(rw.StatusCode), duration.Seconds())
			}

			logger.Info("http request",
				observability.String("method", r.Method),
				observability.String("path", r.URL.Path),
				observability.String("route", route),
				observability.Int("status", rw.StatusCode),
				observability.Int("size", rw.Size),
				observability.Duration("duration", duration),
				observability.String("remote_addr", r.RemoteAddr),
				observability.String("request_id", observability.RequestIDFromContext(r.Context())),
			)
		})
	}
}
