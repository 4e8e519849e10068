// Package routing builds the immutable dispatch tables of the runtime:
// the path index mapping filesystem-style route paths to descriptors,
// and the middleware scope tree with nearest-scope override semantics.
//
// Route and middleware locations follow the application tree convention:
// a route registered at "app/users/[id]" serves the URL path /users/{id},
// and a middleware registered at "app/users" applies to every route
// under that directory unless a deeper scope overrides it.
package routing

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// Values carries additive context produced by middleware steps and
// merged into the downstream request.
type Values map[string]interface{}

// Request is the dispatched view of an HTTP request: captured path
// parameters, parsed query, the validated body, and the values merged
// from the middleware chain.
type Request struct {
	HTTP   *http.Request
	Writer http.ResponseWriter
	Params map[string]string
	Query  url.Values
	Body   interface{}
	Values Values
}

// Value returns a middleware-provided value by key.
func (r *Request) Value(key string) (interface{}, bool) {
	v, ok := r.Values[key]
	return v, ok
}

// Response is an explicit structured response: status plus body.
// Handlers may return it instead of a plain value.
type Response struct {
	Status int
	Body   interface{}
	Header http.Header
}

// Handled is returned by handlers that take over the connection and
// write the response themselves (socket upgrades, event streams served
// through the hub). The dispatcher writes nothing after it.
type handledMarker struct{}

// Handled marks a response as already written by the handler.
var Handled = handledMarker{}

// Handler handles a dispatched request. The returned value is
// serialized as JSON unless it is a *Response, a stream handle, or
// Handled.
type Handler func(ctx context.Context, req *Request) (interface{}, error)

// MiddlewareResult is the outcome of a middleware step: additive
// values passed downstream, or a short-circuit response.
type MiddlewareResult struct {
	Values   Values
	Response *Response
}

// Middleware is a single middleware step. Returning a result with a
// non-nil Response short-circuits the chain; returning an error aborts
// it with an error response.
type Middleware func(ctx context.Context, req *Request) (*MiddlewareResult, error)

// Schema is the external validation capability: it validates an input
// value and returns the typed value, or a failure. A failed validation
// aborts the request before the handler runs.
type Schema interface {
	Validate(value interface{}) (interface{}, error)
}

// FieldLister is optionally implemented by schemas that can enumerate
// their declared field names. The registry uses it to detect collisions
// between path parameters and schema fields at build time.
type FieldLister interface {
	Fields() []string
}

// RouteDescriptor describes one registered route: its method, source
// directory, compiled path pattern, parameter names, optional schemas,
// and the handler reference.
type RouteDescriptor struct {
	Method     string
	Dir        string
	Pattern    string
	ParamNames []string
	Params     Schema
	Query      Schema
	Body       Schema
	Handler    Handler

	segments []patternSegment
}

// patternSegment is one compiled segment of a route pattern.
type patternSegment struct {
	literal string
	param   string // non-empty for [name] segments
}

// normalizeDir cleans a route directory path: the conventional "app/"
// root is stripped and separators collapsed, so "app/users/[id]" and
// "users/[id]/" name the same route.
func normalizeDir(dir string) string {
	dir = strings.Trim(dir, "/")
	if dir == "app" {
		return ""
	}
	dir = strings.TrimPrefix(dir, "app/")
	return strings.Trim(dir, "/")
}

// splitSegments splits a normalized directory into its path segments.
func splitSegments(dir string) []string {
	if dir == "" {
		return nil
	}
	return strings.Split(dir, "/")
}

// isParamSegment reports whether a segment declares a parameter, e.g. "[id]".
func isParamSegment(seg string) bool {
	return strings.HasPrefix(seg, "[") && strings.HasSuffix(seg, "]") && len(seg) > 2
}

// paramName extracts the parameter name from a "[name]" segment.
func paramName(seg string) string {
	return seg[1 : len(seg)-1]
}

// compile turns a normalized directory into pattern segments, the
// display pattern, and the ordered parameter names.
func compile(dir string) (segs []patternSegment, pattern string, params []string) {
	parts := splitSegments(dir)
	segs = make([]patternSegment, 0, len(parts))
	display := make([]string, 0, len(parts))

	for _, part := range parts {
		if isParamSegment(part) {
			name := paramName(part)
			segs = append(segs, patternSegment{param: name})
			params = append(params, name)
			display = append(display, "{"+name+"}")
			continue
		}
		segs = append(segs, patternSegment{literal: part})
		display = append(display, part)
	}

	return segs, "/" + strings.Join(display, "/"), params
}

// normalizedKey returns the uniqueness key for a pattern: parameter
// names are erased so that two routes differing only in a param name
// still collide.
func normalizedKey(method string, segs []patternSegment) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	for _, seg := range segs {
		b.WriteByte('/')
		if seg.param != "" {
			b.WriteString("{}")
		} else {
			b.WriteString(seg.literal)
		}
	}
	return b.String()
}

// match checks a request path against the compiled segments, capturing
// parameters on success. Matching is exact per segment; there is no
// prefix or wildcard behavior.
func (d *RouteDescriptor) match(path string) (map[string]string, bool) {
	path = strings.Trim(path, "/")

	var parts []string
	if path != "" {
		parts = strings.Split(path, "/")
	}

	if len(parts) != len(d.segments) {
		return nil, false
	}

	var params map[string]string
	for i, seg := range d.segments {
		if seg.param != "" {
			if parts[i] == "" {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string, len(d.ParamNames))
			}
			params[seg.param] = parts[i]
			continue
		}
		if parts[i] != seg.literal {
			return nil, false
		}
	}

	return params, true
}
