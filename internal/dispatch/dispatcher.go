// Package dispatch routes incoming HTTP requests through the resolved
// middleware chain to their handlers. It glues the immutable routing
// tables to the HTTP transport: matching, middleware execution with
// short-circuiting, delegated input validation, and response
// serialization.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/treelineapp/treeline/internal/observability"
	"github.com/treelineapp/treeline/internal/routing"
	"github.com/treelineapp/treeline/internal/stream"
	"github.com/treelineapp/treeline/internal/util"
)

// maxBodyBytes bounds request body decoding.
const maxBodyBytes = 4 << 20

// Dispatcher is the request entry point. It is immutable after
// construction and safe for concurrent use.
type Dispatcher struct {
	index   *routing.PathIndex
	scopes  *routing.ScopeTree
	logger  observability.Logger
	metrics *observability.Metrics
}

// Option is a functional option for configuring the Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// New creates a dispatcher over built routing tables.
func New(index *routing.PathIndex, scopes *routing.ScopeTree, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		index:  index,
		scopes: scopes,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ServeHTTP implements http.Handler.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	desc, params, err := d.index.Match(r.Method, r.URL.Path)
	if err != nil {
		util.WriteError(w, err)
		return
	}

	ctx := r.Context()
	util.RecordRoute(ctx, desc.Pattern)

	rw := util.NewStatusCapturingResponseWriter(w)
	req := &routing.Request{
		HTTP:   r,
		Writer: rw,
		Params: params,
		Query:  r.URL.Query(),
		Values: routing.Values{},
	}

	// Middleware chain in root-to-leaf order. A later step never
	// starts before an earlier one completes without short-circuiting.
	for _, scope := range d.scopes.Resolve(desc.Dir) {
		result, err := d.runMiddleware(ctx, scope, req)
		if err != nil {
			d.logger.WithContext(ctx).Warn("middleware aborted request",
				observability.String("scope", scope.Dir),
				observability.String("route", desc.Pattern),
				observability.Error(err),
			)
			util.WriteError(rw, err)
			return
		}

		if result == nil {
			continue
		}
		if result.Response != nil {
			d.writeResponse(rw, result.Response)
			return
		}
		for k, v := range result.Values {
			req.Values[k] = v
		}
	}

	if err := d.validate(desc, req); err != nil {
		util.WriteError(rw, err)
		return
	}

	value, err := d.runHandler(ctx, desc, req)
	if err != nil {
		d.logger.WithContext(ctx).Error("handler failed",
			observability.String("route", desc.Pattern),
			observability.Error(err),
		)
		util.WriteError(rw, err)
		return
	}

	d.writeValue(rw, r, desc, value)
}

// runMiddleware executes a single middleware step, converting panics
// and errors into MiddlewareError so no partial context leaks onward.
func (d *Dispatcher) runMiddleware(
	ctx context.Context,
	scope *routing.Scope,
	req *routing.Request,
) (result *routing.MiddlewareResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = util.NewMiddlewareError(scope.Dir, fmt.Errorf("panic: %v", rec))
		}
	}()

	result, err = scope.Handler(ctx, req)
	if err != nil {
		var mwErr *util.MiddlewareError
		if !errors.As(err, &mwErr) {
			err = util.NewMiddlewareError(scope.Dir, err)
		}
		return nil, err
	}
	return result, nil
}

// validate runs the route's schemas against params, query, and body.
// The typed result of body validation replaces req.Body; params and
// query validators gate the raw values.
func (d *Dispatcher) validate(desc *routing.RouteDescriptor, req *routing.Request) error {
	if desc.Params != nil {
		if _, err := desc.Params.Validate(req.Params); err != nil {
			return asValidationError(err)
		}
	}

	if desc.Query != nil {
		if _, err := desc.Query.Validate(req.Query); err != nil {
			return asValidationError(err)
		}
	}

	if desc.Body == nil {
		return nil
	}

	raw, err := decodeBody(req.HTTP)
	if err != nil {
		return err
	}

	typed, err := desc.Body.Validate(raw)
	if err != nil {
		return asValidationError(err)
	}
	req.Body = typed

	return nil
}

// asValidationError ensures schema failures surface as ValidationError
// even when the schema implementation returns a plain error.
func asValidationError(err error) error {
	var validationErr *util.ValidationError
	if errors.As(err, &validationErr) {
		return err
	}
	return util.NewValidationError(err.Error())
}

// decodeBody reads and JSON-decodes the request body.
func decodeBody(r *http.Request) (interface{}, error) {
	if r.Body == nil {
		return nil, nil
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, util.NewValidationError("failed to read request body")
	}
	if len(data) == 0 {
		return nil, nil
	}

	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, util.NewValidationError("request body is not valid JSON")
	}
	return raw, nil
}

// runHandler executes the terminal handler with panic containment.
func (d *Dispatcher) runHandler(
	ctx context.Context,
	desc *routing.RouteDescriptor,
	req *routing.Request,
) (value interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			value = nil
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()

	return desc.Handler(ctx, req)
}

// writeValue serializes a handler's return value.
func (d *Dispatcher) writeValue(
	rw *util.StatusCapturingResponseWriter,
	r *http.Request,
	desc *routing.RouteDescriptor,
	value interface{},
) {
	switch v := value.(type) {
	case nil:
		if !rw.HeaderWritten {
			rw.WriteHeader(http.StatusNoContent)
		}

	case *routing.Response:
		d.writeResponse(rw, v)

	case *stream.Stream:
		if err := d.serveStream(rw, r, desc, v); err != nil && !errors.Is(err, util.ErrStreamClosed) {
			d.logger.WithContext(r.Context()).Error("event stream ended with error",
				observability.String("route", desc.Pattern),
				observability.Error(err),
			)
		}

	default:
		if value == routing.Handled {
			return
		}
		_ = util.WriteJSON(rw, http.StatusOK, value)
	}
}

// serveStream serves a stream handle, wiring the event metric.
func (d *Dispatcher) serveStream(
	w http.ResponseWriter,
	r *http.Request,
	desc *routing.RouteDescriptor,
	s *stream.Stream,
) error {
	if d.metrics != nil {
		s.OnEvent(func() {
			d.metrics.ObserveStreamEvent(desc.Pattern)
		})
	}
	return s.Serve(w, r)
}

// writeResponse writes an explicit structured response.
func (d *Dispatcher) writeResponse(w http.ResponseWriter, resp *routing.Response) {
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}

	if resp.Body == nil {
		w.WriteHeader(status)
		return
	}

	_ = util.WriteJSON(w, status, resp.Body)
}
