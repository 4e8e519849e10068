package routing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/treelineapp/treeline/internal/util"
)

// Registry collects route and middleware registrations before the
// immutable dispatch tables are built. It mirrors the application
// directory tree: each registration names the directory that would
// hold the corresponding route or middleware file.
type Registry struct {
	routes []routeDef
	scopes []scopeDef
}

type routeDef struct {
	method  string
	dir     string
	handler Handler
	params  Schema
	query   Schema
	body    Schema
}

type scopeDef struct {
	dir     string
	handler Middleware
	extend  bool
}

// RouteOption configures a route registration.
type RouteOption func(*routeDef)

// WithParamsSchema attaches a schema validated against captured path parameters.
func WithParamsSchema(s Schema) RouteOption {
	return func(d *routeDef) {
		d.params = s
	}
}

// WithQuerySchema attaches a schema validated against the query string.
func WithQuerySchema(s Schema) RouteOption {
	return func(d *routeDef) {
		d.query = s
	}
}

// WithBodySchema attaches a schema validated against the decoded request body.
func WithBodySchema(s Schema) RouteOption {
	return func(d *routeDef) {
		d.body = s
	}
}

// ScopeOption configures a middleware scope registration.
type ScopeOption func(*scopeDef)

// Extend marks the scope as composing with its ancestors instead of
// overriding them: resolution continues upward past this scope.
func Extend() ScopeOption {
	return func(d *scopeDef) {
		d.extend = true
	}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Route registers a handler for method at the given route directory,
// e.g. Route("GET", "app/users/[id]", handler).
func (r *Registry) Route(method, dir string, h Handler, opts ...RouteOption) *Registry {
	def := routeDef{
		method:  strings.ToUpper(method),
		dir:     normalizeDir(dir),
		handler: h,
	}
	for _, opt := range opts {
		opt(&def)
	}
	r.routes = append(r.routes, def)
	return r
}

// Middleware registers a middleware scope at the given directory. The
// scope applies to every route under the directory; the nearest scope
// to a route wins and does not compose with ancestors unless Extend is
// set.
func (r *Registry) Middleware(dir string, mw Middleware, opts ...ScopeOption) *Registry {
	def := scopeDef{
		dir:     normalizeDir(dir),
		handler: mw,
	}
	for _, opt := range opts {
		opt(&def)
	}
	r.scopes = append(r.scopes, def)
	return r
}

// Build constructs the immutable PathIndex and ScopeTree. It fails
// fast on duplicate (method, normalized pattern) pairs, duplicate
// scope directories, and collisions between path parameter names and
// declared schema fields.
func (r *Registry) Build() (*PathIndex, *ScopeTree, error) {
	index := &PathIndex{
		byMethod: make(map[string][]*RouteDescriptor),
		keys:     make(map[string]*RouteDescriptor),
	}

	for _, def := range r.routes {
		desc, err := buildDescriptor(def)
		if err != nil {
			return nil, nil, err
		}

		key := normalizedKey(desc.Method, desc.segments)
		if _, exists := index.keys[key]; exists {
			return nil, nil, util.NewDuplicateRouteError(desc.Method, desc.Pattern)
		}
		index.keys[key] = desc
		index.byMethod[desc.Method] = append(index.byMethod[desc.Method], desc)
	}

	// Literal segments rank before parameter captures so that
	// "users/me" wins over "users/[id]" for the same request.
	for method := range index.byMethod {
		sort.SliceStable(index.byMethod[method], func(a, b int) bool {
			da, db := index.byMethod[method][a], index.byMethod[method][b]
			if len(da.ParamNames) != len(db.ParamNames) {
				return len(da.ParamNames) < len(db.ParamNames)
			}
			return da.Pattern < db.Pattern
		})
	}

	tree, err := buildScopeTree(r.scopes)
	if err != nil {
		return nil, nil, err
	}

	return index, tree, nil
}

// buildDescriptor compiles one route definition, checking schema field
// collisions against path parameters.
func buildDescriptor(def routeDef) (*RouteDescriptor, error) {
	if def.handler == nil {
		return nil, util.NewConfigError(def.dir, "route handler is nil")
	}
	if def.method == "" {
		return nil, util.NewConfigError(def.dir, "route method is empty")
	}

	segs, pattern, params := compile(def.dir)

	seen := make(map[string]bool, len(params))
	for _, p := range params {
		if seen[p] {
			return nil, util.NewConfigError(def.dir, fmt.Sprintf("duplicate path parameter %q", p))
		}
		seen[p] = true
	}

	for _, s := range []Schema{def.query, def.body} {
		lister, ok := s.(FieldLister)
		if !ok {
			continue
		}
		for _, field := range lister.Fields() {
			if seen[field] {
				return nil, util.NewConfigError(def.dir,
					fmt.Sprintf("schema field %q collides with a path parameter", field))
			}
		}
	}

	return &RouteDescriptor{
		Method:     def.method,
		Dir:        def.dir,
		Pattern:    pattern,
		ParamNames: params,
		Params:     def.params,
		Query:      def.query,
		Body:       def.body,
		Handler:    def.handler,
		segments:   segs,
	}, nil
}

// PathIndex is the immutable mapping from (method, path) to route
// descriptors. Built once at startup; read-only thereafter, so no
// locking is needed on the request path.
type PathIndex struct {
	byMethod map[string][]*RouteDescriptor
	keys     map[string]*RouteDescriptor
}

// Match finds the descriptor for method and path, capturing path
// parameters. Uniqueness is enforced at build time, so the first
// match is the only match.
func (i *PathIndex) Match(method, path string) (*RouteDescriptor, map[string]string, error) {
	for _, desc := range i.byMethod[strings.ToUpper(method)] {
		if params, ok := desc.match(path); ok {
			return desc, params, nil
		}
	}
	return nil, nil, util.NewRouteNotFoundError(method, path)
}

// Routes returns all descriptors in the index.
func (i *PathIndex) Routes() []*RouteDescriptor {
	routes := make([]*RouteDescriptor, 0, len(i.keys))
	for _, desc := range i.keys {
		routes = append(routes, desc)
	}
	return routes
}

// Len returns the number of registered routes.
func (i *PathIndex) Len() int {
	return len(i.keys)
}
