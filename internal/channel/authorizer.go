package channel

import (
	"fmt"
	"net/http"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/treelineapp/treeline/internal/observability"
)

// CELAuthorizer evaluates a CEL expression as a channel authorization
// gate. The expression sees two variables:
//
//	identity  map of the identity data proposed at connect time
//	request   map with method, path, host, and remote_addr
//
// and must produce a boolean. Evaluation errors deny admission.
type CELAuthorizer struct {
	expression string
	program    cel.Program
	logger     observability.Logger
}

// CELAuthorizerOption is a functional option for the authorizer.
type CELAuthorizerOption func(*CELAuthorizer)

// WithCELLogger sets the logger.
func WithCELLogger(logger observability.Logger) CELAuthorizerOption {
	return func(a *CELAuthorizer) {
		a.logger = logger
	}
}

// NewCELAuthorizer compiles the expression. Compilation failures and
// non-boolean expressions are rejected at construction time.
func NewCELAuthorizer(expression string, opts ...CELAuthorizerOption) (*CELAuthorizer, error) {
	a := &CELAuthorizer{
		expression: expression,
		logger:     observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}

	env, err := cel.NewEnv(
		cel.Variable("identity", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile authorization expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("authorization expression must produce a boolean, got %s", ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build authorization program: %w", err)
	}
	a.program = program

	return a, nil
}

// Authorize evaluates the expression against the connect request.
func (a *CELAuthorizer) Authorize(r *http.Request, identity map[string]interface{}) bool {
	if identity == nil {
		identity = map[string]interface{}{}
	}

	out, _, err := a.program.Eval(map[string]interface{}{
		"identity": identity,
		"request": map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"host":        r.Host,
			"remote_addr": r.RemoteAddr,
		},
	})
	if err != nil {
		a.logger.Warn("authorization expression evaluation failed",
			observability.String("expression", a.expression),
			observability.Error(err),
		)
		return false
	}

	return out == types.True
}
