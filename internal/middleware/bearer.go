package middleware

import (
	"context"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/treelineapp/treeline/internal/routing"
	"github.com/treelineapp/treeline/internal/util"
)

// Value keys added to the request by BearerAuth.
const (
	SubjectValue = "subject"
	ClaimsValue  = "claims"
)

// BearerAuthOption is a functional option for BearerAuth.
type BearerAuthOption func(*bearerAuth)

// WithBearerIssuer requires tokens to carry the given issuer.
func WithBearerIssuer(issuer string) BearerAuthOption {
	return func(b *bearerAuth) {
		b.issuer = issuer
	}
}

// WithBearerAudience requires tokens to carry the given audience.
func WithBearerAudience(audience string) BearerAuthOption {
	return func(b *bearerAuth) {
		b.audience = audience
	}
}

type bearerAuth struct {
	alg      jwa.SignatureAlgorithm
	key      jwk.Key
	issuer   string
	audience string
}

// BearerAuth builds a scope middleware that verifies the Authorization
// bearer token and passes the subject and full claim set downstream as
// request values. Missing, malformed, or invalid tokens abort the
// chain with an authorization failure.
func BearerAuth(alg jwa.SignatureAlgorithm, key jwk.Key, opts ...BearerAuthOption) routing.Middleware {
	b := &bearerAuth{alg: alg, key: key}
	for _, opt := range opts {
		opt(b)
	}

	parseOpts := []jwt.ParseOption{
		jwt.WithKey(b.alg, b.key),
		jwt.WithValidate(true),
	}
	if b.issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(b.issuer))
	}
	if b.audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(b.audience))
	}

	return func(ctx context.Context, req *routing.Request) (*routing.MiddlewareResult, error) {
		const prefix = "Bearer "

		header := req.HTTP.Header.Get("Authorization")
		if !strings.HasPrefix(header, prefix) {
			return nil, util.WrapError(util.ErrUnauthorized, "missing bearer token")
		}

		token, err := jwt.Parse([]byte(strings.TrimPrefix(header, prefix)), parseOpts...)
		if err != nil {
			return nil, util.WrapError(util.ErrUnauthorized, "invalid bearer token")
		}

		claims, err := token.AsMap(ctx)
		if err != nil {
			return nil, util.WrapError(util.ErrUnauthorized, "unreadable token claims")
		}

		return &routing.MiddlewareResult{Values: routing.Values{
			SubjectValue: token.Subject(),
			ClaimsValue:  claims,
		}}, nil
	}
}
