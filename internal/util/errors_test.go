package util

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationError_IsInvalidInput(t *testing.T) {
	t.Parallel()

	err := NewValidationError("bad body")
	err.AddField("name", "required")

	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), "bad body")
	assert.Contains(t, err.Error(), "name")
}

func TestAuthorizationError_IsUnauthorized(t *testing.T) {
	t.Parallel()

	err := NewAuthorizationError("ws:chat", "join rejected")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Contains(t, err.Error(), "ws:chat")
}

func TestMiddlewareError_UnwrapsCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("token expired")
	err := NewMiddlewareError("admin", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "admin")

	var mwErr *MiddlewareError
	require.ErrorAs(t, err, &mwErr)
	assert.Equal(t, "admin", mwErr.Scope)
}

func TestRouteNotFoundError_IsNotFound(t *testing.T) {
	t.Parallel()

	err := NewRouteNotFoundError("GET", "/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDuplicateRouteError_IsDuplicateRoute(t *testing.T) {
	t.Parallel()

	err := NewDuplicateRouteError("GET", "/users/{id}")
	assert.ErrorIs(t, err, ErrDuplicateRoute)
	assert.Contains(t, err.Error(), "GET /users/{id}")
}

func TestConfigError_IsConfigInvalid(t *testing.T) {
	t.Parallel()

	err := NewConfigError("logging.level", "unknown level")
	assert.ErrorIs(t, err, ErrConfigInvalid)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestWrapError(t *testing.T) {
	t.Parallel()

	assert.NoError(t, WrapError(nil, "context"))

	wrapped := WrapError(ErrJobNotFound, "cleanup")
	assert.ErrorIs(t, wrapped, ErrJobNotFound)
	assert.Contains(t, wrapped.Error(), "cleanup")
}

func TestIsClientError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"not found", ErrNotFound, true},
		{"invalid input", ErrInvalidInput, true},
		{"unauthorized", ErrUnauthorized, true},
		{"validation", NewValidationError("x"), true},
		{"server error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsClientError(tt.err))
		})
	}
}
