package channel

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCELAuthorizer_AllowsAndDenies(t *testing.T) {
	t.Parallel()

	auth, err := NewCELAuthorizer(`identity["role"] == "admin"`)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/ws/chat", nil)

	assert.True(t, auth.Authorize(r, map[string]interface{}{"role": "admin"}))
	assert.False(t, auth.Authorize(r, map[string]interface{}{"role": "guest"}))
}

func TestCELAuthorizer_RequestAttributes(t *testing.T) {
	t.Parallel()

	auth, err := NewCELAuthorizer(`request.path.startsWith("/ws/")`)
	require.NoError(t, err)

	assert.True(t, auth.Authorize(httptest.NewRequest("GET", "/ws/chat", nil), nil))
	assert.False(t, auth.Authorize(httptest.NewRequest("GET", "/api/chat", nil), nil))
}

func TestCELAuthorizer_EvaluationErrorDenies(t *testing.T) {
	t.Parallel()

	// Indexing a missing key errors at evaluation time.
	auth, err := NewCELAuthorizer(`identity["missing"] == "x"`)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/ws/chat", nil)
	assert.False(t, auth.Authorize(r, map[string]interface{}{}))
}

func TestCELAuthorizer_CompileFailure(t *testing.T) {
	t.Parallel()

	_, err := NewCELAuthorizer(`identity[`)
	assert.Error(t, err)
}

func TestCELAuthorizer_NonBooleanRejected(t *testing.T) {
	t.Parallel()

	_, err := NewCELAuthorizer(`request.path`)
	assert.Error(t, err)
}
