package util

import (
	"encoding/json"
	"errors"
	"net/http"
)

// ErrorBody is the structured JSON body written for error responses.
type ErrorBody struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// WriteJSON serializes v as JSON with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// WriteError maps err to an HTTP status and writes a structured error body.
// The mapping follows the runtime's error taxonomy: validation and
// authorization failures are client errors, unmatched routes are 404,
// everything else is a 500.
func WriteError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := ErrorBody{Error: "internal_error"}

	var validationErr *ValidationError
	var authErr *AuthorizationError
	var notFoundErr *RouteNotFoundError
	var mwErr *MiddlewareError

	switch {
	case errors.As(err, &validationErr):
		status = http.StatusBadRequest
		body = ErrorBody{
			Error:   "validation_failed",
			Message: validationErr.Message,
			Fields:  validationErr.Fields,
		}
	case errors.As(err, &authErr):
		status = http.StatusForbidden
		body = ErrorBody{Error: "forbidden", Message: authErr.Message}
	case errors.As(err, &notFoundErr):
		status = http.StatusNotFound
		body = ErrorBody{Error: "not_found", Message: notFoundErr.Error()}
	case errors.As(err, &mwErr):
		// Middleware failures may wrap a client error.
		if errors.Is(mwErr.Cause, ErrUnauthorized) {
			status = http.StatusUnauthorized
			body = ErrorBody{Error: "unauthorized", Message: mwErr.Cause.Error()}
		} else {
			body = ErrorBody{Error: "middleware_failed"}
		}
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrJobNotFound):
		status = http.StatusNotFound
		body = ErrorBody{Error: "not_found"}
	case errors.Is(err, ErrInvalidInput):
		status = http.StatusBadRequest
		body = ErrorBody{Error: "invalid_input", Message: err.Error()}
	}

	_ = WriteJSON(w, status, body)
}

// StatusCapturingResponseWriter wraps http.ResponseWriter to track the
// status code written by a handler. Used by the logging and metrics
// middleware to inspect the response after the handler has completed.
type StatusCapturingResponseWriter struct {
	http.ResponseWriter
	StatusCode    int
	Size          int
	HeaderWritten bool
}

// NewStatusCapturingResponseWriter creates a new StatusCapturingResponseWriter
// wrapping the provided http.ResponseWriter with a default status of 200 OK.
func NewStatusCapturingResponseWriter(w http.ResponseWriter) *StatusCapturingResponseWriter {
	return &StatusCapturingResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code and writes it to the underlying ResponseWriter.
func (w *StatusCapturingResponseWriter) WriteHeader(code int) {
	if w.HeaderWritten {
		return
	}
	w.StatusCode = code
	w.HeaderWritten = true
	w.ResponseWriter.WriteHeader(code)
}

// Write writes data to the underlying ResponseWriter and marks header as written.
func (w *StatusCapturingResponseWriter) Write(b []byte) (int, error) {
	if !w.HeaderWritten {
		w.HeaderWritten = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.Size += n
	return n, err
}

// Flush implements http.Flusher interface for streaming support.
func (w *StatusCapturingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Compile-time interface assertion.
var _ http.Flusher = (*StatusCapturingResponseWriter)(nil)
