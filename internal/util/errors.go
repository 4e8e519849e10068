// Package util provides shared utility functions and types for the runtime.
//
// # Error Conventions
//
// This project follows a standardized error pattern across all packages:
//
//   - Sentinel errors (errors.New) for well-known, stable conditions
//     that callers check with errors.Is(). Example: ErrJobNotFound.
//   - Structured error types for context-rich errors that carry
//     additional fields (e.g., ValidationError, MiddlewareError). Each
//     type implements Error(), Unwrap() (if wrapping), and Is().
//   - fmt.Errorf with %w for ad-hoc wrapping that adds context to an
//     existing error without introducing a new type.
//
// All custom error types must implement:
//
//	Error() string           – human-readable message
//	Unwrap() error           – if the type wraps another error
//	Is(target error) bool    – for errors.Is() compatibility
package util

import (
	"errors"
	"fmt"
)

// Common sentinel errors.
var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrJobNotFound    = errors.New("job not found")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrDuplicateRoute = errors.New("duplicate route")
	ErrConfigInvalid  = errors.New("invalid configuration")
	ErrStreamClosed   = errors.New("stream closed")
	ErrHubClosed      = errors.New("channel hub closed")
)

// ConfigError represents a configuration-related error.
type ConfigError struct {
	Field   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error at %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ConfigError) Is(target error) bool {
	if target == ErrConfigInvalid {
		return true
	}
	_, ok := target.(*ConfigError)
	return ok || errors.Is(e.Cause, target)
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// ValidationError represents a request validation failure with
// field-level detail. It aborts the request before the handler runs.
type ValidationError struct {
	Fields  map[string]string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error: %s (fields: %v)", e.Message, e.Fields)
}

// Is checks if the error matches the target.
func (e *ValidationError) Is(target error) bool {
	if target == ErrInvalidInput {
		return true
	}
	_, ok := target.(*ValidationError)
	return ok
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message, Fields: make(map[string]string)}
}

// AddField adds a field error.
func (e *ValidationError) AddField(field, message string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = message
}

// AuthorizationError represents a rejected channel join or a failed
// authentication step. The connection is never admitted.
type AuthorizationError struct {
	Topic   string
	Message string
}

// Error implements the error interface.
func (e *AuthorizationError) Error() string {
	if e.Topic != "" {
		return fmt.Sprintf("authorization rejected for topic %s: %s", e.Topic, e.Message)
	}
	return fmt.Sprintf("authorization rejected: %s", e.Message)
}

// Is checks if the error matches the target.
func (e *AuthorizationError) Is(target error) bool {
	if target == ErrUnauthorized {
		return true
	}
	_, ok := target.(*AuthorizationError)
	return ok
}

// NewAuthorizationError creates a new AuthorizationError.
func NewAuthorizationError(topic, message string) *AuthorizationError {
	return &AuthorizationError{Topic: topic, Message: message}
}

// MiddlewareError represents a failure raised inside a middleware step.
// It aborts the remainder of the chain; no partial context reaches
// later steps or the handler.
type MiddlewareError struct {
	Scope string
	Cause error
}

// Error implements the error interface.
func (e *MiddlewareError) Error() string {
	return fmt.Sprintf("middleware %s failed: %v", e.Scope, e.Cause)
}

// Unwrap returns the underlying error.
func (e *MiddlewareError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *MiddlewareError) Is(target error) bool {
	_, ok := target.(*MiddlewareError)
	return ok || errors.Is(e.Cause, target)
}

// NewMiddlewareError creates a new MiddlewareError.
func NewMiddlewareError(scope string, cause error) *MiddlewareError {
	return &MiddlewareError{Scope: scope, Cause: cause}
}

// RouteNotFoundError represents a request that matched no route.
type RouteNotFoundError struct {
	Path   string
	Method string
}

// Error implements the error interface.
func (e *RouteNotFoundError) Error() string {
	return fmt.Sprintf("no route found for %s %s", e.Method, e.Path)
}

// Is checks if the error matches the target.
func (e *RouteNotFoundError) Is(target error) bool {
	if target == ErrNotFound {
		return true
	}
	_, ok := target.(*RouteNotFoundError)
	return ok
}

// NewRouteNotFoundError creates a new RouteNotFoundError.
func NewRouteNotFoundError(method, path string) *RouteNotFoundError {
	return &RouteNotFoundError{Path: path, Method: method}
}

// DuplicateRouteError represents a second registration of the same
// (method, normalized pattern) pair. This is a startup-time failure.
type DuplicateRouteError struct {
	Method  string
	Pattern string
}

// Error implements the error interface.
func (e *DuplicateRouteError) Error() string {
	return fmt.Sprintf("duplicate route registration: %s %s", e.Method, e.Pattern)
}

// Is checks if the error matches the target.
func (e *DuplicateRouteError) Is(target error) bool {
	if target == ErrDuplicateRoute {
		return true
	}
	_, ok := target.(*DuplicateRouteError)
	return ok
}

// NewDuplicateRouteError creates a new DuplicateRouteError.
func NewDuplicateRouteError(method, pattern string) *DuplicateRouteError {
	return &DuplicateRouteError{Method: method, Pattern: pattern}
}

// WrapError wraps an error with additional context.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsClientError returns true if the error maps to a 4xx response.
func IsClientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrNotFound) {
		return true
	}

	if errors.Is(err, ErrInvalidInput) {
		return true
	}

	return errors.Is(err, ErrUnauthorized)
}
