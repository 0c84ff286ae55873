package sessionclient

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Sentinel errors exposed by the session core.
var (
	ErrRefreshFailed    = errors.New("session.refresh_failed")
	ErrUnauthorized     = errors.New("session.unauthorized")
	ErrNetwork          = errors.New("session.network")
	ErrNotAuthenticated = errors.New("session.not_authenticated")
	ErrInvalidConfig    = errors.New("session.invalid_config")
)

// Server error codes returned in {"error": CODE} bodies.
const (
	CodeNoRefreshToken      = "NO_REFRESH_TOKEN"
	CodeInvalidRefreshToken = "INVALID_REFRESH_TOKEN"
	CodeInvalidCredentials  = "INVALID_CREDENTIALS"
	codeNetwork             = "NETWORK_ERROR"
	codeSessionClosed       = "SESSION_CLOSED"
	codeMalformedResponse   = "MALFORMED_RESPONSE"
)

// RefreshError reports why the refresh credential could not be exchanged.
// It always matches ErrRefreshFailed.
type RefreshError struct {
	StatusCode int
	Code       string
	Err        error
}

func (refreshErr *RefreshError) Error() string {
	if refreshErr.Err != nil {
		return fmt.Sprintf("session.refresh_failed: %s (status %d): %v", refreshErr.Code, refreshErr.StatusCode, refreshErr.Err)
	}
	return fmt.Sprintf("session.refresh_failed: %s (status %d)", refreshErr.Code, refreshErr.StatusCode)
}

func (refreshErr *RefreshError) Unwrap() []error {
	if refreshErr.Err == nil {
		return []error{ErrRefreshFailed}
	}
	return []error{ErrRefreshFailed, refreshErr.Err}
}

// APIError is a non-refresh failure reported by the auth server.
type APIError struct {
	Operation  string
	StatusCode int
	Code       string
}

func (apiErr *APIError) Error() string {
	return fmt.Sprintf("session.%s: %s (status %d)", apiErr.Operation, apiErr.Code, apiErr.StatusCode)
}

func (apiErr *APIError) Unwrap() error {
	if apiErr.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	return nil
}

func networkError(operation string, cause error) error {
	return fmt.Errorf("session.%s: %w: %w", operation, ErrNetwork, cause)
}
