package transport

import "fmt"

// NetworkError represents network failures and API errors including 5xx responses,
// connection timeouts and rate limiting.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "get_file", "download")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	APIMessage string
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.APIMessage)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NotFoundError is returned when a message or file can no longer be resolved.
type NotFoundError struct {
	Operation string
	Ref       string
	Err       error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s not found", e.Operation, e.Ref)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents 401 Unauthorized and 403 Forbidden responses.
type AuthenticationError struct {
	Operation string
	Err       error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}
