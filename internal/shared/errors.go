package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrUnauthenticated indicates a request without a valid session.
	ErrUnauthenticated = errors.New("authentication required")
)
