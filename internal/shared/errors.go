package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrUnauthenticated occurs when a request carries no resolvable actor.
	ErrUnauthenticated = errors.New("actor not authenticated")
)
