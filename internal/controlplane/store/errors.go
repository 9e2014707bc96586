package store

import (
	"errors"
	"strings"
)

// Sentinel errors returned by store operations. Callers classify with
// errors.Is; the HTTP layer maps them to status codes.
var (
	// ErrNotFound means the referenced pool, endpoint, state or operation
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict means the mutation would violate an invariant: duplicate
	// name, second target state for a pool, or a second active operation
	// for an endpoint.
	ErrConflict = errors.New("conflict")

	// ErrValidation means the input was malformed and nothing was changed.
	ErrValidation = errors.New("validation failed")
)

// isUniqueViolation reports whether err is a SQLite unique-constraint
// failure. The driver exposes these only via the message text.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
