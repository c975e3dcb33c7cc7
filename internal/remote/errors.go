package remote

import (
	"fmt"
	"net/http"

	"github.com/mschirtzinger/huddle/internal/schema"
)

// Error is returned by every Client call that fails. It matches the schema
// sentinel for its class with errors.Is.
type Error struct {
	Op         string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d after %d attempt(s): %v", e.Op, e.StatusCode, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s: after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classifyStatus maps a non-2xx response to a sentinel and whether the
// request may be retried.
func classifyStatus(code int) (sentinel error, retry bool) {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return schema.ErrPermission, false
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return schema.ErrTransientNetwork, true
	case code >= 500:
		return schema.ErrTransientNetwork, true
	default:
		return schema.ErrValidation, false
	}
}
