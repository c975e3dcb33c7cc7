package schema

import "errors"

// Sentinel errors shared by the sync components. Wrap them with fmt.Errorf
// and test with errors.Is.
var (
	// ErrTransientNetwork indicates a timeout, connection failure or 5xx-class
	// response. Retryable.
	ErrTransientNetwork = errors.New("transient network failure")

	// ErrPermission indicates the remote service refused the caller (401/403)
	// or the local role lacks the capability.
	ErrPermission = errors.New("permission denied")

	// ErrValidation indicates the remote service rejected the payload.
	ErrValidation = errors.New("validation failed")

	// ErrMalformedEntity indicates a candidate that cannot be decoded or
	// fails entity validation. Dropped, never retried.
	ErrMalformedEntity = errors.New("malformed entity")

	// ErrStaleCandidate indicates a candidate older than the stored version.
	// Expected during normal operation.
	ErrStaleCandidate = errors.New("stale candidate")

	// ErrConflictDetected indicates two different versions with the same
	// timestamp. Resolved by source priority; informational only.
	ErrConflictDetected = errors.New("conflict detected")

	// ErrChannelDisconnected indicates the real-time channel dropped and
	// could not be re-established.
	ErrChannelDisconnected = errors.New("channel disconnected")

	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrFatal indicates the background worker exceeded its failure budget
	// and must be re-initialized by its host.
	ErrFatal = errors.New("fatal sync failure")
)

// IsRetryable returns true if the operation may succeed when attempted again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransientNetwork) || errors.Is(err, ErrChannelDisconnected)
}

// IsTerminal returns true if retrying the same operation cannot succeed.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrPermission) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrMalformedEntity)
}
