package feedcache

import (
	"errors"
	"fmt"
)

var (
	// ErrFetchDropped is returned by CompleteFetch when the ticket was
	// cancelled or replaced; the pages were not written.
	ErrFetchDropped = errors.New("feedcache: fetch result dropped")

	// ErrInvalidMutation is returned by Start for a Mutation without Apply or Call.
	ErrInvalidMutation = errors.New("feedcache: invalid mutation")

	ErrSnapshotConsumed = errors.New("feedcache: snapshot already consumed")
	ErrDuplicateID      = errors.New("feedcache: duplicate item id")
)

// Reason classifies a gateway failure for display. Rollback does not depend on it.
type Reason string

const (
	ReasonNetwork      Reason = "network_failure"
	ReasonUnauthorized Reason = "unauthorized"
	ReasonRejected     Reason = "rejected"
)

// GatewayError is what a Gateway returns when a remote operation fails.
type GatewayError struct {
	Op     string
	Reason Reason
	Err    error
}

func NetworkFailure(op string, err error) *GatewayError {
	return &GatewayError{Op: op, Reason: ReasonNetwork, Err: err}
}

func Unauthorized(op string) *GatewayError {
	return &GatewayError{Op: op, Reason: ReasonUnauthorized}
}

func Rejected(op, msg string) *GatewayError {
	return &GatewayError{Op: op, Reason: ReasonRejected, Err: errors.New(msg)}
}

func (e *GatewayError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Reason, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// ReasonOf extracts the Reason from err. Errors that are not a GatewayError
// (timeouts, transport errors) count as network failures.
func ReasonOf(err error) Reason {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Reason
	}
	return ReasonNetwork
}

// MutationError is returned to the caller when a mutation rolled back.
// StaleErr is set when marking the key stale also failed.
type MutationError struct {
	Key      CollectionKey
	Mutation string
	Reason   Reason
	Err      error
	StaleErr error
}

func (e *MutationError) Error() string {
	switch {
	case e.Err != nil && e.StaleErr != nil:
		return fmt.Sprintf("%s on %q rolled back (%s): %v; mark stale: %v",
			e.Mutation, e.Key, e.Reason, e.Err, e.StaleErr)
	case e.Err != nil:
		return fmt.Sprintf("%s on %q rolled back (%s): %v", e.Mutation, e.Key, e.Reason, e.Err)
	case e.StaleErr != nil:
		return fmt.Sprintf("%s on %q: mark stale: %v", e.Mutation, e.Key, e.StaleErr)
	default:
		return fmt.Sprintf("%s on %q: unknown error", e.Mutation, e.Key)
	}
}

func (e *MutationError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.StaleErr != nil {
		errs = append(errs, e.StaleErr)
	}
	return errs
}

// Retryable reports whether showing a retry affordance makes sense.
func (e *MutationError) Retryable() bool { return e.Reason == ReasonNetwork }

// InvariantError reports a discarded transform or restore.
type InvariantError struct {
	Key    CollectionKey
	Err    error
	Detail string
}

func (e *InvariantError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("cache invariant violation on %q: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("cache invariant violation on %q: %v (%s)", e.Key, e.Err, e.Detail)
}

func (e *InvariantError) Unwrap() error { return e.Err }
