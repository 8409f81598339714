package executor

import (
	"errors"
	"fmt"
	"strings"

	"chain-rpc-gateway/internal/domain"
)

var (
	// ErrAllProvidersUnavailable is returned when no eligible candidate
	// existed at selection time. Retryable by the caller.
	ErrAllProvidersUnavailable = errors.New("all providers unavailable")

	// ErrAllAttemptsFailed is returned when every attempted provider
	// failed. The wrapping FailoverError enumerates the attempts.
	ErrAllAttemptsFailed = errors.New("all failover attempts failed")

	// ErrDeadlineExceeded is returned when the caller's overall deadline
	// elapsed mid-failover.
	ErrDeadlineExceeded = errors.New("deadline exceeded during failover")
)

// AttemptError records one failed provider attempt. Provider ids and
// error classes support operator diagnosis; credentials never appear
// in attempt errors.
type AttemptError struct {
	ProviderID string
	Class      domain.ErrorClass
	Err        error
}

func (a AttemptError) Error() string {
	return fmt.Sprintf("%s (%s): %v", a.ProviderID, a.Class, a.Err)
}

// FailoverError aggregates the per-provider failures of one call.
// Individual attempt errors are never surfaced on their own; callers
// see only this aggregate.
type FailoverError struct {
	Chain    string
	Method   string
	Attempts []AttemptError
	cause    error
}

func (e *FailoverError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v: %s.%s after %d attempts", e.cause, e.Chain, e.Method, len(e.Attempts))
	for _, a := range e.Attempts {
		b.WriteString("; ")
		b.WriteString(a.Error())
	}
	return b.String()
}

// Unwrap exposes the cause so errors.Is works against the sentinels.
func (e *FailoverError) Unwrap() error {
	return e.cause
}
