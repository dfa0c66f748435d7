package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/pmkol/resync/pkg/circuit_breaker"
	"github.com/pmkol/resync/pkg/timeout"
)

// TransientNetworkError marks a failure as retryable.
type TransientNetworkError struct {
	Op  string
	Err error
}

func (e *TransientNetworkError) Error() string {
	if len(e.Op) == 0 {
		return fmt.Sprintf("transient network error: %v", e.Err)
	}
	return fmt.Sprintf("%s: transient network error: %v", e.Op, e.Err)
}

func (e *TransientNetworkError) Unwrap() error {
	return e.Err
}

// MaxRetriesExceededError is returned by a Policy with WrapExhausted set
// once every attempt failed. Unwrap returns the last attempt's error.
type MaxRetriesExceededError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("%s: max retries exceeded after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *MaxRetriesExceededError) Unwrap() error {
	return e.Err
}

var transientPatterns = []string{
	"timeout",
	"connection",
	"network",
	"socket",
	"unreachable",
}

// IsTransient is the built-in retry heuristic.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var tne *TransientNetworkError
	if errors.As(err, &tne) {
		return true
	}
	if errors.Is(err, timeout.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether err may be retried. An open circuit and a
// cancelled context never are. Otherwise err is retryable if the caller
// predicate accepts it or if IsTransient does.
func IsRetryable(err error, predicate func(error) bool) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, circuit_breaker.ErrOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	if predicate != nil && predicate(err) {
		return true
	}
	return IsTransient(err)
}

// MatchAny returns a predicate matching any of targets with errors.Is.
func MatchAny(targets ...error) func(error) bool {
	return func(err error) bool {
		for _, t := range targets {
			if errors.Is(err, t) {
				return true
			}
		}
		return false
	}
}
