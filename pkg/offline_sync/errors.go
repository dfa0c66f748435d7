package offline_sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/pmkol/resync/pkg/retry"
)

var (
	ErrSyncInProgress = errors.New("sync already in progress")
	ErrOffline        = errors.New("network is offline")
	ErrClosed         = errors.New("manager closed")
	ErrNoExecutor     = errors.New("no executor for operation type")
	ErrDuplicateID    = errors.New("operation id already queued")
)

// PayloadError is a payload that failed to decode or validate.
type PayloadError struct {
	Err error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("invalid payload: %v", e.Err)
}

func (e *PayloadError) Unwrap() error {
	return e.Err
}

// QueueOperationDeadError reports an operation dropped after exhausting
// its retries. It is passed to Opts.OnDead, never returned by Enqueue.
type QueueOperationDeadError struct {
	Op  Operation
	Err error
}

func (e *QueueOperationDeadError) Error() string {
	return fmt.Sprintf("operation %s (%s) dead after %d attempts: %v", e.Op.ID, e.Op.Type, e.Op.RetryCount, e.Err)
}

func (e *QueueOperationDeadError) Unwrap() error {
	return e.Err
}

// IsBreakerFailure reports whether a replay error says the remote side is
// unhealthy. Use it as circuit_breaker.Opts.IsFailure for Opts.Breakers:
// a cancelled replay, a bad payload or a rejected request must not open
// the circuit for every operation of that type.
func IsBreakerFailure(err error) bool {
	var pe *PayloadError
	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, ErrNoExecutor),
		errors.As(err, &pe):
		return false
	}
	return retry.IsTransient(err)
}
