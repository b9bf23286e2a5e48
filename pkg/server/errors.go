package server

import (
	"errors"
	"fmt"
)

// Sentinel errors for session and server error conditions.
var (
	// ErrNotRunning is returned by sends and batches outside StateRunning.
	ErrNotRunning = errors.New("server: not running")

	// ErrNoPeer is returned when no connected peer matches the target class.
	ErrNoPeer = errors.New("server: no peer for target")

	// ErrBatchActive is returned by BeginBatch while a batch is open.
	ErrBatchActive = errors.New("server: batch already active")

	// ErrNoBatch is returned by EndBatch without a matching BeginBatch.
	ErrNoBatch = errors.New("server: no active batch")

	// ErrPortsExhausted is returned when no port in the probe range could be bound.
	ErrPortsExhausted = errors.New("server: no free port")

	// ErrListenRejected is returned when OnListen refused the bound port.
	ErrListenRejected = errors.New("server: listen rejected")

	// ErrQueryTimeout is returned when every query attempt went unanswered.
	ErrQueryTimeout = errors.New("server: query timed out")

	// ErrQueryAborted is returned when the session left StateRunning while
	// a query was waiting.
	ErrQueryAborted = errors.New("server: query aborted")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("server: already started")
)

// OpError wraps an error with the operation and target that failed.
type OpError struct {
	Op     string // Operation that failed
	Target string // Peer class or port, may be empty
	Err    error  // Underlying error
}

// Error returns the error message with its context.
func (e *OpError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("server: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("server: %s %s: %v", e.Op, e.Target, e.Err)
}

// Unwrap returns the underlying error.
func (e *OpError) Unwrap() error {
	return e.Err
}
