package client

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by Process after Close.
	ErrClosed = errors.New("client closed")
	// ErrProtocol means the worker sent bytes that are not a valid frame.
	// The worker has been killed; the next Process starts a new one.
	ErrProtocol = errors.New("protocol error")
	// ErrUnrecoverable means a payload could not be deserialized, so the stream can no longer be trusted.
	// The worker has been killed; the next Process starts a new one.
	ErrUnrecoverable = errors.New("unrecoverable payload")

	errInterrupted = errors.New("interrupted")
)

// StartupError means a worker could not be launched or never said it was ready.
// It usually points at misconfiguration, so it is never retried automatically.
type StartupError struct {
	Reason string
	Err    error
}

func (e *StartupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("couldn't start worker: %s: %s", e.Reason, e.Err)
	}
	return fmt.Sprintf("couldn't start worker: %s", e.Reason)
}

func (e *StartupError) Unwrap() error { return e.Err }
