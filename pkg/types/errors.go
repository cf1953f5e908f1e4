package types

import (
	"errors"
	"fmt"
)

// Errors surfaced by the dispatch subsystem. Callers branch on these with
// errors.Is; transport details are wrapped around them.
var (
	// ErrNoNodeAvailable is returned by spawn when no node is registered.
	// Not terminal: the caller may register nodes and retry.
	ErrNoNodeAvailable = errors.New("no node available")

	// ErrNodeUnreachable wraps probe and upload transport failures.
	ErrNodeUnreachable = errors.New("node unreachable")

	// ErrBundleRejected is returned when a node refuses the worker-create
	// request, typically because the bundle fingerprint is not cached.
	ErrBundleRejected = errors.New("bundle rejected by node")

	// ErrWorkerDisconnected is the terminal error of a handle whose event
	// stream closed before an exit or error event arrived.
	ErrWorkerDisconnected = errors.New("worker disconnected")

	// ErrWorkerExited is returned synchronously by handle operations
	// (PostMessage, Terminate, stdin writes) invoked after the worker
	// reached its terminal state.
	ErrWorkerExited = errors.New("worker has exited")
)

// RemoteError is a fault reported by the child over the event stream. It
// reconstructs the original error's name, message and stack so the caller
// sees what the child saw.
type RemoteError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}
