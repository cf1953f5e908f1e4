package host

import (
	"context"
	"errors"

	"github.com/cuemby/burrow/pkg/types"
)

// EventKind classifies events emitted by a running child
type EventKind int

const (
	// KindOnline means the child began executing
	KindOnline EventKind = iota

	// KindStdout carries a chunk of the child's standard output
	KindStdout

	// KindStderr carries a chunk of the child's standard error
	KindStderr

	// KindMessage carries an application message posted by the child
	KindMessage

	// KindExit is terminal: the child ended with an exit code
	KindExit

	// KindFault is terminal: the child ended by raising an error
	KindFault
)

// Event is one occurrence in a child's lifetime. Exactly one terminal event
// (KindExit or KindFault) is emitted per child, always last.
type Event struct {
	Kind EventKind
	Data []byte             // stdout/stderr chunk or message payload
	Code int                // exit code, KindExit only
	Err  *types.RemoteError // fault detail, KindFault only
}

var (
	// ErrStdinDisabled is returned by WriteStdin when the child was spawned
	// without a stdin stream.
	ErrStdinDisabled = errors.New("stdin not enabled for worker")

	// ErrProcExited is returned by writes against a child that already
	// reached its terminal state.
	ErrProcExited = errors.New("worker process has exited")
)

// Proc is one running child. Events() yields the child's event sequence and
// is closed after the terminal event; consumers must drain it.
type Proc interface {
	// Events returns the child's event stream
	Events() <-chan Event

	// WriteStdin forwards bytes to the child's standard input
	WriteStdin(p []byte) error

	// PostMessage delivers an application message to the child
	PostMessage(payload []byte) error

	// Terminate asks the child to stop. Idempotent; safe after exit.
	Terminate() error
}

// Host launches worker children from bundle artifacts. The id is the node's
// worker identifier, passed through for logging and the child environment.
type Host interface {
	Spawn(ctx context.Context, id string, artifact string, opts *types.HostOptions) (Proc, error)
}
