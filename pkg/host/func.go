package host

import (
	"bytes"
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/cuemby/burrow/pkg/types"
)

// FuncHost runs each worker as a goroutine executing Main instead of a
// child process. It exists for embedding and tests: the full event
// contract (online first, one terminal event, stream closed after) holds
// without an interpreter on the machine.
type FuncHost struct {
	// Main is the worker body. Its return value is the exit code; a panic
	// is reported as a fault carrying the panic message and stack.
	Main func(c *Child) int
}

// Child is the worker body's view of its surroundings
type Child struct {
	ID       string
	Artifact string
	Options  *types.HostOptions

	proc *funcProc
}

// Stdout emits a chunk of standard output
func (c *Child) Stdout(p []byte) {
	c.proc.emit(Event{Kind: KindStdout, Data: bytes.Clone(p)}, false)
}

// Stderr emits a chunk of standard error
func (c *Child) Stderr(p []byte) {
	c.proc.emit(Event{Kind: KindStderr, Data: bytes.Clone(p)}, false)
}

// Send posts an application message to the client
func (c *Child) Send(payload []byte) {
	c.proc.emit(Event{Kind: KindMessage, Data: bytes.Clone(payload)}, false)
}

// Messages yields messages posted by the client
func (c *Child) Messages() <-chan []byte {
	return c.proc.msgs
}

// Stdin yields stdin bytes forwarded by the client. The channel never
// delivers when the worker was spawned without stdin.
func (c *Child) Stdin() <-chan []byte {
	return c.proc.stdin
}

// Done is closed when the worker is terminated; a cooperative body
// returns promptly once it fires.
func (c *Child) Done() <-chan struct{} {
	return c.proc.done
}

// Spawn starts Main in a goroutine and wires it to the event contract
func (h *FuncHost) Spawn(ctx context.Context, id string, artifact string, opts *types.HostOptions) (Proc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &types.HostOptions{}
	}

	p := &funcProc{
		events:       make(chan Event, 64),
		raw:          make(chan rawEvent),
		closed:       make(chan struct{}),
		done:         make(chan struct{}),
		msgs:         make(chan []byte, 64),
		stdin:        make(chan []byte, 64),
		stdinEnabled: opts.Stdin,
	}
	child := &Child{ID: id, Artifact: artifact, Options: opts, proc: p}

	go p.serialize()
	p.emit(Event{Kind: KindOnline}, false)

	go func() {
		var fault *types.RemoteError
		code := func() (code int) {
			defer func() {
				if r := recover(); r != nil {
					fault = &types.RemoteError{
						Name:    "Error",
						Message: fmt.Sprint(r),
						Stack:   string(debug.Stack()),
					}
				}
			}()
			return h.Main(child)
		}()

		if fault != nil {
			p.emit(Event{Kind: KindFault, Err: fault}, true)
		} else {
			p.emit(Event{Kind: KindExit, Code: code}, true)
		}
	}()

	return p, nil
}

type rawEvent struct {
	ev       Event
	terminal bool
}

// funcProc funnels every producer through one serializer goroutine, which
// is what guarantees a single terminal event and an orderly channel close
// even when the body and Terminate race.
type funcProc struct {
	events chan Event
	raw    chan rawEvent
	closed chan struct{}
	done   chan struct{}

	msgs         chan []byte
	stdin        chan []byte
	stdinEnabled bool

	termOnce sync.Once
}

// serialize forwards raw events and shuts the stream down after the first
// terminal one. closed is closed before events so that anyone who observed
// the stream end also observes the proc as exited.
func (p *funcProc) serialize() {
	for re := range p.raw {
		p.events <- re.ev
		if re.terminal {
			close(p.closed)
			close(p.events)
			return
		}
	}
}

// emit hands an event to the serializer; once a terminal event went out,
// stragglers are dropped.
func (p *funcProc) emit(ev Event, terminal bool) {
	select {
	case p.raw <- rawEvent{ev: ev, terminal: terminal}:
	case <-p.closed:
	}
}

func (p *funcProc) Events() <-chan Event {
	return p.events
}

func (p *funcProc) WriteStdin(data []byte) error {
	if !p.stdinEnabled {
		return ErrStdinDisabled
	}
	if p.hasClosed() {
		return ErrProcExited
	}
	select {
	case p.stdin <- bytes.Clone(data):
		return nil
	case <-p.closed:
		return ErrProcExited
	}
}

func (p *funcProc) PostMessage(payload []byte) error {
	if p.hasClosed() {
		return ErrProcExited
	}
	select {
	case p.msgs <- bytes.Clone(payload):
		return nil
	case <-p.closed:
		return ErrProcExited
	}
}

func (p *funcProc) hasClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// Terminate forces the terminal event, then fires Done for the body. The
// emit comes first so a body blocked on Done cannot race its own exit code
// in ahead of the termination code; a body that keeps running afterwards
// only talks to a closed stream.
func (p *funcProc) Terminate() error {
	p.emit(Event{Kind: KindExit, Code: 1}, true)
	p.termOnce.Do(func() { close(p.done) })
	return nil
}
