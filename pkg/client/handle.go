package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/protocol"
	"github.com/cuemby/burrow/pkg/types"
)

// Handle is the caller's grip on one remote worker. It demultiplexes the
// worker's event stream into lifecycle events, stdout/stderr readers and
// inbound messages, and multiplexes stdin, messages and termination onto
// the control stream.
//
// A handle reaches exactly one terminal state: a clean exit with a code, a
// child fault carried as *types.RemoteError, or ErrWorkerDisconnected when
// the event stream dies first. After that every mutating call returns
// ErrWorkerExited.
type Handle struct {
	id     string
	node   *NodeClient
	logger zerolog.Logger

	broker  *events.Broker
	control *controlStream
	stdout  *byteStream
	stderr  *byteStream

	stdinEnabled bool
	stdinWarn    sync.Once

	onlineOnce sync.Once
	online     chan struct{}
	done       chan struct{}

	mu       sync.Mutex
	state    types.WorkerState
	exitCode int
	err      error
}

func newHandle(node *NodeClient, id string, stdinEnabled bool) *Handle {
	h := &Handle{
		id:           id,
		node:         node,
		logger:       log.WithWorkerID(id).With().Str("node", node.URL()).Logger(),
		broker:       events.NewBroker(),
		stdout:       newByteStream(),
		stderr:       newByteStream(),
		stdinEnabled: stdinEnabled,
		online:       make(chan struct{}),
		done:         make(chan struct{}),
		state:        types.WorkerStatePending,
	}
	h.control = newControlStream(node, id)
	return h
}

// ID returns the node-assigned worker id
func (h *Handle) ID() string {
	return h.id
}

// Node returns the client of the node the worker runs on
func (h *Handle) Node() *NodeClient {
	return h.node
}

// State returns the worker's current lifecycle state
func (h *Handle) State() types.WorkerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ExitCode returns the exit code once the worker exited cleanly. The bool
// is false while the worker is live and when it ended in an error.
func (h *Handle) ExitCode() (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != types.WorkerStateExited || h.err != nil {
		return 0, false
	}
	return h.exitCode, true
}

// Err returns the terminal error, or nil while the worker is live or after
// a clean exit.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Done is closed once the worker reached its terminal state
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Online is closed once the child signalled it began executing. A worker
// that faults during startup never closes it; select against Done too.
func (h *Handle) Online() <-chan struct{} {
	return h.online
}

// Wait blocks until the worker ends and returns its exit code, or the
// terminal error for a fault or disconnect.
func (h *Handle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.err
}

// Subscribe attaches a listener to the worker's ordered event sequence.
// The full history is replayed first, so subscribing at any point after
// Spawn observes every event. The channel closes after the terminal event.
func (h *Handle) Subscribe() *events.Subscriber {
	return h.broker.Subscribe()
}

// Unsubscribe detaches a listener and closes its channel
func (h *Handle) Unsubscribe(sub *events.Subscriber) {
	h.broker.Unsubscribe(sub)
}

// Messages returns a channel of the worker's inbound messages, complete
// from the first one. The channel closes after the worker ends. The caller
// must drain it; an abandoned channel eventually blocks the event stream.
func (h *Handle) Messages() <-chan []byte {
	sub := h.broker.Subscribe()
	ch := make(chan []byte, 16)
	go func() {
		defer close(ch)
		for ev := range sub.C() {
			if ev.Type == events.TypeMessage {
				ch <- ev.Data
			}
		}
	}()
	return ch
}

// Stdout streams the worker's standard output. The reader drains buffered
// output and returns io.EOF after the worker ends.
func (h *Handle) Stdout() io.Reader {
	return h.stdout
}

// Stderr streams the worker's standard error
func (h *Handle) Stderr() io.Reader {
	return h.stderr
}

// Stdin returns a writer feeding the worker's standard input. Writing to a
// worker spawned without stdin enabled logs a warning once and the node
// discards the records; Close is a no-op since the stream protocol carries
// no stdin end-of-file.
func (h *Handle) Stdin() io.WriteCloser {
	return &stdinWriter{h: h}
}

// PostMessage sends one message payload to the worker
func (h *Handle) PostMessage(payload []byte) error {
	if h.exited() {
		return types.ErrWorkerExited
	}
	return h.control.writeBinary(protocol.ControlMessage, payload)
}

// Terminate asks the node to stop the worker, then waits for the terminal
// event to come back over the event stream. Terminating a worker that
// already ended returns ErrWorkerExited.
func (h *Handle) Terminate(ctx context.Context) error {
	if h.exited() {
		return types.ErrWorkerExited
	}
	if err := h.control.writeValue(protocol.ControlTerminate, "true"); err != nil {
		return err
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) exited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == types.WorkerStateExited
}

// demux consumes the event stream until the terminal record. It is the
// handle's single publishing goroutine, so subscribers observe records in
// exactly the order the node wrote them.
func (h *Handle) demux(body io.ReadCloser) {
	defer body.Close()

	dec := protocol.NewDecoder(body)
	for {
		rec, err := dec.Next()
		if err != nil {
			// The node closes the stream right after the terminal record;
			// an error after finish is just that close arriving.
			if h.exited() {
				return
			}
			if errors.Is(err, io.EOF) {
				h.finish(0, types.ErrWorkerDisconnected)
			} else {
				h.finish(0, fmt.Errorf("%w: %v", types.ErrWorkerDisconnected, err))
			}
			return
		}

		switch rec.Name {
		case protocol.EventOnline:
			if rec.Value == "true" {
				h.markOnline()
			}
		case protocol.EventStdout:
			payload, err := rec.Binary()
			if err != nil {
				h.logger.Warn().Err(err).Msg("undecodable stdout record")
				continue
			}
			_, _ = h.stdout.Write(payload)
		case protocol.EventStderr:
			payload, err := rec.Binary()
			if err != nil {
				h.logger.Warn().Err(err).Msg("undecodable stderr record")
				continue
			}
			_, _ = h.stderr.Write(payload)
		case protocol.EventMessage:
			payload, err := rec.Binary()
			if err != nil {
				h.logger.Warn().Err(err).Msg("undecodable message record")
				continue
			}
			h.broker.Publish(events.Event{Type: events.TypeMessage, Data: payload})
		case protocol.EventExit:
			code, err := strconv.Atoi(rec.Value)
			if err != nil {
				h.logger.Warn().Str("value", rec.Value).Msg("unparseable exit code")
			}
			h.finish(code, nil)
			return
		case protocol.EventError:
			h.finish(0, decodeFault(rec))
			return
		default:
			// Unknown record names are ignored so nodes can grow the
			// protocol without breaking older clients.
		}
	}
}

// decodeFault unpacks an error record into the child's fault
func decodeFault(rec protocol.Record) error {
	payload, err := rec.Binary()
	if err != nil {
		return fmt.Errorf("worker faulted with undecodable error record: %w", err)
	}
	re, err := protocol.DecodeErrorPayload(payload)
	if err != nil {
		return fmt.Errorf("worker faulted with undecodable error payload: %w", err)
	}
	return re
}

// markOnline transitions pending to online exactly once
func (h *Handle) markOnline() {
	h.onlineOnce.Do(func() {
		h.mu.Lock()
		if h.state == types.WorkerStatePending {
			h.state = types.WorkerStateOnline
		}
		h.mu.Unlock()
		close(h.online)
		h.broker.Publish(events.Event{Type: events.TypeOnline})
	})
}

// finish records the terminal state and tears the handle down: output
// streams drain to EOF, Done closes, the control stream ends, and the
// terminal event goes out before the broker closes. A terminal error with
// nobody subscribed is logged loudly rather than vanishing.
func (h *Handle) finish(code int, terminalErr error) {
	h.mu.Lock()
	if h.state == types.WorkerStateExited {
		h.mu.Unlock()
		return
	}
	h.state = types.WorkerStateExited
	h.exitCode = code
	h.err = terminalErr
	h.mu.Unlock()

	h.stdout.Close()
	h.stderr.Close()
	close(h.done)
	h.control.close()

	if terminalErr != nil {
		if h.broker.SubscriberCount() == 0 {
			h.logger.Error().Err(terminalErr).Msg("worker failed with no subscriber attached")
		}
		h.broker.Publish(events.Event{Type: events.TypeError, Err: terminalErr})
	} else {
		h.broker.Publish(events.Event{Type: events.TypeExit, Code: code})
	}
	h.broker.Close()
}

// stdinWriter forwards writes onto the control stream as stdin records
type stdinWriter struct {
	h *Handle
}

func (w *stdinWriter) Write(p []byte) (int, error) {
	if w.h.exited() {
		return 0, types.ErrWorkerExited
	}
	if !w.h.stdinEnabled {
		w.h.stdinWarn.Do(func() {
			w.h.logger.Warn().Msg("stdin write on a worker spawned without stdin; the node will discard it")
		})
	}
	if err := w.h.control.writeBinary(protocol.ControlStdin, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *stdinWriter) Close() error {
	return nil
}
