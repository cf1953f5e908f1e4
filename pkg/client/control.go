package client

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/protocol"
	"github.com/cuemby/burrow/pkg/types"
)

// defaultReconnectDelay spaces control stream redial attempts
const defaultReconnectDelay = 250 * time.Millisecond

var errControlConnEnded = errors.New("control connection ended")

// controlConn is one live control request: a pipe whose read end is the
// request body, and a record writer over the write end.
type controlConn struct {
	pw *io.PipeWriter
	w  *protocol.Writer
}

// controlStream is the client half of POST /worker/{id}/streams-pipe. The
// node holds the request open and applies records as they arrive; when the
// connection drops the stream silently redials, because losing the control
// channel says nothing about the worker itself. Writes that race a dying
// connection are retried on the next one. close() ends the stream for good
// and makes every later write fail with ErrWorkerExited.
type controlStream struct {
	node           *NodeClient
	workerID       string
	reconnectDelay time.Duration
	logger         zerolog.Logger

	mu     sync.Mutex
	conn   *controlConn
	closed bool
}

func newControlStream(node *NodeClient, workerID string) *controlStream {
	cs := &controlStream{
		node:           node,
		workerID:       workerID,
		reconnectDelay: defaultReconnectDelay,
		logger:         log.WithWorkerID(workerID).With().Str("node", node.URL()).Logger(),
	}
	cs.mu.Lock()
	cs.dial()
	cs.mu.Unlock()
	return cs
}

// dial starts a fresh connection. Caller holds cs.mu.
func (cs *controlStream) dial() {
	pr, pw := io.Pipe()
	conn := &controlConn{pw: pw, w: protocol.NewWriter(pw)}
	cs.conn = conn
	go cs.run(conn, pr)
}

// run owns one connection for its whole lifetime. The POST does not return
// until the node stops reading the stream, so returning at all means the
// connection is gone; if the stream is still wanted, wait out the delay and
// redial.
func (cs *controlStream) run(conn *controlConn, pr *io.PipeReader) {
	resp, err := cs.node.postControl(cs.workerID, pr)
	if err == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	// Unblock any writer parked on this connection's pipe.
	conn.pw.CloseWithError(errControlConnEnded)
	pr.CloseWithError(errControlConnEnded)

	cs.mu.Lock()
	current := cs.conn == conn
	if current {
		cs.conn = nil
	}
	wanted := !cs.closed
	cs.mu.Unlock()
	if !current || !wanted {
		return
	}

	cs.logger.Debug().Err(err).Msg("control stream dropped, reconnecting")
	time.Sleep(cs.reconnectDelay)

	cs.mu.Lock()
	if !cs.closed && cs.conn == nil {
		cs.dial()
	}
	cs.mu.Unlock()
}

// writeValue sends one plain record, redialing as needed
func (cs *controlStream) writeValue(name, value string) error {
	return cs.write(func(w *protocol.Writer) error { return w.WriteValue(name, value) })
}

// writeBinary sends one base64 record, redialing as needed
func (cs *controlStream) writeBinary(name string, payload []byte) error {
	return cs.write(func(w *protocol.Writer) error { return w.WriteBinary(name, payload) })
}

// write delivers one record to the current connection, dialing one if none
// is up. A write that fails mid-reconnect retries until the stream is
// closed; the handle closes the stream whenever the worker reaches its
// terminal state, so the retry loop cannot outlive the worker.
func (cs *controlStream) write(fn func(*protocol.Writer) error) error {
	for {
		cs.mu.Lock()
		if cs.closed {
			cs.mu.Unlock()
			return types.ErrWorkerExited
		}
		if cs.conn == nil {
			cs.dial()
		}
		conn := cs.conn
		cs.mu.Unlock()

		if err := fn(conn.w); err == nil {
			return nil
		}
		time.Sleep(cs.reconnectDelay)
	}
}

// close ends the stream cleanly: the node sees EOF on the request body and
// finishes the request. Idempotent.
func (cs *controlStream) close() {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return
	}
	cs.closed = true
	conn := cs.conn
	cs.conn = nil
	cs.mu.Unlock()

	if conn != nil {
		conn.pw.Close()
	}
}
