package node

import (
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/host"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/protocol"
	"github.com/cuemby/burrow/pkg/types"
)

// stream is one attached event stream. done fires when the stream should
// end, either because the worker reached its terminal state or because the
// stream was detached; the HTTP handler blocks on it.
type stream struct {
	pw   *protocol.Writer
	done chan struct{}
	once sync.Once
}

func newStream(w io.Writer) *stream {
	return &stream{pw: protocol.NewWriter(w), done: make(chan struct{})}
}

func (st *stream) close() {
	st.once.Do(func() { close(st.done) })
}

// session supervises one worker: it pumps the child's events to every
// attached stream, tracks lifecycle state, and enforces the exit-on-idle
// grace window. All event writes happen under one mutex, which is what
// gives every attached stream the same totally ordered record sequence.
type session struct {
	id      string
	proc    host.Proc
	created time.Time
	grace   time.Duration
	logger  zerolog.Logger

	// onExit is invoked once, after the terminal event went out
	onExit func(*session)

	startOnce sync.Once

	mu         sync.Mutex
	state      types.WorkerState
	streams    map[*stream]struct{}
	exitOnIdle bool
	graceTimer *time.Timer
	exitCode   int
	fault      *types.RemoteError

	done chan struct{}
}

func newSession(id string, proc host.Proc, grace time.Duration, exitOnIdle bool, onExit func(*session)) *session {
	return &session{
		id:         id,
		proc:       proc,
		created:    time.Now().UTC(),
		grace:      grace,
		logger:     log.WithWorkerID(id),
		onExit:     onExit,
		state:      types.WorkerStatePending,
		streams:    make(map[*stream]struct{}),
		exitOnIdle: exitOnIdle,
		done:       make(chan struct{}),
	}
}

// start begins pumping child events. It runs once; the caller attaches the
// creating request's stream first so no early output slips past it.
func (s *session) start() {
	s.startOnce.Do(func() { go s.pump() })
}

func (s *session) pump() {
	for ev := range s.proc.Events() {
		switch ev.Kind {
		case host.KindOnline:
			s.mu.Lock()
			if s.state == types.WorkerStatePending {
				s.state = types.WorkerStateOnline
			}
			s.broadcastValue(protocol.EventOnline, "true")
			s.mu.Unlock()
			metrics.EventRecords.WithLabelValues(protocol.EventOnline).Inc()
		case host.KindStdout:
			s.mu.Lock()
			s.broadcastBinary(protocol.EventStdout, ev.Data)
			s.mu.Unlock()
			metrics.EventRecords.WithLabelValues(protocol.EventStdout).Inc()
		case host.KindStderr:
			s.mu.Lock()
			s.broadcastBinary(protocol.EventStderr, ev.Data)
			s.mu.Unlock()
			metrics.EventRecords.WithLabelValues(protocol.EventStderr).Inc()
		case host.KindMessage:
			s.mu.Lock()
			s.broadcastBinary(protocol.EventMessage, ev.Data)
			s.mu.Unlock()
			metrics.EventRecords.WithLabelValues(protocol.EventMessage).Inc()
		case host.KindExit:
			s.finish(ev.Code, nil)
		case host.KindFault:
			s.finish(0, ev.Err)
		}
	}

	// The host contract ends the stream with a terminal event; if it was
	// violated, synthesize a fault so attached readers are not left hanging.
	s.finish(0, &types.RemoteError{Name: "Error", Message: "worker event stream ended without terminal event"})
}

// finish records the terminal state, writes the terminal event to every
// attached stream, and ends them. Safe to call more than once; only the
// first call acts.
func (s *session) finish(code int, fault *types.RemoteError) {
	s.mu.Lock()
	if s.state == types.WorkerStateExited {
		s.mu.Unlock()
		return
	}
	s.state = types.WorkerStateExited
	s.exitCode = code
	s.fault = fault
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}

	outcome := "exit"
	record := protocol.EventExit
	if fault != nil {
		outcome = "fault"
		record = protocol.EventError
		if payload, err := protocol.EncodeErrorPayload(fault); err == nil {
			s.broadcastBinary(protocol.EventError, payload)
		}
	} else {
		s.broadcastValue(protocol.EventExit, strconv.Itoa(code))
	}

	closed := len(s.streams)
	for st := range s.streams {
		st.close()
	}
	s.streams = make(map[*stream]struct{})
	s.mu.Unlock()

	metrics.EventRecords.WithLabelValues(record).Inc()
	metrics.EventStreamsAttached.Sub(float64(closed))
	metrics.WorkersRunning.Dec()
	metrics.WorkerOutcomes.WithLabelValues(outcome).Inc()

	if fault != nil {
		s.logger.Info().Str("error", fault.Error()).Msg("worker faulted")
	} else {
		s.logger.Info().Int("code", code).Msg("worker exited")
	}

	close(s.done)
	if s.onExit != nil {
		s.onExit(s)
	}
}

// attach adds an event stream. Every new stream first gets an
// `online: <flag>` snapshot so a late reader learns the current state; a
// pending worker's streams get the real `online: true` on transition. A
// stream attached to an exited worker additionally gets the terminal event
// replayed and ends immediately. Attaching cancels a pending exit-on-idle
// grace timer.
func (s *session) attach(w io.Writer) *stream {
	st := newStream(w)

	s.mu.Lock()
	flag := "false"
	if s.state == types.WorkerStateOnline {
		flag = "true"
	}
	_ = st.pw.WriteValue(protocol.EventOnline, flag)

	if s.state == types.WorkerStateExited {
		if s.fault != nil {
			if payload, err := protocol.EncodeErrorPayload(s.fault); err == nil {
				_ = st.pw.WriteBinary(protocol.EventError, payload)
			}
		} else {
			_ = st.pw.WriteValue(protocol.EventExit, strconv.Itoa(s.exitCode))
		}
		s.mu.Unlock()
		st.close()
		return st
	}

	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.streams[st] = struct{}{}
	s.mu.Unlock()

	metrics.EventStreamsAttached.Inc()
	return st
}

// setExitOnIdle stickily enables exit-on-request-end for the worker. There
// is deliberately no way to turn it back off.
func (s *session) setExitOnIdle() {
	s.mu.Lock()
	s.exitOnIdle = true
	s.mu.Unlock()
}

// detach removes a stream. When the last one goes and the worker asked to
// exit on request end, the grace timer starts; a reattach within the window
// cancels it.
func (s *session) detach(st *stream) {
	s.mu.Lock()
	if _, ok := s.streams[st]; !ok {
		s.mu.Unlock()
		st.close()
		return
	}
	delete(s.streams, st)
	st.close()
	if len(s.streams) == 0 && s.exitOnIdle && s.state != types.WorkerStateExited && s.graceTimer == nil {
		s.graceTimer = time.AfterFunc(s.grace, s.graceExpired)
	}
	s.mu.Unlock()

	metrics.EventStreamsAttached.Dec()
}

func (s *session) graceExpired() {
	s.mu.Lock()
	s.graceTimer = nil
	expired := len(s.streams) == 0 && s.state != types.WorkerStateExited
	s.mu.Unlock()

	if expired {
		s.logger.Info().Dur("grace", s.grace).Msg("no event streams left, terminating worker")
		_ = s.proc.Terminate()
	}
}

// broadcastValue writes a plain record to every stream; must hold s.mu
func (s *session) broadcastValue(name, value string) {
	var failed []*stream
	for st := range s.streams {
		if err := st.pw.WriteValue(name, value); err != nil {
			failed = append(failed, st)
		}
	}
	s.dropStreams(failed)
}

// broadcastBinary writes a base64 record to every stream; must hold s.mu
func (s *session) broadcastBinary(name string, payload []byte) {
	var failed []*stream
	for st := range s.streams {
		if err := st.pw.WriteBinary(name, payload); err != nil {
			failed = append(failed, st)
		}
	}
	s.dropStreams(failed)
}

// dropStreams removes streams whose writes failed; must hold s.mu. A dead
// reader only loses its own stream, the worker and other readers carry on.
func (s *session) dropStreams(failed []*stream) {
	for _, st := range failed {
		delete(s.streams, st)
		st.close()
		metrics.EventStreamsAttached.Dec()
		s.logger.Debug().Msg("dropping unwritable event stream")
	}
}

func (s *session) writeStdin(p []byte) error {
	return s.proc.WriteStdin(p)
}

func (s *session) postMessage(payload []byte) error {
	return s.proc.PostMessage(payload)
}

func (s *session) terminate() error {
	return s.proc.Terminate()
}

func (s *session) readers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// wait returns a channel closed once the terminal event has been written
func (s *session) wait() <-chan struct{} {
	return s.done
}
