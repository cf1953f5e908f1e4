package client

import (
	"bytes"
	"io"
	"sync"
)

// byteStream is an unbounded in-memory pipe bridging the demultiplexer to
// the handle's Stdout/Stderr readers. Writes never block, so a caller that
// ignores a worker's output cannot stall the event stream; reads block
// until data arrives or the stream closes.
type byteStream struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newByteStream() *byteStream {
	s := &byteStream{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *byteStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	n, _ := s.buf.Write(p)
	s.cond.Broadcast()
	return n, nil
}

// Read blocks until data is buffered or the stream is closed. After close,
// buffered data is drained before io.EOF.
func (s *byteStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.buf.Len() == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.buf.Len() > 0 {
		return s.buf.Read(p)
	}
	return 0, io.EOF
}

// Close marks the stream end. Pending and future reads drain what is
// buffered and then return io.EOF; writes fail. Idempotent.
func (s *byteStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.cond.Broadcast()
	}
	return nil
}
