package protocol

import (
	"io"
	"sync"
)

// flusher matches http.ResponseWriter's flush capability; long-lived event
// streams must push each record through buffering proxies immediately.
type flusher interface {
	Flush()
}

// Writer serializes record writes to a shared stream. Both stream directions
// have concurrent producers (the node's event pump plus online notifiers, the
// client's stdin/message/terminate calls), so every record is written under
// one mutex as a single Write call.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
	f  flusher
}

// NewWriter wraps w, flushing after each record when w supports it
func NewWriter(w io.Writer) *Writer {
	pw := &Writer{w: w}
	if f, ok := w.(flusher); ok {
		pw.f = f
	}
	return pw
}

// WriteValue writes a record with a plain ASCII value
func (w *Writer) WriteValue(name, value string) error {
	return w.write(Encode(name, value))
}

// WriteBinary writes a record with a base64-encoded payload
func (w *Writer) WriteBinary(name string, payload []byte) error {
	return w.write(EncodeBinary(name, payload))
}

func (w *Writer) write(line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.w.Write(line); err != nil {
		return err
	}
	if w.f != nil {
		w.f.Flush()
	}
	return nil
}
