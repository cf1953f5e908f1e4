package protocol

import (
	"bytes"
	"io"
)

// Framer is a push parser that reassembles records from arbitrarily chunked
// input. Chunks are split on '\n'; the first fragment of a chunk extends the
// pending buffer, each completed line dispatches, and a trailing fragment is
// carried forward to the next Feed.
type Framer struct {
	pending []byte
}

// Feed consumes one chunk and invokes fn for every completed record. Empty
// lines are skipped.
func (f *Framer) Feed(chunk []byte, fn func(Record)) {
	for {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			f.pending = append(f.pending, chunk...)
			return
		}
		line := chunk[:i]
		if len(f.pending) > 0 {
			line = append(f.pending, line...)
			f.pending = nil
		}
		if len(line) > 0 {
			fn(ParseRecord(line))
		}
		chunk = chunk[i+1:]
	}
}

// Pending reports whether a partial line is buffered
func (f *Framer) Pending() bool {
	return len(f.pending) > 0
}

// Decoder pulls records out of a byte stream using a Framer. It is the
// read-side counterpart of Writer: one Decoder per connection, single
// consumer.
type Decoder struct {
	r      io.Reader
	framer Framer
	queue  []Record
	buf    []byte
	err    error
}

// NewDecoder creates a decoder reading framed records from r
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, buf: make([]byte, 4096)}
}

// Next returns the next record. When the underlying stream ends, buffered
// records are drained first, then the stream error (io.EOF on a clean end)
// is returned. A trailing fragment with no newline is a truncated record
// and is dropped.
func (d *Decoder) Next() (Record, error) {
	for len(d.queue) == 0 {
		if d.err != nil {
			return Record{}, d.err
		}
		n, err := d.r.Read(d.buf)
		if n > 0 {
			d.framer.Feed(d.buf[:n], func(rec Record) {
				d.queue = append(d.queue, rec)
			})
		}
		if err != nil {
			d.err = err
		}
	}
	rec := d.queue[0]
	d.queue = d.queue[1:]
	return rec, nil
}
