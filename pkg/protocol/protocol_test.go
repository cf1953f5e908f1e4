package protocol

import (
	"bytes"
	"io"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/types"
)

func TestParseRecord(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		expected Record
	}{
		{"name and value", "online: true", Record{Name: "online", Value: "true"}},
		{"no space after colon", "online:true", Record{Name: "online", Value: "true"}},
		{"empty value", "terminate: ", Record{Name: "terminate", Value: ""}},
		{"bare name", "heartbeat", Record{Name: "heartbeat", Value: ""}},
		{"value containing colon", "stdout: YTpi", Record{Name: "stdout", Value: "YTpi"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseRecord([]byte(tt.line)))
		})
	}
}

func TestEncodeBinaryRoundTrip(t *testing.T) {
	payload := []byte{0x00, 0x0a, 0xff, ':', '\n', 'x'}
	line := EncodeBinary("message", payload)
	require.True(t, bytes.HasSuffix(line, []byte("\n")))

	rec := ParseRecord(line[:len(line)-1])
	assert.Equal(t, "message", rec.Name)

	decoded, err := rec.Binary()
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

// TestFramerChunkBoundaries verifies that any way of slicing the byte stream
// yields the same record sequence: one byte at a time, odd-sized chunks, or
// everything at once.
func TestFramerChunkBoundaries(t *testing.T) {
	var wire []byte
	wire = append(wire, Encode("online", "true")...)
	wire = append(wire, EncodeBinary("stdout", []byte("hello\nworld"))...)
	wire = append(wire, EncodeBinary("message", []byte{0xde, 0xad, 0xbe, 0xef})...)
	wire = append(wire, EncodeExit(0)...)

	expected := []string{"online", "stdout", "message", "exit"}

	chunkings := []struct {
		name string
		size int
	}{
		{"single bytes", 1},
		{"three bytes", 3},
		{"whole stream", len(wire)},
	}

	for _, tc := range chunkings {
		t.Run(tc.name, func(t *testing.T) {
			var framer Framer
			var got []Record
			for off := 0; off < len(wire); off += tc.size {
				end := off + tc.size
				if end > len(wire) {
					end = len(wire)
				}
				framer.Feed(wire[off:end], func(rec Record) {
					got = append(got, rec)
				})
			}

			require.Len(t, got, len(expected))
			for i, name := range expected {
				assert.Equal(t, name, got[i].Name)
			}
			assert.False(t, framer.Pending())
		})
	}
}

// TestFramerRandomChunking drives the framing round-trip property with
// arbitrary binary payloads and random split points.
func TestFramerRandomChunking(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	var payloads [][]byte
	var wire []byte
	for i := 0; i < 200; i++ {
		p := make([]byte, rng.Intn(64))
		rng.Read(p)
		payloads = append(payloads, p)
		wire = append(wire, EncodeBinary("message", p)...)
	}

	var framer Framer
	var got [][]byte
	for off := 0; off < len(wire); {
		n := 1 + rng.Intn(17)
		if off+n > len(wire) {
			n = len(wire) - off
		}
		framer.Feed(wire[off:off+n], func(rec Record) {
			b, err := rec.Binary()
			require.NoError(t, err)
			got = append(got, b)
		})
		off += n
	}

	require.Len(t, got, len(payloads))
	for i := range payloads {
		assert.Equal(t, payloads[i], got[i], "payload %d", i)
	}
}

func TestDecoder(t *testing.T) {
	var wire []byte
	wire = append(wire, Encode("online", "true")...)
	wire = append(wire, EncodeBinary("stderr", []byte("oops"))...)
	wire = append(wire, EncodeExit(3)...)

	dec := NewDecoder(bytes.NewReader(wire))

	rec, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, Record{Name: "online", Value: "true"}, rec)

	rec, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "stderr", rec.Name)

	rec, err = dec.Next()
	require.NoError(t, err)
	assert.Equal(t, Record{Name: "exit", Value: "3"}, rec)

	_, err = dec.Next()
	assert.Equal(t, io.EOF, err)
}

func TestDecoderDropsTruncatedTail(t *testing.T) {
	wire := append(Encode("online", "true"), []byte("stdout: aGVsbG8")...) // no trailing newline

	dec := NewDecoder(bytes.NewReader(wire))

	rec, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "online", rec.Name)

	_, err = dec.Next()
	assert.Equal(t, io.EOF, err)
}

func TestWriterSerializesRecords(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	require.NoError(t, w.WriteValue("online", "true"))
	require.NoError(t, w.WriteBinary("stdout", []byte("hi")))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "online: true", lines[0])
	assert.Equal(t, "stdout: aGk=", lines[1])
}

func TestErrorPayloadRoundTrip(t *testing.T) {
	re := &types.RemoteError{Name: "RangeError", Message: "out of bounds", Stack: "at frob (bundle.js:10)"}

	payload, err := EncodeErrorPayload(re)
	require.NoError(t, err)

	decoded, err := DecodeErrorPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, re, decoded)
}
