package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strconv"

	"github.com/cuemby/burrow/pkg/types"
)

// Event record names carried on the node → client stream
const (
	EventOnline  = "online"
	EventStdout  = "stdout"
	EventStderr  = "stderr"
	EventMessage = "message"
	EventExit    = "exit"
	EventError   = "error"
)

// Control record names carried on the client → node stream
const (
	ControlStdin     = "stdin"
	ControlMessage   = "worker_message"
	ControlTerminate = "terminate"
)

// WorkerIDHeader carries the worker id on worker-create responses
const WorkerIDHeader = "x-worker-id"

// Record is a single framed line: `name ": " value`. Value is base64 for
// binary payloads; exit codes and the online flag travel as plain ASCII.
type Record struct {
	Name  string
	Value string
}

// Binary decodes the record value as a base64 payload
func (r Record) Binary() ([]byte, error) {
	return base64.StdEncoding.DecodeString(r.Value)
}

// Encode renders a record as a wire line, including the trailing newline
func Encode(name, value string) []byte {
	buf := make([]byte, 0, len(name)+len(value)+3)
	buf = append(buf, name...)
	buf = append(buf, ':', ' ')
	buf = append(buf, value...)
	buf = append(buf, '\n')
	return buf
}

// EncodeBinary renders a record whose payload is base64-encoded
func EncodeBinary(name string, payload []byte) []byte {
	return Encode(name, base64.StdEncoding.EncodeToString(payload))
}

// EncodeExit renders the terminal exit record with a plain decimal code
func EncodeExit(code int) []byte {
	return Encode(EventExit, strconv.Itoa(code))
}

// ParseRecord splits a line (without its newline) into a record. The value
// is everything after the first colon, with one optional leading space
// stripped. A line with no colon parses as a bare name; dispatchers ignore
// names they do not recognize, so malformed input degrades to a no-op.
func ParseRecord(line []byte) Record {
	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return Record{Name: string(line)}
	}
	value := line[i+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return Record{Name: string(line[:i]), Value: string(value)}
}

// EncodeErrorPayload marshals the fault envelope carried by error events
func EncodeErrorPayload(re *types.RemoteError) ([]byte, error) {
	return json.Marshal(re)
}

// DecodeErrorPayload unmarshals the fault envelope of an error event
func DecodeErrorPayload(payload []byte) (*types.RemoteError, error) {
	re := &types.RemoteError{}
	if err := json.Unmarshal(payload, re); err != nil {
		return nil, err
	}
	return re, nil
}
