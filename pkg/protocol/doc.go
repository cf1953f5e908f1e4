/*
Package protocol implements the line framing shared by both directions of the
worker streams.

Each record is one UTF-8 line, `name ": " value`, terminated by '\n'. Values
that may contain arbitrary bytes (stdout/stderr chunks, messages, error
envelopes) are base64-encoded; the exit code and the online flag are plain
ASCII. Unknown record names are delivered to the dispatcher, which ignores
them, so new event types can be introduced without breaking old peers.

The Framer handles arbitrary chunk boundaries: a record split across two
reads is reassembled, a read containing several records dispatches them all
in order. Writer is its sending counterpart, serializing concurrent
producers onto one connection and flushing each record through HTTP response
buffering.
*/
package protocol
