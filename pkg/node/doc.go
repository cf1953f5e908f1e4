// Package node implements the worker node: an HTTP server that caches
// uploaded bundles and runs workers from them on behalf of remote clients.
//
// Surface:
//
//	GET  /                           identity (name, interpreter version)
//	GET  /health                     workers running + per-core cpu usage
//	GET  /metrics                    prometheus metrics
//	POST /bundles/create             reserve a slot for a bundle fingerprint
//	GET  /bundles/{hash}             describe a completed bundle upload
//	POST /bundles/{hash}/data        upload bundle bytes (?compression=none)
//	GET  /workers                    list live workers
//	POST /worker                     spawn; the response body is the event stream
//	GET  /worker/{id}/streams-pipe   attach another event stream
//	POST /worker/{id}/streams-pipe   control stream (stdin/message/terminate)
//
// Every endpoint sits behind basic auth (realm "worker_threads_nodes") when
// credentials are configured, and every response carries the node's version
// as `Server: burrow/<version>` so clients can warn about skew.
//
// Streams are long-lived HTTP request/response bodies carrying framed
// records; a worker's event streams all see the same totally ordered record
// sequence, ending with exactly one exit or error record. A worker spawned
// with exitOnRequestEnd survives the loss of its last event stream only for
// a short grace window, so a crashed client cannot leak workers while a
// deliberate detach-and-reattach stays cheap.
package node
