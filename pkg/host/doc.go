// Package host launches and supervises worker children.
//
// A Host turns a cached bundle artifact into a running child and hands back
// a Proc: an event stream plus stdin/message/terminate controls. The event
// contract is the same for every implementation and is what the node's
// session layer is built on:
//
//   - online is emitted first, exactly once, when the child starts executing
//   - stdout/stderr/message events follow in emission order
//   - exactly one terminal event (exit with a code, or a fault) is emitted,
//     always last, and then the event channel is closed
//
// ExecHost is the production implementation. It runs the artifact under an
// interpreter (node by default) as a real OS process:
//
//	interpreter [resource flags] [execArgv...] artifact [argv...]
//
// Stdout and stderr are chunked into events. Messages travel over two
// inherited pipes as framed records: the child reads host messages on
// descriptor 3 and writes message/error records on descriptor 4. An error
// record remembered from descriptor 4 turns the child's death into a fault
// instead of a plain exit, which is how an uncaught exception in the child
// surfaces with its original name, message and stack. The worker id and the
// workerData blob are published to the child as BURROW_WORKER_ID and
// BURROW_WORKER_DATA.
//
// FuncHost runs the worker body as a Go function in-process. It honors the
// same contract and exists for tests and embedders that want dispatch
// semantics without an interpreter.
package host
