/*
Package types defines the core data structures used throughout Burrow.

This package contains the fundamental types of Burrow's domain model: node
identity and load samples, bundle records, worker lifecycle states, spawn
options, and the error taxonomy surfaced on worker handles. All other
packages depend on these types for wire communication and dispatch logic.

# Core Types

Node bookkeeping:
  - NodeIdentity: Name and runtime version reported by GET /
  - LoadSample: Per-core utilization plus running-worker count from GET /health
  - Credentials: Basic-auth pair configured per node

Bundles:
  - BundleInfo: Content-addressed record (hash, size, created)
  - CreateBundleRequest: Slot reservation body

Workers:
  - WorkerState: pending → online → exited lifecycle
  - CreateWorkerRequest: Spawn request (bundle hash, opaque options blob,
    exit-on-request-end flag)
  - SpawnOptions: Caller-facing spawn configuration, marshalled into the
    opaque extraData blob
  - HostOptions: Node-side decoded view of the recognized blob keys
  - ResourceLimits: Child runtime memory and stack bounds

# Error Taxonomy

The dispatch subsystem reports a closed set of error conditions:

  - ErrNoNodeAvailable: spawn attempted with zero registered nodes
  - ErrNodeUnreachable: probe or upload transport failure
  - ErrBundleRejected: node refused the worker-create request
  - ErrWorkerDisconnected: event stream lost before a terminal event
  - ErrWorkerExited: handle API used after the worker's terminal event
  - RemoteError: fault reported by the child, with name, message and stack

Callers branch with errors.Is; wrapping preserves the sentinels.

# Spawn Options

SpawnOptions separates recognized keys (argv, env, execArgv, workerData,
transferList, stdin, resourceLimits) from an Extra map whose entries travel
to the child host verbatim. Ambient inheritance of the caller's environment
and runtime arguments is opt-in via InheritEnv / InheritExecArgv; nothing is
merged implicitly.
*/
package types
