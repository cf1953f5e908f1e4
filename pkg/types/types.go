package types

import (
	"encoding/json"
	"time"
)

// WorkerState represents the lifecycle state of a worker on a node
type WorkerState string

const (
	// WorkerStatePending means the child process has been requested but has
	// not yet signalled that it is executing.
	WorkerStatePending WorkerState = "pending"

	// WorkerStateOnline means the child signalled that it began executing.
	WorkerStateOnline WorkerState = "online"

	// WorkerStateExited means the worker reached a terminal state, either a
	// normal exit (with code) or a fault. No further events are emitted.
	WorkerStateExited WorkerState = "exited"
)

// NodeIdentity is the document returned by GET / on a node
type NodeIdentity struct {
	Name        string `json:"name"`
	NodeVersion string `json:"nodeVersion"`
}

// LoadSample is the load report returned by GET /health on a node.
// CPUUsage holds one utilization value in [0,1] per core, derived from
// deltas of cumulative busy/idle counters between consecutive calls.
type LoadSample struct {
	WorkersRunning int       `json:"workersRunning"`
	CPUUsage       []float64 `json:"cpuUsage"`

	// Taken is client-side bookkeeping (when the sample was fetched);
	// it does not travel on the wire.
	Taken time.Time `json:"-"`
}

// Mean returns the average per-core utilization of the sample, or 0 when
// no per-core values are present.
func (s *LoadSample) Mean() float64 {
	if s == nil || len(s.CPUUsage) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s.CPUUsage {
		sum += v
	}
	return sum / float64(len(s.CPUUsage))
}

// BundleInfo describes a cached bundle on a node
type BundleInfo struct {
	Hash    string    `json:"hash"`
	Size    int64     `json:"size"`
	Created time.Time `json:"created"`
}

// CreateBundleRequest is the body of POST /bundles/create
type CreateBundleRequest struct {
	Hash string `json:"hash"`
}

// CreateWorkerRequest is the body of POST /worker
type CreateWorkerRequest struct {
	BundleHash       string          `json:"bundleHash"`
	ExtraData        json.RawMessage `json:"extraData,omitempty"`
	ExitOnRequestEnd bool            `json:"exitOnRequestEnd"`
}

// Credentials is the basic-auth credential pair configured per node
type Credentials struct {
	Username string
	Password string
}

// ResourceLimits bounds the child runtime's memory and stack, mirroring the
// resource limit knobs of the child host. All values are megabytes.
type ResourceLimits struct {
	MaxOldGenerationSizeMb   int `json:"maxOldGenerationSizeMb,omitempty"`
	MaxYoungGenerationSizeMb int `json:"maxYoungGenerationSizeMb,omitempty"`
	CodeRangeSizeMb          int `json:"codeRangeSizeMb,omitempty"`
	StackSizeMb              int `json:"stackSizeMb,omitempty"`
}

// SpawnOptions is the caller-facing spawn configuration. Known fields map
// onto the recognized extraData keys; Extra carries additional keys that are
// forwarded to the child host verbatim.
//
// InheritEnv and InheritExecArgv opt in to merging the calling process's
// environment and runtime arguments into the blob. They default to off so a
// spawn never leaks ambient credentials unless asked to.
type SpawnOptions struct {
	Argv           []string
	Env            map[string]string
	ExecArgv       []string
	WorkerData     any
	TransferList   any
	Stdin          bool
	ResourceLimits *ResourceLimits

	// KeepAlive asks the node to keep the worker running after the last
	// client stream detaches. Off by default: an orphaned worker whose
	// client went away is terminated after a short grace window.
	KeepAlive bool

	InheritEnv      bool
	InheritExecArgv bool

	Extra map[string]any
}

// ExtraData marshals the options into the opaque spawn blob carried by
// CreateWorkerRequest. Known keys overwrite same-named entries in Extra.
// Inherit flags are resolved by the caller before this point (the client
// populates Env / ExecArgv); ExtraData itself performs no ambient reads.
func (o *SpawnOptions) ExtraData() (json.RawMessage, error) {
	blob := make(map[string]any, len(o.Extra)+7)
	for k, v := range o.Extra {
		blob[k] = v
	}
	if len(o.Argv) > 0 {
		blob["argv"] = o.Argv
	}
	if len(o.Env) > 0 {
		blob["env"] = o.Env
	}
	if len(o.ExecArgv) > 0 {
		blob["execArgv"] = o.ExecArgv
	}
	if o.WorkerData != nil {
		blob["workerData"] = o.WorkerData
	}
	if o.TransferList != nil {
		blob["transferList"] = o.TransferList
	}
	if o.Stdin {
		blob["stdin"] = true
	}
	if o.ResourceLimits != nil {
		blob["resourceLimits"] = o.ResourceLimits
	}
	return json.Marshal(blob)
}

// HostOptions is the node/host-side view of the spawn blob: the recognized
// keys, decoded. Unknown keys are preserved on the raw blob, never here.
type HostOptions struct {
	Argv           []string          `json:"argv,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	ExecArgv       []string          `json:"execArgv,omitempty"`
	WorkerData     json.RawMessage   `json:"workerData,omitempty"`
	Stdin          bool              `json:"stdin,omitempty"`
	ResourceLimits *ResourceLimits   `json:"resourceLimits,omitempty"`
}

// DecodeHostOptions extracts the recognized spawn keys from an opaque blob.
// A nil or empty blob decodes to the zero options.
func DecodeHostOptions(blob json.RawMessage) (*HostOptions, error) {
	opts := &HostOptions{}
	if len(blob) == 0 {
		return opts, nil
	}
	if err := json.Unmarshal(blob, opts); err != nil {
		return nil, err
	}
	return opts, nil
}
