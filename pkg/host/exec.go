package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/protocol"
	"github.com/cuemby/burrow/pkg/types"
)

const (
	// DefaultInterpreter runs bundles under node
	DefaultInterpreter = "node"

	// DefaultKillDelay is how long a terminated child gets to exit on
	// SIGTERM before it is killed.
	DefaultKillDelay = 3 * time.Second

	// readChunkSize bounds a single stdout/stderr event payload
	readChunkSize = 32 * 1024
)

// Child process environment contract: the worker id and the decoded
// workerData blob are handed to the child through these variables, and the
// message channels ride on inherited descriptors.
const (
	envWorkerID   = "BURROW_WORKER_ID"
	envWorkerData = "BURROW_WORKER_DATA"

	// childInboundFD and childOutboundFD are the descriptors the child
	// inherits for the message channel: records written by the host arrive
	// on 3, records the child writes to 4 surface as message/error events.
	childInboundFD  = 3
	childOutboundFD = 4
)

// ExecConfig configures an ExecHost
type ExecConfig struct {
	// Interpreter is the executable that runs bundle artifacts
	Interpreter string

	// KillDelay is the SIGTERM-to-SIGKILL grace on Terminate
	KillDelay time.Duration
}

// ExecHost runs each worker as a child OS process: interpreter, execArgv,
// artifact path, argv. Stdout/stderr are chunked into events; a pair of
// inherited pipes carries framed message records in both directions.
type ExecHost struct {
	interpreter string
	killDelay   time.Duration
}

// NewExecHost resolves the interpreter and returns a host. The interpreter
// must be on PATH (or an absolute path); failing that is a config error
// worth surfacing at startup rather than on the first spawn.
func NewExecHost(cfg *ExecConfig) (*ExecHost, error) {
	if cfg == nil {
		cfg = &ExecConfig{}
	}

	interpreter := cfg.Interpreter
	if interpreter == "" {
		interpreter = DefaultInterpreter
	}
	path, err := exec.LookPath(interpreter)
	if err != nil {
		return nil, fmt.Errorf("failed to locate interpreter %q: %w", interpreter, err)
	}

	killDelay := cfg.KillDelay
	if killDelay <= 0 {
		killDelay = DefaultKillDelay
	}

	return &ExecHost{interpreter: path, killDelay: killDelay}, nil
}

// Spawn starts a child process for the artifact. The returned Proc has
// already emitted its online event; the caller drains Events until closed.
func (h *ExecHost) Spawn(ctx context.Context, id string, artifact string, opts *types.HostOptions) (Proc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &types.HostOptions{}
	}

	args := resourceFlags(opts.ResourceLimits)
	args = append(args, opts.ExecArgv...)
	args = append(args, artifact)
	args = append(args, opts.Argv...)

	cmd := exec.Command(h.interpreter, args...)
	cmd.Env = childEnv(id, opts)

	// Message channel descriptors. The child reads host records on fd 3
	// and writes its own on fd 4; the host keeps the opposite ends.
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create message pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		return nil, fmt.Errorf("failed to create message pipe: %w", err)
	}
	cmd.ExtraFiles = []*os.File{inR, outW}

	cleanup := func() {
		inR.Close()
		inW.Close()
		outR.Close()
		outW.Close()
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	var stdin io.WriteCloser
	if opts.Stdin {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			cleanup()
			return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
		}
	}

	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}

	// The child holds duplicates of its ends now
	inR.Close()
	outW.Close()

	p := &execProc{
		id:        id,
		cmd:       cmd,
		stdin:     stdin,
		msgW:      inW,
		msgR:      outR,
		killDelay: h.killDelay,
		events:    make(chan Event, 64),
		done:      make(chan struct{}),
	}

	logger := log.WithWorkerID(id)
	logger.Debug().
		Str("interpreter", h.interpreter).
		Str("artifact", artifact).
		Int("pid", cmd.Process.Pid).
		Msg("worker process started")

	p.events <- Event{Kind: KindOnline}

	p.wg.Add(3)
	go p.readStream(stdout, KindStdout)
	go p.readStream(stderr, KindStderr)
	go p.readMessages()
	go p.wait()

	return p, nil
}

type execProc struct {
	id        string
	cmd       *exec.Cmd
	stdin     io.WriteCloser // nil when stdin was not requested
	msgW      *os.File
	msgR      *os.File
	killDelay time.Duration

	events chan Event
	wg     sync.WaitGroup
	done   chan struct{}

	mu         sync.Mutex
	fault      *types.RemoteError
	exited     bool
	terminated bool

	writeMu sync.Mutex
}

func (p *execProc) Events() <-chan Event {
	return p.events
}

func (p *execProc) WriteStdin(data []byte) error {
	if p.stdin == nil {
		return ErrStdinDisabled
	}
	if p.hasExited() {
		return ErrProcExited
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write stdin: %w", err)
	}
	return nil
}

func (p *execProc) PostMessage(payload []byte) error {
	if p.hasExited() {
		return ErrProcExited
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.msgW.Write(protocol.EncodeBinary(protocol.EventMessage, payload)); err != nil {
		return fmt.Errorf("failed to post message: %w", err)
	}
	return nil
}

// Terminate sends SIGTERM and escalates to SIGKILL after the kill delay.
// Calling it again, or after exit, does nothing.
func (p *execProc) Terminate() error {
	p.mu.Lock()
	if p.exited || p.terminated {
		p.mu.Unlock()
		return nil
	}
	p.terminated = true
	p.mu.Unlock()

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to signal worker process: %w", err)
	}

	go func() {
		select {
		case <-p.done:
		case <-time.After(p.killDelay):
			logger := log.WithWorkerID(p.id)
			logger.Warn().Msg("worker ignored SIGTERM, killing")
			_ = p.cmd.Process.Kill()
		}
	}()
	return nil
}

func (p *execProc) hasExited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited
}

// readStream chunks one output pipe into events. The buffer is reused, so
// each event gets its own copy.
func (p *execProc) readStream(r io.Reader, kind EventKind) {
	defer p.wg.Done()

	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			p.events <- Event{Kind: kind, Data: data}
		}
		if err != nil {
			return
		}
	}
}

// readMessages decodes the child's outbound record stream. message records
// become events; an error record is remembered and decides the terminal
// event. Anything else is ignored.
func (p *execProc) readMessages() {
	defer p.wg.Done()
	defer p.msgR.Close()

	dec := protocol.NewDecoder(p.msgR)
	for {
		rec, err := dec.Next()
		if err != nil {
			return
		}
		switch rec.Name {
		case protocol.EventMessage:
			payload, err := rec.Binary()
			if err != nil {
				logger := log.WithWorkerID(p.id)
				logger.Warn().Err(err).Msg("dropping undecodable worker message")
				continue
			}
			p.events <- Event{Kind: KindMessage, Data: payload}
		case protocol.EventError:
			payload, err := rec.Binary()
			if err != nil {
				continue
			}
			re, err := protocol.DecodeErrorPayload(payload)
			if err != nil {
				continue
			}
			p.mu.Lock()
			p.fault = re
			p.mu.Unlock()
		}
	}
}

// wait collects the child and emits the terminal event once every producer
// goroutine has finished, which keeps the terminal event last.
func (p *execProc) wait() {
	p.wg.Wait()
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exited = true
	fault := p.fault
	terminated := p.terminated
	p.mu.Unlock()

	if fault != nil && !terminated {
		p.events <- Event{Kind: KindFault, Err: fault}
	} else {
		p.events <- Event{Kind: KindExit, Code: exitCode(err)}
	}
	close(p.events)
	close(p.done)

	if p.stdin != nil {
		p.stdin.Close()
	}
	p.msgW.Close()
}

// exitCode maps a Wait result to the protocol exit code. A signal death has
// no code of its own and reports as 1, matching a terminated worker.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if code := ee.ExitCode(); code >= 0 {
			return code
		}
		return 1
	}
	return 1
}

// childEnv builds the child's environment. An explicit env map replaces the
// node's environment entirely; otherwise the child inherits it. The worker
// id and workerData ride on top either way.
func childEnv(id string, opts *types.HostOptions) []string {
	var env []string
	if opts.Env != nil {
		keys := make([]string, 0, len(opts.Env))
		for k := range opts.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		env = make([]string, 0, len(keys)+2)
		for _, k := range keys {
			env = append(env, k+"="+opts.Env[k])
		}
	} else {
		env = os.Environ()
	}

	env = append(env, envWorkerID+"="+id)
	if len(opts.WorkerData) > 0 {
		env = append(env, envWorkerData+"="+string(opts.WorkerData))
	}
	return env
}

// resourceFlags translates resource limits into interpreter flags. The
// young-generation limit maps onto the semi-space flag; the code range has
// no command-line equivalent and is ignored.
func resourceFlags(rl *types.ResourceLimits) []string {
	if rl == nil {
		return nil
	}
	var flags []string
	if rl.MaxOldGenerationSizeMb > 0 {
		flags = append(flags, fmt.Sprintf("--max-old-space-size=%d", rl.MaxOldGenerationSizeMb))
	}
	if rl.MaxYoungGenerationSizeMb > 0 {
		flags = append(flags, fmt.Sprintf("--max-semi-space-size=%d", rl.MaxYoungGenerationSizeMb))
	}
	if rl.StackSizeMb > 0 {
		flags = append(flags, fmt.Sprintf("--stack-size=%d", rl.StackSizeMb*1024))
	}
	return flags
}
