package host

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/types"
)

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event stream closed early")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func requireClosed(t *testing.T, events <-chan Event) {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.False(t, ok, "expected closed stream, got event %v", ev)
	case <-time.After(5 * time.Second):
		t.Fatal("event stream not closed after terminal event")
	}
}

func TestFuncHostLifecycle(t *testing.T) {
	h := &FuncHost{Main: func(c *Child) int {
		c.Stdout([]byte("starting\n"))
		c.Send([]byte(`{"phase":"done"}`))
		return 7
	}}

	p, err := h.Spawn(context.Background(), "w1", "bundle.js", nil)
	require.NoError(t, err)

	ev := nextEvent(t, p.Events())
	assert.Equal(t, KindOnline, ev.Kind)

	ev = nextEvent(t, p.Events())
	assert.Equal(t, KindStdout, ev.Kind)
	assert.Equal(t, "starting\n", string(ev.Data))

	ev = nextEvent(t, p.Events())
	assert.Equal(t, KindMessage, ev.Kind)
	assert.JSONEq(t, `{"phase":"done"}`, string(ev.Data))

	ev = nextEvent(t, p.Events())
	assert.Equal(t, KindExit, ev.Kind)
	assert.Equal(t, 7, ev.Code)

	requireClosed(t, p.Events())
}

func TestFuncHostPanicBecomesFault(t *testing.T) {
	h := &FuncHost{Main: func(c *Child) int {
		panic("unhandled boom")
	}}

	p, err := h.Spawn(context.Background(), "w1", "bundle.js", nil)
	require.NoError(t, err)

	require.Equal(t, KindOnline, nextEvent(t, p.Events()).Kind)

	ev := nextEvent(t, p.Events())
	require.Equal(t, KindFault, ev.Kind)
	require.NotNil(t, ev.Err)
	assert.Equal(t, "Error", ev.Err.Name)
	assert.Contains(t, ev.Err.Message, "unhandled boom")
	assert.NotEmpty(t, ev.Err.Stack)

	requireClosed(t, p.Events())
}

func TestFuncHostTerminate(t *testing.T) {
	h := &FuncHost{Main: func(c *Child) int {
		<-c.Done()
		return 0
	}}

	p, err := h.Spawn(context.Background(), "w1", "bundle.js", nil)
	require.NoError(t, err)
	require.Equal(t, KindOnline, nextEvent(t, p.Events()).Kind)

	require.NoError(t, p.Terminate())

	ev := nextEvent(t, p.Events())
	assert.Equal(t, KindExit, ev.Kind)
	assert.Equal(t, 1, ev.Code)

	requireClosed(t, p.Events())

	// idempotent
	assert.NoError(t, p.Terminate())
}

func TestFuncHostMessageRoundTrip(t *testing.T) {
	h := &FuncHost{Main: func(c *Child) int {
		for {
			select {
			case msg := <-c.Messages():
				c.Send(append([]byte("echo:"), msg...))
			case <-c.Done():
				return 0
			}
		}
	}}

	p, err := h.Spawn(context.Background(), "w1", "bundle.js", nil)
	require.NoError(t, err)
	require.Equal(t, KindOnline, nextEvent(t, p.Events()).Kind)

	require.NoError(t, p.PostMessage([]byte("ping")))

	ev := nextEvent(t, p.Events())
	assert.Equal(t, KindMessage, ev.Kind)
	assert.Equal(t, "echo:ping", string(ev.Data))

	require.NoError(t, p.Terminate())
}

func TestFuncHostStdin(t *testing.T) {
	h := &FuncHost{Main: func(c *Child) int {
		line := <-c.Stdin()
		c.Stdout(append([]byte("got "), line...))
		return 0
	}}

	p, err := h.Spawn(context.Background(), "w1", "bundle.js", &types.HostOptions{Stdin: true})
	require.NoError(t, err)
	require.Equal(t, KindOnline, nextEvent(t, p.Events()).Kind)

	require.NoError(t, p.WriteStdin([]byte("ping\n")))

	ev := nextEvent(t, p.Events())
	assert.Equal(t, KindStdout, ev.Kind)
	assert.Equal(t, "got ping\n", string(ev.Data))

	ev = nextEvent(t, p.Events())
	assert.Equal(t, KindExit, ev.Kind)
	assert.Equal(t, 0, ev.Code)
}

func TestFuncHostStdinDisabled(t *testing.T) {
	h := &FuncHost{Main: func(c *Child) int {
		<-c.Done()
		return 0
	}}

	p, err := h.Spawn(context.Background(), "w1", "bundle.js", nil)
	require.NoError(t, err)

	assert.ErrorIs(t, p.WriteStdin([]byte("x")), ErrStdinDisabled)
	require.NoError(t, p.Terminate())
}

func TestFuncHostWriteAfterExit(t *testing.T) {
	h := &FuncHost{Main: func(c *Child) int { return 0 }}

	p, err := h.Spawn(context.Background(), "w1", "bundle.js", &types.HostOptions{Stdin: true})
	require.NoError(t, err)

	require.Equal(t, KindOnline, nextEvent(t, p.Events()).Kind)
	require.Equal(t, KindExit, nextEvent(t, p.Events()).Kind)
	requireClosed(t, p.Events())

	assert.ErrorIs(t, p.PostMessage([]byte("late")), ErrProcExited)
	assert.ErrorIs(t, p.WriteStdin([]byte("late")), ErrProcExited)
}

func TestFuncHostSpawnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := &FuncHost{Main: func(c *Child) int { return 0 }}
	_, err := h.Spawn(ctx, "w1", "bundle.js", nil)
	assert.Error(t, err)
}
