package node

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/bundle"
	"github.com/cuemby/burrow/pkg/host"
	"github.com/cuemby/burrow/pkg/protocol"
	"github.com/cuemby/burrow/pkg/types"
)

func newTestServer(t *testing.T, cfg *Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Name == "" {
		cfg.Name = "test-node"
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = t.TempDir()
	}
	if cfg.Version == "" {
		cfg.Version = "1.2.3"
	}
	if cfg.NodeVersion == "" {
		cfg.NodeVersion = "v20.11.0"
	}
	if cfg.Host == nil {
		cfg.Host = &host.FuncHost{Main: func(c *host.Child) int {
			<-c.Done()
			return 0
		}}
	}

	s, err := NewServer(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
		ts.Close()
	})
	return s, ts
}

func doJSON(t *testing.T, ts *httptest.Server, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, r)
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func uploadBundle(t *testing.T, ts *httptest.Server, data []byte) string {
	t.Helper()
	hash := bundle.Fingerprint(data)

	resp := doJSON(t, ts, http.MethodPost, "/bundles/create", types.CreateBundleRequest{Hash: hash})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp, err := ts.Client().Post(
		ts.URL+"/bundles/"+hash+"/data?compression=none",
		"application/octet-stream",
		bytes.NewReader(data),
	)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
	return hash
}

// createWorker spawns a worker and returns the streaming response plus the
// decoder over its event records. The caller closes the body.
func createWorker(t *testing.T, ts *httptest.Server, req types.CreateWorkerRequest) (*http.Response, *protocol.Decoder) {
	t.Helper()
	resp := doJSON(t, ts, http.MethodPost, "/worker", req)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get(WorkerIDHeader))
	return resp, protocol.NewDecoder(resp.Body)
}

// nextRecord skips online snapshots with value "false"; every stream opens
// with one and most tests only care about the real events.
func nextRecord(t *testing.T, dec *protocol.Decoder) protocol.Record {
	t.Helper()
	for {
		rec, err := dec.Next()
		require.NoError(t, err)
		if rec.Name == protocol.EventOnline && rec.Value == "false" {
			continue
		}
		return rec
	}
}

func listWorkers(t *testing.T, ts *httptest.Server) []string {
	t.Helper()
	resp := doJSON(t, ts, http.MethodGet, "/workers", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ids []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ids))
	return ids
}

func TestIdentity(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := doJSON(t, ts, http.MethodGet, "/", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "burrow/1.2.3", resp.Header.Get("Server"))

	var identity types.NodeIdentity
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&identity))
	assert.Equal(t, "test-node", identity.Name)
	assert.Equal(t, "v20.11.0", identity.NodeVersion)
}

func TestBasicAuth(t *testing.T) {
	_, ts := newTestServer(t, &Config{
		Credentials: types.Credentials{Username: "u", Password: "p"},
	})

	resp, err := ts.Client().Get(ts.URL + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "worker_threads_nodes")

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/", nil)
	require.NoError(t, err)
	req.SetBasicAuth("u", "wrong")
	resp, err = ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err = http.NewRequest(http.MethodGet, ts.URL+"/", nil)
	require.NoError(t, err)
	req.SetBasicAuth("u", "p")
	resp, err = ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := doJSON(t, ts, http.MethodGet, "/health", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sample types.LoadSample
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sample))
	assert.Equal(t, 0, sample.WorkersRunning)
	require.NotEmpty(t, sample.CPUUsage)
	for _, v := range sample.CPUUsage {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}

func TestBundleEndpoints(t *testing.T) {
	_, ts := newTestServer(t, nil)
	data := []byte("module.exports = 1")
	hash := bundle.Fingerprint(data)

	// absent
	resp := doJSON(t, ts, http.MethodGet, "/bundles/"+hash, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// upload without reservation
	resp, err := ts.Client().Post(ts.URL+"/bundles/"+hash+"/data?compression=none", "application/octet-stream", bytes.NewReader(data))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// reserve
	resp = doJSON(t, ts, http.MethodPost, "/bundles/create", types.CreateBundleRequest{Hash: hash})
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	// reserved slots still describe as absent
	resp = doJSON(t, ts, http.MethodGet, "/bundles/"+hash, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// unknown compression refused
	resp, err = ts.Client().Post(ts.URL+"/bundles/"+hash+"/data?compression=gzip", "application/octet-stream", bytes.NewReader(data))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// upload
	resp, err = ts.Client().Post(ts.URL+"/bundles/"+hash+"/data?compression=none", "application/octet-stream", bytes.NewReader(data))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// describe
	resp = doJSON(t, ts, http.MethodGet, "/bundles/"+hash, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info types.BundleInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	resp.Body.Close()
	assert.Equal(t, hash, info.Hash)
	assert.Equal(t, int64(len(data)), info.Size)

	// re-reserving an uploaded bundle stays idempotent
	resp = doJSON(t, ts, http.MethodPost, "/bundles/create", types.CreateBundleRequest{Hash: hash})
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestWorkerCreateUnknownBundle(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := doJSON(t, ts, http.MethodPost, "/worker", types.CreateWorkerRequest{
		BundleHash: bundle.Fingerprint([]byte("never uploaded")),
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWorkerEventStreamOrdering(t *testing.T) {
	_, ts := newTestServer(t, &Config{
		Host: &host.FuncHost{Main: func(c *host.Child) int {
			c.Stdout([]byte("hello\n"))
			c.Send([]byte("hi"))
			return 0
		}},
	})
	hash := uploadBundle(t, ts, []byte("emit and exit"))

	resp, dec := createWorker(t, ts, types.CreateWorkerRequest{BundleHash: hash})
	defer resp.Body.Close()

	rec := nextRecord(t, dec)
	require.Equal(t, protocol.EventOnline, rec.Name)
	assert.Equal(t, "true", rec.Value)

	rec = nextRecord(t, dec)
	require.Equal(t, protocol.EventStdout, rec.Name)
	payload, err := rec.Binary()
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(payload))

	rec = nextRecord(t, dec)
	require.Equal(t, protocol.EventMessage, rec.Name)
	payload, err = rec.Binary()
	require.NoError(t, err)
	assert.Equal(t, "hi", string(payload))

	rec = nextRecord(t, dec)
	require.Equal(t, protocol.EventExit, rec.Name)
	assert.Equal(t, "0", rec.Value)

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWorkerFaultStream(t *testing.T) {
	_, ts := newTestServer(t, &Config{
		Host: &host.FuncHost{Main: func(c *host.Child) int {
			panic("worker blew up")
		}},
	})
	hash := uploadBundle(t, ts, []byte("panics"))

	resp, dec := createWorker(t, ts, types.CreateWorkerRequest{BundleHash: hash})
	defer resp.Body.Close()

	rec := nextRecord(t, dec)
	require.Equal(t, protocol.EventOnline, rec.Name)

	rec = nextRecord(t, dec)
	require.Equal(t, protocol.EventError, rec.Name)
	payload, err := rec.Binary()
	require.NoError(t, err)
	re, err := protocol.DecodeErrorPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, "Error", re.Name)
	assert.Contains(t, re.Message, "worker blew up")

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

// openControlStream starts the long-lived control POST. Records written to
// the returned writer reach the worker; closing it ends the request.
func openControlStream(t *testing.T, ts *httptest.Server, workerID string) (*protocol.Writer, func()) {
	t.Helper()
	pr, pw := io.Pipe()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/worker/"+workerID+"/streams-pipe", pr)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		resp, err := ts.Client().Do(req)
		if err != nil {
			errCh <- err
			return
		}
		resp.Body.Close()
		errCh <- nil
	}()

	done := func() {
		pw.Close()
		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("control stream did not finish")
		}
	}
	return protocol.NewWriter(pw), done
}

func TestControlStreamMessageEcho(t *testing.T) {
	_, ts := newTestServer(t, &Config{
		Host: &host.FuncHost{Main: func(c *host.Child) int {
			for {
				select {
				case msg := <-c.Messages():
					if string(msg) == "quit" {
						return 3
					}
					c.Send(msg)
				case <-c.Done():
					return 0
				}
			}
		}},
	})
	hash := uploadBundle(t, ts, []byte("echo until quit"))

	resp, dec := createWorker(t, ts, types.CreateWorkerRequest{BundleHash: hash})
	defer resp.Body.Close()
	workerID := resp.Header.Get(WorkerIDHeader)

	require.Equal(t, protocol.EventOnline, nextRecord(t, dec).Name)

	ctrl, closeCtrl := openControlStream(t, ts, workerID)
	defer closeCtrl()

	require.NoError(t, ctrl.WriteBinary(protocol.ControlMessage, []byte("ping")))

	rec := nextRecord(t, dec)
	require.Equal(t, protocol.EventMessage, rec.Name)
	payload, err := rec.Binary()
	require.NoError(t, err)
	assert.Equal(t, "ping", string(payload))

	require.NoError(t, ctrl.WriteBinary(protocol.ControlMessage, []byte("quit")))

	rec = nextRecord(t, dec)
	require.Equal(t, protocol.EventExit, rec.Name)
	assert.Equal(t, "3", rec.Value)
}

func TestControlStreamStdin(t *testing.T) {
	_, ts := newTestServer(t, &Config{
		Host: &host.FuncHost{Main: func(c *host.Child) int {
			line := <-c.Stdin()
			c.Stdout(append([]byte("got "), line...))
			return 0
		}},
	})
	hash := uploadBundle(t, ts, []byte("reads stdin"))

	extra, err := json.Marshal(map[string]any{"stdin": true})
	require.NoError(t, err)

	resp, dec := createWorker(t, ts, types.CreateWorkerRequest{BundleHash: hash, ExtraData: extra})
	defer resp.Body.Close()
	workerID := resp.Header.Get(WorkerIDHeader)

	require.Equal(t, protocol.EventOnline, nextRecord(t, dec).Name)

	ctrl, closeCtrl := openControlStream(t, ts, workerID)
	defer closeCtrl()
	require.NoError(t, ctrl.WriteBinary(protocol.ControlStdin, []byte("ping\n")))

	rec := nextRecord(t, dec)
	require.Equal(t, protocol.EventStdout, rec.Name)
	payload, err := rec.Binary()
	require.NoError(t, err)
	assert.Equal(t, "got ping\n", string(payload))

	rec = nextRecord(t, dec)
	assert.Equal(t, protocol.EventExit, rec.Name)
}

func TestControlStreamStdinDroppedWhenDisabled(t *testing.T) {
	_, ts := newTestServer(t, nil) // default worker waits for Done
	hash := uploadBundle(t, ts, []byte("no stdin"))

	resp, dec := createWorker(t, ts, types.CreateWorkerRequest{BundleHash: hash})
	defer resp.Body.Close()
	workerID := resp.Header.Get(WorkerIDHeader)

	require.Equal(t, protocol.EventOnline, nextRecord(t, dec).Name)

	ctrl, closeCtrl := openControlStream(t, ts, workerID)
	defer closeCtrl()

	// stdin is silently dropped; terminate proves the worker is intact
	require.NoError(t, ctrl.WriteBinary(protocol.ControlStdin, []byte("x")))
	require.NoError(t, ctrl.WriteValue(protocol.ControlTerminate, "true"))

	rec := nextRecord(t, dec)
	require.Equal(t, protocol.EventExit, rec.Name)
	assert.Equal(t, "1", rec.Value)
}

func TestStreamsPipeUnknownWorker(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp := doJSON(t, ts, http.MethodGet, "/worker/no-such-id/streams-pipe", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, ts, http.MethodPost, "/worker/no-such-id/streams-pipe", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSecondEventStreamSeesSameEvents(t *testing.T) {
	_, ts := newTestServer(t, &Config{
		Host: &host.FuncHost{Main: func(c *host.Child) int {
			select {
			case msg := <-c.Messages():
				c.Send(msg)
				return 5
			case <-c.Done():
				return 0
			}
		}},
	})
	hash := uploadBundle(t, ts, []byte("one message then exit"))

	resp, dec := createWorker(t, ts, types.CreateWorkerRequest{BundleHash: hash})
	defer resp.Body.Close()
	workerID := resp.Header.Get(WorkerIDHeader)

	require.Equal(t, protocol.EventOnline, nextRecord(t, dec).Name)

	// second reader
	resp2 := doJSON(t, ts, http.MethodGet, "/worker/"+workerID+"/streams-pipe", nil)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	dec2 := protocol.NewDecoder(resp2.Body)

	rec := nextRecord(t, dec2)
	require.Equal(t, protocol.EventOnline, rec.Name)
	assert.Equal(t, "true", rec.Value)

	ctrl, closeCtrl := openControlStream(t, ts, workerID)
	defer closeCtrl()
	require.NoError(t, ctrl.WriteBinary(protocol.ControlMessage, []byte("fan out")))

	for _, d := range []*protocol.Decoder{dec, dec2} {
		rec := nextRecord(t, d)
		require.Equal(t, protocol.EventMessage, rec.Name)
		payload, err := rec.Binary()
		require.NoError(t, err)
		assert.Equal(t, "fan out", string(payload))

		rec = nextRecord(t, d)
		require.Equal(t, protocol.EventExit, rec.Name)
		assert.Equal(t, "5", rec.Value)
	}
}

func TestWorkersListing(t *testing.T) {
	_, ts := newTestServer(t, nil)
	hash := uploadBundle(t, ts, []byte("long lived"))

	assert.Empty(t, listWorkers(t, ts))

	resp1, dec1 := createWorker(t, ts, types.CreateWorkerRequest{BundleHash: hash})
	defer resp1.Body.Close()
	resp2, dec2 := createWorker(t, ts, types.CreateWorkerRequest{BundleHash: hash})
	defer resp2.Body.Close()

	require.Equal(t, protocol.EventOnline, nextRecord(t, dec1).Name)
	require.Equal(t, protocol.EventOnline, nextRecord(t, dec2).Name)

	id1 := resp1.Header.Get(WorkerIDHeader)
	id2 := resp2.Header.Get(WorkerIDHeader)

	ids := listWorkers(t, ts)
	assert.Equal(t, []string{id1, id2}, ids)

	// terminate the first; it disappears from the listing
	ctrl, closeCtrl := openControlStream(t, ts, id1)
	require.NoError(t, ctrl.WriteValue(protocol.ControlTerminate, "true"))
	closeCtrl()

	require.Eventually(t, func() bool {
		ids := listWorkers(t, ts)
		return len(ids) == 1 && ids[0] == id2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestExitOnRequestEndGraceWindow(t *testing.T) {
	_, ts := newTestServer(t, &Config{GraceWindow: 300 * time.Millisecond})
	hash := uploadBundle(t, ts, []byte("grace window"))

	spawn := func() string {
		body, err := json.Marshal(types.CreateWorkerRequest{BundleHash: hash, ExitOnRequestEnd: true})
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+"/worker", bytes.NewReader(body))
		require.NoError(t, err)
		resp, err := ts.Client().Do(req)
		require.NoError(t, err)
		id := resp.Header.Get(WorkerIDHeader)
		require.NotEmpty(t, id)

		// wait until the worker is online, then drop the event stream
		dec := protocol.NewDecoder(resp.Body)
		require.Equal(t, protocol.EventOnline, nextRecord(t, dec).Name)
		cancel()
		resp.Body.Close()
		return id
	}

	t.Run("terminates after grace", func(t *testing.T) {
		id := spawn()
		require.Eventually(t, func() bool {
			for _, got := range listWorkers(t, ts) {
				if got == id {
					return false
				}
			}
			return true
		}, 5*time.Second, 20*time.Millisecond)
	})

	t.Run("reattach cancels termination", func(t *testing.T) {
		id := spawn()

		// reattach quickly and hold the stream open past the window
		resp := doJSON(t, ts, http.MethodGet, "/worker/"+id+"/streams-pipe", nil)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		time.Sleep(600 * time.Millisecond)
		assert.Contains(t, listWorkers(t, ts), id)
	})
}
