package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/bundle"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/protocol"
	"github.com/cuemby/burrow/pkg/types"
)

// DefaultRefreshInterval is how often a node's load sample is re-fetched
// while at least one of its workers is live.
const DefaultRefreshInterval = 10 * time.Second

// NodeConfig configures a NodeClient
type NodeConfig struct {
	// Credentials override any userinfo embedded in the node URL
	Credentials *types.Credentials

	// HTTPClient defaults to a client with no global timeout; worker
	// streams are long-lived requests that must never be cut short.
	HTTPClient *http.Client

	// Version is this client's release version, compared against the
	// node's Server header to warn about skew. Empty disables the check.
	Version string

	// RefreshInterval overrides DefaultRefreshInterval
	RefreshInterval time.Duration
}

// NodeClient talks to one worker node over HTTP. It caches the node's
// identity after the first successful probe and keeps the most recent load
// sample for placement decisions. Safe for concurrent use.
type NodeClient struct {
	base            *url.URL
	creds           types.Credentials
	httpc           *http.Client
	version         string
	refreshInterval time.Duration
	logger          zerolog.Logger

	identityMu sync.Mutex
	identity   *types.NodeIdentity

	mu          sync.Mutex
	sample      *types.LoadSample
	live        int
	refreshStop chan struct{}
}

// NewNodeClient parses a node base URL (http or https, optionally carrying
// userinfo credentials) and returns a client for it. No network traffic
// happens until the first call.
func NewNodeClient(rawURL string, cfg *NodeConfig) (*NodeClient, error) {
	if cfg == nil {
		cfg = &NodeConfig{}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse node url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported node url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("node url %q has no host", rawURL)
	}

	var creds types.Credentials
	if u.User != nil {
		creds.Username = u.User.Username()
		creds.Password, _ = u.User.Password()
		u.User = nil
	}
	if cfg.Credentials != nil {
		creds = *cfg.Credentials
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""

	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{}
	}
	interval := cfg.RefreshInterval
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}

	return &NodeClient{
		base:            u,
		creds:           creds,
		httpc:           httpc,
		version:         cfg.Version,
		refreshInterval: interval,
		logger:          log.WithNode(u.String()),
	}, nil
}

// URL returns the node's base URL with credentials stripped
func (n *NodeClient) URL() string {
	return n.base.String()
}

// Identity probes GET / and returns the node's identity. The result is
// cached on first success; failures are returned to the caller and retried
// on the next call, so a node that was down at first use is not poisoned.
func (n *NodeClient) Identity(ctx context.Context) (*types.NodeIdentity, error) {
	n.identityMu.Lock()
	defer n.identityMu.Unlock()

	if n.identity != nil {
		return n.identity, nil
	}

	req, err := n.newRequest(ctx, http.MethodGet, n.base.JoinPath("/"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := n.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrNodeUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var identity types.NodeIdentity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		return nil, fmt.Errorf("failed to decode node identity: %w", err)
	}

	if nodeVersion, skewed := versionSkew(resp.Header.Get("Server"), n.version); skewed {
		n.logger.Warn().
			Str("node_version", nodeVersion).
			Str("client_version", n.version).
			Msg("node version differs from client version")
	}

	n.identity = &identity
	return n.identity, nil
}

// versionSkew parses a `burrow/<version>` Server header and reports whether
// it disagrees with the client's own version. Headers from other products
// (or none at all) never count as skew.
func versionSkew(serverHeader, clientVersion string) (string, bool) {
	product, nodeVersion, ok := strings.Cut(serverHeader, "/")
	if !ok || product != "burrow" {
		return "", false
	}
	if clientVersion == "" || nodeVersion == clientVersion {
		return nodeVersion, false
	}
	return nodeVersion, true
}

// Health fetches GET /health and stores the result as the node's current
// load sample for placement.
func (n *NodeClient) Health(ctx context.Context) (*types.LoadSample, error) {
	var sample types.LoadSample
	if err := n.getJSON(ctx, n.base.JoinPath("health"), &sample); err != nil {
		return nil, err
	}
	sample.Taken = time.Now()

	n.mu.Lock()
	n.sample = &sample
	n.mu.Unlock()
	return &sample, nil
}

// Sample returns the most recent load sample, or nil if the node has never
// been probed.
func (n *NodeClient) Sample() *types.LoadSample {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sample
}

// Workers lists the ids of the workers currently live on the node
func (n *NodeClient) Workers(ctx context.Context) ([]string, error) {
	var ids []string
	if err := n.getJSON(ctx, n.base.JoinPath("workers"), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// EnsureBundle makes the bundle bytes available on the node and returns
// their fingerprint. A bundle the node already holds is never re-sent; the
// describe round trip is all a duplicate costs.
func (n *NodeClient) EnsureBundle(ctx context.Context, data []byte) (string, error) {
	hash := bundle.Fingerprint(data)

	known, err := n.describeBundle(ctx, hash)
	if err != nil {
		return "", err
	}
	if known {
		return hash, nil
	}

	if err := n.createBundle(ctx, hash); err != nil {
		return "", err
	}
	if err := n.putBundleData(ctx, hash, data); err != nil {
		return "", err
	}
	n.logger.Debug().Str("hash", hash).Int("size", len(data)).Msg("bundle uploaded")
	return hash, nil
}

// describeBundle reports whether the node holds a completed upload of hash
func (n *NodeClient) describeBundle(ctx context.Context, hash string) (bool, error) {
	req, err := n.newRequest(ctx, http.MethodGet, n.base.JoinPath("bundles", hash), nil)
	if err != nil {
		return false, err
	}
	resp, err := n.httpc.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %v", types.ErrNodeUnreachable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, statusError(resp)
	}
}

func (n *NodeClient) createBundle(ctx context.Context, hash string) error {
	body, err := json.Marshal(types.CreateBundleRequest{Hash: hash})
	if err != nil {
		return err
	}
	req, err := n.newRequest(ctx, http.MethodPost, n.base.JoinPath("bundles", "create"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrNodeUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return statusError(resp)
	}
	return nil
}

func (n *NodeClient) putBundleData(ctx context.Context, hash string, data []byte) error {
	u := n.base.JoinPath("bundles", hash, "data")
	u.RawQuery = url.Values{"compression": {"none"}}.Encode()

	req, err := n.newRequest(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := n.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrNodeUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return statusError(resp)
	}
	return nil
}

// CreateWorker issues POST /worker and returns the assigned worker id and
// the response body carrying the event stream. The stream stays open for
// the worker's lifetime; the caller owns closing it. A 400 maps to
// ErrBundleRejected so the caller can distinguish a cache miss from a
// transport failure.
func (n *NodeClient) CreateWorker(ctx context.Context, cwr *types.CreateWorkerRequest) (string, io.ReadCloser, error) {
	body, err := json.Marshal(cwr)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode worker request: %w", err)
	}
	req, err := n.newRequest(ctx, http.MethodPost, n.base.JoinPath("worker"), bytes.NewReader(body))
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpc.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", types.ErrNodeUnreachable, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusBadRequest:
		err := fmt.Errorf("%w: %v", types.ErrBundleRejected, statusError(resp))
		resp.Body.Close()
		return "", nil, err
	default:
		err := statusError(resp)
		resp.Body.Close()
		return "", nil, err
	}

	id := resp.Header.Get(protocol.WorkerIDHeader)
	if id == "" {
		resp.Body.Close()
		return "", nil, fmt.Errorf("node did not return a worker id")
	}
	return id, resp.Body, nil
}

// AttachEvents opens an additional event stream on a live worker. With
// exitOnRequestEnd set the node will terminate the worker shortly after
// its last stream detaches.
func (n *NodeClient) AttachEvents(ctx context.Context, workerID string, exitOnRequestEnd bool) (io.ReadCloser, error) {
	u := n.base.JoinPath("worker", workerID, "streams-pipe")
	if exitOnRequestEnd {
		u.RawQuery = url.Values{"exitOnRequestEnd": {"true"}}.Encode()
	}
	req, err := n.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := n.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrNodeUnreachable, err)
	}
	if resp.StatusCode != http.StatusOK {
		err := statusError(resp)
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// postControl opens a control stream request. It deliberately takes no
// context: the request must outlive the spawn call, and its lifetime is
// ended by closing the body pipe instead. The call blocks until the node
// finishes reading the stream, so a nil error means the stream already
// ended.
func (n *NodeClient) postControl(workerID string, body io.Reader) (*http.Response, error) {
	u := n.base.JoinPath("worker", workerID, "streams-pipe")
	req, err := http.NewRequest(http.MethodPost, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	n.setAuth(req)

	resp, err := n.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrNodeUnreachable, err)
	}
	if resp.StatusCode != http.StatusOK {
		err := statusError(resp)
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// workerStarted records a live worker and starts the periodic load refresh
// when the count goes from zero to one.
func (n *NodeClient) workerStarted() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.live++
	if n.live == 1 && n.refreshStop == nil {
		n.refreshStop = make(chan struct{})
		go n.refreshLoop(n.refreshStop)
	}
}

// workerEnded is the counterpart of workerStarted; the refresh loop stops
// when the last live worker ends.
func (n *NodeClient) workerEnded() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.live == 0 {
		return
	}
	n.live--
	if n.live == 0 && n.refreshStop != nil {
		close(n.refreshStop)
		n.refreshStop = nil
	}
}

// LiveWorkers returns how many workers spawned through this client are
// still running.
func (n *NodeClient) LiveWorkers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.live
}

// stopRefresh force-stops the refresh loop regardless of live count.
// Called when the owning pool closes.
func (n *NodeClient) stopRefresh() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.refreshStop != nil {
		close(n.refreshStop)
		n.refreshStop = nil
	}
	n.live = 0
}

// refreshLoop keeps the load sample fresh while workers are live. An
// immediate probe replaces whatever stale sample placement just used; the
// ticker takes over from there.
func (n *NodeClient) refreshLoop(stop <-chan struct{}) {
	refresh := func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.refreshInterval)
		defer cancel()
		if _, err := n.Health(ctx); err != nil {
			n.logger.Debug().Err(err).Msg("load refresh failed")
		}
	}
	refresh()

	ticker := time.NewTicker(n.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			refresh()
		case <-stop:
			return
		}
	}
}

// getJSON performs an authenticated GET and decodes a 200 response body
func (n *NodeClient) getJSON(ctx context.Context, u *url.URL, out any) error {
	req, err := n.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := n.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrNodeUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (n *NodeClient) newRequest(ctx context.Context, method string, u *url.URL, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	n.setAuth(req)
	return req, nil
}

func (n *NodeClient) setAuth(req *http.Request) {
	if n.creds.Username != "" || n.creds.Password != "" {
		req.SetBasicAuth(n.creds.Username, n.creds.Password)
	}
}

// statusError turns a non-2xx response into an error, including the node's
// JSON error message when one is present.
func statusError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	if body.Error != "" {
		return fmt.Errorf("node returned status %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("node returned status %d", resp.StatusCode)
}
