package node

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/bundle"
	"github.com/cuemby/burrow/pkg/host"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/protocol"
	"github.com/cuemby/burrow/pkg/types"
)

const (
	// DefaultGraceWindow is how long an exit-on-request-end worker survives
	// with no attached event streams before it is terminated.
	DefaultGraceWindow = time.Second

	// WorkerIDHeader mirrors the shared wire constant for callers that only
	// import this package.
	WorkerIDHeader = protocol.WorkerIDHeader

	// authRealm is the basic-auth realm challenged on 401s
	authRealm = "worker_threads_nodes"
)

// Config holds node configuration
type Config struct {
	// Name identifies the node to clients (GET /)
	Name string

	// ListenAddr is the host:port the HTTP server binds
	ListenAddr string

	// Credentials guard every endpoint with basic auth. Zero value leaves
	// the node open.
	Credentials types.Credentials

	// ScratchDir is where bundle artifacts and the cache index live
	ScratchDir string

	// CacheLimit is the bundle count past which the cache is wiped at
	// startup (0 = default)
	CacheLimit int

	// GraceWindow overrides DefaultGraceWindow (0 = default)
	GraceWindow time.Duration

	// Version is the node's own version, advertised on every response as
	// `Server: burrow/<version>`
	Version string

	// NodeVersion is the worker interpreter's version, reported by GET /
	NodeVersion string

	// Host launches worker children
	Host host.Host
}

// Server is a worker node: an HTTP server exposing the bundle cache, worker
// spawning, and the per-worker event and control streams.
type Server struct {
	cfg     *Config
	cache   *bundle.Cache
	reg     *registry
	load    *loadTracker
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  zerolog.Logger
}

// NewServer creates a node server
func NewServer(cfg *Config) (*Server, error) {
	if cfg.Host == nil {
		return nil, fmt.Errorf("host is required")
	}

	name := cfg.Name
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve node name: %w", err)
		}
		name = hostname
	}
	cfg.Name = name

	scratch := cfg.ScratchDir
	if scratch == "" {
		scratch = filepath.Join(os.TempDir(), "burrow")
	}

	grace := cfg.GraceWindow
	if grace <= 0 {
		grace = DefaultGraceWindow
	}

	cache, err := bundle.NewCache(scratch, cfg.CacheLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to open bundle cache: %w", err)
	}

	load, err := newLoadTracker()
	if err != nil {
		cache.Close()
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		cache:  cache,
		reg:    newRegistry(cfg.Host, grace),
		load:   load,
		logger: log.WithComponent("node").With().Str("node", name).Logger(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIdentity)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /bundles/create", s.handleBundleCreate)
	mux.HandleFunc("GET /bundles/{hash}", s.handleBundleDescribe)
	mux.HandleFunc("POST /bundles/{hash}/data", s.handleBundleData)
	mux.HandleFunc("GET /workers", s.handleWorkers)
	mux.HandleFunc("POST /worker", s.handleWorkerCreate)
	mux.HandleFunc("GET /worker/{id}/streams-pipe", s.handleEventStream)
	mux.HandleFunc("POST /worker/{id}/streams-pipe", s.handleControlStream)
	s.mux = mux
}

// Handler returns the full handler chain for embedding in tests or another
// server.
func (s *Server) Handler() http.Handler {
	return s.middleware(s.mux)
}

// Start runs the HTTP server until Stop or a listener error. The server
// carries no read or write timeouts: event and control streams stay open
// for the worker's whole lifetime.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("node listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop terminates all workers, drains their terminal events, shuts the
// HTTP server down, and closes the bundle cache.
func (s *Server) Stop(ctx context.Context) error {
	s.reg.shutdown(ctx)

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down http server: %w", err)
		}
	}
	return s.cache.Close()
}

// middleware stamps the Server header and enforces basic auth
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "burrow/"+s.version())
		if !s.authorized(r) {
			w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", authRealm))
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) version() string {
	if s.cfg.Version == "" {
		return "0.0.0"
	}
	return s.cfg.Version
}

func (s *Server) authorized(r *http.Request) bool {
	creds := s.cfg.Credentials
	if creds.Username == "" && creds.Password == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(creds.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(creds.Password)) == 1
	return userOK && passOK
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.NodeIdentity{
		Name:        s.cfg.Name,
		NodeVersion: s.cfg.NodeVersion,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	usage, err := s.load.Usage()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to sample cpu load")
		writeError(w, http.StatusInternalServerError, "failed to sample load")
		return
	}
	writeJSON(w, http.StatusOK, types.LoadSample{
		WorkersRunning: s.reg.count(),
		CPUUsage:       usage,
	})
}

func (s *Server) handleBundleCreate(w http.ResponseWriter, r *http.Request) {
	var req types.CreateBundleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.cache.Create(req.Hash); err != nil {
		if errors.Is(err, bundle.ErrInvalidFingerprint) {
			writeError(w, http.StatusBadRequest, "invalid bundle hash")
			return
		}
		s.logger.Error().Err(err).Msg("failed to reserve bundle")
		writeError(w, http.StatusInternalServerError, "failed to reserve bundle")
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleBundleDescribe(w http.ResponseWriter, r *http.Request) {
	info, err := s.cache.Describe(r.PathValue("hash"))
	if err != nil {
		if errors.Is(err, bundle.ErrNotFound) || errors.Is(err, bundle.ErrInvalidFingerprint) {
			writeError(w, http.StatusNotFound, "bundle not found")
			return
		}
		s.logger.Error().Err(err).Msg("failed to describe bundle")
		writeError(w, http.StatusInternalServerError, "failed to describe bundle")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleBundleData(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	compression := r.URL.Query().Get("compression")

	size, err := s.cache.PutData(hash, r.Body, compression)
	if err != nil {
		switch {
		case errors.Is(err, bundle.ErrUnknownCompression), errors.Is(err, bundle.ErrInvalidFingerprint):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, bundle.ErrNotReserved):
			writeError(w, http.StatusNotFound, "bundle slot not reserved")
		default:
			s.logger.Error().Err(err).Msg("failed to store bundle")
			writeError(w, http.StatusInternalServerError, "failed to store bundle")
		}
		return
	}

	s.logger.Info().Str("hash", hash).Int64("size", size).Msg("bundle stored")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.list())
}

func (s *Server) handleWorkerCreate(w http.ResponseWriter, r *http.Request) {
	var req types.CreateWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	artifact, err := s.cache.Open(req.BundleHash)
	if err != nil {
		if errors.Is(err, bundle.ErrNotFound) || errors.Is(err, bundle.ErrInvalidFingerprint) {
			writeError(w, http.StatusBadRequest, "unknown bundle")
			return
		}
		s.logger.Error().Err(err).Msg("failed to open bundle")
		writeError(w, http.StatusInternalServerError, "failed to open bundle")
		return
	}

	sess, err := s.reg.spawn(r.Context(), artifact, &req)
	if err != nil {
		s.logger.Error().Err(err).Str("hash", req.BundleHash).Msg("failed to spawn worker")
		writeError(w, http.StatusInternalServerError, "failed to spawn worker")
		return
	}

	s.logger.Info().
		Str("worker_id", sess.id).
		Str("hash", req.BundleHash).
		Bool("exit_on_request_end", req.ExitOnRequestEnd).
		Msg("worker created")

	// The response body is the worker's event stream. Attach before the
	// pump starts so the creator cannot miss early output, and flush the
	// headers so the caller sees the worker id before the first event.
	w.Header().Set(WorkerIDHeader, sess.id)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	st := sess.attach(w)
	sess.start()
	s.serveStream(r, sess, st)
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.reg.get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown worker")
		return
	}

	// a reattaching reader may opt the worker into exit-on-request-end;
	// the flag is sticky
	if q := r.URL.Query(); q.Has("exitOnRequestEnd") && q.Get("exitOnRequestEnd") != "false" {
		sess.setExitOnIdle()
	}

	w.Header().Set(WorkerIDHeader, sess.id)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	st := sess.attach(w)
	s.serveStream(r, sess, st)
}

// serveStream parks the handler until the stream ends or the client goes
// away. Returning is what ends the HTTP response.
func (s *Server) serveStream(r *http.Request, sess *session, st *stream) {
	select {
	case <-st.done:
	case <-r.Context().Done():
		sess.detach(st)
	}
}

func (s *Server) handleControlStream(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.reg.get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown worker")
		return
	}

	logger := s.logger.With().Str("worker_id", sess.id).Logger()
	dec := protocol.NewDecoder(r.Body)
	for {
		rec, err := dec.Next()
		if err != nil {
			break
		}

		switch rec.Name {
		case protocol.ControlStdin:
			metrics.ControlRecords.WithLabelValues(rec.Name).Inc()
			payload, err := rec.Binary()
			if err != nil {
				logger.Warn().Err(err).Msg("dropping undecodable stdin record")
				continue
			}
			if err := sess.writeStdin(payload); err != nil {
				logger.Debug().Err(err).Msg("dropping stdin record")
			}
		case protocol.ControlMessage:
			metrics.ControlRecords.WithLabelValues(rec.Name).Inc()
			payload, err := rec.Binary()
			if err != nil {
				logger.Warn().Err(err).Msg("dropping undecodable message record")
				continue
			}
			if err := sess.postMessage(payload); err != nil {
				logger.Debug().Err(err).Msg("dropping message record")
			}
		case protocol.ControlTerminate:
			metrics.ControlRecords.WithLabelValues(rec.Name).Inc()
			_ = sess.terminate()
		default:
			// unknown control names are ignored for forward compatibility
		}
	}

	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
