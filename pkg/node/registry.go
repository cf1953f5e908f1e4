package node

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/burrow/pkg/host"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
)

// registry tracks the node's live workers. Exited workers are removed as
// soon as their terminal event went out; late lookups get a 404 from the
// handler layer.
type registry struct {
	host  host.Host
	grace time.Duration

	mu       sync.RWMutex
	sessions map[string]*session
}

func newRegistry(h host.Host, grace time.Duration) *registry {
	return &registry{
		host:     h,
		grace:    grace,
		sessions: make(map[string]*session),
	}
}

// spawn launches a worker from a cached artifact. The returned session has
// not started pumping events yet: the caller attaches the creating
// request's stream first, then calls start.
func (r *registry) spawn(ctx context.Context, artifact string, req *types.CreateWorkerRequest) (*session, error) {
	opts, err := types.DecodeHostOptions(req.ExtraData)
	if err != nil {
		return nil, fmt.Errorf("failed to decode extra data: %w", err)
	}

	id := uuid.New().String()

	timer := metrics.NewTimer()
	proc, err := r.host.Spawn(ctx, id, artifact, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to spawn worker: %w", err)
	}
	timer.ObserveDuration(metrics.SpawnDuration)

	s := newSession(id, proc, r.grace, req.ExitOnRequestEnd, r.remove)

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	metrics.WorkersSpawned.Inc()
	metrics.WorkersRunning.Inc()
	return s, nil
}

func (r *registry) get(id string) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *registry) remove(s *session) {
	r.mu.Lock()
	delete(r.sessions, s.id)
	r.mu.Unlock()
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// list returns live worker ids ordered by creation time
func (r *registry) list() []string {
	r.mu.RLock()
	live := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.RUnlock()

	sort.Slice(live, func(i, j int) bool {
		if live[i].created.Equal(live[j].created) {
			return live[i].id < live[j].id
		}
		return live[i].created.Before(live[j].created)
	})

	ids := make([]string, len(live))
	for i, s := range live {
		ids[i] = s.id
	}
	return ids
}

// shutdown terminates every live worker and waits for their terminal
// events, up to the context deadline.
func (r *registry) shutdown(ctx context.Context) {
	r.mu.RLock()
	live := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		live = append(live, s)
	}
	r.mu.RUnlock()

	for _, s := range live {
		_ = s.terminate()
	}
	for _, s := range live {
		select {
		case <-s.wait():
		case <-ctx.Done():
			return
		}
	}
}
