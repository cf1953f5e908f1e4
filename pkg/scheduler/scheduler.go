package scheduler

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/cuemby/burrow/pkg/types"
)

// Strategy selects how a node is picked for each spawn
type Strategy string

const (
	// StrategyRandom picks uniformly over the registered nodes.
	StrategyRandom Strategy = "random"

	// StrategyIncremental rotates over the nodes in registration order.
	StrategyIncremental Strategy = "incremental"

	// StrategyBalancing rotates over the nodes that have a load sample,
	// ordered by descending mean per-core utilization (busiest first), which
	// packs work onto already-warm nodes before waking idle ones.
	StrategyBalancing Strategy = "balancing"

	// StrategyBalancingIdle is StrategyBalancing with the opposite ordering
	// (idlest first). Not the default; opt in deliberately.
	StrategyBalancingIdle Strategy = "balancing-idle"
)

// Picker chooses a node index for one spawn. The samples slice is in node
// registration order; a nil entry means that node has not been probed yet.
// Pickers are safe for concurrent use.
type Picker interface {
	Pick(samples []*types.LoadSample) (int, error)
}

// New returns the picker for a strategy
func New(strategy Strategy) (Picker, error) {
	switch strategy {
	case StrategyRandom, "":
		return &randomPicker{}, nil
	case StrategyIncremental:
		return &incrementalPicker{}, nil
	case StrategyBalancing:
		return &balancingPicker{}, nil
	case StrategyBalancingIdle:
		return &balancingPicker{idleFirst: true}, nil
	default:
		return nil, fmt.Errorf("unknown placement strategy: %q", strategy)
	}
}

// randomPicker selects uniformly
type randomPicker struct{}

func (p *randomPicker) Pick(samples []*types.LoadSample) (int, error) {
	if len(samples) == 0 {
		return 0, types.ErrNoNodeAvailable
	}
	return rand.IntN(len(samples)), nil
}

// incrementalPicker keeps a monotonically advancing cursor over the
// registration order, wrapping past the end.
type incrementalPicker struct {
	mu     sync.Mutex
	cursor int
}

func (p *incrementalPicker) Pick(samples []*types.LoadSample) (int, error) {
	if len(samples) == 0 {
		return 0, types.ErrNoNodeAvailable
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	idx := p.cursor % len(samples)
	p.cursor++
	return idx, nil
}

// balancingPicker restricts to nodes with a known load sample, sorts them by
// mean per-core utilization, and rotates a cursor within that sorted list.
// Ties keep registration order. With no samples at all it falls back to the
// first registered node.
type balancingPicker struct {
	idleFirst bool

	mu     sync.Mutex
	cursor int
}

func (p *balancingPicker) Pick(samples []*types.LoadSample) (int, error) {
	if len(samples) == 0 {
		return 0, types.ErrNoNodeAvailable
	}

	var candidates []int
	for i, s := range samples {
		if s != nil {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		ma, mb := samples[candidates[a]].Mean(), samples[candidates[b]].Mean()
		if p.idleFirst {
			return ma < mb
		}
		return ma > mb
	})

	p.mu.Lock()
	defer p.mu.Unlock()

	idx := candidates[p.cursor%len(candidates)]
	p.cursor++
	return idx, nil
}
