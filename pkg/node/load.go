package node

import (
	"fmt"
	"sync"

	"github.com/shirou/gopsutil/v4/cpu"
)

// loadTracker derives per-core utilization from deltas of the kernel's
// cumulative busy/idle counters. The first window starts at construction,
// so an early health probe reports load since process start rather than
// a meaningless instant sample.
type loadTracker struct {
	mu   sync.Mutex
	prev []cpu.TimesStat
}

func newLoadTracker() (*loadTracker, error) {
	times, err := cpu.Times(true)
	if err != nil {
		return nil, fmt.Errorf("failed to read cpu counters: %w", err)
	}
	return &loadTracker{prev: times}, nil
}

// Usage returns one utilization value in [0,1] per core, measured over the
// window since the previous call.
func (lt *loadTracker) Usage() ([]float64, error) {
	cur, err := cpu.Times(true)
	if err != nil {
		return nil, fmt.Errorf("failed to read cpu counters: %w", err)
	}

	lt.mu.Lock()
	defer lt.mu.Unlock()

	n := len(cur)
	if len(lt.prev) < n {
		n = len(lt.prev)
	}
	usage := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		usage = append(usage, usageBetween(&lt.prev[i], &cur[i]))
	}
	lt.prev = cur
	return usage, nil
}

func usageBetween(prev, cur *cpu.TimesStat) float64 {
	busy := (cur.User + cur.System + cur.Nice + cur.Irq + cur.Softirq + cur.Steal) -
		(prev.User + prev.System + prev.Nice + prev.Irq + prev.Softirq + prev.Steal)
	idle := (cur.Idle + cur.Iowait) - (prev.Idle + prev.Iowait)

	total := busy + idle
	if total <= 0 {
		return 0
	}
	u := busy / total
	if u < 0 {
		return 0
	}
	if u > 1 {
		return 1
	}
	return u
}
