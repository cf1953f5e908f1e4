/*
Package scheduler implements the per-spawn node placement policies.

Placement is a pure client-side decision: before each spawn the pool hands
the picker one load sample per registered node (nil for nodes never probed)
and gets back the index of the node to use. Pickers keep at most a cursor;
all node state lives in the pool.

# Strategies

	random          uniform over the registered nodes
	incremental     round-robin in registration order, monotonic cursor
	balancing       round-robin over the sampled nodes, busiest mean first
	balancing-idle  balancing with the opposite ordering (idlest first)

The balancing strategy sorts by descending mean per-core utilization before
rotating its cursor, so the first pick after a refresh lands on the busiest
node. That ordering is surprising but deliberate: callers already depend on
it, and changing the default would silently shift load patterns on existing
fleets. balancing-idle exposes the intuitive ordering for deployments that
want it; it is never the default.

Ties keep registration order, and when no node has been probed yet the
balancing strategies fall back to the first registered node.

Picking with zero registered nodes returns types.ErrNoNodeAvailable.

# Usage

	picker, err := scheduler.New(scheduler.StrategyIncremental)
	if err != nil {
		return err
	}
	idx, err := picker.Pick(samples)

Pickers are safe for concurrent use; a single pool-wide picker preserves the
round-robin guarantees across concurrent spawns.
*/
package scheduler
