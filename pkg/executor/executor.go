package executor

import (
	"context"
	"time"

	"github.com/shardmesh/shardmesh/pkg/clock"
	"github.com/shardmesh/shardmesh/pkg/metrics"
	"github.com/shardmesh/shardmesh/pkg/pool"
	"github.com/shardmesh/shardmesh/pkg/routing"
)

// Work is a unit of work to be executed against a shard connection.
// The executor is indifferent to what the work actually queries; it
// only routes, times and records it. Errors returned by the work are
// propagated to the caller verbatim.
type Work func(ctx context.Context, connection pool.Connection) (interface{}, error)

// Executor routes units of work to shards and handles failover.
//
// Errors surfaced to callers use gRPC status codes as their taxonomy:
// UNAVAILABLE when no healthy shard can serve the key, INTERNAL when a
// connection could not be established, FAILED_PRECONDITION when the
// topology itself is invalid, and the unit of work's own error in all
// other cases.
type Executor struct {
	resolver         *routing.Resolver
	registry         *pool.Registry
	collector        *metrics.Collector
	clock            clock.Clock
	operationTimeout time.Duration
}

// NewExecutor creates an Executor.
func NewExecutor(resolver *routing.Resolver, registry *pool.Registry, collector *metrics.Collector, clk clock.Clock, operationTimeout time.Duration) *Executor {
	if clk == nil {
		clk = clock.SystemClock
	}
	return &Executor{
		resolver:         resolver,
		registry:         registry,
		collector:        collector,
		clock:            clk,
		operationTimeout: operationTimeout,
	}
}

// Execute resolves the shard owning the routing key, acquires a
// connection of the requested role and runs the unit of work against
// it. Failed reads are retried once against the next shard in the
// fallback order. Failed writes are never retried elsewhere, as that
// would place data on a shard that does not own the key.
func (e *Executor) Execute(ctx context.Context, key string, role routing.Role, work Work) (interface{}, error) {
	decision, err := e.resolver.Resolve(ctx, key, role)
	if err != nil {
		return nil, err
	}

	result, err := e.executeOnShard(ctx, decision.ShardID, role, work)
	if err == nil || role == routing.RoleWrite {
		return result, err
	}

	fallback, fallbackErr := e.resolver.ResolveFallback(ctx, key, map[string]bool{decision.ShardID: true})
	if fallbackErr != nil {
		// No shard left to retry on; propagate the original error.
		return nil, err
	}
	return e.executeOnShard(ctx, fallback.ShardID, role, work)
}

func (e *Executor) executeOnShard(ctx context.Context, shardID string, role routing.Role, work Work) (interface{}, error) {
	timeStart := e.clock.Now()
	lease, err := e.registry.Acquire(ctx, shardID, role)
	if err != nil {
		e.collector.RecordOperation(shardID, role.String(), e.clock.Now().Sub(timeStart), err)
		return nil, err
	}
	defer lease.Release()

	workCtx, cancel := e.clock.NewContextWithTimeout(ctx, e.operationTimeout)
	defer cancel()
	result, err := work(workCtx, lease.Connection)
	e.collector.RecordOperation(shardID, role.String(), e.clock.Now().Sub(timeStart), err)
	return result, err
}
