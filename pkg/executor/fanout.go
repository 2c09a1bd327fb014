package executor

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/shardmesh/shardmesh/pkg/routing"
	"github.com/shardmesh/shardmesh/pkg/topology"
	"github.com/shardmesh/shardmesh/pkg/util"
)

// FanOutResult carries the merged results of a fan-out call together
// with the number of shards that failed to produce one. The ordering
// of Results is unspecified.
type FanOutResult struct {
	Results          []interface{}
	FailedShardCount int
}

// FanOutExecutor runs a unit of work against every active shard
// concurrently and merges the results. A failing shard is counted and
// excluded; the call itself never fails because one shard did.
type FanOutExecutor struct {
	store       *topology.Store
	executor    *Executor
	errorLogger util.ErrorLogger
}

// NewFanOutExecutor creates a FanOutExecutor. Per shard failures are
// reported through the error logger, as they cannot be returned to the
// caller without failing the whole call.
func NewFanOutExecutor(store *topology.Store, executor *Executor, errorLogger util.ErrorLogger) *FanOutExecutor {
	if errorLogger == nil {
		errorLogger = util.DefaultErrorLogger
	}
	return &FanOutExecutor{
		store:       store,
		executor:    executor,
		errorLogger: errorLogger,
	}
}

// FanOut issues the work against the primary connection of every
// active shard, with a concurrency level equal to the number of active
// shards. It waits for the slowest shard or for cancelation of the
// provided context, whichever comes first.
func (e *FanOutExecutor) FanOut(ctx context.Context, work Work) FanOutResult {
	snapshot := e.store.Snapshot()
	active := snapshot.ActiveShards()
	results := make([]interface{}, len(active))
	failed := make([]bool, len(active))

	group, groupCtx := errgroup.WithContext(ctx)
	for iter, shardIter := range active {
		index, shard := iter, shardIter
		group.Go(func() error {
			// Fan-out always uses the primary connection, so
			// acquisition is performed with the write role.
			result, err := e.executor.executeOnShard(groupCtx, shard.ID, routing.RoleWrite, work)
			if err != nil {
				failed[index] = true
				e.errorLogger.Log(util.StatusWrapf(err, "Fan-out to shard %#v", shard.ID))
				return nil
			}
			results[index] = result
			return nil
		})
	}
	group.Wait()

	merged := FanOutResult{Results: make([]interface{}, 0, len(active))}
	for index := range active {
		if failed[index] {
			merged.FailedShardCount++
		} else {
			merged.Results = append(merged.Results, results[index])
		}
	}
	return merged
}
