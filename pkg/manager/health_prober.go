package manager

import (
	"context"
	"time"

	"github.com/shardmesh/shardmesh/pkg/topology"
	"github.com/shardmesh/shardmesh/pkg/util"
)

// ProbeFailedShards performs one health probing pass: every shard in
// the failed state has its primary address probed, and shards that
// respond are transitioned back to active. Stale connections are
// discarded so that subsequent acquisitions re-establish them.
func (m *Manager) ProbeFailedShards(ctx context.Context) {
	snapshot := m.store.Snapshot()
	for _, shard := range snapshot.Shards {
		if shard.Status != topology.StatusFailed {
			continue
		}
		if err := m.registry.Check(ctx, shard.PrimaryAddress); err != nil {
			m.errorLogger.Log(util.StatusWrapf(err, "Shard %#v is still unhealthy", shard.ID))
			continue
		}
		m.registry.InvalidateConnections(shard.ID)
		if err := m.store.SetStatus(shard.ID, topology.StatusActive); err != nil {
			m.errorLogger.Log(util.StatusWrapf(err, "Failed to reactivate shard %#v", shard.ID))
		}
	}
}

// RunHealthProber periodically probes failed shards until the context
// is canceled. It is intended to be launched as a program routine.
func (m *Manager) RunHealthProber(ctx context.Context, interval time.Duration) error {
	for {
		timer, wakeup := m.clock.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-wakeup:
			m.ProbeFailedShards(ctx)
		}
	}
}
