package manager

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/shardmesh/shardmesh/pkg/clock"
	"github.com/shardmesh/shardmesh/pkg/metrics"
	"github.com/shardmesh/shardmesh/pkg/pool"
	"github.com/shardmesh/shardmesh/pkg/random"
	"github.com/shardmesh/shardmesh/pkg/topology"
	"github.com/shardmesh/shardmesh/pkg/util"
)

// Migrator moves the data of a hash range between shards. The actual
// byte level copy mechanics live outside this layer; the topology
// manager is only responsible for range ownership bookkeeping around
// the move.
type Migrator interface {
	MigrateRange(ctx context.Context, source, target topology.ShardDescriptor, r topology.HashRange) error
}

type nopMigrator struct{}

func (nopMigrator) MigrateRange(ctx context.Context, source, target topology.ShardDescriptor, r topology.HashRange) error {
	return nil
}

// NopMigrator performs no data movement. It is appropriate when the
// underlying datastore relocates data through an external pipeline.
var NopMigrator Migrator = nopMigrator{}

// Manager performs all mutations of the topology store: provisioning
// and removing shards, transitioning their lifecycle states, and
// rebalancing range ownership when load becomes imbalanced.
type Manager struct {
	store         *topology.Store
	registry      *pool.Registry
	collector     *metrics.Collector
	migrator      Migrator
	clock         clock.Clock
	generator     random.ThreadSafeGenerator
	uuidGenerator util.UUIDGenerator
	errorLogger   util.ErrorLogger

	rebalancer rebalancer
}

// NewManager creates a Manager and installs it as the registry's
// connection failure reporter.
func NewManager(store *topology.Store, registry *pool.Registry, collector *metrics.Collector, migrator Migrator, clk clock.Clock, generator random.ThreadSafeGenerator, uuidGenerator util.UUIDGenerator, errorLogger util.ErrorLogger) *Manager {
	if migrator == nil {
		migrator = NopMigrator
	}
	if clk == nil {
		clk = clock.SystemClock
	}
	if generator == nil {
		generator = random.FastThreadSafeGenerator
	}
	if errorLogger == nil {
		errorLogger = util.DefaultErrorLogger
	}
	m := &Manager{
		store:         store,
		registry:      registry,
		collector:     collector,
		migrator:      migrator,
		clock:         clk,
		generator:     generator,
		uuidGenerator: uuidGenerator,
		errorLogger:   errorLogger,
	}
	registry.SetFailureReporter(m)
	return m
}

// AddShard inserts a newly provisioned shard into the topology. Its
// declared ranges may not overlap any existing shard's ranges; such a
// request is rejected with ALREADY_EXISTS and leaves the topology
// unchanged. The routing cache is invalidated before this call
// returns.
func (m *Manager) AddShard(ctx context.Context, descriptor topology.ShardDescriptor) (string, error) {
	if descriptor.ID == "" {
		if m.uuidGenerator == nil {
			return "", status.Error(codes.InvalidArgument, "Shard has no ID and no UUID generator is configured")
		}
		id, err := m.uuidGenerator()
		if err != nil {
			return "", util.StatusWrap(err, "Failed to generate shard ID")
		}
		descriptor.ID = id.String()
	}
	if err := m.store.InsertShard(descriptor); err != nil {
		return "", err
	}
	return descriptor.ID, nil
}

// RemoveShard takes a shard out of the topology. The shard is first
// transitioned to maintenance, which immediately stops new routing to
// it and invalidates the routing cache. Its connections are then
// drained, bounded by the drain timeout, after which the descriptor is
// removed and its metrics are reset.
func (m *Manager) RemoveShard(ctx context.Context, id string) error {
	if err := m.store.SetStatus(id, topology.StatusMaintenance); err != nil {
		return err
	}
	if err := m.registry.Drain(ctx, id); err != nil {
		return util.StatusWrapf(err, "Failed to drain shard %#v", id)
	}
	if err := m.store.RemoveShard(id); err != nil {
		return err
	}
	if m.collector != nil {
		m.collector.Remove(id)
	}
	return nil
}

// ReportConnectionFailure implements pool.FailureReporter. A shard to
// which connections cannot be established is transitioned to the
// failed state, so that routing stops selecting it until the health
// prober observes a recovery.
func (m *Manager) ReportConnectionFailure(shardID string, err error) {
	m.errorLogger.Log(util.StatusWrapf(err, "Marking shard %#v failed", shardID))
	if statusErr := m.store.SetStatus(shardID, topology.StatusFailed); statusErr != nil &&
		status.Code(statusErr) != codes.FailedPrecondition {
		m.errorLogger.Log(util.StatusWrapf(statusErr, "Failed to mark shard %#v failed", shardID))
	}
}
