package mesh

import (
	"context"
	"time"

	"github.com/google/uuid"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/shardmesh/shardmesh/pkg/clock"
	"github.com/shardmesh/shardmesh/pkg/executor"
	"github.com/shardmesh/shardmesh/pkg/manager"
	"github.com/shardmesh/shardmesh/pkg/metrics"
	"github.com/shardmesh/shardmesh/pkg/pool"
	"github.com/shardmesh/shardmesh/pkg/random"
	"github.com/shardmesh/shardmesh/pkg/routing"
	"github.com/shardmesh/shardmesh/pkg/topology"
	"github.com/shardmesh/shardmesh/pkg/util"
)

// Options configures a Mesh. Rule and Connector are required; all
// other fields have working defaults.
type Options struct {
	Rule      topology.ShardingRule
	Shards    []topology.ShardDescriptor
	Persister topology.Persister
	Connector pool.Connector
	Directory routing.Directory
	Migrator  manager.Migrator

	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
	DrainTimeout     time.Duration
	SlotsPerShard    int64

	Clock         clock.Clock
	ErrorLogger   util.ErrorLogger
	Generator     random.ThreadSafeGenerator
	UUIDGenerator util.UUIDGenerator
}

// Mesh is the shard routing layer's entry point: a single explicitly
// constructed object wiring the topology store, router, routing cache,
// connection pool registry, operation executor, fan-out executor,
// metrics collector and topology manager together. It is constructed
// once at process start and passed by reference to all callers; there
// is no global instance.
type Mesh struct {
	store     *topology.Store
	cache     *routing.Cache
	resolver  *routing.Resolver
	collector *metrics.Collector
	registry  *pool.Registry
	executor  *executor.Executor
	fanOut    *executor.FanOutExecutor
	manager   *manager.Manager
}

// NewMesh validates the configured topology, loads persisted shards
// and wires all components. A topology that violates the partitioning
// invariant refuses to start.
func NewMesh(options *Options) (*Mesh, error) {
	clk := options.Clock
	if clk == nil {
		clk = clock.SystemClock
	}
	errorLogger := options.ErrorLogger
	if errorLogger == nil {
		errorLogger = util.DefaultErrorLogger
	}
	connectTimeout := options.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 5 * time.Second
	}
	operationTimeout := options.OperationTimeout
	if operationTimeout == 0 {
		operationTimeout = 30 * time.Second
	}
	drainTimeout := options.DrainTimeout
	if drainTimeout == 0 {
		drainTimeout = 30 * time.Second
	}
	uuidGenerator := options.UUIDGenerator
	if uuidGenerator == nil {
		uuidGenerator = uuid.NewRandom
	}
	connector := options.Connector
	if connector == nil {
		connector = pool.NewGRPCConnector()
	}

	store, err := topology.NewStore(options.Rule, options.Persister, options.Shards)
	if err != nil {
		return nil, err
	}
	collector := metrics.NewCollector(clk)
	cache := routing.NewCache()
	resolver := routing.NewResolver(store, cache, options.Directory, collector, clk)
	registry := pool.NewRegistry(connector, store, collector, nil,
		util.NewPrefixedErrorLogger(errorLogger, "Connection pool"), clk, pool.RegistryOptions{
			ConnectTimeout: connectTimeout,
			DrainTimeout:   drainTimeout,
			SlotsPerShard:  options.SlotsPerShard,
		})
	topologyManager := manager.NewManager(
		store, registry, collector, options.Migrator, clk,
		options.Generator, uuidGenerator,
		util.NewPrefixedErrorLogger(errorLogger, "Topology manager"))
	operationExecutor := executor.NewExecutor(resolver, registry, collector, clk, operationTimeout)
	fanOutExecutor := executor.NewFanOutExecutor(store, operationExecutor, errorLogger)

	return &Mesh{
		store:     store,
		cache:     cache,
		resolver:  resolver,
		collector: collector,
		registry:  registry,
		executor:  operationExecutor,
		fanOut:    fanOutExecutor,
		manager:   topologyManager,
	}, nil
}

// Execute runs a unit of work against the shard owning the routing
// key. See executor.Executor.Execute.
func (m *Mesh) Execute(ctx context.Context, key string, role routing.Role, work executor.Work) (interface{}, error) {
	return m.executor.Execute(ctx, key, role, work)
}

// FanOut runs a unit of work against every active shard concurrently.
// See executor.FanOutExecutor.FanOut.
func (m *Mesh) FanOut(ctx context.Context, work executor.Work) executor.FanOutResult {
	return m.fanOut.FanOut(ctx, work)
}

// TopologySnapshot returns an immutable view of all shard descriptors
// for operator tooling.
func (m *Mesh) TopologySnapshot() []topology.ShardDescriptor {
	return m.store.Snapshot().Shards
}

// MetricsSnapshot returns the rolling aggregates of every shard for
// operator tooling.
func (m *Mesh) MetricsSnapshot() map[string]metrics.ShardMetrics {
	return m.collector.Snapshot()
}

// SetResourceUsage records resource gauges reported for a shard by an
// external prober, so they show up in metrics snapshots.
func (m *Mesh) SetResourceUsage(shardID string, disk, cpu, memory float64) error {
	if _, ok := m.store.GetShard(shardID); !ok {
		return status.Errorf(codes.NotFound, "Shard %#v does not exist", shardID)
	}
	m.collector.SetResourceUsage(shardID, disk, cpu, memory)
	return nil
}

// AddShard inserts a new shard, returning its ID.
func (m *Mesh) AddShard(ctx context.Context, descriptor topology.ShardDescriptor) (string, error) {
	return m.manager.AddShard(ctx, descriptor)
}

// RemoveShard drains and removes a shard.
func (m *Mesh) RemoveShard(ctx context.Context, id string) error {
	return m.manager.RemoveShard(ctx, id)
}

// Rebalance performs at most one bounded range migration if shard load
// is imbalanced, reporting whether one took place.
func (m *Mesh) Rebalance(ctx context.Context) (bool, error) {
	return m.manager.Rebalance(ctx)
}

// RunHealthProber periodically probes failed shards, restoring them to
// active when they recover. Blocks until the context is canceled.
func (m *Mesh) RunHealthProber(ctx context.Context, interval time.Duration) error {
	return m.manager.RunHealthProber(ctx, interval)
}

// Close releases all connections owned by the mesh.
func (m *Mesh) Close() {
	m.registry.Close()
}
