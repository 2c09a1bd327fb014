package manager_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/shardmesh/shardmesh/pkg/manager"
	"github.com/shardmesh/shardmesh/pkg/metrics"
	"github.com/shardmesh/shardmesh/pkg/pool"
	"github.com/shardmesh/shardmesh/pkg/routing"
	"github.com/shardmesh/shardmesh/pkg/testutil"
	"github.com/shardmesh/shardmesh/pkg/topology"
)

type fakeConnection struct {
	target string
}

func (c *fakeConnection) Target() string { return c.target }
func (c *fakeConnection) Close() error   { return nil }

type fakeConnector struct {
	lock    sync.Mutex
	failing map[string]bool
}

func (c *fakeConnector) Connect(ctx context.Context, address string) (pool.Connection, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.failing[address] {
		return nil, status.Errorf(codes.Unavailable, "Connection to %#v refused", address)
	}
	return &fakeConnection{target: address}, nil
}

func (c *fakeConnector) setFailing(address string, failing bool) {
	c.lock.Lock()
	if c.failing == nil {
		c.failing = map[string]bool{}
	}
	c.failing[address] = failing
	c.lock.Unlock()
}

type fixedGenerator struct {
	value uint64
}

func (g fixedGenerator) IntN(n int) int { return int(g.value % uint64(n)) }
func (g fixedGenerator) Uint64() uint64 { return g.value }

type recordingMigrator struct {
	failing    bool
	migrations []topology.RangeMigration
}

func (m *recordingMigrator) MigrateRange(ctx context.Context, source, target topology.ShardDescriptor, r topology.HashRange) error {
	if m.failing {
		return status.Error(codes.Internal, "Copy pipeline crashed")
	}
	m.migrations = append(m.migrations, topology.RangeMigration{
		SourceID: source.ID,
		TargetID: target.ID,
		Range:    r,
	})
	return nil
}

type discardingErrorLogger struct{}

func (discardingErrorLogger) Log(err error) {}

type managerStack struct {
	store     *topology.Store
	connector *fakeConnector
	collector *metrics.Collector
	registry  *pool.Registry
	migrator  *recordingMigrator
	clock     *testutil.ManualClock
	manager   *manager.Manager
}

func staticUUID(t *testing.T) func() (uuid.UUID, error) {
	id := uuid.MustParse("36ebab65-3c4f-4faf-bd6c-0603939190d0")
	return func() (uuid.UUID, error) { return id, nil }
}

func newManagerStack(t *testing.T, rule topology.ShardingRule, shardCount int) *managerStack {
	size := topology.HashSpaceEnd / uint64(shardCount)
	shards := make([]topology.ShardDescriptor, 0, shardCount)
	for i := 0; i < shardCount; i++ {
		end := uint64(i+1) * size
		if i == shardCount-1 {
			end = topology.HashSpaceEnd
		}
		shards = append(shards, topology.ShardDescriptor{
			ID:             fmt.Sprintf("shard-%d", i),
			Region:         "eu",
			PrimaryAddress: fmt.Sprintf("shard-%d:8981", i),
			Weight:         1,
			HashRanges:     []topology.HashRange{{Start: uint64(i) * size, End: end}},
			Status:         topology.StatusActive,
		})
	}
	store, err := topology.NewStore(rule, nil, shards)
	require.NoError(t, err)

	clk := testutil.NewManualClock(time.Unix(1700000000, 0))
	connector := &fakeConnector{}
	collector := metrics.NewCollector(clk)
	registry := pool.NewRegistry(connector, store, collector, nil, discardingErrorLogger{}, nil, pool.RegistryOptions{
		ConnectTimeout: time.Second,
		DrainTimeout:   time.Second,
	})
	migrator := &recordingMigrator{}
	m := manager.NewManager(store, registry, collector, migrator, clk, fixedGenerator{value: 42}, staticUUID(t), discardingErrorLogger{})
	return &managerStack{
		store:     store,
		connector: connector,
		collector: collector,
		registry:  registry,
		migrator:  migrator,
		clock:     clk,
		manager:   m,
	}
}

func rebalancingRule() topology.ShardingRule {
	return topology.ShardingRule{
		Strategy:     topology.StrategyHash,
		Distribution: topology.DistributionWeighted,
		Migration: topology.MigrationPolicy{
			Enabled:            true,
			ImbalanceThreshold: 0.2,
			Cooldown:           time.Hour,
			MoveFraction:       0.25,
		},
	}
}

func TestManagerAddShard(t *testing.T) {
	ctx := context.Background()

	t.Run("GeneratedID", func(t *testing.T) {
		stack := newManagerStack(t, rebalancingRule(), 4)
		require.NoError(t, stack.manager.RemoveShard(ctx, "shard-3"))

		quarter := topology.HashSpaceEnd / 4
		id, err := stack.manager.AddShard(ctx, topology.ShardDescriptor{
			PrimaryAddress: "new-shard:8981",
			Weight:         1,
			HashRanges:     []topology.HashRange{{Start: 3 * quarter, End: topology.HashSpaceEnd}},
			Status:         topology.StatusProvisioning,
		})
		require.NoError(t, err)
		require.Equal(t, "36ebab65-3c4f-4faf-bd6c-0603939190d0", id)
		_, ok := stack.store.GetShard(id)
		require.True(t, ok)
	})

	t.Run("OverlappingRangeRefused", func(t *testing.T) {
		stack := newManagerStack(t, rebalancingRule(), 4)
		_, err := stack.manager.AddShard(ctx, topology.ShardDescriptor{
			ID:             "intruder",
			PrimaryAddress: "intruder:8981",
			Weight:         1,
			HashRanges:     []topology.HashRange{{Start: 0, End: 1000}},
		})
		testutil.RequireStatusCode(t, codes.AlreadyExists, err)
		_, ok := stack.store.GetShard("intruder")
		require.False(t, ok)
	})
}

func TestManagerRemoveShard(t *testing.T) {
	ctx := context.Background()
	stack := newManagerStack(t, rebalancingRule(), 4)

	// Dial the shard and record some traffic, so that removal has
	// connections to drain and metrics to discard.
	lease, err := stack.registry.Acquire(ctx, "shard-1", routing.RoleWrite)
	require.NoError(t, err)
	lease.Release()
	stack.collector.RecordOperation("shard-1", "write", time.Millisecond, nil)
	require.Contains(t, stack.collector.Snapshot(), "shard-1")

	require.NoError(t, stack.manager.RemoveShard(ctx, "shard-1"))
	_, ok := stack.store.GetShard("shard-1")
	require.False(t, ok)
	require.NotContains(t, stack.collector.Snapshot(), "shard-1")

	t.Run("UnknownShard", func(t *testing.T) {
		err := stack.manager.RemoveShard(ctx, "ghost")
		testutil.RequireStatusCode(t, codes.NotFound, err)
	})
}

func TestManagerConnectionFailureMarksShardFailed(t *testing.T) {
	ctx := context.Background()
	stack := newManagerStack(t, rebalancingRule(), 4)
	stack.connector.setFailing("shard-2:8981", true)

	_, err := stack.registry.Acquire(ctx, "shard-2", routing.RoleWrite)
	testutil.RequireStatusCode(t, codes.Internal, err)

	shard, ok := stack.store.GetShard("shard-2")
	require.True(t, ok)
	require.Equal(t, topology.StatusFailed, shard.Status)
}

func TestManagerProbeFailedShards(t *testing.T) {
	ctx := context.Background()
	stack := newManagerStack(t, rebalancingRule(), 4)
	stack.connector.setFailing("shard-2:8981", true)
	require.NoError(t, stack.store.SetStatus("shard-2", topology.StatusFailed))

	// While the shard stays unreachable, probing must not resurrect it.
	stack.manager.ProbeFailedShards(ctx)
	shard, _ := stack.store.GetShard("shard-2")
	require.Equal(t, topology.StatusFailed, shard.Status)

	stack.connector.setFailing("shard-2:8981", false)
	stack.manager.ProbeFailedShards(ctx)
	shard, _ = stack.store.GetShard("shard-2")
	require.Equal(t, topology.StatusActive, shard.Status)
}

func TestManagerRebalance(t *testing.T) {
	ctx := context.Background()

	t.Run("Disabled", func(t *testing.T) {
		rule := rebalancingRule()
		rule.Migration.Enabled = false
		stack := newManagerStack(t, rule, 4)
		_, err := stack.manager.Rebalance(ctx)
		testutil.RequireEqualStatus(t, status.Error(
			codes.FailedPrecondition,
			"Rebalancing is disabled by the sharding rule"), err)
	})

	t.Run("UnsupportedStrategy", func(t *testing.T) {
		stack := newManagerStack(t, topology.ShardingRule{
			Strategy: topology.StrategyGeo,
			Migration: topology.MigrationPolicy{
				Enabled:            true,
				ImbalanceThreshold: 0.2,
				Cooldown:           time.Hour,
				MoveFraction:       0.25,
			},
		}, 1)
		_, err := stack.manager.Rebalance(ctx)
		testutil.RequireStatusCode(t, codes.FailedPrecondition, err)
	})

	t.Run("BalancedTopologyDoesNothing", func(t *testing.T) {
		stack := newManagerStack(t, rebalancingRule(), 4)
		for i := 0; i < 4; i++ {
			for j := 0; j < 10; j++ {
				stack.collector.RecordOperation(fmt.Sprintf("shard-%d", i), "read", time.Millisecond, nil)
			}
		}
		moved, err := stack.manager.Rebalance(ctx)
		require.NoError(t, err)
		require.False(t, moved)
		require.Empty(t, stack.migrator.migrations)
	})

	t.Run("ImbalanceTriggersMigration", func(t *testing.T) {
		stack := newManagerStack(t, rebalancingRule(), 4)
		for i := 0; i < 100; i++ {
			stack.collector.RecordOperation("shard-0", "read", time.Millisecond, nil)
		}
		for _, id := range []string{"shard-1", "shard-2", "shard-3"} {
			for i := 0; i < 10; i++ {
				stack.collector.RecordOperation(id, "read", time.Millisecond, nil)
			}
		}

		moved, err := stack.manager.Rebalance(ctx)
		require.NoError(t, err)
		require.True(t, moved)
		require.Len(t, stack.migrator.migrations, 1)
		migration := stack.migrator.migrations[0]
		require.Equal(t, "shard-0", migration.SourceID)
		require.Contains(t, []string{"shard-1", "shard-2", "shard-3"}, migration.TargetID)

		// A quarter of the donor's range, taken from the top.
		quarter := topology.HashSpaceEnd / 4
		require.Equal(t, topology.HashRange{
			Start: quarter - quarter/4,
			End:   quarter,
		}, migration.Range)

		// Ownership moved and the hash space is still fully covered.
		snapshot := stack.store.Snapshot()
		require.Nil(t, snapshot.Migration)
		donor, _ := snapshot.Get("shard-0")
		recipient, _ := snapshot.Get(migration.TargetID)
		require.False(t, donor.OwnsHash(uint32(quarter-1)))
		require.True(t, recipient.OwnsHash(uint32(quarter-1)))
		descriptors := make([]*topology.ShardDescriptor, 0, len(snapshot.Shards))
		for i := range snapshot.Shards {
			descriptors = append(descriptors, &snapshot.Shards[i])
		}
		require.NoError(t, topology.ValidatePartitioning(topology.StrategyHash, descriptors))

		t.Run("CooldownBlocksTheNextRun", func(t *testing.T) {
			stack.clock.Advance(30 * time.Minute)
			_, err := stack.manager.Rebalance(ctx)
			testutil.RequireStatusCode(t, codes.FailedPrecondition, err)

			stack.clock.Advance(31 * time.Minute)
			_, err = stack.manager.Rebalance(ctx)
			require.NoError(t, err)
		})
	})

	t.Run("FreshShardIsNotADonor", func(t *testing.T) {
		// A newly added shard owns no hash ranges, but fallback reads
		// can still make it the most loaded shard. It has nothing to
		// donate, so rebalancing must pass it over.
		stack := newManagerStack(t, rebalancingRule(), 4)
		_, err := stack.manager.AddShard(ctx, topology.ShardDescriptor{
			ID:             "fresh",
			PrimaryAddress: "fresh:8981",
			Weight:         1,
			Status:         topology.StatusProvisioning,
		})
		require.NoError(t, err)
		for i := 0; i < 100; i++ {
			stack.collector.RecordOperation("fresh", "read", time.Millisecond, nil)
		}
		for i := 0; i < 4; i++ {
			for j := 0; j < 10; j++ {
				stack.collector.RecordOperation(fmt.Sprintf("shard-%d", i), "read", time.Millisecond, nil)
			}
		}

		moved, err := stack.manager.Rebalance(ctx)
		require.NoError(t, err)
		require.False(t, moved)
		require.Empty(t, stack.migrator.migrations)
	})

	t.Run("FreshShardReceivesItsFirstRange", func(t *testing.T) {
		stack := newManagerStack(t, rebalancingRule(), 4)
		_, err := stack.manager.AddShard(ctx, topology.ShardDescriptor{
			ID:             "fresh",
			PrimaryAddress: "fresh:8981",
			Weight:         1,
			Status:         topology.StatusProvisioning,
		})
		require.NoError(t, err)
		for i := 0; i < 100; i++ {
			stack.collector.RecordOperation("shard-0", "read", time.Millisecond, nil)
		}
		for _, id := range []string{"shard-1", "shard-2", "shard-3"} {
			for i := 0; i < 50; i++ {
				stack.collector.RecordOperation(id, "read", time.Millisecond, nil)
			}
		}

		// The idle fresh shard is the only one below the weighted
		// mean, so the donor's range must land on it.
		moved, err := stack.manager.Rebalance(ctx)
		require.NoError(t, err)
		require.True(t, moved)
		require.Len(t, stack.migrator.migrations, 1)
		require.Equal(t, "fresh", stack.migrator.migrations[0].TargetID)

		snapshot := stack.store.Snapshot()
		quarter := topology.HashSpaceEnd / 4
		recipient, _ := snapshot.Get("fresh")
		require.True(t, recipient.OwnsHash(uint32(quarter-1)))
		descriptors := make([]*topology.ShardDescriptor, 0, len(snapshot.Shards))
		for i := range snapshot.Shards {
			descriptors = append(descriptors, &snapshot.Shards[i])
		}
		require.NoError(t, topology.ValidatePartitioning(topology.StrategyHash, descriptors))
	})

	t.Run("MigratorFailureAbortsCleanly", func(t *testing.T) {
		stack := newManagerStack(t, rebalancingRule(), 4)
		stack.migrator.failing = true
		for i := 0; i < 100; i++ {
			stack.collector.RecordOperation("shard-0", "read", time.Millisecond, nil)
		}
		for _, id := range []string{"shard-1", "shard-2", "shard-3"} {
			stack.collector.RecordOperation(id, "read", time.Millisecond, nil)
		}

		_, err := stack.manager.Rebalance(ctx)
		testutil.RequireStatusCode(t, codes.Internal, err)

		// Ownership must be untouched and no migration left pending.
		snapshot := stack.store.Snapshot()
		require.Nil(t, snapshot.Migration)
		quarter := topology.HashSpaceEnd / 4
		donor, _ := snapshot.Get("shard-0")
		require.Equal(t, []topology.HashRange{{Start: 0, End: quarter}}, donor.HashRanges)

		// A failed attempt does not consume the cooldown.
		stack.migrator.failing = false
		moved, err := stack.manager.Rebalance(ctx)
		require.NoError(t, err)
		require.True(t, moved)
	})
}
