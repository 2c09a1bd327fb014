package manager

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lazybeaver/xorshift"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/shardmesh/shardmesh/pkg/topology"
	"github.com/shardmesh/shardmesh/pkg/util"
)

type rebalancer struct {
	lock          sync.Mutex
	lastRebalance time.Time
}

type shardLoad struct {
	shard topology.ShardDescriptor
	ratio float64
}

// Rebalance examines the load ratio (load estimate divided by declared
// weight) of every active shard. When the most loaded shard exceeds
// the weighted mean by more than the configured imbalance threshold, a
// bounded fraction of its largest hash range is migrated to an
// underloaded shard. The moved range is held write protected for the
// duration of the migration and ownership is swapped atomically at
// completion, so that no key is ever unowned or owned twice.
//
// The returned boolean reports whether a migration was performed.
// Consecutive rebalances are separated by the rule's cooldown
// interval, so that rebalancing cannot thrash.
func (m *Manager) Rebalance(ctx context.Context) (bool, error) {
	rule := m.store.Rule()
	if !rule.Migration.Enabled {
		return false, status.Error(codes.FailedPrecondition, "Rebalancing is disabled by the sharding rule")
	}
	switch rule.Strategy {
	case topology.StrategyHash, topology.StrategyDirectory:
	default:
		return false, status.Errorf(
			codes.FailedPrecondition,
			"Rebalancing is not supported under the %s strategy",
			string(rule.Strategy))
	}

	m.rebalancer.lock.Lock()
	defer m.rebalancer.lock.Unlock()
	now := m.clock.Now()
	if !m.rebalancer.lastRebalance.IsZero() && now.Sub(m.rebalancer.lastRebalance) < rule.Migration.Cooldown {
		return false, status.Errorf(
			codes.FailedPrecondition,
			"Rebalance cooldown has not elapsed; next rebalance possible at %s",
			m.rebalancer.lastRebalance.Add(rule.Migration.Cooldown).Format(time.RFC3339))
	}

	snapshot := m.store.Snapshot()
	active := snapshot.ActiveShards()
	if len(active) < 2 {
		return false, nil
	}

	loads := make([]shardLoad, 0, len(active))
	totalLoad, totalWeight := 0.0, 0.0
	for _, shard := range active {
		load := m.collector.LoadEstimate(shard.ID)
		loads = append(loads, shardLoad{
			shard: shard,
			ratio: load / float64(shard.Weight),
		})
		totalLoad += load
		totalWeight += float64(shard.Weight)
	}
	meanRatio := totalLoad / totalWeight
	sort.Slice(loads, func(i, j int) bool { return loads[i].ratio > loads[j].ratio })

	// A shard that owns no ranges has nothing to donate, no matter
	// how much fallback traffic it absorbed. Newly provisioned shards
	// are in this state until a migration hands them a range.
	donorIndex := -1
	for i, load := range loads {
		if len(load.shard.HashRanges) > 0 {
			donorIndex = i
			break
		}
	}
	if donorIndex < 0 {
		return false, nil
	}
	donor := loads[donorIndex]
	if meanRatio <= 0 || donor.ratio <= meanRatio*(1+rule.Migration.ImbalanceThreshold) {
		return false, nil
	}

	var underloaded []shardLoad
	for i, load := range loads {
		if i != donorIndex && load.ratio < meanRatio {
			underloaded = append(underloaded, load)
		}
	}
	if len(underloaded) == 0 {
		return false, nil
	}
	recipient := m.pickRecipient(underloaded, meanRatio)

	migration := topology.RangeMigration{
		SourceID: donor.shard.ID,
		TargetID: recipient.ID,
		Range:    moveRange(donor.shard.HashRanges, rule.Migration.MoveFraction),
	}
	if err := m.store.BeginMigration(migration); err != nil {
		return false, err
	}
	if err := m.migrator.MigrateRange(ctx, donor.shard, recipient, migration.Range); err != nil {
		m.store.AbortMigration()
		return false, util.StatusWrapf(
			err,
			"Failed to migrate range [%d, %d) from shard %#v to shard %#v",
			migration.Range.Start, migration.Range.End, donor.shard.ID, recipient.ID)
	}
	if err := m.store.CompleteMigration(); err != nil {
		return false, err
	}
	m.rebalancer.lastRebalance = now
	return true, nil
}

// pickRecipient selects an underloaded shard with probability
// proportional to its spare capacity, i.e. how far below the weighted
// mean it sits scaled by its weight.
func (m *Manager) pickRecipient(underloaded []shardLoad, meanRatio float64) topology.ShardDescriptor {
	cumulativeWeights := make([]uint64, 0, len(underloaded))
	totalWeight := uint64(0)
	for _, load := range underloaded {
		spare := (meanRatio - load.ratio) * float64(load.shard.Weight)
		weight := uint64(spare * 1000)
		if weight == 0 {
			weight = 1
		}
		totalWeight += weight
		cumulativeWeights = append(cumulativeWeights, totalWeight)
	}

	seed := m.generator.Uint64()
	if seed == 0 {
		seed = 1
	}
	slot := xorshift.NewXorShift64Star(seed).Next() % totalWeight
	index := sort.Search(len(cumulativeWeights), func(i int) bool {
		return slot < cumulativeWeights[i]
	})
	return underloaded[index].shard
}

// moveRange takes the top of the donor's largest hash range, bounded
// by the configured move fraction, leaving at least one hash value
// behind.
func moveRange(ranges []topology.HashRange, fraction float64) topology.HashRange {
	largest := ranges[0]
	for _, r := range ranges[1:] {
		if r.Size() > largest.Size() {
			largest = r
		}
	}
	size := uint64(float64(largest.Size()) * fraction)
	if size == 0 {
		size = 1
	}
	if size >= largest.Size() {
		size = largest.Size() - 1
	}
	return topology.HashRange{Start: largest.End - size, End: largest.End}
}
