package topology

import (
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Strategy selects how routing keys are mapped to shards.
type Strategy string

// Supported routing strategies.
const (
	StrategyHash      Strategy = "hash"
	StrategyRange     Strategy = "range"
	StrategyGeo       Strategy = "geo"
	StrategyDirectory Strategy = "directory"
)

// DistributionPolicy describes how traffic should be spread across the
// shards of a rule.
type DistributionPolicy string

// Supported distribution policies.
const (
	DistributionUniform  DistributionPolicy = "uniform"
	DistributionWeighted DistributionPolicy = "weighted"
	DistributionCustom   DistributionPolicy = "custom"
)

// MigrationPolicy controls automatic rebalancing. Rebalancing only
// takes place when enabled, when the most loaded shard exceeds the
// imbalance threshold relative to the weighted mean, and when at least
// the cooldown interval has passed since the previous rebalance.
type MigrationPolicy struct {
	Enabled            bool
	ImbalanceThreshold float64
	Cooldown           time.Duration
	// MoveFraction bounds how much of the overloaded shard's largest
	// range is moved in a single rebalance.
	MoveFraction float64
}

// ShardingRule is the per resource family routing configuration. It is
// established at startup and only changed through administrative
// operations, never inferred at runtime.
type ShardingRule struct {
	Strategy     Strategy
	Distribution DistributionPolicy
	Migration    MigrationPolicy
}

// Validate checks that the rule is internally consistent.
func (r *ShardingRule) Validate() error {
	switch r.Strategy {
	case StrategyHash, StrategyRange, StrategyGeo, StrategyDirectory:
	default:
		return status.Errorf(codes.FailedPrecondition, "Unknown sharding strategy %#v", string(r.Strategy))
	}
	switch r.Distribution {
	case DistributionUniform, DistributionWeighted, DistributionCustom:
	case "":
		r.Distribution = DistributionWeighted
	default:
		return status.Errorf(codes.FailedPrecondition, "Unknown distribution policy %#v", string(r.Distribution))
	}
	if r.Migration.Enabled {
		if r.Migration.ImbalanceThreshold <= 0 {
			return status.Error(codes.FailedPrecondition, "Migration imbalance threshold must be positive")
		}
		if r.Migration.MoveFraction <= 0 || r.Migration.MoveFraction > 1 {
			return status.Error(codes.FailedPrecondition, "Migration move fraction must be in (0, 1]")
		}
	}
	return nil
}
