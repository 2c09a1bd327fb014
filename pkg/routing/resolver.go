package routing

import (
	"context"
	"sort"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/shardmesh/shardmesh/pkg/clock"
	"github.com/shardmesh/shardmesh/pkg/topology"
	"github.com/shardmesh/shardmesh/pkg/util"
)

// Decision is the outcome of resolving a routing key: the shard that
// should serve the operation and the topology generation against which
// the resolution was computed. Decisions are ephemeral; they hold no
// ownership over shards or connections.
type Decision struct {
	Key        string
	ShardID    string
	Generation uint64
	Timestamp  time.Time
}

// Directory looks up shard ownership in an external key to shard
// directory service. It is consulted only under the directory
// strategy; when no directory is configured, the resolver falls back
// to hash routing so that resolution always terminates.
type Directory interface {
	LookupShard(ctx context.Context, key string) (string, error)
}

// FallbackObserver is notified whenever the resolver routes an
// operation away from the shard that nominally owns its key. The
// metrics collector implements this interface.
type FallbackObserver interface {
	RecordRoutingFallback(kind string)
}

// Fallback kinds reported to the FallbackObserver.
const (
	FallbackGeo      = "geo"
	FallbackFailover = "failover"
)

// Resolver maps routing keys to shards using the strategy of the
// topology's sharding rule. Resolution is a pure function of the
// topology snapshot and the key, with the routing cache layered on top
// for read traffic.
type Resolver struct {
	store     *topology.Store
	cache     *Cache
	directory Directory
	observer  FallbackObserver
	clock     clock.Clock
}

// NewResolver creates a Resolver backed by a topology store. The
// cache, directory and observer may be nil. When a cache is provided
// it is registered for invalidation on every topology mutation.
func NewResolver(store *topology.Store, cache *Cache, directory Directory, observer FallbackObserver, clk clock.Clock) *Resolver {
	if clk == nil {
		clk = clock.SystemClock
	}
	r := &Resolver{
		store:     store,
		cache:     cache,
		directory: directory,
		observer:  observer,
		clock:     clk,
	}
	if cache != nil {
		store.RegisterInvalidationCallback(cache.InvalidateAll)
	}
	return r
}

// Resolve determines which shard should serve an operation on the
// given routing key. For reads the routing cache is consulted and
// populated, and an unavailable owning shard degrades to the first
// shard in the fallback order. For writes the cache is bypassed and an
// unavailable owning shard is an UNAVAILABLE error: silently writing
// to a different shard would corrupt key placement.
func (r *Resolver) Resolve(ctx context.Context, key string, role Role) (Decision, error) {
	snapshot := r.store.Snapshot()
	if role == RoleRead && r.cache != nil {
		if decision, ok := r.cache.Get(key); ok {
			if shard, present := snapshot.Get(decision.ShardID); present && shard.Status == topology.StatusActive {
				return decision, nil
			}
		}
	}

	owner, err := r.resolveOwner(ctx, &snapshot, key)
	if err != nil {
		return Decision{}, err
	}

	if role == RoleWrite {
		if owner.Status != topology.StatusActive {
			return Decision{}, status.Errorf(
				codes.Unavailable,
				"Shard %#v owning key %#v is %s",
				owner.ID, key, owner.Status)
		}
		if m := snapshot.Migration; m != nil && m.SourceID == owner.ID &&
			snapshotUsesHashRouting(&snapshot) && m.Range.Contains(HashKey(key)) {
			return Decision{}, status.Errorf(
				codes.Unavailable,
				"Key %#v lies in a range that is being migrated to shard %#v",
				key, m.TargetID)
		}
		return r.newDecision(&snapshot, key, owner.ID), nil
	}

	target := owner
	if owner.Status != topology.StatusActive {
		fallbacks := fallbackOrder(&snapshot, owner.Region, map[string]bool{owner.ID: true})
		if len(fallbacks) == 0 {
			return Decision{}, status.Errorf(
				codes.Unavailable,
				"Shard %#v owning key %#v is %s and no active shard is available",
				owner.ID, key, owner.Status)
		}
		target = fallbacks[0]
		if r.observer != nil {
			r.observer.RecordRoutingFallback(FallbackFailover)
		}
	}
	decision := r.newDecision(&snapshot, key, target.ID)
	if r.cache != nil {
		r.cache.Put(key, decision)
	}
	return decision, nil
}

// ResolveFallback returns a decision for the next viable shard in the
// fallback order, skipping the excluded shards. It is used by the
// operation executor to retry a failed read elsewhere.
func (r *Resolver) ResolveFallback(ctx context.Context, key string, exclude map[string]bool) (Decision, error) {
	snapshot := r.store.Snapshot()
	region := ""
	if owner, err := r.resolveOwner(ctx, &snapshot, key); err == nil {
		region = owner.Region
	}
	fallbacks := fallbackOrder(&snapshot, region, exclude)
	if len(fallbacks) == 0 {
		return Decision{}, status.Errorf(
			codes.Unavailable,
			"No active shard is available to serve key %#v",
			key)
	}
	if r.observer != nil {
		r.observer.RecordRoutingFallback(FallbackFailover)
	}
	return r.newDecision(&snapshot, key, fallbacks[0].ID), nil
}

func (r *Resolver) newDecision(snapshot *topology.Snapshot, key, shardID string) Decision {
	return Decision{
		Key:        key,
		ShardID:    shardID,
		Generation: snapshot.Generation,
		Timestamp:  r.clock.Now(),
	}
}

func (r *Resolver) resolveOwner(ctx context.Context, snapshot *topology.Snapshot, key string) (topology.ShardDescriptor, error) {
	switch snapshot.Rule.Strategy {
	case topology.StrategyHash:
		return resolveByHash(snapshot, key)
	case topology.StrategyRange:
		return resolveByKeyRange(snapshot, key)
	case topology.StrategyGeo:
		return r.resolveByGeoTag(snapshot, key)
	case topology.StrategyDirectory:
		if r.directory == nil {
			return resolveByHash(snapshot, key)
		}
		shardID, err := r.directory.LookupShard(ctx, key)
		if err != nil {
			return topology.ShardDescriptor{}, util.StatusWrap(err, "Directory lookup failed")
		}
		shard, ok := snapshot.Get(shardID)
		if !ok {
			return topology.ShardDescriptor{}, status.Errorf(
				codes.FailedPrecondition,
				"Directory mapped key %#v to unknown shard %#v",
				key, shardID)
		}
		return shard, nil
	}
	return topology.ShardDescriptor{}, status.Errorf(
		codes.FailedPrecondition,
		"Unknown sharding strategy %#v",
		string(snapshot.Rule.Strategy))
}

func resolveByHash(snapshot *topology.Snapshot, key string) (topology.ShardDescriptor, error) {
	hash := HashKey(key)
	for _, shard := range snapshot.Shards {
		if shard.OwnsHash(hash) {
			return shard, nil
		}
	}
	return topology.ShardDescriptor{}, status.Errorf(
		codes.FailedPrecondition,
		"No shard owns hash %d of key %#v",
		hash, key)
}

func resolveByKeyRange(snapshot *topology.Snapshot, key string) (topology.ShardDescriptor, error) {
	for _, shard := range snapshot.Shards {
		if shard.OwnsKey(key) {
			return shard, nil
		}
	}
	return topology.ShardDescriptor{}, status.Errorf(
		codes.FailedPrecondition,
		"No shard owns key %#v",
		key)
}

// resolveByGeoTag treats the routing key as a region tag. When no
// shard declares a matching tag, the first active shard is used and a
// fallback signal is emitted, so that misconfigured regions are
// visible to operators rather than silently absorbed.
func (r *Resolver) resolveByGeoTag(snapshot *topology.Snapshot, key string) (topology.ShardDescriptor, error) {
	for _, shard := range snapshot.Shards {
		if shard.GeoTag == key {
			return shard, nil
		}
	}
	active := snapshot.ActiveShards()
	if len(active) == 0 {
		return topology.ShardDescriptor{}, status.Errorf(
			codes.Unavailable,
			"No shard declares geo tag %#v and no active shard is available",
			key)
	}
	if r.observer != nil {
		r.observer.RecordRoutingFallback(FallbackGeo)
	}
	return active[0], nil
}

func snapshotUsesHashRouting(snapshot *topology.Snapshot) bool {
	return snapshot.Rule.Strategy == topology.StrategyHash ||
		snapshot.Rule.Strategy == topology.StrategyDirectory
}

// fallbackOrder returns the active shards that may serve degraded
// reads, preferring shards in the same region as the owning shard and
// ordering deterministically by ID within each group.
func fallbackOrder(snapshot *topology.Snapshot, region string, exclude map[string]bool) []topology.ShardDescriptor {
	var sameRegion, elsewhere []topology.ShardDescriptor
	for _, shard := range snapshot.ActiveShards() {
		if exclude[shard.ID] {
			continue
		}
		if region != "" && shard.Region == region {
			sameRegion = append(sameRegion, shard)
		} else {
			elsewhere = append(elsewhere, shard)
		}
	}
	sort.Slice(sameRegion, func(i, j int) bool { return sameRegion[i].ID < sameRegion[j].ID })
	sort.Slice(elsewhere, func(i, j int) bool { return elsewhere[i].ID < elsewhere[j].ID })
	return append(sameRegion, elsewhere...)
}
