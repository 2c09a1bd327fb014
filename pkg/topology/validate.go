package topology

import (
	"sort"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ValidatePartitioning checks the central topology invariant: under
// the hash and range strategies the declared ranges of all shards must
// partition the full key space with no gaps and no overlaps. Under the
// geo strategy shards may cover overlapping key spaces, but geo tags
// must be unique. Violations are fatal, as routing against a corrupt
// topology could place keys on the wrong shard.
func ValidatePartitioning(strategy Strategy, shards []*ShardDescriptor) error {
	switch strategy {
	case StrategyHash, StrategyDirectory:
		return validateHashPartitioning(shards)
	case StrategyRange:
		return validateKeyPartitioning(shards)
	case StrategyGeo:
		return validateGeoTags(shards)
	}
	return status.Errorf(codes.FailedPrecondition, "Unknown sharding strategy %#v", string(strategy))
}

type ownedHashRange struct {
	shardID string
	r       HashRange
}

func validateHashPartitioning(shards []*ShardDescriptor) error {
	var ranges []ownedHashRange
	for _, shard := range shards {
		// A shard may own no hash ranges at all. Newly provisioned
		// shards start out empty and receive their first range
		// through rebalancing.
		for _, r := range shard.HashRanges {
			if r.Start >= r.End || r.End > HashSpaceEnd {
				return status.Errorf(
					codes.FailedPrecondition,
					"Shard %#v declares invalid hash range [%d, %d)",
					shard.ID, r.Start, r.End)
			}
			ranges = append(ranges, ownedHashRange{shardID: shard.ID, r: r})
		}
	}
	if len(shards) == 0 {
		return status.Error(codes.FailedPrecondition, "Topology contains no shards")
	}
	if len(ranges) == 0 {
		return status.Errorf(
			codes.FailedPrecondition,
			"Hash space [0, %d) is not owned by any shard",
			HashSpaceEnd)
	}
	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].r.Start < ranges[j].r.Start
	})
	if ranges[0].r.Start != 0 {
		return status.Errorf(
			codes.FailedPrecondition,
			"Hash space [0, %d) is not owned by any shard",
			ranges[0].r.Start)
	}
	for i := 1; i < len(ranges); i++ {
		previous, current := ranges[i-1], ranges[i]
		if current.r.Start < previous.r.End {
			return status.Errorf(
				codes.FailedPrecondition,
				"Shards %#v and %#v both own hash range [%d, %d)",
				previous.shardID, current.shardID, current.r.Start, min64(previous.r.End, current.r.End))
		}
		if current.r.Start > previous.r.End {
			return status.Errorf(
				codes.FailedPrecondition,
				"Hash space [%d, %d) is not owned by any shard",
				previous.r.End, current.r.Start)
		}
	}
	if last := ranges[len(ranges)-1].r.End; last != HashSpaceEnd {
		return status.Errorf(
			codes.FailedPrecondition,
			"Hash space [%d, %d) is not owned by any shard",
			last, HashSpaceEnd)
	}
	return nil
}

type ownedKeyRange struct {
	shardID string
	r       KeyRange
}

func validateKeyPartitioning(shards []*ShardDescriptor) error {
	var ranges []ownedKeyRange
	for _, shard := range shards {
		if len(shard.KeyRanges) == 0 {
			return status.Errorf(codes.FailedPrecondition, "Shard %#v declares no key ranges", shard.ID)
		}
		for _, r := range shard.KeyRanges {
			if r.End != "" && r.Start >= r.End {
				return status.Errorf(
					codes.FailedPrecondition,
					"Shard %#v declares invalid key range [%#v, %#v)",
					shard.ID, r.Start, r.End)
			}
			ranges = append(ranges, ownedKeyRange{shardID: shard.ID, r: r})
		}
	}
	if len(ranges) == 0 {
		return status.Error(codes.FailedPrecondition, "Topology contains no shards")
	}
	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].r.Start < ranges[j].r.Start
	})
	if ranges[0].r.Start != "" {
		return status.Errorf(
			codes.FailedPrecondition,
			"Key space below %#v is not owned by any shard",
			ranges[0].r.Start)
	}
	for i := 1; i < len(ranges); i++ {
		previous, current := ranges[i-1], ranges[i]
		if previous.r.End == "" || current.r.Start < previous.r.End {
			return status.Errorf(
				codes.FailedPrecondition,
				"Shards %#v and %#v own overlapping key ranges",
				previous.shardID, current.shardID)
		}
		if current.r.Start > previous.r.End {
			return status.Errorf(
				codes.FailedPrecondition,
				"Key space [%#v, %#v) is not owned by any shard",
				previous.r.End, current.r.Start)
		}
	}
	if last := ranges[len(ranges)-1].r.End; last != "" {
		return status.Errorf(
			codes.FailedPrecondition,
			"Key space above %#v is not owned by any shard",
			last)
	}
	return nil
}

func validateGeoTags(shards []*ShardDescriptor) error {
	seen := map[string]string{}
	for _, shard := range shards {
		if shard.GeoTag == "" {
			return status.Errorf(codes.FailedPrecondition, "Shard %#v declares no geo tag", shard.ID)
		}
		if other, ok := seen[shard.GeoTag]; ok {
			return status.Errorf(
				codes.FailedPrecondition,
				"Shards %#v and %#v both declare geo tag %#v",
				other, shard.ID, shard.GeoTag)
		}
		seen[shard.GeoTag] = shard.ID
	}
	if len(seen) == 0 {
		return status.Error(codes.FailedPrecondition, "Topology contains no shards")
	}
	return nil
}

// checkDisjoint rejects a shard whose declared ranges or geo tag
// collide with an existing shard.
func checkDisjoint(candidate, existing *ShardDescriptor) error {
	for _, a := range candidate.HashRanges {
		for _, b := range existing.HashRanges {
			if a.Overlaps(b) {
				return status.Errorf(
					codes.AlreadyExists,
					"Hash range [%d, %d) overlaps shard %#v",
					a.Start, a.End, existing.ID)
			}
		}
	}
	for _, a := range candidate.KeyRanges {
		for _, b := range existing.KeyRanges {
			if a.Overlaps(b) {
				return status.Errorf(
					codes.AlreadyExists,
					"Key range [%#v, %#v) overlaps shard %#v",
					a.Start, a.End, existing.ID)
			}
		}
	}
	if candidate.GeoTag != "" && candidate.GeoTag == existing.GeoTag {
		return status.Errorf(
			codes.AlreadyExists,
			"Geo tag %#v is already declared by shard %#v",
			candidate.GeoTag, existing.ID)
	}
	return nil
}

// splitHashRanges removes a subrange from a shard's range list,
// returning the remaining ranges and the extracted subrange. The
// subrange must be fully contained in exactly one of the ranges.
func splitHashRanges(ranges []HashRange, sub HashRange) (remaining []HashRange, moved HashRange, err error) {
	if sub.Start >= sub.End {
		return nil, HashRange{}, status.Errorf(
			codes.FailedPrecondition,
			"Invalid migration range [%d, %d)",
			sub.Start, sub.End)
	}
	for i, r := range ranges {
		if sub.Start < r.Start || sub.End > r.End {
			continue
		}
		remaining = append(remaining, ranges[:i]...)
		if r.Start < sub.Start {
			remaining = append(remaining, HashRange{Start: r.Start, End: sub.Start})
		}
		if sub.End < r.End {
			remaining = append(remaining, HashRange{Start: sub.End, End: r.End})
		}
		remaining = append(remaining, ranges[i+1:]...)
		if len(remaining) == 0 {
			return nil, HashRange{}, status.Errorf(
				codes.FailedPrecondition,
				"Migrating range [%d, %d) would leave the source shard without ranges",
				sub.Start, sub.End)
		}
		return remaining, sub, nil
	}
	return nil, HashRange{}, status.Errorf(
		codes.FailedPrecondition,
		"Range [%d, %d) is not owned by the source shard",
		sub.Start, sub.End)
}

// mergeHashRanges sorts ranges and coalesces adjacent ones.
func mergeHashRanges(ranges []HashRange) []HashRange {
	if len(ranges) == 0 {
		return nil
	}
	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].Start < ranges[j].Start
	})
	merged := ranges[:1]
	for _, r := range ranges[1:] {
		last := &merged[len(merged)-1]
		if r.Start == last.End {
			last.End = r.End
		} else {
			merged = append(merged, r)
		}
	}
	return merged
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
