package topology

// HashSpaceEnd is the exclusive upper bound of the 32-bit hash space
// over which hash partitioned shards are laid out.
const HashSpaceEnd = uint64(1) << 32

// Status describes the lifecycle state of a shard. Shards start out as
// provisioning, become active once their ranges have been validated,
// and pass through maintenance before being removed. Failed is entered
// when connections to the shard cannot be established or health checks
// fail persistently, and is left again once the shard recovers.
type Status int

// Lifecycle states of a shard.
const (
	StatusProvisioning Status = iota
	StatusActive
	StatusMaintenance
	StatusFailed
)

var statusNames = map[Status]string{
	StatusProvisioning: "provisioning",
	StatusActive:       "active",
	StatusMaintenance:  "maintenance",
	StatusFailed:       "failed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

var validStatusTransitions = map[Status][]Status{
	StatusProvisioning: {StatusActive},
	StatusActive:       {StatusMaintenance, StatusFailed},
	StatusMaintenance:  {StatusActive},
	StatusFailed:       {StatusActive, StatusMaintenance},
}

// CanTransitionTo reports whether the shard lifecycle state machine
// permits moving from the current status to the provided one.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range validStatusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// HashRange is a half-open range [Start, End) within the 32-bit hash
// space. End may be at most HashSpaceEnd.
type HashRange struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// Contains reports whether a hashed key falls within the range.
func (r HashRange) Contains(hash uint32) bool {
	h := uint64(hash)
	return h >= r.Start && h < r.End
}

// Size returns the number of hash values covered by the range.
func (r HashRange) Size() uint64 {
	return r.End - r.Start
}

// Overlaps reports whether two half-open hash ranges intersect.
func (r HashRange) Overlaps(other HashRange) bool {
	return r.Start < other.End && other.Start < r.End
}

// KeyRange is a half-open lexicographic range [Start, End). An empty
// End denotes the top of the key space, so that {Start: "", End: ""}
// covers every key.
type KeyRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Contains reports whether a routing key falls within the range.
func (r KeyRange) Contains(key string) bool {
	return key >= r.Start && (r.End == "" || key < r.End)
}

// Overlaps reports whether two half-open key ranges intersect.
func (r KeyRange) Overlaps(other KeyRange) bool {
	return (other.End == "" || r.Start < other.End) &&
		(r.End == "" || other.Start < r.End)
}

// ShardDescriptor is the authoritative description of a single shard.
// Instances are owned by Store; all other components observe them
// through value copies contained in snapshots.
type ShardDescriptor struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	Region           string      `json:"region"`
	PrimaryAddress   string      `json:"primaryAddress"`
	ReplicaAddresses []string    `json:"replicaAddresses,omitempty"`
	Weight           uint32      `json:"weight"`
	HashRanges       []HashRange `json:"hashRanges,omitempty"`
	KeyRanges        []KeyRange  `json:"keyRanges,omitempty"`
	GeoTag           string      `json:"geoTag,omitempty"`
	Status           Status      `json:"status"`
}

// Clone returns a deep copy of the descriptor, so that callers cannot
// alias the slices owned by the store.
func (d ShardDescriptor) Clone() ShardDescriptor {
	c := d
	c.ReplicaAddresses = append([]string(nil), d.ReplicaAddresses...)
	c.HashRanges = append([]HashRange(nil), d.HashRanges...)
	c.KeyRanges = append([]KeyRange(nil), d.KeyRanges...)
	return c
}

// OwnsHash reports whether any of the shard's hash ranges contains the
// hashed key.
func (d *ShardDescriptor) OwnsHash(hash uint32) bool {
	for _, r := range d.HashRanges {
		if r.Contains(hash) {
			return true
		}
	}
	return false
}

// OwnsKey reports whether any of the shard's key ranges contains the
// routing key.
func (d *ShardDescriptor) OwnsKey(key string) bool {
	for _, r := range d.KeyRanges {
		if r.Contains(key) {
			return true
		}
	}
	return false
}

// RangeMigration records a hash range that is being moved from one
// shard to another. While a migration is in progress the range remains
// readable on the source shard, but writes to keys inside it are
// rejected so that no update can be lost during the move.
type RangeMigration struct {
	SourceID string    `json:"sourceId"`
	TargetID string    `json:"targetId"`
	Range    HashRange `json:"range"`
}
