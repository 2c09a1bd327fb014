package topology

import (
	"sort"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/shardmesh/shardmesh/pkg/util"
)

// Persister durably stores shard descriptors, so that the topology
// survives process restarts. The store writes through on every
// mutation; a mutation whose write-through fails is not applied.
//
// StoreShards writes multiple descriptors atomically. Mutations that
// touch more than one shard, such as completing a range migration,
// depend on this: persisting the descriptors one by one could leave a
// gap or an overlap on disk if the process dies in between.
type Persister interface {
	LoadShards() ([]ShardDescriptor, error)
	StoreShard(descriptor ShardDescriptor) error
	StoreShards(descriptors []ShardDescriptor) error
	DeleteShard(id string) error
}

// Snapshot is an immutable copy of the topology at a single
// generation. Routing decisions are computed against snapshots, which
// makes them pure functions of their input.
type Snapshot struct {
	Generation uint64
	Rule       ShardingRule
	Shards     []ShardDescriptor
	Migration  *RangeMigration
}

// Get returns the descriptor with the given ID.
func (s *Snapshot) Get(id string) (ShardDescriptor, bool) {
	for _, shard := range s.Shards {
		if shard.ID == id {
			return shard, true
		}
	}
	return ShardDescriptor{}, false
}

// ActiveShards returns the descriptors of all shards that may receive
// new work, in ID order.
func (s *Snapshot) ActiveShards() []ShardDescriptor {
	var active []ShardDescriptor
	for _, shard := range s.Shards {
		if shard.Status == StatusActive {
			active = append(active, shard)
		}
	}
	return active
}

// Store is the single source of truth for shard existence, ranges,
// weights and status. It is mutated only by the topology manager. All
// registered invalidation callbacks are invoked before a mutating call
// returns, so that stale routing decisions can never outlive a
// topology change.
type Store struct {
	persister Persister

	lock       sync.RWMutex
	rule       ShardingRule
	shards     map[string]*ShardDescriptor
	generation uint64
	migration  *RangeMigration
	callbacks  []func()
}

// NewStore creates a Store holding the provided sharding rule. Shards
// present in the persister are loaded first; seed shards that are not
// yet persisted are inserted and written through. The resulting
// topology must satisfy the partitioning invariant of the rule's
// strategy, otherwise startup is refused.
func NewStore(rule ShardingRule, persister Persister, seed []ShardDescriptor) (*Store, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	s := &Store{
		persister: persister,
		rule:      rule,
		shards:    map[string]*ShardDescriptor{},
	}
	if persister != nil {
		persisted, err := persister.LoadShards()
		if err != nil {
			return nil, util.StatusWrap(err, "Failed to load persisted topology")
		}
		for _, descriptor := range persisted {
			d := descriptor.Clone()
			s.shards[d.ID] = &d
		}
	}
	for _, descriptor := range seed {
		if _, ok := s.shards[descriptor.ID]; ok {
			continue
		}
		d := descriptor.Clone()
		if d.Status == StatusProvisioning {
			d.Status = StatusActive
		}
		if err := s.persist(d); err != nil {
			return nil, util.StatusWrapf(err, "Failed to persist shard %#v", d.ID)
		}
		s.shards[d.ID] = &d
	}
	if err := s.validateLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) persist(descriptor ShardDescriptor) error {
	if s.persister == nil {
		return nil
	}
	return s.persister.StoreShard(descriptor)
}

func (s *Store) persistAll(descriptors []ShardDescriptor) error {
	if s.persister == nil {
		return nil
	}
	return s.persister.StoreShards(descriptors)
}

func (s *Store) persistDelete(id string) error {
	if s.persister == nil {
		return nil
	}
	return s.persister.DeleteShard(id)
}

// RegisterInvalidationCallback registers a function that is invoked on
// every topology mutation, before the mutating call returns. Callbacks
// must not call back into the store.
func (s *Store) RegisterInvalidationCallback(callback func()) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.callbacks = append(s.callbacks, callback)
}

func (s *Store) commitLocked() {
	s.generation++
	for _, callback := range s.callbacks {
		callback()
	}
}

// Rule returns the sharding rule the store was created with.
func (s *Store) Rule() ShardingRule {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.rule
}

// Generation returns the current topology generation. It is
// incremented on every mutation.
func (s *Store) Generation() uint64 {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.generation
}

// Snapshot returns an immutable copy of the current topology, with
// shards sorted by ID.
func (s *Store) Snapshot() Snapshot {
	s.lock.RLock()
	defer s.lock.RUnlock()
	snapshot := Snapshot{
		Generation: s.generation,
		Rule:       s.rule,
		Shards:     make([]ShardDescriptor, 0, len(s.shards)),
	}
	for _, shard := range s.shards {
		snapshot.Shards = append(snapshot.Shards, shard.Clone())
	}
	sort.Slice(snapshot.Shards, func(i, j int) bool {
		return snapshot.Shards[i].ID < snapshot.Shards[j].ID
	})
	if s.migration != nil {
		migration := *s.migration
		snapshot.Migration = &migration
	}
	return snapshot
}

// GetShard returns a copy of a single shard descriptor.
func (s *Store) GetShard(id string) (ShardDescriptor, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if shard, ok := s.shards[id]; ok {
		return shard.Clone(), true
	}
	return ShardDescriptor{}, false
}

// InsertShard adds a new shard to the topology. The shard's declared
// ranges may not overlap those of any existing shard; geo tags must be
// unique. Under the hash strategies a shard may declare no ranges at
// all, to be assigned its first range by a later rebalance. The
// resulting topology must satisfy the same partitioning invariant that
// is checked at startup, and the descriptor is written through before
// becoming visible.
func (s *Store) InsertShard(descriptor ShardDescriptor) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.shards[descriptor.ID]; ok {
		return status.Errorf(codes.AlreadyExists, "Shard %#v already exists", descriptor.ID)
	}
	if descriptor.Weight == 0 {
		return status.Errorf(codes.FailedPrecondition, "Shard %#v must have a positive weight", descriptor.ID)
	}
	for _, existing := range s.shards {
		if err := checkDisjoint(&descriptor, existing); err != nil {
			return err
		}
	}
	d := descriptor.Clone()
	if d.Status == StatusProvisioning {
		d.Status = StatusActive
	}
	// Admit only descriptors that the startup validation would also
	// admit, so that a persisted topology can always be reloaded.
	s.shards[d.ID] = &d
	if err := s.validateLocked(); err != nil {
		delete(s.shards, d.ID)
		return err
	}
	if err := s.persist(d); err != nil {
		delete(s.shards, d.ID)
		return util.StatusWrapf(err, "Failed to persist shard %#v", d.ID)
	}
	s.commitLocked()
	return nil
}

// SetStatus transitions a shard to a new lifecycle state.
func (s *Store) SetStatus(id string, next Status) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	shard, ok := s.shards[id]
	if !ok {
		return status.Errorf(codes.NotFound, "Shard %#v does not exist", id)
	}
	if shard.Status == next {
		return nil
	}
	if !shard.Status.CanTransitionTo(next) {
		return status.Errorf(
			codes.FailedPrecondition,
			"Shard %#v cannot transition from %s to %s",
			id, shard.Status, next)
	}
	updated := shard.Clone()
	updated.Status = next
	if err := s.persist(updated); err != nil {
		return util.StatusWrapf(err, "Failed to persist shard %#v", id)
	}
	shard.Status = next
	s.commitLocked()
	return nil
}

// RemoveShard deletes a shard from the topology. The shard must be in
// maintenance, meaning routing to it has already stopped and its
// connections have been drained.
func (s *Store) RemoveShard(id string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	shard, ok := s.shards[id]
	if !ok {
		return status.Errorf(codes.NotFound, "Shard %#v does not exist", id)
	}
	if shard.Status != StatusMaintenance {
		return status.Errorf(
			codes.FailedPrecondition,
			"Shard %#v must be in maintenance before removal, not %s",
			id, shard.Status)
	}
	if err := s.persistDelete(id); err != nil {
		return util.StatusWrapf(err, "Failed to delete shard %#v from persistent storage", id)
	}
	delete(s.shards, id)
	s.commitLocked()
	return nil
}

// BeginMigration marks a hash range on the source shard as being moved
// to the target shard. At most one migration may be in progress. While
// it is, writes to keys in the range are refused.
func (s *Store) BeginMigration(migration RangeMigration) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.migration != nil {
		return status.Error(codes.FailedPrecondition, "Another range migration is already in progress")
	}
	source, ok := s.shards[migration.SourceID]
	if !ok {
		return status.Errorf(codes.NotFound, "Source shard %#v does not exist", migration.SourceID)
	}
	if _, ok := s.shards[migration.TargetID]; !ok {
		return status.Errorf(codes.NotFound, "Target shard %#v does not exist", migration.TargetID)
	}
	if _, _, err := splitHashRanges(source.HashRanges, migration.Range); err != nil {
		return err
	}
	s.migration = &migration
	s.commitLocked()
	return nil
}

// CompleteMigration transfers ownership of the migrating range from
// the source shard to the target shard. The swap is atomic with
// respect to snapshots: no snapshot can observe the range as unowned
// or owned by both shards.
func (s *Store) CompleteMigration() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.migration == nil {
		return status.Error(codes.FailedPrecondition, "No range migration is in progress")
	}
	migration := *s.migration
	source := s.shards[migration.SourceID]
	target := s.shards[migration.TargetID]
	remaining, moved, err := splitHashRanges(source.HashRanges, migration.Range)
	if err != nil {
		return err
	}
	updatedSource := source.Clone()
	updatedSource.HashRanges = remaining
	updatedTarget := target.Clone()
	updatedTarget.HashRanges = mergeHashRanges(append(updatedTarget.HashRanges, moved))
	if err := s.persistAll([]ShardDescriptor{updatedSource, updatedTarget}); err != nil {
		return util.StatusWrapf(err, "Failed to persist shards %#v and %#v", source.ID, target.ID)
	}
	source.HashRanges = updatedSource.HashRanges
	target.HashRanges = updatedTarget.HashRanges
	s.migration = nil
	s.commitLocked()
	return nil
}

// AbortMigration cancels an in-progress migration, leaving range
// ownership unchanged.
func (s *Store) AbortMigration() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.migration == nil {
		return
	}
	s.migration = nil
	s.commitLocked()
}

func (s *Store) validateLocked() error {
	shards := make([]*ShardDescriptor, 0, len(s.shards))
	for _, shard := range s.shards {
		shards = append(shards, shard)
	}
	return ValidatePartitioning(s.rule.Strategy, shards)
}
