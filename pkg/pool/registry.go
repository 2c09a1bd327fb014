package pool

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/shardmesh/shardmesh/pkg/clock"
	"github.com/shardmesh/shardmesh/pkg/metrics"
	"github.com/shardmesh/shardmesh/pkg/routing"
	"github.com/shardmesh/shardmesh/pkg/topology"
	"github.com/shardmesh/shardmesh/pkg/util"
)

// RegistryOptions tunes the behavior of a Registry.
type RegistryOptions struct {
	// ConnectTimeout bounds both waiting for a pool slot and
	// establishing a new physical connection.
	ConnectTimeout time.Duration
	// DrainTimeout bounds how long Drain() waits for in-flight
	// operations before closing connections anyway.
	DrainTimeout time.Duration
	// SlotsPerShard bounds the number of concurrently leased
	// connections per shard.
	SlotsPerShard int64
}

// Lease is a loan of a connection for the duration of one unit of
// work. Release() must be called when the work completes; calling it
// more than once has no further effect.
type Lease struct {
	Connection Connection
	ShardID    string
	// ReplicaIndex is the index of the replica serving the lease,
	// or -1 when the primary was chosen.
	ReplicaIndex int

	release func()
}

// Release returns the lease to the registry.
func (l *Lease) Release() {
	l.release()
}

type shardEntry struct {
	slots *semaphore.Weighted

	lock         sync.Mutex
	primary      Connection
	replicas     []Connection
	replicaRound uint32
	inFlight     sync.WaitGroup
	draining     bool
}

// Registry owns one lazily established pooled connection per shard
// primary and per read replica. No other component holds or closes
// connection handles. Connection establishment failures are surfaced
// to the caller and reported to the failure reporter, which marks the
// shard failed; retrying is the operation executor's concern.
type Registry struct {
	connector   Connector
	store       *topology.Store
	collector   *metrics.Collector
	reporter    FailureReporter
	errorLogger util.ErrorLogger
	clock       clock.Clock
	options     RegistryOptions

	lock    sync.Mutex
	entries map[string]*shardEntry
}

// NewRegistry creates a Registry without any open connections.
func NewRegistry(connector Connector, store *topology.Store, collector *metrics.Collector, reporter FailureReporter, errorLogger util.ErrorLogger, clk clock.Clock, options RegistryOptions) *Registry {
	if clk == nil {
		clk = clock.SystemClock
	}
	if errorLogger == nil {
		errorLogger = util.DefaultErrorLogger
	}
	if options.SlotsPerShard <= 0 {
		options.SlotsPerShard = 64
	}
	return &Registry{
		connector:   connector,
		store:       store,
		collector:   collector,
		reporter:    reporter,
		errorLogger: errorLogger,
		clock:       clk,
		options:     options,
		entries:     map[string]*shardEntry{},
	}
}

// SetFailureReporter installs the failure reporter after construction.
// The topology manager both depends on the registry (for draining) and
// receives its connection failure reports, so one of the two edges has
// to be wired late.
func (r *Registry) SetFailureReporter(reporter FailureReporter) {
	r.lock.Lock()
	r.reporter = reporter
	r.lock.Unlock()
}

func (r *Registry) getEntry(shardID string) *shardEntry {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.entries[shardID]
	if !ok {
		entry = &shardEntry{
			slots: semaphore.NewWeighted(r.options.SlotsPerShard),
		}
		r.entries[shardID] = entry
	}
	return entry
}

func (r *Registry) reportFailure(shardID string, err error) {
	r.lock.Lock()
	reporter := r.reporter
	r.lock.Unlock()
	if reporter != nil {
		reporter.ReportConnectionFailure(shardID, err)
	}
}

// Acquire leases a connection to a shard. Writes are always served by
// the primary. Reads are served by the shard's replicas in round-robin
// order, falling back to the primary when no replica is reachable.
func (r *Registry) Acquire(ctx context.Context, shardID string, role routing.Role) (*Lease, error) {
	descriptor, ok := r.store.GetShard(shardID)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "Shard %#v does not exist", shardID)
	}
	entry := r.getEntry(shardID)

	slotCtx, cancelSlot := r.clock.NewContextWithTimeout(ctx, r.options.ConnectTimeout)
	err := entry.slots.Acquire(slotCtx, 1)
	cancelSlot()
	if err != nil {
		return nil, status.Errorf(
			codes.ResourceExhausted,
			"Timed out waiting for a connection slot to shard %#v",
			shardID)
	}

	entry.lock.Lock()
	defer entry.lock.Unlock()
	if entry.draining {
		entry.slots.Release(1)
		return nil, status.Errorf(codes.Unavailable, "Shard %#v is draining", shardID)
	}

	connection, replicaIndex, err := r.selectConnectionLocked(ctx, entry, &descriptor, role)
	if err != nil {
		entry.slots.Release(1)
		r.reportFailure(shardID, err)
		return nil, err
	}

	entry.inFlight.Add(1)
	var release sync.Once
	return &Lease{
		Connection:   connection,
		ShardID:      shardID,
		ReplicaIndex: replicaIndex,
		release: func() {
			release.Do(func() {
				entry.inFlight.Done()
				entry.slots.Release(1)
			})
		},
	}, nil
}

func (r *Registry) selectConnectionLocked(ctx context.Context, entry *shardEntry, descriptor *topology.ShardDescriptor, role routing.Role) (Connection, int, error) {
	if role == routing.RoleRead && len(descriptor.ReplicaAddresses) > 0 {
		if len(entry.replicas) < len(descriptor.ReplicaAddresses) {
			entry.replicas = append(
				entry.replicas,
				make([]Connection, len(descriptor.ReplicaAddresses)-len(entry.replicas))...)
		}
		count := len(descriptor.ReplicaAddresses)
		start := int(entry.replicaRound) % count
		entry.replicaRound++
		for i := 0; i < count; i++ {
			index := (start + i) % count
			if entry.replicas[index] == nil {
				connection, err := r.connect(ctx, descriptor.ID, descriptor.ReplicaAddresses[index])
				if err != nil {
					r.errorLogger.Log(util.StatusWrapf(err, "Replica %d of shard %#v", index, descriptor.ID))
					continue
				}
				entry.replicas[index] = connection
			}
			return entry.replicas[index], index, nil
		}
		// All replicas are unreachable. Serve the read from the
		// primary instead.
	}

	if entry.primary == nil {
		connection, err := r.connect(ctx, descriptor.ID, descriptor.PrimaryAddress)
		if err != nil {
			return nil, -1, err
		}
		entry.primary = connection
	}
	return entry.primary, -1, nil
}

func (r *Registry) connect(ctx context.Context, shardID, address string) (Connection, error) {
	connectCtx, cancel := r.clock.NewContextWithTimeout(ctx, r.options.ConnectTimeout)
	defer cancel()
	connection, err := r.connector.Connect(connectCtx, address)
	if err != nil {
		return nil, util.StatusWrapfWithCode(err, codes.Internal, "Failed to connect to %#v", address)
	}
	if r.collector != nil {
		r.collector.RecordConnectionOpened(shardID)
	}
	return connection, nil
}

// Drain stops issuing new work on a shard's connections, waits up to
// the drain timeout for in-flight operations to complete, and closes
// the connections. It is invoked by the topology manager prior to
// shard removal.
func (r *Registry) Drain(ctx context.Context, shardID string) error {
	r.lock.Lock()
	entry, ok := r.entries[shardID]
	r.lock.Unlock()
	if !ok {
		return nil
	}

	// The entry stays registered while it drains, so that concurrent
	// acquisitions are refused instead of opening fresh connections
	// that nobody would close.
	entry.lock.Lock()
	entry.draining = true
	entry.lock.Unlock()

	drained := make(chan struct{})
	go func() {
		entry.inFlight.Wait()
		close(drained)
	}()
	timer, timeout := r.clock.NewTimer(r.options.DrainTimeout)
	select {
	case <-drained:
		timer.Stop()
	case <-timeout:
		r.errorLogger.Log(status.Errorf(
			codes.DeadlineExceeded,
			"Drain of shard %#v timed out; closing connections with operations still in flight",
			shardID))
	case <-ctx.Done():
		timer.Stop()
		r.closeEntry(shardID, entry)
		r.forgetEntry(shardID, entry)
		return util.StatusFromContext(ctx)
	}

	r.closeEntry(shardID, entry)
	r.forgetEntry(shardID, entry)
	return nil
}

func (r *Registry) forgetEntry(shardID string, entry *shardEntry) {
	r.lock.Lock()
	if r.entries[shardID] == entry {
		delete(r.entries, shardID)
	}
	r.lock.Unlock()
}

func (r *Registry) closeEntry(shardID string, entry *shardEntry) {
	entry.lock.Lock()
	defer entry.lock.Unlock()
	if entry.primary != nil {
		if err := entry.primary.Close(); err != nil {
			r.errorLogger.Log(util.StatusWrapf(err, "Failed to close primary connection to shard %#v", shardID))
		}
		entry.primary = nil
		if r.collector != nil {
			r.collector.RecordConnectionClosed(shardID)
		}
	}
	for index, replica := range entry.replicas {
		if replica == nil {
			continue
		}
		if err := replica.Close(); err != nil {
			r.errorLogger.Log(util.StatusWrapf(err, "Failed to close replica %d connection to shard %#v", index, shardID))
		}
		entry.replicas[index] = nil
		if r.collector != nil {
			r.collector.RecordConnectionClosed(shardID)
		}
	}
}

// Check establishes a fresh, untracked connection to an address and
// immediately closes it again. The health prober uses it to test
// whether a failed shard has recovered, without touching the cached
// connections of healthy traffic.
func (r *Registry) Check(ctx context.Context, address string) error {
	checkCtx, cancel := r.clock.NewContextWithTimeout(ctx, r.options.ConnectTimeout)
	defer cancel()
	connection, err := r.connector.Connect(checkCtx, address)
	if err != nil {
		return err
	}
	if checker, ok := connection.(HealthChecker); ok {
		if err := checker.CheckHealth(checkCtx); err != nil {
			connection.Close()
			return err
		}
	}
	return connection.Close()
}

// InvalidateConnections closes and forgets the cached connections of a
// shard, so that the next acquisition re-establishes them. Used by the
// health prober when a failed shard recovers.
func (r *Registry) InvalidateConnections(shardID string) {
	r.lock.Lock()
	entry, ok := r.entries[shardID]
	if ok {
		delete(r.entries, shardID)
	}
	r.lock.Unlock()
	if ok {
		r.closeEntry(shardID, entry)
	}
}

// Close releases all connections owned by the registry.
func (r *Registry) Close() {
	r.lock.Lock()
	entries := r.entries
	r.entries = map[string]*shardEntry{}
	r.lock.Unlock()
	for shardID, entry := range entries {
		r.closeEntry(shardID, entry)
	}
}
