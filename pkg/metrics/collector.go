package metrics

import (
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shardmesh/shardmesh/pkg/clock"
	"github.com/shardmesh/shardmesh/pkg/util"
)

var (
	collectorPrometheusMetrics sync.Once

	shardOperationsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardmesh",
			Subsystem: "executor",
			Name:      "shard_operations_started_total",
			Help:      "Total number of operations started against shards.",
		},
		[]string{"shard", "operation"})
	shardOperationsDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "shardmesh",
			Subsystem: "executor",
			Name:      "shard_operations_duration_seconds",
			Help:      "Amount of time spent per operation against shards, in seconds.",
			Buckets:   util.DecimalExponentialBuckets(-3, 6, 2),
		},
		[]string{"shard", "operation"})
	shardOperationsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardmesh",
			Subsystem: "executor",
			Name:      "shard_operations_failed_total",
			Help:      "Total number of operations against shards that returned an error.",
		},
		[]string{"shard", "operation"})
	routingFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shardmesh",
			Subsystem: "routing",
			Name:      "fallbacks_total",
			Help:      "Number of operations routed away from the shard owning their key.",
		},
		[]string{"kind"})
	shardConnectionsOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "shardmesh",
			Subsystem: "pool",
			Name:      "shard_connections_open",
			Help:      "Number of connections currently open per shard.",
		},
		[]string{"shard"})
	shardErrorRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "shardmesh",
			Subsystem: "executor",
			Name:      "shard_error_rate",
			Help:      "Exponentially decayed error rate per shard.",
		},
		[]string{"shard"})
)

// Decay constants for the rolling aggregates. The latency moving
// average and error rate are per-sample EWMAs; the load estimate
// decays over a fixed time constant so that it approximates recent
// operations per second.
const (
	latencySmoothing     = 0.1
	errorRateSmoothing   = 0.05
	loadTimeConstantSecs = 60.0
)

// ShardMetrics is a point in time view of the rolling aggregates
// maintained for one shard.
type ShardMetrics struct {
	ShardID         string        `json:"shardId"`
	QueryCount      uint64        `json:"queryCount"`
	ConnectionCount int64         `json:"connectionCount"`
	AverageLatency  time.Duration `json:"averageLatencyNanos"`
	ErrorRate       float64       `json:"errorRate"`
	LoadEstimate    float64       `json:"loadEstimate"`
	DiskUsage       float64       `json:"diskUsage"`
	CPUUsage        float64       `json:"cpuUsage"`
	MemoryUsage     float64       `json:"memoryUsage"`
	LastUpdated     time.Time     `json:"lastUpdated"`
}

type shardState struct {
	queryCount            uint64
	connectionCount       int64
	averageLatencySeconds float64
	errorRate             float64
	loadEstimate          float64
	diskUsage             float64
	cpuUsage              float64
	memoryUsage           float64
	lastUpdated           time.Time
}

// Collector is the sole owner of per shard metrics. The operation
// executor records outcomes into it, the topology manager reads load
// estimates out of it for rebalancing, and operators read snapshots
// through the administrative interface. All aggregates are mirrored
// into Prometheus.
type Collector struct {
	clock clock.Clock

	lock   sync.Mutex
	shards map[string]*shardState
}

// NewCollector creates a Collector without any per shard state. State
// is created lazily as operations are recorded.
func NewCollector(clk clock.Clock) *Collector {
	collectorPrometheusMetrics.Do(func() {
		prometheus.MustRegister(shardOperationsStartedTotal)
		prometheus.MustRegister(shardOperationsDurationSeconds)
		prometheus.MustRegister(shardOperationsFailedTotal)
		prometheus.MustRegister(routingFallbacksTotal)
		prometheus.MustRegister(shardConnectionsOpen)
		prometheus.MustRegister(shardErrorRate)
	})

	if clk == nil {
		clk = clock.SystemClock
	}
	return &Collector{
		clock:  clk,
		shards: map[string]*shardState{},
	}
}

func (c *Collector) getShardLocked(shardID string) *shardState {
	state, ok := c.shards[shardID]
	if !ok {
		state = &shardState{lastUpdated: c.clock.Now()}
		c.shards[shardID] = state
	}
	return state
}

// RecordOperation records the outcome of a single unit of work
// executed against a shard, updating the rolling aggregates that feed
// failover and rebalancing decisions.
func (c *Collector) RecordOperation(shardID, operation string, duration time.Duration, opErr error) {
	shardOperationsStartedTotal.WithLabelValues(shardID, operation).Inc()
	shardOperationsDurationSeconds.WithLabelValues(shardID, operation).Observe(duration.Seconds())
	if opErr != nil {
		shardOperationsFailedTotal.WithLabelValues(shardID, operation).Inc()
	}

	now := c.clock.Now()
	c.lock.Lock()
	defer c.lock.Unlock()
	state := c.getShardLocked(shardID)
	state.queryCount++
	state.averageLatencySeconds += latencySmoothing * (duration.Seconds() - state.averageLatencySeconds)
	errorSample := 0.0
	if opErr != nil {
		errorSample = 1.0
	}
	state.errorRate += errorRateSmoothing * (errorSample - state.errorRate)
	elapsed := now.Sub(state.lastUpdated).Seconds()
	if elapsed > 0 {
		state.loadEstimate *= math.Exp(-elapsed / loadTimeConstantSecs)
	}
	state.loadEstimate++
	state.lastUpdated = now
	shardErrorRate.WithLabelValues(shardID).Set(state.errorRate)
}

// RecordRoutingFallback counts an operation that was routed away from
// the shard owning its key. It implements routing.FallbackObserver.
func (c *Collector) RecordRoutingFallback(kind string) {
	routingFallbacksTotal.WithLabelValues(kind).Inc()
}

// RecordConnectionOpened registers a newly opened connection.
func (c *Collector) RecordConnectionOpened(shardID string) {
	shardConnectionsOpen.WithLabelValues(shardID).Inc()
	c.lock.Lock()
	defer c.lock.Unlock()
	state := c.getShardLocked(shardID)
	state.connectionCount++
	state.lastUpdated = c.clock.Now()
}

// RecordConnectionClosed registers a closed connection.
func (c *Collector) RecordConnectionClosed(shardID string) {
	shardConnectionsOpen.WithLabelValues(shardID).Dec()
	c.lock.Lock()
	defer c.lock.Unlock()
	state := c.getShardLocked(shardID)
	state.connectionCount--
	state.lastUpdated = c.clock.Now()
}

// SetResourceUsage records the resource gauges reported for a shard by
// an external health prober.
func (c *Collector) SetResourceUsage(shardID string, disk, cpu, memory float64) {
	c.lock.Lock()
	defer c.lock.Unlock()
	state := c.getShardLocked(shardID)
	state.diskUsage = disk
	state.cpuUsage = cpu
	state.memoryUsage = memory
	state.lastUpdated = c.clock.Now()
}

// ErrorRate returns the exponentially decayed error rate of a shard.
func (c *Collector) ErrorRate(shardID string) float64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	if state, ok := c.shards[shardID]; ok {
		return state.errorRate
	}
	return 0
}

// LoadEstimate returns the decayed operations per interval estimate
// used by the topology manager to detect load imbalance.
func (c *Collector) LoadEstimate(shardID string) float64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	if state, ok := c.shards[shardID]; ok {
		return state.loadEstimate
	}
	return 0
}

// Snapshot returns a copy of the rolling aggregates of every shard.
func (c *Collector) Snapshot() map[string]ShardMetrics {
	c.lock.Lock()
	defer c.lock.Unlock()
	snapshot := make(map[string]ShardMetrics, len(c.shards))
	for shardID, state := range c.shards {
		snapshot[shardID] = ShardMetrics{
			ShardID:         shardID,
			QueryCount:      state.queryCount,
			ConnectionCount: state.connectionCount,
			AverageLatency:  time.Duration(state.averageLatencySeconds * float64(time.Second)),
			ErrorRate:       state.errorRate,
			LoadEstimate:    state.loadEstimate,
			DiskUsage:       state.diskUsage,
			CPUUsage:        state.cpuUsage,
			MemoryUsage:     state.memoryUsage,
			LastUpdated:     state.lastUpdated,
		}
	}
	return snapshot
}

// Remove discards the aggregates of a shard. Called when a shard is
// removed from the topology; metrics are never reset otherwise.
func (c *Collector) Remove(shardID string) {
	c.lock.Lock()
	delete(c.shards, shardID)
	c.lock.Unlock()
	shardConnectionsOpen.DeleteLabelValues(shardID)
	shardErrorRate.DeleteLabelValues(shardID)
}
