package metrics_test

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/shardmesh/shardmesh/pkg/metrics"
	"github.com/shardmesh/shardmesh/pkg/testutil"
)

func TestCollectorRecordOperation(t *testing.T) {
	clk := testutil.NewManualClock(time.Unix(1700000000, 0))
	collector := metrics.NewCollector(clk)

	collector.RecordOperation("alpha", "read", 100*time.Millisecond, nil)
	snapshot := collector.Snapshot()["alpha"]
	require.Equal(t, uint64(1), snapshot.QueryCount)
	require.InDelta(t, 10*time.Millisecond, snapshot.AverageLatency, float64(time.Millisecond))
	require.Zero(t, snapshot.ErrorRate)
	require.InDelta(t, 1.0, snapshot.LoadEstimate, 1e-9)

	t.Run("ErrorRateRises", func(t *testing.T) {
		collector.RecordOperation("alpha", "read", 100*time.Millisecond,
			status.Error(codes.Internal, "Disk on fire"))

		// One failure moves the EWMA by its smoothing factor.
		require.InDelta(t, 0.05, collector.ErrorRate("alpha"), 1e-9)
		collector.RecordOperation("alpha", "read", 100*time.Millisecond, nil)
		require.InDelta(t, 0.0475, collector.ErrorRate("alpha"), 1e-9)
	})

	t.Run("UnknownShardIsZero", func(t *testing.T) {
		require.Zero(t, collector.ErrorRate("ghost"))
		require.Zero(t, collector.LoadEstimate("ghost"))
	})
}

func TestCollectorLoadEstimateDecays(t *testing.T) {
	clk := testutil.NewManualClock(time.Unix(1700000000, 0))
	collector := metrics.NewCollector(clk)

	for i := 0; i < 10; i++ {
		collector.RecordOperation("alpha", "write", time.Millisecond, nil)
	}
	require.InDelta(t, 10.0, collector.LoadEstimate("alpha"), 1e-9)

	// After one time constant the old load has decayed to 1/e before
	// the new sample is added.
	clk.Advance(60 * time.Second)
	collector.RecordOperation("alpha", "write", time.Millisecond, nil)
	require.InDelta(t, 10.0*math.Exp(-1)+1.0, collector.LoadEstimate("alpha"), 1e-9)
}

func TestCollectorConnections(t *testing.T) {
	clk := testutil.NewManualClock(time.Unix(1700000000, 0))
	collector := metrics.NewCollector(clk)

	collector.RecordConnectionOpened("alpha")
	collector.RecordConnectionOpened("alpha")
	collector.RecordConnectionClosed("alpha")
	require.Equal(t, int64(1), collector.Snapshot()["alpha"].ConnectionCount)
}

func TestCollectorResourceUsage(t *testing.T) {
	clk := testutil.NewManualClock(time.Unix(1700000000, 0))
	collector := metrics.NewCollector(clk)

	collector.SetResourceUsage("alpha", 0.8, 0.5, 0.25)
	snapshot := collector.Snapshot()["alpha"]
	require.Equal(t, 0.8, snapshot.DiskUsage)
	require.Equal(t, 0.5, snapshot.CPUUsage)
	require.Equal(t, 0.25, snapshot.MemoryUsage)
	require.Equal(t, clk.Now(), snapshot.LastUpdated)
}

func TestCollectorRemove(t *testing.T) {
	clk := testutil.NewManualClock(time.Unix(1700000000, 0))
	collector := metrics.NewCollector(clk)

	collector.RecordOperation("alpha", "read", time.Millisecond, nil)
	collector.RecordOperation("beta", "read", time.Millisecond, nil)
	collector.Remove("alpha")

	snapshot := collector.Snapshot()
	require.NotContains(t, snapshot, "alpha")
	require.Contains(t, snapshot, "beta")
}
