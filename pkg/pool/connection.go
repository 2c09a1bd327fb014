package pool

import (
	"context"
)

// Connection is a handle to a single physical connection to a shard's
// primary or one of its read replicas. Connections are owned
// exclusively by the Registry; units of work receive them on loan and
// must not retain or close them.
type Connection interface {
	Target() string
	Close() error
}

// Connector establishes physical connections. The production
// implementation dials gRPC; tests substitute in-memory fakes. A
// Connector must respect cancelation of the provided context, which
// carries the configured connection timeout.
type Connector interface {
	Connect(ctx context.Context, address string) (Connection, error)
}

// HealthChecker is implemented by connections that can actively verify
// the health of their backend. The registry's health prober uses it to
// recover shards that were marked failed.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// FailureReporter is notified when the registry fails to establish a
// connection to a shard. The topology manager implements this
// interface and transitions the shard to the failed state.
type FailureReporter interface {
	ReportConnectionFailure(shardID string, err error)
}
