package routing

// Role distinguishes read operations, which may be served by replicas
// and may fall back to other shards, from write operations, which must
// reach the shard that owns the routing key.
type Role int

// Supported operation roles.
const (
	RoleRead Role = iota
	RoleWrite
)

func (r Role) String() string {
	switch r {
	case RoleRead:
		return "read"
	case RoleWrite:
		return "write"
	}
	return "unknown"
}
