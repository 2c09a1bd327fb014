package random

// ThreadSafeGenerator is a Random Number Generator (RNG) that is safe
// to use from within multiple goroutines without additional locking.
// It is injectable, so that decisions that would otherwise be
// nondeterministic (e.g., rebalance target selection) can be pinned
// down in unit tests.
type ThreadSafeGenerator interface {
	// IntN generates a number in range [0, n).
	IntN(n int) int
	// Uint64 generates an arbitrary 64-bit integer value.
	Uint64() uint64
}
