package routing

// HashKey hashes a routing key to a position in the 32-bit hash space
// using FNV-1a. The result depends only on the bytes of the key, so it
// is stable across process restarts and across architectures.
func HashKey(key string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return h
}
