package random

import (
	"math/rand/v2"
)

type fastThreadSafeGenerator struct{}

func (fastThreadSafeGenerator) IntN(n int) int {
	return rand.IntN(n)
}

func (fastThreadSafeGenerator) Uint64() uint64 {
	return rand.Uint64()
}

// FastThreadSafeGenerator is an instance of ThreadSafeGenerator that is
// not suitable for cryptographic purposes. The generator is randomly
// seeded on startup.
var FastThreadSafeGenerator ThreadSafeGenerator = fastThreadSafeGenerator{}
