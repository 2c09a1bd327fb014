package routing_test

import (
	"hash/fnv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardmesh/shardmesh/pkg/routing"
)

func TestHashKey(t *testing.T) {
	// The inlined hash must match the standard library's FNV-1a, so
	// that externally computed placements stay valid.
	for _, key := range []string{
		"",
		"a",
		"object-12345",
		"\x00\xff",
		"ключ",
	} {
		h := fnv.New32a()
		h.Write([]byte(key))
		require.Equal(t, h.Sum32(), routing.HashKey(key), "key %#v", key)
	}
}
