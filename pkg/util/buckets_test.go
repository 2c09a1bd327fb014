package util_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardmesh/shardmesh/pkg/util"
)

func TestDecimalExponentialBuckets(t *testing.T) {
	require.Equal(
		t,
		[]float64{
			0.001, 0.0021544, 0.0046415,
			0.01, 0.021544, 0.046415,
			0.1, 0.21544, 0.46415,
			1, 2.1544, 4.6415,
			10, 21.544, 46.415,
			100, 215.44, 464.15,
			1000,
		},
		util.DecimalExponentialBuckets(-3, 6, 2))
}
