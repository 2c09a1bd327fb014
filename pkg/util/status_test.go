package util_test

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/shardmesh/shardmesh/pkg/testutil"
	"github.com/shardmesh/shardmesh/pkg/util"
)

func TestStatusWrap(t *testing.T) {
	base := status.Error(codes.Unavailable, "Connection refused")

	t.Run("KeepsCode", func(t *testing.T) {
		testutil.RequireEqualStatus(
			t,
			status.Error(codes.Unavailable, "Shard \"alpha\": Connection refused"),
			util.StatusWrap(base, "Shard \"alpha\""))
	})

	t.Run("Formatted", func(t *testing.T) {
		testutil.RequireEqualStatus(
			t,
			status.Error(codes.Unavailable, "Replica 3 of shard \"alpha\": Connection refused"),
			util.StatusWrapf(base, "Replica %d of shard %#v", 3, "alpha"))
	})

	t.Run("ReplacesCode", func(t *testing.T) {
		testutil.RequireEqualStatus(
			t,
			status.Error(codes.Internal, "Failed to connect to \"alpha:8981\": Connection refused"),
			util.StatusWrapfWithCode(base, codes.Internal, "Failed to connect to %#v", "alpha:8981"))
	})
}

func TestStatusFromContext(t *testing.T) {
	t.Run("Canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		testutil.RequireStatusCode(t, codes.Canceled, util.StatusFromContext(ctx))
	})

	t.Run("DeadlineExceeded", func(t *testing.T) {
		ctx, cancel := context.WithDeadline(context.Background(), time.Unix(0, 0))
		defer cancel()
		testutil.RequireStatusCode(t, codes.DeadlineExceeded, util.StatusFromContext(ctx))
	})
}
