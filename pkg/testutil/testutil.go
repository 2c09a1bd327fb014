package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RequireEqualStatus asserts that two gRPC statuses are equal in both
// code and message.
func RequireEqualStatus(t *testing.T, want, got error) {
	t.Helper()
	wantStatus := status.Convert(want)
	gotStatus := status.Convert(got)
	require.Equal(t, wantStatus.Code(), gotStatus.Code(), "status code mismatch: %v", got)
	require.Equal(t, wantStatus.Message(), gotStatus.Message())
}

// RequireStatusCode asserts that an error carries the given gRPC
// status code, regardless of message.
func RequireStatusCode(t *testing.T, want codes.Code, got error) {
	t.Helper()
	require.Equal(t, want, status.Convert(got).Code(), "unexpected status: %v", got)
}
