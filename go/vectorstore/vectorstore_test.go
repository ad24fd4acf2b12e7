package vectorstore

import (
	"context"
	"errors"
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestCollectionSpecValidate(t *testing.T) {
	require.Error(t, CollectionSpec{Dimensions: 4}.Validate())
	require.Error(t, CollectionSpec{Name: "c"}.Validate())
	require.NoError(t, CollectionSpec{Name: "c", Dimensions: 4}.Validate())
}

func TestConfigValidate(t *testing.T) {
	require.Error(t, Config{Dimensions: 4}.Validate())
	require.Error(t, Config{Host: "localhost"}.Validate())
	require.NoError(t, Config{Host: "localhost", Dimensions: 4}.Validate())
}

func TestRetryableClassification(t *testing.T) {
	require.True(t, retryable(status.Error(codes.Unavailable, "down")))
	require.True(t, retryable(status.Error(codes.ResourceExhausted, "overloaded")))
	require.True(t, retryable(status.Error(codes.DeadlineExceeded, "slow")))
	require.True(t, retryable(status.Error(codes.Internal, "oops")))

	require.False(t, retryable(status.Error(codes.InvalidArgument, "bad vector")))
	require.False(t, retryable(status.Error(codes.NotFound, "no collection")))
	// A plain error carries code Unknown and is not retried.
	require.False(t, retryable(errors.New("not a grpc error")))
}

func TestWithRetryStopsOnNonRetryable(t *testing.T) {
	var calls int
	var err = withRetry(context.Background(), "test", func() error {
		calls++
		return status.Error(codes.InvalidArgument, "bad")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestWithRetryBoundedAttempts(t *testing.T) {
	var calls int
	var err = withRetry(context.Background(), "test", func() error {
		calls++
		return status.Error(codes.Unavailable, "down")
	})
	require.Error(t, err)
	require.Equal(t, maxAttempts, calls)
	// The final error comes back unwrapped for classification.
	require.Equal(t, codes.Unavailable, status.Code(err))
}

func TestWithRetryEventualSuccess(t *testing.T) {
	var calls int
	var err = withRetry(context.Background(), "test", func() error {
		calls++
		if calls < 2 {
			return status.Error(codes.Unavailable, "down")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestPayloadRoundTrip(t *testing.T) {
	var in = map[string]any{
		"text":         "hello",
		"kaspaRelated": true,
		"count":        int64(3),
		"score":        0.5,
		"topics":       []any{"mining", "defi"},
	}
	var out = payloadToMap(qdrant.NewValueMap(in))
	require.Equal(t, in, out)
}

func TestPayloadNil(t *testing.T) {
	require.Nil(t, payloadToMap(nil))
}

func TestDimensionError(t *testing.T) {
	var err = &DimensionError{PointID: "p1", Index: 2, Got: 3, Want: 4}
	require.Contains(t, err.Error(), "p1")
	require.Contains(t, err.Error(), "3")
	require.Contains(t, err.Error(), "4")
}
