package vectorstore

import (
	"context"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxAttempts = 3

// retryable reports whether an error from the vector store is worth another
// attempt. Overload signals (unavailable, resource exhausted) and transient
// server faults are; schema and argument errors are not.
func retryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.DeadlineExceeded, codes.Internal:
		return true
	default:
		return false
	}
}

// withRetry runs |fn| with bounded exponential backoff and jitter. The final
// error is returned unwrapped so callers can classify it.
func withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil || attempt == maxAttempts || !retryable(err) {
			return err
		}

		var backoff = time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
		backoff += time.Duration(rand.Int63n(int64(backoff) / 2))
		log.WithFields(log.Fields{
			"op":      op,
			"attempt": attempt,
			"backoff": backoff,
			"err":     err,
		}).Warn("vector store call failed, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
