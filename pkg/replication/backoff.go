package replication

import (
	"errors"
	"time"

	"trustsync/pkg/storage"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// backoffDelay returns the wait after the n-th consecutive failure:
// base * 2^(n-1), capped at max
func backoffDelay(failures int, base, max time.Duration) time.Duration {
	if failures <= 0 || base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// isRetryable separates configuration and contract errors, which retrying
// cannot fix, from transient I/O failures
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, storage.ErrNotConfigured) || errors.Is(err, errNoTransport) {
		return false
	}

	st, ok := status.FromError(err)
	if !ok {
		return true
	}
	switch st.Code() {
	case codes.InvalidArgument, codes.Unimplemented, codes.Unauthenticated, codes.PermissionDenied:
		return false
	default:
		return true
	}
}
