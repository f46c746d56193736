package apiclient

import (
	"math"
	"time"

	"github.com/flyingrobots/langsmith-migrator/internal/apierr"
)

const (
	retryBaseDelay = time.Second
	retryCap       = 60 * time.Second
)

// retryPolicy decides whether a failed attempt should be retried and how
// long to wait first, grounded on original_source's retry_on_failure:
// exponential backoff from a 1s base, capped at 60s, honoring a
// server-supplied Retry-After when present. Authentication, validation,
// and conflict errors are never retryable (apierr.Error.Retryable already
// excludes them; retryPolicy only shapes the wait for the errors that
// reach it).
type retryPolicy struct {
	maxRetries int
}

// next returns the wait duration before retrying attempt (0-indexed) and
// whether another attempt is permitted at all.
func (p retryPolicy) next(attempt int, err *apierr.Error) (time.Duration, bool) {
	if attempt >= p.maxRetries {
		return 0, false
	}
	if err.RetryAfter > 0 {
		d := time.Duration(err.RetryAfter * float64(time.Second))
		if d > retryCap {
			d = retryCap
		}
		return d, true
	}
	d := retryBaseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if d > retryCap {
		d = retryCap
	}
	return d, true
}
