package port

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitError is returned by fetch collaborators when the vendor throttles
type RateLimitError struct {
	RetryAfter time.Duration // zero when the server gave no hint
	Status     int
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (status %d), retry after %s", e.Status, e.RetryAfter)
	}
	return fmt.Sprintf("rate limited (status %d)", e.Status)
}

// IsRateLimited reports whether err wraps a *RateLimitError
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// RetryAfter extracts the server hint from a wrapped *RateLimitError
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		return 0, false
	}
	return rl.RetryAfter, true
}
