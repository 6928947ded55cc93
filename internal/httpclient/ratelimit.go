// Package httpclient holds shared helpers for provider HTTP clients.
package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

// maxRetryDelay caps server-suggested waits so a hostile or confused
// header cannot stall a step indefinitely.
const maxRetryDelay = 30 * time.Second

// RetryDelay extracts the server-suggested retry delay from rate-limit
// response headers. It understands Retry-After (seconds) and the OpenAI
// x-ratelimit-reset-* headers. The second return is false when the
// response carries no usable hint.
func RetryDelay(headers http.Header) (time.Duration, bool) {
	if v := headers.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return clamp(time.Duration(secs * float64(time.Second))), true
		}
	}

	for _, key := range []string{"x-ratelimit-reset-requests", "x-ratelimit-reset-tokens"} {
		if v := headers.Get(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				return clamp(d), true
			}
		}
	}

	return 0, false
}

func clamp(d time.Duration) time.Duration {
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}
