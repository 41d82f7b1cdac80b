package publisher

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateTracker keeps the most recent Discord rate-limit headers so clients
// can pace themselves via the health endpoint.
type RateTracker struct {
	mu        sync.Mutex
	logger    *slog.Logger
	remaining *int
	limit     *int
	resetAt   *float64
}

// RateInfo is the rate_limit object of API responses. Fields are null
// until a first Discord response has been observed.
type RateInfo struct {
	Remaining      *int     `json:"remaining"`
	Limit          *int     `json:"limit"`
	ResetAt        *float64 `json:"reset_at"`
	ResetInSeconds *int     `json:"reset_in_seconds"`
}

// Update records the X-RateLimit-* headers of a Discord response. Absent
// or malformed headers leave the previous values in place.
func (t *RateTracker) Update(h http.Header) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if v := h.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			t.remaining = &n
		}
	}
	if v := h.Get("X-RateLimit-Limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			t.limit = &n
		}
	}
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			t.resetAt = &f
		}
	}
	if t.remaining != nil && *t.remaining < 5 && t.logger != nil {
		t.logger.Warn("Discord rate limit nearly exhausted", "remaining", *t.remaining)
	}
}

// Info returns a snapshot of the tracked state.
func (t *RateTracker) Info(now time.Time) RateInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	info := RateInfo{Remaining: t.remaining, Limit: t.limit, ResetAt: t.resetAt}
	if t.resetAt != nil {
		seconds := int(max(0, *t.resetAt-float64(now.Unix())))
		info.ResetInSeconds = &seconds
	}
	return info
}
