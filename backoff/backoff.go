// Package backoff wraps the retry policy shared by every external call:
// capped exponential backoff on transport errors and 429/5xx responses.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// StatusError reports a non-2xx response from an upstream service.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.URL)
}

// Unrecoverable marks an error so the retry loop stops immediately.
func Unrecoverable(err error) error {
	return retry.Unrecoverable(err)
}

// Transient reports whether an error is worth another attempt. Transport
// errors are; status errors only when rate-limited or server-side.
func Transient(err error) bool {
	if !retry.IsRecoverable(err) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Code == http.StatusTooManyRequests || status.Code >= 500
	}
	return true
}

// Retry runs fn up to 3 times with a doubling delay capped at 30s.
func Retry(ctx context.Context, logger *slog.Logger, op string, fn func() error) error {
	return retry.Do(fn,
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(2*time.Second),
		retry.Context(ctx),
		retry.RetryIf(Transient),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying after error", "op", op, "attempt", n, "error", err)
		}),
	)
}
