package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/otomoni/machinemon/internal/blob"
	"github.com/otomoni/machinemon/internal/index"
	"github.com/otomoni/machinemon/internal/util"
)

// DefaultRetryDelay is the pause before the single retry.
const DefaultRetryDelay = 500 * time.Millisecond

// RetryPolicy bounds retries of transient I/O failures.
type RetryPolicy struct {
	// Attempts is the total number of tries, capped at 2.
	Attempts int
	Delay    time.Duration
}

// DefaultRetryPolicy tries once more after DefaultRetryDelay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 2, Delay: DefaultRetryDelay}
}

func (p RetryPolicy) attempts() int {
	return min(max(p.Attempts, 1), 2)
}

// do runs fn until it succeeds, fails permanently, or attempts run out.
// It returns the number of retries made alongside fn's last error.
func (p RetryPolicy) do(ctx context.Context, op string, fn func() error) (int, error) {
	backoff := util.NewBackoff(p.Delay, p.Delay)
	retries := 0
	for {
		err := fn()
		if err == nil || !transient(err) || retries+1 >= p.attempts() {
			return retries, err
		}
		slog.Debug("retrying after transient failure", "op", op, "delay", backoff.Current(), "error", err)
		if werr := backoff.Wait(ctx); werr != nil {
			return retries, errors.Join(err, werr)
		}
		retries++
	}
}

// transient reports whether err may succeed on retry.
func transient(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, blob.ErrNotFound), errors.Is(err, index.ErrDuplicate):
		return false
	default:
		return true
	}
}
