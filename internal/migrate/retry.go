package migrate

import (
	"context"
	"time"

	"github.com/benaskins/seedvault/internal/storage"
)

// withRetry runs op until it succeeds, fails with a non-retryable code, or
// MaxRetries extra attempts have been spent. The delay doubles after every
// retry.
func withRetry[T any](ctx context.Context, m *Migrator, step Operation, key string, op func(context.Context) storage.Result[T]) storage.Result[T] {
	delay := m.cfg.RetryDelay

	for attempt := 0; ; attempt++ {
		r := op(ctx)
		if r.IsOk() {
			return r
		}

		err := r.Err()
		if !err.Retryable() || attempt >= m.cfg.MaxRetries {
			return r
		}

		m.logger.Debug("retrying backend operation",
			"operation", step,
			"key", key,
			"attempt", attempt+1,
			"error", err.Message,
		)

		if delay <= 0 {
			continue
		}
		select {
		case <-time.After(delay):
			delay *= 2
		case <-ctx.Done():
			return storage.FailWith[T](ctx.Err())
		}
	}
}
