package selector

import (
	"context"
	"time"

	"github.com/benaskins/seedvault/internal/storage"
)

// do runs op against the active backend and reports the outcome to the
// monitor. NotFound and ValidationError are the caller's mistakes and count
// as successes of the backend; cancellations are not counted at all.
func do[T any](ctx context.Context, s *Selector, op string, fn func(storage.Backend) storage.Result[T]) storage.Result[T] {
	id, b, serr := s.current(ctx)
	if serr != nil {
		return storage.Fail[T](serr)
	}

	start := time.Now()
	r := fn(b)
	elapsed := time.Since(start)

	err := r.Err()
	switch {
	case err == nil, err.Code == storage.CodeNotFound, err.Code == storage.CodeValidation:
		s.monitor.RecordSuccess(id, elapsed)
	case err.Code == storage.CodeOperationCancelled:
	default:
		s.monitor.RecordError(id, op, err.Error(), elapsed)
	}
	return r
}

func (s *Selector) Store(ctx context.Context, key string, data []byte, opts *storage.Options) storage.Result[storage.Void] {
	return do(ctx, s, "store", func(b storage.Backend) storage.Result[storage.Void] {
		return b.Store(ctx, key, data, opts)
	})
}

func (s *Selector) Retrieve(ctx context.Context, key string, opts *storage.Options) storage.Result[[]byte] {
	return do(ctx, s, "retrieve", func(b storage.Backend) storage.Result[[]byte] {
		return b.Retrieve(ctx, key, opts)
	})
}

func (s *Selector) Remove(ctx context.Context, key string) storage.Result[storage.Void] {
	return do(ctx, s, "remove", func(b storage.Backend) storage.Result[storage.Void] {
		return b.Remove(ctx, key)
	})
}

func (s *Selector) Exists(ctx context.Context, key string) storage.Result[bool] {
	return do(ctx, s, "exists", func(b storage.Backend) storage.Result[bool] {
		return b.Exists(ctx, key)
	})
}

func (s *Selector) List(ctx context.Context) storage.Result[[]string] {
	return do(ctx, s, "list", func(b storage.Backend) storage.Result[[]string] {
		return b.List(ctx)
	})
}

func (s *Selector) Clear(ctx context.Context) storage.Result[storage.Void] {
	return do(ctx, s, "clear", func(b storage.Backend) storage.Result[storage.Void] {
		return b.Clear(ctx)
	})
}

func (s *Selector) Metadata(ctx context.Context, key string) storage.Result[storage.Metadata] {
	return do(ctx, s, "metadata", func(b storage.Backend) storage.Result[storage.Metadata] {
		return b.Metadata(ctx, key)
	})
}

func (s *Selector) Info(ctx context.Context) storage.Result[storage.Info] {
	return do(ctx, s, "info", func(b storage.Backend) storage.Result[storage.Info] {
		return b.Info(ctx)
	})
}

func (s *Selector) Test(ctx context.Context) storage.Result[storage.Void] {
	return do(ctx, s, "test", func(b storage.Backend) storage.Result[storage.Void] {
		return b.Test(ctx)
	})
}
