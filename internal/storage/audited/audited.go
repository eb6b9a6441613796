// Package audited wraps a storage.Backend and records every secret access
// to an audit sink.
package audited

import (
	"context"
	"log/slog"

	"github.com/benaskins/seedvault/internal/audit"
	"github.com/benaskins/seedvault/internal/storage"
)

// Store wraps a backend with audit logging. Probe traffic from health checks
// is not recorded.
type Store struct {
	storage.Backend
	id    string
	sink  audit.Sink
	actor string
	log   *slog.Logger
}

var _ storage.Backend = (*Store)(nil)

// New wraps inner. id names the backend in audit entries and actor is
// "cli" or "daemon".
func New(inner storage.Backend, id string, sink audit.Sink, actor string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{Backend: inner, id: id, sink: sink, actor: actor, log: logger}
}

// Unwrap returns the wrapped backend.
func (s *Store) Unwrap() storage.Backend { return s.Backend }

func (s *Store) record(action audit.Action, key string, err *storage.Error) {
	if storage.IsProbeKey(key) {
		return
	}
	e := audit.Entry{Action: action, Key: key, Backend: s.id, Actor: s.actor}
	if err != nil {
		e.Error = string(err.Code)
	}
	// Audit logging is best-effort; a failed write never fails the operation.
	if lerr := s.sink.Log(e); lerr != nil {
		s.log.Warn("audit write failed", "action", action, "backend", s.id, "error", lerr)
	}
}

func (s *Store) Store(ctx context.Context, key string, data []byte, opts *storage.Options) storage.Result[storage.Void] {
	r := s.Backend.Store(ctx, key, data, opts)
	s.record(audit.ActionSecretStore, key, r.Err())
	return r
}

func (s *Store) Retrieve(ctx context.Context, key string, opts *storage.Options) storage.Result[[]byte] {
	r := s.Backend.Retrieve(ctx, key, opts)
	s.record(audit.ActionSecretRetrieve, key, r.Err())
	return r
}

func (s *Store) Remove(ctx context.Context, key string) storage.Result[storage.Void] {
	r := s.Backend.Remove(ctx, key)
	s.record(audit.ActionSecretRemove, key, r.Err())
	return r
}

func (s *Store) Clear(ctx context.Context) storage.Result[storage.Void] {
	r := s.Backend.Clear(ctx)
	s.record(audit.ActionSecretClear, "", r.Err())
	return r
}
