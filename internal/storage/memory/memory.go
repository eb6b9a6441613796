// Package memory is an in-memory storage backend. It is the backend used in
// tests and on hosts where nothing persistent is available; it supports fault
// injection so health and migration behaviour can be exercised.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benaskins/seedvault/internal/storage"
)

// Fault makes matching operations fail. An empty Key matches every key.
// Times is the number of failures to inject; zero or less means forever.
type Fault struct {
	Op    string
	Key   string
	Err   *storage.Error
	Times int
}

type item struct {
	data     []byte
	created  time.Time
	modified time.Time
	expires  time.Time
}

// Store is a mutex-guarded map implementing storage.Backend.
type Store struct {
	mu        sync.RWMutex
	items     map[string]*item
	faults    []*Fault
	latency   time.Duration
	available bool
	now       func() time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		items:     make(map[string]*item),
		available: true,
		now:       time.Now,
	}
}

// Inject adds a fault.
func (s *Store) Inject(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fc := f
	s.faults = append(s.faults, &fc)
}

// ClearFaults removes every injected fault.
func (s *Store) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = nil
}

// SetLatency delays every operation by d.
func (s *Store) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// SetAvailable toggles whether the store answers at all. An unavailable
// store fails every operation with ConnectionFailed.
func (s *Store) SetAvailable(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = ok
}

// Len returns the number of stored items, including the probe key.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// enter applies latency and faults for op on key. It must be called without
// holding s.mu.
func (s *Store) enter(ctx context.Context, op, key string) *storage.Error {
	s.mu.Lock()
	latency := s.latency
	available := s.available
	var injected *storage.Error
	for i, f := range s.faults {
		if f.Op != op || (f.Key != "" && f.Key != key) {
			continue
		}
		injected = f.Err
		if f.Times > 0 {
			f.Times--
			if f.Times == 0 {
				s.faults = append(s.faults[:i], s.faults[i+1:]...)
			}
		}
		break
	}
	s.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return storage.FromError(ctx.Err())
		}
	}
	if !available {
		return storage.NewError(storage.CodeConnectionFailed, "memory store unavailable", nil)
	}
	if injected != nil {
		return injected
	}
	return nil
}

// live returns the item for key unless it has expired. Caller holds s.mu.
func (s *Store) live(key string) (*item, bool) {
	it, ok := s.items[key]
	if !ok {
		return nil, false
	}
	if !it.expires.IsZero() && !s.now().Before(it.expires) {
		return nil, false
	}
	return it, true
}

func (s *Store) Store(ctx context.Context, key string, data []byte, opts *storage.Options) storage.Result[storage.Void] {
	if err := storage.ValidateKey(key); err != nil {
		return storage.Fail[storage.Void](err)
	}
	if err := s.enter(ctx, "store", key); err != nil {
		return storage.Fail[storage.Void](err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	it, ok := s.live(key)
	if !ok {
		it = &item{created: now}
		s.items[key] = it
	}
	it.data = append([]byte(nil), data...)
	it.modified = now
	it.expires = time.Time{}
	if opts != nil {
		if !opts.CreatedAt.IsZero() {
			it.created = opts.CreatedAt
		}
		if opts.TTL > 0 {
			it.expires = now.Add(opts.TTL)
		}
	}
	return storage.Done()
}

func (s *Store) Retrieve(ctx context.Context, key string, _ *storage.Options) storage.Result[[]byte] {
	if err := storage.ValidateKey(key); err != nil {
		return storage.Fail[[]byte](err)
	}
	if err := s.enter(ctx, "retrieve", key); err != nil {
		return storage.Fail[[]byte](err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.live(key)
	if !ok {
		return storage.NotFound[[]byte](key)
	}
	return storage.Ok(append([]byte(nil), it.data...))
}

func (s *Store) Remove(ctx context.Context, key string) storage.Result[storage.Void] {
	if err := storage.ValidateKey(key); err != nil {
		return storage.Fail[storage.Void](err)
	}
	if err := s.enter(ctx, "remove", key); err != nil {
		return storage.Fail[storage.Void](err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return storage.Done()
}

func (s *Store) Exists(ctx context.Context, key string) storage.Result[bool] {
	if err := storage.ValidateKey(key); err != nil {
		return storage.Fail[bool](err)
	}
	if err := s.enter(ctx, "exists", key); err != nil {
		return storage.Fail[bool](err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.live(key)
	return storage.Ok(ok)
}

func (s *Store) List(ctx context.Context) storage.Result[[]string] {
	if err := s.enter(ctx, "list", ""); err != nil {
		return storage.Fail[[]string](err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		if _, ok := s.live(k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return storage.Ok(storage.Visible(keys))
}

func (s *Store) Clear(ctx context.Context) storage.Result[storage.Void] {
	if err := s.enter(ctx, "clear", ""); err != nil {
		return storage.Fail[storage.Void](err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*item)
	return storage.Done()
}

func (s *Store) Metadata(ctx context.Context, key string) storage.Result[storage.Metadata] {
	if err := storage.ValidateKey(key); err != nil {
		return storage.Fail[storage.Metadata](err)
	}
	if err := s.enter(ctx, "metadata", key); err != nil {
		return storage.Fail[storage.Metadata](err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.live(key)
	if !ok {
		return storage.NotFound[storage.Metadata](key)
	}
	return storage.Ok(storage.Metadata{
		Created:    it.created,
		Modified:   it.modified,
		Size:       int64(len(it.data)),
		Encryption: "none",
	})
}

func (s *Store) Info(ctx context.Context) storage.Result[storage.Info] {
	if err := s.enter(ctx, "info", ""); err != nil {
		return storage.Fail[storage.Info](err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var used int64
	for _, it := range s.items {
		used += int64(len(it.data))
	}
	return storage.Ok(storage.Info{
		Type:           "memory",
		AvailableSpace: -1,
		UsedSpace:      used,
		MaxItemSize:    -1,
		SecurityLevel:  storage.SecurityLow,
		SupportsAuth:   false,
		SupportsTTL:    true,
	})
}

func (s *Store) Test(ctx context.Context) storage.Result[storage.Void] {
	if err := s.enter(ctx, "test", ""); err != nil {
		return storage.Fail[storage.Void](err)
	}
	return storage.RoundTrip(ctx, s)
}
