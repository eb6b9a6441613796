// Package keychain stores secrets in the operating system keychain.
//
// On macOS secrets are generic passwords with:
//   - Service: "com.seedvault" (all seedvault secrets share this service)
//   - Account: the secret key
//   - Label: "seedvault: <key>" (for Keychain Access.app visibility)
//
// Items are scoped with kSecAttrAccessibleWhenUnlockedThisDeviceOnly: never
// synced to iCloud, never available when the machine is locked. On other
// platforms every operation fails with UnsupportedOperation, so the health
// monitor marks the backend unhealthy and the selector never picks it.
package keychain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/benaskins/seedvault/internal/storage"
)

// ServiceName is the Keychain service attribute for all seedvault secrets.
const ServiceName = "com.seedvault"

// maxItemSize is the largest secret accepted. The keychain itself has no
// documented limit; large blobs belong in a file or object store.
const maxItemSize = 64 << 10

var (
	errItemNotFound = errors.New("item not found")
	errAuth         = errors.New("keychain authentication failed")
	errCancelled    = errors.New("user cancelled keychain access")
	errUnsupported  = errors.New("keychain not available on this platform")
)

type attrs struct {
	created  time.Time
	modified time.Time
	size     int64
}

// keyring is the platform keychain for a single service.
type keyring interface {
	set(key string, data []byte, requireAuth bool) error
	get(key string) ([]byte, error)
	attrs(key string) (attrs, error)
	accounts() ([]string, error)
	remove(key string) error
}

// Store is a storage.Backend over the system keychain.
type Store struct {
	ring      keyring
	supported bool
}

var _ storage.Backend = (*Store)(nil)

// New returns a keychain backend for service; an empty service uses
// ServiceName.
func New(service string) *Store {
	if service == "" {
		service = ServiceName
	}
	return &Store{ring: newSystemKeyring(service), supported: supported}
}

// Supported reports whether the platform has a keychain.
func Supported() bool { return supported }

func fail[T any](op, key string, err error) storage.Result[T] {
	details := map[string]any{"operation": op}
	if key != "" {
		details["key"] = key
	}
	switch {
	case errors.Is(err, errItemNotFound):
		return storage.NotFound[T](key)
	case errors.Is(err, errUnsupported):
		return storage.Unsupported[T]("keychain " + op)
	case errors.Is(err, errAuth):
		return storage.Fail[T](storage.NewError(storage.CodeAuthenticationRequired, err.Error(), details))
	case errors.Is(err, errCancelled):
		return storage.Fail[T](storage.NewError(storage.CodeOperationCancelled, err.Error(), details))
	}
	return storage.Fail[T](storage.NewError(storage.CodeInternal, fmt.Sprintf("keychain %s: %v", op, err), details))
}

func (s *Store) Store(ctx context.Context, key string, data []byte, opts *storage.Options) storage.Result[storage.Void] {
	if err := storage.ValidateKey(key); err != nil {
		return storage.Fail[storage.Void](err)
	}
	if ctx.Err() != nil {
		return storage.FailWith[storage.Void](ctx.Err())
	}
	if len(data) > maxItemSize {
		return storage.QuotaExceeded[storage.Void](fmt.Sprintf("secret exceeds %d bytes", maxItemSize))
	}
	if opts != nil && opts.TTL > 0 {
		return storage.Unsupported[storage.Void]("keychain ttl")
	}
	requireAuth := opts != nil && opts.RequireAuth
	if err := s.ring.set(key, data, requireAuth); err != nil {
		return fail[storage.Void]("store", key, err)
	}
	if requireAuth {
		return storage.OkInteractive(storage.Void{})
	}
	return storage.Done()
}

func (s *Store) Retrieve(ctx context.Context, key string, _ *storage.Options) storage.Result[[]byte] {
	if err := storage.ValidateKey(key); err != nil {
		return storage.Fail[[]byte](err)
	}
	if ctx.Err() != nil {
		return storage.FailWith[[]byte](ctx.Err())
	}
	data, err := s.ring.get(key)
	if err != nil {
		return fail[[]byte]("retrieve", key, err)
	}
	return storage.Ok(data)
}

func (s *Store) Remove(ctx context.Context, key string) storage.Result[storage.Void] {
	if err := storage.ValidateKey(key); err != nil {
		return storage.Fail[storage.Void](err)
	}
	if ctx.Err() != nil {
		return storage.FailWith[storage.Void](ctx.Err())
	}
	if err := s.ring.remove(key); err != nil && !errors.Is(err, errItemNotFound) {
		return fail[storage.Void]("remove", key, err)
	}
	return storage.Done()
}

func (s *Store) Exists(ctx context.Context, key string) storage.Result[bool] {
	if err := storage.ValidateKey(key); err != nil {
		return storage.Fail[bool](err)
	}
	if ctx.Err() != nil {
		return storage.FailWith[bool](ctx.Err())
	}
	if _, err := s.ring.attrs(key); err != nil {
		if errors.Is(err, errItemNotFound) {
			return storage.Ok(false)
		}
		return fail[bool]("exists", key, err)
	}
	return storage.Ok(true)
}

func (s *Store) List(ctx context.Context) storage.Result[[]string] {
	if ctx.Err() != nil {
		return storage.FailWith[[]string](ctx.Err())
	}
	keys, err := s.ring.accounts()
	if err != nil {
		if errors.Is(err, errItemNotFound) {
			return storage.Ok([]string{})
		}
		return fail[[]string]("list", "", err)
	}
	sort.Strings(keys)
	return storage.Ok(storage.Visible(keys))
}

func (s *Store) Clear(ctx context.Context) storage.Result[storage.Void] {
	keys, err := s.ring.accounts()
	if err != nil && !errors.Is(err, errItemNotFound) {
		return fail[storage.Void]("clear", "", err)
	}
	for _, k := range keys {
		if ctx.Err() != nil {
			return storage.FailWith[storage.Void](ctx.Err())
		}
		if err := s.ring.remove(k); err != nil && !errors.Is(err, errItemNotFound) {
			return fail[storage.Void]("clear", k, err)
		}
	}
	return storage.Done()
}

func (s *Store) Metadata(ctx context.Context, key string) storage.Result[storage.Metadata] {
	if err := storage.ValidateKey(key); err != nil {
		return storage.Fail[storage.Metadata](err)
	}
	if ctx.Err() != nil {
		return storage.FailWith[storage.Metadata](ctx.Err())
	}
	a, err := s.ring.attrs(key)
	if err != nil {
		return fail[storage.Metadata]("metadata", key, err)
	}
	return storage.Ok(storage.Metadata{
		Created:    a.created,
		Modified:   a.modified,
		Size:       a.size,
		Encryption: "keychain",
	})
}

func (s *Store) Info(ctx context.Context) storage.Result[storage.Info] {
	if !s.supported {
		return storage.Unsupported[storage.Info]("keychain info")
	}
	return storage.Ok(storage.Info{
		Type:           "keychain",
		AvailableSpace: -1,
		UsedSpace:      -1,
		MaxItemSize:    maxItemSize,
		SecurityLevel:  storage.SecurityHardware,
		SupportsAuth:   true,
		SupportsTTL:    false,
	})
}

func (s *Store) Test(ctx context.Context) storage.Result[storage.Void] {
	if !s.supported {
		return storage.Unsupported[storage.Void]("keychain")
	}
	return storage.RoundTrip(ctx, s)
}
