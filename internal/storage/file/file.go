// Package file is the fallback backend: one encrypted file per secret under
// a private directory.
//
// Values are sealed with crypt under a passphrase; the header lives in
// vault.json so a wrong passphrase is detected when the store is opened.
// Each secret's name is bound to its ciphertext as additional data, so files
// cannot be swapped between keys.
package file

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benaskins/seedvault/internal/crypt"
	"github.com/benaskins/seedvault/internal/storage"
)

const (
	headerFile = "vault.json"
	ext        = ".sv"

	// MaxItemSize is the largest secret accepted.
	MaxItemSize = 1 << 20
)

// Store is a storage.Backend over a directory of sealed files.
type Store struct {
	dir    string
	sealer *crypt.Sealer
	mu     sync.RWMutex
	now    func() time.Time
}

var _ storage.Backend = (*Store)(nil)

// Open opens or initialises the store in dir. New stores use kdf; existing
// stores keep the parameters they were created with. A passphrase that does
// not match the directory's returns crypt.ErrWrongPassphrase.
func Open(dir string, passphrase []byte, kdf crypt.KDF) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating vault dir: %w", err)
	}

	var h *crypt.Header
	data, err := os.ReadFile(filepath.Join(dir, headerFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		h = crypt.NewHeader(kdf)
	case err != nil:
		return nil, err
	default:
		if h, err = crypt.ParseHeader(data); err != nil {
			return nil, err
		}
	}

	fresh := h.Check == nil
	sealer, err := crypt.Unlock(h, passphrase)
	if err != nil {
		return nil, err
	}
	s := &Store{dir: dir, sealer: sealer, now: time.Now}
	if fresh {
		if err := s.writeAtomic(filepath.Join(dir, headerFile), h.Marshal()); err != nil {
			return nil, fmt.Errorf("writing vault header: %w", err)
		}
	}
	return s, nil
}

// Dir returns the vault directory.
func (s *Store) Dir() string { return s.dir }

// writeAtomic writes data to a temp file in the same directory, syncs it and
// renames it into place.
func (s *Store) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// maxNameBytes keeps hex-encoded file names within the common 255-byte limit.
const maxNameBytes = (255 - len(ext)) / 2

func validKey(key string) *storage.Error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}
	if len(key) > maxNameBytes {
		return storage.NewError(storage.CodeValidation,
			fmt.Sprintf("key exceeds %d bytes supported by the file backend", maxNameBytes),
			map[string]any{"length": len(key)})
	}
	return nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, hex.EncodeToString([]byte(key))+ext)
}

// item is the plaintext layout: 8-byte created unix nanos, then the value.
type item struct {
	created time.Time
	data    []byte
}

func (s *Store) read(key string) (item, fs.FileInfo, *storage.Error) {
	path := s.path(key)
	sealed, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return item{}, nil, storage.NewError(storage.CodeNotFound, "item not found: "+key, map[string]any{"key": key})
		}
		return item{}, nil, fsError("read", key, err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return item{}, nil, fsError("stat", key, err)
	}
	plain, err := s.sealer.Open(sealed, []byte(key))
	if err != nil || len(plain) < 8 {
		return item{}, nil, storage.NewError(storage.CodeInternal, "stored item is corrupted", map[string]any{"key": key})
	}
	return item{
		created: time.Unix(0, int64(binary.BigEndian.Uint64(plain[:8]))),
		data:    plain[8:],
	}, fi, nil
}

func fsError(op, key string, err error) *storage.Error {
	details := map[string]any{"operation": op}
	if key != "" {
		details["key"] = key
	}
	switch {
	case errors.Is(err, fs.ErrPermission):
		return storage.NewError(storage.CodePermissionDenied, err.Error(), details)
	case isNoSpace(err):
		return storage.NewError(storage.CodeQuotaExceeded, "no space left on device", details)
	}
	return storage.NewError(storage.CodeInternal, fmt.Sprintf("file %s: %v", op, err), details)
}

func (s *Store) Store(ctx context.Context, key string, data []byte, opts *storage.Options) storage.Result[storage.Void] {
	if err := validKey(key); err != nil {
		return storage.Fail[storage.Void](err)
	}
	if ctx.Err() != nil {
		return storage.FailWith[storage.Void](ctx.Err())
	}
	if len(data) > MaxItemSize {
		return storage.QuotaExceeded[storage.Void](fmt.Sprintf("secret exceeds %d bytes", MaxItemSize))
	}
	if opts != nil && opts.TTL > 0 {
		return storage.Unsupported[storage.Void]("file ttl")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	created := s.now()
	if opts != nil && !opts.CreatedAt.IsZero() {
		created = opts.CreatedAt
	} else if old, _, err := s.read(key); err == nil {
		created = old.created
	}

	plain := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(plain[:8], uint64(created.UnixNano()))
	copy(plain[8:], data)

	if err := s.writeAtomic(s.path(key), s.sealer.Seal(plain, []byte(key))); err != nil {
		return storage.Fail[storage.Void](fsError("write", key, err))
	}
	return storage.Done()
}

func (s *Store) Retrieve(ctx context.Context, key string, _ *storage.Options) storage.Result[[]byte] {
	if err := validKey(key); err != nil {
		return storage.Fail[[]byte](err)
	}
	if ctx.Err() != nil {
		return storage.FailWith[[]byte](ctx.Err())
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, _, err := s.read(key)
	if err != nil {
		return storage.Fail[[]byte](err)
	}
	return storage.Ok(it.data)
}

func (s *Store) Remove(ctx context.Context, key string) storage.Result[storage.Void] {
	if err := validKey(key); err != nil {
		return storage.Fail[storage.Void](err)
	}
	if ctx.Err() != nil {
		return storage.FailWith[storage.Void](ctx.Err())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return storage.Fail[storage.Void](fsError("remove", key, err))
	}
	return storage.Done()
}

func (s *Store) Exists(ctx context.Context, key string) storage.Result[bool] {
	if err := validKey(key); err != nil {
		return storage.Fail[bool](err)
	}
	if ctx.Err() != nil {
		return storage.FailWith[bool](ctx.Err())
	}
	_, err := os.Stat(s.path(key))
	switch {
	case err == nil:
		return storage.Ok(true)
	case errors.Is(err, fs.ErrNotExist):
		return storage.Ok(false)
	}
	return storage.Fail[bool](fsError("stat", key, err))
}

// keys returns every stored key name, probe key included.
func (s *Store) keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ext) {
			continue
		}
		raw, err := hex.DecodeString(strings.TrimSuffix(name, ext))
		if err != nil {
			continue
		}
		keys = append(keys, string(raw))
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) List(ctx context.Context) storage.Result[[]string] {
	if ctx.Err() != nil {
		return storage.FailWith[[]string](ctx.Err())
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys, err := s.keys()
	if err != nil {
		return storage.Fail[[]string](fsError("list", "", err))
	}
	if keys == nil {
		keys = []string{}
	}
	return storage.Ok(storage.Visible(keys))
}

func (s *Store) Clear(ctx context.Context) storage.Result[storage.Void] {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, err := s.keys()
	if err != nil {
		return storage.Fail[storage.Void](fsError("clear", "", err))
	}
	for _, k := range keys {
		if ctx.Err() != nil {
			return storage.FailWith[storage.Void](ctx.Err())
		}
		if err := os.Remove(s.path(k)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return storage.Fail[storage.Void](fsError("clear", k, err))
		}
	}
	return storage.Done()
}

func (s *Store) Metadata(ctx context.Context, key string) storage.Result[storage.Metadata] {
	if err := validKey(key); err != nil {
		return storage.Fail[storage.Metadata](err)
	}
	if ctx.Err() != nil {
		return storage.FailWith[storage.Metadata](ctx.Err())
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, fi, err := s.read(key)
	if err != nil {
		return storage.Fail[storage.Metadata](err)
	}
	return storage.Ok(storage.Metadata{
		Created:    it.created,
		Modified:   fi.ModTime(),
		Size:       int64(len(it.data)),
		Encryption: "xchacha20-poly1305",
	})
}

func (s *Store) Info(ctx context.Context) storage.Result[storage.Info] {
	if ctx.Err() != nil {
		return storage.FailWith[storage.Info](ctx.Err())
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var used int64
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return storage.Fail[storage.Info](fsError("info", "", err))
	}
	for _, e := range entries {
		if fi, err := e.Info(); err == nil && strings.HasSuffix(e.Name(), ext) {
			used += fi.Size()
		}
	}
	return storage.Ok(storage.Info{
		Type:           "file",
		AvailableSpace: availableSpace(s.dir),
		UsedSpace:      used,
		MaxItemSize:    MaxItemSize,
		SecurityLevel:  storage.SecurityMedium,
		SupportsAuth:   false,
		SupportsTTL:    false,
	})
}

// Test checks the directory is writable and a sealed value reads back.
func (s *Store) Test(ctx context.Context) storage.Result[storage.Void] {
	if _, err := os.Stat(s.dir); err != nil {
		return storage.Fail[storage.Void](storage.NewError(storage.CodeConnectionFailed, "vault directory unavailable: "+err.Error(), nil))
	}
	return storage.RoundTrip(ctx, s)
}
