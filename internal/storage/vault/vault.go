// Package vault stores secrets in a HashiCorp Vault KV version 2 engine.
//
// Each secret is one KV entry under <mount>/data/<path>/<key> holding the
// base64 value and its original creation time. Deleting removes every
// version and the metadata.
package vault

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/benaskins/seedvault/internal/storage"
)

// maxItemSize stays well under Vault's default storage entry limit.
const maxItemSize = 512 << 10

// Config locates the KV engine.
type Config struct {
	Address   string
	Mount     string // e.g. "secret"
	Path      string // prefix within the mount, e.g. "seedvault"
	Namespace string
	Token     string
	Timeout   time.Duration
}

// Store is a storage.Backend over Vault KV v2.
type Store struct {
	client *api.Client
	kv     *api.KVv2
	mount  string
	path   string
	log    *slog.Logger
}

var _ storage.Backend = (*Store)(nil)

// New creates a Vault backend. No request is made until the first operation.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	vcfg := api.DefaultConfig()
	if vcfg.Error != nil {
		return nil, fmt.Errorf("reading vault environment: %w", vcfg.Error)
	}
	if cfg.Address != "" {
		vcfg.Address = cfg.Address
	}
	if cfg.Timeout > 0 {
		vcfg.Timeout = cfg.Timeout
	} else {
		vcfg.Timeout = 30 * time.Second
	}
	// The health monitor and the migrator own retrying.
	vcfg.MaxRetries = 0

	client, err := api.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	mount := strings.Trim(cfg.Mount, "/")
	if mount == "" {
		mount = "secret"
	}
	return &Store{
		client: client,
		kv:     client.KVv2(mount),
		mount:  mount,
		path:   strings.Trim(cfg.Path, "/"),
		log:    logger.With("component", "vault", "address", vcfg.Address),
	}, nil
}

func (s *Store) keyPath(key string) string {
	if s.path == "" {
		return key
	}
	return s.path + "/" + key
}

// classify maps a Vault client error onto the storage taxonomy.
func (s *Store) classify(op, key string, err error) *storage.Error {
	details := map[string]any{"operation": op}
	if key != "" {
		details["key"] = key
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return storage.FromError(err)
	}
	if errors.Is(err, api.ErrSecretNotFound) {
		return storage.NewError(storage.CodeNotFound, "item not found: "+key, details)
	}

	var re *api.ResponseError
	if errors.As(err, &re) {
		details["status"] = re.StatusCode
		msg := strings.Join(re.Errors, "; ")
		if msg == "" {
			msg = http.StatusText(re.StatusCode)
		}
		switch {
		case re.StatusCode == http.StatusForbidden:
			return storage.NewError(storage.CodePermissionDenied, msg, details)
		case re.StatusCode == http.StatusUnauthorized:
			return storage.NewError(storage.CodeAuthenticationRequired, msg, details)
		case re.StatusCode == http.StatusNotFound:
			return storage.NewError(storage.CodeNotFound, "item not found: "+key, details)
		case re.StatusCode == http.StatusBadRequest:
			return storage.NewError(storage.CodeValidation, msg, details)
		case re.StatusCode == http.StatusRequestEntityTooLarge:
			return storage.NewError(storage.CodeQuotaExceeded, msg, details)
		case re.StatusCode == http.StatusTooManyRequests, re.StatusCode >= 500:
			return storage.NewError(storage.CodeConnectionFailed, msg, details)
		}
		return storage.NewError(storage.CodeInternal, msg, details)
	}

	s.log.Debug("vault request failed", "operation", op, "error", err)
	return storage.NewError(storage.CodeConnectionFailed, err.Error(), details)
}

func (s *Store) Store(ctx context.Context, key string, data []byte, opts *storage.Options) storage.Result[storage.Void] {
	if err := storage.ValidateKey(key); err != nil {
		return storage.Fail[storage.Void](err)
	}
	if len(data) > maxItemSize {
		return storage.QuotaExceeded[storage.Void](fmt.Sprintf("secret exceeds %d bytes", maxItemSize))
	}
	if opts != nil && opts.TTL > 0 {
		return storage.Unsupported[storage.Void]("vault ttl")
	}

	created := time.Now().UTC()
	if opts != nil && !opts.CreatedAt.IsZero() {
		created = opts.CreatedAt.UTC()
	} else if prev, err := s.kv.Get(ctx, s.keyPath(key)); err == nil {
		if t, ok := createdOf(prev); ok {
			created = t
		}
	}

	_, err := s.kv.Put(ctx, s.keyPath(key), map[string]interface{}{
		"value":   base64.StdEncoding.EncodeToString(data),
		"created": created.Format(time.RFC3339Nano),
	})
	if err != nil {
		return storage.Fail[storage.Void](s.classify("store", key, err))
	}
	return storage.Done()
}

func createdOf(sec *api.KVSecret) (time.Time, bool) {
	if sec == nil || sec.Data == nil {
		return time.Time{}, false
	}
	raw, _ := sec.Data["created"].(string)
	t, err := time.Parse(time.RFC3339Nano, raw)
	return t, err == nil
}

func (s *Store) get(ctx context.Context, op, key string) ([]byte, *api.KVSecret, *storage.Error) {
	sec, err := s.kv.Get(ctx, s.keyPath(key))
	if err != nil {
		return nil, nil, s.classify(op, key, err)
	}
	// A deleted latest version has metadata but no data.
	if sec.Data == nil {
		return nil, nil, storage.NewError(storage.CodeNotFound, "item not found: "+key, map[string]any{"key": key})
	}
	raw, ok := sec.Data["value"].(string)
	if !ok {
		return nil, nil, storage.NewError(storage.CodeInternal, "unexpected secret layout", map[string]any{"key": key})
	}
	data, derr := base64.StdEncoding.DecodeString(raw)
	if derr != nil {
		return nil, nil, storage.NewError(storage.CodeInternal, "stored value is not valid base64", map[string]any{"key": key})
	}
	return data, sec, nil
}

func (s *Store) Retrieve(ctx context.Context, key string, _ *storage.Options) storage.Result[[]byte] {
	if err := storage.ValidateKey(key); err != nil {
		return storage.Fail[[]byte](err)
	}
	data, _, err := s.get(ctx, "retrieve", key)
	if err != nil {
		return storage.Fail[[]byte](err)
	}
	return storage.Ok(data)
}

func (s *Store) Remove(ctx context.Context, key string) storage.Result[storage.Void] {
	if err := storage.ValidateKey(key); err != nil {
		return storage.Fail[storage.Void](err)
	}
	if err := s.kv.DeleteMetadata(ctx, s.keyPath(key)); err != nil {
		serr := s.classify("remove", key, err)
		if serr.Code != storage.CodeNotFound {
			return storage.Fail[storage.Void](serr)
		}
	}
	return storage.Done()
}

func (s *Store) Exists(ctx context.Context, key string) storage.Result[bool] {
	if err := storage.ValidateKey(key); err != nil {
		return storage.Fail[bool](err)
	}
	_, _, err := s.get(ctx, "exists", key)
	switch {
	case err == nil:
		return storage.Ok(true)
	case err.Code == storage.CodeNotFound:
		return storage.Ok(false)
	}
	return storage.Fail[bool](err)
}

func (s *Store) keys(ctx context.Context) ([]string, *storage.Error) {
	listPath := s.mount + "/metadata"
	if s.path != "" {
		listPath += "/" + s.path
	}
	sec, err := s.client.Logical().ListWithContext(ctx, listPath)
	if err != nil {
		return nil, s.classify("list", "", err)
	}
	if sec == nil || sec.Data == nil {
		return []string{}, nil
	}
	raw, _ := sec.Data["keys"].([]interface{})
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		name, ok := k.(string)
		if !ok || strings.HasSuffix(name, "/") {
			continue
		}
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) List(ctx context.Context) storage.Result[[]string] {
	keys, err := s.keys(ctx)
	if err != nil {
		return storage.Fail[[]string](err)
	}
	return storage.Ok(storage.Visible(keys))
}

func (s *Store) Clear(ctx context.Context) storage.Result[storage.Void] {
	keys, err := s.keys(ctx)
	if err != nil {
		return storage.Fail[storage.Void](err)
	}
	for _, k := range keys {
		if r := s.Remove(ctx, k); !r.IsOk() {
			return r
		}
	}
	return storage.Done()
}

func (s *Store) Metadata(ctx context.Context, key string) storage.Result[storage.Metadata] {
	if err := storage.ValidateKey(key); err != nil {
		return storage.Fail[storage.Metadata](err)
	}
	data, sec, err := s.get(ctx, "metadata", key)
	if err != nil {
		return storage.Fail[storage.Metadata](err)
	}
	md := storage.Metadata{Size: int64(len(data)), Encryption: "vault-barrier"}
	if sec.VersionMetadata != nil {
		md.Modified = sec.VersionMetadata.CreatedTime
		md.Created = sec.VersionMetadata.CreatedTime
	}
	if t, ok := createdOf(sec); ok {
		md.Created = t
	}
	return storage.Ok(md)
}

func (s *Store) Info(ctx context.Context) storage.Result[storage.Info] {
	return storage.Ok(storage.Info{
		Type:           "vault",
		AvailableSpace: -1,
		UsedSpace:      -1,
		MaxItemSize:    maxItemSize,
		SecurityLevel:  storage.SecurityHigh,
		SupportsAuth:   false,
		SupportsTTL:    false,
	})
}

// Test checks Vault is initialised and unsealed, then round-trips the probe key.
func (s *Store) Test(ctx context.Context) storage.Result[storage.Void] {
	h, err := s.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return storage.Fail[storage.Void](s.classify("health", "", err))
	}
	if !h.Initialized || h.Sealed {
		s.log.Debug("vault is not available", "initialized", h.Initialized, "sealed", h.Sealed)
		return storage.ConnectionFailed[storage.Void]("vault is sealed or not initialised")
	}
	return storage.RoundTrip(ctx, s)
}
