// Package backends builds storage backends from configuration.
package backends

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/benaskins/seedvault/internal/audit"
	"github.com/benaskins/seedvault/internal/config"
	"github.com/benaskins/seedvault/internal/crypt"
	"github.com/benaskins/seedvault/internal/storage"
	"github.com/benaskins/seedvault/internal/storage/audited"
	"github.com/benaskins/seedvault/internal/storage/file"
	"github.com/benaskins/seedvault/internal/storage/keychain"
	"github.com/benaskins/seedvault/internal/storage/memory"
	"github.com/benaskins/seedvault/internal/storage/s3"
	"github.com/benaskins/seedvault/internal/storage/vault"
)

// Env supplies the passphrases and credentials that config names by
// environment variable. The zero value reads the process environment.
type Env func(string) string

// Options carries what constructors need besides the backend's own config.
type Options struct {
	Logger *slog.Logger
	Getenv Env
	// Audit, when set, wraps backends with audit: true.
	Audit audit.Sink
	Actor string
	// KDF overrides the key derivation cost for sealed backends.
	KDF *crypt.KDF
}

func (o Options) getenv(name string) string {
	if o.Getenv != nil {
		return o.Getenv(name)
	}
	return os.Getenv(name)
}

func (o Options) kdf() crypt.KDF {
	if o.KDF != nil {
		return *o.KDF
	}
	return crypt.DefaultKDF
}

// Constructor builds one kind of backend.
type Constructor func(ctx context.Context, b config.Backend, opts Options) (storage.Backend, error)

var registry = map[string]Constructor{
	config.TypeMemory:   newMemory,
	config.TypeKeychain: newKeychain,
	config.TypeFile:     newFile,
	config.TypeVault:    newVault,
	config.TypeS3:       newS3,
}

// Types lists the registered backend types.
func Types() []string {
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Open builds the backend b describes.
func Open(ctx context.Context, b config.Backend, opts Options) (storage.Backend, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	construct, ok := registry[b.Type]
	if !ok {
		return nil, fmt.Errorf("unknown backend type: %s", b.Type)
	}
	backend, err := construct(ctx, b, opts)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", b.ID, err)
	}
	if b.Audit && opts.Audit != nil {
		backend = audited.New(backend, b.ID, opts.Audit, opts.Actor, opts.Logger)
	}
	return backend, nil
}

// Built is a constructed backend with the config it came from.
type Built struct {
	Config  config.Backend
	Backend storage.Backend
}

// OpenAll builds every backend. A backend that fails to construct is
// skipped and reported in the joined error; the rest are still returned so
// the daemon can run degraded.
func OpenAll(ctx context.Context, list []config.Backend, opts Options) ([]Built, error) {
	var (
		out  []Built
		errs []error
	)
	for _, b := range list {
		backend, err := Open(ctx, b, opts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, Built{Config: b, Backend: backend})
	}
	return out, errors.Join(errs...)
}

func newMemory(context.Context, config.Backend, Options) (storage.Backend, error) {
	return memory.New(), nil
}

func newKeychain(_ context.Context, b config.Backend, _ Options) (storage.Backend, error) {
	return keychain.New(b.Keychain.Service), nil
}

func passphrase(opts Options, env string) ([]byte, error) {
	if env == "" {
		env = config.DefaultPassphraseEnv
	}
	p := opts.getenv(env)
	if p == "" {
		return nil, fmt.Errorf("passphrase variable %s is not set", env)
	}
	return []byte(p), nil
}

func newFile(_ context.Context, b config.Backend, opts Options) (storage.Backend, error) {
	pass, err := passphrase(opts, b.File.PassphraseEnv)
	if err != nil {
		return nil, err
	}
	dir := b.File.Dir
	if dir == "" {
		dir = config.DefaultFileDir()
	}
	return file.Open(dir, pass, opts.kdf())
}

func newVault(_ context.Context, b config.Backend, opts Options) (storage.Backend, error) {
	tokenEnv := b.Vault.TokenEnv
	if tokenEnv == "" {
		tokenEnv = "VAULT_TOKEN"
	}
	return vault.New(vault.Config{
		Address:   b.Vault.Address,
		Mount:     b.Vault.Mount,
		Path:      b.Vault.Path,
		Namespace: b.Vault.Namespace,
		Token:     opts.getenv(tokenEnv),
	}, opts.Logger)
}

func newS3(ctx context.Context, b config.Backend, opts Options) (storage.Backend, error) {
	pass, err := passphrase(opts, b.S3.PassphraseEnv)
	if err != nil {
		return nil, err
	}
	cfg := s3.Config{
		Endpoint:     b.S3.Endpoint,
		Region:       b.S3.Region,
		Bucket:       b.S3.Bucket,
		Prefix:       b.S3.Prefix,
		UsePathStyle: b.S3.UsePathStyle,
		Passphrase:   pass,
		KDF:          opts.kdf(),
	}
	if b.S3.AccessKeyEnv != "" {
		cfg.AccessKeyID = opts.getenv(b.S3.AccessKeyEnv)
		cfg.SecretAccessKey = opts.getenv(b.S3.SecretKeyEnv)
	}
	return s3.New(ctx, cfg, opts.Logger)
}
