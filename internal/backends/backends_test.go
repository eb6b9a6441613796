package backends

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benaskins/seedvault/internal/audit"
	"github.com/benaskins/seedvault/internal/config"
	"github.com/benaskins/seedvault/internal/crypt"
	"github.com/benaskins/seedvault/internal/storage/audited"
	"github.com/benaskins/seedvault/internal/storage/file"
	"github.com/benaskins/seedvault/internal/storage/keychain"
	"github.com/benaskins/seedvault/internal/storage/memory"
	"github.com/benaskins/seedvault/internal/storage/s3"
	"github.com/benaskins/seedvault/internal/storage/vault"
)

type sink struct{ entries []audit.Entry }

func (s *sink) Log(e audit.Entry) error {
	s.entries = append(s.entries, e)
	return nil
}

func env(vars map[string]string) Env {
	return func(k string) string { return vars[k] }
}

func testOptions(vars map[string]string) Options {
	kdf := crypt.KDF{Time: 1, Memory: 64, Threads: 1}
	return Options{Getenv: env(vars), KDF: &kdf, Actor: "cli"}
}

func TestTypesCoverConfig(t *testing.T) {
	assert.Equal(t, []string{
		config.TypeFile, config.TypeKeychain, config.TypeMemory, config.TypeS3, config.TypeVault,
	}, Types())
}

func TestOpenEachType(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(map[string]string{
		"PASS":        "pw",
		"VAULT_TOKEN": "s.token",
	})

	b, err := Open(ctx, config.Backend{ID: "m", Type: config.TypeMemory}, opts)
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, b)

	b, err = Open(ctx, config.Backend{ID: "k", Type: config.TypeKeychain}, opts)
	require.NoError(t, err)
	assert.IsType(t, &keychain.Store{}, b)

	b, err = Open(ctx, config.Backend{
		ID: "f", Type: config.TypeFile,
		File: config.File{Dir: t.TempDir(), PassphraseEnv: "PASS"},
	}, opts)
	require.NoError(t, err)
	assert.IsType(t, &file.Store{}, b)

	b, err = Open(ctx, config.Backend{
		ID: "v", Type: config.TypeVault,
		Vault: config.Vault{Address: "http://127.0.0.1:1"},
	}, opts)
	require.NoError(t, err)
	assert.IsType(t, &vault.Store{}, b)

	b, err = Open(ctx, config.Backend{
		ID: "s", Type: config.TypeS3,
		S3: config.S3{Bucket: "secrets", Region: "eu-west-1", Endpoint: "http://127.0.0.1:1", PassphraseEnv: "PASS"},
	}, opts)
	require.NoError(t, err)
	assert.IsType(t, &s3.Store{}, b)
}

func TestOpenFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(map[string]string{config.DefaultPassphraseEnv: "pw"})
	b, err := Open(ctx, config.Backend{ID: "f", Type: config.TypeFile, File: config.File{Dir: t.TempDir()}}, opts)
	require.NoError(t, err)

	require.True(t, b.Store(ctx, "k", []byte("v"), nil).IsOk())
	got, err := b.Retrieve(ctx, "k", nil).Get()
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
}

func TestOpenErrors(t *testing.T) {
	ctx := context.Background()
	opts := testOptions(nil)

	_, err := Open(ctx, config.Backend{ID: "x", Type: "floppy"}, opts)
	assert.ErrorContains(t, err, "unknown backend type")

	_, err = Open(ctx, config.Backend{ID: "f", Type: config.TypeFile, File: config.File{Dir: t.TempDir(), PassphraseEnv: "MISSING"}}, opts)
	assert.ErrorContains(t, err, "MISSING is not set")

	_, err = Open(ctx, config.Backend{ID: "s", Type: config.TypeS3, S3: config.S3{Bucket: "b"}}, opts)
	assert.ErrorContains(t, err, config.DefaultPassphraseEnv)
}

func TestAuditWrapping(t *testing.T) {
	ctx := context.Background()
	rec := &sink{}
	opts := testOptions(nil)
	opts.Audit = rec

	plain, err := Open(ctx, config.Backend{ID: "m", Type: config.TypeMemory}, opts)
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, plain)

	b, err := Open(ctx, config.Backend{ID: "m", Type: config.TypeMemory, Audit: true}, opts)
	require.NoError(t, err)
	require.IsType(t, &audited.Store{}, b)

	b.Store(ctx, "k", []byte("v"), nil)
	require.Len(t, rec.entries, 1)
	assert.Equal(t, "m", rec.entries[0].Backend)
	assert.Equal(t, "cli", rec.entries[0].Actor)
}

func TestOpenAllKeepsGoodBackends(t *testing.T) {
	built, err := OpenAll(context.Background(), []config.Backend{
		{ID: "a", Type: config.TypeMemory},
		{ID: "f", Type: config.TypeFile, File: config.File{Dir: t.TempDir(), PassphraseEnv: "NOPE"}},
		{ID: "b", Type: config.TypeMemory, Priority: 2},
	}, testOptions(nil))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend f")
	require.Len(t, built, 2)
	assert.Equal(t, "a", built[0].Config.ID)
	assert.Equal(t, 2, built[1].Config.Priority)
}
