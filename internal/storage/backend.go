// Package storage defines the contract every secret storage backend
// implements and the Result/Error model its operations return.
//
// Backends never panic or return bare Go errors across this boundary: every
// failure is a Result carrying an *Error with a Code from the taxonomy.
package storage

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

// MaxKeyLength is the longest key accepted by any backend.
const MaxKeyLength = 256

// ProbeKey prefixes the keys backends use for their Test round trip. Each
// round trip writes its own key so overlapping self-checks never read each
// other's payload. Probe keys never appear in List.
const ProbeKey = "__seedvault_probe__"

// IsProbeKey reports whether key belongs to a self-check round trip.
func IsProbeKey(key string) bool { return strings.HasPrefix(key, ProbeKey) }

// SecurityLevel ranks how well a backend protects data at rest.
type SecurityLevel string

const (
	SecurityLow      SecurityLevel = "low"
	SecurityMedium   SecurityLevel = "medium"
	SecurityHigh     SecurityLevel = "high"
	SecurityHardware SecurityLevel = "hardware"
)

// Options tunes a single Store or Retrieve call. A nil *Options is valid.
type Options struct {
	// RequireAuth asks the backend to gate access behind user presence
	// where it can (keychain ACLs).
	RequireAuth bool
	// TTL expires the item after the given duration on backends that
	// support it. Zero means no expiry.
	TTL time.Duration
	// CreatedAt overrides the recorded creation time, used by migrations
	// to preserve the original timestamp.
	CreatedAt time.Time
}

// Metadata describes a stored item.
type Metadata struct {
	Created    time.Time `json:"created"`
	Modified   time.Time `json:"modified"`
	Size       int64     `json:"size"`
	Encryption string    `json:"encryption"`
}

// Info describes a backend's capabilities. Space values of -1 mean unknown.
type Info struct {
	Type           string        `json:"type"`
	AvailableSpace int64         `json:"available_space"`
	UsedSpace      int64         `json:"used_space"`
	MaxItemSize    int64         `json:"max_item_size"`
	SecurityLevel  SecurityLevel `json:"security_level"`
	SupportsAuth   bool          `json:"supports_auth"`
	SupportsTTL    bool          `json:"supports_ttl"`
}

// Backend is a secret store. Implementations must be safe for concurrent use:
// health probes run alongside real operations.
type Backend interface {
	Store(ctx context.Context, key string, data []byte, opts *Options) Result[Void]
	Retrieve(ctx context.Context, key string, opts *Options) Result[[]byte]
	Remove(ctx context.Context, key string) Result[Void]
	Exists(ctx context.Context, key string) Result[bool]
	List(ctx context.Context) Result[[]string]
	Clear(ctx context.Context) Result[Void]
	Metadata(ctx context.Context, key string) Result[Metadata]
	Info(ctx context.Context) Result[Info]
	Test(ctx context.Context) Result[Void]
}

// ValidateKey enforces the key rules shared by all backends: non-empty,
// at most MaxKeyLength characters, no path separators and no "..".
func ValidateKey(key string) *Error {
	switch {
	case key == "":
		return NewError(CodeValidation, "key must not be empty", nil)
	case len(key) > MaxKeyLength:
		return NewError(CodeValidation, fmt.Sprintf("key exceeds %d characters", MaxKeyLength), map[string]any{"length": len(key)})
	case strings.ContainsAny(key, `/\`):
		return NewError(CodeValidation, "key must not contain path separators", map[string]any{"key": key})
	case strings.Contains(key, ".."):
		return NewError(CodeValidation, `key must not contain ".."`, map[string]any{"key": key})
	}
	return nil
}

// RoundTrip is the self-check shared by backends: store, read back, compare
// and remove the probe key.
func RoundTrip(ctx context.Context, b Backend) Result[Void] {
	nonce := rand.Text()
	key := ProbeKey + nonce
	payload := []byte("probe-" + nonce)

	if r := b.Store(ctx, key, payload, nil); !r.IsOk() {
		return Fail[Void](r.Err())
	}
	got := b.Retrieve(ctx, key, nil)
	if !got.IsOk() {
		b.Remove(ctx, key)
		return Fail[Void](got.Err())
	}
	if string(got.ValueOr(nil)) != string(payload) {
		b.Remove(ctx, key)
		return Internal[Void]("probe read back corrupted data")
	}
	if r := b.Remove(ctx, key); !r.IsOk() {
		return Fail[Void](r.Err())
	}
	return Done()
}

// Visible filters probe keys out of a key listing.
func Visible(keys []string) []string {
	out := keys[:0]
	for _, k := range keys {
		if !IsProbeKey(k) {
			out = append(out, k)
		}
	}
	return out
}
