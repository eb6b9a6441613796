package audited

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/benaskins/seedvault/internal/audit"
	"github.com/benaskins/seedvault/internal/storage"
	"github.com/benaskins/seedvault/internal/storage/memory"
)

func setupAuditedStore(t *testing.T) (*Store, *memory.Store, string) {
	t.Helper()
	auditPath := filepath.Join(t.TempDir(), "audit.log")

	auditLog, err := audit.NewLogger(auditPath)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	t.Cleanup(func() { auditLog.Close() })

	inner := memory.New()
	return New(inner, "memory", auditLog, "cli", nil), inner, auditPath
}

func readAuditEntries(t *testing.T, path string) []audit.Entry {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var entries []audit.Entry
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var e audit.Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("bad audit line %q: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestStoreAndRetrieveAreLogged(t *testing.T) {
	store, _, auditPath := setupAuditedStore(t)
	ctx := context.Background()

	if r := store.Store(ctx, "wallet", []byte("seed"), nil); !r.IsOk() {
		t.Fatalf("Store: %v", r.Err())
	}
	got, err := store.Retrieve(ctx, "wallet", nil).Get()
	if err != nil || string(got) != "seed" {
		t.Fatalf("Retrieve = %q, %v", got, err)
	}

	entries := readAuditEntries(t, auditPath)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Action != audit.ActionSecretStore || entries[1].Action != audit.ActionSecretRetrieve {
		t.Errorf("actions = %q, %q", entries[0].Action, entries[1].Action)
	}
	for _, e := range entries {
		if e.Key != "wallet" || e.Backend != "memory" || e.Actor != "cli" || e.Error != "" {
			t.Errorf("unexpected entry %+v", e)
		}
	}
}

func TestValueNeverLogged(t *testing.T) {
	store, _, auditPath := setupAuditedStore(t)
	store.Store(context.Background(), "wallet", []byte("super-secret-value"), nil)

	data, _ := os.ReadFile(auditPath)
	if strings.Contains(string(data), "super-secret-value") {
		t.Error("audit log must not contain secret values")
	}
}

func TestFailuresAreLoggedWithCode(t *testing.T) {
	store, inner, auditPath := setupAuditedStore(t)
	ctx := context.Background()

	inner.Inject(memory.Fault{Op: "retrieve", Err: storage.NewError(storage.CodePermissionDenied, "nope", nil)})
	r := store.Retrieve(ctx, "wallet", nil)
	if r.IsOk() {
		t.Fatal("expected injected failure")
	}

	entries := readAuditEntries(t, auditPath)
	if len(entries) != 1 || entries[0].Error != string(storage.CodePermissionDenied) {
		t.Errorf("entries = %+v", entries)
	}
}

func TestRemoveAndClearAreLogged(t *testing.T) {
	store, _, auditPath := setupAuditedStore(t)
	ctx := context.Background()

	store.Store(ctx, "a", []byte("1"), nil)
	store.Remove(ctx, "a")
	store.Clear(ctx)

	entries := readAuditEntries(t, auditPath)
	want := []audit.Action{audit.ActionSecretStore, audit.ActionSecretRemove, audit.ActionSecretClear}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(entries))
	}
	for i, a := range want {
		if entries[i].Action != a {
			t.Errorf("entry %d action = %q, want %q", i, entries[i].Action, a)
		}
	}
}

func TestReadOnlyCallsAreNotLogged(t *testing.T) {
	store, _, auditPath := setupAuditedStore(t)
	ctx := context.Background()

	store.Exists(ctx, "a")
	store.List(ctx)
	store.Metadata(ctx, "a")
	store.Info(ctx)
	if r := store.Test(ctx); !r.IsOk() {
		t.Fatalf("Test: %v", r.Err())
	}

	data, _ := os.ReadFile(auditPath)
	if len(strings.TrimSpace(string(data))) != 0 {
		t.Errorf("expected empty audit log, got %q", data)
	}
}

type failingSink struct{ calls int }

func (f *failingSink) Log(audit.Entry) error {
	f.calls++
	return errors.New("disk full")
}

func TestSinkFailureDoesNotFailOperation(t *testing.T) {
	sink := &failingSink{}
	store := New(memory.New(), "memory", sink, "daemon", nil)

	if r := store.Store(context.Background(), "k", []byte("v"), nil); !r.IsOk() {
		t.Fatalf("Store should succeed despite audit failure: %v", r.Err())
	}
	if sink.calls != 1 {
		t.Errorf("sink calls = %d, want 1", sink.calls)
	}
	if store.Unwrap() == nil {
		t.Error("Unwrap returned nil")
	}
}
