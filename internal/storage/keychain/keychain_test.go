package keychain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benaskins/seedvault/internal/storage"
)

type entry struct {
	data        []byte
	created     time.Time
	requireAuth bool
}

// fakeKeyring mimics the system keychain for one service.
type fakeKeyring struct {
	mu    sync.Mutex
	items map[string]entry
	err   error
}

func newFake() *fakeKeyring { return &fakeKeyring{items: make(map[string]entry)} }

func (f *fakeKeyring) set(key string, data []byte, requireAuth bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.items[key] = entry{data: append([]byte(nil), data...), created: time.Now(), requireAuth: requireAuth}
	return nil
}

func (f *fakeKeyring) get(key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	e, ok := f.items[key]
	if !ok {
		return nil, errItemNotFound
	}
	return e.data, nil
}

func (f *fakeKeyring) attrs(key string) (attrs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return attrs{}, f.err
	}
	e, ok := f.items[key]
	if !ok {
		return attrs{}, errItemNotFound
	}
	return attrs{created: e.created, modified: e.created, size: int64(len(e.data))}, nil
}

func (f *fakeKeyring) accounts() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if len(f.items) == 0 {
		return nil, errItemNotFound
	}
	var out []string
	for k := range f.items {
		out = append(out, k)
	}
	return out, nil
}

func (f *fakeKeyring) remove(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if _, ok := f.items[key]; !ok {
		return errItemNotFound
	}
	delete(f.items, key)
	return nil
}

func newTestStore() (*Store, *fakeKeyring) {
	f := newFake()
	return &Store{ring: f, supported: true}, f
}

func TestStoreAndRetrieve(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	if r := s.Store(ctx, "wallet/seed", []byte("abandon ability"), nil); r.IsOk() || r.Err().Code != storage.CodeValidation {
		t.Fatalf("expected path separator rejection, got %v", r.Err())
	}

	if r := s.Store(ctx, "wallet-seed", []byte("abandon ability"), nil); !r.IsOk() {
		t.Fatalf("Store: %v", r.Err())
	}
	got, err := s.Retrieve(ctx, "wallet-seed", nil).Get()
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if string(got) != "abandon ability" {
		t.Errorf("Retrieve = %q", got)
	}
}

func TestRequireAuthIsInteractive(t *testing.T) {
	s, f := newTestStore()
	r := s.Store(context.Background(), "pin", []byte("1234"), &storage.Options{RequireAuth: true})
	if !r.IsOk() || !r.RequiresUserInteraction() {
		t.Fatalf("Store with RequireAuth = %v, interactive=%v", r.Err(), r.RequiresUserInteraction())
	}
	if !f.items["pin"].requireAuth {
		t.Error("requireAuth not passed to keychain")
	}
}

func TestTTLUnsupported(t *testing.T) {
	s, _ := newTestStore()
	r := s.Store(context.Background(), "k", []byte("v"), &storage.Options{TTL: time.Minute})
	if r.IsOk() || r.Err().Code != storage.CodeUnsupportedOperation {
		t.Fatalf("expected UnsupportedOperation, got %v", r.Err())
	}
}

func TestOversizedRejected(t *testing.T) {
	s, _ := newTestStore()
	r := s.Store(context.Background(), "big", make([]byte, maxItemSize+1), nil)
	if r.IsOk() || r.Err().Code != storage.CodeQuotaExceeded {
		t.Fatalf("expected QuotaExceeded, got %v", r.Err())
	}
}

func TestMissingKey(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	if r := s.Retrieve(ctx, "nope", nil); r.IsOk() || !errors.Is(r.Err(), storage.ErrNotFound) {
		t.Errorf("Retrieve missing = %v", r.Err())
	}
	if ok := s.Exists(ctx, "nope").ValueOr(true); ok {
		t.Error("Exists missing = true")
	}
	if r := s.Remove(ctx, "nope"); !r.IsOk() {
		t.Errorf("Remove missing should succeed, got %v", r.Err())
	}
	if r := s.Metadata(ctx, "nope"); r.Err() == nil || r.Err().Code != storage.CodeNotFound {
		t.Errorf("Metadata missing = %v", r.Err())
	}
}

func TestListAndClear(t *testing.T) {
	s, f := newTestStore()
	ctx := context.Background()

	if keys := s.List(ctx).ValueOr(nil); len(keys) != 0 {
		t.Fatalf("empty List = %v", keys)
	}
	for _, k := range []string{"b", "a", storage.ProbeKey} {
		f.set(k, []byte("x"), false)
	}
	keys := s.List(ctx).ValueOr(nil)
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("List = %v, want [a b]", keys)
	}

	if r := s.Clear(ctx); !r.IsOk() {
		t.Fatalf("Clear: %v", r.Err())
	}
	if len(f.items) != 0 {
		t.Errorf("items after Clear = %d", len(f.items))
	}
}

func TestMetadata(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	s.Store(ctx, "k", []byte("12345"), nil)

	md, err := s.Metadata(ctx, "k").Get()
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if md.Size != 5 || md.Encryption != "keychain" || md.Created.IsZero() {
		t.Errorf("Metadata = %+v", md)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want storage.Code
	}{
		{errAuth, storage.CodeAuthenticationRequired},
		{errCancelled, storage.CodeOperationCancelled},
		{errUnsupported, storage.CodeUnsupportedOperation},
		{errors.New("errSecIO"), storage.CodeInternal},
	}
	for _, tt := range tests {
		s, f := newTestStore()
		f.err = tt.err
		r := s.Retrieve(context.Background(), "k", nil)
		if r.IsOk() || r.Err().Code != tt.want {
			t.Errorf("%v: code = %v, want %v", tt.err, r.Err(), tt.want)
		}
	}

	s, f := newTestStore()
	f.err = errAuth
	if !s.Retrieve(context.Background(), "k", nil).RequiresUserInteraction() {
		t.Error("authentication failures should require user interaction")
	}
}

func TestSelfTest(t *testing.T) {
	s, f := newTestStore()
	if r := s.Test(context.Background()); !r.IsOk() {
		t.Fatalf("Test: %v", r.Err())
	}
	if len(f.items) != 0 {
		t.Error("probe key left behind")
	}

	f.err = errAuth
	if r := s.Test(context.Background()); r.IsOk() {
		t.Error("Test should fail when the keychain is locked")
	}
}

func TestInfo(t *testing.T) {
	s, _ := newTestStore()
	info, err := s.Info(context.Background()).Get()
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Type != "keychain" || info.SecurityLevel != storage.SecurityHardware || !info.SupportsAuth {
		t.Errorf("Info = %+v", info)
	}
}

func TestCancelledContext(t *testing.T) {
	s, _ := newTestStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if r := s.Store(ctx, "k", []byte("v"), nil); r.IsOk() || r.Err().Code != storage.CodeOperationCancelled {
		t.Errorf("Store with cancelled ctx = %v", r.Err())
	}
}

func TestSystemStoreMatchesPlatform(t *testing.T) {
	s := New("")
	if Supported() {
		t.Skip("system keychain exercised by integration tests")
	}
	ctx := context.Background()
	if r := s.Test(ctx); r.IsOk() || r.Err().Code != storage.CodeUnsupportedOperation {
		t.Errorf("Test = %v, want UnsupportedOperation", r.Err())
	}
	if r := s.Store(ctx, "k", []byte("v"), nil); r.IsOk() || r.Err().Code != storage.CodeUnsupportedOperation {
		t.Errorf("Store = %v, want UnsupportedOperation", r.Err())
	}
	if r := s.List(ctx); r.IsOk() {
		t.Error("List should fail without a keychain")
	}
}
