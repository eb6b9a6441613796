package vault

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benaskins/seedvault/internal/storage"
)

const testToken = "s.test-token"

// kvServer emulates the parts of a Vault KV v2 mount the backend uses.
type kvServer struct {
	mu      sync.Mutex
	mount   string
	entries map[string]map[string]any
	created map[string]time.Time
	version map[string]int
	sealed  bool
	failAll int // status code returned for every KV request when non-zero
}

func newKVServer(t *testing.T) (*kvServer, *httptest.Server) {
	t.Helper()
	kv := &kvServer{
		mount:   "secret",
		entries: make(map[string]map[string]any),
		created: make(map[string]time.Time),
		version: make(map[string]int),
	}
	srv := httptest.NewServer(kv)
	t.Cleanup(srv.Close)
	return kv, srv
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (kv *kvServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if r.URL.Path == "/v1/sys/health" {
		writeJSON(w, 200, map[string]any{"initialized": true, "sealed": kv.sealed, "version": "1.19.0"})
		return
	}
	if r.Header.Get("X-Vault-Token") != testToken {
		writeJSON(w, http.StatusForbidden, map[string]any{"errors": []string{"permission denied"}})
		return
	}
	if kv.failAll != 0 {
		writeJSON(w, kv.failAll, map[string]any{"errors": []string{"injected failure"}})
		return
	}

	dataPrefix := "/v1/" + kv.mount + "/data/"
	metaPrefix := "/v1/" + kv.mount + "/metadata/"
	switch {
	case strings.HasPrefix(r.URL.Path, dataPrefix):
		kv.data(w, r, strings.TrimPrefix(r.URL.Path, dataPrefix))
	case strings.HasPrefix(r.URL.Path, metaPrefix):
		kv.metadata(w, r, strings.TrimPrefix(r.URL.Path, metaPrefix))
	default:
		writeJSON(w, 404, map[string]any{"errors": []string{}})
	}
}

func (kv *kvServer) versionMeta(path string) map[string]any {
	return map[string]any{
		"version":       kv.version[path],
		"created_time":  kv.created[path].Format(time.RFC3339Nano),
		"deletion_time": "",
		"destroyed":     false,
	}
}

func (kv *kvServer) data(w http.ResponseWriter, r *http.Request, path string) {
	switch r.Method {
	case http.MethodGet:
		d, ok := kv.entries[path]
		if !ok {
			writeJSON(w, 404, map[string]any{"errors": []string{}})
			return
		}
		writeJSON(w, 200, map[string]any{"data": map[string]any{"data": d, "metadata": kv.versionMeta(path)}})
	case http.MethodPut, http.MethodPost:
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Data map[string]any `json:"data"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, 400, map[string]any{"errors": []string{err.Error()}})
			return
		}
		kv.entries[path] = req.Data
		kv.created[path] = time.Now().UTC()
		kv.version[path]++
		writeJSON(w, 200, map[string]any{"data": kv.versionMeta(path)})
	default:
		writeJSON(w, 405, map[string]any{"errors": []string{"method not allowed"}})
	}
}

func (kv *kvServer) metadata(w http.ResponseWriter, r *http.Request, path string) {
	path = strings.Trim(path, "/")
	switch {
	case r.Method == http.MethodDelete:
		delete(kv.entries, path)
		delete(kv.created, path)
		delete(kv.version, path)
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && r.URL.Query().Get("list") == "true":
		prefix := path
		if prefix != "" {
			prefix += "/"
		}
		seen := map[string]bool{}
		for p := range kv.entries {
			if !strings.HasPrefix(p, prefix) {
				continue
			}
			rest := strings.TrimPrefix(p, prefix)
			if i := strings.Index(rest, "/"); i >= 0 {
				rest = rest[:i+1]
			}
			seen[rest] = true
		}
		if len(seen) == 0 {
			writeJSON(w, 404, map[string]any{"errors": []string{}})
			return
		}
		var keys []string
		for k := range seen {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		writeJSON(w, 200, map[string]any{"data": map[string]any{"keys": keys}})
	default:
		writeJSON(w, 405, map[string]any{"errors": []string{"method not allowed"}})
	}
}

func (kv *kvServer) has(path string) bool {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	_, ok := kv.entries[path]
	return ok
}

func (kv *kvServer) count() int {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return len(kv.entries)
}

func newTestStore(t *testing.T, srv *httptest.Server, token string) *Store {
	t.Helper()
	s, err := New(Config{
		Address: srv.URL,
		Mount:   "secret",
		Path:    "seedvault",
		Token:   token,
		Timeout: 5 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestStoreRetrieve(t *testing.T) {
	kv, srv := newKVServer(t)
	s := newTestStore(t, srv, testToken)
	ctx := context.Background()

	if r := s.Store(ctx, "api-key", []byte("sk-live-123"), nil); !r.IsOk() {
		t.Fatalf("Store: %v", r.Err())
	}
	if !kv.has("seedvault/api-key") {
		t.Fatal("entry not written under the configured path")
	}

	got, err := s.Retrieve(ctx, "api-key", nil).Get()
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if string(got) != "sk-live-123" {
		t.Errorf("Retrieve = %q", got)
	}
}

func TestBinaryValues(t *testing.T) {
	_, srv := newKVServer(t)
	s := newTestStore(t, srv, testToken)
	ctx := context.Background()
	blob := []byte{0, 1, 2, 0xff, 0xfe}

	s.Store(ctx, "blob", blob, nil)
	got, err := s.Retrieve(ctx, "blob", nil).Get()
	if err != nil || string(got) != string(blob) {
		t.Fatalf("Retrieve = %v, %v", got, err)
	}
}

func TestMissingKey(t *testing.T) {
	_, srv := newKVServer(t)
	s := newTestStore(t, srv, testToken)
	ctx := context.Background()

	if r := s.Retrieve(ctx, "nope", nil); !errors.Is(r.Err(), storage.ErrNotFound) {
		t.Errorf("Retrieve missing = %v", r.Err())
	}
	if s.Exists(ctx, "nope").ValueOr(true) {
		t.Error("Exists missing = true")
	}
	if r := s.Remove(ctx, "nope"); !r.IsOk() {
		t.Errorf("Remove missing = %v", r.Err())
	}
}

func TestListRemoveClear(t *testing.T) {
	kv, srv := newKVServer(t)
	s := newTestStore(t, srv, testToken)
	ctx := context.Background()

	if keys := s.List(ctx).ValueOr(nil); len(keys) != 0 {
		t.Fatalf("List on empty mount = %v", keys)
	}
	for _, k := range []string{"b", "a", storage.ProbeKey} {
		s.Store(ctx, k, []byte(k), nil)
	}
	kv.mu.Lock()
	kv.entries["seedvault/nested/deeper"] = map[string]any{"value": ""}
	kv.mu.Unlock()

	keys, err := s.List(ctx).Get()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("List = %v, want [a b]", keys)
	}

	if r := s.Remove(ctx, "a"); !r.IsOk() {
		t.Fatalf("Remove: %v", r.Err())
	}
	if s.Exists(ctx, "a").ValueOr(true) {
		t.Error("a still exists after Remove")
	}

	if r := s.Clear(ctx); !r.IsOk() {
		t.Fatalf("Clear: %v", r.Err())
	}
	if keys := s.List(ctx).ValueOr(nil); len(keys) != 0 {
		t.Errorf("List after Clear = %v", keys)
	}
}

func TestCreatedPreserved(t *testing.T) {
	_, srv := newKVServer(t)
	s := newTestStore(t, srv, testToken)
	ctx := context.Background()
	orig := time.Date(2022, 1, 2, 3, 4, 5, 0, time.UTC)

	s.Store(ctx, "k", []byte("v1"), &storage.Options{CreatedAt: orig})
	s.Store(ctx, "k", []byte("value2"), nil)

	md, err := s.Metadata(ctx, "k").Get()
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if !md.Created.Equal(orig) {
		t.Errorf("Created = %v, want %v", md.Created, orig)
	}
	if md.Size != 6 || md.Modified.IsZero() {
		t.Errorf("Metadata = %+v", md)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		want   storage.Code
	}{
		{http.StatusServiceUnavailable, storage.CodeConnectionFailed},
		{http.StatusInternalServerError, storage.CodeConnectionFailed},
		{http.StatusTooManyRequests, storage.CodeConnectionFailed},
		{http.StatusBadRequest, storage.CodeValidation},
		{http.StatusUnauthorized, storage.CodeAuthenticationRequired},
		{http.StatusRequestEntityTooLarge, storage.CodeQuotaExceeded},
	}
	for _, tt := range tests {
		kv, srv := newKVServer(t)
		kv.mu.Lock()
		kv.failAll = tt.status
		kv.mu.Unlock()
		s := newTestStore(t, srv, testToken)
		r := s.Store(context.Background(), "k", []byte("v"), nil)
		if r.IsOk() || r.Err().Code != tt.want {
			t.Errorf("status %d: got %v, want %s", tt.status, r.Err(), tt.want)
		}
	}
}

func TestPermissionDenied(t *testing.T) {
	_, srv := newKVServer(t)
	s := newTestStore(t, srv, "wrong-token")

	r := s.Retrieve(context.Background(), "k", nil)
	if r.IsOk() || r.Err().Code != storage.CodePermissionDenied {
		t.Fatalf("Retrieve with bad token = %v, want PermissionDenied", r.Err())
	}
	if !r.RequiresUserInteraction() {
		t.Error("permission errors require user interaction")
	}
}

func TestUnreachable(t *testing.T) {
	_, srv := newKVServer(t)
	s := newTestStore(t, srv, testToken)
	srv.Close()

	r := s.Test(context.Background())
	if r.IsOk() || r.Err().Code != storage.CodeConnectionFailed {
		t.Fatalf("Test against closed server = %v, want ConnectionFailed", r.Err())
	}
}

func TestSelfTest(t *testing.T) {
	kv, srv := newKVServer(t)
	s := newTestStore(t, srv, testToken)
	ctx := context.Background()

	if r := s.Test(ctx); !r.IsOk() {
		t.Fatalf("Test: %v", r.Err())
	}
	if n := kv.count(); n != 0 {
		t.Errorf("%d entries left behind by the probe", n)
	}

	kv.mu.Lock()
	kv.sealed = true
	kv.mu.Unlock()
	if r := s.Test(ctx); r.IsOk() || r.Err().Code != storage.CodeConnectionFailed {
		t.Errorf("Test on sealed vault = %v", r.Err())
	}
}

func TestInfoAndLimits(t *testing.T) {
	_, srv := newKVServer(t)
	s := newTestStore(t, srv, testToken)
	ctx := context.Background()

	info := s.Info(ctx).ValueOr(storage.Info{})
	if info.Type != "vault" || info.SecurityLevel != storage.SecurityHigh {
		t.Errorf("Info = %+v", info)
	}
	if r := s.Store(ctx, "big", make([]byte, maxItemSize+1), nil); r.Err() == nil || r.Err().Code != storage.CodeQuotaExceeded {
		t.Errorf("oversized = %v", r.Err())
	}
	if r := s.Store(ctx, "k", []byte("v"), &storage.Options{TTL: time.Minute}); r.Err() == nil || r.Err().Code != storage.CodeUnsupportedOperation {
		t.Errorf("ttl = %v", r.Err())
	}
}
