package s3

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benaskins/seedvault/internal/crypt"
	"github.com/benaskins/seedvault/internal/storage"
)

const testBucket = "secrets"

var testKDF = crypt.KDF{Time: 1, Memory: 64, Threads: 1}

type stored struct {
	body     []byte
	meta     map[string]string
	modified time.Time
}

// bucketServer emulates path-style S3 for a single bucket.
type bucketServer struct {
	mu      sync.Mutex
	objects map[string]stored
	deny    bool // answer every request with 403 AccessDenied
	status  int  // answer every request with this status when non-zero
}

func newBucketServer(t *testing.T) (*bucketServer, *httptest.Server) {
	t.Helper()
	b := &bucketServer{objects: make(map[string]stored)}
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	return b, srv
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message><RequestId>test</RequestId></Error>`, code, msg)
}

type listResult struct {
	XMLName     xml.Name `xml:"ListBucketResult"`
	Name        string   `xml:"Name"`
	Prefix      string   `xml:"Prefix"`
	KeyCount    int      `xml:"KeyCount"`
	MaxKeys     int      `xml:"MaxKeys"`
	IsTruncated bool     `xml:"IsTruncated"`
	Contents    []struct {
		Key          string `xml:"Key"`
		Size         int    `xml:"Size"`
		LastModified string `xml:"LastModified"`
	} `xml:"Contents"`
}

func (b *bucketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.deny {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		writeError(w, http.StatusForbidden, "AccessDenied", "Access Denied")
		return
	}
	if b.status != 0 {
		if r.Method == http.MethodHead {
			w.WriteHeader(b.status)
			return
		}
		writeError(w, b.status, "ServiceUnavailable", "try later")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	if bucket != testBucket {
		writeError(w, http.StatusNotFound, "NoSuchBucket", "The specified bucket does not exist")
		return
	}

	switch {
	case key == "" && r.Method == http.MethodHead:
		w.WriteHeader(http.StatusOK)

	case key == "" && r.Method == http.MethodGet:
		prefix := r.URL.Query().Get("prefix")
		res := listResult{Name: testBucket, Prefix: prefix, MaxKeys: 1000}
		names := make([]string, 0, len(b.objects))
		for k := range b.objects {
			if strings.HasPrefix(k, prefix) {
				names = append(names, k)
			}
		}
		sort.Strings(names)
		for _, k := range names {
			o := b.objects[k]
			res.Contents = append(res.Contents, struct {
				Key          string `xml:"Key"`
				Size         int    `xml:"Size"`
				LastModified string `xml:"LastModified"`
			}{k, len(o.body), o.modified.UTC().Format("2006-01-02T15:04:05.000Z")})
		}
		res.KeyCount = len(res.Contents)
		w.Header().Set("Content-Type", "application/xml")
		xml.NewEncoder(w).Encode(res)

	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		meta := make(map[string]string)
		for h, v := range r.Header {
			if strings.HasPrefix(strings.ToLower(h), "x-amz-meta-") {
				meta[strings.ToLower(strings.TrimPrefix(strings.ToLower(h), "x-amz-meta-"))] = v[0]
			}
		}
		b.objects[key] = stored{body: body, meta: meta, modified: time.Now()}
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodGet || r.Method == http.MethodHead:
		o, ok := b.objects[key]
		if !ok {
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			writeError(w, http.StatusNotFound, "NoSuchKey", "The specified key does not exist.")
			return
		}
		for k, v := range o.meta {
			w.Header().Set("x-amz-meta-"+k, v)
		}
		w.Header().Set("Last-Modified", o.modified.UTC().Format(http.TimeFormat))
		w.Header().Set("Content-Length", fmt.Sprint(len(o.body)))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write(o.body)
		}

	case r.Method == http.MethodDelete:
		delete(b.objects, key)
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", r.Method)
	}
}

func (b *bucketServer) get(key string) (stored, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.objects[key]
	return o, ok
}

func (b *bucketServer) set(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn()
}

func newStore(t *testing.T, endpoint, passphrase string) *Store {
	t.Helper()
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	s, err := New(context.Background(), Config{
		Endpoint:        endpoint,
		Region:          "us-east-1",
		Bucket:          testBucket,
		Prefix:          "team",
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		UsePathStyle:    true,
		Passphrase:      []byte(passphrase),
		KDF:             testKDF,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return s
}

func TestNewRequiresBucketAndPassphrase(t *testing.T) {
	_, err := New(context.Background(), Config{Passphrase: []byte("x")}, nil)
	assert.ErrorContains(t, err, "bucket")

	_, err = New(context.Background(), Config{Bucket: testBucket}, nil)
	assert.ErrorContains(t, err, "passphrase")
}

func TestStoreRetrieve(t *testing.T) {
	b, srv := newBucketServer(t)
	s := newStore(t, srv.URL, "correct horse")
	ctx := context.Background()

	require.True(t, s.Store(ctx, "wallet", []byte("seed words"), nil).IsOk())

	got, err := s.Retrieve(ctx, "wallet", nil).Get()
	require.NoError(t, err)
	assert.Equal(t, "seed words", string(got))

	_, ok := b.get("team/seedvault.json")
	assert.True(t, ok, "header object should be written on first use")

	obj, ok := b.get("team/items/wallet")
	require.True(t, ok)
	assert.NotContains(t, string(obj.body), "seed words", "object body must be ciphertext")
	assert.Equal(t, "10", obj.meta["size"])
}

func TestReopenWithPassphrase(t *testing.T) {
	_, srv := newBucketServer(t)
	ctx := context.Background()

	first := newStore(t, srv.URL, "correct horse")
	require.True(t, first.Store(ctx, "wallet", []byte("seed"), nil).IsOk())

	again := newStore(t, srv.URL, "correct horse")
	got, err := again.Retrieve(ctx, "wallet", nil).Get()
	require.NoError(t, err)
	assert.Equal(t, "seed", string(got))

	wrong := newStore(t, srv.URL, "battery staple")
	r := wrong.Retrieve(ctx, "wallet", nil)
	require.False(t, r.IsOk())
	assert.Equal(t, storage.CodeAuthenticationRequired, r.Err().Code)
}

func TestSwappedObjectsFailToOpen(t *testing.T) {
	b, srv := newBucketServer(t)
	s := newStore(t, srv.URL, "pw")
	ctx := context.Background()

	require.True(t, s.Store(ctx, "a", []byte("alpha"), nil).IsOk())
	require.True(t, s.Store(ctx, "b", []byte("bravo"), nil).IsOk())
	b.set(func() {
		b.objects["team/items/a"], b.objects["team/items/b"] = b.objects["team/items/b"], b.objects["team/items/a"]
	})

	r := s.Retrieve(ctx, "a", nil)
	require.False(t, r.IsOk())
	assert.Equal(t, storage.CodeInternal, r.Err().Code)
}

func TestMissingKey(t *testing.T) {
	_, srv := newBucketServer(t)
	s := newStore(t, srv.URL, "pw")
	ctx := context.Background()

	r := s.Retrieve(ctx, "nope", nil)
	require.False(t, r.IsOk())
	assert.Equal(t, storage.CodeNotFound, r.Err().Code)

	exists, err := s.Exists(ctx, "nope").Get()
	require.NoError(t, err)
	assert.False(t, exists)

	md := s.Metadata(ctx, "nope")
	require.False(t, md.IsOk())
	assert.Equal(t, storage.CodeNotFound, md.Err().Code)

	assert.True(t, s.Remove(ctx, "nope").IsOk(), "removing a missing key is not an error")
}

func TestListRemoveClear(t *testing.T) {
	b, srv := newBucketServer(t)
	s := newStore(t, srv.URL, "pw")
	ctx := context.Background()

	for _, k := range []string{"c", "a", "b"} {
		require.True(t, s.Store(ctx, k, []byte(k), nil).IsOk())
	}
	b.set(func() {
		b.objects["team/items/nested/deep"] = stored{body: []byte("x"), modified: time.Now()}
		b.objects["other/items/z"] = stored{body: []byte("x"), modified: time.Now()}
	})

	keys, err := s.List(ctx).Get()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys)

	require.True(t, s.Remove(ctx, "b").IsOk())
	exists, _ := s.Exists(ctx, "b").Get()
	assert.False(t, exists)

	require.True(t, s.Clear(ctx).IsOk())
	keys, err = s.List(ctx).Get()
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, ok := b.get("other/items/z")
	assert.True(t, ok, "clear must stay inside the prefix")
	_, ok = b.get("team/seedvault.json")
	assert.True(t, ok, "clear keeps the header")
}

func TestCreatedPreserved(t *testing.T) {
	_, srv := newBucketServer(t)
	s := newStore(t, srv.URL, "pw")
	ctx := context.Background()

	original := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.True(t, s.Store(ctx, "k", []byte("v1"), &storage.Options{CreatedAt: original}).IsOk())
	require.True(t, s.Store(ctx, "k", []byte("v2"), nil).IsOk())

	md, err := s.Metadata(ctx, "k").Get()
	require.NoError(t, err)
	assert.True(t, md.Created.Equal(original), "created = %v, want %v", md.Created, original)
	assert.Equal(t, int64(2), md.Size)
	assert.Equal(t, "xchacha20-poly1305", md.Encryption)
}

func TestRejections(t *testing.T) {
	_, srv := newBucketServer(t)
	s := newStore(t, srv.URL, "pw")
	ctx := context.Background()

	tests := []struct {
		name string
		r    storage.Result[storage.Void]
		code storage.Code
	}{
		{"empty key", s.Store(ctx, "", []byte("x"), nil), storage.CodeValidation},
		{"separator", s.Store(ctx, "a/b", []byte("x"), nil), storage.CodeValidation},
		{"too large", s.Store(ctx, "big", make([]byte, maxItemSize+1), nil), storage.CodeQuotaExceeded},
		{"ttl", s.Store(ctx, "k", []byte("x"), &storage.Options{TTL: time.Minute}), storage.CodeUnsupportedOperation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.False(t, tt.r.IsOk())
			assert.Equal(t, tt.code, tt.r.Err().Code)
		})
	}
}

func TestErrorMapping(t *testing.T) {
	b, srv := newBucketServer(t)
	s := newStore(t, srv.URL, "pw")
	ctx := context.Background()
	require.True(t, s.Store(ctx, "k", []byte("v"), nil).IsOk())

	b.set(func() { b.deny = true })
	r := s.Retrieve(ctx, "k", nil)
	require.False(t, r.IsOk())
	assert.Equal(t, storage.CodePermissionDenied, r.Err().Code)

	ex := s.Exists(ctx, "k")
	require.False(t, ex.IsOk())
	assert.Equal(t, storage.CodePermissionDenied, ex.Err().Code)

	b.set(func() { b.deny, b.status = false, http.StatusServiceUnavailable })
	r = s.Retrieve(ctx, "k", nil)
	require.False(t, r.IsOk())
	assert.Equal(t, storage.CodeConnectionFailed, r.Err().Code)
	assert.True(t, r.Err().Retryable())
}

func TestUnreachable(t *testing.T) {
	_, srv := newBucketServer(t)
	url := srv.URL
	srv.Close()

	s := newStore(t, url, "pw")
	r := s.Test(context.Background())
	require.False(t, r.IsOk())
	assert.Equal(t, storage.CodeConnectionFailed, r.Err().Code)
}

func TestUnreachableOperations(t *testing.T) {
	_, srv := newBucketServer(t)
	url := srv.URL
	srv.Close()

	s := newStore(t, url, "pw")
	r := s.Retrieve(context.Background(), "k", nil)
	require.False(t, r.IsOk())
	assert.Equal(t, storage.CodeConnectionFailed, r.Err().Code)
	assert.True(t, r.Err().Retryable())
}

func TestClassifyTransportFailures(t *testing.T) {
	refused := errors.New("dial tcp 127.0.0.1:1: connect: connection refused")
	noResponse := &awshttp.ResponseError{ResponseError: &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: 0}},
		Err:      refused,
	}}

	for name, err := range map[string]error{
		"send error":       &smithyhttp.RequestSendError{Err: refused},
		"status zero":      noResponse,
		"wrapped":          fmt.Errorf("operation GetObject: %w", noResponse),
		"plain dial error": refused,
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, storage.CodeConnectionFailed, classify("retrieve", "k", err).Code)
		})
	}
}

func TestSelfTest(t *testing.T) {
	b, srv := newBucketServer(t)
	s := newStore(t, srv.URL, "pw")

	require.True(t, s.Test(context.Background()).IsOk())
	b.set(func() {
		for k := range b.objects {
			assert.False(t, strings.HasPrefix(k, "team/items/"+storage.ProbeKey), "self-check object %q left behind", k)
		}
	})
}

func TestSelfTestMissingBucket(t *testing.T) {
	_, srv := newBucketServer(t)
	s := newStore(t, srv.URL, "pw")
	s.bucket = "elsewhere"

	r := s.Test(context.Background())
	require.False(t, r.IsOk())
	assert.Equal(t, storage.CodeConnectionFailed, r.Err().Code)
}

func TestInfo(t *testing.T) {
	_, srv := newBucketServer(t)
	s := newStore(t, srv.URL, "pw")

	info, err := s.Info(context.Background()).Get()
	require.NoError(t, err)
	assert.Equal(t, "s3", info.Type)
	assert.Equal(t, int64(maxItemSize), info.MaxItemSize)
	assert.False(t, info.SupportsTTL)
}
