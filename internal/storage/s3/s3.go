// Package s3 keeps sealed secrets as objects in an S3 or S3-compatible
// bucket. Values are encrypted client-side with crypt before upload; the
// bucket only ever sees ciphertext. The crypt header lives at
// <prefix>seedvault.json and is created on first use.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/benaskins/seedvault/internal/crypt"
	"github.com/benaskins/seedvault/internal/storage"
)

const (
	headerObject = "seedvault.json"
	itemsDir     = "items/"

	metaCreated = "created"
	metaSize    = "size"

	maxItemSize = 1 << 20
)

// Config holds S3 configuration.
type Config struct {
	Endpoint        string // optional: MinIO and other S3-compatible stores
	Region          string
	Bucket          string
	Prefix          string // object key prefix
	AccessKeyID     string // empty uses the default credential chain
	SecretAccessKey string
	UsePathStyle    bool
	Passphrase      []byte
	KDF             crypt.KDF
}

// Store is a storage.Backend over an S3 bucket.
type Store struct {
	client     *s3.Client
	bucket     string
	prefix     string
	passphrase []byte
	kdf        crypt.KDF
	log        *slog.Logger

	mu     sync.Mutex
	sealer *crypt.Sealer
}

var _ storage.Backend = (*Store)(nil)

// New creates an S3 backend. The bucket is not contacted until the first
// operation, so an unreachable endpoint surfaces as an unhealthy backend
// rather than a startup failure.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Bucket == "" {
		return nil, errors.New("missing required option: bucket")
	}
	if len(cfg.Passphrase) == 0 {
		return nil, errors.New("missing passphrase for client-side encryption")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		// S3-compatible stores often reject the newer default checksums.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		// The health monitor and the migrator own retrying.
		o.RetryMaxAttempts = 1
	})

	prefix := strings.TrimPrefix(cfg.Prefix, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Store{
		client:     client,
		bucket:     cfg.Bucket,
		prefix:     prefix,
		passphrase: cfg.Passphrase,
		kdf:        cfg.KDF,
		log:        logger.With("component", "s3", "bucket", cfg.Bucket),
	}, nil
}

func (s *Store) objectKey(key string) string { return s.prefix + itemsDir + key }

func classify(op, key string, err error) *storage.Error {
	details := map[string]any{"operation": op}
	if key != "" {
		details["key"] = key
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return storage.FromError(err)
	}
	if errors.Is(err, crypt.ErrWrongPassphrase) {
		return storage.NewError(storage.CodeAuthenticationRequired, "passphrase does not match the bucket", details)
	}

	// The request never reached the service: dial, DNS or TLS failure.
	var sendErr *smithyhttp.RequestSendError
	if errors.As(err, &sendErr) {
		return storage.NewError(storage.CodeConnectionFailed, err.Error(), details)
	}

	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return storage.NewError(storage.CodeNotFound, "item not found: "+key, details)
	}
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsb) {
		return storage.NewError(storage.CodeConnectionFailed, "bucket does not exist", details)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		details["aws_code"] = apiErr.ErrorCode()
		switch apiErr.ErrorCode() {
		case "AccessDenied", "AllAccessDisabled":
			return storage.NewError(storage.CodePermissionDenied, apiErr.ErrorMessage(), details)
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
			return storage.NewError(storage.CodeAuthenticationRequired, apiErr.ErrorMessage(), details)
		case "EntityTooLarge", "QuotaExceeded":
			return storage.NewError(storage.CodeQuotaExceeded, apiErr.ErrorMessage(), details)
		case "SlowDown", "ServiceUnavailable", "InternalError", "RequestTimeout":
			return storage.NewError(storage.CodeConnectionFailed, apiErr.ErrorMessage(), details)
		}
	}

	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		code := re.HTTPStatusCode()
		details["status"] = code
		switch {
		case code == 0:
			return storage.NewError(storage.CodeConnectionFailed, err.Error(), details)
		case code == http.StatusNotFound:
			return storage.NewError(storage.CodeNotFound, "item not found: "+key, details)
		case code == http.StatusForbidden:
			return storage.NewError(storage.CodePermissionDenied, err.Error(), details)
		case code == http.StatusTooManyRequests, code >= 500:
			return storage.NewError(storage.CodeConnectionFailed, err.Error(), details)
		}
		return storage.NewError(storage.CodeInternal, err.Error(), details)
	}

	return storage.NewError(storage.CodeConnectionFailed, err.Error(), details)
}

// unlock loads or creates the crypt header and derives the key once.
func (s *Store) unlock(ctx context.Context) (*crypt.Sealer, *storage.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealer != nil {
		return s.sealer, nil
	}

	var h *crypt.Header
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + headerObject),
	})
	if err != nil {
		serr := classify("unlock", "", err)
		if serr.Code != storage.CodeNotFound {
			return nil, serr
		}
		h = crypt.NewHeader(s.kdf)
	} else {
		data, rerr := io.ReadAll(out.Body)
		out.Body.Close()
		if rerr != nil {
			return nil, classify("unlock", "", rerr)
		}
		if h, rerr = crypt.ParseHeader(data); rerr != nil {
			return nil, storage.NewError(storage.CodeInternal, rerr.Error(), nil)
		}
	}

	fresh := h.Check == nil
	sealer, err := crypt.Unlock(h, s.passphrase)
	if err != nil {
		return nil, classify("unlock", "", err)
	}
	if fresh {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(s.prefix + headerObject),
			Body:        bytes.NewReader(h.Marshal()),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return nil, classify("unlock", "", err)
		}
		s.log.Info("initialised bucket header", "prefix", s.prefix)
	}
	s.sealer = sealer
	return sealer, nil
}

func (s *Store) Store(ctx context.Context, key string, data []byte, opts *storage.Options) storage.Result[storage.Void] {
	if err := storage.ValidateKey(key); err != nil {
		return storage.Fail[storage.Void](err)
	}
	if len(data) > maxItemSize {
		return storage.QuotaExceeded[storage.Void](fmt.Sprintf("secret exceeds %d bytes", maxItemSize))
	}
	if opts != nil && opts.TTL > 0 {
		return storage.Unsupported[storage.Void]("s3 ttl")
	}
	sealer, serr := s.unlock(ctx)
	if serr != nil {
		return storage.Fail[storage.Void](serr)
	}

	created := time.Now().UTC()
	if opts != nil && !opts.CreatedAt.IsZero() {
		created = opts.CreatedAt.UTC()
	} else if head, err := s.head(ctx, key); err == nil {
		if t, ok := createdOf(head.Metadata); ok {
			created = t
		}
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(sealer.Seal(data, []byte(key))),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			metaCreated: created.Format(time.RFC3339Nano),
			metaSize:    strconv.Itoa(len(data)),
		},
	})
	if err != nil {
		return storage.Fail[storage.Void](classify("store", key, err))
	}
	return storage.Done()
}

func createdOf(md map[string]string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339Nano, md[metaCreated])
	return t, err == nil
}

func (s *Store) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	return s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
}

func (s *Store) Retrieve(ctx context.Context, key string, _ *storage.Options) storage.Result[[]byte] {
	if err := storage.ValidateKey(key); err != nil {
		return storage.Fail[[]byte](err)
	}
	sealer, serr := s.unlock(ctx)
	if serr != nil {
		return storage.Fail[[]byte](serr)
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return storage.Fail[[]byte](classify("retrieve", key, err))
	}
	defer out.Body.Close()
	sealed, err := io.ReadAll(io.LimitReader(out.Body, maxItemSize+int64(sealer.Overhead())+1))
	if err != nil {
		return storage.Fail[[]byte](classify("retrieve", key, err))
	}
	data, err := sealer.Open(sealed, []byte(key))
	if err != nil {
		return storage.Internal[[]byte]("stored object is corrupted: " + key)
	}
	return storage.Ok(data)
}

func (s *Store) Remove(ctx context.Context, key string) storage.Result[storage.Void] {
	if err := storage.ValidateKey(key); err != nil {
		return storage.Fail[storage.Void](err)
	}
	// DeleteObject succeeds for missing keys.
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if serr := classify("remove", key, err); serr.Code != storage.CodeNotFound {
			return storage.Fail[storage.Void](serr)
		}
	}
	return storage.Done()
}

func (s *Store) Exists(ctx context.Context, key string) storage.Result[bool] {
	if err := storage.ValidateKey(key); err != nil {
		return storage.Fail[bool](err)
	}
	if _, err := s.head(ctx, key); err != nil {
		serr := classify("exists", key, err)
		if serr.Code == storage.CodeNotFound {
			return storage.Ok(false)
		}
		return storage.Fail[bool](serr)
	}
	return storage.Ok(true)
}

type object struct {
	key  string
	size int64
}

func (s *Store) objects(ctx context.Context) ([]object, *storage.Error) {
	var objs []object
	root := s.prefix + itemsDir
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(root),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify("list", "", err)
		}
		for _, obj := range page.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), root)
			if name == "" || strings.Contains(name, "/") {
				continue
			}
			objs = append(objs, object{key: name, size: aws.ToInt64(obj.Size)})
		}
	}
	return objs, nil
}

func (s *Store) List(ctx context.Context) storage.Result[[]string] {
	objs, err := s.objects(ctx)
	if err != nil {
		return storage.Fail[[]string](err)
	}
	keys := make([]string, 0, len(objs))
	for _, o := range objs {
		keys = append(keys, o.key)
	}
	sort.Strings(keys)
	return storage.Ok(storage.Visible(keys))
}

func (s *Store) Clear(ctx context.Context) storage.Result[storage.Void] {
	objs, err := s.objects(ctx)
	if err != nil {
		return storage.Fail[storage.Void](err)
	}
	for _, o := range objs {
		if r := s.Remove(ctx, o.key); !r.IsOk() {
			return r
		}
	}
	return storage.Done()
}

func (s *Store) Metadata(ctx context.Context, key string) storage.Result[storage.Metadata] {
	if err := storage.ValidateKey(key); err != nil {
		return storage.Fail[storage.Metadata](err)
	}
	head, err := s.head(ctx, key)
	if err != nil {
		return storage.Fail[storage.Metadata](classify("metadata", key, err))
	}
	md := storage.Metadata{
		Modified:   aws.ToTime(head.LastModified),
		Encryption: "xchacha20-poly1305",
	}
	md.Created = md.Modified
	if t, ok := createdOf(head.Metadata); ok {
		md.Created = t
	}
	if n, err := strconv.ParseInt(head.Metadata[metaSize], 10, 64); err == nil {
		md.Size = n
	}
	return storage.Ok(md)
}

func (s *Store) Info(ctx context.Context) storage.Result[storage.Info] {
	return storage.Ok(storage.Info{
		Type:           "s3",
		AvailableSpace: -1,
		UsedSpace:      -1,
		MaxItemSize:    maxItemSize,
		SecurityLevel:  storage.SecurityMedium,
		SupportsAuth:   false,
		SupportsTTL:    false,
	})
}

// Test checks the bucket is reachable and the passphrase matches, then
// round-trips the probe key.
func (s *Store) Test(ctx context.Context) storage.Result[storage.Void] {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		serr := classify("test", "", err)
		if serr.Code == storage.CodeNotFound {
			serr = storage.NewError(storage.CodeConnectionFailed, "bucket does not exist", serr.Details)
		}
		return storage.Fail[storage.Void](serr)
	}
	if _, serr := s.unlock(ctx); serr != nil {
		return storage.Fail[storage.Void](serr)
	}
	return storage.RoundTrip(ctx, s)
}
