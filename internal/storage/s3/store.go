package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ledgerline/ledgerline/internal/storage"
)

type Config struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

// condition is the revision check attached to a write.
type condition struct {
	ifMatch  string
	ifAbsent bool
}

type objectAPI interface {
	putObject(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string, cond condition) (storage.ObjectInfo, error)
	getObject(ctx context.Context, bucket, key string) (io.ReadCloser, storage.ObjectInfo, error)
	removeObject(ctx context.Context, bucket, key string) error
	bucketExists(ctx context.Context, bucket string) (bool, error)
	makeBucket(ctx context.Context, bucket, region string) error
}

// Store is a storage.ObjectStore on an S3-compatible bucket. Every key lives
// below an optional prefix.
type Store struct {
	api    objectAPI
	bucket string
	prefix string
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	host, secure, err := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	region := strings.TrimSpace(cfg.Region)
	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	store := &Store{api: minioAPI{client: client}, bucket: bucket, prefix: normalizePrefix(cfg.Prefix)}
	if cfg.AutoCreateBucket {
		if err := store.ensureBucket(ctx, region); err != nil {
			return nil, err
		}
	}
	return store, nil
}

func newWithAPI(bucket, prefix string, api objectAPI) *Store {
	return &Store{api: api, bucket: bucket, prefix: normalizePrefix(prefix)}
}

func (s *Store) Put(ctx context.Context, key string, body io.Reader, size int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	if err := opts.Validate(); err != nil {
		return storage.ObjectInfo{}, err
	}
	objectKey, err := s.objectKey(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	info, err := s.api.putObject(ctx, s.bucket, objectKey, body, size, opts.ContentType, condition{ifMatch: opts.IfMatch, ifAbsent: opts.IfAbsent})
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("put %s/%s: %w", s.bucket, objectKey, err)
	}
	info.Key = key
	return info, nil
}

func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, storage.ObjectInfo, error) {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return nil, storage.ObjectInfo{}, err
	}
	body, info, err := s.api.getObject(ctx, s.bucket, objectKey)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	if err != nil {
		return nil, storage.ObjectInfo{}, fmt.Errorf("get %s/%s: %w", s.bucket, objectKey, err)
	}
	info.Key = key
	return body, info, nil
}

// Delete treats a missing object as already deleted.
func (s *Store) Delete(ctx context.Context, key string) error {
	objectKey, err := s.objectKey(key)
	if err != nil {
		return err
	}
	err = s.api.removeObject(ctx, s.bucket, objectKey)
	if err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		return fmt.Errorf("delete %s/%s: %w", s.bucket, objectKey, err)
	}
	return nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	exists, err := s.api.bucketExists(ctx, s.bucket)
	switch {
	case err != nil:
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	case !exists:
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}

func (s *Store) ensureBucket(ctx context.Context, region string) error {
	if s.HealthCheck(ctx) == nil {
		return nil
	}
	if err := s.api.makeBucket(ctx, s.bucket, region); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// objectKey maps a logical key into the bucket, refusing keys that would
// escape the prefix.
func (s *Store) objectKey(key string) (string, error) {
	trimmed := strings.TrimLeft(strings.TrimSpace(key), "/")
	if trimmed == "" {
		return "", fmt.Errorf("object key is required")
	}
	cleaned := path.Clean(trimmed)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return path.Join(s.prefix, cleaned), nil
}

func normalizePrefix(prefix string) string {
	cleaned := path.Clean("/" + strings.TrimSpace(prefix))
	return strings.TrimPrefix(cleaned, "/")
}

// splitEndpoint accepts either host:port or a URL. An https URL forces TLS.
func splitEndpoint(raw string, useSSL bool) (string, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("s3 endpoint is required")
	}
	if !strings.Contains(raw, "://") {
		return raw, useSSL, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse s3 endpoint: %w", err)
	}
	if parsed.Host == "" {
		return "", false, fmt.Errorf("s3 endpoint %q has no host", raw)
	}
	return parsed.Host, useSSL || parsed.Scheme == "https", nil
}

type minioAPI struct {
	client *minio.Client
}

func (m minioAPI) putObject(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string, cond condition) (storage.ObjectInfo, error) {
	opts := minio.PutObjectOptions{ContentType: contentType}
	switch {
	case cond.ifMatch != "":
		opts.SetMatchETag(cond.ifMatch)
	case cond.ifAbsent:
		opts.SetMatchETagExcept("*")
	}
	uploaded, err := m.client.PutObject(ctx, bucket, key, body, size, opts)
	if err != nil {
		return storage.ObjectInfo{}, translateError(err)
	}
	return storage.ObjectInfo{Size: uploaded.Size, ETag: uploaded.ETag, LastModified: uploaded.LastModified}, nil
}

func (m minioAPI) getObject(ctx context.Context, bucket, key string) (io.ReadCloser, storage.ObjectInfo, error) {
	object, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, storage.ObjectInfo{}, translateError(err)
	}
	stat, err := object.Stat()
	if err != nil {
		_ = object.Close()
		return nil, storage.ObjectInfo{}, translateError(err)
	}
	return object, storage.ObjectInfo{Size: stat.Size, ETag: stat.ETag, LastModified: stat.LastModified}, nil
}

func (m minioAPI) removeObject(ctx context.Context, bucket, key string) error {
	return translateError(m.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}))
}

func (m minioAPI) bucketExists(ctx context.Context, bucket string) (bool, error) {
	exists, err := m.client.BucketExists(ctx, bucket)
	return exists, translateError(err)
}

func (m minioAPI) makeBucket(ctx context.Context, bucket, region string) error {
	return translateError(m.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}))
}

func translateError(err error) error {
	if err == nil {
		return nil
	}
	response := minio.ToErrorResponse(err)
	switch {
	case response.Code == "NoSuchKey" || response.Code == "NoSuchBucket" || response.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", storage.ErrObjectNotFound, response.Message)
	case response.Code == "PreconditionFailed" || response.Code == "ConditionalRequestConflict" || response.StatusCode == http.StatusPreconditionFailed:
		return fmt.Errorf("%w: %s", storage.ErrPreconditionFailed, response.Message)
	}
	return err
}

var _ storage.ObjectStore = (*Store)(nil)
