package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore provides access to object storage.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
	// ObjectURL returns the public URL of key, or "" when key is not owned by this store.
	ObjectURL(key string) string
	// KeyFromURL reverses ObjectURL.
	KeyFromURL(rawURL string) (string, bool)
}

// Options configures a MinIO/S3 compatible store. Supabase Storage exposes
// the same S3 protocol.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL is the base under which objects are served, e.g.
	// https://<project>.supabase.co/storage/v1/object/public/<bucket>.
	// Defaults to <scheme>://<endpoint>/<bucket>.
	PublicURL string
}

// MinioStore implements ObjectStore on a MinIO/S3 bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
	urls   urlBase
}

// NewMinioStore connects to the endpoint and creates the bucket if missing.
func NewMinioStore(ctx context.Context, opts Options) (*MinioStore, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	bucket := strings.TrimSpace(opts.Bucket)
	if endpoint == "" || bucket == "" {
		return nil, errors.New("storage endpoint and bucket are required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	if err := ensureBucket(ctx, client, bucket); err != nil {
		return nil, err
	}
	return &MinioStore{client: client, bucket: bucket, urls: newURLBase(opts)}, nil
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ok, err := client.BucketExists(ctx, bucket)
	switch {
	case err != nil:
		return fmt.Errorf("check bucket %s: %w", bucket, err)
	case ok:
		return nil
	}
	if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return nil
}

func (m *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType, CacheControl: "public, max-age=31536000, immutable"}
	if _, err := m.client.PutObject(ctx, m.bucket, key, r, size, opts); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (m *MinioStore) Delete(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (m *MinioStore) ObjectURL(key string) string { return m.urls.object(key) }

func (m *MinioStore) KeyFromURL(rawURL string) (string, bool) { return m.urls.key(rawURL) }

// urlBase maps object keys to public URLs and back.
type urlBase string

func newURLBase(opts Options) urlBase {
	if base := strings.TrimRight(strings.TrimSpace(opts.PublicURL), "/"); base != "" {
		return urlBase(base)
	}
	u := url.URL{Scheme: "http", Host: strings.TrimSpace(opts.Endpoint), Path: "/" + strings.TrimSpace(opts.Bucket)}
	if opts.UseSSL {
		u.Scheme = "https"
	}
	return urlBase(u.String())
}

func (b urlBase) object(key string) string {
	segs := strings.Split(strings.TrimLeft(key, "/"), "/")
	for i := range segs {
		segs[i] = url.PathEscape(segs[i])
	}
	return string(b) + "/" + strings.Join(segs, "/")
}

func (b urlBase) key(rawURL string) (string, bool) {
	rest, ok := strings.CutPrefix(rawURL, string(b)+"/")
	if !ok {
		return "", false
	}
	key, err := url.PathUnescape(rest)
	if err != nil || key == "" {
		return "", false
	}
	return key, true
}
