package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultS3Timeout = 30 * time.Second

// S3Config holds S3-compatible archive configuration. Prefix scopes every
// key so several deployments can share one bucket.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	Prefix    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	// Timeout bounds each object call; zero means 30s.
	Timeout time.Duration
}

// S3Backend stores archive objects in an S3-compatible bucket (AWS S3, MinIO).
type S3Backend struct {
	client  *minio.Client
	bucket  string
	prefix  string
	timeout time.Duration
}

func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 archive needs an endpoint and a bucket")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultS3Timeout
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3Backend{client: client, bucket: cfg.Bucket, prefix: prefix, timeout: timeout}, nil
}

func (s *S3Backend) key(path string) string { return s.prefix + path }

func (s *S3Backend) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// cancelOnClose keeps the request context alive until the caller is done
// streaming the object.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

func (s *S3Backend) Read(path string) (io.ReadCloser, error) {
	ctx, cancel := s.ctx()
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(path), minio.GetObjectOptions{})
	if err != nil {
		cancel()
		return nil, err
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		cancel()
		return nil, err
	}
	return cancelOnClose{ReadCloser: obj, cancel: cancel}, nil
}

func (s *S3Backend) Write(path string, data []byte) error {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.client.PutObject(ctx, s.bucket, s.key(path), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/zstd"})
	return err
}

func (s *S3Backend) Has(path string) (bool, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	_, err := s.client.StatObject(ctx, s.bucket, s.key(path), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return false, nil
	}
	return false, err
}

func (s *S3Backend) Delete(path string) error {
	ctx, cancel := s.ctx()
	defer cancel()
	return s.client.RemoveObject(ctx, s.bucket, s.key(path), minio.RemoveObjectOptions{})
}

// List returns keys under prefix with the backend prefix stripped, so they
// can be passed straight back to Read and Delete.
func (s *S3Backend) List(prefix string) ([]string, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	var paths []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: s.key(prefix), Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		paths = append(paths, strings.TrimPrefix(obj.Key, s.prefix))
	}
	return paths, nil
}

var _ Backend = (*S3Backend)(nil)
