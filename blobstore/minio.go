package blobstore

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig holds S3-compatible object storage settings.
type MinioConfig struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"accessKey"`
	SecretKey string `json:"secretKey"`
	UseSSL    bool   `json:"useSSL"`
	Bucket    string `json:"bucket"`
}

// MinioBackend keeps objects in a single bucket, keyed by digest.
type MinioBackend struct {
	client *minio.Client
	bucket string
}

// NewMinioBackend connects and ensures the bucket exists.
func NewMinioBackend(ctx context.Context, cfg MinioConfig) (*MinioBackend, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client failed: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket failed: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket failed: %w", err)
		}
	}
	return &MinioBackend{client: client, bucket: cfg.Bucket}, nil
}

func (b *MinioBackend) Put(ctx context.Context, d Digest, r io.Reader, size int64) error {
	if !d.Valid() {
		return ErrInvalidDigest
	}
	if _, err := b.Stat(ctx, d); err == nil {
		return nil
	}
	_, err := b.client.PutObject(ctx, b.bucket, d.String(), r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return fmt.Errorf("minio put object failed: %w", err)
	}
	return nil
}

func (b *MinioBackend) Get(ctx context.Context, d Digest) (io.ReadCloser, error) {
	// GetObject defers errors to the first read, so check existence up
	// front to report ErrNotExist eagerly.
	if _, err := b.Stat(ctx, d); err != nil {
		return nil, err
	}
	obj, err := b.client.GetObject(ctx, b.bucket, d.String(), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("minio get object failed: %w", err)
	}
	return obj, nil
}

func (b *MinioBackend) Stat(ctx context.Context, d Digest) (ObjectInfo, error) {
	info, err := b.client.StatObject(ctx, b.bucket, d.String(), minio.StatObjectOptions{})
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
			return ObjectInfo{}, ErrNotExist
		}
		return ObjectInfo{}, fmt.Errorf("minio stat object failed: %w", err)
	}
	return ObjectInfo{Digest: d, Size: info.Size, ModTime: info.LastModified}, nil
}

func (b *MinioBackend) Delete(ctx context.Context, d Digest) error {
	err := b.client.RemoveObject(ctx, b.bucket, d.String(), minio.RemoveObjectOptions{})
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
			return nil
		}
		return fmt.Errorf("minio remove object failed: %w", err)
	}
	return nil
}

func (b *MinioBackend) List(ctx context.Context, fn func(ObjectInfo) error) error {
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			return fmt.Errorf("minio list objects failed: %w", obj.Err)
		}
		d, err := ParseDigest(obj.Key)
		if err != nil {
			continue
		}
		if err := fn(ObjectInfo{Digest: d, Size: obj.Size, ModTime: obj.LastModified}); err != nil {
			return err
		}
	}
	return ctx.Err()
}
