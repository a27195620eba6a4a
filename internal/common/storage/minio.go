package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOConfig holds object storage settings.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	UseSSL    bool   `yaml:"useSSL"`
}

// MinIOStorage reads challenge configuration from an S3-compatible store.
type MinIOStorage struct {
	client *minio.Client
}

func NewMinIOStorage(cfg MinIOConfig) (*MinIOStorage, error) {
	switch {
	case cfg.Endpoint == "":
		return nil, fmt.Errorf("minio endpoint is required")
	case cfg.AccessKey == "" || cfg.SecretKey == "":
		return nil, fmt.Errorf("minio accessKey and secretKey are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client failed: %w", err)
	}
	return &MinIOStorage{client: client}, nil
}

// ReadObject returns the object body, refusing objects larger than limit.
func (s *MinIOStorage) ReadObject(ctx context.Context, bucket, objectKey string, limit int64) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, translate(err, bucket, objectKey)
	}
	defer obj.Close()

	// GetObject is lazy; Stat surfaces a missing key before the read.
	info, err := obj.Stat()
	if err != nil {
		return nil, translate(err, bucket, objectKey)
	}
	if limit > 0 && info.Size > limit {
		return nil, fmt.Errorf("%s/%s is %d bytes: %w", bucket, objectKey, info.Size, ErrObjectTooLarge)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s failed: %w", bucket, objectKey, err)
	}
	return data, nil
}

// BucketProbe returns a health check that fails when bucket is unreachable.
func (s *MinIOStorage) BucketProbe(bucket string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ok, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("bucket %s does not exist", bucket)
		}
		return nil
	}
}

func translate(err error, bucket, objectKey string) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%s/%s: %w", bucket, objectKey, ErrObjectNotFound)
	}
	return fmt.Errorf("minio get %s/%s failed: %w", bucket, objectKey, err)
}
