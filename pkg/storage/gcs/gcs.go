package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"

	cfg "github.com/feichai0017/payslip-processor/config"
	"github.com/feichai0017/payslip-processor/pkg/logger"
)

// GCSStorage stores page objects in a Google Cloud Storage bucket.
type GCSStorage struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
	logger logger.Logger
}

func (g *GCSStorage) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	w := g.bucket.Object(key).NewWriter(ctx)
	w.ContentType = contentType

	if _, err := io.Copy(w, reader); err != nil {
		_ = w.Close()
		g.logger.Error("Failed to copy content to GCS object",
			logger.String("bucket", g.name),
			logger.String("key", key),
			logger.Error(err),
		)
		return fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

func (g *GCSStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := g.bucket.Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("failed to get file: object %s not found: %w", key, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open GCS object: %w", err)
	}
	return r, nil
}

func (g *GCSStorage) Delete(ctx context.Context, key string) error {
	err := g.bucket.Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete GCS object: %w", err)
	}
	return nil
}

func NewGCSStorage(ctx context.Context, log logger.Logger) (*GCSStorage, error) {
	gcsConfig := cfg.GetGCSConfig()
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	return &GCSStorage{
		client: client,
		bucket: client.Bucket(gcsConfig.BucketName),
		name:   gcsConfig.BucketName,
		logger: log,
	}, nil
}

func GetClient(ctx context.Context, log logger.Logger) (*GCSStorage, error) {
	return NewGCSStorage(ctx, log)
}

func (g *GCSStorage) Close() error {
	return g.client.Close()
}
