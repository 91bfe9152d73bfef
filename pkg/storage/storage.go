package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/feichai0017/payslip-processor/pkg/logger"
	"github.com/feichai0017/payslip-processor/pkg/storage/gcs"
	"github.com/feichai0017/payslip-processor/pkg/storage/minio"
	"github.com/feichai0017/payslip-processor/pkg/storage/s3"
)

// StorageType 定义存储类型
type StorageType string

const (
	StorageTypeS3     StorageType = "s3"
	StorageTypeMinio  StorageType = "minio"
	StorageTypeGCS    StorageType = "gcs"
	StorageTypeMemory StorageType = "memory"
)

// Storage 接口定义
type Storage interface {
	// Put 存储对象
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	// Get 获取对象
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete 删除对象
	Delete(ctx context.Context, key string) error
}

// NewStorage 创建存储实例的工厂方法
func NewStorage(ctx context.Context, storageType StorageType, log logger.Logger) (Storage, error) {
	switch storageType {
	case StorageTypeS3:
		return s3.GetClient(ctx, log)
	case StorageTypeMinio:
		return minio.GetClient(ctx, log)
	case StorageTypeGCS:
		return gcs.GetClient(ctx, log)
	case StorageTypeMemory:
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}

// ReadAll loads a whole object into memory.
func ReadAll(ctx context.Context, s Storage, key string) ([]byte, error) {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return data, nil
}
