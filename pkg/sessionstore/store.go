// Package sessionstore persists upload sessions.
//
// Every backend implements the same optimistic concurrency contract: Put
// succeeds only when the stored Version equals the Version carried by the
// session (0 meaning "must not exist yet"), and on success bumps Version on
// the caller's value.
package sessionstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/feichai0017/payslip-processor/internal/models"
	"github.com/feichai0017/payslip-processor/pkg/logger"
)

var (
	ErrNotFound = errors.New("session not found in store")
	ErrConflict = errors.New("session version conflict")
)

// Store 会话存储接口
type Store interface {
	Get(ctx context.Context, sessionID string) (*models.UploadSession, error)
	Put(ctx context.Context, session *models.UploadSession) error
	ListActiveSessions(ctx context.Context, userID string) ([]*models.UploadSession, error)
}

// StoreType 定义存储类型
type StoreType string

const (
	StoreTypeMemory    StoreType = "memory"
	StoreTypeRedis     StoreType = "redis"
	StoreTypeFirestore StoreType = "firestore"
)

// NewStore 创建会话存储实例的工厂方法
func NewStore(ctx context.Context, storeType StoreType, log logger.Logger) (Store, error) {
	switch storeType {
	case StoreTypeMemory:
		return NewMemoryStore(), nil
	case StoreTypeRedis:
		return GetRedisStore(log)
	case StoreTypeFirestore:
		return GetFirestoreStore(ctx, log)
	default:
		return nil, fmt.Errorf("unsupported session store type: %s", storeType)
	}
}
