package sessionstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	cfg "github.com/feichai0017/payslip-processor/config"
	"github.com/feichai0017/payslip-processor/internal/models"
	"github.com/feichai0017/payslip-processor/pkg/logger"
)

const (
	sessionKeyPrefix   = "upload_session:"
	userIndexKeyPrefix = "user_sessions:"
)

// RedisStore stores each session as a msgpack blob and keeps a per-user
// set of session IDs. Conditional writes use WATCH/MULTI.
type RedisStore struct {
	client *redis.Client
	logger logger.Logger
}

func NewRedisStore(client *redis.Client, log logger.Logger) *RedisStore {
	return &RedisStore{client: client, logger: log}
}

// GetRedisStore connects with the shared Redis config.
func GetRedisStore(log logger.Logger) (*RedisStore, error) {
	redisConfig := cfg.GetRedisConfig()
	client := redis.NewClient(&redis.Options{
		Addr:     redisConfig.Addr,
		Password: redisConfig.Password,
		DB:       redisConfig.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStore(client, log), nil
}

func sessionKey(id string) string { return sessionKeyPrefix + id }

func userIndexKey(userID string) string { return userIndexKeyPrefix + userID }

func (r *RedisStore) Get(ctx context.Context, sessionID string) (*models.UploadSession, error) {
	data, err := r.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from redis: %w", err)
	}
	return decodeSession(data)
}

func (r *RedisStore) Put(ctx context.Context, session *models.UploadSession) error {
	key := sessionKey(session.ID)
	next := session.Version + 1

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		var current int64
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("failed to read current version: %w", err)
		default:
			stored, err := decodeSession(data)
			if err != nil {
				return err
			}
			current = stored.Version
		}
		if current != session.Version {
			return ErrConflict
		}

		out := session.Clone()
		out.Version = next
		payload, err := msgpack.Marshal(out)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.SAdd(ctx, userIndexKey(session.UserID), session.ID)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return err
		}
		r.logger.Error("Failed to write session to redis",
			logger.String("sessionId", session.ID),
			logger.Error(err),
		)
		return fmt.Errorf("failed to put session: %w", err)
	}

	session.Version = next
	return nil
}

func (r *RedisStore) ListActiveSessions(ctx context.Context, userID string) ([]*models.UploadSession, error) {
	ids, err := r.client.SMembers(ctx, userIndexKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read user session index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	var out []*models.UploadSession
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		s, err := decodeSession([]byte(raw))
		if err != nil {
			r.logger.Warn("Skipping undecodable session",
				logger.String("sessionId", ids[i]),
				logger.Error(err),
			)
			continue
		}
		if s.UserID == userID && s.Status == models.SessionActive {
			out = append(out, s)
		}
	}
	sortByLastUpdate(out)
	return out, nil
}

// Close releases the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func decodeSession(data []byte) (*models.UploadSession, error) {
	var s models.UploadSession
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &s, nil
}
