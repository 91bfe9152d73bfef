// Package dedupe remembers which page text a user has already submitted.
package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Owner identifies the file that first claimed a hash.
type Owner struct {
	FileName string
	Identity string
}

// Index records the first owner of a content hash per user. Claiming a hash
// again with the same identity is not a duplicate, so retried files do not
// flag themselves.
type Index interface {
	Claim(ctx context.Context, userID, hash string, owner Owner) (first Owner, duplicate bool, err error)
}

// Hash normalises whitespace and case before hashing so re-exported copies
// of the same payslip collide.
func Hash(text string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

const keyPrefix = "payslip_hash:"

// RedisIndex claims hashes with SETNX.
type RedisIndex struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisIndex builds an index; ttl of zero keeps claims forever.
func NewRedisIndex(client *redis.Client, ttl time.Duration) *RedisIndex {
	return &RedisIndex{client: client, ttl: ttl}
}

func (r *RedisIndex) Claim(ctx context.Context, userID, hash string, owner Owner) (Owner, bool, error) {
	key := keyPrefix + userID + ":" + hash
	ok, err := r.client.SetNX(ctx, key, encodeOwner(owner), r.ttl).Result()
	if err != nil {
		return Owner{}, false, fmt.Errorf("failed to claim hash: %w", err)
	}
	if ok {
		return owner, false, nil
	}

	raw, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET
		return r.Claim(ctx, userID, hash, owner)
	}
	if err != nil {
		return Owner{}, false, fmt.Errorf("failed to read hash owner: %w", err)
	}
	first := decodeOwner(raw)
	return first, first.Identity != owner.Identity, nil
}

func encodeOwner(o Owner) string {
	return o.Identity + "\n" + o.FileName
}

func decodeOwner(raw string) Owner {
	identity, name, _ := strings.Cut(raw, "\n")
	return Owner{FileName: name, Identity: identity}
}

// MemoryIndex is an in-process Index.
type MemoryIndex struct {
	mu     sync.Mutex
	owners map[string]Owner
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{owners: make(map[string]Owner)}
}

func (m *MemoryIndex) Claim(ctx context.Context, userID, hash string, owner Owner) (Owner, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := userID + ":" + hash
	first, ok := m.owners[key]
	if !ok {
		m.owners[key] = owner
		return owner, false, nil
	}
	return first, first.Identity != owner.Identity, nil
}
