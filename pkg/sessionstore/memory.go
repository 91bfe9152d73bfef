package sessionstore

import (
	"context"
	"sort"
	"sync"

	"github.com/feichai0017/payslip-processor/internal/models"
)

// MemoryStore keeps sessions in process memory. Used by tests and the CLI.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.UploadSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*models.UploadSession)}
}

func (m *MemoryStore) Get(ctx context.Context, sessionID string) (*models.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Put(ctx context.Context, session *models.UploadSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	if existing, ok := m.sessions[session.ID]; ok {
		current = existing.Version
	}
	if current != session.Version {
		return ErrConflict
	}

	stored := session.Clone()
	stored.Version = current + 1
	m.sessions[session.ID] = stored
	session.Version = stored.Version
	return nil
}

func (m *MemoryStore) ListActiveSessions(ctx context.Context, userID string) ([]*models.UploadSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.UploadSession
	for _, s := range m.sessions {
		if s.UserID == userID && s.Status == models.SessionActive {
			out = append(out, s.Clone())
		}
	}
	sortByLastUpdate(out)
	return out, nil
}

// sortByLastUpdate orders newest first.
func sortByLastUpdate(sessions []*models.UploadSession) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].LastUpdatedAt.After(sessions[j].LastUpdatedAt)
	})
}
