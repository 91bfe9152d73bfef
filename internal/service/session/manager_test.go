package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/payslip-processor/internal/models"
	"github.com/feichai0017/payslip-processor/pkg/logger"
	"github.com/feichai0017/payslip-processor/pkg/sessionstore"
)

// conflictingStore fails the first n Puts with a version conflict.
type conflictingStore struct {
	*sessionstore.MemoryStore
	mu        sync.Mutex
	conflicts int
	putErr    error
}

func (c *conflictingStore) Put(ctx context.Context, s *models.UploadSession) error {
	c.mu.Lock()
	if c.putErr != nil {
		c.mu.Unlock()
		return c.putErr
	}
	if c.conflicts > 0 {
		c.conflicts--
		c.mu.Unlock()
		return sessionstore.ErrConflict
	}
	c.mu.Unlock()
	return c.MemoryStore.Put(ctx, s)
}

func newManager(t *testing.T) (*Manager, *conflictingStore) {
	t.Helper()
	store := &conflictingStore{MemoryStore: sessionstore.NewMemoryStore()}
	seq := 0
	m := NewManager(store, logger.NewTestLogger(), WithIDGenerator(func() string {
		seq++
		return fmt.Sprintf("session-%d", seq)
	}))
	return m, store
}

func requireConsistent(t *testing.T, s *models.UploadSession) {
	t.Helper()
	require.True(t, s.CountersConsistent(), "counters %d+%d+%d+%d != %d",
		s.CompletedFiles, s.FailedFiles, s.PendingFiles, s.SkippedFiles, s.TotalFiles)
}

func TestCreateSession(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	s, err := m.CreateSession(ctx, "u1", []string{"a.pdf", "b.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "session-1", s.ID)
	assert.Equal(t, models.SessionActive, s.Status)
	assert.Equal(t, 2, s.PendingFiles)
	requireConsistent(t, s)

	_, err = m.CreateSession(ctx, "u1", nil)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = m.CreateSession(ctx, " ", []string{"a.pdf"})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = m.CreateSession(ctx, "u1", []string{"a.pdf", ""})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestAppendFiles(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "u1", []string{"a.pdf"})
	require.NoError(t, err)

	s, err = m.AppendFiles(ctx, s.ID, []string{"a.pdf", "b.pdf"})
	require.NoError(t, err)
	assert.Equal(t, 3, s.TotalFiles)
	assert.Equal(t, 2, s.Files[2].Index)
	requireConsistent(t, s)

	_, err = m.AppendFiles(ctx, "missing", []string{"x.pdf"})
	assert.ErrorIs(t, err, models.ErrSessionNotFound)

	_, err = m.CancelSession(ctx, s.ID)
	require.NoError(t, err)
	_, err = m.AppendFiles(ctx, s.ID, []string{"c.pdf"})
	assert.ErrorIs(t, err, models.ErrSessionTerminal)
}

func TestAppendToCompletedRequiresReactivation(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "u1", []string{"a.pdf"})
	require.NoError(t, err)
	driveFile(t, m, s.ID, 0, models.FileCompleted, "")
	_, err = m.CompleteSession(ctx, s.ID)
	require.NoError(t, err)

	_, err = m.AppendFiles(ctx, s.ID, []string{"b.pdf"})
	assert.ErrorIs(t, err, models.ErrSessionTerminal)

	s, err = m.UpdateSessionStatus(ctx, s.ID, models.SessionActive)
	require.NoError(t, err)
	assert.Nil(t, s.CompletedAt)

	s, err = m.AppendFiles(ctx, s.ID, []string{"b.pdf"})
	require.NoError(t, err)
	assert.Equal(t, 1, s.PendingFiles)
}

func driveFile(t *testing.T, m *Manager, id string, index int, final models.FileStatus, reason string) *models.UploadSession {
	t.Helper()
	ctx := context.Background()
	_, err := m.UpdateFileStatus(ctx, id, index, models.FileProcessing, "", nil)
	require.NoError(t, err)
	s, err := m.UpdateFileStatus(ctx, id, index, final, reason, nil)
	require.NoError(t, err)
	return s
}

func TestUpdateFileStatus(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "u1", []string{"a.pdf", "a.pdf", "b.pdf"})
	require.NoError(t, err)

	t.Run("illegal transition", func(t *testing.T) {
		_, err := m.UpdateFileStatus(ctx, s.ID, 0, models.FileCompleted, "", nil)
		assert.ErrorIs(t, err, models.ErrIllegalTransition)
	})

	t.Run("unknown status", func(t *testing.T) {
		_, err := m.UpdateFileStatus(ctx, s.ID, 0, models.FileStatus("done"), "", nil)
		assert.ErrorIs(t, err, models.ErrInvalidInput)
	})

	t.Run("index out of range", func(t *testing.T) {
		_, err := m.UpdateFileStatus(ctx, s.ID, 9, models.FileProcessing, "", nil)
		assert.ErrorIs(t, err, models.ErrFileNotFound)
	})

	t.Run("duplicate names addressed by index", func(t *testing.T) {
		got := driveFile(t, m, s.ID, 1, models.FileFailed, "unreadable")
		assert.Equal(t, models.FilePending, got.Files[0].Status)
		assert.Equal(t, models.FileFailed, got.Files[1].Status)
		assert.Equal(t, "unreadable", got.Files[1].Reason)
		assert.Equal(t, 1, got.FailedFiles)
		requireConsistent(t, got)
	})

	t.Run("result stored", func(t *testing.T) {
		_, err := m.UpdateFileStatus(ctx, s.ID, 2, models.FileProcessing, "", nil)
		require.NoError(t, err)
		requireConsistentAt(t, m, s.ID)
		got, err := m.UpdateFileStatus(ctx, s.ID, 2, models.FileCompleted, "", map[string]interface{}{"net": 1500})
		require.NoError(t, err)
		assert.Equal(t, 1500, got.Files[2].Result["net"])
		requireConsistent(t, got)
	})

	t.Run("terminal files are final", func(t *testing.T) {
		_, err := m.UpdateFileStatus(ctx, s.ID, 2, models.FileProcessing, "", nil)
		assert.ErrorIs(t, err, models.ErrIllegalTransition)
	})
}

func requireConsistentAt(t *testing.T, m *Manager, id string) {
	t.Helper()
	s, err := m.GetSessionState(context.Background(), id)
	require.NoError(t, err)
	requireConsistent(t, s)
}

func TestProcessingNeedsActiveSession(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "u1", []string{"a.pdf", "b.pdf"})
	require.NoError(t, err)

	_, err = m.UpdateFileStatus(ctx, s.ID, 0, models.FileProcessing, "", nil)
	require.NoError(t, err)
	_, err = m.CancelSession(ctx, s.ID)
	require.NoError(t, err)

	_, err = m.UpdateFileStatus(ctx, s.ID, 1, models.FileProcessing, "", nil)
	assert.ErrorIs(t, err, models.ErrSessionTerminal)

	got, err := m.UpdateFileStatus(ctx, s.ID, 0, models.FileCompleted, "", nil)
	require.NoError(t, err, "in-flight file may still resolve after cancel")
	assert.Equal(t, models.SessionCancelled, got.Status)
}

func TestRetry(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "u1", []string{"a.pdf", "b.pdf", "c.pdf"})
	require.NoError(t, err)
	driveFile(t, m, s.ID, 0, models.FileFailed, "boom")
	driveFile(t, m, s.ID, 1, models.FileCompleted, "")
	driveFile(t, m, s.ID, 2, models.FileFailed, "boom")
	_, err = m.CompleteSession(ctx, s.ID)
	require.NoError(t, err)

	_, err = m.RetryFile(ctx, s.ID, 1)
	assert.ErrorIs(t, err, models.ErrIllegalTransition, "completed files cannot be retried")

	got, err := m.RetryFile(ctx, s.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, models.FilePending, got.Files[0].Status)
	assert.Empty(t, got.Files[0].Reason)
	assert.Equal(t, models.SessionActive, got.Status, "retry reactivates a completed session")
	assert.Nil(t, got.CompletedAt)
	requireConsistent(t, got)

	got, n, err := m.RetryFailed(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, got.PendingFiles)

	_, n, err = m.RetryFailed(ctx, s.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = m.CancelSession(ctx, s.ID)
	require.NoError(t, err)
	_, _, err = m.RetryFailed(ctx, s.ID)
	assert.ErrorIs(t, err, models.ErrSessionTerminal)
}

func TestSessionStatusTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("complete with pending files", func(t *testing.T) {
		m, _ := newManager(t)
		s, err := m.CreateSession(ctx, "u1", []string{"a.pdf"})
		require.NoError(t, err)
		_, err = m.CompleteSession(ctx, s.ID)
		assert.ErrorIs(t, err, models.ErrFilesStillPending)

		_, err = m.UpdateFileStatus(ctx, s.ID, 0, models.FileProcessing, "", nil)
		require.NoError(t, err)
		_, err = m.CompleteSession(ctx, s.ID)
		assert.ErrorIs(t, err, models.ErrFilesStillPending, "processing counts as pending")
	})

	t.Run("complete is idempotent", func(t *testing.T) {
		m, _ := newManager(t)
		s, err := m.CreateSession(ctx, "u1", []string{"a.pdf"})
		require.NoError(t, err)
		driveFile(t, m, s.ID, 0, models.FileSkipped, "no text layer")

		first, err := m.CompleteSession(ctx, s.ID)
		require.NoError(t, err)
		require.NotNil(t, first.CompletedAt)
		second, err := m.CompleteSession(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, first.Version, second.Version, "no second write")
		assert.Equal(t, *first.CompletedAt, *second.CompletedAt)
	})

	t.Run("cancel", func(t *testing.T) {
		m, _ := newManager(t)
		s, err := m.CreateSession(ctx, "u1", []string{"a.pdf"})
		require.NoError(t, err)
		_, err = m.CancelSession(ctx, s.ID)
		require.NoError(t, err)
		_, err = m.CancelSession(ctx, s.ID)
		require.NoError(t, err)

		_, err = m.UpdateSessionStatus(ctx, s.ID, models.SessionActive)
		assert.ErrorIs(t, err, models.ErrIllegalTransition, "cancelled is final")
	})

	t.Run("cannot cancel finished session", func(t *testing.T) {
		m, _ := newManager(t)
		s, err := m.CreateSession(ctx, "u1", []string{"a.pdf"})
		require.NoError(t, err)
		_, err = m.UpdateSessionStatus(ctx, s.ID, models.SessionFailed)
		require.NoError(t, err)
		_, err = m.CancelSession(ctx, s.ID)
		assert.ErrorIs(t, err, models.ErrSessionTerminal)

		_, err = m.CompleteSession(ctx, s.ID)
		assert.ErrorIs(t, err, models.ErrIllegalTransition)

		got, err := m.UpdateSessionStatus(ctx, s.ID, models.SessionActive)
		require.NoError(t, err)
		assert.Equal(t, models.SessionActive, got.Status)
	})

	t.Run("unknown status", func(t *testing.T) {
		m, _ := newManager(t)
		_, err := m.UpdateSessionStatus(ctx, "x", models.SessionStatus("paused"))
		assert.ErrorIs(t, err, models.ErrInvalidInput)
	})
}

func TestRecoverInterrupted(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "u1", []string{"a.pdf", "b.pdf"})
	require.NoError(t, err)
	_, err = m.UpdateFileStatus(ctx, s.ID, 1, models.FileProcessing, "", nil)
	require.NoError(t, err)

	got, n, err := m.RecoverInterrupted(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int{0, 1}, got.PendingIndices())

	_, n, err = m.RecoverInterrupted(ctx, s.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConflictRetries(t *testing.T) {
	ctx := context.Background()

	t.Run("retried until it lands", func(t *testing.T) {
		m, store := newManager(t)
		s, err := m.CreateSession(ctx, "u1", []string{"a.pdf"})
		require.NoError(t, err)

		store.conflicts = 3
		got, err := m.UpdateFileStatus(ctx, s.ID, 0, models.FileProcessing, "", nil)
		require.NoError(t, err)
		assert.Equal(t, models.FileProcessing, got.Files[0].Status)
	})

	t.Run("gives up", func(t *testing.T) {
		m, store := newManager(t)
		s, err := m.CreateSession(ctx, "u1", []string{"a.pdf"})
		require.NoError(t, err)

		store.conflicts = DefaultMaxConflictRetries + 1
		_, err = m.UpdateFileStatus(ctx, s.ID, 0, models.FileProcessing, "", nil)
		assert.ErrorIs(t, err, models.ErrConcurrentModification)
	})

	t.Run("real concurrency keeps counters exact", func(t *testing.T) {
		m, _ := newManager(t)
		names := make([]string, 20)
		for i := range names {
			names[i] = fmt.Sprintf("p%02d.pdf", i)
		}
		m.maxRetries = 100
		s, err := m.CreateSession(ctx, "u1", names)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := range names {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := m.UpdateFileStatus(ctx, s.ID, i, models.FileProcessing, "", nil)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		got, err := m.GetSessionState(ctx, s.ID)
		require.NoError(t, err)
		requireConsistent(t, got)
		for _, f := range got.Files {
			assert.Equal(t, models.FileProcessing, f.Status)
		}
	})
}

func TestPersistenceError(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()
	s, err := m.CreateSession(ctx, "u1", []string{"a.pdf"})
	require.NoError(t, err)

	store.putErr = errors.New("connection refused")
	_, err = m.UpdateFileStatus(ctx, s.ID, 0, models.FileProcessing, "", nil)
	var perr *models.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "update_file", perr.Op)
	assert.Equal(t, s.ID, perr.SessionID)

	_, err = m.CreateSession(ctx, "u1", []string{"b.pdf"})
	assert.ErrorAs(t, err, &perr)
}

func TestListActiveSessions(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	a, err := m.CreateSession(ctx, "u1", []string{"a.pdf"})
	require.NoError(t, err)
	b, err := m.CreateSession(ctx, "u1", []string{"b.pdf"})
	require.NoError(t, err)
	_, err = m.CancelSession(ctx, a.ID)
	require.NoError(t, err)

	list, err := m.ListActiveSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, b.ID, list[0].ID)
}
