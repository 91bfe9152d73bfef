package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/feichai0017/payslip-processor/internal/models"
	"github.com/feichai0017/payslip-processor/pkg/logger"
	"github.com/feichai0017/payslip-processor/pkg/sessionstore"
)

const DefaultMaxConflictRetries = 5

// errNoop aborts a mutation without writing.
var errNoop = errors.New("no change")

// Manager is the only component allowed to mutate upload sessions. Every
// operation is one read-modify-write against the store; conflicting writes
// are retried from a fresh read.
type Manager struct {
	store      sessionstore.Store
	logger     logger.Logger
	now        func() time.Time
	newID      func() string
	maxRetries int
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(m *Manager) { m.newID = newID }
}

func WithMaxConflictRetries(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxRetries = n
		}
	}
}

func NewManager(store sessionstore.Store, log logger.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		logger:     log,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      func() string { return uuid.New().String() },
		maxRetries: DefaultMaxConflictRetries,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateSession registers an active session with one pending entry per name.
func (m *Manager) CreateSession(ctx context.Context, userID string, fileNames []string) (*models.UploadSession, error) {
	return m.CreateSessionWithRefs(ctx, userID, models.FileRefsFromNames(fileNames))
}

// CreateSessionWithRefs is CreateSession for entries that carry a storage key.
func (m *Manager) CreateSessionWithRefs(ctx context.Context, userID string, refs []models.FileRef) (*models.UploadSession, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", models.ErrInvalidInput)
	}
	if err := validateRefs(refs); err != nil {
		return nil, err
	}

	s := models.NewUploadSession(m.newID(), userID, refs, m.now())
	if err := m.store.Put(ctx, s); err != nil {
		m.logger.Error("Failed to persist new session",
			logger.String("sessionId", s.ID),
			logger.Error(err),
		)
		return nil, &models.PersistenceError{Op: "create", SessionID: s.ID, Err: err}
	}

	m.logger.Info("Session created",
		logger.String("sessionId", s.ID),
		logger.String("userId", userID),
		logger.Int("files", s.TotalFiles),
	)
	return s, nil
}

// AppendFiles adds pending entries to a non-terminal session.
func (m *Manager) AppendFiles(ctx context.Context, sessionID string, fileNames []string) (*models.UploadSession, error) {
	return m.AppendFileRefs(ctx, sessionID, models.FileRefsFromNames(fileNames))
}

func (m *Manager) AppendFileRefs(ctx context.Context, sessionID string, refs []models.FileRef) (*models.UploadSession, error) {
	if err := validateRefs(refs); err != nil {
		return nil, err
	}
	s, err := m.mutate(ctx, "append", sessionID, func(s *models.UploadSession) error {
		if s.Status.IsTerminal() {
			return fmt.Errorf("%w: cannot append to %s session %s", models.ErrSessionTerminal, s.Status, s.ID)
		}
		s.AppendEntries(refs, m.now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("Files appended to session",
		logger.String("sessionId", sessionID),
		logger.Int("added", len(refs)),
		logger.Int("total", s.TotalFiles),
	)
	return s, nil
}

// UpdateFileStatus moves one entry, addressed by index, along the file state
// machine. Starting work (pending -> processing) requires an active session;
// resolving an in-flight entry is allowed in any session state.
func (m *Manager) UpdateFileStatus(ctx context.Context, sessionID string, index int, status models.FileStatus, reason string, result map[string]interface{}) (*models.UploadSession, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: unknown file status %q", models.ErrInvalidInput, status)
	}
	return m.mutate(ctx, "update_file", sessionID, func(s *models.UploadSession) error {
		f, err := entry(s, index)
		if err != nil {
			return err
		}
		if !f.Status.CanTransitionTo(status) {
			return fmt.Errorf("%w: file %d %s -> %s", models.ErrIllegalTransition, index, f.Status, status)
		}
		if status == models.FileProcessing && s.Status != models.SessionActive {
			return fmt.Errorf("%w: session %s is %s", models.ErrSessionTerminal, s.ID, s.Status)
		}

		now := m.now()
		f.Status = status
		f.Reason = reason
		if result != nil {
			f.Result = result
		}
		f.UpdatedAt = now
		return nil
	})
}

// RetryFile returns one failed entry to pending. A completed or failed
// session is reactivated in the same write so it does not claim to be done
// while holding pending work.
func (m *Manager) RetryFile(ctx context.Context, sessionID string, index int) (*models.UploadSession, error) {
	s, err := m.mutate(ctx, "retry_file", sessionID, func(s *models.UploadSession) error {
		if s.Status == models.SessionCancelled {
			return fmt.Errorf("%w: session %s is cancelled", models.ErrSessionTerminal, s.ID)
		}
		f, err := entry(s, index)
		if err != nil {
			return err
		}
		if f.Status != models.FileFailed {
			return fmt.Errorf("%w: only failed files can be retried, file %d is %s", models.ErrIllegalTransition, index, f.Status)
		}
		m.resetForRetry(f)
		m.reactivateIfDone(s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("File queued for retry",
		logger.String("sessionId", sessionID),
		logger.Int("index", index),
	)
	return s, nil
}

// RetryFailed returns every failed entry to pending and reports how many moved.
func (m *Manager) RetryFailed(ctx context.Context, sessionID string) (*models.UploadSession, int, error) {
	var count int
	s, err := m.mutate(ctx, "retry_failed", sessionID, func(s *models.UploadSession) error {
		count = 0
		if s.Status == models.SessionCancelled {
			return fmt.Errorf("%w: session %s is cancelled", models.ErrSessionTerminal, s.ID)
		}
		for i := range s.Files {
			if s.Files[i].Status == models.FileFailed {
				m.resetForRetry(&s.Files[i])
				count++
			}
		}
		if count == 0 {
			return errNoop
		}
		m.reactivateIfDone(s)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	if count > 0 {
		m.logger.Info("Failed files queued for retry",
			logger.String("sessionId", sessionID),
			logger.Int("count", count),
		)
	}
	return s, count, nil
}

// UpdateSessionStatus applies a session state machine transition. Setting
// the current status again is a no-op.
func (m *Manager) UpdateSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus) (*models.UploadSession, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: unknown session status %q", models.ErrInvalidInput, status)
	}
	var from models.SessionStatus
	s, err := m.mutate(ctx, "update_session", sessionID, func(s *models.UploadSession) error {
		from = s.Status
		if s.Status == status {
			return errNoop
		}
		return m.transition(s, status)
	})
	if err != nil {
		return nil, err
	}
	if from != status {
		m.logger.Info("Session status changed",
			logger.String("sessionId", sessionID),
			logger.String("from", string(from)),
			logger.String("to", string(status)),
		)
	}
	return s, nil
}

// CompleteSession marks an active session completed. It is a no-op on a
// session that is already completed.
func (m *Manager) CompleteSession(ctx context.Context, sessionID string) (*models.UploadSession, error) {
	return m.UpdateSessionStatus(ctx, sessionID, models.SessionCompleted)
}

// CancelSession cancels an active session. Cancelling twice is a no-op;
// completed and failed sessions cannot be cancelled.
func (m *Manager) CancelSession(ctx context.Context, sessionID string) (*models.UploadSession, error) {
	s, err := m.mutate(ctx, "cancel", sessionID, func(s *models.UploadSession) error {
		switch s.Status {
		case models.SessionCancelled:
			return errNoop
		case models.SessionActive:
			return m.transition(s, models.SessionCancelled)
		default:
			return fmt.Errorf("%w: session %s is %s", models.ErrSessionTerminal, s.ID, s.Status)
		}
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("Session cancelled", logger.String("sessionId", sessionID))
	return s, nil
}

// RecoverInterrupted moves entries left in processing by a run that died
// back to pending. It is the only way an entry leaves processing without an
// outcome and must only be called before a resume starts its loop.
func (m *Manager) RecoverInterrupted(ctx context.Context, sessionID string) (*models.UploadSession, int, error) {
	var count int
	s, err := m.mutate(ctx, "recover", sessionID, func(s *models.UploadSession) error {
		count = 0
		now := m.now()
		for i := range s.Files {
			if s.Files[i].Status == models.FileProcessing {
				s.Files[i].Status = models.FilePending
				s.Files[i].Reason = ""
				s.Files[i].UpdatedAt = now
				count++
			}
		}
		if count == 0 {
			return errNoop
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	if count > 0 {
		m.logger.Warn("Recovered interrupted files",
			logger.String("sessionId", sessionID),
			logger.Int("count", count),
		)
	}
	return s, count, nil
}

// GetSessionState returns a snapshot of the session.
func (m *Manager) GetSessionState(ctx context.Context, sessionID string) (*models.UploadSession, error) {
	s, err := m.store.Get(ctx, sessionID)
	if errors.Is(err, sessionstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", models.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, &models.PersistenceError{Op: "get", SessionID: sessionID, Err: err}
	}
	return s, nil
}

// ListActiveSessions returns the user's active sessions, newest first.
func (m *Manager) ListActiveSessions(ctx context.Context, userID string) ([]*models.UploadSession, error) {
	sessions, err := m.store.ListActiveSessions(ctx, userID)
	if err != nil {
		return nil, &models.PersistenceError{Op: "list", Err: err}
	}
	return sessions, nil
}

func (m *Manager) transition(s *models.UploadSession, to models.SessionStatus) error {
	if !s.Status.CanTransitionTo(to) {
		return fmt.Errorf("%w: session %s %s -> %s", models.ErrIllegalTransition, s.ID, s.Status, to)
	}
	if to == models.SessionCompleted && s.Counts().Pending > 0 {
		return fmt.Errorf("%w: session %s has %d pending files", models.ErrFilesStillPending, s.ID, s.Counts().Pending)
	}

	s.Status = to
	switch to {
	case models.SessionCompleted:
		now := m.now()
		s.CompletedAt = &now
	case models.SessionActive:
		s.CompletedAt = nil
	}
	return nil
}

func (m *Manager) resetForRetry(f *models.FileEntry) {
	f.Status = models.FilePending
	f.Reason = ""
	f.Result = nil
	f.UpdatedAt = m.now()
}

func (m *Manager) reactivateIfDone(s *models.UploadSession) {
	if s.Status == models.SessionCompleted || s.Status == models.SessionFailed {
		s.Status = models.SessionActive
		s.CompletedAt = nil
	}
}

// mutate runs fn against a fresh copy of the session and writes the result
// conditionally. fn may return errNoop to skip the write.
func (m *Manager) mutate(ctx context.Context, op, sessionID string, fn func(*models.UploadSession) error) (*models.UploadSession, error) {
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		s, err := m.GetSessionState(ctx, sessionID)
		if err != nil {
			return nil, err
		}

		if err := fn(s); err != nil {
			if errors.Is(err, errNoop) {
				return s, nil
			}
			return nil, err
		}
		s.Recount()
		s.LastUpdatedAt = m.now()

		err = m.store.Put(ctx, s)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, sessionstore.ErrConflict) {
			m.logger.Error("Failed to persist session",
				logger.String("sessionId", sessionID),
				logger.String("op", op),
				logger.Error(err),
			)
			return nil, &models.PersistenceError{Op: op, SessionID: sessionID, Err: err}
		}
		m.logger.Debug("Session write conflict, retrying",
			logger.String("sessionId", sessionID),
			logger.String("op", op),
			logger.Int("attempt", attempt+1),
		)
	}
	return nil, fmt.Errorf("%w: %s after %d attempts", models.ErrConcurrentModification, sessionID, m.maxRetries+1)
}

func entry(s *models.UploadSession, index int) (*models.FileEntry, error) {
	if index < 0 || index >= len(s.Files) {
		return nil, fmt.Errorf("%w: index %d in session %s", models.ErrFileNotFound, index, s.ID)
	}
	return &s.Files[index], nil
}

func validateRefs(refs []models.FileRef) error {
	if len(refs) == 0 {
		return fmt.Errorf("%w: at least one file is required", models.ErrInvalidInput)
	}
	for i, r := range refs {
		if strings.TrimSpace(r.Name) == "" {
			return fmt.Errorf("%w: file %d has an empty name", models.ErrInvalidInput, i)
		}
	}
	return nil
}
