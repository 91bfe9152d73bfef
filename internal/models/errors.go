package models

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput           = errors.New("invalid input")
	ErrIllegalTransition      = errors.New("illegal status transition")
	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionTerminal        = errors.New("session is terminal")
	ErrSessionNotResumable    = errors.New("session is not resumable")
	ErrFilesStillPending      = errors.New("session still has pending files")
	ErrResumeInProgress       = errors.New("resume already in progress for session")
	ErrConcurrentModification = errors.New("session was modified concurrently")
	ErrFileNotFound           = errors.New("file entry not found")
)

// PersistenceError wraps a failure of the session store. It is fatal to the
// operation that hit it; state written before the failure stays valid.
type PersistenceError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s of session %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IncompleteResumeError reports a resume aborted by a persistence failure.
// Saved is the number of files whose outcome was durably recorded in this
// run before the failure.
type IncompleteResumeError struct {
	SessionID string
	Saved     int
	Total     int
	Err       error
}

func (e *IncompleteResumeError) Error() string {
	return fmt.Sprintf("resume did not complete; progress up to file %d of %d is saved: %v", e.Saved, e.Total, e.Err)
}

func (e *IncompleteResumeError) Unwrap() error {
	return e.Err
}
