package models

import (
	"time"
)

// SessionStatus 会话状态
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// IsValid reports whether s is one of the known session statuses.
func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionActive, SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no more work is accepted without reactivation.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}

// CanTransitionTo checks the session state machine. Reactivation
// (failed -> active, completed -> active) is legal; cancelled is final.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionActive:    {SessionCompleted, SessionFailed, SessionCancelled},
	SessionFailed:    {SessionActive},
	SessionCompleted: {SessionActive},
}

// FileStatus 文件状态
type FileStatus string

const (
	FilePending    FileStatus = "pending"
	FileProcessing FileStatus = "processing"
	FileCompleted  FileStatus = "completed"
	FileFailed     FileStatus = "failed"
	FileSkipped    FileStatus = "skipped"
)

// IsValid reports whether s is one of the known file statuses.
func (s FileStatus) IsValid() bool {
	switch s {
	case FilePending, FileProcessing, FileCompleted, FileFailed, FileSkipped:
		return true
	}
	return false
}

// IsTerminal reports whether the entry has reached an outcome.
func (s FileStatus) IsTerminal() bool {
	return s == FileCompleted || s == FileFailed || s == FileSkipped
}

// CanTransitionTo checks the forward file state machine. failed -> pending
// is deliberately absent: it only happens through an explicit retry.
func (s FileStatus) CanTransitionTo(next FileStatus) bool {
	for _, allowed := range fileTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

var fileTransitions = map[FileStatus][]FileStatus{
	FilePending:    {FileProcessing},
	FileProcessing: {FileCompleted, FileFailed, FileSkipped},
}

// FileEntry is one logical unit of work inside a session, usually one page
// of a source document. Entries are addressed by Index only; FileName may
// repeat across source documents.
type FileEntry struct {
	Index          int                    `json:"index" msgpack:"index" firestore:"index"`
	FileName       string                 `json:"fileName" msgpack:"fileName" firestore:"fileName"`
	Status         FileStatus             `json:"status" msgpack:"status" firestore:"status"`
	Reason         string                 `json:"reason,omitempty" msgpack:"reason,omitempty" firestore:"reason,omitempty"`
	Result         map[string]interface{} `json:"result,omitempty" msgpack:"result,omitempty" firestore:"result,omitempty"`
	SourceKey      string                 `json:"sourceKey,omitempty" msgpack:"sourceKey,omitempty" firestore:"sourceKey,omitempty"`
	SourceDocument string                 `json:"sourceDocument,omitempty" msgpack:"sourceDocument,omitempty" firestore:"sourceDocument,omitempty"`
	Page           int                    `json:"page,omitempty" msgpack:"page,omitempty" firestore:"page,omitempty"`
	UpdatedAt      time.Time              `json:"updatedAt" msgpack:"updatedAt" firestore:"updatedAt"`
}

// FileRef describes a file to register in a session.
type FileRef struct {
	Name           string
	SourceKey      string
	SourceDocument string
	Page           int
}

// FileRefsFromNames builds refs that carry only a display name.
func FileRefsFromNames(names []string) []FileRef {
	refs := make([]FileRef, len(names))
	for i, name := range names {
		refs[i] = FileRef{Name: name}
	}
	return refs
}

// UploadSession tracks one multi-file ingestion end to end.
//
// The counters are a cache over Files. Recount must run inside every
// mutation so that Completed+Failed+Pending+Skipped == Total always holds.
// Files still in processing count as pending.
type UploadSession struct {
	ID             string        `json:"sessionId" msgpack:"id" firestore:"id"`
	UserID         string        `json:"userId" msgpack:"userId" firestore:"userId"`
	Status         SessionStatus `json:"status" msgpack:"status" firestore:"status"`
	Files          []FileEntry   `json:"files" msgpack:"files" firestore:"files"`
	TotalFiles     int           `json:"totalFiles" msgpack:"totalFiles" firestore:"totalFiles"`
	CompletedFiles int           `json:"completedFiles" msgpack:"completedFiles" firestore:"completedFiles"`
	FailedFiles    int           `json:"failedFiles" msgpack:"failedFiles" firestore:"failedFiles"`
	PendingFiles   int           `json:"pendingFiles" msgpack:"pendingFiles" firestore:"pendingFiles"`
	SkippedFiles   int           `json:"skippedFiles" msgpack:"skippedFiles" firestore:"skippedFiles"`
	Version        int64         `json:"version" msgpack:"version" firestore:"version"`
	StartedAt      time.Time     `json:"startedAt" msgpack:"startedAt" firestore:"startedAt"`
	LastUpdatedAt  time.Time     `json:"lastUpdatedAt" msgpack:"lastUpdatedAt" firestore:"lastUpdatedAt"`
	CompletedAt    *time.Time    `json:"completedAt,omitempty" msgpack:"completedAt,omitempty" firestore:"completedAt,omitempty"`
}

// NewUploadSession creates an active session with every entry pending.
func NewUploadSession(id, userID string, refs []FileRef, now time.Time) *UploadSession {
	s := &UploadSession{
		ID:            id,
		UserID:        userID,
		Status:        SessionActive,
		Files:         make([]FileEntry, 0, len(refs)),
		StartedAt:     now,
		LastUpdatedAt: now,
	}
	s.AppendEntries(refs, now)
	return s
}

// AppendEntries adds pending entries at the end of Files and recounts.
func (s *UploadSession) AppendEntries(refs []FileRef, now time.Time) {
	for _, ref := range refs {
		s.Files = append(s.Files, FileEntry{
			Index:          len(s.Files),
			FileName:       ref.Name,
			Status:         FilePending,
			SourceKey:      ref.SourceKey,
			SourceDocument: ref.SourceDocument,
			Page:           ref.Page,
			UpdatedAt:      now,
		})
	}
	s.LastUpdatedAt = now
	s.Recount()
}

// Recount rebuilds the cached aggregate counters from Files.
func (s *UploadSession) Recount() {
	c := s.Counts()
	s.TotalFiles = c.Total
	s.CompletedFiles = c.Completed
	s.FailedFiles = c.Failed
	s.PendingFiles = c.Pending
	s.SkippedFiles = c.Skipped
}

// FileCounts holds aggregate counters derived from the entries.
type FileCounts struct {
	Total     int
	Completed int
	Failed    int
	Pending   int
	Skipped   int
}

// Counts derives the counters from Files without touching the cache.
func (s *UploadSession) Counts() FileCounts {
	c := FileCounts{Total: len(s.Files)}
	for _, f := range s.Files {
		switch f.Status {
		case FileCompleted:
			c.Completed++
		case FileFailed:
			c.Failed++
		case FileSkipped:
			c.Skipped++
		default:
			c.Pending++
		}
	}
	return c
}

// CountersConsistent reports whether the cached counters match Files and
// the four partial counters add up to the total.
func (s *UploadSession) CountersConsistent() bool {
	c := s.Counts()
	return s.TotalFiles == c.Total &&
		s.CompletedFiles == c.Completed &&
		s.FailedFiles == c.Failed &&
		s.PendingFiles == c.Pending &&
		s.SkippedFiles == c.Skipped &&
		s.CompletedFiles+s.FailedFiles+s.PendingFiles+s.SkippedFiles == s.TotalFiles
}

// PendingIndices returns the indices of entries in pending status, in
// submission order.
func (s *UploadSession) PendingIndices() []int {
	var out []int
	for _, f := range s.Files {
		if f.Status == FilePending {
			out = append(out, f.Index)
		}
	}
	return out
}

// FileNames returns display names in submission order.
func (s *UploadSession) FileNames() []string {
	names := make([]string, len(s.Files))
	for i, f := range s.Files {
		names[i] = f.FileName
	}
	return names
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (s *UploadSession) Clone() *UploadSession {
	if s == nil {
		return nil
	}
	c := *s
	c.Files = make([]FileEntry, len(s.Files))
	for i, f := range s.Files {
		if f.Result != nil {
			res := make(map[string]interface{}, len(f.Result))
			for k, v := range f.Result {
				res[k] = v
			}
			f.Result = res
		}
		c.Files[i] = f
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
