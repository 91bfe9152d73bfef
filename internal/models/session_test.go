package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStatusTransitions(t *testing.T) {
	legal := []struct{ from, to FileStatus }{
		{FilePending, FileProcessing},
		{FileProcessing, FileCompleted},
		{FileProcessing, FileFailed},
		{FileProcessing, FileSkipped},
	}
	for _, tc := range legal {
		assert.True(t, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}

	illegal := []struct{ from, to FileStatus }{
		{FilePending, FileCompleted},
		{FileFailed, FilePending},
		{FileCompleted, FilePending},
		{FileSkipped, FileProcessing},
		{FileCompleted, FileFailed},
		{FileProcessing, FilePending},
	}
	for _, tc := range illegal {
		assert.False(t, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestSessionStatusTransitions(t *testing.T) {
	assert.True(t, SessionActive.CanTransitionTo(SessionCompleted))
	assert.True(t, SessionActive.CanTransitionTo(SessionFailed))
	assert.True(t, SessionActive.CanTransitionTo(SessionCancelled))
	assert.True(t, SessionFailed.CanTransitionTo(SessionActive))
	assert.True(t, SessionCompleted.CanTransitionTo(SessionActive))

	assert.False(t, SessionCancelled.CanTransitionTo(SessionActive))
	assert.False(t, SessionFailed.CanTransitionTo(SessionCompleted))
	assert.False(t, SessionCompleted.CanTransitionTo(SessionCancelled))
	assert.False(t, SessionStatus("bogus").IsValid())
}

func TestUploadSessionCounters(t *testing.T) {
	now := time.Now()
	s := NewUploadSession("s1", "u1", FileRefsFromNames([]string{"a.pdf", "b.pdf", "a.pdf"}), now)

	require.Len(t, s.Files, 3)
	assert.Equal(t, []int{0, 1, 2}, s.PendingIndices())
	assert.Equal(t, 3, s.TotalFiles)
	assert.Equal(t, 3, s.PendingFiles)
	assert.True(t, s.CountersConsistent())

	s.Files[0].Status = FileCompleted
	s.Files[1].Status = FileProcessing
	s.Files[2].Status = FileSkipped
	assert.False(t, s.CountersConsistent(), "cache is stale until Recount")

	s.Recount()
	assert.True(t, s.CountersConsistent())
	assert.Equal(t, 1, s.CompletedFiles)
	assert.Equal(t, 1, s.PendingFiles, "processing counts as pending")
	assert.Equal(t, 1, s.SkippedFiles)
	assert.Empty(t, s.PendingIndices())

	s.AppendEntries(FileRefsFromNames([]string{"c.pdf"}), now)
	assert.Equal(t, 3, s.Files[3].Index)
	assert.Equal(t, 4, s.TotalFiles)
	assert.Equal(t, []string{"a.pdf", "b.pdf", "a.pdf", "c.pdf"}, s.FileNames())
}

func TestUploadSessionClone(t *testing.T) {
	now := time.Now()
	s := NewUploadSession("s1", "u1", FileRefsFromNames([]string{"a.pdf"}), now)
	s.Files[0].Result = map[string]interface{}{"k": "v"}
	s.CompletedAt = &now

	c := s.Clone()
	c.Files[0].Status = FileFailed
	c.Files[0].Result["k"] = "changed"
	*c.CompletedAt = now.Add(time.Hour)

	assert.Equal(t, FilePending, s.Files[0].Status)
	assert.Equal(t, "v", s.Files[0].Result["k"])
	assert.Equal(t, now, *s.CompletedAt)
}

func TestBatchPagesInBatch(t *testing.T) {
	b := Batch{PageRangeStart: 101, PageRangeEnd: 200}
	assert.Equal(t, 100, b.PagesInBatch())
}
