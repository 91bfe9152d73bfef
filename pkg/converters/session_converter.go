package converters

import (
	"time"

	"github.com/feichai0017/payslip-processor/internal/models"
)

// SessionSummary 会话摘要
type SessionSummary struct {
	SessionID      string               `json:"sessionId"`
	UserID         string               `json:"userId"`
	Status         models.SessionStatus `json:"status"`
	TotalFiles     int                  `json:"totalFiles"`
	CompletedFiles int                  `json:"completedFiles"`
	FailedFiles    int                  `json:"failedFiles"`
	PendingFiles   int                  `json:"pendingFiles"`
	SkippedFiles   int                  `json:"skippedFiles"`
	Progress       float64              `json:"progress"`
	FileNames      []string             `json:"fileNames"`
	StartedAt      time.Time            `json:"startedAt"`
	LastUpdatedAt  time.Time            `json:"lastUpdatedAt"`
	CompletedAt    *time.Time           `json:"completedAt,omitempty"`
}

// FileView is one entry as shown to API clients.
type FileView struct {
	Index          int                    `json:"index"`
	FileName       string                 `json:"fileName"`
	Status         models.FileStatus      `json:"status"`
	Reason         string                 `json:"reason,omitempty"`
	SourceDocument string                 `json:"sourceDocument,omitempty"`
	Page           int                    `json:"page,omitempty"`
	Result         map[string]interface{} `json:"result,omitempty"`
	UpdatedAt      time.Time              `json:"updatedAt"`
}

// SessionResults groups the extracted payslip data of a session by source
// document.
type SessionResults struct {
	SessionID string           `json:"sessionId"`
	Status    string           `json:"status"`
	Documents []DocumentResult `json:"documents"`
}

// DocumentResult 文档处理结果
type DocumentResult struct {
	SourceDocument string     `json:"sourceDocument"`
	Pages          []FileView `json:"pages"`
	Completed      int        `json:"completed"`
	Failed         int        `json:"failed"`
	Skipped        int        `json:"skipped"`
	Pending        int        `json:"pending"`
}

// Summarize builds the read model of a session.
func Summarize(s *models.UploadSession) *SessionSummary {
	sum := &SessionSummary{
		SessionID:      s.ID,
		UserID:         s.UserID,
		Status:         s.Status,
		TotalFiles:     s.TotalFiles,
		CompletedFiles: s.CompletedFiles,
		FailedFiles:    s.FailedFiles,
		PendingFiles:   s.PendingFiles,
		SkippedFiles:   s.SkippedFiles,
		FileNames:      s.FileNames(),
		StartedAt:      s.StartedAt,
		LastUpdatedAt:  s.LastUpdatedAt,
		CompletedAt:    s.CompletedAt,
	}
	if s.TotalFiles > 0 {
		sum.Progress = float64(s.TotalFiles-s.PendingFiles) / float64(s.TotalFiles)
	}
	return sum
}

// Summaries converts a list of sessions.
func Summaries(list []*models.UploadSession) []*SessionSummary {
	out := make([]*SessionSummary, 0, len(list))
	for _, s := range list {
		out = append(out, Summarize(s))
	}
	return out
}

// Files converts the entries of a session, optionally keeping only one status.
func Files(s *models.UploadSession, status models.FileStatus) []FileView {
	out := make([]FileView, 0, len(s.Files))
	for _, f := range s.Files {
		if status != "" && f.Status != status {
			continue
		}
		out = append(out, fileView(f))
	}
	return out
}

// Results groups entries by source document in submission order. Entries
// without a source document are grouped under their own file name.
func Results(s *models.UploadSession) *SessionResults {
	res := &SessionResults{SessionID: s.ID, Status: string(s.Status)}
	pos := make(map[string]int)

	for _, f := range s.Files {
		key := f.SourceDocument
		if key == "" {
			key = f.FileName
		}
		i, ok := pos[key]
		if !ok {
			i = len(res.Documents)
			pos[key] = i
			res.Documents = append(res.Documents, DocumentResult{SourceDocument: key})
		}
		doc := &res.Documents[i]
		doc.Pages = append(doc.Pages, fileView(f))
		switch f.Status {
		case models.FileCompleted:
			doc.Completed++
		case models.FileFailed:
			doc.Failed++
		case models.FileSkipped:
			doc.Skipped++
		default:
			doc.Pending++
		}
	}
	return res
}

func fileView(f models.FileEntry) FileView {
	return FileView{
		Index:          f.Index,
		FileName:       f.FileName,
		Status:         f.Status,
		Reason:         f.Reason,
		SourceDocument: f.SourceDocument,
		Page:           f.Page,
		Result:         f.Result,
		UpdatedAt:      f.UpdatedAt,
	}
}
