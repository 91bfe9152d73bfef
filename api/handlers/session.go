package handlers

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/payslip-processor/api/middleware"
	"github.com/feichai0017/payslip-processor/internal/models"
	"github.com/feichai0017/payslip-processor/internal/service/ingest"
	"github.com/feichai0017/payslip-processor/internal/service/session"
	"github.com/feichai0017/payslip-processor/pkg/converters"
	"github.com/feichai0017/payslip-processor/pkg/logger"
	"github.com/feichai0017/payslip-processor/pkg/queue"
)

type SessionHandler struct {
	ingest   *ingest.Service
	sessions *session.Manager
	queue    queue.Queue
	logger   logger.ContextLogger
}

// UploadResponse 上传响应
type UploadResponse struct {
	Session   *converters.SessionSummary `json:"session"`
	UploadID  string                     `json:"uploadId"`
	Documents []ingest.DocumentReport    `json:"documents"`
}

func NewSessionHandler(ingestService *ingest.Service, sessions *session.Manager, q queue.Queue, log logger.Logger) *SessionHandler {
	return &SessionHandler{
		ingest:   ingestService,
		sessions: sessions,
		queue:    q,
		logger:   logger.NewContextLogger(log),
	}
}

// CreateSession 上传文档并创建会话
func (h *SessionHandler) CreateSession(c *gin.Context) {
	userID := c.GetHeader(middleware.UserIDHeader)
	if userID == "" {
		h.respondError(c, http.StatusBadRequest, "Missing user id", fmt.Errorf("header %s is required", middleware.UserIDHeader))
		return
	}

	docs, closeAll, ok := h.documents(c)
	if !ok {
		return
	}
	defer closeAll()

	res, err := h.ingest.CreateSession(c.Request.Context(), userID, docs)
	if err != nil {
		h.handleError(c, "Failed to create session", err)
		return
	}

	c.JSON(http.StatusCreated, UploadResponse{
		Session:   converters.Summarize(res.Session),
		UploadID:  res.UploadID,
		Documents: res.Documents,
	})
}

// AppendFiles 向已有会话追加文档
func (h *SessionHandler) AppendFiles(c *gin.Context) {
	reactivate, _ := strconv.ParseBool(c.PostForm("reactivate"))

	docs, closeAll, ok := h.documents(c)
	if !ok {
		return
	}
	defer closeAll()

	res, err := h.ingest.AppendToSession(c.Request.Context(), c.Param("sessionId"), docs, reactivate)
	if err != nil {
		h.handleError(c, "Failed to append files", err)
		return
	}

	c.JSON(http.StatusOK, UploadResponse{
		Session:   converters.Summarize(res.Session),
		UploadID:  res.UploadID,
		Documents: res.Documents,
	})
}

// ListSessions 列出用户的活跃会话
func (h *SessionHandler) ListSessions(c *gin.Context) {
	userID := c.GetHeader(middleware.UserIDHeader)
	if userID == "" {
		h.respondError(c, http.StatusBadRequest, "Missing user id", fmt.Errorf("header %s is required", middleware.UserIDHeader))
		return
	}

	list, err := h.sessions.ListActiveSessions(c.Request.Context(), userID)
	if err != nil {
		h.handleError(c, "Failed to list sessions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": converters.Summaries(list)})
}

// GetSession 获取会话摘要
func (h *SessionHandler) GetSession(c *gin.Context) {
	s, err := h.sessions.GetSessionState(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.handleError(c, "Failed to get session", err)
		return
	}
	c.JSON(http.StatusOK, converters.Summarize(s))
}

// ListFiles 获取会话文件列表
func (h *SessionHandler) ListFiles(c *gin.Context) {
	status := models.FileStatus(c.Query("status"))
	if status != "" && !status.IsValid() {
		h.respondError(c, http.StatusBadRequest, "Invalid status filter", fmt.Errorf("unknown file status %q", status))
		return
	}

	s, err := h.sessions.GetSessionState(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.handleError(c, "Failed to get session", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId": s.ID,
		"files":     converters.Files(s, status),
	})
}

// GetResults 获取按源文档分组的处理结果
func (h *SessionHandler) GetResults(c *gin.Context) {
	s, err := h.sessions.GetSessionState(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.handleError(c, "Failed to get session", err)
		return
	}
	c.JSON(http.StatusOK, converters.Results(s))
}

// ResumeSession 将会话恢复任务加入队列
func (h *SessionHandler) ResumeSession(c *gin.Context) {
	if h.queue == nil {
		h.handleError(c, "Failed to resume session", errQueueUnavailable)
		return
	}
	ctx := c.Request.Context()

	s, err := h.sessions.GetSessionState(ctx, c.Param("sessionId"))
	if err != nil {
		h.handleError(c, "Failed to resume session", err)
		return
	}
	if s.Status == models.SessionCancelled {
		h.handleError(c, "Failed to resume session", fmt.Errorf("%w: session %s is cancelled", models.ErrSessionNotResumable, s.ID))
		return
	}

	priority, _ := strconv.Atoi(c.DefaultQuery("priority", "2"))
	res, err := h.queue.EnqueueResume(ctx, &queue.ResumeRequest{
		SessionID: s.ID,
		UserID:    s.UserID,
		Priority:  priority,
	})
	if err != nil {
		h.handleError(c, "Failed to enqueue resume", err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"sessionId":     s.ID,
		"taskId":        res.TaskID,
		"queue":         res.Queue,
		"alreadyQueued": res.AlreadyQueued,
		"pendingFiles":  s.PendingFiles,
	})
}

// GetProgress 获取恢复进度
func (h *SessionHandler) GetProgress(c *gin.Context) {
	if h.queue == nil {
		h.handleError(c, "Failed to get progress", errQueueUnavailable)
		return
	}
	p, err := h.queue.GetProgress(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.handleError(c, "Failed to get progress", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"progress": p,
		"fraction": p.Fraction(),
	})
}

// CancelSession 取消会话并移除排队中的恢复任务
func (h *SessionHandler) CancelSession(c *gin.Context) {
	ctx := c.Request.Context()
	s, err := h.sessions.CancelSession(ctx, c.Param("sessionId"))
	if err != nil {
		h.handleError(c, "Failed to cancel session", err)
		return
	}

	dequeued := false
	if h.queue != nil {
		dequeued, err = h.queue.CancelResume(ctx, s.ID)
		if err != nil {
			h.logger.FromContext(ctx).Warn("Failed to remove queued resume",
				logger.String("sessionId", s.ID),
				logger.Error(err),
			)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"session":  converters.Summarize(s),
		"dequeued": dequeued,
	})
}

// RetryFile 重试单个失败文件
func (h *SessionHandler) RetryFile(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		h.respondError(c, http.StatusBadRequest, "Invalid file index", err)
		return
	}

	s, err := h.sessions.RetryFile(c.Request.Context(), c.Param("sessionId"), index)
	if err != nil {
		h.handleError(c, "Failed to retry file", err)
		return
	}
	c.JSON(http.StatusOK, converters.Summarize(s))
}

// RetryFailed 重试所有失败文件
func (h *SessionHandler) RetryFailed(c *gin.Context) {
	s, n, err := h.sessions.RetryFailed(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.handleError(c, "Failed to retry files", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session": converters.Summarize(s),
		"retried": n,
	})
}

// PlanDocument 估算页数并给出分批方案
func (h *SessionHandler) PlanDocument(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		h.respondError(c, http.StatusBadRequest, "Invalid file upload", err)
		return
	}
	defer file.Close()

	plan := h.ingest.Plan(c.Request.Context(), ingest.Document{Name: header.Filename, Size: header.Size, Content: file})
	c.JSON(http.StatusOK, gin.H{
		"fileName": header.Filename,
		"size":     header.Size,
		"plan":     plan,
	})
}

// documents opens every uploaded file of the "files" form field.
func (h *SessionHandler) documents(c *gin.Context) ([]ingest.Document, func(), bool) {
	form, err := c.MultipartForm()
	if err != nil {
		h.respondError(c, http.StatusBadRequest, "Invalid form data", err)
		return nil, nil, false
	}
	headers := form.File["files"]
	if len(headers) == 0 {
		h.respondError(c, http.StatusBadRequest, "No files provided", errors.New("form field files is empty"))
		return nil, nil, false
	}

	opened := make([]multipart.File, 0, len(headers))
	closeAll := func() {
		for _, f := range opened {
			f.Close()
		}
	}

	docs := make([]ingest.Document, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			closeAll()
			h.respondError(c, http.StatusBadRequest, "Invalid file upload", fmt.Errorf("failed to open file %s: %w", fh.Filename, err))
			return nil, nil, false
		}
		opened = append(opened, f)
		docs = append(docs, ingest.Document{Name: fh.Filename, Size: fh.Size, Content: f})
	}
	return docs, closeAll, true
}
