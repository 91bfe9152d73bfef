package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/payslip-processor/internal/models"
	"github.com/feichai0017/payslip-processor/pkg/logger"
	"github.com/feichai0017/payslip-processor/pkg/queue"
)

var errQueueUnavailable = errors.New("resume queue is not configured")

// ErrorResponse 定义错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var persistence *models.PersistenceError
	switch {
	case errors.Is(err, models.ErrSessionNotFound),
		errors.Is(err, models.ErrFileNotFound),
		errors.Is(err, queue.ErrProgressNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrIllegalTransition),
		errors.Is(err, models.ErrSessionTerminal),
		errors.Is(err, models.ErrSessionNotResumable),
		errors.Is(err, models.ErrFilesStillPending),
		errors.Is(err, models.ErrResumeInProgress),
		errors.Is(err, models.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusUnprocessableEntity
	case errors.As(err, &persistence), errors.Is(err, errQueueUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleError 统一错误处理
func (h *SessionHandler) handleError(c *gin.Context, message string, err error) {
	h.respondError(c, statusFor(err), message, err)
}

func (h *SessionHandler) respondError(c *gin.Context, status int, message string, err error) {
	log := h.logger.FromContext(c.Request.Context())
	fields := []logger.Field{
		logger.String("path", c.Request.URL.Path),
		logger.Int("status", status),
		logger.Error(err),
	}
	if status >= http.StatusInternalServerError {
		log.Error(message, fields...)
	} else {
		log.Warn(message, fields...)
	}

	response := ErrorResponse{Message: message}
	if err != nil {
		response.Error = err.Error()
	}
	c.AbortWithStatusJSON(status, response)
}
