package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/payslip-processor/api/handlers"
	"github.com/feichai0017/payslip-processor/api/middleware"
	"github.com/feichai0017/payslip-processor/pkg/logger"
)

// SetupRoutes 配置所有路由
func SetupRoutes(r *gin.Engine, h *handlers.Handlers, log logger.Logger) {
	// 全局中间件
	r.Use(middleware.CORS())
	r.Use(middleware.RequestContext())
	r.Use(middleware.AccessLog(logger.NewContextLogger(log)))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// API 版本组
	v1 := r.Group("/api/v1")

	v1.POST("/documents/plan", h.Session.PlanDocument)

	// 会话路由组
	sessions := v1.Group("/sessions")
	{
		sessions.POST("", h.Session.CreateSession)
		sessions.GET("", h.Session.ListSessions)
		sessions.GET("/:sessionId", h.Session.GetSession)
		sessions.POST("/:sessionId/files", h.Session.AppendFiles)
		sessions.GET("/:sessionId/files", h.Session.ListFiles)
		sessions.POST("/:sessionId/files/:index/retry", h.Session.RetryFile)
		sessions.GET("/:sessionId/results", h.Session.GetResults)
		sessions.POST("/:sessionId/retry", h.Session.RetryFailed)
		sessions.POST("/:sessionId/resume", h.Session.ResumeSession)
		sessions.GET("/:sessionId/progress", h.Session.GetProgress)
		sessions.POST("/:sessionId/cancel", h.Session.CancelSession)
	}
}
