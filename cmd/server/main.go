package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/payslip-processor/api/handlers"
	"github.com/feichai0017/payslip-processor/api/routes"
	cfg "github.com/feichai0017/payslip-processor/config"
	"github.com/feichai0017/payslip-processor/internal/bootstrap"
	"github.com/feichai0017/payslip-processor/pkg/logger"
	"github.com/feichai0017/payslip-processor/pkg/queue"
)

func main() {
	appCfg := cfg.GetAppConfig()

	// init logger
	log, err := logger.NewLogger(
		logger.WithLevel(appCfg.LogLevel),
		logger.WithEncoding(appCfg.LogEncoding),
		logger.WithDevelopment(appCfg.LogDevelopment),
		logger.WithOutputPaths([]string{"stdout", "logs/app.log"}),
	)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx := context.Background()

	// the server only ingests and enqueues, processing happens in the worker
	app, err := bootstrap.New(ctx, log, bootstrap.Options{WithoutProcessor: true})
	if err != nil {
		log.Fatal("Failed to initialize application", logger.Error(err))
	}
	defer app.Close()

	var q queue.Queue
	asynqQueue, err := queue.GetQueue()
	if err != nil {
		log.Warn("Queue unavailable, resume and progress endpoints are disabled", logger.Error(err))
	} else {
		defer asynqQueue.Close()
		q = asynqQueue
	}

	if !appCfg.LogDevelopment {
		gin.SetMode(gin.ReleaseMode)
	}
	h := handlers.NewHandlers(app.Ingest, app.Sessions, q, log)
	r := gin.New()
	r.Use(gin.Recovery())
	routes.SetupRoutes(r, h, log.Named("http"))

	srv := &http.Server{
		Addr:    appCfg.HTTPAddr,
		Handler: r,
	}

	// start server
	go func() {
		log.Info("Server starting", logger.String("addr", appCfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error", logger.Error(err))
		}
	}()

	// wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", logger.Error(err))
	}
}
