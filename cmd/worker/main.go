package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	cfg "github.com/feichai0017/payslip-processor/config"
	"github.com/feichai0017/payslip-processor/internal/bootstrap"
	"github.com/feichai0017/payslip-processor/pkg/logger"
	"github.com/feichai0017/payslip-processor/pkg/queue"
	"github.com/feichai0017/payslip-processor/pkg/worker"
)

func main() {
	appCfg := cfg.GetAppConfig()

	// 初始化日志
	log, err := logger.NewLogger(
		logger.WithLevel(appCfg.LogLevel),
		logger.WithEncoding(appCfg.LogEncoding),
		logger.WithDevelopment(appCfg.LogDevelopment),
		logger.WithOutputPaths([]string{"stdout", "logs/worker.log"}),
	)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 初始化会话、存储与处理器
	app, err := bootstrap.New(ctx, log, bootstrap.Options{})
	if err != nil {
		log.Error("Failed to initialize application", logger.Error(err))
		os.Exit(1)
	}
	defer app.Close()

	// 进度写入队列所在的 Redis
	q, err := queue.GetQueue()
	if err != nil {
		log.Error("Failed to connect queue", logger.Error(err))
		os.Exit(1)
	}
	defer q.Close()

	resumeWorker := worker.NewResumeWorker(&worker.Config{
		RedisOpt:        queue.RedisOpt(),
		Concurrency:     appCfg.WorkerCount,
		Queues:          queue.Queues,
		ShutdownTimeout: 30 * time.Second,
	}, app.Engine, q, log.Named("worker"))

	// 启动 worker
	if err := resumeWorker.Start(ctx); err != nil {
		log.Error("Failed to start worker", logger.Error(err))
		os.Exit(1)
	}
	log.Info("Worker started", logger.Int("concurrency", appCfg.WorkerCount))

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	// 优雅关闭
	log.Info("Shutting down worker...")
	resumeWorker.Stop()
	log.Info("Worker stopped")
}
