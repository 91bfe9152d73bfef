package config

import (
	"sync"
	"time"
)

var (
	appOnce   sync.Once
	appConfig *AppConfig
)

// AppConfig 进程级配置
type AppConfig struct {
	HTTPAddr         string
	StorageType      string // s3 | minio | gcs | memory
	StoreType        string // redis | firestore | memory
	LogLevel         string
	LogEncoding      string
	LogDevelopment   bool
	WorkerCount      int
	ResumeTimeout    time.Duration
	ResumeMaxRetries int
}

func GetAppConfig() *AppConfig {
	appOnce.Do(func() {
		loadEnv()

		appConfig = &AppConfig{
			HTTPAddr:         getEnv("HTTP_ADDR", ":8080"),
			StorageType:      getEnv("STORAGE_TYPE", "minio"),
			StoreType:        getEnv("SESSION_STORE", "redis"),
			LogLevel:         getEnv("LOG_LEVEL", "info"),
			LogEncoding:      getEnv("LOG_ENCODING", "json"),
			LogDevelopment:   getEnvBool("LOG_DEVELOPMENT", false),
			WorkerCount:      getEnvInt("WORKER_CONCURRENCY", 4),
			ResumeTimeout:    getEnvDuration("RESUME_TIMEOUT", 2*time.Hour),
			ResumeMaxRetries: getEnvInt("RESUME_MAX_RETRIES", 3),
		}
	})
	return appConfig
}
