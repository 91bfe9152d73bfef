// Package bootstrap builds the long-lived services shared by the server,
// the worker and the operator CLI from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"

	cfg "github.com/feichai0017/payslip-processor/config"
	"github.com/feichai0017/payslip-processor/internal/agent"
	"github.com/feichai0017/payslip-processor/internal/agent/document"
	"github.com/feichai0017/payslip-processor/internal/pagecount"
	"github.com/feichai0017/payslip-processor/internal/service/ingest"
	"github.com/feichai0017/payslip-processor/internal/service/resume"
	"github.com/feichai0017/payslip-processor/internal/service/session"
	"github.com/feichai0017/payslip-processor/internal/splitter"
	"github.com/feichai0017/payslip-processor/internal/utils/validator"
	"github.com/feichai0017/payslip-processor/pkg/logger"
	"github.com/feichai0017/payslip-processor/pkg/sessionstore"
	"github.com/feichai0017/payslip-processor/pkg/storage"
)

type App struct {
	Config   *cfg.AppConfig
	Pipeline *cfg.PipelineConfig
	Logger   logger.Logger

	Redis     *redis.Client
	Store     sessionstore.Store
	Storage   storage.Storage
	Sessions  *session.Manager
	Estimator *pagecount.Estimator
	Splitter  *splitter.Splitter
	Ingest    *ingest.Service
	Processor document.Processor
	Engine    *resume.Engine

	closers []io.Closer
}

// Options narrows what New builds.
type Options struct {
	// WithoutProcessor skips the per-file processor and the resume engine.
	WithoutProcessor bool
	// WithoutStorage skips object storage and the ingest service.
	WithoutStorage bool
}

// New builds the application from the environment and the pipeline file.
func New(ctx context.Context, log logger.Logger, opts Options) (*App, error) {
	pipeline, err := cfg.GetPipelineConfig()
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg.GetAppConfig(), Pipeline: pipeline, Logger: log}

	if err := a.initStore(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.Sessions = session.NewManager(a.Store, log.Named("session"),
		session.WithMaxConflictRetries(pipeline.Session.MaxConflictRetries),
	)

	a.Estimator = NewEstimator(pipeline.Estimator, log.Named("pagecount"))
	a.Splitter = splitter.NewSplitter(a.Estimator, pipeline.Splitter.MaxPagesPerBatch, log.Named("splitter"))

	if !opts.WithoutStorage {
		a.Storage, err = storage.NewStorage(ctx, storage.StorageType(a.Config.StorageType), log.Named("storage"))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		a.track(a.Storage)

		a.Ingest = ingest.NewService(a.Sessions, a.Splitter, splitter.NewPdfcpuExtractor(), a.Storage, log.Named("ingest"),
			ingest.WithUploadConcurrency(pipeline.Ingest.UploadConcurrency),
			ingest.WithKeyPrefix(pipeline.Ingest.KeyPrefix),
			ingest.WithValidator(validator.NewDocumentValidator(&validator.ValidatorConfig{
				MaxFileSize: int64(pipeline.Ingest.MaxFileSizeMB) * 1024 * 1024,
			})),
		)
	}

	if !opts.WithoutProcessor {
		a.ensureRedis(ctx)
		factory := agent.NewProcessorFactory(a.Redis, log.Named("agent"))
		a.Processor, err = factory.GetProcessor(ctx, pipeline.Processor)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.track(a.Processor)

		var loader resume.ContentLoader
		if a.Storage != nil {
			loader = resume.StorageLoader{Storage: a.Storage}
		}
		a.Engine = resume.NewEngine(a.Sessions, a.Processor, loader, agent.NewHintSource(pipeline.Hints), log.Named("resume"))
	}

	log.Info("Application initialized",
		logger.String("store", a.Config.StoreType),
		logger.String("storage", a.Config.StorageType),
		logger.String("processor", pipeline.Processor.Kind),
		logger.Int("maxPagesPerBatch", a.Splitter.MaxPagesPerBatch()),
	)
	return a, nil
}

// NewEstimator builds the page count estimator for the configured profile.
func NewEstimator(ec cfg.EstimatorConfig, log logger.Logger) *pagecount.Estimator {
	pc := pagecount.ConfigForProfile(ec.Profile)
	if ec.BytesPerPageKB > 0 {
		pc.BytesPerPageKB = ec.BytesPerPageKB
	}
	if ec.SmallFileThresholdKB > 0 {
		pc.SmallFileThresholdKB = ec.SmallFileThresholdKB
	}
	if ec.MaxPages > 0 {
		pc.MaxPages = ec.MaxPages
	}
	var reader pagecount.PageReader
	if ec.Authoritative {
		reader = pagecount.DefaultReader()
	}
	return pagecount.NewEstimator(reader, pc, log)
}

func (a *App) initStore(ctx context.Context) error {
	switch sessionstore.StoreType(a.Config.StoreType) {
	case sessionstore.StoreTypeRedis:
		client, err := a.connectRedis(ctx)
		if err != nil {
			return err
		}
		a.Redis = client
		a.track(client)
		a.Store = sessionstore.NewRedisStore(client, a.Logger.Named("sessionstore"))
	default:
		store, err := sessionstore.NewStore(ctx, sessionstore.StoreType(a.Config.StoreType), a.Logger.Named("sessionstore"))
		if err != nil {
			return fmt.Errorf("failed to initialize session store: %w", err)
		}
		a.Store = store
		a.track(store)
	}
	return nil
}

// ensureRedis connects for the duplicate index when the store did not.
// Without Redis duplicate detection stays process-local.
func (a *App) ensureRedis(ctx context.Context) {
	if a.Redis != nil || !a.Pipeline.Processor.Dedupe {
		return
	}
	client, err := a.connectRedis(ctx)
	if err != nil {
		a.Logger.Warn("Redis unavailable, duplicate detection is process-local", logger.Error(err))
		return
	}
	a.Redis = client
	a.track(client)
}

func (a *App) connectRedis(ctx context.Context) (*redis.Client, error) {
	rc := cfg.GetRedisConfig()
	client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func (a *App) track(v interface{}) {
	if c, ok := v.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}
}

// Close releases clients in reverse creation order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.Logger.Warn("Failed to close resource", logger.Error(err))
		}
	}
	a.closers = nil
}
