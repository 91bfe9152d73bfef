package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/payslip-processor/internal/agent/document"
	"github.com/feichai0017/payslip-processor/internal/models"
	"github.com/feichai0017/payslip-processor/internal/service/resume"
	"github.com/feichai0017/payslip-processor/pkg/logger"
	"github.com/feichai0017/payslip-processor/pkg/queue"
)

// Resumer runs one resume to completion.
type Resumer interface {
	Resume(ctx context.Context, sessionID string, onProgress resume.ProgressFunc, onFileComplete resume.FileCompleteFunc) (*resume.Outcome, error)
}

// ProgressStore records resume progress for pollers.
type ProgressStore interface {
	SaveProgress(ctx context.Context, p *queue.Progress) error
}

type ResumeWorker struct {
	BaseWorker
	engine   Resumer
	progress ProgressStore
}

func NewResumeWorker(cfg *Config, engine Resumer, progress ProgressStore, log logger.Logger) *ResumeWorker {
	w := &ResumeWorker{
		BaseWorker: newBaseWorker(cfg, log),
		engine:     engine,
		progress:   progress,
	}
	// 注册任务处理器
	w.mux.HandleFunc(queue.TaskTypeSessionResume, w.HandleResume)
	return w
}

// HandleResume runs the engine for the session named in the task payload.
// Sessions that are gone or cancelled are not retried; store failures are.
func (w *ResumeWorker) HandleResume(ctx context.Context, t *asynq.Task) error {
	var req queue.ResumeRequest
	if err := json.Unmarshal(t.Payload(), &req); err != nil {
		w.logger.Error("Failed to unmarshal task", logger.Error(err), logger.String("payload", string(t.Payload())))
		return fmt.Errorf("failed to unmarshal task: %v: %w", err, asynq.SkipRetry)
	}
	if req.SessionID == "" {
		return fmt.Errorf("invalid task data: missing session id: %w", asynq.SkipRetry)
	}

	log := w.logger.With(logger.String("sessionId", req.SessionID), logger.String("userId", req.UserID))
	log.Info("Processing resume task")

	p := &queue.Progress{SessionID: req.SessionID, Status: queue.ProgressRunning}
	w.save(ctx, t, p)

	onProgress := func(current, total int) {
		p.Current = current - 1
		p.Total = total
		w.save(ctx, t, p)
	}
	onFileComplete := func(fileName string, outcome document.Outcome) {
		p.Current++
		p.CurrentFile = fileName
		switch {
		case !outcome.Success:
			p.Failed++
		case outcome.Skipped:
			p.Skipped++
		default:
			p.Completed++
		}
		w.save(ctx, t, p)
	}

	out, err := w.engine.Resume(ctx, req.SessionID, onProgress, onFileComplete)
	if err != nil {
		p.Status = queue.ProgressFailed
		p.Error = err.Error()
		// ctx may already be done here
		w.save(context.WithoutCancel(ctx), t, p)

		if errors.Is(err, models.ErrSessionNotFound) || errors.Is(err, models.ErrSessionNotResumable) {
			log.Warn("Resume task dropped", logger.Error(err))
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		log.Error("Resume task failed", logger.Error(err))
		return err
	}

	p.Status = queue.ProgressCompleted
	if out.Cancelled {
		p.Status = queue.ProgressCancelled
	}
	p.SessionStatus = string(out.Status)
	if out.Total > 0 {
		p.Total = out.Total
	}
	w.save(ctx, t, p)

	log.Info("Resume task finished",
		logger.String("status", string(out.Status)),
		logger.Int("processed", out.Processed),
	)
	return nil
}

func (w *ResumeWorker) save(ctx context.Context, t *asynq.Task, p *queue.Progress) {
	if err := w.progress.SaveProgress(ctx, p); err != nil {
		w.logger.Warn("Failed to save resume progress", logger.String("sessionId", p.SessionID), logger.Error(err))
	}
	// 写入任务结果
	if rw := t.ResultWriter(); rw != nil {
		data, err := json.Marshal(p)
		if err == nil {
			_, err = rw.Write(data)
		}
		if err != nil {
			w.logger.Warn("Failed to write task result", logger.Error(err))
		}
	}
}
