package resume

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/feichai0017/payslip-processor/internal/agent/document"
	"github.com/feichai0017/payslip-processor/internal/models"
	"github.com/feichai0017/payslip-processor/internal/service/session"
	"github.com/feichai0017/payslip-processor/pkg/logger"
	"github.com/feichai0017/payslip-processor/pkg/storage"
)

// ProgressFunc is called before each file with a 1-based position and the
// number of files pending when the run started.
type ProgressFunc func(current, total int)

// FileCompleteFunc is called after each file with the processor outcome.
type FileCompleteFunc func(fileName string, outcome document.Outcome)

// ContentLoader fetches the bytes of a file entry.
type ContentLoader interface {
	Load(ctx context.Context, entry models.FileEntry) ([]byte, error)
}

// StorageLoader reads entries from object storage by SourceKey.
type StorageLoader struct {
	Storage storage.Storage
}

func (l StorageLoader) Load(ctx context.Context, entry models.FileEntry) ([]byte, error) {
	if entry.SourceKey == "" {
		return nil, fmt.Errorf("file %q has no stored content", entry.FileName)
	}
	return storage.ReadAll(ctx, l.Storage, entry.SourceKey)
}

// Outcome summarises one Resume call.
type Outcome struct {
	SessionID   string               `json:"sessionId"`
	Status      models.SessionStatus `json:"status"`
	Total       int                  `json:"total"`
	Processed   int                  `json:"processed"`
	Completed   int                  `json:"completed"`
	Failed      int                  `json:"failed"`
	Skipped     int                  `json:"skipped"`
	Recovered   int                  `json:"recovered"`
	Cancelled   bool                 `json:"cancelled"`
	AlreadyDone bool                 `json:"alreadyDone"`
	Duration    time.Duration        `json:"duration"`
}

// Engine drives the pending entries of a session to a terminal status, one
// file at a time, persisting after every transition.
type Engine struct {
	sessions  *session.Manager
	processor document.Processor
	loader    ContentLoader
	hints     document.HintSource
	logger    logger.Logger

	running sync.Map
}

func NewEngine(sessions *session.Manager, processor document.Processor, loader ContentLoader, hints document.HintSource, log logger.Logger) *Engine {
	if hints == nil {
		hints = document.NoHints{}
	}
	return &Engine{
		sessions:  sessions,
		processor: processor,
		loader:    loader,
		hints:     hints,
		logger:    log,
	}
}

// Resume processes every pending entry of the session in submission order.
// Per-file failures are recorded on the entry and never abort the run; only
// store failures do, as *models.IncompleteResumeError. Calling Resume on a
// session without pending work is a no-op that completes it if needed.
func (e *Engine) Resume(ctx context.Context, sessionID string, onProgress ProgressFunc, onFileComplete FileCompleteFunc) (*Outcome, error) {
	if _, busy := e.running.LoadOrStore(sessionID, struct{}{}); busy {
		return nil, fmt.Errorf("%w: %s", models.ErrResumeInProgress, sessionID)
	}
	defer e.running.Delete(sessionID)

	start := time.Now()
	log := e.logger.With(logger.String("sessionId", sessionID))

	s, err := e.sessions.GetSessionState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status == models.SessionCancelled {
		return nil, fmt.Errorf("%w: session %s is cancelled", models.ErrSessionNotResumable, sessionID)
	}

	out := &Outcome{SessionID: sessionID, Status: s.Status}

	if hasInFlight(s) {
		recovered, n, err := e.sessions.RecoverInterrupted(ctx, sessionID)
		if err != nil {
			return nil, e.incomplete(sessionID, 0, 0, err)
		}
		s = recovered
		out.Recovered = n
	}

	pending := s.PendingIndices()
	if len(pending) == 0 {
		out.AlreadyDone = true
		if s.Status == models.SessionActive {
			done, err := e.sessions.CompleteSession(ctx, sessionID)
			if err != nil {
				return nil, e.incomplete(sessionID, 0, 0, err)
			}
			s = done
		}
		out.Status = s.Status
		out.Duration = time.Since(start)
		log.Info("Nothing to resume", logger.String("status", string(s.Status)))
		return out, nil
	}

	if s.Status == models.SessionFailed || s.Status == models.SessionCompleted {
		if _, err := e.sessions.UpdateSessionStatus(ctx, sessionID, models.SessionActive); err != nil {
			return nil, e.incomplete(sessionID, 0, len(pending), err)
		}
		log.Info("Session reactivated", logger.String("from", string(s.Status)))
	}

	out.Total = len(pending)
	log.Info("Resuming session", logger.Int("pending", out.Total))

	for i, idx := range pending {
		if err := ctx.Err(); err != nil {
			return nil, e.incomplete(sessionID, out.Processed, out.Total, err)
		}

		// cancellation is only observed between files
		cur, err := e.sessions.GetSessionState(ctx, sessionID)
		if err != nil {
			return nil, e.incomplete(sessionID, out.Processed, out.Total, err)
		}
		if cur.Status == models.SessionCancelled {
			out.Cancelled = true
			log.Info("Session cancelled, stopping resume", logger.Int("processed", out.Processed))
			break
		}
		entry := cur.Files[idx]
		if entry.Status != models.FilePending {
			continue
		}

		if onProgress != nil {
			onProgress(i+1, out.Total)
		}

		if _, err := e.sessions.UpdateFileStatus(ctx, sessionID, idx, models.FileProcessing, "", nil); err != nil {
			if errors.Is(err, models.ErrSessionTerminal) {
				// moved out of active elsewhere; the final read decides whether it was a cancel
				log.Info("Session left active state, stopping resume", logger.Int("processed", out.Processed))
				break
			}
			return nil, e.incomplete(sessionID, out.Processed, out.Total, err)
		}

		result := e.processFile(ctx, cur, entry)
		if err := ctx.Err(); err != nil {
			// left in processing; the next run moves it back to pending
			return nil, e.incomplete(sessionID, out.Processed, out.Total, err)
		}
		status := statusFor(result)
		if _, err := e.sessions.UpdateFileStatus(ctx, sessionID, idx, status, result.Reason, result.Result); err != nil {
			return nil, e.incomplete(sessionID, out.Processed, out.Total, err)
		}

		out.Processed++
		switch status {
		case models.FileCompleted:
			out.Completed++
		case models.FileSkipped:
			out.Skipped++
		case models.FileFailed:
			out.Failed++
			log.Warn("File failed",
				logger.Int("index", idx),
				logger.String("file", entry.FileName),
				logger.String("reason", result.Reason),
			)
		}

		if onFileComplete != nil {
			onFileComplete(entry.FileName, result)
		}
	}

	final, err := e.sessions.GetSessionState(ctx, sessionID)
	if err != nil {
		return nil, e.incomplete(sessionID, out.Processed, out.Total, err)
	}
	if final.Status == models.SessionActive && final.Counts().Pending == 0 {
		final, err = e.sessions.CompleteSession(ctx, sessionID)
		if err != nil {
			return nil, e.incomplete(sessionID, out.Processed, out.Total, err)
		}
	}

	out.Status = final.Status
	out.Cancelled = out.Cancelled || final.Status == models.SessionCancelled
	out.Duration = time.Since(start)
	log.Info("Resume finished",
		logger.String("status", string(out.Status)),
		logger.Int("processed", out.Processed),
		logger.Int("completed", out.Completed),
		logger.Int("failed", out.Failed),
		logger.Int("skipped", out.Skipped),
		logger.Duration("duration", out.Duration),
	)
	return out, nil
}

// processFile never fails: loader errors, processor errors and panics all
// become a failed outcome carrying the message.
func (e *Engine) processFile(ctx context.Context, s *models.UploadSession, entry models.FileEntry) (out document.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Processor panicked",
				logger.String("sessionId", s.ID),
				logger.String("file", entry.FileName),
				logger.Any("panic", r),
			)
			out = document.Failed(fmt.Sprintf("processor panic: %v", r))
		}
	}()

	var content []byte
	if e.loader != nil {
		data, err := e.loader.Load(ctx, entry)
		if err != nil {
			return document.Failed(err.Error())
		}
		content = data
	}

	res, err := e.processor.Process(ctx, document.Input{
		SessionID: s.ID,
		UserID:    s.UserID,
		FileName:  entry.FileName,
		SourceKey: entry.SourceKey,
		Content:   content,
		Hint:      e.hints.HintFor(entry.FileName),
	})
	if err != nil {
		return document.Failed(err.Error())
	}
	if !res.Success && res.Reason == "" {
		res.Reason = "processor reported failure"
	}
	return res
}

// hasInFlight reports entries left in processing by a run that died.
func hasInFlight(s *models.UploadSession) bool {
	for _, f := range s.Files {
		if f.Status == models.FileProcessing {
			return true
		}
	}
	return false
}

func statusFor(o document.Outcome) models.FileStatus {
	switch {
	case !o.Success:
		return models.FileFailed
	case o.Skipped:
		return models.FileSkipped
	default:
		return models.FileCompleted
	}
}

func (e *Engine) incomplete(sessionID string, saved, total int, err error) error {
	e.logger.Error("Resume did not complete",
		logger.String("sessionId", sessionID),
		logger.Int("saved", saved),
		logger.Int("total", total),
		logger.Error(err),
	)
	return &models.IncompleteResumeError{SessionID: sessionID, Saved: saved, Total: total, Err: err}
}
