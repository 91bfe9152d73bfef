package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/payslip-processor/internal/agent/document"
	"github.com/feichai0017/payslip-processor/internal/models"
	"github.com/feichai0017/payslip-processor/internal/service/resume"
	"github.com/feichai0017/payslip-processor/internal/service/session"
	"github.com/feichai0017/payslip-processor/pkg/logger"
	"github.com/feichai0017/payslip-processor/pkg/queue"
	"github.com/feichai0017/payslip-processor/pkg/sessionstore"
)

type recordingProgress struct {
	mu    sync.Mutex
	saved []queue.Progress
}

func (r *recordingProgress) SaveProgress(ctx context.Context, p *queue.Progress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, *p)
	return nil
}

func (r *recordingProgress) last() queue.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saved[len(r.saved)-1]
}

type resumerFunc func(ctx context.Context, id string, onProgress resume.ProgressFunc, onFile resume.FileCompleteFunc) (*resume.Outcome, error)

func (f resumerFunc) Resume(ctx context.Context, id string, onProgress resume.ProgressFunc, onFile resume.FileCompleteFunc) (*resume.Outcome, error) {
	return f(ctx, id, onProgress, onFile)
}

func newWorker(t *testing.T, engine Resumer) (*ResumeWorker, *recordingProgress) {
	t.Helper()
	mr := miniredis.RunT(t)
	progress := &recordingProgress{}
	w := NewResumeWorker(&Config{
		RedisOpt:    asynq.RedisClientOpt{Addr: mr.Addr()},
		Concurrency: 1,
		Queues:      queue.Queues,
	}, engine, progress, logger.NewTestLogger())
	return w, progress
}

func resumeTask(t *testing.T, sessionID string) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(queue.ResumeRequest{SessionID: sessionID, UserID: "u1"})
	require.NoError(t, err)
	return asynq.NewTask(queue.TaskTypeSessionResume, payload)
}

func TestHandleResumeRecordsProgress(t *testing.T) {
	store := sessionstore.NewMemoryStore()
	log := logger.NewTestLogger()
	sessions := session.NewManager(store, log)
	ctx := context.Background()
	s, err := sessions.CreateSession(ctx, "u1", []string{"a.pdf", "b.pdf", "c.pdf"})
	require.NoError(t, err)

	p := document.ProcessorFunc(func(ctx context.Context, in document.Input) (document.Outcome, error) {
		switch in.FileName {
		case "b.pdf":
			return document.Failed("unreadable"), nil
		case "c.pdf":
			return document.Skipped("no text layer"), nil
		}
		return document.Completed(nil), nil
	})
	engine := resume.NewEngine(sessions, p, nil, nil, log)

	w, progress := newWorker(t, engine)
	require.NoError(t, w.HandleResume(ctx, resumeTask(t, s.ID)))

	final := progress.last()
	assert.Equal(t, queue.ProgressCompleted, final.Status)
	assert.Equal(t, 3, final.Current)
	assert.Equal(t, 3, final.Total)
	assert.Equal(t, 1, final.Completed)
	assert.Equal(t, 1, final.Failed)
	assert.Equal(t, 1, final.Skipped)
	assert.Equal(t, "c.pdf", final.CurrentFile)
	assert.Equal(t, string(models.SessionCompleted), final.SessionStatus)

	assert.Equal(t, queue.ProgressRunning, progress.saved[0].Status)
}

func TestHandleResumeSkipsRetryForGoneSessions(t *testing.T) {
	for _, sentinel := range []error{models.ErrSessionNotFound, models.ErrSessionNotResumable} {
		w, progress := newWorker(t, resumerFunc(func(ctx context.Context, id string, _ resume.ProgressFunc, _ resume.FileCompleteFunc) (*resume.Outcome, error) {
			return nil, fmt.Errorf("%w: %s", sentinel, id)
		}))

		err := w.HandleResume(context.Background(), resumeTask(t, "s1"))
		require.Error(t, err)
		assert.ErrorIs(t, err, asynq.SkipRetry)
		assert.ErrorIs(t, err, sentinel)
		assert.Equal(t, queue.ProgressFailed, progress.last().Status)
	}
}

func TestHandleResumeRetriesPersistenceFailures(t *testing.T) {
	w, progress := newWorker(t, resumerFunc(func(ctx context.Context, id string, _ resume.ProgressFunc, _ resume.FileCompleteFunc) (*resume.Outcome, error) {
		return nil, &models.IncompleteResumeError{SessionID: id, Saved: 2, Total: 5, Err: errors.New("redis down")}
	}))

	err := w.HandleResume(context.Background(), resumeTask(t, "s1"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))

	var incomplete *models.IncompleteResumeError
	assert.ErrorAs(t, err, &incomplete)
	assert.Contains(t, progress.last().Error, "redis down")
}

func TestHandleResumeCancelled(t *testing.T) {
	w, progress := newWorker(t, resumerFunc(func(ctx context.Context, id string, _ resume.ProgressFunc, _ resume.FileCompleteFunc) (*resume.Outcome, error) {
		return &resume.Outcome{SessionID: id, Status: models.SessionCancelled, Cancelled: true, Total: 4}, nil
	}))

	require.NoError(t, w.HandleResume(context.Background(), resumeTask(t, "s1")))
	assert.Equal(t, queue.ProgressCancelled, progress.last().Status)
}

func TestHandleResumeBadPayload(t *testing.T) {
	w, _ := newWorker(t, resumerFunc(func(context.Context, string, resume.ProgressFunc, resume.FileCompleteFunc) (*resume.Outcome, error) {
		t.Fatal("engine must not run")
		return nil, nil
	}))

	err := w.HandleResume(context.Background(), asynq.NewTask(queue.TaskTypeSessionResume, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = w.HandleResume(context.Background(), asynq.NewTask(queue.TaskTypeSessionResume, []byte(`{"userId":"u1"}`)))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
