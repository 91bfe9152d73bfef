package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/payslip-processor/api/handlers"
	"github.com/feichai0017/payslip-processor/internal/models"
	"github.com/feichai0017/payslip-processor/internal/pagecount"
	"github.com/feichai0017/payslip-processor/internal/service/ingest"
	"github.com/feichai0017/payslip-processor/internal/service/session"
	"github.com/feichai0017/payslip-processor/internal/splitter"
	"github.com/feichai0017/payslip-processor/internal/testutil"
	"github.com/feichai0017/payslip-processor/pkg/logger"
	"github.com/feichai0017/payslip-processor/pkg/queue"
	"github.com/feichai0017/payslip-processor/pkg/sessionstore"
	"github.com/feichai0017/payslip-processor/pkg/storage"
)

type fakeQueue struct {
	mu        sync.Mutex
	queued    map[string]bool
	progress  map[string]*queue.Progress
	cancelled []string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{queued: map[string]bool{}, progress: map[string]*queue.Progress{}}
}

func (q *fakeQueue) EnqueueResume(ctx context.Context, req *queue.ResumeRequest) (*queue.EnqueueResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.queued[req.SessionID] {
		return &queue.EnqueueResult{TaskID: req.SessionID, Queue: queue.QueueDefault, AlreadyQueued: true}, nil
	}
	q.queued[req.SessionID] = true
	q.progress[req.SessionID] = &queue.Progress{SessionID: req.SessionID, Status: queue.ProgressQueued}
	return &queue.EnqueueResult{TaskID: req.SessionID, Queue: queue.QueueDefault}, nil
}

func (q *fakeQueue) CancelResume(ctx context.Context, sessionID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = append(q.cancelled, sessionID)
	was := q.queued[sessionID]
	delete(q.queued, sessionID)
	return was, nil
}

func (q *fakeQueue) SaveProgress(ctx context.Context, p *queue.Progress) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.progress[p.SessionID] = p
	return nil
}

func (q *fakeQueue) GetProgress(ctx context.Context, sessionID string) (*queue.Progress, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.progress[sessionID]
	if !ok {
		return nil, queue.ErrProgressNotFound
	}
	return p, nil
}

type apiHarness struct {
	router   *gin.Engine
	sessions *session.Manager
	queue    *fakeQueue
}

func newAPI(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.NewTestLogger()

	sessions := session.NewManager(sessionstore.NewMemoryStore(), log)
	est := pagecount.NewEstimator(pagecount.DefaultReader(), pagecount.DefaultConfig(), log)
	svc := ingest.NewService(sessions, splitter.NewSplitter(est, 100, log), splitter.NewPdfcpuExtractor(), storage.NewMemoryStorage(), log)
	q := newFakeQueue()

	r := gin.New()
	SetupRoutes(r, handlers.NewHandlers(svc, sessions, q, log), log)
	return &apiHarness{router: r, sessions: sessions, queue: q}
}

func (h *apiHarness) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func uploadRequest(t *testing.T, method, url, field string, files map[string][]byte, extra map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for name, data := range files {
		fw, err := mw.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	for k, v := range extra {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(method, url, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

type summary struct {
	SessionID    string   `json:"sessionId"`
	Status       string   `json:"status"`
	TotalFiles   int      `json:"totalFiles"`
	PendingFiles int      `json:"pendingFiles"`
	FailedFiles  int      `json:"failedFiles"`
	FileNames    []string `json:"fileNames"`
}

func (h *apiHarness) createSession(t *testing.T, pages int) summary {
	t.Helper()
	req := uploadRequest(t, http.MethodPost, "/api/v1/sessions", "files",
		map[string][]byte{"march.pdf": testutil.NPagePDF(pages)}, nil)
	req.Header.Set("X-User-ID", "user-1")
	w := h.do(t, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Session summary `json:"session"`
	}
	decode(t, w, &resp)
	return resp.Session
}

func TestCreateAndGetSession(t *testing.T) {
	h := newAPI(t)
	created := h.createSession(t, 3)
	assert.Equal(t, "active", created.Status)
	assert.Equal(t, 3, created.TotalFiles)
	assert.Equal(t, []string{"march_page_0001.pdf", "march_page_0002.pdf", "march_page_0003.pdf"}, created.FileNames)

	w := h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+created.SessionID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var got summary
	decode(t, w, &got)
	assert.Equal(t, created.SessionID, got.SessionID)
	assert.Equal(t, 3, got.PendingFiles)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.Header.Set("X-User-ID", "user-1")
	w = h.do(t, req)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Sessions []summary `json:"sessions"`
	}
	decode(t, w, &list)
	require.Len(t, list.Sessions, 1)
}

func TestCreateSessionValidation(t *testing.T) {
	h := newAPI(t)

	req := uploadRequest(t, http.MethodPost, "/api/v1/sessions", "files", map[string][]byte{"a.pdf": testutil.NPagePDF(1)}, nil)
	assert.Equal(t, http.StatusBadRequest, h.do(t, req).Code)

	req = uploadRequest(t, http.MethodPost, "/api/v1/sessions", "files", map[string][]byte{"notes.txt": []byte("hello")}, nil)
	req.Header.Set("X-User-ID", "user-1")
	assert.Equal(t, http.StatusUnprocessableEntity, h.do(t, req).Code)

	req = uploadRequest(t, http.MethodPost, "/api/v1/sessions", "other", map[string][]byte{"a.pdf": testutil.NPagePDF(1)}, nil)
	req.Header.Set("X-User-ID", "user-1")
	assert.Equal(t, http.StatusBadRequest, h.do(t, req).Code)
}

func TestUnknownSessionIs404(t *testing.T) {
	h := newAPI(t)
	for _, path := range []string{"/api/v1/sessions/nope", "/api/v1/sessions/nope/files", "/api/v1/sessions/nope/progress"} {
		w := h.do(t, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}

func TestResumeAndCancel(t *testing.T) {
	h := newAPI(t)
	s := h.createSession(t, 2)

	w := h.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+s.SessionID+"/resume", nil))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var queued map[string]interface{}
	decode(t, w, &queued)
	assert.Equal(t, false, queued["alreadyQueued"])

	w = h.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+s.SessionID+"/resume", nil))
	decode(t, w, &queued)
	assert.Equal(t, true, queued["alreadyQueued"])

	w = h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+s.SessionID+"/progress", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"queued"`)

	w = h.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+s.SessionID+"/cancel", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var cancelled struct {
		Session  summary `json:"session"`
		Dequeued bool    `json:"dequeued"`
	}
	decode(t, w, &cancelled)
	assert.Equal(t, "cancelled", cancelled.Session.Status)
	assert.True(t, cancelled.Dequeued)
	assert.Equal(t, []string{s.SessionID}, h.queue.cancelled)

	w = h.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+s.SessionID+"/resume", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRetryEndpoints(t *testing.T) {
	h := newAPI(t)
	s := h.createSession(t, 2)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := h.sessions.UpdateFileStatus(ctx, s.SessionID, i, models.FileProcessing, "", nil)
		require.NoError(t, err)
		_, err = h.sessions.UpdateFileStatus(ctx, s.SessionID, i, models.FileFailed, "unreadable", nil)
		require.NoError(t, err)
	}
	_, err := h.sessions.CompleteSession(ctx, s.SessionID)
	require.NoError(t, err)

	w := h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+s.SessionID+"/files?status=failed", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, strings.Count(w.Body.String(), `"unreadable"`))

	w = h.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+s.SessionID+"/files?status=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+s.SessionID+"/files/0/retry", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got summary
	decode(t, w, &got)
	assert.Equal(t, "active", got.Status)
	assert.Equal(t, 1, got.PendingFiles)

	w = h.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+s.SessionID+"/files/0/retry", nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+s.SessionID+"/files/9/retry", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+s.SessionID+"/files/x/retry", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+s.SessionID+"/retry", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var all struct {
		Session summary `json:"session"`
		Retried int     `json:"retried"`
	}
	decode(t, w, &all)
	assert.Equal(t, 1, all.Retried)
	assert.Equal(t, 2, all.Session.PendingFiles)
}

func TestAppendFilesWithReactivation(t *testing.T) {
	h := newAPI(t)
	s := h.createSession(t, 1)
	ctx := context.Background()
	_, err := h.sessions.UpdateFileStatus(ctx, s.SessionID, 0, models.FileProcessing, "", nil)
	require.NoError(t, err)
	_, err = h.sessions.UpdateFileStatus(ctx, s.SessionID, 0, models.FileCompleted, "", nil)
	require.NoError(t, err)
	_, err = h.sessions.CompleteSession(ctx, s.SessionID)
	require.NoError(t, err)

	files := map[string][]byte{"april.pdf": testutil.NPagePDF(2)}
	w := h.do(t, uploadRequest(t, http.MethodPost, "/api/v1/sessions/"+s.SessionID+"/files", "files", files, nil))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(t, uploadRequest(t, http.MethodPost, "/api/v1/sessions/"+s.SessionID+"/files", "files", files, map[string]string{"reactivate": "true"}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Session summary `json:"session"`
	}
	decode(t, w, &resp)
	assert.Equal(t, "active", resp.Session.Status)
	assert.Equal(t, 3, resp.Session.TotalFiles)
	assert.Equal(t, 2, resp.Session.PendingFiles)
}

func TestPlanDocument(t *testing.T) {
	h := newAPI(t)
	req := uploadRequest(t, http.MethodPost, "/api/v1/documents/plan", "file", map[string][]byte{"big.pdf": testutil.NPagePDF(3)}, nil)
	w := h.do(t, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Plan splitter.Plan `json:"plan"`
	}
	decode(t, w, &resp)
	assert.Equal(t, 3, resp.Plan.Estimate.PageCount)
	assert.Equal(t, models.MethodAuthoritative, resp.Plan.Estimate.Method)
	require.Len(t, resp.Plan.Batches, 1)
	assert.Equal(t, 3, resp.Plan.Batches[0].PageRangeEnd)
}

func TestHealth(t *testing.T) {
	h := newAPI(t)
	w := h.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
