package bootstrap

import (
	"bytes"
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfg "github.com/feichai0017/payslip-processor/config"
	"github.com/feichai0017/payslip-processor/internal/models"
	"github.com/feichai0017/payslip-processor/internal/service/ingest"
	"github.com/feichai0017/payslip-processor/internal/testutil"
	"github.com/feichai0017/payslip-processor/pkg/logger"
)

func TestNewEstimatorProfiles(t *testing.T) {
	log := logger.NewTestLogger()

	est := NewEstimator(cfg.EstimatorConfig{Profile: "receipt"}, log)
	assert.Equal(t, 40, est.Config().BytesPerPageKB)

	est = NewEstimator(cfg.EstimatorConfig{Profile: "bulk", BytesPerPageKB: 25, MaxPages: 50}, log)
	assert.Equal(t, 25, est.Config().BytesPerPageKB)
	assert.Equal(t, 50, est.Config().MaxPages)

	got := est.Estimate(context.Background(), nil, 10*1024*1024)
	assert.Equal(t, models.MethodHeuristic, got.Method)
	assert.Equal(t, 50, got.PageCount)
}

func TestNewEndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_ADDR", mr.Addr())
	t.Setenv("SESSION_STORE", "redis")
	t.Setenv("STORAGE_TYPE", "memory")
	t.Setenv("PIPELINE_CONFIG", t.TempDir()+"/missing.yaml")

	ctx := context.Background()
	app, err := New(ctx, logger.NewTestLogger(), Options{})
	require.NoError(t, err)
	defer app.Close()

	require.NotNil(t, app.Redis)
	require.NotNil(t, app.Ingest)
	require.NotNil(t, app.Engine)

	data := testutil.BuildPDF("Net pay: 1,250.00", "Net pay: 1,250.00", "")
	res, err := app.Ingest.CreateSession(ctx, "user-1", []ingest.Document{
		{Name: "june.pdf", Size: int64(len(data)), Content: bytes.NewReader(data)},
	})
	require.NoError(t, err)
	id := res.Session.ID

	out, err := app.Engine.Resume(ctx, id, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCompleted, out.Status)
	assert.Equal(t, 1, out.Completed)
	assert.Equal(t, 2, out.Skipped)

	s, err := app.Sessions.GetSessionState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.FileCompleted, s.Files[0].Status)
	assert.Equal(t, models.FileSkipped, s.Files[1].Status)
	assert.Contains(t, s.Files[1].Reason, "duplicate of june_page_0001.pdf")
	assert.Equal(t, models.FileSkipped, s.Files[2].Status)
	assert.Equal(t, "no text layer", s.Files[2].Reason)
	assert.True(t, s.CountersConsistent())
}
