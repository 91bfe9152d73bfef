package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/feichai0017/payslip-processor/internal/models"
	"github.com/feichai0017/payslip-processor/internal/pagecount"
	"github.com/feichai0017/payslip-processor/internal/service/session"
	"github.com/feichai0017/payslip-processor/internal/splitter"
	"github.com/feichai0017/payslip-processor/internal/utils/validator"
	"github.com/feichai0017/payslip-processor/pkg/logger"
	"github.com/feichai0017/payslip-processor/pkg/storage"
)

const (
	DefaultUploadConcurrency = 5
	DefaultKeyPrefix         = "uploads"
)

// Document is one uploaded source document.
type Document struct {
	Name    string
	Size    int64
	Content pagecount.Source
}

// BatchReport 批次处理报告
type BatchReport struct {
	models.Batch
	Pages int    `json:"pages"`
	Error string `json:"error,omitempty"`
}

// DocumentReport describes how one document was turned into file entries.
type DocumentReport struct {
	Name          string                   `json:"name"`
	Hash          string                   `json:"hash"`
	Estimate      models.PageCountEstimate `json:"estimate"`
	Batches       []BatchReport            `json:"batches"`
	Units         int                      `json:"units"`
	WholeDocument bool                     `json:"wholeDocument"`
}

// Result is returned by CreateSession and AppendToSession.
type Result struct {
	UploadID  string                `json:"uploadId"`
	Session   *models.UploadSession `json:"session"`
	Documents []DocumentReport      `json:"documents"`
}

type Option func(*Service)

func WithUploadConcurrency(n int) Option {
	return func(s *Service) { s.concurrency = n }
}

func WithKeyPrefix(prefix string) Option {
	return func(s *Service) { s.keyPrefix = strings.Trim(prefix, "/") }
}

func WithValidator(v *validator.DocumentValidator) Option {
	return func(s *Service) { s.validator = v }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// Service turns uploaded PDFs into session entries: validate, plan, extract
// pages, upload them and register one entry per page.
type Service struct {
	sessions  *session.Manager
	splitter  *splitter.Splitter
	extractor splitter.Extractor
	storage   storage.Storage
	validator *validator.DocumentValidator
	logger    logger.Logger

	concurrency int
	keyPrefix   string
	newID       func() string
}

func NewService(sessions *session.Manager, sp *splitter.Splitter, extractor splitter.Extractor, store storage.Storage, log logger.Logger, opts ...Option) *Service {
	s := &Service{
		sessions:    sessions,
		splitter:    sp,
		extractor:   extractor,
		storage:     store,
		validator:   validator.NewDocumentValidator(nil),
		logger:      log,
		concurrency: DefaultUploadConcurrency,
		keyPrefix:   DefaultKeyPrefix,
		newID:       func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.concurrency < 1 {
		s.concurrency = DefaultUploadConcurrency
	}
	return s
}

// CreateSession ingests docs into a new session owned by userID.
func (s *Service) CreateSession(ctx context.Context, userID string, docs []Document) (*Result, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", models.ErrInvalidInput)
	}
	res, refs, err := s.ingest(ctx, docs)
	if err != nil {
		return nil, err
	}

	sess, err := s.sessions.CreateSessionWithRefs(ctx, userID, refs)
	if err != nil {
		s.discard(refs)
		return nil, err
	}
	res.Session = sess

	s.logger.Info("Upload session created",
		logger.String("sessionId", sess.ID),
		logger.String("userId", userID),
		logger.String("uploadId", res.UploadID),
		logger.Int("documents", len(docs)),
		logger.Int("files", len(refs)),
	)
	return res, nil
}

// AppendToSession ingests docs into an existing session. When reactivate is
// set a completed or failed session is moved back to active first.
func (s *Service) AppendToSession(ctx context.Context, sessionID string, docs []Document, reactivate bool) (*Result, error) {
	current, err := s.sessions.GetSessionState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if current.Status == models.SessionCancelled {
		return nil, fmt.Errorf("%w: session %s is cancelled", models.ErrSessionTerminal, sessionID)
	}
	if current.Status != models.SessionActive && !reactivate {
		return nil, fmt.Errorf("%w: session %s is %s", models.ErrSessionTerminal, sessionID, current.Status)
	}

	res, refs, err := s.ingest(ctx, docs)
	if err != nil {
		return nil, err
	}

	if current.Status != models.SessionActive {
		if _, err := s.sessions.UpdateSessionStatus(ctx, sessionID, models.SessionActive); err != nil {
			s.discard(refs)
			return nil, err
		}
	}
	sess, err := s.sessions.AppendFileRefs(ctx, sessionID, refs)
	if err != nil {
		s.discard(refs)
		return nil, err
	}
	res.Session = sess

	s.logger.Info("Files appended to session",
		logger.String("sessionId", sessionID),
		logger.String("uploadId", res.UploadID),
		logger.Int("files", len(refs)),
	)
	return res, nil
}

// Plan sizes a document without extracting or storing anything.
func (s *Service) Plan(ctx context.Context, doc Document) splitter.Plan {
	return s.splitter.Plan(ctx, doc.Content, doc.Size)
}

type upload struct {
	key  string
	data []byte
}

func (s *Service) ingest(ctx context.Context, docs []Document) (*Result, []models.FileRef, error) {
	if len(docs) == 0 {
		return nil, nil, fmt.Errorf("%w: at least one document is required", models.ErrInvalidInput)
	}

	// 先校验全部文档，任何上传之前拒绝无效输入
	hashes := make([]string, len(docs))
	for i, doc := range docs {
		check, err := s.validator.Validate(doc.Name, doc.Size, doc.Content)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to validate %s: %w", doc.Name, err)
		}
		if !check.IsValid {
			return nil, nil, fmt.Errorf("%w: %s: %s", models.ErrInvalidInput, doc.Name, check.Summary())
		}
		hashes[i] = check.FileInfo.Hash
	}

	res := &Result{UploadID: s.newID(), Documents: make([]DocumentReport, 0, len(docs))}
	var refs []models.FileRef
	for i, doc := range docs {
		report, docRefs, err := s.ingestDocument(ctx, i, doc, res.UploadID)
		if err != nil {
			s.discard(refs)
			return nil, nil, err
		}
		report.Hash = hashes[i]
		res.Documents = append(res.Documents, report)
		refs = append(refs, docRefs...)
	}
	return res, refs, nil
}

// ingestDocument plans one document, parses it once and then extracts and
// uploads it batch by batch, so at most one batch of pages is held in
// memory. A failed batch does not affect its siblings; if no page could be
// extracted the whole document becomes a single unit. On error every page
// already stored for the document is removed.
func (s *Service) ingestDocument(ctx context.Context, docIdx int, doc Document, uploadID string) (DocumentReport, []models.FileRef, error) {
	plan := s.splitter.Plan(ctx, doc.Content, doc.Size)
	report := DocumentReport{Name: doc.Name, Estimate: plan.Estimate}
	log := s.logger.With(logger.String("document", doc.Name), logger.String("uploadId", uploadID))

	var refs []models.FileRef
	fail := func(err error) (DocumentReport, []models.FileRef, error) {
		s.discard(refs)
		return report, nil, err
	}

	batches := plan.Batches
	src, openErr := s.extractor.Open(ctx, doc.Content)
	switch {
	case openErr != nil && ctx.Err() != nil:
		return report, nil, ctx.Err()
	case openErr != nil:
		log.Warn("Document could not be parsed for extraction", logger.Error(openErr))
	case src.PageCount() > plan.Estimate.PageCount:
		// the size heuristic undershot; cover the real page count
		log.Warn("Estimate missed pages, extending batches",
			logger.Int("estimated", plan.Estimate.PageCount),
			logger.Int("actual", src.PageCount()),
		)
		batches = splitter.Extend(batches, src.PageCount(), s.splitter.MaxPagesPerBatch())
	}

	base := strings.TrimSuffix(path.Base(doc.Name), path.Ext(doc.Name))
	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		batch.Status = models.BatchProcessing
		br := BatchReport{Batch: batch}

		var pages []splitter.Page
		err := openErr
		if err == nil {
			pages, err = src.Extract(ctx, batch)
		}
		if err != nil {
			if ctx.Err() != nil {
				return fail(ctx.Err())
			}
			br.Status = models.BatchError
			br.Error = err.Error()
			log.Warn("Batch extraction failed",
				logger.Int("batch", batch.ID),
				logger.Int("from", batch.PageRangeStart),
				logger.Int("to", batch.PageRangeEnd),
				logger.Error(err),
			)
			report.Batches = append(report.Batches, br)
			continue
		}

		batchRefs := make([]models.FileRef, 0, len(pages))
		uploads := make([]upload, 0, len(pages))
		for _, p := range pages {
			ref := models.FileRef{
				Name:           fmt.Sprintf("%s_page_%04d.pdf", base, p.Number),
				SourceKey:      fmt.Sprintf("%s/%s/%d/page-%04d.pdf", s.keyPrefix, uploadID, docIdx, p.Number),
				SourceDocument: doc.Name,
				Page:           p.Number,
			}
			batchRefs = append(batchRefs, ref)
			uploads = append(uploads, upload{key: ref.SourceKey, data: p.Data})
		}
		if err := s.uploadAll(ctx, uploads); err != nil {
			return fail(err)
		}
		refs = append(refs, batchRefs...)

		br.Status = models.BatchCompleted
		br.Pages = len(pages)
		report.Batches = append(report.Batches, br)
	}

	if len(refs) == 0 {
		data, err := readAll(doc.Content)
		if err != nil {
			return report, nil, fmt.Errorf("failed to read %s: %w", doc.Name, err)
		}
		log.Warn("No pages extracted, registering whole document")
		ref := models.FileRef{
			Name:           path.Base(doc.Name),
			SourceKey:      fmt.Sprintf("%s/%s/%d/document.pdf", s.keyPrefix, uploadID, docIdx),
			SourceDocument: doc.Name,
		}
		if err := s.uploadAll(ctx, []upload{{key: ref.SourceKey, data: data}}); err != nil {
			return report, nil, err
		}
		report.WholeDocument = true
		refs = append(refs, ref)
	}
	report.Units = len(refs)
	return report, refs, nil
}

func (s *Service) uploadAll(ctx context.Context, uploads []upload) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	var mu sync.Mutex
	var stored []string
	for _, u := range uploads {
		g.Go(func() error {
			if err := s.storage.Put(gctx, u.key, bytes.NewReader(u.data), int64(len(u.data)), "application/pdf"); err != nil {
				return fmt.Errorf("failed to upload %s: %w", u.key, err)
			}
			mu.Lock()
			stored = append(stored, u.key)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.logger.Error("Upload failed", logger.Int("stored", len(stored)), logger.Error(err))
		s.deleteKeys(stored)
		return err
	}
	return nil
}

// discard removes uploaded pages that never made it into a session.
func (s *Service) discard(refs []models.FileRef) {
	keys := make([]string, 0, len(refs))
	for _, r := range refs {
		keys = append(keys, r.SourceKey)
	}
	s.deleteKeys(keys)
}

func (s *Service) deleteKeys(keys []string) {
	for _, key := range keys {
		if err := s.storage.Delete(context.Background(), key); err != nil {
			s.logger.Warn("Failed to delete orphaned upload", logger.String("key", key), logger.Error(err))
		}
	}
}

func readAll(r io.ReadSeeker) ([]byte, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}
