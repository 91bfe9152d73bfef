package splitter

import (
	"context"

	"github.com/feichai0017/payslip-processor/internal/models"
	"github.com/feichai0017/payslip-processor/internal/pagecount"
	"github.com/feichai0017/payslip-processor/pkg/logger"
)

const DefaultMaxPagesPerBatch = 100

// Split partitions [1, pageCount] into contiguous batches of at most
// maxPagesPerBatch pages. Batch IDs start at 1 and every batch starts
// pending. pageCount < 1 is treated as 1 and maxPagesPerBatch < 1 as the
// default.
func Split(pageCount, maxPagesPerBatch int) []models.Batch {
	if pageCount < 1 {
		pageCount = 1
	}
	if maxPagesPerBatch < 1 {
		maxPagesPerBatch = DefaultMaxPagesPerBatch
	}

	// 单页快速路径
	if pageCount == 1 {
		return []models.Batch{{
			ID:             1,
			TotalBatches:   1,
			PageRangeStart: 1,
			PageRangeEnd:   1,
			Status:         models.BatchPending,
		}}
	}

	total := (pageCount + maxPagesPerBatch - 1) / maxPagesPerBatch
	batches := make([]models.Batch, 0, total)
	for i := 0; i < total; i++ {
		start := i*maxPagesPerBatch + 1
		end := start + maxPagesPerBatch - 1
		if end > pageCount {
			end = pageCount
		}
		batches = append(batches, models.Batch{
			ID:             i + 1,
			TotalBatches:   total,
			PageRangeStart: start,
			PageRangeEnd:   end,
			Status:         models.BatchPending,
		})
	}
	return batches
}

// Extend appends batches covering the pages after the last batch up to
// pageCount and renumbers TotalBatches. It returns batches unchanged when
// they already reach pageCount.
func Extend(batches []models.Batch, pageCount, maxPagesPerBatch int) []models.Batch {
	if len(batches) == 0 {
		return Split(pageCount, maxPagesPerBatch)
	}
	if maxPagesPerBatch < 1 {
		maxPagesPerBatch = DefaultMaxPagesPerBatch
	}
	last := batches[len(batches)-1]
	if last.PageRangeEnd >= pageCount {
		return batches
	}

	out := append([]models.Batch(nil), batches...)
	for start := last.PageRangeEnd + 1; start <= pageCount; start += maxPagesPerBatch {
		end := start + maxPagesPerBatch - 1
		if end > pageCount {
			end = pageCount
		}
		out = append(out, models.Batch{
			ID:             len(out) + 1,
			PageRangeStart: start,
			PageRangeEnd:   end,
			Status:         models.BatchPending,
		})
	}
	for i := range out {
		out[i].TotalBatches = len(out)
	}
	return out
}

// Plan is the result of sizing one document.
type Plan struct {
	Estimate models.PageCountEstimate `json:"estimate"`
	Batches  []models.Batch           `json:"batches"`
}

// Splitter combines the page count estimator with Split.
type Splitter struct {
	estimator        *pagecount.Estimator
	maxPagesPerBatch int
	logger           logger.Logger
}

func NewSplitter(estimator *pagecount.Estimator, maxPagesPerBatch int, log logger.Logger) *Splitter {
	if maxPagesPerBatch < 1 {
		maxPagesPerBatch = DefaultMaxPagesPerBatch
	}
	return &Splitter{
		estimator:        estimator,
		maxPagesPerBatch: maxPagesPerBatch,
		logger:           log,
	}
}

func (s *Splitter) MaxPagesPerBatch() int {
	return s.maxPagesPerBatch
}

// Plan estimates the page count of src and splits it into batches.
func (s *Splitter) Plan(ctx context.Context, src pagecount.Source, size int64) Plan {
	est := s.estimator.Estimate(ctx, src, size)
	batches := Split(est.PageCount, s.maxPagesPerBatch)
	s.logger.Debug("Document planned",
		logger.Int("pages", est.PageCount),
		logger.String("method", string(est.Method)),
		logger.Int("batches", len(batches)),
	)
	return Plan{Estimate: est, Batches: batches}
}
