package splitter

import (
	"context"
	"fmt"
	"io"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/feichai0017/payslip-processor/internal/models"
)

// Page is one extracted page rendered as a standalone PDF.
type Page struct {
	Number int
	Data   []byte
}

// Extractor parses a source document once so its batches can be extracted
// without reading the source again.
type Extractor interface {
	Open(ctx context.Context, src io.ReadSeeker) (PageSource, error)
}

// PageSource turns batches of an opened document into independently
// processable pages.
type PageSource interface {
	// PageCount is the real number of pages in the document.
	PageCount() int
	Extract(ctx context.Context, batch models.Batch) ([]Page, error)
}

// PdfcpuExtractor extracts pages from a pdfcpu context.
type PdfcpuExtractor struct {
	conf *model.Configuration
}

func NewPdfcpuExtractor() *PdfcpuExtractor {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &PdfcpuExtractor{conf: conf}
}

// Open reads, validates and optimizes src a single time.
func (e *PdfcpuExtractor) Open(ctx context.Context, src io.ReadSeeker) (PageSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind source: %w", err)
	}
	// pdfcpu writes the command into the configuration
	conf := *e.conf
	conf.Cmd = model.EXTRACTPAGES

	pctx, err := api.ReadValidateAndOptimize(src, &conf)
	if err != nil {
		return nil, fmt.Errorf("failed to read pdf: %w", err)
	}
	return &pdfcpuSource{ctx: pctx}, nil
}

type pdfcpuSource struct {
	ctx *model.Context
}

func (p *pdfcpuSource) PageCount() int {
	return p.ctx.PageCount
}

// Extract returns the pages of batch that actually exist. An estimate that
// overshot the real page count yields a shorter (possibly empty) slice
// rather than an error.
func (p *pdfcpuSource) Extract(ctx context.Context, batch models.Batch) ([]Page, error) {
	end := batch.PageRangeEnd
	if end > p.ctx.PageCount {
		end = p.ctx.PageCount
	}

	var pages []Page
	for n := batch.PageRangeStart; n <= end; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := api.ExtractPage(p.ctx, n)
		if err != nil {
			return nil, fmt.Errorf("failed to extract page %d: %w", n, err)
		}
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to extract page %d: %w", n, err)
		}
		pages = append(pages, Page{Number: n, Data: data})
	}
	return pages, nil
}
