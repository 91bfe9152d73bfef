package pagecount

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// PDFReader counts pages with ledongthuc/pdf. It only parses the xref and
// page tree, so it is cheap for well-formed files.
type PDFReader struct{}

func NewPDFReader() *PDFReader {
	return &PDFReader{}
}

func (r *PDFReader) PageCount(ctx context.Context, src Source, size int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	doc, err := pdf.NewReader(src, size)
	if err != nil {
		return 0, fmt.Errorf("failed to open pdf: %w", err)
	}
	return doc.NumPage(), nil
}

// PdfcpuReader counts pages with pdfcpu in relaxed validation mode, which
// tolerates more broken producers than ledongthuc/pdf.
type PdfcpuReader struct {
	conf *model.Configuration
}

func NewPdfcpuReader() *PdfcpuReader {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &PdfcpuReader{conf: conf}
}

func (r *PdfcpuReader) PageCount(ctx context.Context, src Source, size int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := api.PageCount(src, r.conf)
	if err != nil {
		return 0, fmt.Errorf("pdfcpu page count: %w", err)
	}
	return n, nil
}

type chain []PageReader

// FirstOf tries each reader in order and returns the first positive count.
func FirstOf(readers ...PageReader) PageReader {
	return chain(readers)
}

func (c chain) PageCount(ctx context.Context, src Source, size int64) (int, error) {
	var errs []error
	for _, r := range c {
		if _, err := src.Seek(0, io.SeekStart); err != nil {
			return 0, err
		}
		n, err := safeCount(ctx, r, src, size)
		if err == nil && n >= 1 {
			return n, nil
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return 0, errors.New("no reader produced a page count")
	}
	return 0, errors.Join(errs...)
}

func safeCount(ctx context.Context, r PageReader, src Source, size int64) (n int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("page reader panicked: %v", rec)
		}
	}()
	return r.PageCount(ctx, src, size)
}

// DefaultReader is ledongthuc/pdf with pdfcpu as fallback.
func DefaultReader() PageReader {
	return FirstOf(NewPDFReader(), NewPdfcpuReader())
}
