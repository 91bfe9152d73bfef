package pdf

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/feichai0017/payslip-processor/internal/agent/document"
	"github.com/feichai0017/payslip-processor/internal/agent/document/dedupe"
	"github.com/feichai0017/payslip-processor/pkg/logger"
)

// Processor reads the text layer of a payslip page with ledongthuc/pdf,
// skips blank and duplicate pages, and extracts the common payslip fields.
type Processor struct {
	index        dedupe.Index
	minTextChars int
	logger       logger.Logger
}

// Option configures the processor.
type Option func(*Processor)

// WithDedupe turns on duplicate detection against idx.
func WithDedupe(idx dedupe.Index) Option {
	return func(p *Processor) { p.index = idx }
}

// WithMinTextChars sets how many non-space characters make a text layer.
func WithMinTextChars(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.minTextChars = n
		}
	}
}

func NewProcessor(log logger.Logger, opts ...Option) *Processor {
	p := &Processor{
		minTextChars: 1,
		logger:       log,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Processor) Process(ctx context.Context, in document.Input) (document.Outcome, error) {
	text, pages, err := extractText(ctx, in.Content)
	if err != nil {
		return document.Outcome{}, err
	}

	if countNonSpace(text) < p.minTextChars {
		p.logger.Debug("Page has no text layer", logger.String("file", in.FileName))
		return document.Skipped("no text layer"), nil
	}

	hash := dedupe.Hash(text)
	if p.index != nil {
		identity := in.SourceKey
		if identity == "" {
			identity = in.SessionID + "/" + in.FileName
		}
		first, dup, err := p.index.Claim(ctx, in.UserID, hash, dedupe.Owner{FileName: in.FileName, Identity: identity})
		if err != nil {
			return document.Outcome{}, fmt.Errorf("duplicate check failed: %w", err)
		}
		if dup {
			p.logger.Info("Duplicate payslip skipped",
				logger.String("file", in.FileName),
				logger.String("duplicateOf", first.FileName),
			)
			return document.Skipped("duplicate of " + first.FileName), nil
		}
	}

	result := map[string]interface{}{
		"pages":      pages,
		"textHash":   hash,
		"characters": len(text),
	}
	if fields := ExtractFields(text); len(fields) > 0 {
		result["fields"] = fields
	}
	if len(in.Hint) > 0 {
		result["hint"] = in.Hint
	}
	return document.Completed(result), nil
}

// Close 实现 document.Processor 接口的 Close 方法
func (p *Processor) Close() error {
	// PDF处理器没有需要清理的资源
	return nil
}

func extractText(ctx context.Context, content []byte) (string, int, error) {
	// 创建一个bytes.Reader，它实现了io.ReaderAt接口
	reader := bytes.NewReader(content)
	pdfReader, err := pdf.NewReader(reader, reader.Size())
	if err != nil {
		return "", 0, fmt.Errorf("failed to open pdf: %w", err)
	}

	numPages := pdfReader.NumPage()
	var sb strings.Builder
	for i := 1; i <= numPages; i++ {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}
		page := pdfReader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", 0, fmt.Errorf("failed to get text from page %d: %w", i, err)
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return sb.String(), numPages, nil
}

func countNonSpace(s string) int {
	n := 0
	for _, r := range s {
		if r != ' ' && r != '\n' && r != '\t' && r != '\r' {
			n++
		}
	}
	return n
}
