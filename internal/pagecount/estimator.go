package pagecount

import (
	"context"
	"fmt"
	"io"

	"github.com/feichai0017/payslip-processor/internal/models"
	"github.com/feichai0017/payslip-processor/pkg/logger"
)

const (
	DefaultBytesPerPageKB       = 30
	ReceiptBytesPerPageKB       = 40
	DefaultSmallFileThresholdKB = 100
	DefaultMaxPages             = 2000
)

// Source is the random-access view of a document the page readers need.
type Source interface {
	io.ReaderAt
	io.ReadSeeker
}

// PageReader returns the authoritative page count of a document.
type PageReader interface {
	PageCount(ctx context.Context, src Source, size int64) (int, error)
}

// Config holds the size heuristic tunables.
type Config struct {
	BytesPerPageKB       int `yaml:"bytesPerPageKB"`
	SmallFileThresholdKB int `yaml:"smallFileThresholdKB"`
	MaxPages             int `yaml:"maxPages"`
}

// DefaultConfig is the profile for bulk payslip documents.
func DefaultConfig() Config {
	return Config{
		BytesPerPageKB:       DefaultBytesPerPageKB,
		SmallFileThresholdKB: DefaultSmallFileThresholdKB,
		MaxPages:             DefaultMaxPages,
	}
}

// ReceiptConfig is the profile for scanned receipts, which are heavier per page.
func ReceiptConfig() Config {
	cfg := DefaultConfig()
	cfg.BytesPerPageKB = ReceiptBytesPerPageKB
	return cfg
}

// ConfigForProfile maps a profile name to its config. Unknown names get the default.
func ConfigForProfile(profile string) Config {
	if profile == "receipt" {
		return ReceiptConfig()
	}
	return DefaultConfig()
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.BytesPerPageKB <= 0 {
		c.BytesPerPageKB = d.BytesPerPageKB
	}
	if c.SmallFileThresholdKB <= 0 {
		c.SmallFileThresholdKB = d.SmallFileThresholdKB
	}
	if c.MaxPages <= 0 {
		c.MaxPages = d.MaxPages
	}
	return c
}

// Heuristic estimates pages from the byte size alone.
func Heuristic(size int64, cfg Config) int {
	cfg = cfg.normalized()
	if size < int64(cfg.SmallFileThresholdKB)*1024 {
		return 1
	}
	perPage := int64(cfg.BytesPerPageKB) * 1024
	pages := int((size + perPage - 1) / perPage)
	return clamp(pages, cfg.MaxPages)
}

func clamp(pages, max int) int {
	if pages < 1 {
		return 1
	}
	if pages > max {
		return max
	}
	return pages
}

// Estimator 页数估算器
type Estimator struct {
	reader PageReader
	cfg    Config
	logger logger.Logger
}

// NewEstimator builds an estimator. reader may be nil, in which case every
// estimate is heuristic.
func NewEstimator(reader PageReader, cfg Config, log logger.Logger) *Estimator {
	return &Estimator{
		reader: reader,
		cfg:    cfg.normalized(),
		logger: log,
	}
}

// Config returns the effective tunables.
func (e *Estimator) Config() Config {
	return e.cfg
}

// Estimate never fails. A reader error or panic falls back to the size
// heuristic and is logged at warn level.
func (e *Estimator) Estimate(ctx context.Context, src Source, size int64) models.PageCountEstimate {
	if e.reader != nil && src != nil {
		pages, err := e.authoritative(ctx, src, size)
		if err == nil && pages >= 1 {
			// an exact count is never capped; MaxPages bounds the guess only
			return models.PageCountEstimate{
				PageCount: pages,
				Method:    models.MethodAuthoritative,
			}
		}
		if err == nil {
			err = fmt.Errorf("reader returned %d pages", pages)
		}
		e.logger.Warn("Authoritative page count failed, using size heuristic",
			logger.Int64("size", size),
			logger.Error(err),
		)
	}

	return models.PageCountEstimate{
		PageCount: Heuristic(size, e.cfg),
		Method:    models.MethodHeuristic,
	}
}

func (e *Estimator) authoritative(ctx context.Context, src Source, size int64) (pages int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("page reader panicked: %v", r)
		}
	}()
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to rewind source: %w", err)
	}
	return e.reader.PageCount(ctx, src, size)
}
