package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	cfg "github.com/feichai0017/payslip-processor/config"
	"github.com/feichai0017/payslip-processor/internal/agent/document"
	"github.com/feichai0017/payslip-processor/internal/agent/document/dedupe"
	"github.com/feichai0017/payslip-processor/internal/agent/document/pdf"
	"github.com/feichai0017/payslip-processor/internal/agent/document/textract"
	"github.com/feichai0017/payslip-processor/pkg/logger"
)

// ProcessorKind 处理器类型
type ProcessorKind string

const (
	KindText     ProcessorKind = "text"
	KindTextract ProcessorKind = "textract"
)

// ProcessorFactory builds the per-file processor selected by configuration.
type ProcessorFactory struct {
	redis  *redis.Client
	logger logger.Logger
}

// NewProcessorFactory creates a factory. redisClient may be nil, in which
// case duplicate detection is process-local.
func NewProcessorFactory(redisClient *redis.Client, log logger.Logger) *ProcessorFactory {
	return &ProcessorFactory{redis: redisClient, logger: log}
}

func (f *ProcessorFactory) dedupeIndex() dedupe.Index {
	if f.redis != nil {
		return dedupe.NewRedisIndex(f.redis, 0)
	}
	return dedupe.NewMemoryIndex()
}

// GetProcessor returns the processor for kind.
func (f *ProcessorFactory) GetProcessor(ctx context.Context, pc cfg.ProcessorConfig) (document.Processor, error) {
	kind := ProcessorKind(strings.ToLower(pc.Kind))
	f.logger.Info("Getting processor", logger.String("kind", string(kind)))

	switch kind {
	case KindText, "":
		opts := []pdf.Option{pdf.WithMinTextChars(pc.MinTextChars)}
		if pc.Dedupe {
			opts = append(opts, pdf.WithDedupe(f.dedupeIndex()))
		}
		return pdf.NewProcessor(f.logger.Named("pdf"), opts...), nil

	case KindTextract:
		textractCfg := cfg.GetTextractConfig()
		p, err := textract.NewProcessor(ctx, &textract.Config{
			Region:        textractCfg.Region,
			Endpoint:      textractCfg.Endpoint,
			AccessKey:     textractCfg.AccessKey,
			SecretKey:     textractCfg.SecretKey,
			MinConfidence: 80.0,
			EnableForm:    true,
			EnableTable:   true,
		}, f.logger.Named("textract"))
		if err != nil {
			return nil, fmt.Errorf("failed to create textract processor: %w", err)
		}
		return p, nil

	default:
		f.logger.Error("Unsupported processor kind", logger.String("kind", string(kind)))
		return nil, fmt.Errorf("unsupported processor kind: %s", kind)
	}
}

// NewHintSource turns configured hint rules into a document.HintSource.
func NewHintSource(rules []cfg.HintRule) document.HintSource {
	if len(rules) == 0 {
		return document.NoHints{}
	}
	hints := make(document.GlobHints, len(rules))
	for i, r := range rules {
		hints[i] = document.HintRule{Pattern: r.Pattern, Metadata: r.Metadata}
	}
	return hints
}
