package textract

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"

	"github.com/feichai0017/payslip-processor/internal/agent/document"
	"github.com/feichai0017/payslip-processor/pkg/logger"
)

// Analyzer is the subset of the Textract client the processor needs.
type Analyzer interface {
	AnalyzeDocument(ctx context.Context, params *textract.AnalyzeDocumentInput, optFns ...func(*textract.Options)) (*textract.AnalyzeDocumentOutput, error)
}

type Config struct {
	Region        string
	Endpoint      string
	AccessKey     string
	SecretKey     string
	MinConfidence float32
	EnableTable   bool
	EnableForm    bool
}

// Processor sends single-page payslips to Textract AnalyzeDocument and keeps
// the key/value pairs it finds.
type Processor struct {
	client Analyzer
	logger logger.Logger
	config *Config
}

func NewProcessor(ctx context.Context, cfg *Config, log logger.Logger) (*Processor, error) {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")

	// load aws config
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	client := textract.NewFromConfig(awsCfg, func(o *textract.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewProcessorWithClient(client, cfg, log), nil
}

func NewProcessorWithClient(client Analyzer, cfg *Config, log logger.Logger) *Processor {
	return &Processor{client: client, logger: log, config: cfg}
}

func (p *Processor) featureTypes() []types.FeatureType {
	var ft []types.FeatureType
	if p.config.EnableForm {
		ft = append(ft, types.FeatureTypeForms)
	}
	if p.config.EnableTable {
		ft = append(ft, types.FeatureTypeTables)
	}
	if len(ft) == 0 {
		ft = append(ft, types.FeatureTypeForms)
	}
	return ft
}

func (p *Processor) Process(ctx context.Context, in document.Input) (document.Outcome, error) {
	out, err := p.client.AnalyzeDocument(ctx, &textract.AnalyzeDocumentInput{
		Document:     &types.Document{Bytes: in.Content},
		FeatureTypes: p.featureTypes(),
	})
	if err != nil {
		return document.Outcome{}, fmt.Errorf("failed to analyze document: %w", err)
	}

	lines := p.processBlocks(out.Blocks)
	if len(lines) == 0 {
		return document.Skipped("no text layer"), nil
	}

	result := map[string]interface{}{
		"source": "textract",
		"lines":  len(lines),
	}
	if p.config.EnableForm {
		forms := p.processForms(out.Blocks)
		if len(forms) > 0 {
			fields := make(map[string]string, len(forms))
			for _, f := range forms {
				fields[f.Key] = f.Value
			}
			result["fields"] = fields
		}
	}
	if p.config.EnableTable {
		if n := countTables(out.Blocks); n > 0 {
			result["tables"] = n
		}
	}
	if len(in.Hint) > 0 {
		result["hint"] = in.Hint
	}

	p.logger.Debug("Textract analysis done",
		logger.String("file", in.FileName),
		logger.Int("lines", len(lines)),
	)
	return document.Completed(result), nil
}

func (p *Processor) Close() error {
	// textract client doesn't need special cleanup
	return nil
}

// helper method: process text blocks
func (p *Processor) processBlocks(blocks []types.Block) []string {
	var texts []string
	for _, block := range blocks {
		if block.BlockType == types.BlockTypeLine &&
			block.Text != nil &&
			block.Confidence != nil &&
			*block.Confidence >= p.config.MinConfidence {
			texts = append(texts, *block.Text)
		}
	}
	return texts
}

func countTables(blocks []types.Block) int {
	n := 0
	for _, block := range blocks {
		if block.BlockType == types.BlockTypeTable {
			n++
		}
	}
	return n
}

// FormField 表单字段
type FormField struct {
	Key   string
	Value string
}

func (p *Processor) processForms(blocks []types.Block) []FormField {
	byID := make(map[string]types.Block, len(blocks))
	for _, b := range blocks {
		if b.Id != nil {
			byID[*b.Id] = b
		}
	}

	var forms []FormField
	for _, block := range blocks {
		if block.BlockType != types.BlockTypeKeyValueSet || len(block.EntityTypes) == 0 || block.EntityTypes[0] != types.EntityTypeKey {
			continue
		}
		key := childText(block, byID)
		value := ""
		for _, rel := range block.Relationships {
			if rel.Type != types.RelationshipTypeValue {
				continue
			}
			for _, id := range rel.Ids {
				if vb, ok := byID[id]; ok {
					value = childText(vb, byID)
				}
			}
		}
		key = strings.TrimSuffix(key, ":")
		if key != "" && value != "" {
			forms = append(forms, FormField{Key: key, Value: value})
		}
	}
	return forms
}

func childText(block types.Block, byID map[string]types.Block) string {
	var text strings.Builder
	for _, rel := range block.Relationships {
		if rel.Type != types.RelationshipTypeChild {
			continue
		}
		for _, id := range rel.Ids {
			if child, ok := byID[id]; ok && child.Text != nil {
				text.WriteString(*child.Text)
				text.WriteString(" ")
			}
		}
	}
	return strings.TrimSpace(text.String())
}
