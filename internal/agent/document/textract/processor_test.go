package textract

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/payslip-processor/internal/agent/document"
	"github.com/feichai0017/payslip-processor/pkg/logger"
)

type fakeAnalyzer struct {
	blocks []types.Block
	err    error
	got    *textract.AnalyzeDocumentInput
}

func (f *fakeAnalyzer) AnalyzeDocument(ctx context.Context, in *textract.AnalyzeDocumentInput, _ ...func(*textract.Options)) (*textract.AnalyzeDocumentOutput, error) {
	f.got = in
	if f.err != nil {
		return nil, f.err
	}
	return &textract.AnalyzeDocumentOutput{Blocks: f.blocks}, nil
}

func word(id, text string) types.Block {
	return types.Block{Id: aws.String(id), BlockType: types.BlockTypeWord, Text: aws.String(text)}
}

func payslipBlocks() []types.Block {
	return []types.Block{
		{Id: aws.String("l1"), BlockType: types.BlockTypeLine, Text: aws.String("Net Pay: 1,650.40"), Confidence: aws.Float32(99)},
		{Id: aws.String("l2"), BlockType: types.BlockTypeLine, Text: aws.String("smudge"), Confidence: aws.Float32(20)},
		{
			Id: aws.String("k1"), BlockType: types.BlockTypeKeyValueSet,
			EntityTypes: []types.EntityType{types.EntityTypeKey},
			Relationships: []types.Relationship{
				{Type: types.RelationshipTypeChild, Ids: []string{"w1", "w2"}},
				{Type: types.RelationshipTypeValue, Ids: []string{"v1"}},
			},
		},
		{
			Id: aws.String("v1"), BlockType: types.BlockTypeKeyValueSet,
			EntityTypes:   []types.EntityType{types.EntityTypeValue},
			Relationships: []types.Relationship{{Type: types.RelationshipTypeChild, Ids: []string{"w3"}}},
		},
		word("w1", "Net"),
		word("w2", "Pay:"),
		word("w3", "1,650.40"),
	}
}

func TestProcess(t *testing.T) {
	fake := &fakeAnalyzer{blocks: payslipBlocks()}
	p := NewProcessorWithClient(fake, &Config{MinConfidence: 80, EnableForm: true}, logger.NewTestLogger())

	out, err := p.Process(context.Background(), document.Input{FileName: "a.pdf", Content: []byte("%PDF-")})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, 1, out.Result["lines"], "low confidence lines are dropped")
	assert.Equal(t, map[string]string{"Net Pay": "1,650.40"}, out.Result["fields"])
	assert.Equal(t, []types.FeatureType{types.FeatureTypeForms}, fake.got.FeatureTypes)
}

func TestProcessBlankAndError(t *testing.T) {
	p := NewProcessorWithClient(&fakeAnalyzer{}, &Config{MinConfidence: 80}, logger.NewTestLogger())
	out, err := p.Process(context.Background(), document.Input{FileName: "blank.pdf"})
	require.NoError(t, err)
	assert.Equal(t, document.Skipped("no text layer"), out)

	p = NewProcessorWithClient(&fakeAnalyzer{err: errors.New("throttled")}, &Config{}, logger.NewTestLogger())
	_, err = p.Process(context.Background(), document.Input{FileName: "x.pdf"})
	assert.ErrorContains(t, err, "throttled")
}
