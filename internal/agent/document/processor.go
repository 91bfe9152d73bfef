package document

import (
	"context"
)

// Input is one file entry handed to a processor.
type Input struct {
	SessionID string
	UserID    string
	FileName  string
	SourceKey string
	Content   []byte
	// Hint is opaque metadata learned for this file-name pattern, may be nil.
	Hint map[string]string
}

// Outcome 处理结果
//
// Success=false maps to failed, Success && Skipped to skipped, and
// Success && !Skipped to completed.
type Outcome struct {
	Success bool                   `json:"success"`
	Skipped bool                   `json:"skipped"`
	Reason  string                 `json:"reason,omitempty"`
	Result  map[string]interface{} `json:"result,omitempty"`
}

func Completed(result map[string]interface{}) Outcome {
	return Outcome{Success: true, Result: result}
}

func Skipped(reason string) Outcome {
	return Outcome{Success: true, Skipped: true, Reason: reason}
}

func Failed(reason string) Outcome {
	return Outcome{Reason: reason}
}

// Processor 工资单处理器接口
type Processor interface {
	// Process extracts whatever the processor understands from one file.
	// A returned error is recorded as a failed file, never retried automatically.
	Process(ctx context.Context, in Input) (Outcome, error)

	// Close 清理资源
	Close() error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, in Input) (Outcome, error)

func (f ProcessorFunc) Process(ctx context.Context, in Input) (Outcome, error) {
	return f(ctx, in)
}

func (f ProcessorFunc) Close() error { return nil }
