package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	pipelineOnce   sync.Once
	pipelineConfig *PipelineConfig
	pipelineErr    error
)

// PipelineConfig holds the ingestion tunables read from YAML.
type PipelineConfig struct {
	Estimator EstimatorConfig `yaml:"estimator"`
	Splitter  SplitterConfig  `yaml:"splitter"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Processor ProcessorConfig `yaml:"processor"`
	Session   SessionConfig   `yaml:"session"`
	Hints     []HintRule      `yaml:"hints"`
}

type EstimatorConfig struct {
	// Profile is "bulk" (30 KB/page) or "receipt" (40 KB/page).
	Profile              string `yaml:"profile"`
	BytesPerPageKB       int    `yaml:"bytesPerPageKB"`
	SmallFileThresholdKB int    `yaml:"smallFileThresholdKB"`
	MaxPages             int    `yaml:"maxPages"`
	Authoritative        bool   `yaml:"authoritative"`
}

type SplitterConfig struct {
	MaxPagesPerBatch int `yaml:"maxPagesPerBatch"`
}

type IngestConfig struct {
	MaxFileSizeMB     int    `yaml:"maxFileSizeMB"`
	UploadConcurrency int    `yaml:"uploadConcurrency"`
	KeyPrefix         string `yaml:"keyPrefix"`
}

type ProcessorConfig struct {
	// Kind is "text" (ledongthuc/pdf) or "textract".
	Kind         string `yaml:"kind"`
	Dedupe       bool   `yaml:"dedupe"`
	MinTextChars int    `yaml:"minTextChars"`
}

type SessionConfig struct {
	MaxConflictRetries int `yaml:"maxConflictRetries"`
}

// HintRule attaches metadata to files whose name matches Pattern (path.Match syntax).
type HintRule struct {
	Pattern  string            `yaml:"pattern"`
	Metadata map[string]string `yaml:"metadata"`
}

// DefaultPipelineConfig returns the built-in tunables.
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		Estimator: EstimatorConfig{
			Profile:              "bulk",
			BytesPerPageKB:       30,
			SmallFileThresholdKB: 100,
			MaxPages:             2000,
			Authoritative:        true,
		},
		Splitter: SplitterConfig{MaxPagesPerBatch: 100},
		Ingest: IngestConfig{
			MaxFileSizeMB:     200,
			UploadConcurrency: 8,
			KeyPrefix:         "uploads",
		},
		Processor: ProcessorConfig{Kind: "text", Dedupe: true},
		Session:   SessionConfig{MaxConflictRetries: 5},
	}
}

// LoadPipelineConfig reads path over the defaults. A missing file is not an error.
func LoadPipelineConfig(p string) (*PipelineConfig, error) {
	cfg := DefaultPipelineConfig()

	data, err := os.ReadFile(p)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read pipeline config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse pipeline config %s: %w", p, err)
		}
	}

	if v := getEnv("ESTIMATOR_PROFILE", ""); v != "" {
		cfg.Estimator.Profile = v
		if v == "receipt" {
			cfg.Estimator.BytesPerPageKB = 40
		}
	}
	cfg.Splitter.MaxPagesPerBatch = getEnvInt("MAX_PAGES_PER_BATCH", cfg.Splitter.MaxPagesPerBatch)
	cfg.Processor.Kind = getEnv("PROCESSOR_KIND", cfg.Processor.Kind)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values that would break the pipeline.
func (c *PipelineConfig) Validate() error {
	if c.Estimator.BytesPerPageKB <= 0 {
		return fmt.Errorf("estimator.bytesPerPageKB must be positive, got %d", c.Estimator.BytesPerPageKB)
	}
	if c.Estimator.MaxPages <= 0 {
		return fmt.Errorf("estimator.maxPages must be positive, got %d", c.Estimator.MaxPages)
	}
	if c.Splitter.MaxPagesPerBatch <= 0 {
		return fmt.Errorf("splitter.maxPagesPerBatch must be positive, got %d", c.Splitter.MaxPagesPerBatch)
	}
	if c.Ingest.UploadConcurrency <= 0 {
		c.Ingest.UploadConcurrency = 1
	}
	switch c.Processor.Kind {
	case "text", "textract":
	default:
		return fmt.Errorf("unknown processor kind %q", c.Processor.Kind)
	}
	for _, h := range c.Hints {
		if _, err := path.Match(h.Pattern, ""); err != nil {
			return fmt.Errorf("bad hint pattern %q: %w", h.Pattern, err)
		}
	}
	return nil
}

// GetPipelineConfig loads PIPELINE_CONFIG (default config/pipeline.yaml) once.
func GetPipelineConfig() (*PipelineConfig, error) {
	pipelineOnce.Do(func() {
		loadEnv()
		pipelineConfig, pipelineErr = LoadPipelineConfig(getEnv("PIPELINE_CONFIG", "config/pipeline.yaml"))
	})
	return pipelineConfig, pipelineErr
}
