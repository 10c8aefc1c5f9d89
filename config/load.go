package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk layout of a training run configuration.
type Config struct {
	Region   *RegionParams   `json:"region" yaml:"region"`
	Triton   *TritonParams   `json:"triton" yaml:"triton"`
	Pipeline *PipelineParams `json:"pipeline" yaml:"pipeline"`
}

// DefaultConfig returns a fresh copy of all default parameter sets.
func DefaultConfig() *Config {
	triton := *DefaultTritonParams
	pipeline := *DefaultPipelineParams
	return &Config{
		Region:   DefaultRegionParams.Clone(),
		Triton:   &triton,
		Pipeline: &pipeline,
	}
}

// ParseConfig decodes YAML on top of the defaults and validates the result.
// Keys absent from the document keep their default values.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if cfg.Region == nil {
		cfg.Region = DefaultRegionParams.Clone()
	}
	if cfg.Triton == nil {
		triton := *DefaultTritonParams
		cfg.Triton = &triton
	}
	if cfg.Pipeline == nil {
		pipeline := *DefaultPipelineParams
		cfg.Pipeline = &pipeline
	}
	if err := cfg.Region.Validate(); err != nil {
		return nil, err
	}
	if cfg.Pipeline.PrefetchDepth < 0 {
		return nil, errors.Wrapf(ErrInvalidParams, "prefetch_depth must not be negative, got %d", cfg.Pipeline.PrefetchDepth)
	}
	return cfg, nil
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return ParseConfig(data)
}
