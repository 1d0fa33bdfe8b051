package model

import (
	"os"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML decoding of values like "2h".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return goerr.Wrap(err, "invalid duration", goerr.V("value", node.Value))
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds all pipeline tuning knobs. It is injected explicitly into
// constructors, never read from globals.
type Config struct {
	// Memory
	InactivityThreshold Duration `yaml:"inactivity_threshold"`
	ContextTokenBudget  int      `yaml:"context_token_budget"`
	MaxBufferTurns      int      `yaml:"max_buffer_turns"`
	BufferTTL           Duration `yaml:"buffer_ttl"`

	// Analysis
	HistoryWindow     int `yaml:"history_window"`
	CondenseThreshold int `yaml:"condense_threshold"`

	// Retrieval
	DenseWeight       float64 `yaml:"dense_weight"`
	ScoreThreshold    float64 `yaml:"score_threshold"`
	TopK              int     `yaml:"top_k"`
	CitationThreshold float64 `yaml:"citation_threshold"`

	// Reasoning
	MaxIterations int `yaml:"max_iterations"`

	// Persistence
	SummaryInterval int `yaml:"summary_interval"`

	// Translation
	TranslationTTL Duration `yaml:"translation_ttl"`
}

// DefaultConfig returns the standard tuning values.
func DefaultConfig() Config {
	return Config{
		InactivityThreshold: Duration(2 * time.Hour),
		ContextTokenBudget:  2000,
		MaxBufferTurns:      20,
		BufferTTL:           Duration(time.Hour),
		HistoryWindow:       4,
		CondenseThreshold:   2000,
		DenseWeight:         0.8,
		ScoreThreshold:      0.45,
		TopK:                5,
		CitationThreshold:   0.6,
		MaxIterations:       5,
		SummaryInterval:     20,
		TranslationTTL:      Duration(24 * time.Hour),
	}
}

// LoadConfig overlays values from a YAML file onto the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, goerr.Wrap(err, "failed to read config file", goerr.V("path", path))
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, goerr.Wrap(err, "failed to parse config file", goerr.V("path", path))
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as silent
// misbehavior deep in the pipeline.
func (c *Config) Validate() error {
	if c.DenseWeight < 0 || c.DenseWeight > 1 {
		return goerr.New("dense_weight must be in [0,1]", goerr.V("value", c.DenseWeight))
	}
	if c.CitationThreshold < c.ScoreThreshold {
		return goerr.New("citation_threshold must not be below score_threshold",
			goerr.V("citation", c.CitationThreshold), goerr.V("score", c.ScoreThreshold))
	}
	if c.MaxIterations < 1 {
		return goerr.New("max_iterations must be positive", goerr.V("value", c.MaxIterations))
	}
	if c.TopK < 1 {
		return goerr.New("top_k must be positive", goerr.V("value", c.TopK))
	}
	return nil
}
