package config

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"digitpad/internal/dataset"
)

// Backends a config may name.
const (
	BackendCNN    = "cnn"
	BackendLinear = "linear"
)

// Config captures the runtime knobs for a training session.
type Config struct {
	ImagesURL           string  `yaml:"images_url"`
	LabelsURL           string  `yaml:"labels_url"`
	CacheDir            string  `yaml:"cache_dir"`
	Steps               int     `yaml:"steps"`
	BatchSize           int     `yaml:"batch_size"`
	ValidationBatchSize int     `yaml:"validation_batch_size"`
	ValidationEvery     int     `yaml:"validation_every"`
	LearningRate        float64 `yaml:"learning_rate"`
	Seed                int64   `yaml:"seed"`
	LogEvery            int     `yaml:"log_every"`
	Model               string  `yaml:"model"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	ImagesURL           string
	LabelsURL           string
	CacheDir            string
	Steps               int
	BatchSize           int
	ValidationBatchSize int
	ValidationEvery     int
	LearningRate        float64
	Seed                int64
	LogEvery            int
	Model               string
}

// Default returns the settings the browser demo trained with.
func Default() *Config {
	return &Config{
		ImagesURL:           dataset.DefaultImagesURL,
		LabelsURL:           dataset.DefaultLabelsURL,
		Steps:               200,
		BatchSize:           64,
		ValidationBatchSize: 1000,
		ValidationEvery:     5,
		LearningRate:        0.15,
		Seed:                42,
		LogEvery:            50,
		Model:               BackendCNN,
	}
}

// Load reads and validates a Config from YAML. Keys missing from the file
// keep their Default value.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	cfg, err := parseYAML(f)
	if err != nil {
		return nil, errors.Wrap(err, "parse config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.ImagesURL != "" {
		c.ImagesURL = o.ImagesURL
	}
	if o.LabelsURL != "" {
		c.LabelsURL = o.LabelsURL
	}
	if o.CacheDir != "" {
		c.CacheDir = o.CacheDir
	}
	if o.Steps > 0 {
		c.Steps = o.Steps
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.ValidationBatchSize > 0 {
		c.ValidationBatchSize = o.ValidationBatchSize
	}
	if o.ValidationEvery > 0 {
		c.ValidationEvery = o.ValidationEvery
	}
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.Model != "" {
		c.Model = o.Model
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.ImagesURL == "" || c.LabelsURL == "" {
		return errors.New("both images_url and labels_url must be set")
	}
	if c.Steps < 0 {
		return errors.Errorf("steps must be >= 0 (got %d)", c.Steps)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.ValidationBatchSize <= 0 {
		return errors.Errorf("validation_batch_size must be > 0 (got %d)", c.ValidationBatchSize)
	}
	if c.ValidationEvery <= 0 {
		return errors.Errorf("validation_every must be > 0 (got %d)", c.ValidationEvery)
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("learning_rate must be > 0 (got %v)", c.LearningRate)
	}
	switch c.Model {
	case BackendCNN, BackendLinear:
	default:
		return errors.Errorf("model must be %q or %q (got %q)", BackendCNN, BackendLinear, c.Model)
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 50
	}
	return nil
}

func parseYAML(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, err
	}
	return cfg, nil
}
