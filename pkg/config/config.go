// Package config provides configuration loading and management for neurovalidate.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Environment variables that override values from the configuration file.
const (
	EnvModelPath  = "NEUROVALIDATE_MODEL"
	EnvServingURL = "NEUROVALIDATE_SERVING_URL"
	EnvLogFile    = "LOG_FILE"
)

// Model backends.
const (
	BackendONNX    = "onnx"
	BackendServing = "serving"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Model selects and configures the inference backend
	Model struct {
		// Backend is either "onnx" or "serving"
		Backend string `yaml:"backend"`

		// Path is the ONNX model file
		Path string `yaml:"path"`

		// SharedLibraryPath is the onnxruntime shared library
		SharedLibraryPath string `yaml:"sharedLibraryPath"`

		// InputName and OutputName are the ONNX graph tensor names
		InputName  string `yaml:"inputName"`
		OutputName string `yaml:"outputName"`

		// IntraOpThreads limits ONNX Runtime intra-op parallelism
		IntraOpThreads int `yaml:"intraOpThreads"`

		// ServingURL and ServingName address a model server
		ServingURL  string `yaml:"servingURL"`
		ServingName string `yaml:"servingName"`

		// TimeoutSeconds bounds each request to the model server
		TimeoutSeconds int `yaml:"timeoutSeconds"`

		// Channels is the number of class scores the model emits per voxel
		Channels int `yaml:"channels"`

		// Activation is applied to model outputs: none, softmax or sigmoid.
		// With none the model must already emit probabilities; entropy and
		// variance are computed on the raw scores.
		Activation string `yaml:"activation"`
	} `yaml:"model"`

	// Prediction parameters
	Prediction struct {
		// BlockShape is the sub-volume size fed to the model
		BlockShape [3]int `yaml:"blockShape"`

		// BatchSize is the number of blocks per forward pass
		BatchSize int `yaml:"batchSize"`

		// NSamples is the number of Monte-Carlo forward passes
		NSamples int `yaml:"nSamples"`

		// ReturnVariance and ReturnEntropy request uncertainty outputs
		ReturnVariance bool `yaml:"returnVariance"`
		ReturnEntropy  bool `yaml:"returnEntropy"`

		// ReturnArrayFromImages drops the input's spatial metadata from outputs
		ReturnArrayFromImages bool `yaml:"returnArrayFromImages"`

		// Normalizer is one of zero_one, standardize, none
		Normalizer string `yaml:"normalizer"`

		// Dtype is the ONNX input tensor dtype, float32 or float64
		Dtype string `yaml:"dtype"`
	} `yaml:"prediction"`

	// Validation parameters
	Validation struct {
		// NClasses is the number of classes the model predicts
		NClasses int `yaml:"nClasses"`

		// Mapping is the CSV file mapping raw labels to class ids
		Mapping string `yaml:"mapping"`
	} `yaml:"validation"`

	// Output parameters
	Output struct {
		// PlotDice writes a bar chart of the Dice vector next to it
		PlotDice bool `yaml:"plotDice"`

		// Previews writes mid-plane PNGs of each mean prediction
		Previews bool `yaml:"previews"`
	} `yaml:"output"`

	// Logging parameters
	Logging struct {
		// Level is a zap level name
		Level string `yaml:"level"`

		// File additionally writes JSON logs to this path
		File string `yaml:"file"`
	} `yaml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Model.Backend = BackendONNX
	cfg.Model.InputName = "input"
	cfg.Model.OutputName = "output"
	cfg.Model.ServingName = "segmentation"
	cfg.Model.TimeoutSeconds = 300
	cfg.Model.Channels = 2
	cfg.Model.Activation = "none"

	cfg.Prediction.BlockShape = [3]int{128, 128, 128}
	cfg.Prediction.BatchSize = 4
	cfg.Prediction.NSamples = 1
	cfg.Prediction.Normalizer = "zero_one"
	cfg.Prediction.Dtype = "float32"

	cfg.Validation.NClasses = 2

	cfg.Logging.Level = "info"

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}

			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("error parsing config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides file values with environment variables
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvModelPath); v != "" {
		c.Model.Path = v
	}
	if v := os.Getenv(EnvServingURL); v != "" {
		c.Model.ServingURL = v
	}
	if v := os.Getenv(EnvLogFile); v != "" {
		c.Logging.File = v
	}
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	switch c.Model.Backend {
	case BackendONNX:
		if c.Model.Path == "" {
			return fmt.Errorf("model.path is required for the onnx backend")
		}
	case BackendServing:
		if c.Model.ServingURL == "" {
			return fmt.Errorf("model.servingURL is required for the serving backend")
		}
	default:
		return fmt.Errorf("unknown model backend %q", c.Model.Backend)
	}

	if c.Model.Channels < 1 {
		return fmt.Errorf("model.channels must be positive, got %d", c.Model.Channels)
	}
	for i, b := range c.Prediction.BlockShape {
		if b < 1 {
			return fmt.Errorf("prediction.blockShape[%d] must be positive, got %d", i, b)
		}
	}
	if c.Prediction.BatchSize < 1 {
		return fmt.Errorf("prediction.batchSize must be positive, got %d", c.Prediction.BatchSize)
	}
	if c.Prediction.NSamples < 1 {
		return fmt.Errorf("prediction.nSamples must be at least 1, got %d", c.Prediction.NSamples)
	}
	if c.Validation.NClasses < 1 {
		return fmt.Errorf("validation.nClasses must be positive, got %d", c.Validation.NClasses)
	}
	if c.Validation.Mapping == "" {
		return fmt.Errorf("validation.mapping is required")
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
