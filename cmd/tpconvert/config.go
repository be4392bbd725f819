package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the tpconvert configuration file
// (~/.config/tpconvert/config.yaml). Pointer fields distinguish "not set"
// from zero values.
type Config struct {
	Processes      *int   `yaml:"processes"`
	WeightDataType string `yaml:"weight_data_type"`
	TensorParallel *int   `yaml:"tensor_parallel"`
	Progress       *bool  `yaml:"progress"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "tpconvert", "config.yaml")
}

// applyConvertConfig applies config file defaults to convert command
// variables when the corresponding CLI flag was not explicitly set.
func applyConvertConfig(c *cli.Command, cfg Config,
	processes *int, weightDataType *string, tensorParallel *int, noProgress *bool,
) {
	if cfg.Processes != nil && !c.IsSet("processes") {
		*processes = *cfg.Processes
	}
	if cfg.WeightDataType != "" && !c.IsSet("weight-data-type") {
		*weightDataType = cfg.WeightDataType
	}
	if cfg.TensorParallel != nil && !c.IsSet("tensor-parallel") {
		*tensorParallel = *cfg.TensorParallel
	}
	if cfg.Progress != nil && !c.IsSet("no-progress") {
		*noProgress = !*cfg.Progress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	return loadConfigFile(configPath())
}

func loadConfigFile(path string) Config {
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
