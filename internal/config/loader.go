package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the orchestration core.
// Zero values mean "unspecified" and are replaced by defaults in Normalize.
type Config struct {
	Addr           string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir      string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	MemoryBudgetMB int64  `json:"memory_budget_mb" yaml:"memory_budget_mb" toml:"memory_budget_mb"`
	MemoryMarginMB int64  `json:"memory_margin_mb" yaml:"memory_margin_mb" toml:"memory_margin_mb"`
	StorageQuotaMB int64  `json:"storage_quota_mb" yaml:"storage_quota_mb" toml:"storage_quota_mb"`
	MaxQueueDepth  int    `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	MaxWaitMS      int    `json:"max_wait_ms" yaml:"max_wait_ms" toml:"max_wait_ms"`
	DrainTimeoutMS int    `json:"drain_timeout_ms" yaml:"drain_timeout_ms" toml:"drain_timeout_ms"`
	DefaultLLM     string `json:"default_llm" yaml:"default_llm" toml:"default_llm"`
	DefaultSTT     string `json:"default_stt" yaml:"default_stt" toml:"default_stt"`
	DefaultTTS     string `json:"default_tts" yaml:"default_tts" toml:"default_tts"`
	LogLevel       string `json:"log_level" yaml:"log_level" toml:"log_level"`
}

// Defaults applied by Normalize when fields are unset.
const (
	DefaultAddr           = ":8080"
	DefaultMaxQueueDepth  = 32
	DefaultMaxWaitMS      = 30000
	DefaultDrainTimeoutMS = 10000
)

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Normalize fills defaults for unset fields and expands the models dir.
func (c Config) Normalize() (Config, error) {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if c.MaxWaitMS <= 0 {
		c.MaxWaitMS = DefaultMaxWaitMS
	}
	if c.DrainTimeoutMS <= 0 {
		c.DrainTimeoutMS = DefaultDrainTimeoutMS
	}
	if c.ModelsDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return c, fmt.Errorf("home dir: %w", err)
		}
		c.ModelsDir = filepath.Join(home, "models")
	} else {
		dir, err := expandHome(c.ModelsDir)
		if err != nil {
			return c, err
		}
		c.ModelsDir = dir
	}
	return c, nil
}

// expandHome expands a leading '~' to the user's home directory.
func expandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}
