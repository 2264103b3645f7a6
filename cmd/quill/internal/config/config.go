// Package config loads the quill CLI configuration.
//
// Configuration lives in a single YAML file under os.UserConfigDir():
//
//	~/Library/Application Support/quill/quill.yaml   (macOS)
//	~/.config/quill/quill.yaml                       (Linux)
//	%AppData%/quill/quill.yaml                       (Windows)
//
// The QUILL_CONFIG_DIR environment variable overrides the directory,
// which tests use to point at a temporary location. A missing file
// yields the defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
)

const (
	appDir     = "quill"
	configFile = "quill.yaml"
)

// Config is the quill CLI configuration.
type Config struct {
	// Dir is the directory the config was loaded from.
	Dir string `yaml:"-"`

	// ServerURL is the WebSocket endpoint of the streaming recognizer.
	ServerURL string `yaml:"server_url"`

	// ModelPath points at the speaker embedding ONNX model. Empty
	// disables speaker identification.
	ModelPath string `yaml:"model_path"`

	// DataDir holds the profile and session database. Defaults to
	// <config dir>/data.
	DataDir string `yaml:"data_dir"`

	// SampleRate for capture and recognition. Default 16000.
	SampleRate int `yaml:"sample_rate"`

	// IdentifyThreshold is the minimum cosine similarity for a positive
	// identification. Default 0.80; raise to 0.83 for fewer false
	// matches at the cost of more "unknown" speakers.
	IdentifyThreshold float64 `yaml:"identify_threshold"`

	// ValidationThreshold gates profile growth from live audio.
	// Default 0.85.
	ValidationThreshold float64 `yaml:"validation_threshold"`

	// MinAudioMs before the session attempts identification or
	// enrollment for a speaker. Default 5000.
	MinAudioMs int `yaml:"min_audio_ms"`

	// RingSeconds of audio history retained for voiceprint slicing.
	// Default 120.
	RingSeconds int `yaml:"ring_seconds"`
}

// Load reads the configuration from the default location, applying
// defaults for anything unset.
func Load() (*Config, error) {
	dir := os.Getenv("QUILL_CONFIG_DIR")
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("cannot determine config directory: %w", err)
		}
		dir = filepath.Join(base, appDir)
	}
	return LoadFrom(dir)
}

// LoadFrom reads the configuration from a specific directory.
func LoadFrom(dir string) (*Config, error) {
	cfg := &Config{Dir: dir}

	data, err := os.ReadFile(filepath.Join(dir, configFile))
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Join(dir, configFile), err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = filepath.Join(c.Dir, "data")
	}
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.IdentifyThreshold == 0 {
		c.IdentifyThreshold = 0.80
	}
	if c.ValidationThreshold == 0 {
		c.ValidationThreshold = 0.85
	}
	if c.MinAudioMs == 0 {
		c.MinAudioMs = 5000
	}
	if c.RingSeconds == 0 {
		c.RingSeconds = 120
	}
}

// Save writes the configuration back to its directory.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.Dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	path := filepath.Join(c.Dir, configFile)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
