package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromMissingFile(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want default 16000", cfg.SampleRate)
	}
	if cfg.IdentifyThreshold != 0.80 {
		t.Errorf("IdentifyThreshold = %f, want default 0.80", cfg.IdentifyThreshold)
	}
	if cfg.MinAudioMs != 5000 {
		t.Errorf("MinAudioMs = %d, want default 5000", cfg.MinAudioMs)
	}
	if cfg.DataDir == "" {
		t.Error("DataDir default not applied")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte("server_url: ws://localhost:9000/asr\nidentify_threshold: 0.83\nsample_rate: 16000\n")
	if err := os.WriteFile(filepath.Join(dir, "quill.yaml"), content, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.ServerURL != "ws://localhost:9000/asr" {
		t.Errorf("ServerURL = %q", cfg.ServerURL)
	}
	if cfg.IdentifyThreshold != 0.83 {
		t.Errorf("IdentifyThreshold = %f, want 0.83", cfg.IdentifyThreshold)
	}
	// Unset fields still get defaults.
	if cfg.ValidationThreshold != 0.85 {
		t.Errorf("ValidationThreshold = %f, want default 0.85", cfg.ValidationThreshold)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatal(err)
	}
	cfg.ServerURL = "ws://example.com/asr"
	cfg.ModelPath = "/models/voice.onnx"
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cfg2, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg2.ServerURL != cfg.ServerURL || cfg2.ModelPath != cfg.ModelPath {
		t.Errorf("round trip mismatch: %+v", cfg2)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("QUILL_CONFIG_DIR", dir)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dir != dir {
		t.Errorf("Dir = %q, want %q", cfg.Dir, dir)
	}
}
