// Package config provides configuration types, defaults, and persistence for whs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SaveConfig writes cfg to configPath as JSON, atomically
// (write-temp-then-rename).
func SaveConfig(configPath string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return atomicWriteFile(configPath, data, ".whs.config.tmp.*")
}

// LoadConfig reads and unmarshals a JSON config document.
func LoadConfig(configPath string) (Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	cfg := Defaults()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// LoadPointerConfig reads a project directory's pointer config, if present.
func LoadPointerConfig(path string) (PointerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PointerConfig{}, fmt.Errorf("reading pointer config: %w", err)
	}
	var ptr PointerConfig
	if err := json.Unmarshal(data, &ptr); err != nil {
		return PointerConfig{}, fmt.Errorf("parsing pointer config: %w", err)
	}
	return ptr, nil
}

// atomicWriteFile writes data to path via a temp file in the same directory,
// then renames it into place: create parent dir, write to temp, close,
// rename, cleaning up the temp file on any failure along the way.
func atomicWriteFile(path string, data []byte, tempPattern string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}
