package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// overlayFile decodes the YAML file at path on top of cfg. yaml.v3 only
// touches fields whose keys appear, so a project file can switch off a
// boolean the user file switched on and can replace a list wholesale.
func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return overlay(cfg, data)
}

func overlay(cfg *Config, data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return fmt.Errorf("parse YAML: %w", err)
	}
	cfg.Storage.Path = expandHomeDir(cfg.Storage.Path)
	cfg.Logging.Dir = expandHomeDir(cfg.Logging.Dir)
	cfg.Telemetry.TraceFile = expandHomeDir(cfg.Telemetry.TraceFile)
	return nil
}

func userHome() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return os.Getenv("HOME")
}

// expandHomeDir resolves a leading "~" against the user's home directory.
func expandHomeDir(path string) string {
	path = strings.TrimSpace(path)
	rest, ok := strings.CutPrefix(path, "~")
	if !ok || (rest != "" && !strings.HasPrefix(rest, "/")) {
		return path
	}
	home := userHome()
	if home == "" {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(rest, "/"))
}
