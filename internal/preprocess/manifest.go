package preprocess

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/citp/openwpm-data-release/internal/fsutil"
)

// Manifest describes a committed crawl in the release tree.
type Manifest struct {
	Crawl             string         `yaml:"crawl"`
	DBPath            string         `yaml:"db_path"`
	SchemaFingerprint string         `yaml:"schema_fingerprint"`
	HasJSSource       bool           `yaml:"has_js_source"`
	Backups           []string       `yaml:"backups,omitempty"`
	Stages            []StageOutcome `yaml:"stages"`
	CommittedAt       time.Time      `yaml:"committed_at"`
}

// WriteManifest writes m to path as YAML.
func WriteManifest(path string, m *Manifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("write manifest %s: %w", path, err)
	}
	return nil
}

// ReadManifest loads a manifest written by WriteManifest.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, nil
}
