package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ABIVersion is the stt_* export table the host knows how to drive.
const ABIVersion = "stt/v1"

// Manifest describes a packaged WebAssembly recognition engine.
type Manifest struct {
	Metadata Metadata    `yaml:"metadata"`
	Runtime  RuntimeSpec `yaml:"runtime"`
	Model    ModelSpec   `yaml:"model,omitempty"`
	Audio    AudioSpec   `yaml:"audio,omitempty"`
}

type Metadata struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Author      string   `yaml:"author"`
	Languages   []string `yaml:"languages,omitempty"`
}

type RuntimeSpec struct {
	Mode   string `yaml:"mode"`
	Module string `yaml:"module"`
	ABI    string `yaml:"abi"`
}

// ModelSpec holds default model files used when the runtime configuration
// does not name any.
type ModelSpec struct {
	Path   string `yaml:"path,omitempty"`
	Scorer string `yaml:"scorer,omitempty"`
}

type AudioSpec struct {
	SampleRate int `yaml:"sample_rate,omitempty"`
}

// Load reads a manifest from disk. Relative module and model paths are
// resolved against the manifest's directory.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	dir := filepath.Dir(path)
	m.Runtime.Module = resolve(dir, m.Runtime.Module)
	m.Model.Path = resolve(dir, m.Model.Path)
	m.Model.Scorer = resolve(dir, m.Model.Scorer)
	return m, nil
}

func resolve(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// Validate ensures manifest contains required fields.
func Validate(m Manifest) error {
	if m.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if m.Metadata.Version == "" {
		return fmt.Errorf("metadata.version is required")
	}
	if m.Runtime.Mode == "" {
		return fmt.Errorf("runtime.mode is required")
	}
	if m.Runtime.Mode != "wasm" {
		return fmt.Errorf("runtime.mode %q not supported", m.Runtime.Mode)
	}
	if m.Runtime.Module == "" {
		return fmt.Errorf("runtime.module is required for wasm")
	}
	if m.Runtime.ABI != "" && m.Runtime.ABI != ABIVersion {
		return fmt.Errorf("runtime.abi %q not supported, want %s", m.Runtime.ABI, ABIVersion)
	}
	if m.Audio.SampleRate < 0 {
		return fmt.Errorf("audio.sample_rate must be positive")
	}
	return nil
}
