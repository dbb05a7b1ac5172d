package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

const validYAML = `metadata:
  name: counter
  version: 0.1.0
  description: Counts fed samples
  author: Loqa Labs
  languages: [en]
runtime:
  mode: wasm
  module: build/counter.wasm
  abi: stt/v1
model:
  path: models/counter.bin
audio:
  sample_rate: 16000
`

func TestValidateValidManifest(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "engine.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Validate(m); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if want := filepath.Join(tmp, "build", "counter.wasm"); m.Runtime.Module != want {
		t.Fatalf("module path not resolved: %s", m.Runtime.Module)
	}
	if want := filepath.Join(tmp, "models", "counter.bin"); m.Model.Path != want {
		t.Fatalf("model path not resolved: %s", m.Model.Path)
	}
	if m.Model.Scorer != "" {
		t.Fatalf("empty scorer should stay empty, got %q", m.Model.Scorer)
	}
}

func TestValidateMissingFields(t *testing.T) {
	m := Manifest{}
	if err := Validate(m); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidateUnsupported(t *testing.T) {
	cases := map[string]Manifest{
		"mode": {
			Metadata: Metadata{Name: "x", Version: "1"},
			Runtime:  RuntimeSpec{Mode: "python", Module: "x.py"},
		},
		"abi": {
			Metadata: Metadata{Name: "x", Version: "1"},
			Runtime:  RuntimeSpec{Mode: "wasm", Module: "x.wasm", ABI: "stt/v9"},
		},
	}
	for name, m := range cases {
		if err := Validate(m); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
