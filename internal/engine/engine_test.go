package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/engine/whisper"
)

func TestFactoryMock(t *testing.T) {
	cfg := config.Default().STT
	f, err := NewFactory(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("new factory: %v", err)
	}
	defer f.Close(context.Background())

	a, err := f.New()
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	b, _ := f.New()
	if a == b {
		t.Fatal("expected distinct engine instances")
	}
	if a.Name() != "mock" || f.Name() != "mock" {
		t.Fatalf("unexpected names %q %q", a.Name(), f.Name())
	}
}

func TestFactoryExecValidatesCommand(t *testing.T) {
	cfg := config.Default().STT
	cfg.Engine = "exec"
	cfg.Command = `stt "unterminated`
	if _, err := NewFactory(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected command parse error")
	}

	cfg.Command = "stt --beam 4"
	f, err := NewFactory(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("new factory: %v", err)
	}
	e, err := f.New()
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if e.Name() != "exec" {
		t.Fatalf("expected exec engine, got %q", e.Name())
	}
}

func TestFactoryWasmMissingPlugin(t *testing.T) {
	cfg := config.Default().STT
	cfg.Engine = "wasm"
	cfg.Plugin = "/nonexistent/engine.yaml"
	if _, err := NewFactory(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected error for missing plugin manifest")
	}
}

func TestFactoryWhisperUnavailable(t *testing.T) {
	cfg := config.Default().STT
	cfg.Engine = "whisper"
	cfg.ModelPath = "/models/ggml-base.en.bin"
	_, err := NewFactory(context.Background(), cfg, nil)
	if _, probe := whisper.New(whisper.Options{}, nil); probe == nil {
		t.Skip("built with whisper support")
	}
	if !errors.Is(err, whisper.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestFactoryUnknownEngine(t *testing.T) {
	cfg := config.Default().STT
	cfg.Engine = "deepspeech"
	if _, err := NewFactory(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected unknown engine error")
	}
}
