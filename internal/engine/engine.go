// Package engine builds recognition backends from configuration.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/engine/command"
	"github.com/loqalabs/loqa-stt/internal/engine/mock"
	"github.com/loqalabs/loqa-stt/internal/engine/wasm"
	"github.com/loqalabs/loqa-stt/internal/engine/whisper"
	"github.com/loqalabs/loqa-stt/internal/stt"
)

const commandTimeout = 45 * time.Second

// Factory creates one engine per pipeline. Shared state such as a compiled
// wasm plugin lives on the factory and is released by Close.
type Factory struct {
	name   string
	newFn  func() (stt.Engine, error)
	plugin *wasm.Plugin
}

// NewFactory validates the selected backend eagerly so configuration errors
// surface at startup rather than on the first stream.
func NewFactory(ctx context.Context, cfg config.STTConfig, logger *slog.Logger) (*Factory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{name: cfg.Engine}

	switch cfg.Engine {
	case "mock":
		f.newFn = func() (stt.Engine, error) { return mock.New(), nil }
	case "exec":
		opts := command.Options{
			Command:    cfg.Command,
			Language:   cfg.Language,
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
			Timeout:    commandTimeout,
			Logger:     logger,
		}
		if _, err := command.New(opts); err != nil {
			return nil, err
		}
		f.newFn = func() (stt.Engine, error) { return command.New(opts) }
	case "wasm":
		plugin, err := wasm.Open(ctx, cfg.Plugin, wasm.HostBindings{Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("open wasm engine: %w", err)
		}
		f.plugin = plugin
		f.newFn = func() (stt.Engine, error) { return plugin.NewEngine(), nil }
	case "whisper":
		opts := whisper.Options{Language: cfg.Language}
		if _, err := whisper.New(opts, logger); err != nil {
			return nil, err
		}
		f.newFn = func() (stt.Engine, error) { return whisper.New(opts, logger) }
	default:
		return nil, fmt.Errorf("unknown stt engine %q", cfg.Engine)
	}

	logger.Info("stt engine configured", slog.String("engine", cfg.Engine))
	return f, nil
}

func (f *Factory) Name() string { return f.name }

// New returns a fresh engine instance.
func (f *Factory) New() (stt.Engine, error) {
	return f.newFn()
}

func (f *Factory) Close(ctx context.Context) error {
	if f.plugin == nil {
		return nil
	}
	return f.plugin.Close(ctx)
}
