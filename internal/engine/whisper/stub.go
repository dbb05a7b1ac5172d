//go:build !whisper

package whisper

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-stt/internal/stt"
)

// Engine is a placeholder so callers compile without whisper.cpp.
type Engine struct{}

func New(Options, *slog.Logger) (*Engine, error) { return nil, ErrUnavailable }

func (e *Engine) Name() string { return "whisper" }

func (e *Engine) LoadModel(context.Context, string, string) (stt.Model, error) {
	return nil, ErrUnavailable
}

func (e *Engine) Close() error { return nil }
