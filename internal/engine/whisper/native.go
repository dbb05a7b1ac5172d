//go:build whisper

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/stt"
)

var errSessionFinished = errors.New("whisper: session already finished")

// Engine loads one whisper model; every session gets its own context.
type Engine struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{opts: opts, logger: logger.With(slog.String("component", "stt-whisper"))}, nil
}

func (e *Engine) Name() string { return "whisper" }

// LoadModel loads the ggml model. whisper has no external scorer, so
// scorerPath is ignored.
func (e *Engine) LoadModel(_ context.Context, modelPath, _ string) (stt.Model, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: model path must not be empty")
	}
	m, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	e.logger.Info("whisper model loaded", slog.String("model", modelPath))
	return &model{engine: e, model: m}, nil
}

func (e *Engine) Close() error { return nil }

type model struct {
	engine *Engine
	model  whisperlib.Model
}

func (m *model) NewSession(context.Context) (stt.Session, error) {
	if m.model == nil {
		return nil, errors.New("whisper: model closed")
	}
	wctx, err := m.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: create context: %w", err)
	}
	language := m.engine.opts.language()
	if err := wctx.SetLanguage(language); err != nil {
		m.engine.logger.Warn("failed to set language, using default", slog.String("language", language), slog.String("error", err.Error()))
	}
	return &session{wctx: wctx}, nil
}

func (m *model) Close() error {
	if m.model == nil {
		return nil
	}
	err := m.model.Close()
	m.model = nil
	return err
}

// session re-processes the whole utterance on every decode; whisper has no
// incremental stream.
type session struct {
	wctx    whisperlib.Context
	samples []float32
	done    bool

	cached    string
	cachedLen int
	hasCache  bool
}

func (s *session) Feed(_ context.Context, samples []int16) error {
	if s.done {
		return errSessionFinished
	}
	s.samples = append(s.samples, audio.SamplesToFloat32(samples)...)
	return nil
}

func (s *session) Intermediate(context.Context) (string, error) {
	if s.done {
		return "", errSessionFinished
	}
	if s.hasCache && s.cachedLen == len(s.samples) {
		return s.cached, nil
	}
	text, err := s.infer()
	if err != nil {
		return "", err
	}
	s.cached, s.cachedLen, s.hasCache = text, len(s.samples), true
	return text, nil
}

func (s *session) Finish(context.Context) (string, error) {
	if s.done {
		return "", errSessionFinished
	}
	text, err := s.infer()
	s.Close()
	return text, err
}

func (s *session) Close() error {
	s.done = true
	s.samples = nil
	return nil
}

func (s *session) infer() (string, error) {
	if len(s.samples) == 0 {
		return "", nil
	}
	if err := s.wctx.Process(s.samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}
	var parts []string
	for {
		segment, err := s.wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
