// Package command runs an external recognizer process per decode. The
// process receives a WAV file and answers with JSON on stdout.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/stt"
	"github.com/mattn/go-shellwords"
)

var errSessionFinished = errors.New("command: session already finished")

type Options struct {
	Command    string
	Language   string
	SampleRate int
	Channels   int
	// TempDir holds the WAV files handed to the process. Empty means
	// os.TempDir().
	TempDir string
	Timeout time.Duration
	Logger  *slog.Logger
}

type Engine struct {
	args   []string
	opts   Options
	logger *slog.Logger
}

type response struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func New(opts Options) (*Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(opts.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.Channels <= 0 {
		opts.Channels = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 45 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{args: args, opts: opts, logger: logger.With(slog.String("component", "stt-command"))}, nil
}

func (e *Engine) Name() string { return "exec" }

// LoadModel checks that the model and scorer exist; the process loads them
// itself on every run.
func (e *Engine) LoadModel(_ context.Context, modelPath, scorerPath string) (stt.Model, error) {
	for _, path := range []string{modelPath, scorerPath} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
	}
	return &model{engine: e, modelPath: modelPath, scorerPath: scorerPath}, nil
}

func (e *Engine) Close() error { return nil }

type model struct {
	engine     *Engine
	modelPath  string
	scorerPath string
}

func (m *model) NewSession(context.Context) (stt.Session, error) {
	return &session{model: m}, nil
}

func (m *model) Close() error { return nil }

type session struct {
	model   *model
	samples []int16
	done    bool

	cached    string
	cachedLen int
	hasCache  bool
}

func (s *session) Feed(_ context.Context, samples []int16) error {
	if s.done {
		return errSessionFinished
	}
	s.samples = append(s.samples, samples...)
	return nil
}

// Intermediate re-runs the process only when new samples arrived since the
// previous call.
func (s *session) Intermediate(ctx context.Context) (string, error) {
	if s.done {
		return "", errSessionFinished
	}
	if s.hasCache && s.cachedLen == len(s.samples) {
		return s.cached, nil
	}
	text, err := s.model.run(ctx, s.samples, true)
	if err != nil {
		return "", err
	}
	s.cached, s.cachedLen, s.hasCache = text, len(s.samples), true
	return text, nil
}

func (s *session) Finish(ctx context.Context) (string, error) {
	if s.done {
		return "", errSessionFinished
	}
	s.done = true
	samples := s.samples
	s.samples = nil
	return s.model.run(ctx, samples, false)
}

func (s *session) Close() error {
	s.done = true
	s.samples = nil
	return nil
}

func (m *model) run(ctx context.Context, samples []int16, partial bool) (string, error) {
	e := m.engine
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	file, err := os.CreateTemp(e.opts.TempDir, "loqa_stt_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.WriteWAV(file, samples, e.opts.SampleRate, e.opts.Channels); err != nil {
		return "", err
	}

	cmdArgs := append([]string{}, e.args[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if m.modelPath != "" {
		cmdArgs = append(cmdArgs, "--model", m.modelPath)
	}
	if m.scorerPath != "" {
		cmdArgs = append(cmdArgs, "--scorer", m.scorerPath)
	}
	if e.opts.Language != "" {
		cmdArgs = append(cmdArgs, "--language", e.opts.Language)
	}
	if partial {
		cmdArgs = append(cmdArgs, "--partial")
	}

	command := exec.CommandContext(ctx, e.args[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	started := time.Now()
	if err := command.Run(); err != nil {
		return "", fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}
	e.logger.Debug("stt command finished",
		slog.Bool("partial", partial),
		slog.Int("samples", len(samples)),
		slog.Duration("elapsed", time.Since(started)),
	)

	var resp response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("decode stt response: %w", err)
	}
	return resp.Text, nil
}
