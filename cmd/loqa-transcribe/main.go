// Command loqa-transcribe runs a WAV file through the streaming pipeline and
// prints intermediate text, final text and flushes as they happen.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/engine"
	"github.com/loqalabs/loqa-stt/internal/protocol"
	"github.com/loqalabs/loqa-stt/internal/stt"
	"github.com/loqalabs/loqa-stt/internal/vad"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	wavPath    string
	engine     string
	mode       string
	asJSON     bool
	verbose    bool
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("loqa-transcribe", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "Path to configuration file (defaults and LOQA_* env otherwise)")
	fs.StringVar(&opts.wavPath, "wav", "", "WAV file to transcribe")
	fs.StringVar(&opts.engine, "engine", "", "Override stt.engine")
	fs.StringVar(&opts.mode, "mode", "", "Override stt.speech_mode")
	fs.BoolVar(&opts.asJSON, "json", false, "Emit JSON lines instead of text")
	fs.BoolVar(&opts.verbose, "v", false, "Log pipeline debug output to stderr")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.wavPath == "" && fs.NArg() > 0 {
		opts.wavPath = fs.Arg(0)
	}
	if opts.wavPath == "" {
		return opts, errors.New("a WAV file is required (-wav)")
	}
	return opts, nil
}

func loadSTTConfig(opts options) (config.STTConfig, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.STTConfig{}, err
	}
	sttCfg := cfg.STT
	if opts.engine != "" {
		sttCfg.Engine = opts.engine
	}
	if opts.mode != "" {
		sttCfg.SpeechMode = opts.mode
	}
	// ReadWAV always downmixes.
	sttCfg.Channels = 1
	return sttCfg, config.ValidateSTT(sttCfg)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	cfg, err := loadSTTConfig(opts)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	mode, err := stt.ParseSpeechMode(cfg.SpeechMode)
	if err != nil {
		return err
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})).
		With(slog.String("session_id", uuid.NewString()))

	clip, err := readClip(opts.wavPath)
	if err != nil {
		return err
	}
	if clip.SampleRate != cfg.SampleRate {
		return fmt.Errorf("%s is %d Hz, pipeline expects %d Hz", opts.wavPath, clip.SampleRate, cfg.SampleRate)
	}

	factory, err := engine.NewFactory(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer factory.Close(context.Background())
	eng, err := factory.New()
	if err != nil {
		return err
	}

	out := &printer{w: stdout, json: opts.asJSON, session: opts.wavPath}
	in := audio.NewIngestBuffer()
	var proc *stt.Processor
	proc, err = stt.NewProcessor(stt.Options{
		Engine:   eng,
		Input:    in,
		Detector: vad.New(cfg.VAD, cfg.SampleRate),
		Observer: stt.ObserverFuncs{
			OnIntermediate:    func(text string) { out.partial(text) },
			OnSentenceTimeout: func() { out.line("timeout", "") },
			OnFlush: func(kind stt.FlushKind) {
				text, _ := proc.IntermediateText()
				out.flush(kind, text)
			},
			OnEngineFailed: func(err error) { out.line("error", err.Error()) },
		},
		Mode:              mode,
		ModelPath:         cfg.ModelPath,
		ScorerPath:        cfg.ScorerPath,
		MaxSegmentSamples: cfg.MaxSegmentSamples(),
		SentenceTimeout:   time.Duration(cfg.SentenceTimeoutMS) * time.Millisecond,
		Logger:            logger,
	})
	if err != nil {
		_ = eng.Close()
		return err
	}
	defer proc.Close()
	if mode == stt.ModeManual {
		proc.SetSpeechStarted(true)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer in.Close()
		for _, frame := range audio.Chunk(clip.Samples, cfg.FrameSamples()) {
			if err := in.PushWait(gctx, frame); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		return proc.Run(gctx)
	})
	return g.Wait()
}

func readClip(path string) (audio.Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return audio.Clip{}, err
	}
	defer f.Close()
	return audio.ReadWAV(f)
}

type printer struct {
	w         io.Writer
	json      bool
	session   string
	utterance int
}

func (p *printer) partial(text string) {
	if p.json {
		p.encode(protocol.Transcript{SessionID: p.session, Utterance: p.utterance + 1, Text: text, Partial: true, Timestamp: time.Now().UTC()})
		return
	}
	p.line("partial", text)
}

func (p *printer) flush(kind stt.FlushKind, text string) {
	p.utterance++
	if p.json {
		p.encode(protocol.Flush{SessionID: p.session, Utterance: p.utterance, Kind: kind.String(), Text: text, Timestamp: time.Now().UTC()})
		return
	}
	p.line("final", text)
	p.line("flush", kind.String())
}

func (p *printer) line(tag, text string) {
	fmt.Fprintf(p.w, "%-8s %s\n", tag, text)
}

func (p *printer) encode(v any) {
	_ = json.NewEncoder(p.w).Encode(v)
}
