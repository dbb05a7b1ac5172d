package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/vad"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Result is the outcome of one Process step.
type Result int

const (
	ResultFrameProcessed Result = iota
	// ResultWaitForSamples means no frame was pending.
	ResultWaitForSamples
	// ResultNoSamplesNeeded means the processor stopped and wants no more input.
	ResultNoSamplesNeeded
)

type Options struct {
	Engine   Engine
	Input    *audio.IngestBuffer
	Detector vad.Detector
	Observer Observer
	Mode     SpeechMode

	ModelPath  string
	ScorerPath string

	MaxSegmentSamples int
	SentenceTimeout   time.Duration

	Logger *slog.Logger
	Clock  func() time.Time
}

// Processor drains an ingest buffer frame by frame, strips silence, feeds
// the engine and reports status, text and flush events to its observer.
// Process and Run must be driven from a single goroutine; Stop,
// SetSpeechStarted, RequestFinalize, Status and IntermediateText are safe
// from any goroutine.
type Processor struct {
	engine     Engine
	in         *audio.IngestBuffer
	detector   vad.Detector
	observer   Observer
	mode       SpeechMode
	modelPath  string
	scorerPath string
	logger     *slog.Logger
	metrics    *pipelineMetrics

	model   modelHandle
	session sessionHandle
	segment *Segment
	timer   *SentenceTimer
	status  statusTracker

	textMu sync.Mutex
	text   string

	speechStarted     atomic.Bool
	finalizeRequested atomic.Bool
	utteranceOpen     atomic.Bool

	stopped  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once

	failOnce sync.Once
	failMu   sync.Mutex
	failErr  error

	closeOnce sync.Once
}

func NewProcessor(opts Options) (*Processor, error) {
	if opts.Engine == nil {
		return nil, errors.New("stt: processor requires an engine")
	}
	if opts.Input == nil {
		return nil, errors.New("stt: processor requires an ingest buffer")
	}
	if opts.MaxSegmentSamples <= 0 {
		return nil, fmt.Errorf("stt: max segment samples must be positive, got %d", opts.MaxSegmentSamples)
	}
	if opts.Detector == nil {
		opts.Detector = vad.Passthrough{}
	}
	if opts.Observer == nil {
		opts.Observer = ObserverFuncs{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With(slog.String("component", "stt-processor"), slog.String("engine", opts.Engine.Name()))

	p := &Processor{
		engine:     opts.Engine,
		in:         opts.Input,
		detector:   opts.Detector,
		observer:   opts.Observer,
		mode:       opts.Mode,
		modelPath:  opts.ModelPath,
		scorerPath: opts.ScorerPath,
		logger:     logger,
		metrics:    newPipelineMetrics(logger),
		segment:    NewSegment(opts.MaxSegmentSamples),
		timer:      NewSentenceTimer(opts.SentenceTimeout, opts.Clock),
		stopCh:     make(chan struct{}),
	}
	p.status.notify = opts.Observer.SpeechDetectionStatusChanged
	return p, nil
}

// Start loads the model. It is a no-op once the model is loaded; a load
// failure makes the processor unusable.
func (p *Processor) Start(ctx context.Context) error {
	if err := p.failure(); err != nil {
		return err
	}
	if p.model.loaded() {
		return nil
	}
	model, err := p.engine.LoadModel(ctx, p.modelPath, p.scorerPath)
	if err != nil {
		return p.fail(fmt.Errorf("load model: %w", err))
	}
	p.model.model = model
	p.logger.Info("model loaded", slog.String("model", p.modelPath), slog.String("mode", p.mode.String()))
	return nil
}

// Process handles at most one pending frame without blocking.
func (p *Processor) Process(ctx context.Context) (Result, error) {
	if err := p.failure(); err != nil {
		return ResultNoSamplesNeeded, err
	}
	if p.stopped.Load() {
		p.releaseSession()
		return ResultNoSamplesNeeded, nil
	}
	if err := p.Start(ctx); err != nil {
		return ResultNoSamplesNeeded, err
	}
	frame, ok := p.in.TryTake()
	if !ok {
		return ResultWaitForSamples, nil
	}
	return p.step(ctx, frame)
}

// Run starts the processor and blocks, handling frames as they arrive, until
// Stop is called, the ingest buffer closes, ctx ends or a fatal error occurs.
// The live session is released on return.
func (p *Processor) Run(ctx context.Context) error {
	defer p.releaseSession()
	if err := p.Start(ctx); err != nil {
		return err
	}
	for {
		if p.stopped.Load() {
			return nil
		}
		frame, err := p.in.Take(ctx, p.stopCh)
		switch {
		case errors.Is(err, audio.ErrCancelled), errors.Is(err, audio.ErrClosed):
			return nil
		case err != nil:
			return err
		}
		result, err := p.step(ctx, frame)
		if err != nil {
			return err
		}
		if result == ResultNoSamplesNeeded {
			return nil
		}
	}
}

// Stop asks the processing path to exit at the next frame boundary.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		close(p.stopCh)
	})
}

// SetSpeechStarted maintains the manual-mode speech flag, typically from a
// push-to-talk control. It has no effect in other modes.
func (p *Processor) SetSpeechStarted(started bool) {
	p.speechStarted.Store(started)
}

// RequestFinalize ends the current utterance at the next frame.
func (p *Processor) RequestFinalize() {
	p.finalizeRequested.Store(true)
}

func (p *Processor) Status() SpeechDetectionStatus {
	return p.status.get()
}

// IntermediateText returns the latest text of the open utterance.
func (p *Processor) IntermediateText() (string, bool) {
	p.textMu.Lock()
	defer p.textMu.Unlock()
	return p.text, p.text != ""
}

func (p *Processor) Mode() SpeechMode { return p.mode }

// UtteranceOpen reports whether the last processed frame left undecoded or
// unfinished audio, so ending the stream now would produce a transcript.
func (p *Processor) UtteranceOpen() bool { return p.utteranceOpen.Load() }

// Close stops the processor and releases the session, the model and the
// engine. It must not be called while Run or Process is executing.
func (p *Processor) Close() error {
	p.Stop()
	var errs []error
	p.closeOnce.Do(func() {
		if err := p.session.release(); err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
		if err := p.model.release(); err != nil {
			errs = append(errs, fmt.Errorf("close model: %w", err))
		}
		if err := p.engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close engine: %w", err))
		}
	})
	return errors.Join(errs...)
}

func (p *Processor) step(ctx context.Context, frame audio.Frame) (Result, error) {
	p.metrics.frame(ctx, p.mode)
	defer func() {
		p.utteranceOpen.Store(p.session.fed || p.session.broken || !p.segment.Empty())
	}()

	if frame.StartOfStream {
		if err := p.beginUtterance(ctx); err != nil {
			return ResultNoSamplesNeeded, err
		}
	}

	voiced := p.detector.RemoveSilence(frame.Samples)
	if len(voiced) > 0 {
		if !p.session.broken {
			if err := p.segment.Append(voiced); err != nil {
				return ResultFrameProcessed, err
			}
		}
		p.timer.Restart()
		if p.mode != ModeManual {
			p.status.set(StatusSpeechDetected)
		}
	}
	if p.mode == ModeManual && p.speechStarted.Load() && p.status.get() == StatusNoSpeech {
		p.status.set(StatusSpeechDetected)
	}

	if p.stopped.Load() {
		p.releaseSession()
		return ResultNoSamplesNeeded, nil
	}

	state := FrameState{
		Mode:              p.mode,
		EndOfStream:       frame.EndOfStream,
		FinalizeRequested: p.finalizeRequested.Swap(false),
		Voiced:            len(voiced) > 0,
		SegmentEmpty:      p.segment.Empty(),
		UtteranceOpen:     p.session.fed || p.session.broken || !p.segment.Empty(),
	}
	_, state.HasIntermediate = p.IntermediateText()
	if p.mode == ModeSingleSentence && !state.Voiced && !state.EndOfStream {
		state.TimerExpired = p.timer.Expired()
	}
	decision := Decide(state)

	p.logger.Debug("frame",
		slog.String("mode", p.mode.String()),
		slog.Int("in", len(frame.Samples)),
		slog.Int("voiced", len(voiced)),
		slog.Int("segment", p.segment.Len()),
		slog.Bool("sof", frame.StartOfStream),
		slog.Bool("eof", frame.EndOfStream),
		slog.String("outcome", decision.Outcome.String()),
	)

	switch decision.Outcome {
	case OutcomeSentenceTimeout:
		p.timer.Disarm()
		p.metrics.timeout(ctx)
		p.observer.SentenceTimeout()
		return ResultFrameProcessed, nil
	case OutcomeContinue:
		if p.segment.Empty() {
			p.settleStatus(false, p.status.get())
			return ResultFrameProcessed, nil
		}
	}
	if err := p.decode(ctx, decision); err != nil {
		return ResultNoSamplesNeeded, err
	}
	return ResultFrameProcessed, nil
}

// beginUtterance resets all per-utterance state and opens a fresh session.
func (p *Processor) beginUtterance(ctx context.Context) error {
	p.segment.Reset()
	p.timer.Reset()
	p.detector.Reset()
	p.session.broken = false
	p.releaseSession()
	p.setText("")
	return p.openSession(ctx)
}

func (p *Processor) openSession(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	session, err := p.model.model.NewSession(ctx)
	if err != nil {
		return p.fail(fmt.Errorf("create session: %w", err))
	}
	p.session.session = session
	return nil
}

func (p *Processor) decode(ctx context.Context, d Decision) error {
	final := d.Final()
	previous := p.status.get()
	if final && p.mode != ModeAutomatic {
		p.status.set(StatusDecoding)
	}

	text, called, err := p.runEngine(ctx, final)
	if err != nil {
		return err
	}
	if called {
		p.textMu.Lock()
		changed := text != p.text
		p.text = text
		p.textMu.Unlock()
		if changed {
			p.observer.IntermediateText(text)
		}
	}

	p.settleStatus(final, previous)

	if final {
		kind := d.Flush()
		p.metrics.flush(ctx, kind)
		p.observer.Flush(kind)
		p.setText("")
		p.session.broken = false
		p.timer.Disarm()
		if p.mode == ModeManual {
			p.speechStarted.Store(false)
		}
	}
	return nil
}

// settleStatus is the closing status step of every frame: no_speech after a
// final decode or while manual speech is off, otherwise back to previous.
func (p *Processor) settleStatus(final bool, previous SpeechDetectionStatus) {
	if final || (p.mode == ModeManual && !p.speechStarted.Load()) {
		p.status.set(StatusNoSpeech)
		return
	}
	p.status.set(previous)
}

// runEngine feeds the accumulated segment and runs the intermediate or final
// decode. called is false when no decode was issued. Transient failures drop
// the session and are not returned; the error return is reserved for fatal
// failures.
func (p *Processor) runEngine(ctx context.Context, final bool) (text string, called bool, err error) {
	defer p.segment.Reset()
	if p.session.broken {
		return "", false, nil
	}
	if p.segment.Empty() && !p.session.live() {
		return "", false, nil
	}
	if !p.session.live() {
		if err := p.openSession(ctx); err != nil {
			return "", false, err
		}
	}

	ctx, span := p.metrics.tracer.Start(ctx, "stt.decode", trace.WithAttributes(
		attribute.String("engine", p.engine.Name()),
		attribute.Bool("final", final),
		attribute.Int("samples", p.segment.Len()),
	))
	defer span.End()

	started := time.Now()
	text, callErr := p.callEngine(ctx, final)
	p.metrics.decoded(ctx, final, float64(time.Since(started).Microseconds())/1000)
	if callErr != nil {
		span.RecordError(callErr)
		span.SetStatus(codes.Error, callErr.Error())
		p.metrics.engineError(ctx, p.engine.Name())
		p.logger.Warn("engine session failed", slog.Bool("final", final), slogError(callErr))
		if !final {
			p.session.broken = true
		}
		return "", false, nil
	}
	return text, true, nil
}

func (p *Processor) callEngine(ctx context.Context, final bool) (string, error) {
	if !p.segment.Empty() {
		if err := p.session.session.Feed(ctx, p.segment.Samples()); err != nil {
			p.releaseSession()
			return "", fmt.Errorf("feed: %w", err)
		}
		p.session.fed = true
	}
	if final {
		session := p.session.take()
		text, err := session.Finish(ctx)
		if err != nil {
			return "", fmt.Errorf("finish: %w", err)
		}
		return text, nil
	}
	text, err := p.session.session.Intermediate(ctx)
	if err != nil {
		p.releaseSession()
		return "", fmt.Errorf("intermediate decode: %w", err)
	}
	return text, nil
}

func (p *Processor) releaseSession() {
	if err := p.session.release(); err != nil {
		p.logger.Warn("failed to close session", slogError(err))
	}
}

func (p *Processor) setText(text string) {
	p.textMu.Lock()
	p.text = text
	p.textMu.Unlock()
}

func (p *Processor) fail(err error) error {
	p.failOnce.Do(func() {
		p.failMu.Lock()
		p.failErr = fmt.Errorf("%w: %w", ErrProcessorFailed, err)
		p.failMu.Unlock()
		p.releaseSession()
		p.logger.Error("engine failed", slogError(err))
		p.observer.EngineFailed(err)
	})
	return p.failure()
}

func (p *Processor) failure() error {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	return p.failErr
}
