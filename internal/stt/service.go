package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/bus"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/eventstore"
	"github.com/loqalabs/loqa-stt/internal/protocol"
	"github.com/loqalabs/loqa-stt/internal/vad"
	"github.com/nats-io/nats.go"
)

var (
	errServiceClosed = errors.New("stt: service closed")
	errNoSession     = errors.New("stt: no active session")
)

// maxDeliveryAttempts bounds how often a frame is re-routed when the worker
// it was handed to retires underneath it.
const maxDeliveryAttempts = 3

type ServiceOptions struct {
	Config     config.STTConfig
	Bus        *bus.Client
	Store      *eventstore.Store
	EngineName string
	NewEngine  EngineFactory
	Logger     *slog.Logger
}

// Service runs one processor per audio session received over the bus.
type Service struct {
	cfg        config.STTConfig
	mode       SpeechMode
	bus        *bus.Client
	store      *eventstore.Store
	engineName string
	newEngine  EngineFactory
	log        *slog.Logger
	metrics    *pipelineMetrics
	clock      func() time.Time

	mu      sync.Mutex
	workers map[string]*worker
	closing bool

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup
	ready  atomic.Bool
}

type worker struct {
	id       string
	traceID  string
	in       *audio.IngestBuffer
	proc     *Processor
	lastSeen atomic.Int64
	lastSeq  int
	done     chan struct{}

	// finalizing is set once the reaper queued an end of stream.
	finalizing atomic.Bool
}

func (w *worker) touch(now time.Time) { w.lastSeen.Store(now.UnixNano()) }

func (w *worker) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, w.lastSeen.Load()))
}

func NewService(parent context.Context, opts ServiceOptions) (*Service, error) {
	mode, err := ParseSpeechMode(opts.Config.SpeechMode)
	if err != nil {
		return nil, err
	}
	if opts.NewEngine == nil {
		return nil, errors.New("stt: service requires an engine factory")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With(slog.String("component", "stt-service"))
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        opts.Config,
		mode:       mode,
		bus:        opts.Bus,
		store:      opts.Store,
		engineName: opts.EngineName,
		newEngine:  opts.NewEngine,
		log:        logger,
		metrics:    newPipelineMetrics(logger),
		clock:      time.Now,
		workers:    make(map[string]*worker),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	conn := s.bus.Conn()
	frames, err := conn.Subscribe(protocol.SubjectAudioFramePrefix+".>", s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.subs = append(s.subs, frames)

	controls, err := conn.Subscribe(protocol.SubjectControlPrefix+".>", s.handleControl)
	if err != nil {
		_ = frames.Unsubscribe()
		return fmt.Errorf("subscribe stt control: %w", err)
	}
	s.subs = append(s.subs, controls)

	if idle := s.idleTimeout(); idle > 0 {
		s.wg.Add(1)
		go s.runReaper(idle)
	}

	s.ready.Store(true)
	s.log.Info("stt service started",
		slog.String("engine", s.engineName),
		slog.String("mode", s.mode.String()))
	return nil
}

// Close stops every worker and waits for them to release their engines.
func (s *Service) Close() {
	s.mu.Lock()
	s.closing = true
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	s.ready.Store(false)
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	for _, w := range workers {
		w.proc.Stop()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || (s.ready.Load() && s.bus.Healthy())
}

// ActiveSessions is the number of live session workers.
func (s *Service) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

func (s *Service) idleTimeout() time.Duration {
	return time.Duration(s.cfg.IdleTimeoutMS) * time.Millisecond
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		s.log.Warn("audio frame without session id", slog.String("subject", msg.Subject))
		return
	}
	in, err := s.toIngestFrame(frame)
	if err != nil {
		s.log.Warn("dropping audio frame", slog.String("session_id", frame.SessionID), slogError(err))
		return
	}
	if err := s.deliver(frame.SessionID, frame.Sequence, in); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("failed to deliver audio frame", slog.String("session_id", frame.SessionID), slogError(err))
	}
}

func (s *Service) toIngestFrame(frame protocol.AudioFrame) (audio.Frame, error) {
	if frame.SampleRate != 0 && frame.SampleRate != s.cfg.SampleRate {
		return audio.Frame{}, fmt.Errorf("sample rate %d does not match configured %d", frame.SampleRate, s.cfg.SampleRate)
	}
	samples, err := audio.BytesToSamples(frame.PCM)
	if err != nil {
		return audio.Frame{}, err
	}
	channels := frame.Channels
	if channels == 0 {
		channels = s.cfg.Channels
	}
	return audio.Frame{
		Samples:       audio.Downmix(samples, channels),
		StartOfStream: frame.StartOfStream,
		EndOfStream:   frame.EndOfStream,
	}, nil
}

// deliver hands a frame to the session's worker, blocking while the worker
// is busy with the previous one.
func (s *Service) deliver(sessionID string, seq int, frame audio.Frame) error {
	for attempt := 0; attempt < maxDeliveryAttempts; attempt++ {
		w, err := s.acquire(sessionID)
		if err != nil {
			return err
		}
		if seq > 0 && w.lastSeq > 0 && seq != w.lastSeq+1 {
			s.log.Warn("audio frame sequence gap",
				slog.String("session_id", sessionID),
				slog.Int("expected", w.lastSeq+1),
				slog.Int("got", seq))
		}
		w.touch(s.clock())
		err = w.in.PushWait(s.ctx, frame)
		if !errors.Is(err, audio.ErrClosed) {
			if err == nil {
				w.lastSeq = seq
			}
			return err
		}
		select {
		case <-w.done:
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
	return fmt.Errorf("session %s: worker retired %d times during delivery", sessionID, maxDeliveryAttempts)
}

func (s *Service) handleControl(msg *nats.Msg) {
	var ctrl protocol.Control
	if err := json.Unmarshal(msg.Data, &ctrl); err != nil {
		s.log.Warn("failed to decode stt control", slogError(err))
		return
	}
	if ctrl.SessionID == "" {
		s.log.Warn("stt control without session id", slog.String("subject", msg.Subject))
		return
	}
	switch ctrl.Action {
	case protocol.ActionSpeechStarted, protocol.ActionSpeechStopped, protocol.ActionFinalize:
	default:
		s.log.Warn("unknown stt control action", slog.String("session_id", ctrl.SessionID), slog.String("action", ctrl.Action))
		return
	}

	// Only push-to-talk may open a session ahead of its audio.
	var w *worker
	var err error
	if ctrl.Action == protocol.ActionSpeechStarted {
		w, err = s.acquire(ctrl.SessionID)
	} else {
		w, err = s.lookup(ctrl.SessionID)
	}
	if errors.Is(err, errNoSession) {
		s.log.Debug("stt control for unknown session", slog.String("session_id", ctrl.SessionID), slog.String("action", ctrl.Action))
		return
	}
	if err != nil {
		s.log.Warn("failed to apply stt control", slog.String("session_id", ctrl.SessionID), slog.String("action", ctrl.Action), slogError(err))
		return
	}
	w.touch(s.clock())

	switch ctrl.Action {
	case protocol.ActionSpeechStarted:
		w.proc.SetSpeechStarted(true)
	case protocol.ActionSpeechStopped:
		w.proc.SetSpeechStarted(false)
	case protocol.ActionFinalize:
		w.proc.RequestFinalize()
		// The request is honoured at a frame boundary; an empty frame makes
		// one when the client stops sending audio.
		if err := w.in.PushWait(s.ctx, audio.Frame{}); err != nil && !errors.Is(err, audio.ErrClosed) && !errors.Is(err, context.Canceled) {
			s.log.Warn("failed to queue finalize", slog.String("session_id", ctrl.SessionID), slogError(err))
		}
	}
}

func (s *Service) lookup(sessionID string) (*worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, errServiceClosed
	}
	w, ok := s.workers[sessionID]
	if !ok {
		return nil, errNoSession
	}
	return w, nil
}

func (s *Service) acquire(sessionID string) (*worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, errServiceClosed
	}
	if w, ok := s.workers[sessionID]; ok {
		return w, nil
	}
	return s.spawnLocked(sessionID)
}

// spawnLocked creates and starts a worker. s.mu must be held.
func (s *Service) spawnLocked(sessionID string) (*worker, error) {
	engine, err := s.newEngine()
	if err != nil {
		s.publishError(sessionID, err)
		return nil, fmt.Errorf("create engine: %w", err)
	}

	w := &worker{
		id:      sessionID,
		traceID: uuid.NewString(),
		in:      audio.NewIngestBuffer(),
		done:    make(chan struct{}),
	}
	proc, err := NewProcessor(Options{
		Engine:            engine,
		Input:             w.in,
		Detector:          vad.New(s.cfg.VAD, s.cfg.SampleRate),
		Observer:          &busObserver{service: s, worker: w, utterance: 1},
		Mode:              s.mode,
		ModelPath:         s.cfg.ModelPath,
		ScorerPath:        s.cfg.ScorerPath,
		MaxSegmentSamples: s.cfg.MaxSegmentSamples(),
		SentenceTimeout:   time.Duration(s.cfg.SentenceTimeoutMS) * time.Millisecond,
		Logger:            s.log.With(slog.String("session_id", sessionID), slog.String("trace_id", w.traceID)),
	})
	if err != nil {
		_ = engine.Close()
		return nil, err
	}
	w.proc = proc
	w.touch(s.clock())
	s.workers[sessionID] = w
	s.metrics.workerDelta(s.ctx, 1)

	s.wg.Add(1)
	go s.runWorker(w)
	return w, nil
}

func (s *Service) runWorker(w *worker) {
	defer s.wg.Done()
	defer close(w.done)

	err := s.store.AppendSession(s.ctx, eventstore.Session{ID: w.id, Engine: s.engineName, SpeechMode: s.mode.String()})
	if err != nil {
		s.log.Warn("failed to record session", slog.String("session_id", w.id), slogError(err))
	}

	runErr := w.proc.Run(s.ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		s.log.Warn("stt worker stopped", slog.String("session_id", w.id), slogError(runErr))
	}

	// A frame pushed after the worker decided to retire belongs to the next
	// utterance; it moves to a fresh worker before blocked producers retry.
	s.mu.Lock()
	if s.workers[w.id] == w {
		delete(s.workers, w.id)
	}
	w.in.Close()
	if frame, ok := w.in.TryTake(); ok && runErr == nil && !s.closing && carries(frame) {
		if next, err := s.spawnLocked(w.id); err != nil {
			s.log.Warn("dropping frame for retired worker", slog.String("session_id", w.id), slogError(err))
		} else if err := next.in.Push(frame.Samples, frame.StartOfStream, frame.EndOfStream); err != nil {
			s.log.Warn("failed to carry frame over", slog.String("session_id", w.id), slogError(err))
		}
	}
	s.mu.Unlock()

	if err := w.proc.Close(); err != nil {
		s.log.Warn("failed to release engine", slog.String("session_id", w.id), slogError(err))
	}
	s.metrics.workerDelta(context.Background(), -1)
	s.log.Debug("stt worker retired", slog.String("session_id", w.id))
}

// carries reports whether a leftover frame belongs to a next utterance. An
// empty finalize boundary does not.
func carries(frame audio.Frame) bool {
	return len(frame.Samples) > 0 || frame.StartOfStream || frame.EndOfStream
}

// retire stops a worker at its next frame boundary.
func (s *Service) retire(w *worker) {
	w.proc.Stop()
}

func (s *Service) runReaper(idle time.Duration) {
	defer s.wg.Done()
	interval := idle / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.reap(idle)
		}
	}
}

func (s *Service) reap(idle time.Duration) {
	now := s.clock()
	s.mu.Lock()
	var stale []*worker
	for _, w := range s.workers {
		if w.idle(now) >= idle {
			stale = append(stale, w)
		}
	}
	s.mu.Unlock()

	for _, w := range stale {
		if w.finalizing.Load() {
			continue
		}
		if w.proc.UtteranceOpen() {
			// The eof flush delivers the transcript and retires the worker.
			err := w.in.Push(nil, false, true)
			if err == nil {
				w.finalizing.Store(true)
				s.log.Info("finalizing idle stt session", slog.String("session_id", w.id))
				continue
			}
			if errors.Is(err, audio.ErrBufferBusy) {
				continue
			}
		}
		s.log.Info("retiring idle stt session", slog.String("session_id", w.id))
		s.retire(w)
	}
}

func (s *Service) publish(subject string, v any) {
	if err := s.bus.PublishJSON(subject, v); err != nil {
		s.log.Warn("failed to publish", slog.String("subject", subject), slogError(err))
	}
}

func (s *Service) publishError(sessionID string, err error) {
	s.publish(protocol.SubjectEngineError, protocol.EngineError{
		SessionID: sessionID,
		Engine:    s.engineName,
		Error:     err.Error(),
		Timestamp: s.clock().UTC(),
	})
}

func (s *Service) record(evt eventstore.Event, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("failed to marshal event payload", slog.String("event", evt.Type), slogError(err))
		return
	}
	evt.Payload = data
	if err := s.store.AppendEvent(context.Background(), evt); err != nil {
		s.log.Warn("failed to record event", slog.String("event", evt.Type), slogError(err))
	}
}
