// Package mock provides a deterministic in-memory engine that records every
// call made through it.
package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/loqalabs/loqa-stt/internal/stt"
)

// ErrSessionFinished is returned when a finished session is used again.
var ErrSessionFinished = errors.New("mock: session already finished")

const (
	OpLoadModel     = "load_model"
	OpCreateSession = "create_session"
	OpFeed          = "feed"
	OpIntermediate  = "intermediate"
	OpFinish        = "finish"
	OpFreeSession   = "free_session"
	OpFreeModel     = "free_model"
	OpClose         = "close"
)

type Call struct {
	Op string
	// Samples is the block size for feeds and the session total for decodes.
	Samples int
}

// Failures injects errors into specific calls. FeedAfter and
// IntermediateAfter fail the nth call (1-based) when positive.
type Failures struct {
	LoadModel         error
	CreateSession     error
	Feed              error
	FeedAfter         int
	Intermediate      error
	IntermediateAfter int
	Finish            error
}

type Engine struct {
	mu       sync.Mutex
	calls    []Call
	failures Failures
	feeds    int
	partials int
	live     int
}

func New() *Engine {
	return &Engine{}
}

// Fail installs failures for subsequent calls.
func (e *Engine) Fail(f Failures) {
	e.mu.Lock()
	e.failures = f
	e.mu.Unlock()
}

func (e *Engine) Name() string { return "mock" }

func (e *Engine) LoadModel(_ context.Context, modelPath, _ string) (stt.Model, error) {
	e.record(OpLoadModel, 0)
	e.mu.Lock()
	err := e.failures.LoadModel
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &model{engine: e, path: modelPath}, nil
}

func (e *Engine) Close() error {
	e.record(OpClose, 0)
	return nil
}

// Calls returns a copy of the recorded calls.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// Count returns how many times op was called.
func (e *Engine) Count(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Ops returns the recorded operation names in order.
func (e *Engine) Ops() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ops := make([]string, len(e.calls))
	for i, c := range e.calls {
		ops[i] = c.Op
	}
	return ops
}

// LiveSessions reports sessions created and not yet finished or closed.
func (e *Engine) LiveSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live
}

func (e *Engine) record(op string, samples int) {
	e.mu.Lock()
	e.calls = append(e.calls, Call{Op: op, Samples: samples})
	e.mu.Unlock()
}

type model struct {
	engine *Engine
	path   string
}

func (m *model) NewSession(context.Context) (stt.Session, error) {
	e := m.engine
	e.record(OpCreateSession, 0)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failures.CreateSession != nil {
		return nil, e.failures.CreateSession
	}
	e.live++
	return &session{engine: e}, nil
}

func (m *model) Close() error {
	m.engine.record(OpFreeModel, 0)
	return nil
}

type session struct {
	engine   *Engine
	total    int
	finished bool
	closed   bool
}

func (s *session) Feed(_ context.Context, samples []int16) error {
	e := s.engine
	e.record(OpFeed, len(samples))
	if s.finished || s.closed {
		return ErrSessionFinished
	}
	e.mu.Lock()
	e.feeds++
	err := e.failures.Feed
	if e.failures.FeedAfter > 0 && e.feeds == e.failures.FeedAfter {
		err = fmt.Errorf("mock: feed %d failed", e.feeds)
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}
	s.total += len(samples)
	return nil
}

func (s *session) Intermediate(context.Context) (string, error) {
	e := s.engine
	e.record(OpIntermediate, s.total)
	if s.finished || s.closed {
		return "", ErrSessionFinished
	}
	e.mu.Lock()
	e.partials++
	err := e.failures.Intermediate
	if e.failures.IntermediateAfter > 0 && e.partials == e.failures.IntermediateAfter {
		err = fmt.Errorf("mock: intermediate decode %d failed", e.partials)
	}
	e.mu.Unlock()
	if err != nil {
		return "", err
	}
	return Text(false, s.total), nil
}

func (s *session) Finish(context.Context) (string, error) {
	e := s.engine
	e.record(OpFinish, s.total)
	if s.finished || s.closed {
		return "", ErrSessionFinished
	}
	s.finished = true
	e.mu.Lock()
	e.live--
	err := e.failures.Finish
	e.mu.Unlock()
	if err != nil {
		return "", err
	}
	return Text(true, s.total), nil
}

func (s *session) Close() error {
	e := s.engine
	e.record(OpFreeSession, s.total)
	if s.finished {
		return ErrSessionFinished
	}
	if s.closed {
		return nil
	}
	s.closed = true
	e.mu.Lock()
	e.live--
	e.mu.Unlock()
	return nil
}

// Text is the transcript the mock returns for a session that has been fed
// samples in total.
func Text(final bool, samples int) string {
	mode := "partial"
	if final {
		mode = "final"
	}
	return fmt.Sprintf("[%s transcript samples=%d]", mode, samples)
}
