package stt

import (
	"context"
	"errors"
)

// Engine is one recognition backend. Implementations are not reentrant: a
// processor drives its engine from a single goroutine.
type Engine interface {
	Name() string
	// LoadModel loads a model and an optional scorer. It is called once per
	// engine lifetime.
	LoadModel(ctx context.Context, modelPath, scorerPath string) (Model, error)
	Close() error
}

// Model is a loaded model. It outlives many sessions.
type Model interface {
	NewSession(ctx context.Context) (Session, error)
	Close() error
}

// Session is a streaming decode context for one utterance. Feed may be
// called any number of times before Intermediate or Finish. Intermediate is
// repeatable and non-destructive. Finish is terminal: it releases the
// session and the handle must not be used afterwards, Close included.
type Session interface {
	Feed(ctx context.Context, samples []int16) error
	Intermediate(ctx context.Context) (string, error)
	Finish(ctx context.Context) (string, error)
	Close() error
}

// EngineFactory returns a fresh engine instance. Each processor owns the
// engine it was given.
type EngineFactory func() (Engine, error)

// modelHandle is the single owner of a loaded model.
type modelHandle struct {
	model Model
}

func (h *modelHandle) loaded() bool { return h.model != nil }

func (h *modelHandle) release() error {
	if h.model == nil {
		return nil
	}
	m := h.model
	h.model = nil
	return m.Close()
}

// sessionHandle is the single owner of the live session, if any.
type sessionHandle struct {
	session Session
	// fed is set once samples of the current utterance reached the session.
	fed bool
	// broken marks an utterance whose session failed; its remaining samples
	// are discarded until the utterance ends.
	broken bool
}

func (h *sessionHandle) live() bool { return h.session != nil }

// take moves the session out of the handle.
func (h *sessionHandle) take() Session {
	s := h.session
	h.session = nil
	h.fed = false
	return s
}

func (h *sessionHandle) release() error {
	s := h.take()
	if s == nil {
		return nil
	}
	return s.Close()
}

// ErrProcessorFailed is returned by every call on a processor after a fatal
// engine error.
var ErrProcessorFailed = errors.New("stt: processor failed")
