package audio

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrBufferBusy is returned by Push while a previous frame is still unclaimed.
	ErrBufferBusy = errors.New("audio: ingest buffer busy")
	// ErrClosed is returned once the buffer has been closed.
	ErrClosed = errors.New("audio: ingest buffer closed")
	// ErrCancelled is returned by Take when the caller's cancel channel closes.
	ErrCancelled = errors.New("audio: take cancelled")
)

// Frame is one block of mono PCM samples handed from the producer to the
// processing path.
type Frame struct {
	Samples       []int16
	StartOfStream bool
	EndOfStream   bool
}

// IngestBuffer is a single-slot handoff between one producer and one
// processing goroutine. A pushed frame is claimed exactly once; the producer
// gets ErrBufferBusy until it is.
type IngestBuffer struct {
	mu      sync.Mutex
	pending bool
	frame   Frame
	closed  bool

	filled  chan struct{}
	drained chan struct{}
	done    chan struct{}
}

func NewIngestBuffer() *IngestBuffer {
	return &IngestBuffer{
		filled:  make(chan struct{}, 1),
		drained: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Push stores a copy of samples if the slot is free.
func (b *IngestBuffer) Push(samples []int16, startOfStream, endOfStream bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if b.pending {
		return ErrBufferBusy
	}
	b.frame = Frame{
		Samples:       append([]int16(nil), samples...),
		StartOfStream: startOfStream,
		EndOfStream:   endOfStream,
	}
	b.pending = true
	signal(b.filled)
	return nil
}

// PushWait retries Push each time the slot drains until it succeeds, ctx ends
// or the buffer closes.
func (b *IngestBuffer) PushWait(ctx context.Context, frame Frame) error {
	for {
		err := b.Push(frame.Samples, frame.StartOfStream, frame.EndOfStream)
		if !errors.Is(err, ErrBufferBusy) {
			return err
		}
		select {
		case <-b.drained:
		case <-b.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TryTake claims the pending frame. ok is false when the processing path
// should wait for more samples.
func (b *IngestBuffer) TryTake() (frame Frame, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.pending {
		return Frame{}, false
	}
	frame = b.frame
	b.frame = Frame{}
	b.pending = false
	signal(b.drained)
	return frame, true
}

// Take blocks until a frame is available. It returns ctx.Err() when ctx ends,
// ErrCancelled when cancel closes and ErrClosed once the buffer is closed and
// drained.
func (b *IngestBuffer) Take(ctx context.Context, cancel <-chan struct{}) (Frame, error) {
	for {
		if frame, ok := b.TryTake(); ok {
			return frame, nil
		}
		select {
		case <-b.filled:
		case <-b.done:
			if frame, ok := b.TryTake(); ok {
				return frame, nil
			}
			return Frame{}, ErrClosed
		case <-cancel:
			return Frame{}, ErrCancelled
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}

// Pending reports whether a pushed frame is waiting to be claimed.
func (b *IngestBuffer) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Close rejects further pushes and wakes blocked callers. A frame that is
// still pending can be taken after Close.
func (b *IngestBuffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
