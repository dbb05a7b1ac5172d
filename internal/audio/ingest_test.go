package audio

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPushBackpressure(t *testing.T) {
	b := NewIngestBuffer()
	if err := b.Push([]int16{1, 2, 3}, true, false); err != nil {
		t.Fatalf("first push: %v", err)
	}
	if err := b.Push([]int16{4}, false, false); !errors.Is(err, ErrBufferBusy) {
		t.Fatalf("expected ErrBufferBusy, got %v", err)
	}

	frame, ok := b.TryTake()
	if !ok {
		t.Fatal("expected pending frame")
	}
	if len(frame.Samples) != 3 || !frame.StartOfStream || frame.EndOfStream {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if _, ok := b.TryTake(); ok {
		t.Fatal("frame claimed twice")
	}
	if err := b.Push([]int16{4}, false, true); err != nil {
		t.Fatalf("push after claim: %v", err)
	}
}

func TestPushCopiesSamples(t *testing.T) {
	b := NewIngestBuffer()
	samples := []int16{7, 8}
	if err := b.Push(samples, false, false); err != nil {
		t.Fatalf("push: %v", err)
	}
	samples[0] = 0
	frame, _ := b.TryTake()
	if frame.Samples[0] != 7 {
		t.Fatalf("buffer retained producer slice")
	}
}

func TestTakeWakesOnPush(t *testing.T) {
	b := NewIngestBuffer()
	got := make(chan Frame, 1)
	go func() {
		frame, err := b.Take(context.Background(), nil)
		if err == nil {
			got <- frame
		}
	}()

	time.Sleep(10 * time.Millisecond)
	if err := b.Push([]int16{5}, false, true); err != nil {
		t.Fatalf("push: %v", err)
	}
	select {
	case frame := <-got:
		if !frame.EndOfStream {
			t.Fatalf("unexpected frame %+v", frame)
		}
	case <-time.After(time.Second):
		t.Fatal("take did not wake")
	}
}

func TestPushWaitDelivers(t *testing.T) {
	b := NewIngestBuffer()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	const frames = 50
	errs := make(chan error, 1)
	go func() {
		for i := 0; i < frames; i++ {
			if err := b.PushWait(ctx, Frame{Samples: []int16{int16(i)}}); err != nil {
				errs <- err
				return
			}
		}
		errs <- nil
	}()

	for i := 0; i < frames; i++ {
		frame, err := b.Take(ctx, nil)
		if err != nil {
			t.Fatalf("take %d: %v", i, err)
		}
		if frame.Samples[0] != int16(i) {
			t.Fatalf("frame %d out of order: %v", i, frame.Samples)
		}
	}
	if err := <-errs; err != nil {
		t.Fatalf("producer: %v", err)
	}
}

func TestTakeCancellation(t *testing.T) {
	b := NewIngestBuffer()
	cancel := make(chan struct{})
	close(cancel)
	if _, err := b.Take(context.Background(), cancel); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	stop()
	if _, err := b.Take(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCloseDrainsPending(t *testing.T) {
	b := NewIngestBuffer()
	if err := b.Push([]int16{1}, false, true); err != nil {
		t.Fatalf("push: %v", err)
	}
	b.Close()
	if err := b.Push([]int16{2}, false, false); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := b.Take(context.Background(), nil); err != nil {
		t.Fatalf("pending frame lost on close: %v", err)
	}
	if _, err := b.Take(context.Background(), nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after drain, got %v", err)
	}
}
