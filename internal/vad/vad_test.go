package vad

import (
	"testing"

	"github.com/loqalabs/loqa-stt/internal/config"
)

func tone(n int, amplitude int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = amplitude
		} else {
			out[i] = -amplitude
		}
	}
	return out
}

func TestEnergyStripsSilence(t *testing.T) {
	e := NewEnergy(EnergyOptions{FrameSamples: 100, SpeechThreshold: 0.1, SilenceThreshold: 0.05})
	if got := e.RemoveSilence(make([]int16, 300)); len(got) != 0 {
		t.Fatalf("expected silence stripped, got %d samples", len(got))
	}

	block := append(make([]int16, 100), tone(200, 10000)...)
	block = append(block, make([]int16, 100)...)
	if got := e.RemoveSilence(block); len(got) != 200 {
		t.Fatalf("expected 200 voiced samples, got %d", len(got))
	}
}

func TestEnergyHangover(t *testing.T) {
	e := NewEnergy(EnergyOptions{FrameSamples: 100, SpeechThreshold: 0.1, SilenceThreshold: 0.05, HangoverFrames: 2})
	block := append(tone(100, 10000), make([]int16, 400)...)
	if got := e.RemoveSilence(block); len(got) != 300 {
		t.Fatalf("expected speech frame plus two hangover frames, got %d", len(got))
	}
}

func TestEnergyHysteresis(t *testing.T) {
	e := NewEnergy(EnergyOptions{FrameSamples: 100, SpeechThreshold: 0.2, SilenceThreshold: 0.05})
	// 0.1 sits between the thresholds: ignored before onset, kept after.
	mid := tone(100, 3277)
	if got := e.RemoveSilence(mid); len(got) != 0 {
		t.Fatalf("mid level should not start speech, got %d", len(got))
	}
	e.RemoveSilence(tone(100, 10000))
	if got := e.RemoveSilence(mid); len(got) != 100 {
		t.Fatalf("mid level should sustain speech, got %d", len(got))
	}
}

func TestEnergyReset(t *testing.T) {
	e := NewEnergy(EnergyOptions{FrameSamples: 100, SpeechThreshold: 0.2, SilenceThreshold: 0.05, HangoverFrames: 10})
	e.RemoveSilence(tone(100, 10000))
	e.Reset()
	if got := e.RemoveSilence(make([]int16, 100)); len(got) != 0 {
		t.Fatalf("hangover leaked across reset: %d samples", len(got))
	}
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.Default().STT.VAD
	if _, ok := New(cfg, 16000).(*Energy); !ok {
		t.Fatal("expected energy detector when enabled")
	}
	cfg.Enabled = false
	d := New(cfg, 16000)
	if _, ok := d.(Passthrough); !ok {
		t.Fatal("expected passthrough when disabled")
	}
	if got := d.RemoveSilence(make([]int16, 10)); len(got) != 10 {
		t.Fatalf("passthrough dropped samples: %d", len(got))
	}
}
