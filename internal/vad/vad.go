// Package vad strips non-speech samples from PCM blocks before they reach a
// recognition engine.
package vad

import (
	"math"

	"github.com/loqalabs/loqa-stt/internal/config"
)

// Detector removes silence from a block of samples. Reset clears adaptive
// state between independent utterances.
type Detector interface {
	RemoveSilence(samples []int16) []int16
	Reset()
}

// New builds the detector described by cfg.
func New(cfg config.VADConfig, sampleRate int) Detector {
	if !cfg.Enabled {
		return Passthrough{}
	}
	return NewEnergy(EnergyOptions{
		FrameSamples:     sampleRate * cfg.FrameMS / 1000,
		SpeechThreshold:  cfg.SpeechThreshold,
		SilenceThreshold: cfg.SilenceThreshold,
		HangoverFrames:   hangoverFrames(cfg),
	})
}

func hangoverFrames(cfg config.VADConfig) int {
	if cfg.FrameMS <= 0 {
		return 0
	}
	return cfg.HangoverMS / cfg.FrameMS
}

// Passthrough treats every non-empty block as voiced.
type Passthrough struct{}

func (Passthrough) RemoveSilence(samples []int16) []int16 { return samples }

func (Passthrough) Reset() {}

type EnergyOptions struct {
	FrameSamples     int
	SpeechThreshold  float64
	SilenceThreshold float64
	HangoverFrames   int
}

// Energy classifies fixed-size frames by RMS level with hysteresis. Once in
// speech, frames stay voiced until the level drops below the silence
// threshold for longer than the hangover window.
type Energy struct {
	opts     EnergyOptions
	inSpeech bool
	quiet    int
}

func NewEnergy(opts EnergyOptions) *Energy {
	if opts.FrameSamples <= 0 {
		opts.FrameSamples = 320
	}
	if opts.SilenceThreshold > opts.SpeechThreshold {
		opts.SilenceThreshold = opts.SpeechThreshold
	}
	return &Energy{opts: opts}
}

func (e *Energy) RemoveSilence(samples []int16) []int16 {
	var voiced []int16
	size := e.opts.FrameSamples
	for start := 0; start < len(samples); start += size {
		end := start + size
		if end > len(samples) {
			end = len(samples)
		}
		frame := samples[start:end]
		if e.classify(rms(frame)) {
			voiced = append(voiced, frame...)
		}
	}
	return voiced
}

func (e *Energy) classify(level float64) bool {
	if !e.inSpeech {
		if level >= e.opts.SpeechThreshold {
			e.inSpeech = true
			e.quiet = 0
		}
		return e.inSpeech
	}
	if level >= e.opts.SilenceThreshold {
		e.quiet = 0
		return true
	}
	e.quiet++
	if e.quiet > e.opts.HangoverFrames {
		e.inSpeech = false
		e.quiet = 0
		return false
	}
	return true
}

func (e *Energy) Reset() {
	e.inSpeech = false
	e.quiet = 0
}

// rms returns the normalised root mean square of a block in [0, 1].
func rms(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
