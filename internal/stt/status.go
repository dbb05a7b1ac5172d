package stt

import (
	"fmt"
	"sync/atomic"
)

type SpeechDetectionStatus int32

const (
	StatusNoSpeech SpeechDetectionStatus = iota
	StatusSpeechDetected
	StatusDecoding
)

func (s SpeechDetectionStatus) String() string {
	switch s {
	case StatusNoSpeech:
		return "no_speech"
	case StatusSpeechDetected:
		return "speech_detected"
	case StatusDecoding:
		return "decoding"
	default:
		return fmt.Sprintf("SpeechDetectionStatus(%d)", int32(s))
	}
}

// statusTracker holds the current status for concurrent readers. set is the
// only writer and notifies on every call, unchanged values included.
type statusTracker struct {
	value  atomic.Int32
	notify func(SpeechDetectionStatus)
}

func (t *statusTracker) set(status SpeechDetectionStatus) {
	t.value.Store(int32(status))
	if t.notify != nil {
		t.notify(status)
	}
}

func (t *statusTracker) get() SpeechDetectionStatus {
	return SpeechDetectionStatus(t.value.Load())
}
