package stt

import "time"

// SentenceTimer measures the silence since the last detected speech. A
// non-positive timeout disables it.
type SentenceTimer struct {
	timeout time.Duration
	clock   func() time.Time
	last    time.Time
	armed   bool
}

func NewSentenceTimer(timeout time.Duration, clock func() time.Time) *SentenceTimer {
	if clock == nil {
		clock = time.Now
	}
	return &SentenceTimer{timeout: timeout, clock: clock, armed: true}
}

// Reset forgets the last speech timestamp; the next Expired call starts a
// new measurement.
func (t *SentenceTimer) Reset() {
	t.last = time.Time{}
	t.armed = true
}

// Restart records speech at the current instant.
func (t *SentenceTimer) Restart() {
	t.last = t.clock()
	t.armed = true
}

// Disarm silences the timer until the next Reset or Restart.
func (t *SentenceTimer) Disarm() {
	t.armed = false
}

func (t *SentenceTimer) Expired() bool {
	if !t.armed || t.timeout <= 0 {
		return false
	}
	now := t.clock()
	if t.last.IsZero() {
		t.last = now
		return false
	}
	return now.Sub(t.last) >= t.timeout
}
