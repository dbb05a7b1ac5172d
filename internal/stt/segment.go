package stt

import (
	"errors"
	"fmt"
)

var ErrSegmentOverflow = errors.New("stt: speech segment overflow")

// Segment accumulates voiced samples of the current utterance up to a fixed
// capacity reserved up front.
type Segment struct {
	buf []int16
	max int
}

func NewSegment(max int) *Segment {
	if max < 0 {
		max = 0
	}
	return &Segment{buf: make([]int16, 0, max), max: max}
}

// Append adds samples or fails without modifying the segment when they do
// not fit.
func (s *Segment) Append(samples []int16) error {
	if len(s.buf)+len(samples) > s.max {
		return fmt.Errorf("%w: %d+%d exceeds %d samples", ErrSegmentOverflow, len(s.buf), len(samples), s.max)
	}
	s.buf = append(s.buf, samples...)
	return nil
}

// Samples returns the accumulated samples. The slice is reused after Reset.
func (s *Segment) Samples() []int16 { return s.buf }

func (s *Segment) Len() int { return len(s.buf) }

func (s *Segment) Cap() int { return s.max }

func (s *Segment) Empty() bool { return len(s.buf) == 0 }

func (s *Segment) Reset() { s.buf = s.buf[:0] }
