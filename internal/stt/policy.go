package stt

import "fmt"

// SpeechMode selects how an utterance is finalized. It is fixed for the
// lifetime of a processor.
type SpeechMode int

const (
	// ModeAutomatic finalizes every utterance at the first silent frame.
	ModeAutomatic SpeechMode = iota
	// ModeSingleSentence finalizes once intermediate text exists and speech
	// has ended, and reports a sentence timeout if nothing is said.
	ModeSingleSentence
	// ModeManual never finalizes from silence; the caller ends the utterance.
	ModeManual
)

func ParseSpeechMode(value string) (SpeechMode, error) {
	switch value {
	case "automatic", "":
		return ModeAutomatic, nil
	case "single_sentence":
		return ModeSingleSentence, nil
	case "manual":
		return ModeManual, nil
	default:
		return ModeAutomatic, fmt.Errorf("unknown speech mode %q", value)
	}
}

func (m SpeechMode) String() string {
	switch m {
	case ModeAutomatic:
		return "automatic"
	case ModeSingleSentence:
		return "single_sentence"
	case ModeManual:
		return "manual"
	default:
		return fmt.Sprintf("SpeechMode(%d)", int(m))
	}
}

// FlushKind tells downstream consumers whether more utterances follow.
type FlushKind int

const (
	FlushRegular FlushKind = iota
	FlushEOF
)

func (k FlushKind) String() string {
	if k == FlushEOF {
		return "eof"
	}
	return "regular"
}

type Outcome int

const (
	OutcomeContinue Outcome = iota
	OutcomeFinalizeRegular
	OutcomeFinalizeEOF
	OutcomeSentenceTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeContinue:
		return "continue"
	case OutcomeFinalizeRegular:
		return "finalize_regular"
	case OutcomeFinalizeEOF:
		return "finalize_eof"
	case OutcomeSentenceTimeout:
		return "sentence_timeout"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// FrameState is everything the finalize decision depends on, captured once
// per frame after VAD has run.
type FrameState struct {
	Mode              SpeechMode
	EndOfStream       bool
	FinalizeRequested bool
	// Voiced is true when VAD returned samples for this frame.
	Voiced bool
	// SegmentEmpty reports whether the accumulator holds undecoded samples.
	SegmentEmpty bool
	// UtteranceOpen is true once samples of the current utterance reached
	// the session or the accumulator.
	UtteranceOpen   bool
	HasIntermediate bool
	TimerExpired    bool
}

type Decision struct {
	Outcome Outcome
}

// Final reports whether the engine should run its terminal decode.
func (d Decision) Final() bool {
	return d.Outcome == OutcomeFinalizeRegular || d.Outcome == OutcomeFinalizeEOF
}

// Flush returns the flush kind that follows a final decode.
func (d Decision) Flush() FlushKind {
	if d.Outcome == OutcomeFinalizeRegular {
		return FlushRegular
	}
	return FlushEOF
}

// Decide computes the outcome of one frame. End of stream and explicit
// finalize requests win over every silence rule, so an eof frame always
// flushes eof and never reports a sentence timeout.
func Decide(s FrameState) Decision {
	if s.EndOfStream || s.FinalizeRequested {
		if s.Mode == ModeAutomatic && !s.EndOfStream {
			return Decision{Outcome: OutcomeFinalizeRegular}
		}
		return Decision{Outcome: OutcomeFinalizeEOF}
	}
	if s.Voiced {
		return Decision{Outcome: OutcomeContinue}
	}
	switch s.Mode {
	case ModeSingleSentence:
		if s.HasIntermediate {
			return Decision{Outcome: OutcomeFinalizeEOF}
		}
		if s.SegmentEmpty && s.TimerExpired {
			return Decision{Outcome: OutcomeSentenceTimeout}
		}
	case ModeAutomatic:
		if s.UtteranceOpen || !s.SegmentEmpty {
			return Decision{Outcome: OutcomeFinalizeRegular}
		}
	}
	return Decision{Outcome: OutcomeContinue}
}
