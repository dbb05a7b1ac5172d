package stt

import "testing"

func TestDecide(t *testing.T) {
	cases := []struct {
		name  string
		state FrameState
		want  Outcome
	}{
		{"automatic voiced", FrameState{Mode: ModeAutomatic, Voiced: true, UtteranceOpen: true}, OutcomeContinue},
		{"automatic silence ends utterance", FrameState{Mode: ModeAutomatic, SegmentEmpty: true, UtteranceOpen: true}, OutcomeFinalizeRegular},
		{"automatic idle silence", FrameState{Mode: ModeAutomatic, SegmentEmpty: true}, OutcomeContinue},
		{"automatic eof", FrameState{Mode: ModeAutomatic, EndOfStream: true, SegmentEmpty: true}, OutcomeFinalizeEOF},
		{"automatic eof while voiced", FrameState{Mode: ModeAutomatic, EndOfStream: true, Voiced: true}, OutcomeFinalizeEOF},
		{"automatic finalize request", FrameState{Mode: ModeAutomatic, FinalizeRequested: true, Voiced: true}, OutcomeFinalizeRegular},
		{"single sentence speech ended", FrameState{Mode: ModeSingleSentence, SegmentEmpty: true, HasIntermediate: true}, OutcomeFinalizeEOF},
		{"single sentence still speaking", FrameState{Mode: ModeSingleSentence, Voiced: true, HasIntermediate: true}, OutcomeContinue},
		{"single sentence timeout", FrameState{Mode: ModeSingleSentence, SegmentEmpty: true, TimerExpired: true}, OutcomeSentenceTimeout},
		{"single sentence timer running", FrameState{Mode: ModeSingleSentence, SegmentEmpty: true}, OutcomeContinue},
		{"single sentence eof beats timeout", FrameState{Mode: ModeSingleSentence, EndOfStream: true, SegmentEmpty: true, TimerExpired: true}, OutcomeFinalizeEOF},
		{"single sentence eof with text", FrameState{Mode: ModeSingleSentence, EndOfStream: true, HasIntermediate: true}, OutcomeFinalizeEOF},
		{"manual silence", FrameState{Mode: ModeManual, SegmentEmpty: true, UtteranceOpen: true, HasIntermediate: true}, OutcomeContinue},
		{"manual finalize request", FrameState{Mode: ModeManual, FinalizeRequested: true, SegmentEmpty: true}, OutcomeFinalizeEOF},
		{"manual eof", FrameState{Mode: ModeManual, EndOfStream: true}, OutcomeFinalizeEOF},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Decide(tc.state).Outcome; got != tc.want {
				t.Fatalf("want %s, got %s", tc.want, got)
			}
		})
	}
}

func TestDecisionFlags(t *testing.T) {
	if (Decision{Outcome: OutcomeContinue}).Final() {
		t.Fatal("continue is not final")
	}
	if (Decision{Outcome: OutcomeSentenceTimeout}).Final() {
		t.Fatal("timeout is not final")
	}
	if got := (Decision{Outcome: OutcomeFinalizeRegular}).Flush(); got != FlushRegular {
		t.Fatalf("expected regular flush, got %s", got)
	}
	if got := (Decision{Outcome: OutcomeFinalizeEOF}).Flush(); got != FlushEOF {
		t.Fatalf("expected eof flush, got %s", got)
	}
}

func TestParseSpeechMode(t *testing.T) {
	for value, want := range map[string]SpeechMode{
		"automatic":       ModeAutomatic,
		"single_sentence": ModeSingleSentence,
		"manual":          ModeManual,
	} {
		got, err := ParseSpeechMode(value)
		if err != nil || got != want {
			t.Fatalf("%s: got %v, %v", value, got, err)
		}
		if got.String() != value {
			t.Fatalf("round trip %s != %s", got, value)
		}
	}
	if _, err := ParseSpeechMode("push_to_talk"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
