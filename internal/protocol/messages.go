package protocol

import "time"

// AudioFrame carries one block of little-endian 16-bit PCM for a stream.
// The first frame of an utterance sets StartOfStream; the last sets
// EndOfStream.
type AudioFrame struct {
	SessionID     string `json:"session_id"`
	Sequence      int    `json:"sequence"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	PCM           []byte `json:"pcm"`
	StartOfStream bool   `json:"start_of_stream,omitempty"`
	EndOfStream   bool   `json:"end_of_stream,omitempty"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID string    `json:"session_id"`
	TraceID   string    `json:"trace_id,omitempty"`
	Utterance int       `json:"utterance"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusChange reports a speech detection status transition.
type StatusChange struct {
	SessionID string    `json:"session_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Flush marks the end of an utterance. Kind is "regular" or "eof".
type Flush struct {
	SessionID string    `json:"session_id"`
	TraceID   string    `json:"trace_id,omitempty"`
	Utterance int       `json:"utterance"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SentenceTimeout is published when single-sentence mode gives up waiting
// for speech.
type SentenceTimeout struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// EngineError is published when a stream's engine becomes unusable.
type EngineError struct {
	SessionID string    `json:"session_id"`
	Engine    string    `json:"engine"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectStatus            = "stt.status"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectFlush             = "stt.flush"
	SubjectSentenceTimeout   = "stt.sentence_timeout"
	SubjectEngineError       = "stt.error"
)

// AudioFrameSubject is the subject producers publish a session's frames on.
func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}

// Control steers a stream from outside the audio path, for example a
// push-to-talk button driving manual speech mode.
type Control struct {
	SessionID string `json:"session_id"`
	Action    string `json:"action"`
}

const (
	SubjectControlPrefix = "stt.control"

	ActionSpeechStarted = "speech_started"
	ActionSpeechStopped = "speech_stopped"
	ActionFinalize      = "finalize"
)

// ControlSubject is the subject a session's control messages are sent on.
func ControlSubject(sessionID string) string {
	return SubjectControlPrefix + "." + sessionID
}
