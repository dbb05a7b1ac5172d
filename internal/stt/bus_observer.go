package stt

import (
	"github.com/loqalabs/loqa-stt/internal/eventstore"
	"github.com/loqalabs/loqa-stt/internal/protocol"
)

// busObserver publishes one worker's pipeline events and records the
// outcome of every utterance. It runs on the worker's processing goroutine.
type busObserver struct {
	service   *Service
	worker    *worker
	utterance int

	lastStatus SpeechDetectionStatus
	published  bool
}

// SpeechDetectionStatusChanged publishes transitions only; the processor
// reports the status on every frame.
func (o *busObserver) SpeechDetectionStatusChanged(status SpeechDetectionStatus) {
	if o.published && status == o.lastStatus {
		return
	}
	o.lastStatus, o.published = status, true
	s := o.service
	s.publish(protocol.SubjectStatus, protocol.StatusChange{
		SessionID: o.worker.id,
		Status:    status.String(),
		Timestamp: s.clock().UTC(),
	})
}

func (o *busObserver) IntermediateText(text string) {
	s := o.service
	if !s.cfg.PublishInterim {
		return
	}
	s.publish(protocol.SubjectTranscriptPartial, o.transcript(text, true))
}

func (o *busObserver) SentenceTimeout() {
	s := o.service
	msg := protocol.SentenceTimeout{SessionID: o.worker.id, Timestamp: s.clock().UTC()}
	s.publish(protocol.SubjectSentenceTimeout, msg)
	s.record(o.event(eventstore.EventSentenceTimeout), msg)
}

// Flush runs before the processor clears the utterance text, so the final
// transcript is still readable here.
func (o *busObserver) Flush(kind FlushKind) {
	s := o.service
	text, ok := o.worker.proc.IntermediateText()
	if ok {
		transcript := o.transcript(text, false)
		s.publish(protocol.SubjectTranscriptFinal, transcript)
		s.record(o.event(eventstore.EventTranscriptFinal), transcript)
	}

	flush := protocol.Flush{
		SessionID: o.worker.id,
		TraceID:   o.worker.traceID,
		Utterance: o.utterance,
		Kind:      kind.String(),
		Text:      text,
		Timestamp: s.clock().UTC(),
	}
	s.publish(protocol.SubjectFlush, flush)
	s.record(o.event(eventstore.EventFlush), flush)

	o.utterance++
	if kind == FlushEOF {
		s.retire(o.worker)
	}
}

func (o *busObserver) EngineFailed(err error) {
	s := o.service
	s.publishError(o.worker.id, err)
	s.record(o.event(eventstore.EventEngineFailed), protocol.EngineError{
		SessionID: o.worker.id,
		Engine:    s.engineName,
		Error:     err.Error(),
		Timestamp: s.clock().UTC(),
	})
}

func (o *busObserver) transcript(text string, partial bool) protocol.Transcript {
	return protocol.Transcript{
		SessionID: o.worker.id,
		TraceID:   o.worker.traceID,
		Utterance: o.utterance,
		Text:      text,
		Partial:   partial,
		Timestamp: o.service.clock().UTC(),
	}
}

func (o *busObserver) event(kind string) eventstore.Event {
	return eventstore.Event{
		SessionID: o.worker.id,
		TraceID:   o.worker.traceID,
		Utterance: o.utterance,
		Type:      kind,
	}
}
