package stt_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/bus"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/engine/mock"
	"github.com/loqalabs/loqa-stt/internal/eventstore"
	"github.com/loqalabs/loqa-stt/internal/natsserver"
	"github.com/loqalabs/loqa-stt/internal/protocol"
	"github.com/loqalabs/loqa-stt/internal/stt"
	"github.com/nats-io/nats.go"
)

type serviceHarness struct {
	t       *testing.T
	client  *bus.Client
	store   *eventstore.Store
	service *stt.Service
}

func newServiceHarness(t *testing.T, mutate func(*config.STTConfig)) *serviceHarness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, log)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, log)
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)

	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "session",
	}, log)
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Default().STT
	cfg.VAD.Enabled = false
	cfg.IdleTimeoutMS = 0
	if mutate != nil {
		mutate(&cfg)
	}
	service, err := stt.NewService(context.Background(), stt.ServiceOptions{
		Config:     cfg,
		Bus:        client,
		Store:      store,
		EngineName: "mock",
		NewEngine:  func() (stt.Engine, error) { return mock.New(), nil },
		Logger:     log,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := service.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(service.Close)

	return &serviceHarness{t: t, client: client, store: store, service: service}
}

func (h *serviceHarness) subscribe(subject string) chan *nats.Msg {
	h.t.Helper()
	ch := make(chan *nats.Msg, 64)
	sub, err := h.client.Conn().ChanSubscribe(subject, ch)
	if err != nil {
		h.t.Fatalf("subscribe %s: %v", subject, err)
	}
	h.t.Cleanup(func() { _ = sub.Unsubscribe() })
	if err := h.client.Conn().Flush(); err != nil {
		h.t.Fatalf("flush: %v", err)
	}
	return ch
}

func (h *serviceHarness) sendFrame(frame protocol.AudioFrame) {
	h.t.Helper()
	if err := h.client.PublishJSON(protocol.AudioFrameSubject(frame.SessionID), frame); err != nil {
		h.t.Fatalf("publish frame: %v", err)
	}
}

func (h *serviceHarness) sendControl(sessionID, action string) {
	h.t.Helper()
	ctrl := protocol.Control{SessionID: sessionID, Action: action}
	if err := h.client.PublishJSON(protocol.ControlSubject(sessionID), ctrl); err != nil {
		h.t.Fatalf("publish control: %v", err)
	}
	if err := h.client.Conn().Flush(); err != nil {
		h.t.Fatalf("flush: %v", err)
	}
}

func pcm(n int, value int16) []byte {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = value
	}
	return audio.SamplesToBytes(samples)
}

func receive[T any](t *testing.T, ch chan *nats.Msg) T {
	t.Helper()
	var out T
	select {
	case msg := <-ch:
		if err := json.Unmarshal(msg.Data, &out); err != nil {
			t.Fatalf("decode %s: %v", msg.Subject, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServiceTranscribesStream(t *testing.T) {
	h := newServiceHarness(t, nil)
	finals := h.subscribe(protocol.SubjectTranscriptFinal)
	flushes := h.subscribe(protocol.SubjectFlush)
	partials := h.subscribe(protocol.SubjectTranscriptPartial)

	h.sendFrame(protocol.AudioFrame{SessionID: "kitchen", Sequence: 1, SampleRate: 16000, Channels: 1, PCM: pcm(100, 1000), StartOfStream: true})
	h.sendFrame(protocol.AudioFrame{SessionID: "kitchen", Sequence: 2, SampleRate: 16000, Channels: 1, PCM: pcm(100, 1000)})
	h.sendFrame(protocol.AudioFrame{SessionID: "kitchen", Sequence: 3, SampleRate: 16000, Channels: 1, EndOfStream: true})

	first := receive[protocol.Transcript](t, partials)
	if first.Text != mock.Text(false, 100) || !first.Partial {
		t.Fatalf("unexpected first partial %+v", first)
	}

	final := receive[protocol.Transcript](t, finals)
	if final.Text != mock.Text(true, 200) || final.Partial || final.SessionID != "kitchen" {
		t.Fatalf("unexpected final transcript %+v", final)
	}
	if final.TraceID == "" || final.Utterance != 1 {
		t.Fatalf("expected trace id and first utterance, got %+v", final)
	}

	flush := receive[protocol.Flush](t, flushes)
	if flush.Kind != "eof" || flush.Text != final.Text {
		t.Fatalf("unexpected flush %+v", flush)
	}

	waitFor(t, func() bool { return h.service.ActiveSessions() == 0 })

	events, err := h.store.ListSessionEvents(context.Background(), "kitchen", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 || events[0].Type != eventstore.EventTranscriptFinal || events[1].Type != eventstore.EventFlush {
		t.Fatalf("unexpected recorded events %+v", events)
	}
}

func TestServiceStereoDownmix(t *testing.T) {
	h := newServiceHarness(t, func(c *config.STTConfig) { c.PublishInterim = false })
	finals := h.subscribe(protocol.SubjectTranscriptFinal)

	h.sendFrame(protocol.AudioFrame{SessionID: "den", Sequence: 1, Channels: 2, PCM: pcm(200, 500), StartOfStream: true, EndOfStream: true})

	final := receive[protocol.Transcript](t, finals)
	if final.Text != mock.Text(true, 100) {
		t.Fatalf("expected 100 mono samples, got %q", final.Text)
	}
}

func TestServiceRejectsSampleRateMismatch(t *testing.T) {
	h := newServiceHarness(t, nil)
	h.sendFrame(protocol.AudioFrame{SessionID: "hall", SampleRate: 8000, PCM: pcm(10, 1), StartOfStream: true})
	if err := h.client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := h.service.ActiveSessions(); got != 0 {
		t.Fatalf("expected no worker for rejected frame, got %d", got)
	}
}

func TestServiceManualModeControl(t *testing.T) {
	h := newServiceHarness(t, func(c *config.STTConfig) { c.SpeechMode = "manual" })
	statuses := h.subscribe(protocol.SubjectStatus)
	flushes := h.subscribe(protocol.SubjectFlush)

	h.sendControl("office", protocol.ActionSpeechStarted)
	waitFor(t, func() bool { return h.service.ActiveSessions() == 1 })
	time.Sleep(20 * time.Millisecond)

	h.sendFrame(protocol.AudioFrame{SessionID: "office", Sequence: 1, PCM: pcm(50, 1000), StartOfStream: true})
	if got := receive[protocol.StatusChange](t, statuses); got.Status != "speech_detected" {
		t.Fatalf("expected speech_detected, got %+v", got)
	}

	// Releasing push-to-talk sends finalize and no further audio.
	h.sendControl("office", protocol.ActionFinalize)

	flush := receive[protocol.Flush](t, flushes)
	if flush.Kind != "eof" || flush.Text != mock.Text(true, 50) {
		t.Fatalf("unexpected flush %+v", flush)
	}
	waitFor(t, func() bool { return h.service.ActiveSessions() == 0 })
}

func TestServiceReaperFinalizesOpenUtterance(t *testing.T) {
	h := newServiceHarness(t, func(c *config.STTConfig) {
		c.SpeechMode = "manual"
		c.IdleTimeoutMS = 40
	})
	flushes := h.subscribe(protocol.SubjectFlush)

	h.sendControl("attic", protocol.ActionSpeechStarted)
	h.sendFrame(protocol.AudioFrame{SessionID: "attic", Sequence: 1, PCM: pcm(50, 1000), StartOfStream: true})

	flush := receive[protocol.Flush](t, flushes)
	if flush.Kind != "eof" || flush.Text != mock.Text(true, 50) {
		t.Fatalf("idle session must flush its transcript, got %+v", flush)
	}
	waitFor(t, func() bool { return h.service.ActiveSessions() == 0 })

	events, err := h.store.ListSessionEvents(context.Background(), "attic", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) == 0 || events[0].Type != eventstore.EventTranscriptFinal {
		t.Fatalf("expected a recorded final transcript, got %+v", events)
	}
}

func TestServiceControlIgnoresUnknownSession(t *testing.T) {
	h := newServiceHarness(t, nil)
	h.sendControl("cellar", protocol.ActionFinalize)
	h.sendControl("cellar", protocol.ActionSpeechStopped)
	time.Sleep(50 * time.Millisecond)
	if got := h.service.ActiveSessions(); got != 0 {
		t.Fatalf("control for an unknown session must not start a worker, got %d", got)
	}

	h.sendControl("cellar", protocol.ActionSpeechStarted)
	waitFor(t, func() bool { return h.service.ActiveSessions() == 1 })
}

func TestServiceReapsIdleSessions(t *testing.T) {
	h := newServiceHarness(t, func(c *config.STTConfig) { c.IdleTimeoutMS = 40 })

	h.sendFrame(protocol.AudioFrame{SessionID: "garage", Sequence: 1, PCM: pcm(10, 1000), StartOfStream: true})
	waitFor(t, func() bool { return h.service.ActiveSessions() == 1 })
	waitFor(t, func() bool { return h.service.ActiveSessions() == 0 })
}

func TestServiceBackToBackUtterances(t *testing.T) {
	h := newServiceHarness(t, func(c *config.STTConfig) { c.PublishInterim = false })
	finals := h.subscribe(protocol.SubjectTranscriptFinal)

	h.sendFrame(protocol.AudioFrame{SessionID: "porch", Sequence: 1, PCM: pcm(30, 1000), StartOfStream: true, EndOfStream: true})
	h.sendFrame(protocol.AudioFrame{SessionID: "porch", Sequence: 2, PCM: pcm(40, 1000), StartOfStream: true, EndOfStream: true})

	if got := receive[protocol.Transcript](t, finals); got.Text != mock.Text(true, 30) {
		t.Fatalf("unexpected first final %+v", got)
	}
	if got := receive[protocol.Transcript](t, finals); got.Text != mock.Text(true, 40) {
		t.Fatalf("unexpected second final %+v", got)
	}
}

func TestServiceHealthy(t *testing.T) {
	h := newServiceHarness(t, nil)
	if !h.service.Healthy() {
		t.Fatal("expected healthy service")
	}
	h.service.Close()
	if h.service.Healthy() {
		t.Fatal("expected unhealthy after close")
	}
}
