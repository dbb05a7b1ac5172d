package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-stt/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "events.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "ephemeral"})
	if es.db != nil {
		t.Fatal("ephemeral store should not open a database")
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: "s", Type: EventFlush}); err != nil {
		t.Fatalf("append on ephemeral store: %v", err)
	}
	events, err := es.ListSessionEvents(context.Background(), "s", 10)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected no events, got %v %v", events, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	sessionID := "session-123"
	if err := es.AppendSession(ctx, Session{ID: sessionID, Engine: "mock", SpeechMode: "automatic"}); err != nil {
		t.Fatalf("append session: %v", err)
	}
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	es.clock = func() time.Time { return base }
	for i, typ := range []string{EventTranscriptFinal, EventFlush} {
		evt := Event{SessionID: sessionID, TraceID: "trace-1", Utterance: 1, Type: typ, Payload: []byte{byte('a' + i)}}
		if err := es.AppendEvent(ctx, evt); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}

	events, err := es.ListSessionEvents(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != EventTranscriptFinal || events[1].Type != EventFlush {
		t.Fatalf("events out of order: %+v", events)
	}
	if events[0].Utterance != 1 || events[0].TraceID != "trace-1" || string(events[0].Payload) != "a" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, Session{ID: "old-session", Engine: "mock"}); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", Type: EventSentenceTimeout}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, Session{ID: "new-session", Engine: "mock"}); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
}
