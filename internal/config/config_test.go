package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.STT.Engine != "mock" || cfg.STT.SpeechMode != "automatic" {
		t.Fatalf("unexpected stt defaults: %+v", cfg.STT)
	}
	if got := cfg.STT.MaxSegmentSamples(); got != 16000*30 {
		t.Fatalf("expected 480000 max samples, got %d", got)
	}
	if cfg.Node.Role != "stt" || cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		t.Fatalf("unexpected node defaults: %+v", cfg.Node)
	}
	if got := cfg.STT.FrameSamples(); got != 320 {
		t.Fatalf("expected 320 samples per frame, got %d", got)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa-stt.yaml")
	doc := `stt:
  engine: exec
  command: "python3 stt.py --beam 4"
  speech_mode: single_sentence
  sentence_timeout_ms: 1500
  vad:
    enabled: false
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.STT.Engine != "exec" || cfg.STT.SpeechMode != "single_sentence" {
		t.Fatalf("file values not applied: %+v", cfg.STT)
	}
	if cfg.STT.SentenceTimeoutMS != 1500 {
		t.Fatalf("expected sentence timeout 1500, got %d", cfg.STT.SentenceTimeoutMS)
	}
	if cfg.STT.VAD.Enabled {
		t.Fatal("expected vad disabled")
	}
	if cfg.STT.SampleRate != 16000 {
		t.Fatalf("expected default sample rate kept, got %d", cfg.STT.SampleRate)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_NODE_ID", "stt-kitchen")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("LOQA_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("LOQA_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("LOQA_STT_SPEECH_MODE", "manual")
	t.Setenv("LOQA_STT_SENTENCE_TIMEOUT_MS", "2500")
	t.Setenv("LOQA_STT_VAD_SPEECH_THRESHOLD", "0.05")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "stt-kitchen" {
		t.Fatalf("expected node id override, got %q", cfg.Node.ID)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store max sessions override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.STT.SpeechMode != "manual" {
		t.Fatalf("expected speech mode override, got %q", cfg.STT.SpeechMode)
	}
	if cfg.STT.SentenceTimeoutMS != 2500 {
		t.Fatalf("expected sentence timeout override")
	}
	if cfg.STT.VAD.SpeechThreshold != 0.05 {
		t.Fatalf("expected vad threshold override, got %v", cfg.STT.VAD.SpeechThreshold)
	}
}

func TestValidateSTT(t *testing.T) {
	base := Default().STT
	cases := []struct {
		name   string
		mutate func(*STTConfig)
	}{
		{"unknown engine", func(c *STTConfig) { c.Engine = "deepspeech" }},
		{"unknown mode", func(c *STTConfig) { c.SpeechMode = "push_to_talk" }},
		{"exec without command", func(c *STTConfig) { c.Engine = "exec" }},
		{"wasm without plugin", func(c *STTConfig) { c.Engine = "wasm" }},
		{"whisper without model", func(c *STTConfig) { c.Engine = "whisper" }},
		{"segment shorter than frame", func(c *STTConfig) { c.MaxSegmentMS = 5 }},
		{"inverted vad thresholds", func(c *STTConfig) { c.VAD.SilenceThreshold = 0.5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			if err := ValidateSTT(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
	if err := ValidateSTT(base); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}
