package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-stt/internal/audio"
	"github.com/loqalabs/loqa-stt/internal/engine/mock"
)

func writeClip(t *testing.T, samples []int16, sampleRate int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()
	if err := audio.WriteWAV(f, samples, sampleRate, 1); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	return path
}

func tone(n int) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = 8000
		if i%2 == 1 {
			samples[i] = -8000
		}
	}
	return samples
}

func TestRunPrintsFinalAndFlush(t *testing.T) {
	t.Setenv("LOQA_STT_VAD_ENABLED", "false")
	path := writeClip(t, tone(800), 16000)

	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), []string{"-engine", "mock", "-mode", "automatic", path}, &stdout, &stderr); err != nil {
		t.Fatalf("run: %v (stderr: %s)", err, stderr.String())
	}
	out := stdout.String()
	if !strings.Contains(out, "partial  "+mock.Text(false, 320)) {
		t.Fatalf("missing first partial:\n%s", out)
	}
	if !strings.Contains(out, "final    "+mock.Text(true, 800)) {
		t.Fatalf("missing final text:\n%s", out)
	}
	if !strings.HasSuffix(out, "flush    eof\n") {
		t.Fatalf("expected trailing eof flush:\n%s", out)
	}
}

func TestRunJSONSingleSentence(t *testing.T) {
	t.Setenv("LOQA_STT_VAD_ENABLED", "false")
	path := writeClip(t, tone(400), 16000)

	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), []string{"-json", "-mode", "single_sentence", "-wav", path}, &stdout, &stderr); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(stdout.String(), `"kind":"eof"`) {
		t.Fatalf("expected eof flush json:\n%s", stdout.String())
	}
}

func TestRunRejectsSampleRateMismatch(t *testing.T) {
	path := writeClip(t, tone(100), 8000)
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{path}, &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "8000 Hz") {
		t.Fatalf("expected sample rate error, got %v", err)
	}
}

func TestRunRequiresWAV(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), nil, &stdout, &stderr); err == nil {
		t.Fatal("expected missing wav error")
	}
}
