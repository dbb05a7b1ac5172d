package audio

import "testing"

func TestBytesToSamples(t *testing.T) {
	samples, err := BytesToSamples([]byte{0x01, 0x00, 0xff, 0xff})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(samples) != 2 || samples[0] != 1 || samples[1] != -1 {
		t.Fatalf("unexpected samples: %v", samples)
	}
	if _, err := BytesToSamples([]byte{0x01}); err == nil {
		t.Fatal("expected error for odd payload")
	}
	back := SamplesToBytes(samples)
	if len(back) != 4 || back[0] != 0x01 || back[3] != 0xff {
		t.Fatalf("unexpected bytes: %v", back)
	}
}

func TestDownmix(t *testing.T) {
	mono := Downmix([]int16{10, 20, -4, 4, 7}, 2)
	if len(mono) != 2 || mono[0] != 15 || mono[1] != 0 {
		t.Fatalf("unexpected downmix: %v", mono)
	}
	same := []int16{1, 2}
	if got := Downmix(same, 1); len(got) != 2 {
		t.Fatalf("mono input changed: %v", got)
	}
}

func TestChunk(t *testing.T) {
	frames := Chunk(make([]int16, 250), 100)
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	if !frames[0].StartOfStream || frames[0].EndOfStream {
		t.Fatalf("first frame markers wrong: %+v", frames[0])
	}
	if frames[1].StartOfStream || frames[1].EndOfStream {
		t.Fatal("middle frame should carry no markers")
	}
	if !frames[2].EndOfStream || len(frames[2].Samples) != 50 {
		t.Fatalf("last frame wrong: eof=%v len=%d", frames[2].EndOfStream, len(frames[2].Samples))
	}

	empty := Chunk(nil, 100)
	if len(empty) != 1 || !empty[0].StartOfStream || !empty[0].EndOfStream {
		t.Fatalf("empty clip should yield one sof+eof frame: %+v", empty)
	}
}

func TestSamplesToFloat32(t *testing.T) {
	out := SamplesToFloat32([]int16{0, -32768, 16384})
	if out[0] != 0 || out[1] != -1 || out[2] != 0.5 {
		t.Fatalf("unexpected scaling: %v", out)
	}
}
