package audio

import (
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Clip is a decoded mono recording.
type Clip struct {
	Samples    []int16
	SampleRate int
}

// ReadWAV decodes a PCM WAV stream into mono 16-bit samples. Multi-channel
// input is downmixed; 24 and 32-bit input is scaled down.
func ReadWAV(r io.ReadSeeker) (Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Clip{}, fmt.Errorf("invalid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("decode wav: %w", err)
	}

	var shift uint
	switch dec.BitDepth {
	case 16:
	case 24:
		shift = 8
	case 32:
		shift = 16
	default:
		return Clip{}, fmt.Errorf("unsupported wav bit depth %d", dec.BitDepth)
	}

	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v >> shift)
	}
	return Clip{
		Samples:    Downmix(samples, int(dec.NumChans)),
		SampleRate: int(dec.SampleRate),
	}, nil
}

// WriteWAV encodes 16-bit samples as a PCM WAV stream.
func WriteWAV(w io.WriteSeeker, samples []int16, sampleRate, channels int) error {
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(samples)),
	}
	for i, s := range samples {
		buffer.Data[i] = int(s)
	}

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
