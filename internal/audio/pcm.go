package audio

import (
	"encoding/binary"
	"fmt"
)

// BytesToSamples decodes little-endian 16-bit PCM.
func BytesToSamples(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned: %d bytes", len(pcm))
	}
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples, nil
}

// SamplesToBytes encodes samples as little-endian 16-bit PCM.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// SamplesToFloat32 scales samples into [-1, 1].
func SamplesToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Downmix averages interleaved channels into mono. Trailing samples that do
// not form a whole frame are dropped.
func Downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int
		for c := 0; c < channels; c++ {
			sum += int(samples[i*channels+c])
		}
		out[i] = int16(sum / channels)
	}
	return out
}

// Chunk splits a clip into frames of frameSize samples, marking the first
// frame as start of stream and the last as end of stream.
func Chunk(samples []int16, frameSize int) []Frame {
	if frameSize <= 0 {
		frameSize = len(samples)
	}
	if len(samples) == 0 {
		return []Frame{{StartOfStream: true, EndOfStream: true}}
	}
	var frames []Frame
	for start := 0; start < len(samples); start += frameSize {
		end := start + frameSize
		if end > len(samples) {
			end = len(samples)
		}
		frames = append(frames, Frame{Samples: samples[start:end]})
	}
	frames[0].StartOfStream = true
	frames[len(frames)-1].EndOfStream = true
	return frames
}
