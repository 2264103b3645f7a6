// Package pcm provides types and utilities for working with PCM
// (Pulse Code Modulation) audio data.
//
// The package defines audio formats for common configurations (16-bit mono
// at various sample rates) and the sample/time conversions the rest of the
// audio stack relies on. The capture and transport layers move audio as
// 16-bit signed little-endian bytes; the analysis layers work on normalized
// float32 samples in [-1, 1]. The conversion helpers here are the single
// place where that boundary is crossed.
package pcm

import (
	"time"
)

const (
	// L16Mono16K represents audio/L16; rate=16000; channels=1
	L16Mono16K Format = iota
	// L16Mono24K represents audio/L16; rate=24000; channels=1
	L16Mono24K
	// L16Mono48K represents audio/L16; rate=48000; channels=1
	L16Mono48K
)

// Format represents an audio format configuration.
type Format int

// SampleRate returns the sample rate in Hz for this format.
func (f Format) SampleRate() int {
	switch f {
	case L16Mono16K:
		return 16000
	case L16Mono24K:
		return 24000
	case L16Mono48K:
		return 48000
	}
	panic("pcm: invalid audio format")
}

// Channels returns the number of audio channels for this format.
func (f Format) Channels() int {
	switch f {
	case L16Mono16K, L16Mono24K, L16Mono48K:
		return 1
	}
	panic("pcm: invalid audio format")
}

// Depth returns the bit depth for this format.
func (f Format) Depth() int {
	switch f {
	case L16Mono16K, L16Mono24K, L16Mono48K:
		return 16
	}
	panic("pcm: invalid audio format")
}

// Samples returns the number of samples in the given number of bytes.
func (f Format) Samples(bytes int64) int64 {
	return bytes * 8 / int64(f.Channels()) / int64(f.Depth())
}

// SamplesInDuration returns the number of samples in the given duration.
func (f Format) SamplesInDuration(d time.Duration) int64 {
	return int64(time.Duration(f.SampleRate()) * d / time.Second)
}

// BytesInDuration returns the number of bytes in the given duration.
func (f Format) BytesInDuration(d time.Duration) int64 {
	return f.SamplesInDuration(d) * int64(f.Channels()) * int64(f.Depth()) / 8
}

// Duration returns the duration of the given number of bytes.
func (f Format) Duration(bytes int64) time.Duration {
	return time.Duration(f.Samples(bytes)) * time.Second / time.Duration(f.SampleRate())
}

// BytesRate returns the byte rate of the audio data.
func (f Format) BytesRate() int {
	return f.SampleRate() * f.Channels() * f.Depth() / 8
}

// MsToFrame converts a millisecond offset on the audio timeline to a frame
// (sample) index at the given rate: floor(ms / 1000 * rate).
func MsToFrame(ms int64, sampleRate int) int64 {
	return ms * int64(sampleRate) / 1000
}

// FrameToMs converts a frame index back to a millisecond offset.
func FrameToMs(frame int64, sampleRate int) int64 {
	return frame * 1000 / int64(sampleRate)
}

// Int16ToFloat32 converts 16-bit signed little-endian PCM bytes to
// normalized float32 samples in [-1, 1). Trailing odd bytes are ignored.
func Int16ToFloat32(b []byte) []float32 {
	n := len(b) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(b[2*i]) | int16(b[2*i+1])<<8
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Float32ToInt16 converts normalized float32 samples to 16-bit signed
// little-endian PCM bytes, clipping values outside [-1, 1].
func Float32ToInt16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		s := int16(v * 32767)
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}
