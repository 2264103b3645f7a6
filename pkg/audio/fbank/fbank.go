// Package fbank computes log mel filterbank features from PCM audio.
//
// This is the front-end for the speaker embedding model. The output is a
// [numMels][numFrames] float32 matrix suitable for building the model's
// [1, numMels, T] input tensor.
//
// Default parameters match the embedding model's training-time front-end
// and must not drift from it:
//
//	SampleRate: 16000
//	WindowSize: 400 (25 ms)
//	HopSize:    160 (10 ms)
//	FFTSize:    512
//	NumMels:    80
//	LowFreq:    0
//	HighFreq:   8000
//
// Each frame is Hamming-windowed, zero-padded to the FFT size, and reduced
// to a one-sided power spectrum over the 256 positive-frequency bins. The
// triangular mel filters use the HTK scale (2595*log10(1+f/700)). Per-band
// energies are floored at 1e-10 before the log, then mean-centered per band
// across all frames. No variance normalization and no clipping.
package fbank

import (
	"math"
)

// Config controls mel filterbank extraction parameters.
type Config struct {
	SampleRate int     // audio sample rate in Hz (default 16000)
	WindowSize int     // window length in samples (default 400 = 25ms)
	HopSize    int     // hop length in samples (default 160 = 10ms)
	FFTSize    int     // FFT size, power of two (default 512)
	NumMels    int     // number of mel bins (default 80)
	LowFreq    float64 // lowest mel frequency (default 0)
	HighFreq   float64 // highest mel frequency (default 8000)
}

// DefaultConfig returns the extraction parameters the embedding model was
// trained with.
func DefaultConfig() Config {
	return Config{
		SampleRate: 16000,
		WindowSize: 400,
		HopSize:    160,
		FFTSize:    512,
		NumMels:    80,
		LowFreq:    0,
		HighFreq:   8000,
	}
}

// energyFloor is the minimum filterbank energy before the log.
const energyFloor = 1e-10

// Features is a mel filterbank feature matrix laid out [numMels][numFrames],
// mean-centered per mel band.
type Features struct {
	Data      [][]float32
	NumMels   int
	NumFrames int
}

// Flatten returns the features as a flat slice in [mel][frame] row-major
// order, suitable for a [1, numMels, numFrames] tensor.
func (f *Features) Flatten() []float32 {
	flat := make([]float32, f.NumMels*f.NumFrames)
	for m, band := range f.Data {
		copy(flat[m*f.NumFrames:], band)
	}
	return flat
}

// Extractor computes mel filterbank features from float32 audio samples.
type Extractor struct {
	cfg     Config
	window  []float64 // Hamming window
	melBank [][]float64
}

// New creates an Extractor with the given config.
func New(cfg Config) *Extractor {
	e := &Extractor{cfg: cfg}
	e.window = hammingWindow(cfg.WindowSize)
	e.melBank = melFilterBank(cfg.NumMels, cfg.FFTSize, cfg.SampleRate, cfg.LowFreq, cfg.HighFreq)
	return e
}

// Extract computes mean-centered log mel features from normalized float32
// samples. Returns nil when the input is shorter than one window.
func (e *Extractor) Extract(samples []float32) *Features {
	cfg := e.cfg
	n := len(samples)
	if n < cfg.WindowSize {
		return nil
	}

	numFrames := (n-cfg.WindowSize)/cfg.HopSize + 1
	nfft := cfg.FFTSize
	halfFFT := nfft / 2

	bands := make([][]float32, cfg.NumMels)
	for m := range bands {
		bands[m] = make([]float32, numFrames)
	}

	re := make([]float64, nfft)
	im := make([]float64, nfft)
	power := make([]float64, halfFFT)

	for t := 0; t < numFrames; t++ {
		start := t * cfg.HopSize

		for i := 0; i < cfg.WindowSize; i++ {
			re[i] = float64(samples[start+i]) * e.window[i]
		}
		for i := cfg.WindowSize; i < nfft; i++ {
			re[i] = 0
		}
		for i := range im {
			im[i] = 0
		}

		fft(re, im)

		for k := 0; k < halfFFT; k++ {
			power[k] = re[k]*re[k] + im[k]*im[k]
		}

		for m := 0; m < cfg.NumMels; m++ {
			sum := 0.0
			for k, w := range e.melBank[m] {
				if w != 0 {
					sum += w * power[k]
				}
			}
			if sum < energyFloor {
				sum = energyFloor
			}
			bands[m][t] = float32(math.Log(sum))
		}
	}

	// Mean-center each mel band across frames. The model expects exactly
	// this normalization: no variance scaling, no clipping.
	for m := 0; m < cfg.NumMels; m++ {
		sum := 0.0
		for _, v := range bands[m] {
			sum += float64(v)
		}
		mean := float32(sum / float64(numFrames))
		for t := range bands[m] {
			bands[m][t] -= mean
		}
	}

	return &Features{Data: bands, NumMels: cfg.NumMels, NumFrames: numFrames}
}
