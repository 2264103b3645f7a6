package fbank

import (
	"math"
	"testing"
)

func TestExtractTooShort(t *testing.T) {
	e := New(DefaultConfig())
	if f := e.Extract(make([]float32, 399)); f != nil {
		t.Errorf("expected nil for input shorter than one window, got %d frames", f.NumFrames)
	}
	if f := e.Extract(nil); f != nil {
		t.Error("expected nil for empty input")
	}
}

func TestExtractFrameCount(t *testing.T) {
	e := New(DefaultConfig())
	tests := []struct {
		samples int
		frames  int
	}{
		{400, 1},
		{560, 2},
		{16000, 98}, // (16000-400)/160 + 1
	}
	for _, tt := range tests {
		f := e.Extract(make([]float32, tt.samples))
		if f == nil {
			t.Fatalf("unexpected nil for %d samples", tt.samples)
		}
		if f.NumFrames != tt.frames {
			t.Errorf("%d samples: expected %d frames, got %d", tt.samples, tt.frames, f.NumFrames)
		}
		if f.NumMels != 80 {
			t.Errorf("expected 80 mel bands, got %d", f.NumMels)
		}
	}
}

func TestExtractZeroSignal(t *testing.T) {
	// An all-zero signal hits the energy floor in every cell, so every band
	// is a constant log(1e-10) and mean subtraction zeroes it exactly.
	e := New(DefaultConfig())
	f := e.Extract(make([]float32, 16000))
	if f == nil {
		t.Fatal("unexpected nil")
	}
	for m, band := range f.Data {
		for i, v := range band {
			if v != 0 {
				t.Fatalf("band %d frame %d: expected 0 after mean centering, got %f", m, i, v)
			}
		}
	}
}

func TestExtractMeanCentered(t *testing.T) {
	e := New(DefaultConfig())
	samples := make([]float32, 8000)
	for i := range samples {
		samples[i] = float32(math.Sin(2 * math.Pi * 440 * float64(i) / 16000))
	}
	f := e.Extract(samples)
	if f == nil {
		t.Fatal("unexpected nil")
	}
	for m, band := range f.Data {
		sum := 0.0
		for _, v := range band {
			sum += float64(v)
		}
		mean := sum / float64(len(band))
		if math.Abs(mean) > 1e-4 {
			t.Errorf("band %d: expected zero mean, got %g", m, mean)
		}
	}
}

func TestExtractDeterministic(t *testing.T) {
	e := New(DefaultConfig())
	samples := make([]float32, 6400)
	for i := range samples {
		samples[i] = float32(math.Sin(2*math.Pi*200*float64(i)/16000)) * 0.5
	}
	a := e.Extract(samples)
	b := e.Extract(samples)
	for m := range a.Data {
		for i := range a.Data[m] {
			if a.Data[m][i] != b.Data[m][i] {
				t.Fatalf("band %d frame %d differs between runs", m, i)
			}
		}
	}
}

func TestExtractToneHasEnergyNearFrequency(t *testing.T) {
	// A 1 kHz tone should put its strongest energy in a low-mid mel band,
	// not at the extremes.
	e := New(DefaultConfig())
	samples := make([]float32, 16000)
	for i := range samples {
		samples[i] = float32(math.Sin(2 * math.Pi * 1000 * float64(i) / 16000))
	}
	f := e.Extract(samples)

	best := 0
	bestVal := float32(math.Inf(-1))
	for m, band := range f.Data {
		if band[f.NumFrames/2] > bestVal {
			bestVal = band[f.NumFrames/2]
			best = m
		}
	}
	if best < 10 || best > 60 {
		t.Errorf("1kHz tone peaked in unexpected band %d", best)
	}
}

func TestFlattenLayout(t *testing.T) {
	e := New(DefaultConfig())
	samples := make([]float32, 1200)
	for i := range samples {
		samples[i] = float32(i%100) / 100
	}
	f := e.Extract(samples)
	flat := f.Flatten()
	if len(flat) != f.NumMels*f.NumFrames {
		t.Fatalf("expected %d values, got %d", f.NumMels*f.NumFrames, len(flat))
	}
	for m := 0; m < f.NumMels; m++ {
		for fr := 0; fr < f.NumFrames; fr++ {
			if flat[m*f.NumFrames+fr] != f.Data[m][fr] {
				t.Fatalf("layout mismatch at band %d frame %d", m, fr)
			}
		}
	}
}

func TestFFTKnownValues(t *testing.T) {
	// DC input: every bin gets the sum in the real part.
	re := []float64{1, 1, 1, 1}
	im := []float64{0, 0, 0, 0}
	fft(re, im)
	if math.Abs(re[0]-4) > 1e-12 || math.Abs(re[1]) > 1e-12 {
		t.Errorf("DC FFT wrong: re=%v", re)
	}

	// Single-cycle cosine over 8 points concentrates in bin 1 (and 7).
	n := 8
	re = make([]float64, n)
	im = make([]float64, n)
	for i := range re {
		re[i] = math.Cos(2 * math.Pi * float64(i) / float64(n))
	}
	fft(re, im)
	if math.Abs(re[1]-4) > 1e-9 {
		t.Errorf("expected bin 1 = n/2 = 4, got %f", re[1])
	}
	if math.Abs(re[0]) > 1e-9 {
		t.Errorf("expected bin 0 = 0, got %f", re[0])
	}
}

func TestMelScale(t *testing.T) {
	if v := hzToMel(0); v != 0 {
		t.Errorf("hzToMel(0) = %f", v)
	}
	// Round trip.
	for _, hz := range []float64{100, 700, 1000, 4000, 8000} {
		back := melToHz(hzToMel(hz))
		if math.Abs(back-hz) > 1e-6 {
			t.Errorf("mel round trip for %f Hz: got %f", hz, back)
		}
	}
	// Filterbank covers the positive bins and each filter peaks at 1.
	bank := melFilterBank(80, 512, 16000, 0, 8000)
	if len(bank) != 80 {
		t.Fatalf("expected 80 filters, got %d", len(bank))
	}
	for m, filter := range bank {
		if len(filter) != 256 {
			t.Fatalf("filter %d: expected 256 bins, got %d", m, len(filter))
		}
		max := 0.0
		for _, w := range filter {
			if w > max {
				max = w
			}
		}
		if max > 1.0001 {
			t.Errorf("filter %d exceeds unit peak: %f", m, max)
		}
	}
}
