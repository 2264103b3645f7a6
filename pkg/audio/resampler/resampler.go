// Package resampler converts a mono stream of 16-bit PCM bytes into
// float32 samples at a target rate.
//
// It exists for the capture path: microphones that cannot open at
// 16 kHz deliver S16LE bytes at their native rate, and the rest of the
// pipeline wants mono float32 at the session rate. A Stream wraps the
// byte source and hands out converted samples:
//
//	s, err := resampler.New(deviceBytes, 48000, 16000)
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//	buf := make([]float32, 4096)
//	for {
//	    n, err := s.ReadSamples(buf)
//	    ...
//	}
//
// The rate converter is pure Go (no CGO).
package resampler

import (
	"fmt"
	"io"
	"sync"

	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/quillaudio/quill/pkg/audio/pcm"
)

// Stream reads mono S16LE bytes from a source and produces mono float32
// samples at the destination rate. Close releases the converter;
// subsequent reads return io.ErrClosedPipe.
type Stream struct {
	src     io.Reader
	srcRate int
	dstRate int

	mu       sync.Mutex
	conv     resampling.Resampler // nil when srcRate == dstRate
	readBuf  []byte
	leftover []float32
	closeErr error
}

// New creates a Stream converting from srcRate to dstRate. Equal rates
// skip the converter and only decode bytes to samples.
func New(src io.Reader, srcRate, dstRate int) (*Stream, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("resampler: invalid rate conversion %d -> %d", srcRate, dstRate)
	}
	s := &Stream{
		src:     &alignedReader{r: src},
		srcRate: srcRate,
		dstRate: dstRate,
	}
	if srcRate != dstRate {
		conv, err := resampling.New(&resampling.Config{
			InputRate:  float64(srcRate),
			OutputRate: float64(dstRate),
			Channels:   1,
			Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
		})
		if err != nil {
			return nil, fmt.Errorf("resampler: %w", err)
		}
		s.conv = conv
	}
	return s, nil
}

// ReadSamples fills p with converted samples and returns how many were
// written. A return of (0, nil) means the converter buffered everything
// it was fed; call again. Not safe for concurrent use.
func (s *Stream) ReadSamples(p []float32) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Converter output that did not fit a previous p comes first.
	if len(s.leftover) > 0 {
		n := copy(p, s.leftover)
		s.leftover = s.leftover[n:]
		return n, nil
	}
	if s.closeErr != nil {
		return 0, s.closeErr
	}

	srcSamples := len(p)
	if s.conv != nil {
		srcSamples = len(p)*s.srcRate/s.dstRate + 4
	}
	need := srcSamples * 2
	if cap(s.readBuf) < need {
		s.readBuf = make([]byte, need)
	}
	n, readErr := s.src.Read(s.readBuf[:need])
	if n == 0 {
		if readErr != nil {
			return 0, readErr
		}
		return 0, io.EOF
	}

	if s.conv == nil {
		return copy(p, pcm.Int16ToFloat32(s.readBuf[:n])), readErr
	}

	frames := n / 2
	in := make([]float64, frames)
	for i := 0; i < frames; i++ {
		v := int16(s.readBuf[2*i]) | int16(s.readBuf[2*i+1])<<8
		in[i] = float64(v) / 32768
	}
	out, err := s.conv.Process(in)
	if err != nil {
		return 0, fmt.Errorf("resampler: %w", err)
	}

	w := 0
	for _, v := range out {
		f := float32(min(max(v, -1), 1))
		if w < len(p) {
			p[w] = f
			w++
		} else {
			s.leftover = append(s.leftover, f)
		}
	}
	return w, readErr
}

// Close marks the stream closed. Leftover samples already converted are
// still served; after that, reads return io.ErrClosedPipe.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeErr == nil {
		s.closeErr = fmt.Errorf("resampler: %w", io.ErrClosedPipe)
	}
	s.conv = nil
	return nil
}

// alignedReader returns data in whole int16 samples, holding back a
// trailing odd byte until its partner arrives.
type alignedReader struct {
	r          io.Reader
	pending    byte
	hasPending bool
}

func (a *alignedReader) Read(p []byte) (int, error) {
	if len(p) < 2 {
		return 0, io.ErrShortBuffer
	}
	p = p[:len(p)&^1]

	n := 0
	if a.hasPending {
		p[0] = a.pending
		a.hasPending = false
		n = 1
	}
	rn, err := a.r.Read(p[n:])
	n += rn
	if n%2 != 0 {
		if err == io.EOF {
			// An odd byte at end of stream can never complete.
			return n - 1, io.ErrUnexpectedEOF
		}
		a.pending = p[n-1]
		a.hasPending = true
		n--
	}
	return n, err
}
