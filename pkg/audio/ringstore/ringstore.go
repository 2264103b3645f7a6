// Package ringstore implements a fixed-capacity circular sample buffer with
// absolute-time indexing over a continuous capture stream.
//
// The store retains the trailing maxSeconds of mono float32 audio and tracks
// a monotonic frame counter that never resets for the lifetime of a session.
// This lets analysis code ask for audio by absolute timeline position
// ("give me 2300ms..4800ms") long after the capture callback delivered it,
// as long as the range has not been evicted.
//
// # Concurrency
//
// One producer (the capture callback) calls Append; any number of analysis
// goroutines call Slice. A single mutex guards the buffer and counters.
// Slice copies the requested span out under the lock, so the producer is
// never blocked by a consumer holding a view into the buffer.
package ringstore

import (
	"errors"
	"sync"

	"github.com/quillaudio/quill/pkg/audio/pcm"
)

// ErrUnavailable is returned by Slice when the requested range is not
// retained: either already evicted, not yet captured, or empty. Callers
// should treat it as recoverable (retry later or skip).
var ErrUnavailable = errors.New("ringstore: requested audio range not available")

// Store is a lock-protected circular buffer of mono float32 samples.
type Store struct {
	mu         sync.Mutex
	buf        []float32
	writePos   int   // next write position in buf
	size       int   // current number of valid samples (<= cap)
	total      int64 // absolute frames received since creation; never resets
	sampleRate int
}

// New creates a Store retaining at most maxSeconds of trailing audio at the
// given sample rate.
func New(sampleRate, maxSeconds int) *Store {
	return &Store{
		buf:        make([]float32, sampleRate*maxSeconds),
		sampleRate: sampleRate,
	}
}

// SampleRate returns the store's sample rate in Hz.
func (s *Store) SampleRate() int {
	return s.sampleRate
}

// Append adds samples at the current end of the absolute timeline, evicting
// the oldest samples once capacity is exceeded.
func (s *Store) Append(samples []float32) {
	if len(samples) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(samples)
	capn := len(s.buf)

	if n >= capn {
		// Incoming chunk alone fills the whole window; keep only its tail.
		copy(s.buf, samples[n-capn:])
		s.writePos = 0
		s.size = capn
		s.total += int64(n)
		return
	}

	if free := capn - s.writePos; n <= free {
		copy(s.buf[s.writePos:], samples)
		s.writePos += n
		if s.writePos == capn {
			s.writePos = 0
		}
	} else {
		copy(s.buf[s.writePos:], samples[:free])
		copy(s.buf, samples[free:])
		s.writePos = n - free
	}

	s.size += n
	if s.size > capn {
		s.size = capn
	}
	s.total += int64(n)
}

// Frames returns the absolute number of frames received so far.
func (s *Store) Frames() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// OldestFrame returns the absolute frame index of the oldest retained sample.
func (s *Store) OldestFrame() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total - int64(s.size)
}

// Slice copies out the samples covering [startMs, endMs) on the absolute
// audio timeline. It returns ErrUnavailable when the start precedes the
// oldest retained frame, the end exceeds the frames received so far, or the
// range is empty.
func (s *Store) Slice(startMs, endMs int64) ([]float32, error) {
	startFrame := pcm.MsToFrame(startMs, s.sampleRate)
	endFrame := pcm.MsToFrame(endMs, s.sampleRate)

	s.mu.Lock()
	defer s.mu.Unlock()

	oldest := s.total - int64(s.size)
	if endFrame <= startFrame || startFrame < oldest || endFrame > s.total {
		return nil, ErrUnavailable
	}

	n := int(endFrame - startFrame)
	out := make([]float32, n)

	// Position of startFrame inside the ring. The oldest retained sample
	// lives at writePos when the buffer is full, at 0 otherwise.
	capn := len(s.buf)
	var head int
	if s.size == capn {
		head = s.writePos
	}
	offset := int(startFrame - oldest)
	pos := (head + offset) % capn

	if pos+n <= capn {
		copy(out, s.buf[pos:pos+n])
	} else {
		first := capn - pos
		copy(out, s.buf[pos:])
		copy(out[first:], s.buf[:n-first])
	}
	return out, nil
}
