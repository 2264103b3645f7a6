// Package transcript turns streamed recognition tokens into
// speaker-attributed transcript lines.
//
// # Architecture
//
// Two cooperating pieces:
//
//   - Assembler: a small state machine that merges consecutive
//     same-speaker tokens into lines, splitting on speaker changes and
//     utterance endpoints.
//
//   - Resolver: maps session-local diarization ids to enrolled speaker
//     names, decides when enough audio has accumulated to identify or
//     enroll, and opportunistically grows profiles from live speech
//     (auto-learning) behind a similarity gate.
//
// The Resolver is deliberately not safe for concurrent use: all of its
// state belongs to a single owner (the session loop). Embedding
// inference is slow, so the Resolver never computes embeddings itself;
// it hands out time ranges for the owner to embed on a background
// goroutine and accepts the result through a Finish method afterwards.
package transcript

// Line is a closed run of same-speaker speech.
type Line struct {
	// Speaker is the session-local diarization id.
	Speaker int

	// Name is the resolved speaker name, or "" while unresolved.
	Name string

	// Text is the concatenated token text.
	Text string

	// StartMs and EndMs bound the line's audio in milliseconds from
	// session start.
	StartMs int64
	EndMs   int64
}

// DurationMs returns the length of the line's audio in milliseconds.
func (l *Line) DurationMs() int64 {
	return l.EndMs - l.StartMs
}

// TimeRange is a span of session audio, in milliseconds from session
// start.
type TimeRange struct {
	StartMs int64
	EndMs   int64
}

// DurationMs returns the span length in milliseconds.
func (r TimeRange) DurationMs() int64 {
	return r.EndMs - r.StartMs
}

func totalMs(ranges []TimeRange) int64 {
	var total int64
	for _, r := range ranges {
		total += r.DurationMs()
	}
	return total
}
