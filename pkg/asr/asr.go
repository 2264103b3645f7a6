// Package asr defines the token stream consumed by the transcript
// assembler and a WebSocket client for a streaming diarizing recognizer.
//
// The recognizer emits short text tokens tagged with a diarization
// speaker id. The id is only stable within a session ("speaker 0",
// "speaker 1"); mapping ids to human names is the transcript layer's job.
package asr

import (
	"context"
)

// SpeakerUnknown marks a token the recognizer could not attribute to a
// diarized speaker.
const SpeakerUnknown = -1

// Token is a fragment of recognized speech.
type Token struct {
	// Text is the recognized fragment, including any leading or trailing
	// whitespace the recognizer produced. Fragments concatenate verbatim.
	Text string `json:"text"`

	// Speaker is the session-local diarization id, or SpeakerUnknown.
	Speaker int `json:"speaker"`

	// Endpoint is set on the last token before a detected utterance
	// boundary (a long enough pause).
	Endpoint bool `json:"endpoint,omitempty"`

	// StartMs and EndMs bound the audio the token was recognized from,
	// in milliseconds from session start.
	StartMs int64 `json:"start_ms"`
	EndMs   int64 `json:"end_ms"`
}

// Batch is one recognizer update: tokens that are finalized and will not
// change, plus the current unstable partial hypothesis. Partial tokens
// are replaced wholesale by the next batch.
type Batch struct {
	Final   []Token `json:"final,omitempty"`
	Partial []Token `json:"partial,omitempty"`
}

// Empty reports whether the batch carries no tokens at all.
func (b *Batch) Empty() bool {
	return len(b.Final) == 0 && len(b.Partial) == 0
}

// TokenStream is a bidirectional streaming transcription session: audio
// goes in, token batches come out.
//
// Next returns iterator.Done after the recognizer has flushed its last
// batch following CloseSend.
type TokenStream interface {
	// Next blocks for the next token batch.
	// Returns iterator.Done when the stream is exhausted.
	Next(ctx context.Context) (*Batch, error)

	// Send submits mono float32 PCM samples for recognition.
	Send(samples []float32) error

	// CloseSend signals end of audio. The recognizer finalizes any
	// pending hypothesis before ending the stream.
	CloseSend() error

	// Close tears the stream down and releases resources.
	Close() error
}
