package speaker

import (
	"errors"

	"github.com/quillaudio/quill/pkg/audio/fbank"
)

// ErrInference is returned when the embedding backend cannot produce a
// vector (model not loaded, bad tensor shape, runtime failure). Callers
// treat it as "no embedding" and degrade to the unknown speaker; it is
// never fatal to a session.
var ErrInference = errors.New("speaker: embedding inference failed")

// Model extracts a speaker embedding vector from mel filterbank features.
//
// The input is an [80][T] feature matrix from [fbank.Extractor]; the output
// is a dense float32 vector of length Dimension(), L2-normalized.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Inference against a
// single model handle is serialized internally; callers that need
// non-blocking behavior run Embed on their own goroutine.
type Model interface {
	// Embed computes an L2-normalized speaker embedding from features.
	// Returns ErrInference (possibly wrapped) when the backend fails.
	Embed(features *fbank.Features) (Embedding, error)

	// Dimension returns the length of vectors produced by Embed (e.g. 192).
	Dimension() int

	// Close releases resources held by the model.
	Close() error
}
