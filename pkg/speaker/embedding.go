// Package speaker provides speaker identification via voice embeddings.
//
// # Architecture
//
// The pipeline turns audio into an identity in three stages:
//
//  1. fbank.Extractor: PCM float32 16kHz mono → [80][T] log mel features
//  2. Model.Embed: features → fixed-length L2-normalized embedding
//  3. Registry.Identify: embedding → best-matching enrolled name + score
//
// The Registry also supports quality-gated enrollment (EnrollValidated),
// which rejects candidate samples that do not resemble a speaker's existing
// voiceprint cluster. This is the guard against profile contamination when
// samples are harvested opportunistically from live conversation.
package speaker

import "math"

// Embedding is a fixed-length voiceprint vector. After Normalize its L2
// norm is 1.
type Embedding []float32

// Normalize scales the embedding to unit L2 norm in place and returns it.
// A zero vector is returned unchanged rather than dividing by zero.
func (e Embedding) Normalize() Embedding {
	var sum float64
	for _, v := range e {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return e
	}
	inv := float32(1 / norm)
	for i := range e {
		e[i] *= inv
	}
	return e
}

// Cosine returns the cosine similarity between two vectors: dot/(‖a‖·‖b‖).
// Returns 0 when either norm is zero. Vectors of unequal length are compared
// over the shorter prefix; in practice embeddings always match in length.
func Cosine(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
