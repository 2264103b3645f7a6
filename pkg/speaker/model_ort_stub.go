//go:build !onnx

package speaker

import (
	"fmt"

	"github.com/quillaudio/quill/pkg/audio/fbank"
)

// ORTModelConfig configures an ONNX Runtime embedding model.
// This stub build accepts the config but cannot run inference.
type ORTModelConfig struct {
	ModelPath  string
	Dimension  int
	InputName  string
	OutputName string
}

// ORTModel is a placeholder when built without the onnx tag.
type ORTModel struct {
	cfg ORTModelConfig
}

// InitRuntime is a no-op without the onnx tag.
func InitRuntime(string) error { return nil }

// DestroyRuntime is a no-op without the onnx tag.
func DestroyRuntime() error { return nil }

// NewORTModel returns a model whose Embed always fails. Building with
// -tags onnx enables real inference via ONNX Runtime.
func NewORTModel(cfg ORTModelConfig) (*ORTModel, error) {
	if cfg.Dimension == 0 {
		cfg.Dimension = 192
	}
	return &ORTModel{cfg: cfg}, nil
}

// Embed implements Model.
func (m *ORTModel) Embed(*fbank.Features) (Embedding, error) {
	return nil, fmt.Errorf("%w: built without onnx support (use -tags onnx)", ErrInference)
}

// Dimension implements Model.
func (m *ORTModel) Dimension() int { return m.cfg.Dimension }

// Close implements Model.
func (m *ORTModel) Close() error { return nil }

var _ Model = (*ORTModel)(nil)
