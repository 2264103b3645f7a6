//go:build onnx

package speaker

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/quillaudio/quill/pkg/audio/fbank"
)

// runtimeInitialized tracks whether the ONNX runtime has been initialized.
var (
	runtimeInitialized bool
	runtimeMu          sync.Mutex
)

// InitRuntime initializes the ONNX runtime environment. libraryPath may be
// empty to use auto-detection. Safe to call more than once; only the first
// call does work.
func InitRuntime(libraryPath string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if runtimeInitialized {
		return nil
	}

	if libraryPath == "" {
		libraryPath = findONNXRuntimeLibrary()
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("speaker: initialize ONNX runtime: %w", err)
	}

	runtimeInitialized = true
	return nil
}

// DestroyRuntime destroys the ONNX runtime environment at shutdown.
func DestroyRuntime() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if !runtimeInitialized {
		return nil
	}
	if err := ort.DestroyEnvironment(); err != nil {
		return fmt.Errorf("speaker: destroy ONNX runtime: %w", err)
	}
	runtimeInitialized = false
	return nil
}

// findONNXRuntimeLibrary tries common locations for the shared library.
func findONNXRuntimeLibrary() string {
	paths := []string{
		os.Getenv("ONNXRUNTIME_LIB"),
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/opt/onnxruntime/lib/libonnxruntime.so",
		"/opt/homebrew/lib/libonnxruntime.dylib",
		"/usr/local/lib/libonnxruntime.dylib",
	}
	if ldPath := os.Getenv("LD_LIBRARY_PATH"); ldPath != "" {
		for _, dir := range filepath.SplitList(ldPath) {
			paths = append(paths, filepath.Join(dir, "libonnxruntime.so"))
		}
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// ORTModelConfig configures an ONNX Runtime embedding model.
type ORTModelConfig struct {
	// ModelPath is the path to the .onnx speaker embedding model. Required.
	ModelPath string

	// Dimension is the embedding dimensionality the model produces.
	// Default 192.
	Dimension int

	// InputName and OutputName are the graph's tensor names.
	// Defaults: "feats" and "embs".
	InputName  string
	OutputName string
}

// ORTModel runs a speaker embedding network via ONNX Runtime.
//
// The session is created lazily on the first Embed call; concurrent first
// callers block until the single initialization completes. Inference is
// serialized through one session handle.
type ORTModel struct {
	cfg ORTModelConfig

	initOnce sync.Once
	initErr  error

	mu      sync.Mutex // serializes Run and guards session
	session *ort.DynamicAdvancedSession
}

// NewORTModel creates an ORTModel. The model file is not loaded until the
// first Embed call.
func NewORTModel(cfg ORTModelConfig) (*ORTModel, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("speaker: ORTModelConfig.ModelPath is required")
	}
	if cfg.Dimension == 0 {
		cfg.Dimension = 192
	}
	if cfg.InputName == "" {
		cfg.InputName = "feats"
	}
	if cfg.OutputName == "" {
		cfg.OutputName = "embs"
	}
	return &ORTModel{cfg: cfg}, nil
}

// init loads the session exactly once.
func (m *ORTModel) init() error {
	m.initOnce.Do(func() {
		if err := InitRuntime(""); err != nil {
			m.initErr = err
			return
		}

		options, err := ort.NewSessionOptions()
		if err != nil {
			m.initErr = fmt.Errorf("speaker: create session options: %w", err)
			return
		}
		defer options.Destroy()

		if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
			m.initErr = fmt.Errorf("speaker: set graph optimization: %w", err)
			return
		}
		if err := options.SetIntraOpNumThreads(1); err != nil {
			m.initErr = fmt.Errorf("speaker: set intra-op threads: %w", err)
			return
		}

		session, err := ort.NewDynamicAdvancedSession(
			m.cfg.ModelPath,
			[]string{m.cfg.InputName},
			[]string{m.cfg.OutputName},
			options,
		)
		if err != nil {
			m.initErr = fmt.Errorf("speaker: create session: %w", err)
			return
		}
		m.session = session
	})
	return m.initErr
}

// Embed implements Model. The features become a [1, numMels, T] tensor; the
// raw output vector is L2-normalized before returning.
func (m *ORTModel) Embed(features *fbank.Features) (Embedding, error) {
	if features == nil || features.NumFrames == 0 {
		return nil, fmt.Errorf("%w: empty features", ErrInference)
	}
	if err := m.init(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}

	inputShape := ort.NewShape(1, int64(features.NumMels), int64(features.NumFrames))
	inputTensor, err := ort.NewTensor(inputShape, features.Flatten())
	if err != nil {
		return nil, fmt.Errorf("%w: create input tensor: %v", ErrInference, err)
	}
	defer inputTensor.Destroy()

	outputShape := ort.NewShape(1, int64(m.cfg.Dimension))
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		return nil, fmt.Errorf("%w: create output tensor: %v", ErrInference, err)
	}
	defer outputTensor.Destroy()

	m.mu.Lock()
	runErr := m.session.Run(
		[]ort.Value{inputTensor},
		[]ort.Value{outputTensor},
	)
	m.mu.Unlock()
	if runErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, runErr)
	}

	out := outputTensor.GetData()
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty output", ErrInference)
	}
	emb := make(Embedding, len(out))
	copy(emb, out)
	return emb.Normalize(), nil
}

// Dimension implements Model.
func (m *ORTModel) Dimension() int {
	return m.cfg.Dimension
}

// Close implements Model.
func (m *ORTModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		if err := m.session.Destroy(); err != nil {
			return fmt.Errorf("speaker: destroy session: %w", err)
		}
		m.session = nil
	}
	return nil
}

var _ Model = (*ORTModel)(nil)
