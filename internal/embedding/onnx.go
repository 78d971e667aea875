package embedding

import (
	"context"
	"fmt"
	"os"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/example/claim-verify/internal/config"
	"github.com/example/claim-verify/internal/imageprocessor"
	"github.com/example/claim-verify/internal/logging"
)

// onnxSession wraps an AdvancedSession whose input and output tensors are
// bound at creation time.
type onnxSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func (s *onnxSession) Infer(input []float32) ([]float32, error) {
	dst := s.input.GetData()
	if len(input) != len(dst) {
		return nil, fmt.Errorf("input has %d values, model expects %d", len(input), len(dst))
	}
	copy(dst, input)

	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}

	out := make([]float32, len(s.output.GetData()))
	copy(out, s.output.GetData())
	return out, nil
}

func (s *onnxSession) Destroy() {
	if s.session != nil {
		s.session.Destroy()
	}
	if s.input != nil {
		s.input.Destroy()
	}
	if s.output != nil {
		s.output.Destroy()
	}
}

func newONNXSession(cfg config.ModelConfig) (Session, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
		return nil, fmt.Errorf("error setting intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("error setting inter-op threads: %w", err)
	}

	inputShape := ort.NewShape(1, imageprocessor.Channels, imageprocessor.InputHeight, imageprocessor.InputWidth)
	outputShape := ort.NewShape(1, Dimension, 1, 1)

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		cfg.Path,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return &onnxSession{session: session, input: inputTensor, output: outputTensor}, nil
}

// ONNXExtractor runs a ResNet-50 whose classification layer was removed
// before export. The network's pooled output has shape (1, 2048, 1, 1).
type ONNXExtractor struct {
	pool *SessionPool
}

// NewONNXExtractor initialises the onnxruntime environment and loads
// cfg.PoolSize sessions of the model.
func NewONNXExtractor(cfg config.ModelConfig) (*ONNXExtractor, error) {
	if _, err := os.Stat(cfg.Path); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}

	if !ort.IsInitialized() {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime environment: %w", err)
		}
	}

	pool, err := NewSessionPool(cfg.PoolSize, func() (Session, error) {
		return newONNXSession(cfg)
	})
	if err != nil {
		_ = ort.DestroyEnvironment()
		return nil, err
	}

	return &ONNXExtractor{pool: pool}, nil
}

func newExtractorWithPool(pool *SessionPool) *ONNXExtractor {
	return &ONNXExtractor{pool: pool}
}

func (e *ONNXExtractor) Embed(ctx context.Context, tensor *imageprocessor.Tensor) ([]float32, error) {
	session, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, logging.NewOperationError("embedding.acquire_session", "", err)
	}
	defer e.pool.Release(session)

	features, err := session.Infer(tensor.Data())
	if err != nil {
		return nil, logging.NewOperationError("embedding.infer", "", err)
	}
	if len(features) != Dimension {
		return nil, logging.NewOperationError("embedding.infer", "",
			fmt.Errorf("model returned %d features, want %d", len(features), Dimension))
	}
	return features, nil
}

func (e *ONNXExtractor) Loaded() bool { return true }

func (e *ONNXExtractor) Stats() PoolStats {
	return e.pool.Stats()
}

func (e *ONNXExtractor) Close() error {
	e.pool.Close()
	if ort.IsInitialized() {
		return ort.DestroyEnvironment()
	}
	return nil
}
