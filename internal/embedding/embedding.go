// Package embedding maps preprocessed image tensors to ResNet-50 feature
// vectors.
//
// Two extractors satisfy the same contract: ONNXExtractor runs the frozen
// network, and ZeroExtractor stands in when the network could not be loaded.
// Load picks one of them once, at startup.
package embedding

import (
	"context"

	"go.uber.org/zap"

	"github.com/example/claim-verify/internal/config"
	"github.com/example/claim-verify/internal/imageprocessor"
)

// Dimension is the length of the pooled ResNet-50 feature vector.
const Dimension = 2048

// Extractor produces an embedding for one preprocessed image.
type Extractor interface {
	Embed(ctx context.Context, tensor *imageprocessor.Tensor) ([]float32, error)
	// Loaded reports whether the real network is in use.
	Loaded() bool
	Close() error
}

// ZeroExtractor is the degraded-mode extractor. Every embedding it returns is
// the all-zero vector.
type ZeroExtractor struct{}

func (ZeroExtractor) Embed(context.Context, *imageprocessor.Tensor) ([]float32, error) {
	return make([]float32, Dimension), nil
}

func (ZeroExtractor) Loaded() bool { return false }

func (ZeroExtractor) Close() error { return nil }

// Load builds the ONNX extractor described by cfg. If that fails for any
// reason the failure is logged and a ZeroExtractor is returned instead, so the
// process keeps serving.
func Load(cfg config.ModelConfig, logger *zap.Logger) Extractor {
	logger = logger.Named("embedding")

	extractor, err := NewONNXExtractor(cfg)
	if err != nil {
		logger.Error("feature extractor unavailable, serving zero embeddings",
			zap.Error(err),
			zap.String("model_path", cfg.Path),
			zap.String("library_path", cfg.LibraryPath),
		)
		return ZeroExtractor{}
	}

	logger.Info("feature extractor loaded",
		zap.String("model_path", cfg.Path),
		zap.Int("pool_size", cfg.PoolSize),
	)
	return extractor
}
