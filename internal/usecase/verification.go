package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/claim-verify/internal/embedding"
	"github.com/example/claim-verify/internal/fetch"
	"github.com/example/claim-verify/internal/imageprocessor"
	"github.com/example/claim-verify/internal/logging"
	"github.com/example/claim-verify/internal/similarity"
)

// Result is the outcome of one successful verification.
type Result struct {
	RequestID       string
	SimilarityScore float64
	Match           bool
}

// VerificationUseCase compares a claim photo against an item's reference
// photo. The extractor is the only state shared between requests and it is
// read-only.
type VerificationUseCase struct {
	extractor embedding.Extractor
	fetcher   fetch.Fetcher
	metrics   *Metrics
	logger    *zap.Logger
}

type stageTimings struct {
	claimDecode     time.Duration
	claimEmbed      time.Duration
	referenceFetch  time.Duration
	referenceDecode time.Duration
	referenceEmbed  time.Duration
	score           time.Duration
}

// NewVerificationUseCase constructs a new use case instance. A nil metrics
// gets a private registry.
func NewVerificationUseCase(extractor embedding.Extractor, fetcher fetch.Fetcher, metrics *Metrics, logger *zap.Logger) *VerificationUseCase {
	if metrics == nil {
		metrics = NewMetrics()
	}
	metrics.setModelLoaded(extractor.Loaded())

	return &VerificationUseCase{
		extractor: extractor,
		fetcher:   fetcher,
		metrics:   metrics,
		logger:    logger.Named("verification_usecase"),
	}
}

// ModelLoaded reports whether the real feature extractor is active.
func (uc *VerificationUseCase) ModelLoaded() bool {
	return uc.extractor.Loaded()
}

// Verify embeds the claim image, fetches and embeds the reference named by
// locator, and scores the pair. Steps run strictly in that order and the
// first failure ends the request; in particular nothing is fetched when the
// claim image is unusable. Errors are always *Error.
func (uc *VerificationUseCase) Verify(ctx context.Context, claim []byte, locator string) (result *Result, err error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.verify", requestID)
	timings := &stageTimings{}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = internalError(logging.NewOperationError("usecase.verify", requestID, fmt.Errorf("panic: %v", r)))
		}
		uc.finish(opLogger, time.Since(start), timings, result, err)
	}()

	if strings.TrimSpace(locator) == "" {
		return nil, inputError("original_image_url is required")
	}

	claimVec, err := uc.embed(ctx, requestID, ImageClaim, claim, &timings.claimDecode, &timings.claimEmbed)
	if err != nil {
		return nil, err
	}

	fetchStart := time.Now()
	reference, fetchErr := uc.fetcher.Fetch(ctx, locator)
	timings.referenceFetch = time.Since(fetchStart)
	if fetchErr != nil {
		return nil, fetchError(logging.NewOperationError("usecase.fetch_reference", requestID, fetchErr))
	}

	referenceVec, err := uc.embed(ctx, requestID, ImageReference, reference, &timings.referenceDecode, &timings.referenceEmbed)
	if err != nil {
		return nil, err
	}

	scoreStart := time.Now()
	cmp, cmpErr := similarity.Compare(claimVec, referenceVec)
	timings.score = time.Since(scoreStart)
	if cmpErr != nil {
		return nil, internalError(logging.NewOperationError("usecase.compare", requestID, cmpErr))
	}

	return &Result{
		RequestID:       requestID,
		SimilarityScore: cmp.Score,
		Match:           cmp.Match,
	}, nil
}

func (uc *VerificationUseCase) embed(ctx context.Context, requestID, image string, data []byte, decodeTime, embedTime *time.Duration) ([]float32, error) {
	decodeStart := time.Now()
	tensor, err := imageprocessor.Preprocess(data)
	*decodeTime = time.Since(decodeStart)
	if err != nil {
		if errors.Is(err, imageprocessor.ErrInvalidImage) {
			return nil, decodeError(image, err)
		}
		return nil, internalError(logging.NewOperationError("usecase.preprocess_"+image, requestID, err))
	}

	embedStart := time.Now()
	vec, err := uc.extractor.Embed(ctx, tensor)
	*embedTime = time.Since(embedStart)
	if err != nil {
		return nil, internalError(logging.NewOperationError("usecase.embed_"+image, requestID, err))
	}
	return vec, nil
}

func (uc *VerificationUseCase) finish(opLogger *zap.Logger, elapsed time.Duration, t *stageTimings, result *Result, err error) {
	opLogger.Debug("verification timings",
		zap.Duration("claim_decode", t.claimDecode),
		zap.Duration("claim_embed", t.claimEmbed),
		zap.Duration("reference_fetch", t.referenceFetch),
		zap.Duration("reference_decode", t.referenceDecode),
		zap.Duration("reference_embed", t.referenceEmbed),
		zap.Duration("score", t.score),
		zap.Duration("total", elapsed),
	)

	if err == nil {
		uc.metrics.observe("success", elapsed.Seconds())
		uc.metrics.observeScore(result.SimilarityScore)
		opLogger.Info("verification complete",
			zap.Float64("similarity_score", result.SimilarityScore),
			zap.Bool("match", result.Match),
			zap.Bool("model_loaded", uc.extractor.Loaded()),
		)
		return
	}

	kind := KindOf(err)
	uc.metrics.observe(kind.String(), elapsed.Seconds())
	if kind == KindInternal {
		opLogger.Error("verification failed",
			zap.Error(err),
			zap.String("failed_operation", logging.OperationOf(err)),
		)
		return
	}
	opLogger.Warn("verification rejected", zap.String("kind", kind.String()), zap.Error(err))
}
