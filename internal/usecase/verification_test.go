package usecase

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/claim-verify/internal/embedding"
	"github.com/example/claim-verify/internal/fetch"
	"github.com/example/claim-verify/internal/imageprocessor"
)

// tensorExtractor derives an embedding directly from the tensor so identical
// images produce identical vectors.
type tensorExtractor struct {
	calls int
	err   error
	panic bool
}

func (s *tensorExtractor) Embed(ctx context.Context, tensor *imageprocessor.Tensor) ([]float32, error) {
	s.calls++
	if s.panic {
		panic("onnxruntime exploded")
	}
	if s.err != nil {
		return nil, s.err
	}
	data := tensor.Data()
	out := make([]float32, embedding.Dimension)
	stride := len(data) / embedding.Dimension
	for i := range out {
		out[i] = data[i*stride] + 3
	}
	return out, nil
}

func (s *tensorExtractor) Loaded() bool { return true }
func (s *tensorExtractor) Close() error { return nil }

type stubFetcher struct {
	data  []byte
	err   error
	calls int
	got   string
}

func (s *stubFetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	s.calls++
	s.got = locator
	if s.err != nil {
		return nil, s.err
	}
	return s.data, nil
}

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			if (x/8+y/8)%2 == 0 {
				img.Set(x, y, c)
			} else {
				img.Set(x, y, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
			}
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

func requireKind(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	var verr *Error
	if !errors.As(err, &verr) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if verr.Kind != kind {
		t.Fatalf("expected kind %s, got %s (%v)", kind, verr.Kind, err)
	}
	return verr
}

func TestVerifyIdenticalImagesMatch(t *testing.T) {
	img := pngBytes(t, color.NRGBA{R: 200, G: 40, B: 90, A: 255})
	fetcher := &stubFetcher{data: img}
	uc := NewVerificationUseCase(&tensorExtractor{}, fetcher, nil, zap.NewNop())

	result, err := uc.Verify(context.Background(), img, "uploads/items/wallet.png")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.SimilarityScore != 100 {
		t.Fatalf("expected score 100, got %v", result.SimilarityScore)
	}
	if !result.Match {
		t.Fatal("expected match")
	}
	if result.RequestID == "" {
		t.Fatal("expected request id")
	}
	if fetcher.got != "uploads/items/wallet.png" {
		t.Fatalf("unexpected locator passed to fetcher: %q", fetcher.got)
	}
}

func TestVerifyEndToEndWithLocalFile(t *testing.T) {
	img := pngBytes(t, color.NRGBA{R: 0, G: 180, B: 60, A: 255})
	path := filepath.Join(t.TempDir(), "reference.png")
	if err := os.WriteFile(path, img, 0o600); err != nil {
		t.Fatalf("failed to write reference: %v", err)
	}

	uc := NewVerificationUseCase(&tensorExtractor{}, fetch.NewResolver(), nil, zap.NewNop())
	result, err := uc.Verify(context.Background(), img, path)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.SimilarityScore != 100 || !result.Match {
		t.Fatalf("expected 100/match, got %+v", result)
	}
}

func TestVerifyScoreWithinBounds(t *testing.T) {
	fetcher := &stubFetcher{data: pngBytes(t, color.NRGBA{R: 255, A: 255})}
	uc := NewVerificationUseCase(&tensorExtractor{}, fetcher, nil, zap.NewNop())

	result, err := uc.Verify(context.Background(), pngBytes(t, color.NRGBA{B: 255, A: 255}), "ref.png")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.SimilarityScore < 0 || result.SimilarityScore > 100 {
		t.Fatalf("score out of range: %v", result.SimilarityScore)
	}
	if result.Match != (result.SimilarityScore > 70) {
		t.Fatalf("match %v inconsistent with score %v", result.Match, result.SimilarityScore)
	}
}

func TestVerifyMissingLocator(t *testing.T) {
	for _, claim := range [][]byte{nil, []byte("garbage"), pngBytes(t, color.White)} {
		fetcher := &stubFetcher{}
		extractor := &tensorExtractor{}
		uc := NewVerificationUseCase(extractor, fetcher, nil, zap.NewNop())

		_, err := uc.Verify(context.Background(), claim, "  ")
		verr := requireKind(t, err, KindInput)
		if verr.Message != "original_image_url is required" {
			t.Fatalf("unexpected message: %s", verr.Message)
		}
		if fetcher.calls != 0 || extractor.calls != 0 {
			t.Fatal("no work should happen without a locator")
		}
	}
}

func TestVerifyInvalidClaimFailsBeforeFetch(t *testing.T) {
	for _, claim := range [][]byte{nil, {}, []byte("not an image")} {
		fetcher := &stubFetcher{data: pngBytes(t, color.White)}
		uc := NewVerificationUseCase(&tensorExtractor{}, fetcher, nil, zap.NewNop())

		_, err := uc.Verify(context.Background(), claim, "https://cdn.example.com/item.png")
		verr := requireKind(t, err, KindDecode)
		if verr.Image != ImageClaim {
			t.Fatalf("expected claim image to be blamed, got %q", verr.Image)
		}
		if verr.Message != "Invalid claim image format" {
			t.Fatalf("unexpected message: %s", verr.Message)
		}
		if !errors.Is(err, imageprocessor.ErrInvalidImage) {
			t.Fatal("expected ErrInvalidImage in chain")
		}
		if fetcher.calls != 0 {
			t.Fatalf("expected no fetch, got %d", fetcher.calls)
		}
	}
}

func TestVerifyInvalidReference(t *testing.T) {
	fetcher := &stubFetcher{data: []byte("<html>not found</html>")}
	uc := NewVerificationUseCase(&tensorExtractor{}, fetcher, nil, zap.NewNop())

	_, err := uc.Verify(context.Background(), pngBytes(t, color.White), "https://cdn.example.com/item.png")
	verr := requireKind(t, err, KindDecode)
	if verr.Image != ImageReference {
		t.Fatalf("expected reference image to be blamed, got %q", verr.Image)
	}
	if verr.Message != "Invalid reference image format" {
		t.Fatalf("unexpected message: %s", verr.Message)
	}
}

func TestVerifyFetchFailure(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	fetcher := &stubFetcher{err: cause}
	uc := NewVerificationUseCase(&tensorExtractor{}, fetcher, nil, zap.NewNop())

	_, err := uc.Verify(context.Background(), pngBytes(t, color.White), "https://cdn.example.com/item.png")
	requireKind(t, err, KindFetch)
	if !errors.Is(err, cause) {
		t.Fatal("expected cause in chain")
	}
	if KindFetch.StatusCode() != 400 {
		t.Fatalf("fetch errors must be client errors")
	}
}

func TestVerifyMissingLocalReference(t *testing.T) {
	uc := NewVerificationUseCase(&tensorExtractor{}, fetch.NewResolver(), nil, zap.NewNop())

	_, err := uc.Verify(context.Background(), pngBytes(t, color.White), filepath.Join(t.TempDir(), "nope.png"))
	requireKind(t, err, KindFetch)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist in chain, got %v", err)
	}
}

func TestVerifyInferenceErrorIsInternal(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	extractor := &tensorExtractor{err: errors.New("CUDA error: device-side assert triggered")}
	uc := NewVerificationUseCase(extractor, &stubFetcher{}, nil, zap.New(core))

	_, err := uc.Verify(context.Background(), pngBytes(t, color.White), "ref.png")
	verr := requireKind(t, err, KindInternal)
	if verr.Message != genericInternalMessage {
		t.Fatalf("internal errors must carry the generic message, got %q", verr.Message)
	}
	if KindInternal.StatusCode() != 500 {
		t.Fatal("internal errors must be server errors")
	}

	entries := logs.FilterMessage("verification failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one error log, got %d", len(entries))
	}
	if entries[0].ContextMap()["failed_operation"] != "usecase.embed_claim" {
		t.Fatalf("unexpected failed_operation: %v", entries[0].ContextMap()["failed_operation"])
	}
}

func TestVerifyRecoversPanics(t *testing.T) {
	uc := NewVerificationUseCase(&tensorExtractor{panic: true}, &stubFetcher{}, nil, zap.NewNop())

	result, err := uc.Verify(context.Background(), pngBytes(t, color.White), "ref.png")
	if result != nil {
		t.Fatal("expected no result after panic")
	}
	requireKind(t, err, KindInternal)
}

func TestVerifyWithZeroExtractor(t *testing.T) {
	img := pngBytes(t, color.White)
	metrics := NewMetrics()
	uc := NewVerificationUseCase(embedding.ZeroExtractor{}, &stubFetcher{data: img}, metrics, zap.NewNop())

	if uc.ModelLoaded() {
		t.Fatal("zero extractor must report model not loaded")
	}
	if got := testutil.ToFloat64(metrics.modelLoaded); got != 0 {
		t.Fatalf("expected model_loaded gauge 0, got %v", got)
	}

	result, err := uc.Verify(context.Background(), img, "ref.png")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if result.SimilarityScore != 0 || result.Match {
		t.Fatalf("zero embeddings must score 0 without a match, got %+v", result)
	}

	// Invalid bytes are still rejected in degraded mode.
	_, err = uc.Verify(context.Background(), []byte("junk"), "ref.png")
	requireKind(t, err, KindDecode)
}

func TestVerifyRecordsMetrics(t *testing.T) {
	img := pngBytes(t, color.White)
	metrics := NewMetrics()
	uc := NewVerificationUseCase(&tensorExtractor{}, &stubFetcher{data: img}, metrics, zap.NewNop())

	_, _ = uc.Verify(context.Background(), img, "ref.png")
	_, _ = uc.Verify(context.Background(), img, "")
	_, _ = uc.Verify(context.Background(), nil, "ref.png")

	if got := testutil.ToFloat64(metrics.verifications.WithLabelValues("success")); got != 1 {
		t.Fatalf("expected 1 success, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.verifications.WithLabelValues("input")); got != 1 {
		t.Fatalf("expected 1 input failure, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.verifications.WithLabelValues("decode")); got != 1 {
		t.Fatalf("expected 1 decode failure, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.modelLoaded); got != 1 {
		t.Fatalf("expected model_loaded gauge 1, got %v", got)
	}
}

func TestKindOfUnknownErrorIsInternal(t *testing.T) {
	if KindOf(errors.New("boom")) != KindInternal {
		t.Fatal("plain errors must be internal")
	}
	if KindOf(inputError("x")) != KindInput {
		t.Fatal("expected input kind")
	}
}
