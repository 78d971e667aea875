package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/claim-verify/internal/usecase"
)

// MaxUploadSize caps the claim image upload.
const MaxUploadSize = 5 << 20

// multipartOverhead leaves room for boundaries and the locator field so an
// oversized file is reported by its own size rather than a truncated body.
const multipartOverhead = 1 << 20

const (
	claimField   = "claim_image"
	locatorField = "original_image_url"
)

// Verifier is the use case surface the HTTP layer depends on.
type Verifier interface {
	Verify(ctx context.Context, claim []byte, locator string) (*usecase.Result, error)
	ModelLoaded() bool
}

// RegisterRoutes wires the HTTP handlers to the Gin router. Middlewares run
// only in front of the verification route.
func RegisterRoutes(router *gin.Engine, verifier Verifier, gatherer prometheus.Gatherer, middlewares ...gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "model_loaded": verifier.ModelLoaded()})
	})

	if gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	verify := append(append([]gin.HandlerFunc{}, middlewares...), verifyHandler(verifier))
	router.POST("/verify-image", verify...)
}

func verifyHandler(verifier Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)

		form, formErr := c.MultipartForm()
		var maxErr *http.MaxBytesError
		if errors.As(formErr, &maxErr) {
			abortWithError(c, http.StatusRequestEntityTooLarge, "payload_too_large", "claim_image exceeds 5 MiB")
			return
		}

		locator := c.Query(locatorField)
		if strings.TrimSpace(locator) == "" && form != nil && len(form.Value[locatorField]) > 0 {
			locator = form.Value[locatorField][0]
		}
		if strings.TrimSpace(locator) == "" {
			abortWithError(c, http.StatusBadRequest, "missing_locator", "original_image_url is required")
			return
		}

		if form == nil || len(form.File[claimField]) == 0 {
			abortWithError(c, http.StatusBadRequest, "missing_claim_image", "claim_image file is required")
			return
		}
		file := form.File[claimField][0]
		if file.Size > MaxUploadSize {
			abortWithError(c, http.StatusRequestEntityTooLarge, "payload_too_large", "claim_image exceeds 5 MiB")
			return
		}

		src, err := file.Open()
		if err != nil {
			abortWithError(c, http.StatusBadRequest, "missing_claim_image", "unable to open claim_image")
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			abortWithError(c, http.StatusInternalServerError, "internal_error", "failed to read claim_image")
			return
		}

		result, err := verifier.Verify(c.Request.Context(), data, locator)
		if err != nil {
			status, code, detail := describeError(err)
			abortWithError(c, status, code, detail)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":           "success",
			"similarity_score": result.SimilarityScore,
			"match":            result.Match,
		})
	}
}

// describeError renders a verification failure. Internal causes never reach
// the response body.
func describeError(err error) (int, string, string) {
	var verr *usecase.Error
	if !errors.As(err, &verr) {
		return http.StatusInternalServerError, "internal_error", "internal error during verification"
	}

	switch verr.Kind {
	case usecase.KindInput:
		return verr.Kind.StatusCode(), "missing_locator", verr.Message
	case usecase.KindDecode:
		return verr.Kind.StatusCode(), "invalid_image", verr.Message
	case usecase.KindFetch:
		return verr.Kind.StatusCode(), "fetch_failed", verr.Message
	default:
		return http.StatusInternalServerError, "internal_error", "internal error during verification"
	}
}

func abortWithError(c *gin.Context, status int, code, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"status": "error", "code": code, "detail": detail})
}

// RequestLogger logs one line per request.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			logger.Error("request", fields...)
		case c.Writer.Status() >= http.StatusBadRequest:
			logger.Warn("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}
