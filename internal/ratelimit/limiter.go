// Package ratelimit caps how many verifications a single client may request
// in a fixed window, using a Redis counter per client.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/claim-verify/internal/logging"
)

const keyPrefix = "ratelimit:verify-image:"

// Decision is the limiter's answer for one request.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type Limiter struct {
	store          Store
	limit          int
	window         time.Duration
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func NewLimiter(store Store, limit int, window time.Duration, logger *zap.Logger) *Limiter {
	return &Limiter{
		store:          store,
		limit:          limit,
		window:         window,
		logger:         logger.Named("ratelimit"),
		retryAttempts:  3,
		initialBackoff: 20 * time.Millisecond,
		maxBackoff:     200 * time.Millisecond,
	}
}

func key(clientID string) string {
	return keyPrefix + clientID
}

// Allow counts one request for clientID. The first request of a window starts
// the window's expiry.
func (l *Limiter) Allow(ctx context.Context, clientID string) (Decision, error) {
	k := key(clientID)

	var count int64
	if err := l.withRedisRetry(ctx, clientID, "ratelimit.incr", func() error {
		var err error
		count, err = l.store.Incr(ctx, k)
		return err
	}); err != nil {
		return Decision{}, err
	}

	if count == 1 {
		if err := l.withRedisRetry(ctx, clientID, "ratelimit.expire", func() error {
			return l.store.Expire(ctx, k, l.window)
		}); err != nil {
			return Decision{}, err
		}
	}

	decision := Decision{Allowed: true, Limit: l.limit, Remaining: l.limit - int(count)}
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}
	if count <= int64(l.limit) {
		return decision, nil
	}

	decision.Allowed = false
	ttl, err := l.store.TTL(ctx, k)
	if err != nil {
		return Decision{}, logging.NewOperationError("ratelimit.ttl", clientID, err)
	}
	if ttl < 0 {
		// The key lost its expiry; restart the window so the client is not
		// locked out forever.
		if err := l.store.Expire(ctx, k, l.window); err != nil {
			return Decision{}, logging.NewOperationError("ratelimit.expire", clientID, err)
		}
		ttl = l.window
	}
	decision.RetryAfter = ttl
	return decision, nil
}

// Middleware rejects clients over the limit with 429. Redis failures let the
// request through.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.ClientIP()
		decision, err := l.Allow(c.Request.Context(), clientID)
		if err != nil {
			l.logger.Warn("rate limit check failed, allowing request", zap.Error(err), zap.String("client_ip", clientID))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))

		if !decision.Allowed {
			seconds := int(decision.RetryAfter.Round(time.Second) / time.Second)
			if seconds < 1 {
				seconds = 1
			}
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"status": "error",
				"code":   "rate_limit_exceeded",
				"detail": "Too many requests, please try again later",
			})
			return
		}

		c.Next()
	}
}

func (l *Limiter) withRedisRetry(ctx context.Context, clientID, operation string, fn func() error) error {
	if l.retryAttempts <= 1 {
		return logging.NewOperationError(operation, clientID, fn())
	}

	backoff := l.initialBackoff
	opLogger := logging.WithOperation(l.logger, operation, "")
	var err error
	for attempt := 0; attempt < l.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, clientID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= l.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == l.retryAttempts-1 {
			return logging.NewOperationError(operation, clientID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, clientID, fmt.Errorf("retries exhausted: %w", err))
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
