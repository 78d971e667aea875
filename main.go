package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/claim-verify/internal/config"
	"github.com/example/claim-verify/internal/embedding"
	"github.com/example/claim-verify/internal/fetch"
	"github.com/example/claim-verify/internal/grpchealth"
	"github.com/example/claim-verify/internal/handlers"
	"github.com/example/claim-verify/internal/logging"
	"github.com/example/claim-verify/internal/ratelimit"
	"github.com/example/claim-verify/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.App.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.App.Env == config.Production {
		gin.SetMode(gin.ReleaseMode)
	}

	extractor := embedding.Load(cfg.Model, logger)
	defer func() {
		if err := extractor.Close(); err != nil {
			logger.Warn("failed to release feature extractor", zap.Error(err))
		}
	}()

	metrics := usecase.NewMetrics()
	resolver := fetch.NewResolver(fetch.WithMaxBytes(cfg.Fetch.MaxReferenceBytes))
	uc := usecase.NewVerificationUseCase(extractor, resolver, metrics, logger)

	var middlewares []gin.HandlerFunc
	if cfg.RateLimit.Enabled() {
		redisClient := initRedis(cfg.RateLimit, logger)
		defer redisClient.Close()
		limiter := ratelimit.NewLimiter(ratelimit.NewRedisStore(redisClient), cfg.RateLimit.Requests, cfg.RateLimit.Window, logger)
		middlewares = append(middlewares, limiter.Middleware())
	}

	r := gin.New()
	r.MaxMultipartMemory = handlers.MaxUploadSize
	r.Use(gin.Recovery(), handlers.RequestLogger(logger), cors.Default())
	handlers.RegisterRoutes(r, uc, metrics.Registry(), middlewares...)

	if cfg.GRPC.HealthAddr != "" {
		healthServer, err := startHealthServer(cfg.GRPC.HealthAddr, uc, logger)
		if err != nil {
			logger.Fatal("failed to start gRPC health server", zap.Error(err))
		}
		defer healthServer.Stop()
	}

	server := &http.Server{
		Addr:              cfg.App.ServerAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("claim verification API listening",
		zap.String("addr", cfg.App.ServerAddr),
		zap.Bool("model_loaded", uc.ModelLoaded()),
	)
	if err := serveHTTPServer(server, cfg.App.ShutdownTimeout, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
	}
}

// initRedis connects the rate limiter backend. An unreachable Redis is logged
// and the limiter fails open per request.
func initRedis(cfg config.RateLimitConfig, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Warn("redis ping failed, rate limiting will fail open", zap.Error(err), zap.String("addr", cfg.RedisAddr))
	}
	return client
}

func startHealthServer(addr string, state grpchealth.ModelState, logger *zap.Logger) (*grpchealth.Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	srv := grpchealth.NewServer(state, logger)
	go func() {
		if err := srv.Serve(listener); err != nil {
			logger.Error("gRPC health server stopped", zap.Error(err))
		}
	}()
	return srv, nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
