package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

type AppConfig struct {
	Env             Environment
	LogLevel        string
	ServerAddr      string
	ShutdownTimeout time.Duration
}

type ModelConfig struct {
	LibraryPath    string
	Path           string
	InputName      string
	OutputName     string
	PoolSize       int
	IntraOpThreads int
}

type FetchConfig struct {
	MaxReferenceBytes int64
}

type RateLimitConfig struct {
	RedisAddr string
	Requests  int
	Window    time.Duration
}

// Enabled reports whether a Redis backend was configured for rate limiting.
func (c RateLimitConfig) Enabled() bool {
	return c.RedisAddr != ""
}

type GRPCConfig struct {
	HealthAddr string
}

type Config struct {
	App       AppConfig
	Model     ModelConfig
	Fetch     FetchConfig
	RateLimit RateLimitConfig
	GRPC      GRPCConfig
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	env := parseEnvironment(getEnv("APP_ENV", "development"))

	cfg := &Config{
		App: AppConfig{
			Env:             env,
			LogLevel:        getLogLevel(env),
			ServerAddr:      getEnv("APP_SERVER_ADDR", ":8001"),
			ShutdownTimeout: time.Duration(getEnvInt("APP_SHUTDOWN_TIMEOUT_SECONDS", 15)) * time.Second,
		},
		Model: ModelConfig{
			LibraryPath:    getEnv("ONNXRUNTIME_LIB", "libonnxruntime.so"),
			Path:           getEnv("MODEL_PATH", "models/resnet50_features.onnx"),
			InputName:      getEnv("MODEL_INPUT_NAME", "input"),
			OutputName:     getEnv("MODEL_OUTPUT_NAME", "features"),
			PoolSize:       getEnvInt("MODEL_POOL_SIZE", 2),
			IntraOpThreads: getEnvInt("MODEL_INTRA_OP_THREADS", runtime.NumCPU()),
		},
		Fetch: FetchConfig{
			MaxReferenceBytes: int64(getEnvInt("FETCH_MAX_REFERENCE_BYTES", 10<<20)),
		},
		RateLimit: RateLimitConfig{
			RedisAddr: getEnv("REDIS_ADDR", ""),
			Requests:  getEnvInt("RATE_LIMIT_REQUESTS", 100),
			Window:    time.Duration(getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 900)) * time.Second,
		},
		GRPC: GRPCConfig{
			HealthAddr: getEnv("GRPC_HEALTH_ADDR", ":8002"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Model.PoolSize <= 0 {
		return fmt.Errorf("MODEL_POOL_SIZE must be positive, got %d", c.Model.PoolSize)
	}
	if c.Model.IntraOpThreads <= 0 {
		return fmt.Errorf("MODEL_INTRA_OP_THREADS must be positive, got %d", c.Model.IntraOpThreads)
	}
	if c.Fetch.MaxReferenceBytes <= 0 {
		return fmt.Errorf("FETCH_MAX_REFERENCE_BYTES must be positive, got %d", c.Fetch.MaxReferenceBytes)
	}
	if c.RateLimit.Enabled() {
		if c.RateLimit.Requests <= 0 {
			return fmt.Errorf("RATE_LIMIT_REQUESTS must be positive, got %d", c.RateLimit.Requests)
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("RATE_LIMIT_WINDOW_SECONDS must be positive")
		}
	}
	if c.App.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT_SECONDS must be positive")
	}
	return nil
}

func parseEnvironment(envStr string) Environment {
	env := Environment(strings.ToLower(envStr))

	switch env {
	case Development, Production:
		return env
	default:
		return Development
	}
}

func getLogLevel(env Environment) string {
	if env == Production {
		return getEnv("APP_LOG_LEVEL", "info")
	}

	return getEnv("APP_LOG_LEVEL", "debug")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
