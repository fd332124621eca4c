// Package config loads proxy configuration from the environment.
//
// An optional .env file is read first; real environment variables win.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

// Config is the full runtime configuration.
type Config struct {
	HTTPPort  string `env:"HTTP_PORT" env-default:"5200" env-description:"OpenAI-compatible HTTP port (also serves /metrics)"`
	GRPCPort  string `env:"GRPC_PORT" env-default:"50051" env-description:"gRPC server port"`
	LogLevel  string `env:"LOG_LEVEL" env-default:"info"`
	LogFormat string `env:"LOG_FORMAT" env-default:"json"`

	Upstream Upstream
	Upload   Upload
	Poll     Poll
	Resubmit Resubmit
	Redis    Redis
}

// Upstream configures the Resilient Request Client.
type Upstream struct {
	BaseURL        string        `env:"UPSTREAM_BASE_URL" env-default:"https://jimeng.jianying.com"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" env-default:"15s"`
	MaxRetries     int           `env:"MAX_RETRIES" env-default:"3"`
	RetryDelay     time.Duration `env:"RETRY_DELAY" env-default:"5s"`
	RPS            float64       `env:"UPSTREAM_RPS" env-default:"0" env-description:"outbound request rate limit, 0 disables"`
	Burst          int           `env:"UPSTREAM_BURST" env-default:"5"`
}

// Upload configures the object-storage pipeline.
type Upload struct {
	ImageXBaseURL string        `env:"IMAGEX_BASE_URL" env-default:"https://imagex.bytedanceapi.com"`
	StepTimeout   time.Duration `env:"UPLOAD_STEP_TIMEOUT" env-default:"30s"`
	MaxBytes      int64         `env:"UPLOAD_MAX_BYTES" env-default:"104857600"`
	CacheTTL      time.Duration `env:"UPLOAD_CACHE_TTL" env-default:"24h"`
}

// Poll configures the polling state machine.
type Poll struct {
	MaxAttempts      int           `env:"POLL_MAX_ATTEMPTS" env-default:"90"`
	VideoMaxAttempts int           `env:"POLL_VIDEO_MAX_ATTEMPTS" env-default:"180"`
	FastDelay        time.Duration `env:"POLL_FAST_DELAY" env-default:"2s"`
	MaxDelay         time.Duration `env:"POLL_MAX_DELAY" env-default:"10s"`
}

// Resubmit configures whole-job resubmission at the proxy layer.
type Resubmit struct {
	Retries int           `env:"RESUBMIT_RETRIES" env-default:"2"`
	Delay   time.Duration `env:"RESUBMIT_DELAY" env-default:"3s"`
}

// Redis configures the optional upload URI cache. Empty Addr disables it.
type Redis struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" env-default:"0"`
}

// Load reads .env (when present) and the environment into a Config.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	// A missing .env file is normal in production.
	_ = godotenv.Load(envFiles...)

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: read env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the components cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Upstream.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("MAX_RETRIES must be >= 0, got %d", c.Upstream.MaxRetries))
	}
	if c.Upstream.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("REQUEST_TIMEOUT must be positive"))
	}
	if c.Upload.MaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("UPLOAD_MAX_BYTES must be positive"))
	}
	if c.Poll.MaxAttempts <= 0 || c.Poll.VideoMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("poll attempt limits must be positive"))
	}
	if c.Resubmit.Retries < 0 {
		errs = append(errs, fmt.Errorf("RESUBMIT_RETRIES must be >= 0"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
