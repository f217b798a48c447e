package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN       string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL       string `env:"RABBITMQ_URL,required=true"`
	RedisURL          string `env:"REDIS_URL,required=true"`
	CallServiceURL    string `env:"CALL_SERVICE_URL,required=true"`
	CallServiceAPIKey string `env:"CALL_SERVICE_API_KEY"`
	APIPort           int    `env:"API_PORT,default=8080"`
	WorkerHTTPPort    int    `env:"WORKER_HTTP_PORT,default=9090"`
	LogLevel          string `env:"LOG_LEVEL,default=info"`

	WorkerConcurrency    int `env:"WORKER_CONCURRENCY,default=4"`
	CallsPerSecPerTrunk  int `env:"CALLS_PER_SEC_PER_TRUNK,default=10"`
	MaxTransportRetries  int `env:"MAX_TRANSPORT_RETRIES,default=2"`
	FatalConsecutiveFail int `env:"FATAL_CONSECUTIVE_FAILURES,default=5"`
	// TRUNK_CALLS_PER_SEC overrides CALLS_PER_SEC_PER_TRUNK per trunk: "trunk-a=5,trunk-b=20"
	TrunkCallsPerSec string `env:"TRUNK_CALLS_PER_SEC"`

	CallTimeout    time.Duration `env:"CALL_TIMEOUT,default=30s"`
	RetryBaseDelay time.Duration `env:"RETRY_BASE_DELAY,default=1s"`
	RetryMaxDelay  time.Duration `env:"RETRY_MAX_DELAY,default=30s"`
	LockTTL        time.Duration `env:"LOCK_TTL,default=30s"`
	JobMarkerTTL   time.Duration `env:"JOB_MARKER_TTL,default=10m"`

	RequeueInterval   time.Duration `env:"REQUEUE_INTERVAL,default=30s"`
	RequeueStaleAfter time.Duration `env:"REQUEUE_STALE_AFTER,default=2m"`
	RequeueBatchSize  int           `env:"REQUEUE_BATCH_SIZE,default=100"`

	DBMaxOpenConns int `env:"DB_MAX_OPEN_CONNS,default=25"`
	DBMaxIdleConns int `env:"DB_MAX_IDLE_CONNS,default=5"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	if c.MaxTransportRetries < 0 {
		return fmt.Errorf("MAX_TRANSPORT_RETRIES must not be negative")
	}
	if c.FatalConsecutiveFail < 1 {
		return fmt.Errorf("FATAL_CONSECUTIVE_FAILURES must be at least 1")
	}
	if c.CallsPerSecPerTrunk < 1 {
		return fmt.Errorf("CALLS_PER_SEC_PER_TRUNK must be at least 1")
	}
	if _, err := c.TrunkLimits(); err != nil {
		return err
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("CALL_TIMEOUT must be positive")
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("RETRY_BASE_DELAY must be positive and not exceed RETRY_MAX_DELAY")
	}
	// the lease is refreshed every LOCK_TTL/3
	if c.LockTTL < 3*time.Second {
		return fmt.Errorf("LOCK_TTL must be at least 3s")
	}
	if c.RequeueStaleAfter <= c.LockTTL {
		return fmt.Errorf("REQUEUE_STALE_AFTER must exceed LOCK_TTL")
	}
	return nil
}

// TrunkLimits parses TRUNK_CALLS_PER_SEC into per-trunk calls-per-second overrides.
func (c *Config) TrunkLimits() (map[string]int, error) {
	limits := make(map[string]int)
	for _, entry := range strings.Split(c.TrunkCallsPerSec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		trunk, value, ok := strings.Cut(entry, "=")
		trunk = strings.TrimSpace(trunk)
		if !ok || trunk == "" {
			return nil, fmt.Errorf("TRUNK_CALLS_PER_SEC entry %q must be trunk=calls", entry)
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 1 {
			return nil, fmt.Errorf("TRUNK_CALLS_PER_SEC entry %q must have a positive limit", entry)
		}
		limits[trunk] = n
	}
	return limits, nil
}
