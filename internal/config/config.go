package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
)

// Config carries every operational tuning knob. Retry ceilings, backoff
// durations, and the lease window are deployment parameters, not code.
type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`

	ChatWebhookURL  string `env:"CHAT_WEBHOOK_URL,required=true"`
	PushGatewayURL  string `env:"PUSH_GATEWAY_URL,required=true"`
	EmailRelayURL   string `env:"EMAIL_RELAY_URL,required=true"`
	SendTimeoutSecs int    `env:"SEND_TIMEOUT_SECS,default=10"`

	ClaimBatchSize    int `env:"CLAIM_BATCH_SIZE,default=25"`
	LeaseDurationSecs int `env:"LEASE_DURATION_SECS,default=120"`
	RunnerIntervalMS  int `env:"RUNNER_INTERVAL_MS,default=5000"`
	WorkerConcurrency int `env:"WORKER_CONCURRENCY,default=8"`

	ChannelRetryBudget   int `env:"CHANNEL_RETRY_BUDGET,default=3"`
	ChannelBackoffBaseMS int `env:"CHANNEL_BACKOFF_BASE_MS,default=1000"`
	ChannelBackoffMaxMS  int `env:"CHANNEL_BACKOFF_MAX_MS,default=60000"`
	JobMaxAttempts       int `env:"JOB_MAX_ATTEMPTS,default=3"`
	JobRetryDelaySecs    int `env:"JOB_RETRY_DELAY_SECS,default=300"`
	FollowupIntervalSecs int `env:"FOLLOWUP_INTERVAL_SECS,default=60"`
	FollowupScanLimit    int `env:"FOLLOWUP_SCAN_LIMIT,default=250"`
	RateLimitPerSec      int `env:"RATE_LIMIT_PER_SEC,default=100"`

	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSecs) * time.Second
}

func (c *Config) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseDurationSecs) * time.Second
}

func (c *Config) RunnerInterval() time.Duration {
	return time.Duration(c.RunnerIntervalMS) * time.Millisecond
}

func (c *Config) ChannelBackoffBase() time.Duration {
	return time.Duration(c.ChannelBackoffBaseMS) * time.Millisecond
}

func (c *Config) ChannelBackoffMax() time.Duration {
	return time.Duration(c.ChannelBackoffMaxMS) * time.Millisecond
}

func (c *Config) JobRetryDelay() time.Duration {
	return time.Duration(c.JobRetryDelaySecs) * time.Second
}

func (c *Config) FollowupInterval() time.Duration {
	return time.Duration(c.FollowupIntervalSecs) * time.Second
}
