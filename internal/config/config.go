package config

import (
	"fmt"
	"time"

	env "github.com/caarlos0/env/v11"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`

	GatewayURL         string `env:"GATEWAY_URL" envDefault:"http://mock-gateway:8081"`
	GatewayCallbackURL string `env:"GATEWAY_CALLBACK_URL" envDefault:"http://app:8080/api/v1/gateway/events"`
	GatewayTimeoutS    int    `env:"GATEWAY_TIMEOUT_S" envDefault:"5"`

	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv   string `env:"APP_ENV" envDefault:"production"`

	// Reconciliation bounds. None of these may be zero in production;
	// envDefault keeps them bounded even when unset.
	StaleAfterS      int `env:"STALE_AFTER_S" envDefault:"120"`
	HardTimeoutS     int `env:"HARD_TIMEOUT_S" envDefault:"3600"`
	SweepIntervalS   int `env:"SWEEP_INTERVAL_S" envDefault:"30"`
	SweepBatchSize   int `env:"SWEEP_BATCH_SIZE" envDefault:"50"`
	MaxSweepAttempts int `env:"MAX_SWEEP_ATTEMPTS" envDefault:"10"`
	MaxRetries       int `env:"MAX_RETRIES" envDefault:"3"`

	FeeRatePPM  int64 `env:"FEE_RATE_PPM" envDefault:"5000"`
	FeeBaseMsat int64 `env:"FEE_BASE_MSAT" envDefault:"1000"`

	DBMaxOpenConns     int `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns     int `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	DBConnMaxLifetimeS int `env:"DB_CONN_MAX_LIFETIME_S" envDefault:"300"`
	DBConnMaxIdleTimeS int `env:"DB_CONN_MAX_IDLE_TIME_S" envDefault:"60"`
}

func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterS) * time.Second
}

func (c *Config) HardTimeout() time.Duration {
	return time.Duration(c.HardTimeoutS) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalS) * time.Second
}

func (c *Config) GatewayTimeout() time.Duration {
	return time.Duration(c.GatewayTimeoutS) * time.Second
}
