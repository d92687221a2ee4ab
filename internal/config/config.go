package config

import (
	"fmt"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN        string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL        string `env:"RABBITMQ_URL,required=true"`
	RedisURL           string `env:"REDIS_URL,required=true"`
	GatewayBaseURL     string `env:"GATEWAY_BASE_URL,required=true"`
	MachineCatalogPath string `env:"MACHINE_CATALOG_PATH"`

	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`

	DBMaxOpenConns int `env:"DB_MAX_OPEN_CONNS,default=25"`
	DBMaxIdleConns int `env:"DB_MAX_IDLE_CONNS,default=5"`

	ApprovalConcurrency int `env:"APPROVAL_CONCURRENCY,default=8"`
	DispatchConcurrency int `env:"DISPATCH_CONCURRENCY,default=16"`

	GatewayRatePerSec  int `env:"GATEWAY_RATE_PER_SEC,default=50"`
	OperatorRatePerSec int `env:"OPERATOR_RATE_PER_SEC,default=10"`

	ConflictScanSeconds  int `env:"CONFLICT_SCAN_SECONDS,default=30"`
	SessionRetentionDays int `env:"SESSION_RETENTION_DAYS,default=3"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}
