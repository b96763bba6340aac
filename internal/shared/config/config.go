// Package config loads service configuration from environment variables.
// It follows the teacher's per-service Config struct + LoadXConfig()
// pattern (internal/shared/config.LoadEdgeProxyConfig et al.) but binds
// struct tags with caarlos0/env, the same library internal/testsuite.Config
// uses, instead of the teacher's hand-rolled getEnvWithPrefix helpers.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// DaemonConfig configures cmd/clustermuxd.
type DaemonConfig struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"clustermuxd"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	NATSURL           string        `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NATSSubjectRoot   string        `env:"NATS_SUBJECT_ROOT" envDefault:"cluster.commands"`
	NATSMaxReconnect  int           `env:"NATS_MAX_RECONNECTS" envDefault:"-1"`
	NATSReconnectWait time.Duration `env:"NATS_RECONNECT_WAIT" envDefault:"2s"`
	NATSTimeout       time.Duration `env:"NATS_TIMEOUT" envDefault:"5s"`

	HealthCheckInterval time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"10s"`
	RemoveBrokenNodesMs int64         `env:"REMOVE_BROKEN_NODES_MS" envDefault:"60000"`

	FailoverCacheCapacity int           `env:"FAILOVER_CACHE_CAPACITY" envDefault:"100"`
	FailoverCacheTTL      time.Duration `env:"FAILOVER_CACHE_TTL" envDefault:"5m"`

	ForwarderAddr string `env:"FORWARDER_ADDR" envDefault:":8000"`
}

// Load parses a DaemonConfig from the process environment.
func Load() (*DaemonConfig, error) {
	cfg := &DaemonConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	return cfg, nil
}
