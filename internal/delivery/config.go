package delivery

import (
	"fmt"
	"time"

	"github.com/louisbranch/signalmesh/internal/platform/config"
)

// Config holds the delivery runtime configuration.
type Config struct {
	// ShardCount is the number of shards entities partition into.
	ShardCount int `env:"SIGNALMESH_DELIVERY_SHARD_COUNT" envDefault:"1"`
	// PageSize is the number of messages read per page.
	PageSize int `env:"SIGNALMESH_DELIVERY_PAGE_SIZE" envDefault:"500"`
	// IdempotenceWindow is how long delivered messages are retained for
	// dedup. Zero disables deduplication.
	IdempotenceWindow time.Duration `env:"SIGNALMESH_DELIVERY_IDEMPOTENCE_WINDOW" envDefault:"0s"`
	// TurbulencePeriod is the catch-up window during which replays and live
	// events coexist.
	TurbulencePeriod time.Duration `env:"SIGNALMESH_DELIVERY_TURBULENCE_PERIOD" envDefault:"0s"`
	// Workers bounds the worker pool. Zero means one worker per CPU.
	Workers int `env:"SIGNALMESH_DELIVERY_WORKERS" envDefault:"0"`
	// PollInterval is the backoff base for workers that found no work.
	PollInterval time.Duration `env:"SIGNALMESH_DELIVERY_POLL_INTERVAL" envDefault:"50ms"`
	// SweepInterval drives the expired-message sweeper.
	SweepInterval time.Duration `env:"SIGNALMESH_DELIVERY_SWEEP_INTERVAL" envDefault:"1m"`
	// Node identifies this process in the work registry.
	Node string `env:"SIGNALMESH_DELIVERY_NODE"`
}

// ConfigFromEnv loads the delivery configuration from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks option ranges.
func (c Config) Validate() error {
	if c.ShardCount < 1 {
		return fmt.Errorf("shard count must be at least 1, got %d", c.ShardCount)
	}
	if c.PageSize < 1 {
		return fmt.Errorf("page size must be at least 1, got %d", c.PageSize)
	}
	if c.IdempotenceWindow < 0 {
		return fmt.Errorf("idempotence window must not be negative, got %s", c.IdempotenceWindow)
	}
	if c.TurbulencePeriod < 0 {
		return fmt.Errorf("turbulence period must not be negative, got %s", c.TurbulencePeriod)
	}
	return nil
}
