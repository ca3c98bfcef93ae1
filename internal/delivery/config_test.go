package delivery

import (
	"testing"
	"time"
)

func TestConfigFromEnvDefaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("config from env: %v", err)
	}
	if cfg.ShardCount != 1 {
		t.Fatalf("expected default shard count 1, got %d", cfg.ShardCount)
	}
	if cfg.PageSize != 500 {
		t.Fatalf("expected default page size 500, got %d", cfg.PageSize)
	}
	if cfg.PollInterval != 50*time.Millisecond {
		t.Fatalf("expected default poll interval 50ms, got %s", cfg.PollInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
}

func TestConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("SIGNALMESH_DELIVERY_SHARD_COUNT", "8")
	t.Setenv("SIGNALMESH_DELIVERY_PAGE_SIZE", "50")
	t.Setenv("SIGNALMESH_DELIVERY_IDEMPOTENCE_WINDOW", "2h")
	t.Setenv("SIGNALMESH_DELIVERY_NODE", "node-7")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("config from env: %v", err)
	}
	if cfg.ShardCount != 8 || cfg.PageSize != 50 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.IdempotenceWindow != 2*time.Hour {
		t.Fatalf("expected 2h idempotence window, got %s", cfg.IdempotenceWindow)
	}
	if cfg.Node != "node-7" {
		t.Fatalf("expected node-7, got %q", cfg.Node)
	}
}
