package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("expected default port '8080', got '%s'", cfg.Port)
	}
	if cfg.MigrationsPath != "migrations" {
		t.Errorf("expected default migrations path, got '%s'", cfg.MigrationsPath)
	}
	if cfg.RelayDriver != "none" {
		t.Errorf("expected relay driver 'none' by default, got '%s'", cfg.RelayDriver)
	}
	if cfg.PubSubBufferSize != 64 {
		t.Errorf("expected default buffer size 64, got %d", cfg.PubSubBufferSize)
	}
	if cfg.PubSubDropPolicy != "drop-oldest" {
		t.Errorf("expected default drop policy, got '%s'", cfg.PubSubDropPolicy)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("expected 10s shutdown timeout, got %v", cfg.ShutdownTimeout)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("PUBSUB_BUFFER_SIZE", "8")
	t.Setenv("RELAY_DRIVER", "redis")
	t.Setenv("RATE_LIMIT_RPS", "2.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "9090" {
		t.Errorf("expected port '9090', got '%s'", cfg.Port)
	}
	if cfg.PubSubBufferSize != 8 {
		t.Errorf("expected buffer size 8, got %d", cfg.PubSubBufferSize)
	}
	if cfg.RelayDriver != "redis" {
		t.Errorf("expected relay driver 'redis', got '%s'", cfg.RelayDriver)
	}
	if cfg.RateLimitRPS != 2.5 {
		t.Errorf("expected rate limit 2.5, got %v", cfg.RateLimitRPS)
	}
}

func TestSplitLists(t *testing.T) {
	cfg := &Config{
		AllowedOrigins: " http://a.test , ,http://b.test",
		KafkaBrokers:   "k1:9092,k2:9092",
	}

	origins := cfg.Origins()
	if len(origins) != 2 || origins[0] != "http://a.test" || origins[1] != "http://b.test" {
		t.Errorf("unexpected origins: %v", origins)
	}

	brokers := cfg.Brokers()
	if len(brokers) != 2 || brokers[1] != "k2:9092" {
		t.Errorf("unexpected brokers: %v", brokers)
	}

	if got := (&Config{}).Brokers(); len(got) != 0 {
		t.Errorf("expected no brokers, got %v", got)
	}
}
