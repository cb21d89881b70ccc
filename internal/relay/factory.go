package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/darkden-lab/postfeed/internal/config"
)

const (
	DriverNone  = "none"
	DriverKafka = "kafka"
	DriverRedis = "redis"
)

// New creates the Relay selected by cfg.RelayDriver. It returns a nil Relay
// and no error for the "none" driver, which keeps events on this instance.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (Relay, error) {
	if log == nil {
		log = slog.Default()
	}

	switch driver := strings.ToLower(strings.TrimSpace(cfg.RelayDriver)); driver {
	case "", DriverNone:
		log.Info("relay disabled, events stay on this instance")
		return nil, nil
	case DriverKafka:
		brokers := cfg.Brokers()
		log.Info("relay using kafka", slog.Any("brokers", brokers), slog.String("prefix", cfg.RelayPrefix))
		return NewKafkaRelay(KafkaConfig{Brokers: brokers, TopicPrefix: cfg.RelayPrefix}, log)
	case DriverRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required for the redis relay")
		}
		log.Info("relay using redis", slog.String("prefix", cfg.RelayPrefix))
		return NewRedisRelay(ctx, cfg.RedisURL, cfg.RelayPrefix, log)
	default:
		return nil, fmt.Errorf("unknown relay driver %q", driver)
	}
}
