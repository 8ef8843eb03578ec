package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// FromEnv overlays PUSHHUB_* environment variables onto cfg. Malformed
// values are ignored.
func FromEnv(cfg *Config) {
	str("PUSHHUB_HTTP_ADDR", &cfg.Server.HTTPAddr)
	str("PUSHHUB_GRPC_ADDR", &cfg.Server.GRPCAddr)
	str("PUSHHUB_PUBLIC_URL", &cfg.Server.PublicURL)

	str("PUSHHUB_DATA_DIR", &cfg.Storage.DataDir)
	str("PUSHHUB_FSYNC", &cfg.Storage.Fsync)
	str("PUSHHUB_SUBSCRIPTIONS", &cfg.Storage.Subscriptions)
	str("PUSHHUB_POSTGRES_DSN", &cfg.Storage.PostgresDSN)

	boolean("PUSHHUB_ACCEPT_UNKNOWN_TOPICS", &cfg.Topics.AcceptUnknown)
	str("PUSHHUB_ACCEPT_EXPR", &cfg.Topics.AcceptExpr)
	str("PUSHHUB_CONTENT_MODE", &cfg.Topics.ContentMode)
	integer("PUSHHUB_MAX_NEW_ENTRIES", &cfg.Topics.MaxNewEntries)

	integer("PUSHHUB_FETCH_WORKERS", &cfg.Fetch.Workers)
	duration("PUSHHUB_POLL_INTERVAL", &cfg.Fetch.PollInterval)

	if v := os.Getenv("PUSHHUB_VERIFY_MODES"); v != "" {
		cfg.Verify.Modes = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Verify.Modes = append(cfg.Verify.Modes, p)
			}
		}
	}
	str("PUSHHUB_VERIFY_METHOD", &cfg.Verify.Method)
	integer("PUSHHUB_VERIFY_MAX_ATTEMPTS", &cfg.Verify.MaxAttempts)

	integer("PUSHHUB_DELIVERY_WORKERS", &cfg.Delivery.Workers)
	integer("PUSHHUB_DELIVERY_BATCH_SIZE", &cfg.Delivery.BatchSize)
	integer("PUSHHUB_DELIVERY_MAX_RETRIES", &cfg.Delivery.MaxRetries)
	integer("PUSHHUB_DELIVERY_PER_HOST", &cfg.Delivery.PerHost)
	boolean("PUSHHUB_PUSH_CONTENT", &cfg.Delivery.PushContent)

	duration("PUSHHUB_LEASE_TTL", &cfg.Lease.TTL)

	str("PUSHHUB_AMQP_URL", &cfg.Export.URL)
	str("PUSHHUB_AMQP_EXCHANGE", &cfg.Export.Exchange)

	str("PUSHHUB_LOG_LEVEL", &cfg.Log.Level)
	str("PUSHHUB_LOG_FORMAT", &cfg.Log.Format)
}

func str(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func boolean(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func integer(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func duration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
