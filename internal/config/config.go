package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Topics   TopicsConfig   `json:"topics" yaml:"topics"`
	Fetch    FetchConfig    `json:"fetch" yaml:"fetch"`
	Verify   VerifyConfig   `json:"verify" yaml:"verify"`
	Delivery DeliveryConfig `json:"delivery" yaml:"delivery"`
	Lease    LeaseConfig    `json:"lease" yaml:"lease"`
	Export   ExportConfig   `json:"export" yaml:"export"`
	Log      LogConfig      `json:"log" yaml:"log"`
}

// ServerConfig holds listener addresses and the hub's public identity.
type ServerConfig struct {
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`
	// GRPCAddr serves the gRPC health service; empty disables it.
	GRPCAddr string `json:"grpc_addr" yaml:"grpc_addr"`
	// PublicURL is advertised as rel="hub" in notifications.
	PublicURL string `json:"public_url" yaml:"public_url"`
	UserAgent string `json:"user_agent" yaml:"user_agent"`
}

// StorageConfig selects where durable state lives.
type StorageConfig struct {
	DataDir string `json:"data_dir" yaml:"data_dir"`
	// Fsync is always|interval|never.
	Fsync string `json:"fsync" yaml:"fsync"`
	// Subscriptions is pebble|postgres.
	Subscriptions string `json:"subscriptions" yaml:"subscriptions"`
	PostgresDSN   string `json:"postgres_dsn" yaml:"postgres_dsn"`
}

// TopicsConfig covers topic admission and delta shaping.
type TopicsConfig struct {
	AcceptUnknown bool `json:"accept_unknown" yaml:"accept_unknown"`
	// AcceptExpr is a CEL predicate over the URL further restricting which
	// unknown topics are admitted.
	AcceptExpr    string `json:"accept_expr" yaml:"accept_expr"`
	CacheSize     int    `json:"cache_size" yaml:"cache_size"`
	ContextSize   int    `json:"context_size" yaml:"context_size"`
	MaxNewEntries int    `json:"max_new_entries" yaml:"max_new_entries"`
	// ContentMode is full|summary|metadata.
	ContentMode   string `json:"content_mode" yaml:"content_mode"`
	SummaryLength int    `json:"summary_length" yaml:"summary_length"`
}

type FetchConfig struct {
	Workers        int           `json:"workers" yaml:"workers"`
	Timeout        time.Duration `json:"timeout" yaml:"timeout"`
	MaxRedirects   int           `json:"max_redirects" yaml:"max_redirects"`
	MaxFailures    int           `json:"max_failures" yaml:"max_failures"`
	RetryBase      time.Duration `json:"retry_base" yaml:"retry_base"`
	PollInterval   time.Duration `json:"poll_interval" yaml:"poll_interval"`
	SubscriberHint bool          `json:"subscriber_hint" yaml:"subscriber_hint"`
}

type VerifyConfig struct {
	Modes            []string      `json:"modes" yaml:"modes"`
	Method           string        `json:"method" yaml:"method"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
	MaxAttempts      int           `json:"max_attempts" yaml:"max_attempts"`
	RetryBase        time.Duration `json:"retry_base" yaml:"retry_base"`
	DefaultLease     time.Duration `json:"default_lease" yaml:"default_lease"`
	MaxLease         time.Duration `json:"max_lease" yaml:"max_lease"`
	ReconfirmBuffer  time.Duration `json:"reconfirm_buffer" yaml:"reconfirm_buffer"`
	ExpiredRetention time.Duration `json:"expired_retention" yaml:"expired_retention"`
	Workers          int           `json:"workers" yaml:"workers"`
}

type DeliveryConfig struct {
	BatchSize          int           `json:"batch_size" yaml:"batch_size"`
	Workers            int           `json:"workers" yaml:"workers"`
	Timeout            time.Duration `json:"timeout" yaml:"timeout"`
	MaxRetries         int           `json:"max_retries" yaml:"max_retries"`
	RetryBase          time.Duration `json:"retry_base" yaml:"retry_base"`
	PushContent        bool          `json:"push_content" yaml:"push_content"`
	FollowRedirects    bool          `json:"follow_redirects" yaml:"follow_redirects"`
	BigBatch           int           `json:"big_batch" yaml:"big_batch"`
	PerHost            int           `json:"per_host" yaml:"per_host"`
	AbandonedRetention time.Duration `json:"abandoned_retention" yaml:"abandoned_retention"`
}

// LeaseConfig tunes the per-topic lease and the background sweeps.
type LeaseConfig struct {
	TTL           time.Duration `json:"ttl" yaml:"ttl"`
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
}

// ExportConfig points the optional delta export at an AMQP broker. An empty
// URL disables it.
type ExportConfig struct {
	URL        string `json:"url" yaml:"url"`
	Exchange   string `json:"exchange" yaml:"exchange"`
	RoutingKey string `json:"routing_key" yaml:"routing_key"`
	Queue      string `json:"queue" yaml:"queue"`
}

type LogConfig struct {
	Level  string   `json:"level" yaml:"level"`
	Format string   `json:"format" yaml:"format"`
	Redact []string `json:"redact" yaml:"redact"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddr:  ":8080",
			GRPCAddr:  ":9090",
			PublicURL: "http://localhost:8080/",
			UserAgent: "pushhub/1.0",
		},
		Storage: StorageConfig{
			Fsync:         "interval",
			Subscriptions: "pebble",
		},
		Topics: TopicsConfig{
			AcceptUnknown: true,
			CacheSize:     10,
			ContextSize:   10,
			MaxNewEntries: 200,
			ContentMode:   "full",
			SummaryLength: 512,
		},
		Fetch: FetchConfig{
			Workers:        8,
			Timeout:        10 * time.Second,
			MaxRedirects:   7,
			MaxFailures:    4,
			RetryBase:      30 * time.Second,
			PollInterval:   3 * time.Hour,
			SubscriberHint: true,
		},
		Verify: VerifyConfig{
			Modes:            []string{"sync", "async"},
			Method:           "GET",
			Timeout:          10 * time.Second,
			MaxAttempts:      4,
			RetryBase:        30 * time.Second,
			DefaultLease:     5 * 24 * time.Hour,
			MaxLease:         10 * 24 * time.Hour,
			ReconfirmBuffer:  24 * time.Hour,
			ExpiredRetention: 7 * 24 * time.Hour,
			Workers:          4,
		},
		Delivery: DeliveryConfig{
			BatchSize:          100,
			Workers:            8,
			Timeout:            10 * time.Second,
			MaxRetries:         4,
			RetryBase:          30 * time.Second,
			PushContent:        true,
			BigBatch:           20,
			PerHost:            16,
			AbandonedRetention: 7 * 24 * time.Hour,
		},
		Lease: LeaseConfig{
			TTL:           30 * time.Second,
			SweepInterval: time.Minute,
		},
		Export: ExportConfig{
			Exchange:   "pushhub",
			RoutingKey: "deltas",
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a JSON or YAML file over the defaults. A
// .env file in the working directory (or next to path) is loaded first and
// ${VAR} references in the file are expanded. If path is empty, returns
// defaults.
func Load(path string) (Config, error) {
	loadDotEnv(path)
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json", ".yaml", ".yml", "":
	default:
		return Config{}, fmt.Errorf("unsupported config format %q", ext)
	}
	// JSON is a subset of YAML, so one decoder serves both and durations
	// read as "30s" either way.
	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(b))), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func loadDotEnv(path string) {
	files := []string{".env"}
	if path != "" {
		if near := filepath.Join(filepath.Dir(path), ".env"); near != ".env" {
			files = append(files, near)
		}
	}
	for _, f := range files {
		// existing variables win; a missing file is fine
		_ = godotenv.Load(f)
	}
}

// Validate rejects settings the hub cannot run with.
func (c Config) Validate() error {
	var errs []error
	if len(c.Verify.Modes) == 0 {
		errs = append(errs, errors.New("verify.modes must name at least one of sync, async"))
	}
	for _, m := range c.Verify.Modes {
		if m != "sync" && m != "async" {
			errs = append(errs, fmt.Errorf("verify.modes: unknown mode %q", m))
		}
	}
	if c.Verify.MaxAttempts < 2 {
		errs = append(errs, errors.New("verify.max_attempts must be at least 2"))
	}
	if m := strings.ToUpper(c.Verify.Method); m != "GET" && m != "POST" {
		errs = append(errs, fmt.Errorf("verify.method must be GET or POST, got %q", c.Verify.Method))
	}
	if c.Verify.MaxLease < c.Verify.DefaultLease {
		errs = append(errs, errors.New("verify.max_lease is below verify.default_lease"))
	}
	switch c.Topics.ContentMode {
	case "full", "summary", "metadata":
	default:
		errs = append(errs, fmt.Errorf("topics.content_mode must be full, summary or metadata, got %q", c.Topics.ContentMode))
	}
	if c.Topics.CacheSize < 1 {
		errs = append(errs, errors.New("topics.cache_size must be positive"))
	}
	if c.Topics.MaxNewEntries < 1 {
		errs = append(errs, errors.New("topics.max_new_entries must be positive"))
	}
	if c.Fetch.MaxFailures < 1 {
		errs = append(errs, errors.New("fetch.max_failures must be positive"))
	}
	if c.Delivery.MaxRetries < 1 {
		errs = append(errs, errors.New("delivery.max_retries must be positive"))
	}
	if c.Delivery.PerHost < 0 {
		errs = append(errs, errors.New("delivery.per_host must not be negative"))
	}
	if c.Delivery.BatchSize < 1 {
		errs = append(errs, errors.New("delivery.batch_size must be positive"))
	}
	if c.Lease.TTL <= 0 {
		errs = append(errs, errors.New("lease.ttl must be positive"))
	}
	switch c.Storage.Fsync {
	case "", "always", "interval", "never":
	default:
		errs = append(errs, fmt.Errorf("storage.fsync must be always, interval or never, got %q", c.Storage.Fsync))
	}
	switch c.Storage.Subscriptions {
	case "pebble":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.subscriptions must be pebble or postgres, got %q", c.Storage.Subscriptions))
	}
	if c.Export.URL != "" && c.Export.Exchange == "" {
		errs = append(errs, errors.New("export.exchange is required when export.url is set"))
	}
	return errors.Join(errs...)
}
