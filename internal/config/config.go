// Package config provides configuration loading and validation for lsmttl.
// Supports YAML files with environment variable overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/dray-io/lsmttl/internal/expiry"
)

// EnvConfigPath names the variable Load reads the config file path from.
const EnvConfigPath = "LSMTTL_CONFIG"

// Authority sources.
const (
	AuthorityMetadata = "metadata"
	AuthorityKafka    = "kafka"
	AuthorityNone     = "none"
)

// Config holds all configuration for an lsmttl daemon.
type Config struct {
	Policy        PolicyConfig        `yaml:"policy"`
	Cache         CacheConfig         `yaml:"cache"`
	Authority     AuthorityConfig     `yaml:"authority"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	ObjectStore   ObjectStoreConfig   `yaml:"objectStore"`
	Sweep         SweepConfig         `yaml:"sweep"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// PolicyConfig is the process default expiry policy.
type PolicyConfig struct {
	Enabled         bool   `yaml:"enabled" env:"LSMTTL_EXPIRY_ENABLED"`
	TTL             string `yaml:"ttl" env:"LSMTTL_EXPIRY_TTL"`
	WholeFileExpiry bool   `yaml:"wholeFileExpiry" env:"LSMTTL_EXPIRY_WHOLE_FILES"`
}

type CacheConfig struct {
	Capacity       int   `yaml:"capacity" env:"LSMTTL_CACHE_CAPACITY"`
	PollIntervalMs int64 `yaml:"pollIntervalMs" env:"LSMTTL_CACHE_POLL_INTERVAL_MS"`
	// MaxWaitMs < 0 waits without bound.
	MaxWaitMs int64 `yaml:"maxWaitMs" env:"LSMTTL_CACHE_MAX_WAIT_MS"`
}

type AuthorityConfig struct {
	Source          string `yaml:"source" env:"LSMTTL_AUTHORITY_SOURCE"`
	MaxRetries      int    `yaml:"maxRetries" env:"LSMTTL_AUTHORITY_MAX_RETRIES"`
	FreshLifetimeMs int64  `yaml:"freshLifetimeMs" env:"LSMTTL_AUTHORITY_FRESH_LIFETIME_MS"`
	Watch           bool   `yaml:"watch" env:"LSMTTL_AUTHORITY_WATCH"`
	// Respond serves policy requests from the Kafka request topic out of
	// the metadata store.
	Respond      bool     `yaml:"respond" env:"LSMTTL_AUTHORITY_RESPOND"`
	KafkaBrokers []string `yaml:"kafkaBrokers" env:"LSMTTL_KAFKA_BROKERS"`
	RequestTopic string   `yaml:"requestTopic" env:"LSMTTL_KAFKA_REQUEST_TOPIC"`
	ReplyTopic   string   `yaml:"replyTopic" env:"LSMTTL_KAFKA_REPLY_TOPIC"`
}

type MetadataConfig struct {
	OxiaEndpoint     string `yaml:"oxiaEndpoint" env:"LSMTTL_OXIA_ENDPOINT"`
	Namespace        string `yaml:"namespace" env:"LSMTTL_OXIA_NAMESPACE"`
	RequestTimeoutMs int64  `yaml:"requestTimeoutMs" env:"LSMTTL_OXIA_REQUEST_TIMEOUT_MS"`
}

type ObjectStoreConfig struct {
	Endpoint       string `yaml:"endpoint" env:"LSMTTL_S3_ENDPOINT"`
	Bucket         string `yaml:"bucket" env:"LSMTTL_S3_BUCKET"`
	Region         string `yaml:"region" env:"LSMTTL_S3_REGION"`
	AccessKey      string `yaml:"accessKey" env:"LSMTTL_S3_ACCESS_KEY"`
	SecretKey      string `yaml:"secretKey" env:"LSMTTL_S3_SECRET_KEY"`
	ManifestPrefix string `yaml:"manifestPrefix" env:"LSMTTL_MANIFEST_PREFIX"`
	EditPrefix     string `yaml:"editPrefix" env:"LSMTTL_EDIT_PREFIX"`
	MaxAttempts    int    `yaml:"maxAttempts" env:"LSMTTL_S3_MAX_ATTEMPTS"`
}

type SweepConfig struct {
	Enabled    bool   `yaml:"enabled" env:"LSMTTL_SWEEP_ENABLED"`
	IntervalMs int64  `yaml:"intervalMs" env:"LSMTTL_SWEEP_INTERVAL_MS"`
	Codec      string `yaml:"codec" env:"LSMTTL_SWEEP_CODEC"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"LSMTTL_METRICS_ADDR"`
	HealthAddr  string `yaml:"healthAddr" env:"LSMTTL_HEALTH_ADDR"`
	GRPCAddr    string `yaml:"grpcAddr" env:"LSMTTL_GRPC_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"LSMTTL_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"LSMTTL_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Policy: PolicyConfig{
			Enabled:         true,
			TTL:             "unlimited",
			WholeFileExpiry: true,
		},
		Cache: CacheConfig{
			Capacity:       1000,
			PollIntervalMs: 1000,
			MaxWaitMs:      10000,
		},
		Authority: AuthorityConfig{
			Source:          AuthorityMetadata,
			MaxRetries:      5,
			FreshLifetimeMs: 300000, // 5 minutes
			Watch:           true,
			RequestTopic:    "__lsmttl_policy_requests",
			ReplyTopic:      "__lsmttl_policy_replies",
		},
		Metadata: MetadataConfig{
			OxiaEndpoint:     "localhost:6648",
			Namespace:        "lsmttl",
			RequestTimeoutMs: 30000,
		},
		ObjectStore: ObjectStoreConfig{
			Region:         "us-east-1",
			ManifestPrefix: "manifests/",
			EditPrefix:     "edits/",
		},
		Sweep: SweepConfig{
			Enabled:    false,
			IntervalMs: 300000, // 5 minutes
			Codec:      "zstd",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			HealthAddr:  ":9091",
			GRPCAddr:    ":9092",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads the file named by LSMTTL_CONFIG if set, otherwise starts from
// the defaults. Environment overrides are applied either way.
func Load() (*Config, error) {
	cfg, err := LoadNoValidate()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadNoValidate is Load without validation. Admin commands use it since
// they only need the metadata section.
func LoadNoValidate() (*Config, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return LoadFromPathNoValidate(path)
	}
	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath reads a YAML file over the defaults, then applies
// environment overrides and validates the result.
func LoadFromPath(path string) (*Config, error) {
	cfg, err := LoadFromPathNoValidate(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPathNoValidate is LoadFromPath without validation.
func LoadFromPathNoValidate(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// ApplyEnv overrides fields that carry an env tag with the variables that
// are set. List variables are comma separated; blank items are dropped.
func (c *Config) ApplyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.Authority.KafkaBrokers = compact(c.Authority.KafkaBrokers)
	return nil
}

func compact(items []string) []string {
	var out []string
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

var validCodecs = map[string]bool{"none": true, "snappy": true, "lz4": true, "zstd": true}

// Validate checks the config and reports every problem found.
func (c *Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf("config: "+format, args...))
	}

	if _, err := c.DefaultPolicy(); err != nil {
		add("policy.ttl: %v", err)
	}
	if c.Cache.Capacity <= 0 {
		add("cache.capacity must be positive, got %d", c.Cache.Capacity)
	}
	if c.Cache.PollIntervalMs <= 0 {
		add("cache.pollIntervalMs must be positive, got %d", c.Cache.PollIntervalMs)
	}
	if c.Cache.MaxWaitMs == 0 {
		add("cache.maxWaitMs must be non-zero")
	}

	switch c.Authority.Source {
	case AuthorityMetadata:
		if c.Metadata.OxiaEndpoint == "" {
			add("metadata.oxiaEndpoint is required for the metadata authority")
		}
	case AuthorityKafka:
		if len(c.Authority.KafkaBrokers) == 0 {
			add("authority.kafkaBrokers is required for the kafka authority")
		}
		if c.Authority.RequestTopic == "" || c.Authority.ReplyTopic == "" {
			add("authority request and reply topics are required")
		}
	case AuthorityNone:
	default:
		add("unknown authority.source %q", c.Authority.Source)
	}
	if c.Authority.Respond && len(c.Authority.KafkaBrokers) == 0 {
		add("authority.kafkaBrokers is required to respond to policy requests")
	}
	if c.Authority.MaxRetries < 0 {
		add("authority.maxRetries must not be negative")
	}

	if c.Sweep.Enabled {
		if c.ObjectStore.Bucket == "" {
			add("objectStore.bucket is required when sweeps are enabled")
		}
		if c.Sweep.IntervalMs <= 0 {
			add("sweep.intervalMs must be positive, got %d", c.Sweep.IntervalMs)
		}
	}
	if c.ObjectStore.MaxAttempts < 0 {
		add("objectStore.maxAttempts must not be negative")
	}
	if !validCodecs[c.Sweep.Codec] {
		add("unknown sweep.codec %q", c.Sweep.Codec)
	}
	return result.ErrorOrNil()
}

// DefaultPolicy converts the policy section to an ExpiryPolicy.
func (c *Config) DefaultPolicy() (expiry.ExpiryPolicy, error) {
	minutes, unlimited, err := expiry.ParseTTL(c.Policy.TTL)
	if err != nil {
		return expiry.ExpiryPolicy{}, err
	}
	return expiry.ExpiryPolicy{
		Enabled:         c.Policy.Enabled,
		TTLMinutes:      minutes,
		Unlimited:       unlimited,
		WholeFileExpiry: c.Policy.WholeFileExpiry,
	}, nil
}

func (c CacheConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c CacheConfig) MaxWait() time.Duration {
	return time.Duration(c.MaxWaitMs) * time.Millisecond
}

func (c AuthorityConfig) FreshLifetime() time.Duration {
	return time.Duration(c.FreshLifetimeMs) * time.Millisecond
}

func (c MetadataConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c SweepConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMs) * time.Millisecond
}
