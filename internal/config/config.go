// Package config defines the versioned storage/pipeline configuration
// schema of spec section 6, decoded from YAML (grounded on the
// gopkg.in/yaml.v3 usage elsewhere in the example pack's config
// loaders), plus the per-binary CLI flag groups in the teacher's
// jessevdk/go-flags style (examples/word-count/wordcountctl/main.go).
package config

import (
	"os"
	"time"

	"github.com/nyxloma/signalmesh/internal/apperrors"
	"gopkg.in/yaml.v3"
)

// CurrentSchemaVersion is the only schemaVersion Load accepts.
const CurrentSchemaVersion = 1

// Postgres configures the RecordAdapter/OutboxRepository/DLQWriter pool.
type Postgres struct {
	DSN    string `yaml:"dsn"`
	Schema string `yaml:"schema"`
}

// Redis configures the cache provider, stream adapter and participant
// cache's shared client.
type Redis struct {
	Addrs    []string `yaml:"addrs"`
	Password string   `yaml:"password,omitempty"`
}

// ObjectStore configures the BlobAdapter's S3-compatible endpoint.
type ObjectStore struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseTLS    bool   `yaml:"useTLS"`
}

// Breaker mirrors breaker.Config in YAML-friendly form.
type Breaker struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	SuccessThreshold int           `yaml:"successThreshold"`
	ResetTimeout     time.Duration `yaml:"resetTimeout"`
}

// Cache configures a CacheManager instance.
type Cache struct {
	TTLSeconds      int           `yaml:"ttlSeconds"`
	StalenessBudget time.Duration `yaml:"stalenessBudget"`
	Breaker         Breaker       `yaml:"breaker"`
}

// Dispatcher configures an outbox Dispatcher.
type Dispatcher struct {
	Stream      string        `yaml:"stream"`
	BatchSize   int           `yaml:"batchSize"`
	MaxAttempts int           `yaml:"maxAttempts"`
	Cadence     time.Duration `yaml:"cadence"`
	Breaker     Breaker       `yaml:"breaker"`
}

// Consumer configures a delivery.Consumer.
type Consumer struct {
	Stream             string        `yaml:"stream"`
	Group              string        `yaml:"group"`
	ConsumerName       string        `yaml:"consumerName"`
	BatchSize          int           `yaml:"batchSize"`
	BlockMs            int64         `yaml:"blockMs"`
	PELHygieneInterval time.Duration `yaml:"pelHygieneInterval"`
	QueueMax           int           `yaml:"queueMax"`
	DropPolicy         string        `yaml:"dropPolicy"`
}

// Authz configures the authorization middleware's rate limiter.
type Authz struct {
	RateLimitPerWindow int           `yaml:"rateLimitPerWindow"`
	RateLimitWindow    time.Duration `yaml:"rateLimitWindow"`
	SampleRate         float64       `yaml:"sampleRate"`
}

// Config is the top-level versioned configuration schema.
type Config struct {
	SchemaVersion int         `yaml:"schemaVersion"`
	Namespace     string      `yaml:"namespace"`
	Postgres      Postgres    `yaml:"postgres"`
	Redis         Redis       `yaml:"redis"`
	ObjectStore   ObjectStore `yaml:"objectStore"`
	Cache         Cache       `yaml:"cache"`
	Dispatcher    Dispatcher  `yaml:"dispatcher"`
	Consumer      Consumer    `yaml:"consumer"`
	Authz         Authz       `yaml:"authz"`
}

// Load reads and decodes path, failing fatally (ValidationFailed) on a
// schemaVersion mismatch (SPEC_FULL 0.3).
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ValidationFailed, err, "read config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ValidationFailed, err, "decode config file")
	}

	if cfg.SchemaVersion != CurrentSchemaVersion {
		return nil, apperrors.Newf(apperrors.ValidationFailed,
			"config schemaVersion %d does not match supported version %d", cfg.SchemaVersion, CurrentSchemaVersion)
	}
	return &cfg, nil
}
