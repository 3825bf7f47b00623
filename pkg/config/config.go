// Package config loads the bridge configuration from a flat, prefixed
// key/value environment.
package config

import (
	"errors"
	"fmt"
	"math/bits"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/xboshy/bulkbridge/pkg/batch"
	"github.com/xboshy/bulkbridge/pkg/elasticsearch"
	"github.com/xboshy/bulkbridge/pkg/idkey"
	"github.com/xboshy/bulkbridge/pkg/kafka"
	"github.com/xboshy/bulkbridge/pkg/metrics"
	"github.com/xboshy/bulkbridge/pkg/pulsar"
	"github.com/xboshy/bulkbridge/pkg/ring"
)

// ErrInvalid wraps every load or validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Source names the queue the bridge consumes from.
type Source string

const (
	SourcePulsar Source = "pulsar"
	SourceKafka  Source = "kafka"
)

type Global struct {
	InflightBatches int        `env:"INFLIGHT_BATCHES" envDefault:"1"` // worker count
	RingBuffer      int        `env:"RING_BUFFER"      envDefault:"2"` // slot count, power of two
	IDMode          idkey.Mode `env:"ID_MODE"          envDefault:"none"`
	Source          Source     `env:"SOURCE"           envDefault:"pulsar"`
	Environment     string     `env:"ENVIRONMENT"` // metrics label only
}

type Batch struct {
	MaxNumMessages int           `env:"MAX_NUM_MESSAGES" envDefault:"100"`      // <= 0 is unbounded
	MaxNumBytes    int64         `env:"MAX_NUM_BYTES"    envDefault:"10485760"` // <= 0 is unbounded
	Timeout        time.Duration `env:"TIMEOUT"          envDefault:"100ms"`    // max batch age
}

// Policy converts the batch keys to accumulator bounds.
func (b Batch) Policy() batch.Policy {
	return batch.Policy{
		MaxMessages: b.MaxNumMessages,
		MaxBytes:    b.MaxNumBytes,
		MaxAge:      b.Timeout,
	}
}

type Prometheus struct {
	Host string `env:"HOST"`
	Port int    `env:"PORT" envDefault:"8081"` // 0 disables the server
}

// Addr returns the metrics listen address.
func (p Prometheus) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

func (p Prometheus) Enabled() bool { return p.Port != 0 }

// Config is the whole bridge configuration.
type Config struct {
	Global         Global                `envPrefix:"GLOBAL_"`
	Batch          Batch                 `envPrefix:"BATCH_"`
	PulsarClient   pulsar.ClientConfig   `envPrefix:"PULSAR_CLIENT_"`
	PulsarConsumer pulsar.ConsumerConfig `envPrefix:"PULSAR_CONSUMER_"`
	Kafka          kafka.ConsumerConfig  `envPrefix:"KAFKA_"`
	Elasticsearch  elasticsearch.Config  `envPrefix:"ELASTICSEARCH_"`
	Prometheus     Prometheus            `envPrefix:"PROMETHEUS_"`
}

// Load parses environ and validates the result. Keys missing from environ
// take their defaults.
func Load(environ map[string]string) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	cfg.Global.Source = Source(strings.ToLower(string(cfg.Global.Source)))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv loads the process environment, layered over envFile when one
// is given. Values from the process environment win.
func LoadFromEnv(envFile string) (*Config, error) {
	environ := map[string]string{}
	if envFile != "" {
		fromFile, err := godotenv.Read(envFile)
		if err != nil {
			return nil, fmt.Errorf("%w: read env file %s: %w", ErrInvalid, envFile, err)
		}
		environ = fromFile
	}
	for k, v := range env.ToMap(os.Environ()) {
		environ[k] = v
	}
	return Load(environ)
}

// Validate reports every violation at once.
func (c *Config) Validate() error {
	var errs []error

	if n := c.Global.RingBuffer; n <= 0 || bits.OnesCount(uint(n)) != 1 {
		errs = append(errs, fmt.Errorf("GLOBAL_RING_BUFFER=%d: %w", n, ring.ErrCapacityNotPowerOfTwo))
	}
	if c.Global.InflightBatches < 1 {
		errs = append(errs, fmt.Errorf("GLOBAL_INFLIGHT_BATCHES must be >= 1, got %d", c.Global.InflightBatches))
	}
	if c.Batch.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("BATCH_TIMEOUT must be positive, got %s", c.Batch.Timeout))
	}
	if c.Elasticsearch.IndexName == "" {
		errs = append(errs, errors.New("ELASTICSEARCH_INDEX_NAME must be set"))
	}
	if len(c.Elasticsearch.Hosts) == 0 {
		errs = append(errs, errors.New("ELASTICSEARCH_HOSTS must be set"))
	}
	if p := c.Prometheus.Port; p < 0 || p > 65535 {
		errs = append(errs, fmt.Errorf("PROMETHEUS_PORT out of range: %d", p))
	}

	switch c.Global.Source {
	case SourcePulsar:
		if err := c.PulsarClient.Validate(); err != nil {
			errs = append(errs, err)
		}
		if err := c.PulsarConsumer.Validate(); err != nil {
			errs = append(errs, err)
		}
	case SourceKafka:
		if err := c.Kafka.WithDefaults().Validate(); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("GLOBAL_SOURCE must be %q or %q, got %q", SourcePulsar, SourceKafka, c.Global.Source))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// MetricsLabels are the constant labels for this bridge instance.
func (c *Config) MetricsLabels() metrics.Labels {
	labels := metrics.Labels{
		Index:       c.Elasticsearch.IndexName,
		Environment: c.Global.Environment,
	}
	if c.Global.Source == SourcePulsar {
		labels.Cluster = c.PulsarClient.ClusterName
	}
	return labels
}
