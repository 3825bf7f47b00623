package kafka

import (
	"errors"
	"fmt"
	"time"
)

// Default timeout values for the Kafka source
const (
	DefaultSessionTimeout  = 45 * time.Second
	DefaultMaxPollInterval = 300 * time.Second
	DefaultFlushTimeout    = 15 * time.Second
	DefaultPollTimeout     = 100 * time.Millisecond
)

// ConsumerConfig holds the configuration for the Kafka source. Keys are
// relative; the caller supplies the KAFKA_ prefix when parsing.
type ConsumerConfig struct {
	BootstrapServers     string         `env:"BOOTSTRAP_SERVERS"      envDefault:"localhost:9092"` // Kafka broker addresses
	GroupID              string         `env:"GROUP_ID"               envDefault:"bulkbridge"`     // Consumer group ID for offset management
	Topic                string         `env:"TOPIC"`                                              // Topic to consume from
	RetryTopic           string         `env:"RETRY_TOPIC"`                                        // Nacked messages are republished here; empty leaves them uncommitted
	RetryTopicPartitions int            `env:"RETRY_TOPIC_PARTITIONS" envDefault:"0"`              // Create the retry topic with this many partitions at startup; 0 skips
	RetryTopicReplicas   int            `env:"RETRY_TOPIC_REPLICAS"   envDefault:"1"`              // Replication factor used when creating the retry topic
	AutoOffsetReset      string         `env:"AUTO_OFFSET_RESET"      envDefault:"earliest"`       // Offset reset strategy: "earliest" or "latest"
	OffsetCommitInterval time.Duration  `env:"OFFSET_COMMIT_INTERVAL" envDefault:"5s"`             // Interval for committing offsets
	SessionTimeout       *time.Duration `env:"SESSION_TIMEOUT"`                                    // Session timeout for the group member
	MaxPollInterval      *time.Duration `env:"MAX_POLL_INTERVAL"`                                  // Max poll interval for the group member
	FlushTimeout         *time.Duration `env:"FLUSH_TIMEOUT"`                                      // Retry producer flush timeout on close
	PollTimeout          *time.Duration `env:"POLL_TIMEOUT"`                                       // Single Poll() call timeout
	EnableLogs           bool           `env:"ENABLE_LOGS"            envDefault:"false"`          // Enable librdkafka client logs
}

// WithDefaults returns a copy of the config with default values filled in for any nil pointer fields.
// This method does not mutate the original config.
func (c ConsumerConfig) WithDefaults() ConsumerConfig {
	if c.SessionTimeout == nil {
		timeout := DefaultSessionTimeout
		c.SessionTimeout = &timeout
	}
	if c.MaxPollInterval == nil {
		interval := DefaultMaxPollInterval
		c.MaxPollInterval = &interval
	}
	if c.FlushTimeout == nil {
		timeout := DefaultFlushTimeout
		c.FlushTimeout = &timeout
	}
	if c.PollTimeout == nil {
		timeout := DefaultPollTimeout
		c.PollTimeout = &timeout
	}
	if c.OffsetCommitInterval <= 0 {
		c.OffsetCommitInterval = OffsetManagerCommitInterval
	}
	return c
}

// Validate reports every missing or malformed key at once.
func (c ConsumerConfig) Validate() error {
	var errs []error
	if c.BootstrapServers == "" {
		errs = append(errs, errors.New("kafka bootstrap servers must be set"))
	}
	if c.GroupID == "" {
		errs = append(errs, errors.New("kafka group id must be set"))
	}
	if c.Topic == "" {
		errs = append(errs, errors.New("kafka topic must be set"))
	}
	if c.RetryTopic != "" && c.RetryTopic == c.Topic {
		errs = append(errs, fmt.Errorf("kafka retry topic %q must differ from the source topic", c.RetryTopic))
	}
	switch c.AutoOffsetReset {
	case "earliest", "latest":
	default:
		errs = append(errs, fmt.Errorf("kafka auto offset reset must be earliest or latest, got %q", c.AutoOffsetReset))
	}
	if c.RetryTopicPartitions < 0 {
		errs = append(errs, fmt.Errorf("kafka retry topic partitions must be >= 0, got %d", c.RetryTopicPartitions))
	}
	return errors.Join(errs...)
}
