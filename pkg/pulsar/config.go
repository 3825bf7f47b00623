package pulsar

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
)

// ClientConfig configures the connection to the Pulsar cluster. Keys are
// relative; the caller supplies the PULSAR_CLIENT_ prefix when parsing.
type ClientConfig struct {
	URL                   string        `env:"URL"                       envDefault:"pulsar://localhost:6650"`
	AuthToken             string        `env:"AUTH_TOKEN"`
	TLSTrustCertsFilePath string        `env:"TLS_TRUST_CERTS_FILE_PATH"`
	OperationTimeout      time.Duration `env:"OPERATION_TIMEOUT"         envDefault:"30s"`
	ConnectionTimeout     time.Duration `env:"CONNECTION_TIMEOUT"        envDefault:"10s"`
	// ClusterName labels client metrics.
	ClusterName string `env:"CLUSTER_NAME"`
}

// ConsumerConfig configures the subscription. Keys are relative; the caller
// supplies the PULSAR_CONSUMER_ prefix when parsing.
type ConsumerConfig struct {
	TopicNames                  []string      `env:"TOPIC_NAMES"                     envSeparator:","`
	SubscriptionName            string        `env:"SUBSCRIPTION_NAME"               envDefault:"bulkbridge"`
	SubscriptionType            string        `env:"SUBSCRIPTION_TYPE"               envDefault:"shared"`
	ReceiverQueueSize           int           `env:"RECEIVER_QUEUE_SIZE"             envDefault:"1000"`
	NackRedeliveryDelay         time.Duration `env:"NACK_REDELIVERY_DELAY"           envDefault:"60s"`
	DeadLetterMaxRedeliverCount uint32        `env:"DEAD_LETTER_MAX_REDELIVER_COUNT" envDefault:"0"`
	DeadLetterTopic             string        `env:"DEAD_LETTER_TOPIC"`
	RetryLetterTopic            string        `env:"RETRY_LETTER_TOPIC"`
}

// Validate checks the client keys.
func (c ClientConfig) Validate() error {
	if c.URL == "" {
		return errors.New("pulsar url must be set")
	}
	return nil
}

// Validate reports every missing or malformed subscription key at once.
func (c ConsumerConfig) Validate() error {
	var errs []error
	if len(c.TopicNames) == 0 {
		errs = append(errs, errors.New("pulsar topic names must be set"))
	}
	if c.SubscriptionName == "" {
		errs = append(errs, errors.New("pulsar subscription name must be set"))
	}
	if _, err := ParseSubscriptionType(c.SubscriptionType); err != nil {
		errs = append(errs, err)
	}
	if c.ReceiverQueueSize < 0 {
		errs = append(errs, fmt.Errorf("pulsar receiver queue size must be >= 0, got %d", c.ReceiverQueueSize))
	}
	if c.DeadLetterMaxRedeliverCount == 0 && (c.DeadLetterTopic != "" || c.RetryLetterTopic != "") {
		errs = append(errs, errors.New("pulsar dead letter topics need a max redeliver count"))
	}
	return errors.Join(errs...)
}

// dlqPolicy is nil unless a max redeliver count is set.
func (c ConsumerConfig) dlqPolicy() *pulsar.DLQPolicy {
	if c.DeadLetterMaxRedeliverCount == 0 {
		return nil
	}
	return &pulsar.DLQPolicy{
		MaxDeliveries:    c.DeadLetterMaxRedeliverCount,
		DeadLetterTopic:  c.DeadLetterTopic,
		RetryLetterTopic: c.RetryLetterTopic,
	}
}

// ParseSubscriptionType maps a case-insensitive name to a subscription type.
func ParseSubscriptionType(s string) (pulsar.SubscriptionType, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "-", "_")) {
	case "exclusive":
		return pulsar.Exclusive, nil
	case "shared", "":
		return pulsar.Shared, nil
	case "failover":
		return pulsar.Failover, nil
	case "key_shared", "keyshared":
		return pulsar.KeyShared, nil
	default:
		return 0, fmt.Errorf("unknown pulsar subscription type %q", s)
	}
}
