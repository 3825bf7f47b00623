//go:build integration
// +build integration

package kafka

import (
	"context"
	"fmt"
	"testing"
	"time"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/xboshy/bulkbridge/pkg/queue"
)

const (
	kafkaImage     = "confluentinc/cp-kafka:7.5.0"
	kafkaBrokers   = "localhost:9093"
	kafkaStartTime = 60 * time.Second
)

func setupKafka(t *testing.T) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image: kafkaImage,
		// The advertised listener names the host port, so it is bound 1:1.
		ExposedPorts: []string{"9093:9093/tcp"},
		Env: map[string]string{
			"KAFKA_LISTENERS":                                "PLAINTEXT://0.0.0.0:9093,BROKER://0.0.0.0:9092,CONTROLLER://0.0.0.0:9094",
			"KAFKA_ADVERTISED_LISTENERS":                     "PLAINTEXT://localhost:9093,BROKER://localhost:9092",
			"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":           "CONTROLLER:PLAINTEXT,BROKER:PLAINTEXT,PLAINTEXT:PLAINTEXT",
			"KAFKA_INTER_BROKER_LISTENER_NAME":               "BROKER",
			"KAFKA_CONTROLLER_LISTENER_NAMES":                "CONTROLLER",
			"KAFKA_CONTROLLER_QUORUM_VOTERS":                 "1@localhost:9094",
			"KAFKA_PROCESS_ROLES":                            "broker,controller",
			"KAFKA_NODE_ID":                                  "1",
			"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR":         "1",
			"KAFKA_TRANSACTION_STATE_LOG_REPLICATION_FACTOR": "1",
			"KAFKA_TRANSACTION_STATE_LOG_MIN_ISR":            "1",
			"KAFKA_GROUP_INITIAL_REBALANCE_DELAY_MS":         "0",
			"CLUSTER_ID":                                     "MkU3OEVBNTcwNTJENDM2Qk",
		},
		WaitingFor: wait.ForLog("Kafka Server started").WithStartupTimeout(kafkaStartTime),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate kafka container: %v", err)
		}
	})
}

func produceRecords(t *testing.T, topic string, n int) {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	admin, err := cKafka.NewAdminClient(&cKafka.ConfigMap{"bootstrap.servers": kafkaBrokers})
	require.NoError(t, err)
	defer admin.Close()
	require.NoError(t, createTopicIfMissing(t.Context(), admin, cKafka.TopicSpecification{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}, log))

	p, err := newRetryPublisher(&cKafka.ConfigMap{"bootstrap.servers": kafkaBrokers}, log)
	require.NoError(t, err)
	defer p.Close(10 * time.Second)

	for i := range n {
		require.NoError(t, p.Produce(t.Context(), Msg{
			Topic: topic,
			Key:   []byte(fmt.Sprintf("key-%d", i)),
			Value: []byte(fmt.Sprintf(`{"n":%d}`, i)),
		}))
	}
}

func receive(t *testing.T, c *Consumer) queue.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()
	msg, err := c.Receive(ctx)
	require.NoError(t, err)
	return msg
}

func TestConsumerIntegration_AckAndRetryTopic(t *testing.T) {
	setupKafka(t)
	produceRecords(t, "events", 5)

	commitEvery := 100 * time.Millisecond
	c, err := NewConsumer(t.Context(), ConsumerConfig{
		BootstrapServers:     kafkaBrokers,
		GroupID:              "bridge",
		Topic:                "events",
		RetryTopic:           "events-retry",
		RetryTopicPartitions: 1,
		RetryTopicReplicas:   1,
		AutoOffsetReset:      "earliest",
		OffsetCommitInterval: commitEvery,
	}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer c.Close()

	for i := range 5 {
		msg := receive(t, c)
		assert.Equal(t, fmt.Sprintf("key-%d", i), msg.Key())

		if i == 2 {
			c.Nack(msg.ID())
			continue
		}
		require.NoError(t, c.Ack(t.Context(), msg))
	}

	// The same member reads the nacked record back from the retry topic.
	msg := receive(t, c)
	assert.Equal(t, MessageID{Topic: "events-retry", Partition: 0, Offset: 0}, msg.ID())
	assert.Equal(t, "key-2", msg.Key())
	assert.Equal(t, []byte(`{"n":2}`), msg.Payload())
	assert.Equal(t, uint32(1), msg.RedeliveryCount())
	require.NoError(t, c.Ack(t.Context(), msg))
}
