package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// Msg is a record to republish. Headers are copied verbatim.
type Msg struct {
	Topic   string
	Value   []byte
	Key     []byte
	Headers []kafka.Header
}

// retryPublisher writes nacked records to the retry topic. Produce waits for
// the delivery report so the original offset is only released once the copy
// is stored.
type retryPublisher struct {
	producer *kafka.Producer
	log      *zap.SugaredLogger
	errCh    chan error
	closing  chan struct{}
	stopped  chan struct{}
	once     sync.Once
}

func newRetryPublisher(conf *kafka.ConfigMap, log *zap.SugaredLogger) (*retryPublisher, error) {
	p, err := kafka.NewProducer(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	rp := &retryPublisher{
		producer: p,
		log:      log,
		errCh:    make(chan error, 1),
		closing:  make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go rp.watchEvents()
	return rp, nil
}

// Produce blocks until the broker acknowledges msg or ctx is done. A record
// whose ctx expired may still be delivered later.
func (rp *retryPublisher) Produce(ctx context.Context, msg Msg) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Never closed: a late report lands in the buffer and is dropped.
	delivery := make(chan kafka.Event, 1)
	err := rp.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &msg.Topic, Partition: kafka.PartitionAny},
		Key:            msg.Key,
		Value:          msg.Value,
		Headers:        msg.Headers,
	}, delivery)
	if err != nil {
		return fmt.Errorf("failed to produce to %q: %w", msg.Topic, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-delivery:
		return deliveryResult(ev)
	}
}

// Errors receives at most one fatal producer error and is closed by Close.
func (rp *retryPublisher) Errors() <-chan error {
	return rp.errCh
}

// Close flushes pending records for up to timeout. Repeated calls do nothing.
func (rp *retryPublisher) Close(timeout time.Duration) {
	rp.once.Do(func() {
		close(rp.closing)
		<-rp.stopped
		if pending := rp.producer.Flush(int(timeout.Milliseconds())); pending > 0 {
			rp.log.Warnw("retry producer flush incomplete", "pending", pending)
		}
		rp.producer.Close()
		close(rp.errCh)
	})
}

// watchEvents drains the producer's shared channels. Logs is nil unless
// go.logs.channel.enable is set.
func (rp *retryPublisher) watchEvents() {
	defer close(rp.stopped)
	for {
		select {
		case <-rp.closing:
			return
		case l, ok := <-rp.producer.Logs():
			if ok {
				rp.log.Debugw("librdkafka", "level", l.Level, "tag", l.Tag, "message", l.Message)
			}
		case ev, ok := <-rp.producer.Events():
			if !ok {
				return
			}
			if err := producerEventError(ev); err != nil {
				select {
				case rp.errCh <- err:
				default:
				}
				return
			}
			rp.log.Debugw("retry producer event", "event", ev)
		}
	}
}

// producerEventError returns the error that makes the producer unusable, or
// nil for events that can be ignored.
func producerEventError(ev kafka.Event) error {
	e, ok := ev.(kafka.Error)
	if !ok || !(e.IsFatal() || e.Code() == kafka.ErrAllBrokersDown) {
		return nil
	}
	return fmt.Errorf("fatal err or ErrAllBrokersDown: %#x, %w", e.Code(), e)
}

func deliveryResult(ev kafka.Event) error {
	m, ok := ev.(*kafka.Message)
	if !ok {
		return fmt.Errorf("unexpected delivery event: %T", ev)
	}
	if err := m.TopicPartition.Error; err != nil {
		return fmt.Errorf("delivery failed: %w", err)
	}
	return nil
}

type topicCreator interface {
	CreateTopics(
		ctx context.Context,
		topics []kafka.TopicSpecification,
		options ...kafka.CreateTopicsAdminOption,
	) ([]kafka.TopicResult, error)
}

// createTopicIfMissing creates the topic. An existing topic is left as is.
func createTopicIfMissing(ctx context.Context, admin topicCreator, spec kafka.TopicSpecification, log *zap.SugaredLogger) error {
	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{spec})
	if err != nil {
		return fmt.Errorf("failed to create topic %q: %w", spec.Topic, err)
	}
	for _, r := range results {
		switch r.Error.Code() {
		case kafka.ErrNoError:
			log.Infow("created topic", "topic", r.Topic, "partitions", spec.NumPartitions)
		case kafka.ErrTopicAlreadyExists:
			log.Debugw("topic already exists", "topic", r.Topic)
		default:
			return fmt.Errorf("failed to create topic %q: %w", r.Topic, r.Error)
		}
	}
	return nil
}
