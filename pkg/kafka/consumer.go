package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"

	"github.com/xboshy/bulkbridge/pkg/queue"
)

// RedeliveryHeader carries the number of times a message has been nacked
// onto the retry topic.
const RedeliveryHeader = "bulkbridge-redelivery-count"

var (
	// ErrClosed is returned by Receive once Close has been called.
	ErrClosed = errors.New("kafka consumer closed")
	// ErrForeignID is returned when an id was not issued by this consumer.
	ErrForeignID = errors.New("message id not issued by the kafka consumer")
)

var _ queue.Consumer = (*Consumer)(nil)

// client is the part of *cKafka.Consumer used after subscription.
type client interface {
	offsetStore
	Poll(timeoutMs int) cKafka.Event
	Logs() chan cKafka.LogEvent
	Close() error
}

// republisher is the part of *retryPublisher used for nacks.
type republisher interface {
	Produce(ctx context.Context, msg Msg) error
	Errors() <-chan error
	Close(timeout time.Duration)
}

// Consumer adapts a subscribed Kafka consumer group member to queue.Consumer.
//
// A single goroutine owns Poll and hands messages to Receive one at a time.
// Acks go through the OffsetManager, so the committed offset of a partition
// only moves past messages whose batch has been settled. Kafka has no
// per-message redelivery: a nack republishes the record to the retry topic,
// which the consumer is subscribed to as well, and then treats the original
// as done. Offsets are tracked per topic and partition.
type Consumer struct {
	client  client
	retry   republisher
	offsets *OffsetManager
	cfg     ConsumerConfig
	log     *zap.SugaredLogger

	msgs chan *cKafka.Message

	mu       sync.Mutex
	inflight map[MessageID]*cKafka.Message

	ctx       context.Context
	cancel    context.CancelFunc
	pollDone  chan struct{}
	logsDone  chan struct{}
	failOnce  sync.Once
	failed    chan struct{}
	failErr   error
	closeOnce sync.Once
	closeErr  error
}

// NewConsumer creates a consumer group member subscribed to cfg.Topic. When a
// retry topic is configured the member subscribes to it too and starts the
// retry producer. With RetryTopicPartitions set, a missing retry topic is
// created first.
func NewConsumer(ctx context.Context, cfg ConsumerConfig, log *zap.SugaredLogger) (*Consumer, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	consumerConfig := cKafka.ConfigMap{
		"bootstrap.servers":             cfg.BootstrapServers,
		"group.id":                      cfg.GroupID,
		"auto.offset.reset":             cfg.AutoOffsetReset,
		"enable.auto.commit":            false,
		"session.timeout.ms":            int(cfg.SessionTimeout.Milliseconds()),
		"max.poll.interval.ms":          int(cfg.MaxPollInterval.Milliseconds()),
		"partition.assignment.strategy": "roundrobin",
		"go.logs.channel.enable":        cfg.EnableLogs,
	}
	kc, err := cKafka.NewConsumer(&consumerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	var retry *retryPublisher
	if cfg.RetryTopic != "" {
		if cfg.RetryTopicPartitions > 0 {
			if err := ensureRetryTopic(ctx, kc, cfg, log); err != nil {
				_ = kc.Close()
				return nil, err
			}
		}

		retryConfig := cKafka.ConfigMap{
			"bootstrap.servers":      cfg.BootstrapServers,
			"acks":                   "all",
			"linger.ms":              5,
			"compression.type":       "lz4",
			"enable.idempotence":     true,
			"go.logs.channel.enable": cfg.EnableLogs,
		}
		retry, err = newRetryPublisher(&retryConfig, log.Named("retry"))
		if err != nil {
			_ = kc.Close()
			return nil, fmt.Errorf("failed to create retry producer: %w", err)
		}
	} else {
		log.Warnw("no retry topic configured, nacked messages stay uncommitted until restart",
			"topic", cfg.Topic,
		)
	}

	var rp republisher
	if retry != nil {
		rp = retry
	}
	c := newConsumer(kc, rp, cfg, log)
	c.start()

	topics := subscriptionTopics(cfg)
	if err := kc.SubscribeTopics(topics, func(_ *cKafka.Consumer, ev cKafka.Event) error {
		return c.offsets.Rebalance(ev)
	}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to subscribe to topics %v: %w", topics, err)
	}
	return c, nil
}

// subscriptionTopics lists the source topic and, when set, the retry topic
// that nacked records are read back from.
func subscriptionTopics(cfg ConsumerConfig) []string {
	if cfg.RetryTopic == "" {
		return []string{cfg.Topic}
	}
	return []string{cfg.Topic, cfg.RetryTopic}
}

func newConsumer(kc client, retry republisher, cfg ConsumerConfig, log *zap.SugaredLogger) *Consumer {
	cfg = cfg.WithDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:   kc,
		retry:    retry,
		offsets:  NewOffsetManager(ctx, kc, cfg.OffsetCommitInterval, cfg.AutoOffsetReset, log.Named("offsets")),
		cfg:      cfg,
		log:      log,
		msgs:     make(chan *cKafka.Message),
		inflight: make(map[MessageID]*cKafka.Message),
		ctx:      ctx,
		cancel:   cancel,
		pollDone: make(chan struct{}),
		logsDone: make(chan struct{}),
		failed:   make(chan struct{}),
	}
}

func (c *Consumer) start() {
	if c.cfg.EnableLogs {
		go c.printKafkaLogs()
	} else {
		close(c.logsDone)
	}
	go c.pollLoop()
}

func (c *Consumer) pollLoop() {
	defer close(c.pollDone)
	timeoutMs := int(c.cfg.PollTimeout.Milliseconds())
	for {
		if c.ctx.Err() != nil {
			return
		}

		switch ev := c.client.Poll(timeoutMs).(type) {
		case nil:
		case *cKafka.Message:
			if ev.TopicPartition.Error != nil {
				c.log.Warnw("kafka message error", "topicPartition", ev.TopicPartition.String())
				continue
			}
			select {
			case c.msgs <- ev:
			case <-c.ctx.Done():
				return
			}
		case cKafka.Error:
			if ev.IsFatal() {
				c.fail(fmt.Errorf("fatal kafka error: %#x, %w", ev.Code(), ev))
				return
			}
			c.log.Warnw("kafka error (non-fatal)", "error", ev)
		default:
			c.log.Debugw("ignoring kafka event", "event", ev)
		}
	}
}

func (c *Consumer) fail(err error) {
	c.failOnce.Do(func() {
		c.log.Errorw("kafka consumer failed", "error", err)
		c.failErr = err
		close(c.failed)
	})
}

func (c *Consumer) printKafkaLogs() {
	defer close(c.logsDone)
	for {
		select {
		case <-c.ctx.Done():
			return
		case log, ok := <-c.client.Logs():
			if !ok {
				return
			}
			c.log.Debugw("librdkafka", "level", log.Level, "tag", log.Tag, "message", log.Message)
		}
	}
}

// Receive returns the next polled message. A fatal client or retry producer
// error is returned to every caller from then on.
func (c *Consumer) Receive(ctx context.Context) (queue.Message, error) {
	var retryErrs <-chan error
	if c.retry != nil {
		retryErrs = c.retry.Errors()
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.failed:
		return nil, c.failErr
	case <-c.ctx.Done():
		return nil, ErrClosed
	case err, ok := <-retryErrs:
		if !ok {
			return nil, ErrClosed
		}
		c.fail(fmt.Errorf("retry producer: %w", err))
		return nil, c.failErr
	case km := <-c.msgs:
		c.offsets.MarkReceived(km.TopicPartition)
		msg := newMessage(km)
		c.mu.Lock()
		c.inflight[msg.id] = km
		c.mu.Unlock()
		return msg, nil
	}
}

// Ack marks msg done. Its offset is committed once every earlier offset of
// the partition is done too.
func (c *Consumer) Ack(ctx context.Context, msg queue.Message) error {
	return c.ackID(ctx, msg.ID())
}

// AckIDs marks every id done.
func (c *Consumer) AckIDs(ctx context.Context, ids []queue.MessageID) error {
	var errs []error
	for _, id := range ids {
		if err := c.ackID(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Consumer) ackID(ctx context.Context, id queue.MessageID) error {
	mid, ok := id.(MessageID)
	if !ok {
		return fmt.Errorf("%w: %T", ErrForeignID, id)
	}
	c.untrack(mid)
	return c.offsets.InsertOffset(ctx, mid.next())
}

// Nack republishes the message to the retry topic with its redelivery count
// bumped, then marks the original done. Without a retry topic, or when the
// republish fails, the offset is left uncommitted.
func (c *Consumer) Nack(id queue.MessageID) {
	mid, ok := id.(MessageID)
	if !ok {
		c.log.Warnw("nack for foreign message id", "id", id)
		return
	}
	km := c.untrack(mid)
	if km == nil {
		c.log.Debugw("nack for message no longer in flight", "id", mid.String())
		return
	}
	if c.retry == nil {
		c.log.Warnw("nacked message left uncommitted", "id", mid.String())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *c.cfg.FlushTimeout)
	defer cancel()
	err := c.retry.Produce(ctx, Msg{
		Topic:   c.cfg.RetryTopic,
		Key:     km.Key,
		Value:   km.Value,
		Headers: withRedeliveryCount(km.Headers, redeliveryCount(km.Headers)+1),
	})
	if err != nil {
		c.log.Errorw("failed to republish nacked message, leaving it uncommitted",
			"id", mid.String(),
			"retryTopic", c.cfg.RetryTopic,
			"error", err,
		)
		return
	}
	if err := c.offsets.InsertOffset(ctx, mid.next()); err != nil {
		c.log.Warnw("failed to mark republished message done", "id", mid.String(), "error", err)
	}
}

// NormalizeID returns id unchanged: Kafka offsets have no sub-addressing.
func (c *Consumer) NormalizeID(id queue.MessageID) queue.MessageID {
	return id
}

func (c *Consumer) untrack(id MessageID) *cKafka.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	km := c.inflight[id]
	delete(c.inflight, id)
	return km
}

// Close stops polling, flushes the retry producer, commits what the offset
// windows allow and leaves the group. Calling Close again returns the first
// result.
func (c *Consumer) Close() error {
	c.closeOnce.Do(func() {
		c.log.Info("closing kafka consumer")
		c.cancel()
		<-c.pollDone
		<-c.logsDone

		if c.retry != nil {
			c.retry.Close(*c.cfg.FlushTimeout)
		}
		c.offsets.Flush()

		if err := c.client.Close(); err != nil {
			c.closeErr = fmt.Errorf("failed to close kafka consumer: %w", err)
		}
		c.log.Info("kafka consumer closed")
	})
	return c.closeErr
}

func ensureRetryTopic(ctx context.Context, kc *cKafka.Consumer, cfg ConsumerConfig, log *zap.SugaredLogger) error {
	admin, err := cKafka.NewAdminClientFromConsumer(kc)
	if err != nil {
		return fmt.Errorf("failed to create kafka admin client: %w", err)
	}
	defer admin.Close()

	return createTopicIfMissing(ctx, admin, cKafka.TopicSpecification{
		Topic:             cfg.RetryTopic,
		NumPartitions:     cfg.RetryTopicPartitions,
		ReplicationFactor: cfg.RetryTopicReplicas,
	}, log)
}

func redeliveryCount(headers []cKafka.Header) uint32 {
	for _, h := range headers {
		if h.Key != RedeliveryHeader {
			continue
		}
		n, err := strconv.ParseUint(string(h.Value), 10, 32)
		if err != nil {
			return 0
		}
		return uint32(n)
	}
	return 0
}

// withRedeliveryCount returns a copy of headers with the redelivery header
// set to n.
func withRedeliveryCount(headers []cKafka.Header, n uint32) []cKafka.Header {
	out := make([]cKafka.Header, 0, len(headers)+1)
	for _, h := range headers {
		if h.Key != RedeliveryHeader {
			out = append(out, h)
		}
	}
	return append(out, cKafka.Header{
		Key:   RedeliveryHeader,
		Value: []byte(strconv.FormatUint(uint64(n), 10)),
	})
}
