package pulsar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"go.uber.org/zap"

	"github.com/xboshy/bulkbridge/pkg/queue"
)

// ErrForeignID is returned when an id was not issued by a Pulsar consumer.
var ErrForeignID = errors.New("message id not issued by the pulsar consumer")

var _ queue.Consumer = (*Consumer)(nil)

// subscription is the part of pulsar.Consumer the adapter calls.
type subscription interface {
	Receive(ctx context.Context) (pulsar.Message, error)
	Ack(msg pulsar.Message) error
	AckID(id pulsar.MessageID) error
	NackID(id pulsar.MessageID)
	Close()
}

// Consumer adapts a Pulsar subscription to queue.Consumer. Message ids are
// the client's own pulsar.MessageID values.
type Consumer struct {
	sub subscription
	log *zap.SugaredLogger
}

// NewConsumer subscribes to cfg.TopicNames. Closing the returned consumer does
// not close client.
func NewConsumer(ctx context.Context, client pulsar.Client, cfg ConsumerConfig, log *zap.SugaredLogger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	subType, err := ParseSubscriptionType(cfg.SubscriptionType)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts := pulsar.ConsumerOptions{
		Topics:              cfg.TopicNames,
		SubscriptionName:    cfg.SubscriptionName,
		Type:                subType,
		ReceiverQueueSize:   cfg.ReceiverQueueSize,
		NackRedeliveryDelay: cfg.NackRedeliveryDelay,
		DLQ:                 cfg.dlqPolicy(),
	}
	if cfg.RetryLetterTopic != "" {
		opts.RetryEnable = true
	}

	sub, err := client.Subscribe(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe %q to %v: %w", cfg.SubscriptionName, cfg.TopicNames, err)
	}
	log.Infow("pulsar subscription created",
		"topics", cfg.TopicNames,
		"subscription", cfg.SubscriptionName,
		"type", cfg.SubscriptionType,
		"receiverQueueSize", cfg.ReceiverQueueSize,
		"maxRedeliveries", cfg.DeadLetterMaxRedeliverCount,
	)
	return newConsumer(sub, log), nil
}

func newConsumer(sub subscription, log *zap.SugaredLogger) *Consumer {
	return &Consumer{sub: sub, log: log}
}

// Receive blocks until the next message or until ctx is done.
func (c *Consumer) Receive(ctx context.Context) (queue.Message, error) {
	msg, err := c.sub.Receive(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("pulsar receive: %w", err)
	}
	return &message{msg: msg}, nil
}

func (c *Consumer) Ack(_ context.Context, msg queue.Message) error {
	if m, ok := msg.(*message); ok {
		return c.sub.Ack(m.msg)
	}
	id, err := pulsarID(msg.ID())
	if err != nil {
		return err
	}
	return c.sub.AckID(id)
}

// AckIDs acks every id that belongs to this consumer, one by one, and joins
// the failures. A foreign id in the list fails the call before anything is
// acked.
func (c *Consumer) AckIDs(_ context.Context, ids []queue.MessageID) error {
	pids := make([]pulsar.MessageID, len(ids))
	for i, id := range ids {
		pid, err := pulsarID(id)
		if err != nil {
			return err
		}
		pids[i] = pid
	}
	var errs []error
	for _, pid := range pids {
		if err := c.sub.AckID(pid); err != nil {
			errs = append(errs, fmt.Errorf("ack %s: %w", pid, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Consumer) Nack(id queue.MessageID) {
	pid, err := pulsarID(id)
	if err != nil {
		c.log.Warnw("dropping nack", "id", id, "error", err)
		return
	}
	c.sub.NackID(pid)
}

// NormalizeID drops the batch index so the whole entry can be nacked. The
// client only redelivers a batched entry once every message of it is
// tracked as nacked (apache/pulsar#6869). Ids of entries holding a single
// message are returned unchanged; the client gives them batch index 0 and
// batch size 1.
func (c *Consumer) NormalizeID(id queue.MessageID) queue.MessageID {
	pid, ok := id.(pulsar.MessageID)
	if !ok || pid.BatchIdx() < 0 || pid.BatchSize() <= 1 {
		return id
	}
	return pulsar.NewMessageID(pid.LedgerID(), pid.EntryID(), -1, pid.PartitionIdx())
}

// Close closes the subscription.
func (c *Consumer) Close() error {
	c.sub.Close()
	c.log.Info("pulsar consumer closed")
	return nil
}

func pulsarID(id queue.MessageID) (pulsar.MessageID, error) {
	pid, ok := id.(pulsar.MessageID)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrForeignID, id)
	}
	return pid, nil
}

type message struct {
	msg pulsar.Message
}

func (m *message) ID() queue.MessageID     { return m.msg.ID() }
func (m *message) Payload() []byte         { return m.msg.Payload() }
func (m *message) Key() string             { return m.msg.Key() }
func (m *message) PublishTime() time.Time  { return m.msg.PublishTime() }
func (m *message) RedeliveryCount() uint32 { return m.msg.RedeliveryCount() }
func (m *message) Size() int               { return len(m.msg.Payload()) }
