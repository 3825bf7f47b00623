package kafka

import (
	"fmt"
	"time"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/xboshy/bulkbridge/pkg/queue"
)

// MessageID addresses a record by topic, partition and offset.
type MessageID struct {
	Topic     string
	Partition int32
	Offset    int64
}

func (id MessageID) Serialize() []byte { return []byte(id.String()) }

func (id MessageID) String() string {
	return fmt.Sprintf("%s/%d/%d", id.Topic, id.Partition, id.Offset)
}

// next is the position to commit once this record is done.
func (id MessageID) next() cKafka.TopicPartition {
	topic := id.Topic
	return cKafka.TopicPartition{
		Topic:     &topic,
		Partition: id.Partition,
		Offset:    cKafka.Offset(id.Offset + 1),
	}
}

type message struct {
	msg *cKafka.Message
	id  MessageID
}

var _ queue.Message = (*message)(nil)

func newMessage(km *cKafka.Message) *message {
	id := MessageID{
		Partition: km.TopicPartition.Partition,
		Offset:    int64(km.TopicPartition.Offset),
	}
	if km.TopicPartition.Topic != nil {
		id.Topic = *km.TopicPartition.Topic
	}
	return &message{msg: km, id: id}
}

func (m *message) ID() queue.MessageID     { return m.id }
func (m *message) Payload() []byte         { return m.msg.Value }
func (m *message) Key() string             { return string(m.msg.Key) }
func (m *message) PublishTime() time.Time  { return m.msg.Timestamp }
func (m *message) RedeliveryCount() uint32 { return redeliveryCount(m.msg.Headers) }
func (m *message) Size() int               { return len(m.msg.Value) }
