// Package queuetest provides an in-memory queue.Consumer for tests.
package queuetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xboshy/bulkbridge/pkg/queue"
)

// ID mimics a composite ledger/entry/batch/partition identifier. A Batch of
// -1 marks a non-batched identifier.
type ID struct {
	Ledger    int64
	Entry     int64
	Batch     int32
	Partition int32
}

func (id ID) Serialize() []byte {
	return []byte(id.String())
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d:%d:%d", id.Ledger, id.Entry, id.Batch, id.Partition)
}

// Message is a queue.Message with exported fields.
type Message struct {
	MsgID        ID
	Data         []byte
	MsgKey       string
	Published    time.Time
	Redeliveries uint32
}

func (m *Message) ID() queue.MessageID     { return m.MsgID }
func (m *Message) Payload() []byte         { return m.Data }
func (m *Message) Key() string             { return m.MsgKey }
func (m *Message) PublishTime() time.Time  { return m.Published }
func (m *Message) RedeliveryCount() uint32 { return m.Redeliveries }
func (m *Message) Size() int               { return len(m.Data) }

// NewMessage builds a non-batched message at ledger 1, the given entry.
func NewMessage(entry int64, key string, data []byte) *Message {
	return &Message{
		MsgID:     ID{Ledger: 1, Entry: entry, Batch: -1},
		Data:      data,
		MsgKey:    key,
		Published: time.UnixMilli(1_700_000_000_000 + entry),
	}
}

// Consumer is a channel-backed queue.Consumer that records every ack and
// nack it sees.
type Consumer struct {
	ch chan queue.Message

	mu       sync.Mutex
	acked    []queue.MessageID
	bulkAcks [][]queue.MessageID
	nacked   []queue.MessageID
	closed   bool

	// AckErr, when set, is returned from Ack and AckIDs.
	AckErr error
}

// NewConsumer returns a Consumer that can hold buffer pending messages.
func NewConsumer(buffer int) *Consumer {
	return &Consumer{ch: make(chan queue.Message, buffer)}
}

// Push enqueues messages for Receive. It blocks when the buffer is full.
func (c *Consumer) Push(msgs ...queue.Message) {
	for _, m := range msgs {
		c.ch <- m
	}
}

// PushAfter enqueues msg once d has elapsed.
func (c *Consumer) PushAfter(d time.Duration, msg queue.Message) {
	go func() {
		time.Sleep(d)
		c.ch <- msg
	}()
}

func (c *Consumer) Receive(ctx context.Context) (queue.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case m := <-c.ch:
		return m, nil
	}
}

func (c *Consumer) Ack(_ context.Context, msg queue.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.AckErr != nil {
		return c.AckErr
	}
	c.acked = append(c.acked, msg.ID())
	return nil
}

func (c *Consumer) AckIDs(_ context.Context, ids []queue.MessageID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.AckErr != nil {
		return c.AckErr
	}
	cp := make([]queue.MessageID, len(ids))
	copy(cp, ids)
	c.bulkAcks = append(c.bulkAcks, cp)
	return nil
}

func (c *Consumer) Nack(id queue.MessageID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nacked = append(c.nacked, id)
}

func (c *Consumer) NormalizeID(id queue.MessageID) queue.MessageID {
	tid, ok := id.(ID)
	if !ok || tid.Batch < 0 {
		return id
	}
	tid.Batch = -1
	return tid
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Acked returns the identifiers acknowledged one by one.
func (c *Consumer) Acked() []queue.MessageID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]queue.MessageID(nil), c.acked...)
}

// BulkAcks returns every AckIDs call, in order.
func (c *Consumer) BulkAcks() [][]queue.MessageID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]queue.MessageID(nil), c.bulkAcks...)
}

// Nacked returns the identifiers negatively acknowledged, in order.
func (c *Consumer) Nacked() []queue.MessageID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]queue.MessageID(nil), c.nacked...)
}

// AllAcked flattens single and bulk acks.
func (c *Consumer) AllAcked() []queue.MessageID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]queue.MessageID(nil), c.acked...)
	for _, ids := range c.bulkAcks {
		out = append(out, ids...)
	}
	return out
}

// Closed reports whether Close was called.
func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

var _ queue.Consumer = (*Consumer)(nil)
