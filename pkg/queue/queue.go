package queue

import (
	"context"
	"time"
)

// MessageID is an opaque, queue-assigned message identifier.
type MessageID interface {
	// Serialize returns a stable byte encoding of the identifier.
	Serialize() []byte
	String() string
}

// Message is a single message received from the source queue.
type Message interface {
	ID() MessageID
	Payload() []byte
	// Key returns the application key, or "" when the message has none.
	Key() string
	PublishTime() time.Time
	RedeliveryCount() uint32
	// Size is the payload size in bytes, used for batch byte limits.
	Size() int
}

// Consumer is the subset of a queue client the pipeline needs. It must be
// safe for concurrent use: the dispatch loop receives while workers ack.
type Consumer interface {
	// Receive blocks until a message is available or ctx is done. A receive
	// with a timeout is expressed as a ctx deadline; in that case the
	// returned error is context.DeadlineExceeded.
	Receive(ctx context.Context) (Message, error)

	// Ack positively acknowledges a single message.
	Ack(ctx context.Context, msg Message) error

	// AckIDs positively acknowledges a set of messages in one call.
	AckIDs(ctx context.Context, ids []MessageID) error

	// Nack negatively acknowledges a message, scheduling its redelivery.
	Nack(id MessageID)

	// NormalizeID strips batch-index sub-addressing from id. Queues that
	// pack several messages into one wire entry need the base identifier
	// nacked as well for redelivery tracking to work; implementations
	// without batching return id unchanged.
	NormalizeID(id MessageID) MessageID

	Close() error
}

// EqualIDs reports whether a and b identify the same message.
func EqualIDs(a, b MessageID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return string(a.Serialize()) == string(b.Serialize())
}
