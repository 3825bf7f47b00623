// Package batch assembles queue messages into groups bounded by count, bytes
// and age.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xboshy/bulkbridge/pkg/metrics"
	"github.com/xboshy/bulkbridge/pkg/queue"
)

// Accumulator fills groups from a queue.Consumer.
type Accumulator struct {
	consumer    queue.Consumer
	maxMessages int
	maxBytes    int64
	maxAge      time.Duration
	metrics     *metrics.Metrics
}

// Policy holds the group bounds. Zero or negative MaxMessages/MaxBytes mean
// unbounded.
type Policy struct {
	MaxMessages int
	MaxBytes    int64
	MaxAge      time.Duration
}

func NewAccumulator(consumer queue.Consumer, policy Policy, m *metrics.Metrics) *Accumulator {
	return &Accumulator{
		consumer:    consumer,
		maxMessages: policy.MaxMessages,
		maxBytes:    policy.MaxBytes,
		maxAge:      policy.MaxAge,
		metrics:     m,
	}
}

// NewGroup returns an empty group shaped by the accumulator's policy.
func (a *Accumulator) NewGroup() *Group {
	return NewGroup(a.maxMessages, a.maxBytes)
}

// Fill receives into group until a message arrives that does not fit, or
// the group reaches the maximum age, or no message shows up before the age
// deadline. The message that did not fit goes to the returned overflow
// group, which must seed the next call.
//
// An empty group is seeded with a receive that has no deadline, so Fill only
// returns with a non-empty group or an error.
//
// Reaching the count or byte limit does not end the call by itself. A full
// group is returned when the next message arrives and overflows, or when the
// age deadline passes, so it can be held for up to MaxAge.
func (a *Accumulator) Fill(ctx context.Context, group *Group) (*Group, error) {
	overflow := a.NewGroup()

	if group.Len() == 0 {
		msg, err := a.receive(ctx)
		if err != nil {
			return overflow, err
		}
		if err := group.Add(msg); err != nil {
			return overflow, err
		}
	}

	for {
		age := group.Age()
		if age >= a.maxAge {
			return overflow, nil
		}

		rctx, cancel := context.WithTimeout(ctx, a.maxAge-age)
		msg, err := a.receive(rctx)
		cancel()
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return overflow, nil
			}
			return overflow, err
		}

		if !group.CanAdd(msg) {
			if err := overflow.Add(msg); err != nil {
				return overflow, err
			}
			return overflow, nil
		}
		if err := group.Add(msg); err != nil {
			return overflow, err
		}
	}
}

func (a *Accumulator) receive(ctx context.Context) (queue.Message, error) {
	start := time.Now()
	msg, err := a.consumer.Receive(ctx)
	a.metrics.ObserveMessageWait(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("receive returned no message")
	}
	return msg, nil
}
