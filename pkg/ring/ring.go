// Package ring holds the fixed set of reusable batch slots shared by the
// single dispatch loop and the worker pool.
//
// Sequences are claimed in order by one publisher. Slot index is
// seq & (capacity-1), so the publisher cannot claim sequence N+capacity until
// the worker that consumed sequence N has released its slot. Each published
// sequence is delivered to exactly one worker.
package ring

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/xboshy/bulkbridge/pkg/batch"
)

var ErrCapacityNotPowerOfTwo = errors.New("ring capacity must be a positive power of two")

// Slot is a reusable batch container. Between Claim and Publish it belongs to
// the publisher, between Next and Release to exactly one worker.
type Slot struct {
	Group *batch.Group

	index int
	owner *semaphore.Weighted
}

// Index is the slot's position in the ring.
func (s *Slot) Index() int { return s.index }

type Ring struct {
	slots []*Slot
	mask  uint64

	// next is only touched by the publisher.
	next uint64

	published chan uint64
	closeOnce sync.Once
}

// New preallocates capacity slots, each holding a group from newGroup.
func New(capacity int, newGroup func() *batch.Group) (*Ring, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrCapacityNotPowerOfTwo, capacity)
	}
	if newGroup == nil {
		return nil, errors.New("invalid group constructor: must not be nil")
	}

	slots := make([]*Slot, capacity)
	for i := range slots {
		slots[i] = &Slot{
			Group: newGroup(),
			index: i,
			owner: semaphore.NewWeighted(1),
		}
	}

	return &Ring{
		slots:     slots,
		mask:      uint64(capacity - 1),
		published: make(chan uint64, capacity),
	}, nil
}

// Capacity is the number of slots, a power of two.
func (r *Ring) Capacity() int { return len(r.slots) }

// Claim reserves the next sequence for the publisher, blocking until its slot
// has been released by the worker that consumed it one lap earlier.
func (r *Ring) Claim(ctx context.Context) (uint64, *Slot, error) {
	seq := r.next
	slot := r.slots[seq&r.mask]
	if err := slot.owner.Acquire(ctx, 1); err != nil {
		return 0, nil, err
	}
	r.next++
	return seq, slot, nil
}

// Publish hands a claimed sequence to the workers. It never blocks: at most
// capacity sequences are claimed at any time.
func (r *Ring) Publish(seq uint64) {
	r.published <- seq
}

// Next blocks until a published sequence is available and returns its slot.
// ok is false once the ring is closed and drained, or ctx is done.
func (r *Ring) Next(ctx context.Context) (seq uint64, slot *Slot, ok bool) {
	select {
	case <-ctx.Done():
		return 0, nil, false
	case seq, ok = <-r.published:
		if !ok {
			return 0, nil, false
		}
		return seq, r.slots[seq&r.mask], true
	}
}

// Release clears the slot's group and returns the slot to the publisher.
// Workers call it after every batch whatever the outcome. The publisher calls
// it to give back a slot it claimed but will not publish.
func (r *Ring) Release(slot *Slot) {
	slot.Group.Clear()
	slot.owner.Release(1)
}

// Close stops publication. Workers still receive every sequence published
// before Close. Only the publisher may call Close.
func (r *Ring) Close() {
	r.closeOnce.Do(func() { close(r.published) })
}
