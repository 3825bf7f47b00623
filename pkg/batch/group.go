package batch

import (
	"errors"
	"time"

	"github.com/xboshy/bulkbridge/pkg/queue"
)

var ErrGroupFull = errors.New("no more space to add messages")

// Group is an ordered set of messages bounded by count and cumulative payload
// bytes. A limit <= 0 disables that bound.
type Group struct {
	maxMessages int
	maxBytes    int64

	msgs  []queue.Message
	bytes int64
	first time.Time
}

// NewGroup returns an empty group with the given limits.
func NewGroup(maxMessages int, maxBytes int64) *Group {
	g := &Group{maxMessages: maxMessages, maxBytes: maxBytes}
	if maxMessages > 0 {
		g.msgs = make([]queue.Message, 0, maxMessages)
	}
	return g
}

// CanAdd reports whether msg fits. An empty group accepts any message so an
// oversized message still makes progress.
func (g *Group) CanAdd(msg queue.Message) bool {
	switch {
	case len(g.msgs) == 0:
		return true
	case g.maxMessages > 0 && len(g.msgs)+1 > g.maxMessages:
		return false
	default:
		return g.maxBytes <= 0 || g.bytes+int64(msg.Size()) <= g.maxBytes
	}
}

// Add appends msg, stamping the group's age on the first message.
func (g *Group) Add(msg queue.Message) error {
	if msg == nil {
		return nil
	}
	if !g.CanAdd(msg) {
		return ErrGroupFull
	}
	if len(g.msgs) == 0 {
		g.first = time.Now()
	}
	g.bytes += int64(msg.Size())
	g.msgs = append(g.msgs, msg)
	return nil
}

func (g *Group) Len() int { return len(g.msgs) }

func (g *Group) Bytes() int64 { return g.bytes }

// Age is the time since the first message was added, zero when empty.
func (g *Group) Age() time.Duration {
	if len(g.msgs) == 0 {
		return 0
	}
	return time.Since(g.first)
}

// Messages returns the group's messages in arrival order. The slice is owned
// by the group and is invalidated by Clear.
func (g *Group) Messages() []queue.Message { return g.msgs }

// Clear drops all message references and resets counters, keeping capacity.
func (g *Group) Clear() {
	for i := range g.msgs {
		g.msgs[i] = nil
	}
	g.msgs = g.msgs[:0]
	g.bytes = 0
	g.first = time.Time{}
}
