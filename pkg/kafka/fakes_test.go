package kafka

import (
	"context"
	"sync"
	"time"

	cKafka "github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// fakeStore records commits and answers Committed with the assignment's own
// offsets, like a group whose stored offsets match what it was handed.
type fakeStore struct {
	mu        sync.Mutex
	commits   []cKafka.TopicPartition
	low       int64
	commitErr error
}

func (s *fakeStore) CommitOffsets(offsets []cKafka.TopicPartition) ([]cKafka.TopicPartition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return nil, s.commitErr
	}
	s.commits = append(s.commits, offsets...)
	return offsets, nil
}

func (s *fakeStore) Committed(partitions []cKafka.TopicPartition, _ int) ([]cKafka.TopicPartition, error) {
	return partitions, nil
}

func (s *fakeStore) QueryWatermarkOffsets(string, int32, int) (int64, int64, error) {
	return s.low, s.low + 1000, nil
}

func (s *fakeStore) committed() []cKafka.Offset {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]cKafka.Offset, len(s.commits))
	for i, tp := range s.commits {
		out[i] = tp.Offset
	}
	return out
}

// commitsByTopic returns the last committed offset of each topic.
func (s *fakeStore) commitsByTopic() map[string]cKafka.Offset {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]cKafka.Offset)
	for _, tp := range s.commits {
		out[*tp.Topic] = tp.Offset
	}
	return out
}

// fakeClient feeds Poll from a channel.
type fakeClient struct {
	fakeStore
	events chan cKafka.Event
	closed chan struct{}
	once   sync.Once
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		events: make(chan cKafka.Event, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeClient) Poll(timeoutMs int) cKafka.Event {
	select {
	case ev := <-c.events:
		return ev
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		return nil
	}
}

func (c *fakeClient) Logs() chan cKafka.LogEvent { return nil }

func (c *fakeClient) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeRepublisher struct {
	mu       sync.Mutex
	produced []Msg
	err      error
	errCh    chan error
	closed   bool
}

func newFakeRepublisher() *fakeRepublisher {
	return &fakeRepublisher{errCh: make(chan error, 1)}
}

func (p *fakeRepublisher) Produce(_ context.Context, msg Msg) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.produced = append(p.produced, msg)
	return nil
}

func (p *fakeRepublisher) Errors() <-chan error { return p.errCh }

func (p *fakeRepublisher) Close(time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *fakeRepublisher) messages() []Msg {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Msg(nil), p.produced...)
}

func record(topic string, partition int32, offset int64, key, value string) *cKafka.Message {
	return &cKafka.Message{
		TopicPartition: cKafka.TopicPartition{
			Topic:     &topic,
			Partition: partition,
			Offset:    cKafka.Offset(offset),
		},
		Key:       []byte(key),
		Value:     []byte(value),
		Timestamp: time.UnixMilli(1_700_000_000_000),
	}
}
