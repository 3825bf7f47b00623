package kafka

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

const (
	// Default suggested Offset Manager parameters
	OffsetManagerCommitInterval  = 5 * time.Second
	OffsetManagerAutoOffsetReset = "latest"

	WindowLengthWarningThreshold = 10000

	brokerQueryTimeoutMs = 5000
)

// offsetStore is the slice of *kafka.Consumer the OffsetManager talks to.
type offsetStore interface {
	CommitOffsets(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error)
	Committed(partitions []kafka.TopicPartition, timeoutMs int) ([]kafka.TopicPartition, error)
	QueryWatermarkOffsets(topic string, partition int32, timeoutMs int) (low, high int64, err error)
}

type offsetState struct {
	window        []kafka.TopicPartition
	lastCommitted kafka.Offset
}

// partitionKey identifies an assigned partition. The consumer reads the
// source and the retry topic, so partition numbers alone collide.
type partitionKey struct {
	topic     string
	partition int32
}

func keyOf(tp kafka.TopicPartition) partitionKey {
	k := partitionKey{partition: tp.Partition}
	if tp.Topic != nil {
		k.topic = *tp.Topic
	}
	return k
}

func (k partitionKey) String() string {
	return k.topic + "/" + strconv.Itoa(int(k.partition))
}

/*
OffsetManager is a thread-safe, in-memory sliding window of acknowledged
offsets for every assigned partition. It turns out-of-order acks from the
batch workers into in-order commits, so a partition's committed offset never
passes a message that has not been acknowledged yet.

At every commit interval the manager scans each partition's window for the
run of contiguous offsets that starts at lastCommitted and commits the
highest one. A nacked message without a retry topic leaves a gap; nothing
past it is committed until a rebalance or restart redelivers it.

A partition with no usable stored offset commits nothing until
MarkReceived has seen its first fetched record. Acks arrive out of order,
so anchoring on the first ack could skip records still being worked on.

The window length is unbounded. If it goes above
WindowLengthWarningThreshold, warning logs are printed to help diagnose a
stuck partition.
*/
type OffsetManager struct {
	store           offsetStore
	autoOffsetReset string                        // auto.offset.reset config: "earliest" or "latest"
	partitionStates map[partitionKey]*offsetState // offset states for each assigned partition
	mutex           sync.Mutex
	done            chan struct{}
	log             *zap.SugaredLogger
}

// NewOffsetManager starts the commit loop, which runs until ctx is done.
func NewOffsetManager(
	ctx context.Context,
	store offsetStore,
	interval time.Duration,
	autoOffsetReset string,
	log *zap.SugaredLogger,
) *OffsetManager {
	om := newOffsetManager(store, autoOffsetReset, log)
	go om.managerLoop(ctx, interval)
	return om
}

func newOffsetManager(store offsetStore, autoOffsetReset string, log *zap.SugaredLogger) *OffsetManager {
	return &OffsetManager{
		store:           store,
		autoOffsetReset: autoOffsetReset,
		partitionStates: make(map[partitionKey]*offsetState),
		done:            make(chan struct{}),
		log:             log,
	}
}

func (om *OffsetManager) managerLoop(ctx context.Context, interval time.Duration) {
	defer close(om.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			om.commitLatestValidOffsets()
		case <-ctx.Done():
			return
		}
	}
}

// Flush waits for the commit loop to stop and commits whatever the windows
// allow one last time. Call it after cancelling the loop's context and
// before closing the underlying consumer.
func (om *OffsetManager) Flush() {
	<-om.done
	om.commitLatestValidOffsets()
}

// For each assigned partition, scan for a contiguous set of offsets in the
// current window starting from lastCommitted to find the latest valid offset to
// commit. After successful commits, truncate the window accordingly.
func (om *OffsetManager) commitLatestValidOffsets() {
	om.mutex.Lock()
	defer om.mutex.Unlock()
	om.commitLocked()
}

func (om *OffsetManager) commitLocked() {
	for key, state := range om.partitionStates {
		window := state.window
		lastCommitted := state.lastCommitted
		if len(window) == 0 {
			continue
		}

		if window[0].Offset <= lastCommitted+1 {
			end := 0
			for i := 1; i < len(window); i++ {
				// Dangling offsets below lastCommitted show up when a new
				// group starts from "latest" while the topic is being
				// written to. They are already covered, so skip past them.
				if window[i].Offset <= lastCommitted {
					end = i
					continue
				}

				if window[i].Offset != window[i-1].Offset+1 {
					break
				}
				end = i
			}

			if window[end].Offset <= lastCommitted {
				state.window = window[end+1:]
				continue
			}

			if _, err := om.store.CommitOffsets([]kafka.TopicPartition{window[end]}); err != nil {
				om.log.Errorw("failed to commit offsets",
					"partition", key.String(),
					"offset", window[end].Offset,
					"error", err,
				)
				return
			}

			om.log.Debugw("committed offset", "partition", key.String(), "offset", window[end].Offset)
			om.partitionStates[key] = &offsetState{
				window:        window[end+1:],
				lastCommitted: window[end].Offset,
			}
		}

		if n := len(om.partitionStates[key].window); n > WindowLengthWarningThreshold {
			om.log.Warnw("partition window length is high", "partition", key.String(), "length", n)
		}
	}
}

// InsertOffset adds a processed offset to the window of offset.Partition. The
// offset must be one higher than the offset of the processed message, that is
// message.TopicPartition.Offset+1, which is what the broker expects to be
// committed. See https://github.com/confluentinc/confluent-kafka-go/issues/350
//
// Topic, Partition and Offset fields are required. Offsets for partitions no
// longer assigned are dropped.
func (om *OffsetManager) InsertOffset(ctx context.Context, offset kafka.TopicPartition) error {
	om.mutex.Lock()
	defer om.mutex.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	key := keyOf(offset)
	state := om.partitionStates[key]
	if state == nil {
		om.log.Warnw("partition not assigned, dropping offset",
			"partition", key.String(),
			"offset", offset.Offset,
		)
		return nil
	}

	window := state.window
	i := sort.Search(
		len(window),
		func(j int) bool { return window[j].Offset >= offset.Offset },
	)
	if i < len(window) && window[i].Offset == offset.Offset {
		return nil
	}
	state.window = slices.Insert(window, i, offset)
	return nil
}

// MarkReceived records that the record at fetched (its own offset, not +1)
// was handed out. The first record fetched from a partition with no usable
// stored offset anchors its window. Records must be marked in fetch order.
func (om *OffsetManager) MarkReceived(fetched kafka.TopicPartition) {
	om.mutex.Lock()
	defer om.mutex.Unlock()

	key := keyOf(fetched)
	state := om.partitionStates[key]
	if state == nil || state.lastCommitted >= 0 {
		return
	}
	state.lastCommitted = fetched.Offset
	om.log.Infow("initialized partition window", "partition", key.String(), "lastCommitted", state.lastCommitted)
}

// Rebalance resets or initializes partition states on assignment changes. The
// consumer's rebalance callback must forward every event here.
func (om *OffsetManager) Rebalance(event kafka.Event) error {
	om.mutex.Lock()
	defer om.mutex.Unlock()
	switch ev := event.(type) {
	case kafka.AssignedPartitions:
		// Assignment events carry kafka.OffsetInvalid when joining an idle
		// group, so ask the broker for the committed offsets explicitly.
		committed, err := om.store.Committed(ev.Partitions, brokerQueryTimeoutMs)
		if err != nil {
			return fmt.Errorf("failed to get committed offsets: %w", err)
		}

		logStr := make([]string, len(committed))
		for i, co := range committed {
			state := &offsetState{
				window:        []kafka.TopicPartition{},
				lastCommitted: co.Offset,
			}

			// A stored offset below the low watermark has been removed by
			// retention and librdkafka falls back to auto.offset.reset. Drop
			// it and let the first fetched record anchor the window.
			topic := ""
			if co.Topic != nil {
				topic = *co.Topic
			}
			low, high, err := om.store.QueryWatermarkOffsets(topic, co.Partition, brokerQueryTimeoutMs)
			if err != nil {
				return fmt.Errorf("failed to query watermark offsets: %w", err)
			}
			om.log.Debugw("watermark offsets",
				"partition", keyOf(co).String(),
				"low", low,
				"high", high,
				"autoOffsetReset", om.autoOffsetReset,
			)
			if co.Offset < 0 || co.Offset < kafka.Offset(low) {
				state.lastCommitted = kafka.OffsetInvalid
			}

			key := keyOf(co)
			om.partitionStates[key] = state
			logStr[i] = fmt.Sprintf("(partition: %s, lastCommitted: %d)", key, state.lastCommitted)
		}

		om.log.Infow("partitions assigned", "partitions", strings.Join(logStr, ","))
	case kafka.RevokedPartitions:
		// Last chance to commit what the workers finished for these partitions.
		om.commitLocked()
		logStr := make([]string, len(ev.Partitions))
		for i, partition := range ev.Partitions {
			key := keyOf(partition)
			logStr[i] = key.String()
			delete(om.partitionStates, key)
		}
		om.log.Infow("partitions revoked", "partitions", strings.Join(logStr, ","))
	default:
		om.log.Warnw("unknown rebalance event", "event", event)
	}
	return nil
}
