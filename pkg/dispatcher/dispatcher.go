// Package dispatcher sends one batch to the bulk sink and settles every
// message in it with an ack or a nack.
//
// Per batch the dispatcher:
//   - drops in-batch duplicates by idempotency key, acking them right away;
//   - sends one create action per remaining message;
//   - reconciles the per-item response, acking indexed items and nacking
//     failed ones.
//
// Batch-level failures (transport error, non-200 status, unreadable or
// mismatched response) are returned without settling any sent message. The
// queue redelivers them once their ack timeout expires.
package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/xboshy/bulkbridge/pkg/batch"
	"github.com/xboshy/bulkbridge/pkg/elasticsearch"
	"github.com/xboshy/bulkbridge/pkg/idkey"
	"github.com/xboshy/bulkbridge/pkg/metrics"
	"github.com/xboshy/bulkbridge/pkg/queue"
)

var (
	ErrSinkUnavailable   = errors.New("bulk sink unavailable")
	ErrBadStatus         = errors.New("bulk sink returned non-OK status")
	ErrMalformedResponse = errors.New("malformed bulk response")
	ErrUnmatchedItem     = errors.New("bulk response item matches no message")
)

// Sink is the bulk indexing endpoint.
type Sink interface {
	Bulk(ctx context.Context, body []byte) (*elasticsearch.Response, error)
}

type Config struct {
	Consumer queue.Consumer
	Sink     Sink
	Selector *idkey.Selector
	Metrics  *metrics.Metrics
	Log      *zap.SugaredLogger
}

// Dispatcher is not safe for concurrent use; each worker owns one.
type Dispatcher struct {
	consumer queue.Consumer
	sink     Sink
	selector *idkey.Selector
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger

	// Reused across batches.
	req     elasticsearch.BulkRequest
	keyed   map[string]queue.Message
	keyless []queue.Message
	sent    []queue.Message
	sentIDs []queue.MessageID
}

func New(cfg Config) (*Dispatcher, error) {
	if cfg.Consumer == nil {
		return nil, errors.New("invalid consumer: must not be nil")
	}
	if cfg.Sink == nil {
		return nil, errors.New("invalid sink: must not be nil")
	}
	if cfg.Selector == nil {
		return nil, errors.New("invalid selector: must not be nil")
	}
	if cfg.Log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	return &Dispatcher{
		consumer: cfg.Consumer,
		sink:     cfg.Sink,
		selector: cfg.Selector,
		metrics:  cfg.Metrics,
		log:      cfg.Log,
		keyed:    make(map[string]queue.Message),
	}, nil
}

// Handle processes one batch. A returned error is fatal for the pipeline.
// The group is left untouched; clearing it is up to the slot owner.
func (d *Dispatcher) Handle(ctx context.Context, group *batch.Group) error {
	start := time.Now()
	defer func() {
		d.metrics.ObserveBatchProcessing(time.Since(start).Seconds())
	}()
	defer d.reset()

	if group.Len() == 0 {
		return nil
	}

	if err := d.build(ctx, group); err != nil {
		return err
	}
	if d.req.Len() == 0 {
		return nil
	}

	res, err := d.sink.Bulk(ctx, d.req.Bytes())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSinkUnavailable, err)
	}
	d.metrics.RecordSinkBatch(res.StatusCode, res.Reason)
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %d %s", ErrBadStatus, res.StatusCode, res.Reason)
	}

	parsed, err := elasticsearch.ParseBulkResponse(bytes.NewReader(res.Body))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	d.log.Debugw("bulk response",
		"items", len(parsed.Items),
		"errors", parsed.Errors,
		"tookMs", parsed.Took,
	)
	if len(parsed.Items) != d.req.Len() {
		return fmt.Errorf("%w: %d items for %d actions", ErrMalformedResponse, len(parsed.Items), d.req.Len())
	}

	ackStart := time.Now()
	defer func() {
		d.metrics.ObserveAcking(time.Since(ackStart).Seconds())
	}()
	return d.reconcile(ctx, parsed)
}

// build dedups the group in arrival order and writes the request body.
func (d *Dispatcher) build(ctx context.Context, group *batch.Group) error {
	duplicates := 0
	for _, msg := range group.Messages() {
		key, ok := d.selector.Key(msg)
		if ok {
			if _, seen := d.keyed[key]; seen {
				d.ack(ctx, msg)
				duplicates++
				continue
			}
			d.keyed[key] = msg
		} else {
			d.keyless = append(d.keyless, msg)
		}
		if err := d.req.Create(key, ok, msg.Payload()); err != nil {
			return fmt.Errorf("build bulk request for %s: %w", msg.ID(), err)
		}
		d.sent = append(d.sent, msg)
	}
	if duplicates > 0 {
		d.log.Debugw("dropped in-batch duplicates", "count", duplicates, "idMode", d.selector.Mode().String())
	}
	d.metrics.AddEventsDeduplicated(duplicates)
	return nil
}

func (d *Dispatcher) reconcile(ctx context.Context, res *elasticsearch.BulkResponse) error {
	failed := 0
	for _, item := range res.Items {
		d.metrics.RecordSinkItem(item.Status, item.ErrorType())
		if !item.OK() {
			failed++
		}
	}

	if !res.Errors && failed == 0 {
		for _, msg := range d.sent {
			d.sentIDs = append(d.sentIDs, msg.ID())
		}
		if err := d.consumer.AckIDs(ctx, d.sentIDs); err != nil {
			d.log.Warnw("failed to ack batch", "messages", len(d.sentIDs), "error", err)
			return nil
		}
		d.metrics.AddEventsOK(len(d.sentIDs))
		return nil
	}

	d.metrics.IncUnrolledBatches()
	acked := 0
	next := 0
	for i, item := range res.Items {
		msg, ok := d.keyed[item.ID]
		if ok {
			delete(d.keyed, item.ID)
		} else {
			if next >= len(d.keyless) {
				return fmt.Errorf("%w: item %d id %q", ErrUnmatchedItem, i, item.ID)
			}
			msg = d.keyless[next]
			next++
		}

		if item.OK() {
			if d.ack(ctx, msg) {
				acked++
			}
			continue
		}

		d.log.Warnw("bulk item failed",
			"messageID", msg.ID().String(),
			"docID", item.ID,
			"status", item.Status,
			"type", item.ErrorType(),
			"reason", item.Error.Reason,
		)
		d.nack(msg.ID())
	}
	d.metrics.AddEventsOK(acked)
	d.metrics.AddEventsFailed(failed)
	return nil
}

// ack reports whether the ack went through. A failed ack leaves the message
// to the queue's redelivery.
func (d *Dispatcher) ack(ctx context.Context, msg queue.Message) bool {
	if err := d.consumer.Ack(ctx, msg); err != nil {
		d.log.Warnw("failed to ack message", "messageID", msg.ID().String(), "error", err)
		return false
	}
	return true
}

// nack also nacks the non-batched form of a batched id, which some queues
// need to track redelivery of the whole entry.
func (d *Dispatcher) nack(id queue.MessageID) {
	d.consumer.Nack(id)
	if base := d.consumer.NormalizeID(id); !queue.EqualIDs(base, id) {
		d.consumer.Nack(base)
	}
}

func (d *Dispatcher) reset() {
	d.req.Reset()
	clear(d.keyed)
	clear(d.keyless)
	d.keyless = d.keyless[:0]
	clear(d.sent)
	d.sent = d.sent[:0]
	clear(d.sentIDs)
	d.sentIDs = d.sentIDs[:0]
}
