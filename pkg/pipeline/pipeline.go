// Package pipeline runs the dispatch loop and the worker pool over a batch
// slot ring.
//
// One goroutine claims a slot, fills it from the queue and publishes it.
// Workers take published slots one at a time, hand the batch to their
// Handler and release the slot. The first handler error trips the latch:
// the loop stops claiming, workers finish whatever was already published,
// and Run returns ErrFatal.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xboshy/bulkbridge/pkg/batch"
	"github.com/xboshy/bulkbridge/pkg/metrics"
	"github.com/xboshy/bulkbridge/pkg/ring"
)

var ErrFatal = errors.New("pipeline stopped on fatal error")

// Handler processes one batch to completion. A returned error is fatal.
type Handler interface {
	Handle(ctx context.Context, group *batch.Group) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, group *batch.Group) error

func (f HandlerFunc) Handle(ctx context.Context, group *batch.Group) error {
	return f(ctx, group)
}

type Config struct {
	Ring        *ring.Ring
	Accumulator *batch.Accumulator
	Workers     int
	// NewHandler is called once per worker before any goroutine starts.
	NewHandler func() (Handler, error)
	Latch      *ring.Latch
	Metrics    *metrics.Metrics
	Log        *zap.SugaredLogger
}

type Pipeline struct {
	ring       *ring.Ring
	acc        *batch.Accumulator
	workers    int
	newHandler func() (Handler, error)
	latch      *ring.Latch
	metrics    *metrics.Metrics
	log        *zap.SugaredLogger
}

func New(cfg Config) (*Pipeline, error) {
	if cfg.Ring == nil {
		return nil, errors.New("invalid ring: must not be nil")
	}
	if cfg.Accumulator == nil {
		return nil, errors.New("invalid accumulator: must not be nil")
	}
	if cfg.Workers <= 0 {
		return nil, errors.New("invalid workers: must be greater than 0")
	}
	if cfg.NewHandler == nil {
		return nil, errors.New("invalid handler constructor: must not be nil")
	}
	if cfg.Log == nil {
		return nil, errors.New("invalid logger: must not be nil")
	}
	latch := cfg.Latch
	if latch == nil {
		latch = ring.NewLatch()
	}
	return &Pipeline{
		ring:       cfg.Ring,
		acc:        cfg.Accumulator,
		workers:    cfg.Workers,
		newHandler: cfg.NewHandler,
		latch:      latch,
		metrics:    cfg.Metrics,
		log:        cfg.Log,
	}, nil
}

// Latch is the fatal-error latch shared by the loop and the workers.
func (p *Pipeline) Latch() *ring.Latch { return p.latch }

// Run blocks until ctx is done or the latch trips, then waits for published
// batches to drain. It returns nil on shutdown and ErrFatal wrapping the
// first fatal error otherwise. Run must be called once.
func (p *Pipeline) Run(ctx context.Context) error {
	handlers := make([]Handler, p.workers)
	for i := range handlers {
		h, err := p.newHandler()
		if err != nil {
			return fmt.Errorf("%w: create handler %d: %w", ErrFatal, i, err)
		}
		handlers[i] = h
	}

	// In-flight batches run to completion after shutdown is requested.
	workCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	for i, h := range handlers {
		g.Go(func() error {
			p.work(workCtx, i, h)
			return nil
		})
	}

	p.dispatch(ctx)
	p.ring.Close()
	_ = g.Wait()

	if cause := p.latch.Err(); cause != nil {
		return fmt.Errorf("%w: %w", ErrFatal, cause)
	}
	p.log.Infow("pipeline stopped")
	return nil
}

// dispatch is the single publisher: claim, fill, publish.
func (p *Pipeline) dispatch(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.latch.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	pending := p.acc.NewGroup()
	for {
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		seq, slot, err := p.ring.Claim(ctx)
		if err != nil {
			return
		}
		p.metrics.ObserveDispatchWait(time.Since(start).Seconds())
		p.metrics.IncSlotsInFlight()
		p.log.Debugw("getbatch", "sequence", seq, "slot", slot.Index())

		for _, msg := range pending.Messages() {
			if err := slot.Group.Add(msg); err != nil {
				p.abandon(slot)
				p.trip(fmt.Errorf("seed batch %d: %w", seq, err))
				return
			}
		}
		pending.Clear()

		overflow, err := p.acc.Fill(ctx, slot.Group)
		if err != nil {
			p.abandon(slot)
			if ctx.Err() == nil {
				p.trip(fmt.Errorf("fill batch %d: %w", seq, err))
			}
			return
		}
		pending = overflow

		p.metrics.RecordBatchPublished(slot.Group.Len(), overflow.Len())
		p.log.Debugw("batchreceived",
			"sequence", seq,
			"messages", slot.Group.Len(),
			"bytes", slot.Group.Bytes(),
		)
		p.ring.Publish(seq)
	}
}

// abandon gives back a claimed slot that will not be published. Its
// messages stay unacked and are redelivered by the queue.
func (p *Pipeline) abandon(slot *ring.Slot) {
	p.ring.Release(slot)
	p.metrics.DecSlotsInFlight()
}

func (p *Pipeline) work(ctx context.Context, id int, h Handler) {
	log := p.log.With("worker", id)
	for {
		seq, slot, ok := p.ring.Next(ctx)
		if !ok {
			return
		}
		if err := p.handle(ctx, h, slot.Group); err != nil {
			log.Errorw("batch failed", "sequence", seq, "messages", slot.Group.Len(), "error", err)
			p.trip(fmt.Errorf("batch %d: %w", seq, err))
		}
		p.ring.Release(slot)
		p.metrics.DecSlotsInFlight()
	}
}

func (p *Pipeline) handle(ctx context.Context, h Handler, group *batch.Group) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, group)
}

func (p *Pipeline) trip(err error) {
	if p.latch.Trip(err) {
		p.metrics.IncFatalErrors()
		p.log.Errorw("fatal error, stopping dispatch", "error", err)
	}
}
