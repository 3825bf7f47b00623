package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xboshy/bulkbridge/pkg/batch"
	"github.com/xboshy/bulkbridge/pkg/queue"
	"github.com/xboshy/bulkbridge/pkg/queue/queuetest"
	"github.com/xboshy/bulkbridge/pkg/ring"
)

// recorder is a Handler that remembers every batch it saw.
type recorder struct {
	mu      sync.Mutex
	batches [][]string
	fail    func(n int) error
}

func (r *recorder) Handle(_ context.Context, g *batch.Group) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, g.Len())
	for _, msg := range g.Messages() {
		ids = append(ids, msg.ID().String())
	}
	r.batches = append(r.batches, ids)
	if r.fail != nil {
		return r.fail(len(r.batches))
	}
	return nil
}

func (r *recorder) seen() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int)
	for _, b := range r.batches {
		for _, id := range b {
			out[id]++
		}
	}
	return out
}

func (r *recorder) sizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.batches))
	for _, b := range r.batches {
		out = append(out, len(b))
	}
	return out
}

func newPipeline(t *testing.T, c queue.Consumer, policy batch.Policy, capacity, workers int, h Handler) *Pipeline {
	t.Helper()
	acc := batch.NewAccumulator(c, policy, nil)
	r, err := ring.New(capacity, acc.NewGroup)
	require.NoError(t, err)

	p, err := New(Config{
		Ring:        r,
		Accumulator: acc,
		Workers:     workers,
		NewHandler:  func() (Handler, error) { return h, nil },
		Log:         zaptest.NewLogger(t).Sugar(),
	})
	require.NoError(t, err)
	return p
}

func runAsync(ctx context.Context, p *Pipeline) <-chan error {
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return done
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	c := queuetest.NewConsumer(1)
	acc := batch.NewAccumulator(c, batch.Policy{MaxAge: time.Millisecond}, nil)
	r, err := ring.New(2, acc.NewGroup)
	require.NoError(t, err)
	log := zaptest.NewLogger(t).Sugar()
	nh := func() (Handler, error) { return &recorder{}, nil }

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "nil ring", cfg: Config{Accumulator: acc, Workers: 1, NewHandler: nh, Log: log}},
		{name: "nil accumulator", cfg: Config{Ring: r, Workers: 1, NewHandler: nh, Log: log}},
		{name: "zero workers", cfg: Config{Ring: r, Accumulator: acc, NewHandler: nh, Log: log}},
		{name: "nil handler constructor", cfg: Config{Ring: r, Accumulator: acc, Workers: 1, Log: log}},
		{name: "nil logger", cfg: Config{Ring: r, Accumulator: acc, Workers: 1, NewHandler: nh}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			require.Error(t, err)
		})
	}
}

func TestRun_DeliversEveryMessageOnce(t *testing.T) {
	t.Parallel()

	const total = 25
	c := queuetest.NewConsumer(total)
	for i := int64(0); i < total; i++ {
		c.Push(queuetest.NewMessage(i, "", []byte("payload")))
	}

	rec := &recorder{}
	p := newPipeline(t, c, batch.Policy{MaxMessages: 4, MaxAge: 20 * time.Millisecond}, 4, 3, rec)

	ctx, cancel := context.WithCancel(t.Context())
	done := runAsync(ctx, p)

	require.Eventually(t, func() bool { return len(rec.seen()) == total }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}

	for id, n := range rec.seen() {
		assert.Equal(t, 1, n, "message %s", id)
	}
	for _, size := range rec.sizes() {
		assert.LessOrEqual(t, size, 4)
		assert.Positive(t, size)
	}
}

func TestRun_HandlerErrorTripsLatch(t *testing.T) {
	t.Parallel()

	c := queuetest.NewConsumer(10)
	for i := int64(0); i < 6; i++ {
		c.Push(queuetest.NewMessage(i, "", []byte("x")))
	}

	boom := errors.New("sink returned 500")
	rec := &recorder{fail: func(n int) error {
		if n == 1 {
			return boom
		}
		return nil
	}}
	p := newPipeline(t, c, batch.Policy{MaxMessages: 2, MaxAge: 10 * time.Millisecond}, 2, 1, rec)

	select {
	case err := <-runAsync(t.Context(), p):
		require.ErrorIs(t, err, ErrFatal)
		require.ErrorIs(t, err, boom)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop after fatal error")
	}
	require.True(t, p.Latch().Tripped())
}

func TestRun_HandlerPanicTripsLatch(t *testing.T) {
	t.Parallel()

	c := queuetest.NewConsumer(1)
	c.Push(queuetest.NewMessage(1, "", []byte("x")))

	h := HandlerFunc(func(context.Context, *batch.Group) error { panic("nil map") })
	p := newPipeline(t, c, batch.Policy{MaxAge: 10 * time.Millisecond}, 1, 1, h)

	select {
	case err := <-runAsync(t.Context(), p):
		require.ErrorIs(t, err, ErrFatal)
		require.ErrorContains(t, err, "nil map")
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop after panic")
	}
}

// failingConsumer fails every receive once its queue is drained.
type failingConsumer struct {
	*queuetest.Consumer
	err error
}

func (f *failingConsumer) Receive(ctx context.Context) (queue.Message, error) {
	rctx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()
	msg, err := f.Consumer.Receive(rctx)
	if err != nil && ctx.Err() == nil {
		return nil, f.err
	}
	return msg, err
}

func TestRun_ReceiveErrorIsFatal(t *testing.T) {
	t.Parallel()

	closed := errors.New("consumer closed")
	c := &failingConsumer{Consumer: queuetest.NewConsumer(1), err: closed}

	p := newPipeline(t, c, batch.Policy{MaxAge: time.Second}, 2, 1, &recorder{})

	select {
	case err := <-runAsync(t.Context(), p):
		require.ErrorIs(t, err, ErrFatal)
		require.ErrorIs(t, err, closed)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop on receive error")
	}
}

func TestRun_InFlightBatchFinishesOnShutdown(t *testing.T) {
	t.Parallel()

	c := queuetest.NewConsumer(1)
	c.Push(queuetest.NewMessage(1, "", []byte("x")))

	started := make(chan struct{})
	release := make(chan struct{})
	var finished bool
	h := HandlerFunc(func(ctx context.Context, _ *batch.Group) error {
		close(started)
		<-release
		finished = ctx.Err() == nil
		return nil
	})
	p := newPipeline(t, c, batch.Policy{MaxAge: 5 * time.Millisecond}, 1, 1, h)

	ctx, cancel := context.WithCancel(t.Context())
	done := runAsync(ctx, p)

	<-started
	cancel()
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}
	require.True(t, finished, "worker context must outlive shutdown")
}

func TestRun_HandlerConstructorError(t *testing.T) {
	t.Parallel()

	c := queuetest.NewConsumer(1)
	acc := batch.NewAccumulator(c, batch.Policy{MaxAge: time.Millisecond}, nil)
	r, err := ring.New(1, acc.NewGroup)
	require.NoError(t, err)

	p, err := New(Config{
		Ring:        r,
		Accumulator: acc,
		Workers:     2,
		NewHandler:  func() (Handler, error) { return nil, errors.New("bad id mode") },
		Log:         zaptest.NewLogger(t).Sugar(),
	})
	require.NoError(t, err)

	err = p.Run(t.Context())
	require.ErrorIs(t, err, ErrFatal)
}
