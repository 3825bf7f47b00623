package ring

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xboshy/bulkbridge/pkg/batch"
	"github.com/xboshy/bulkbridge/pkg/queue/queuetest"
)

func newGroup() *batch.Group { return batch.NewGroup(10, 0) }

func TestNew_Capacity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		capacity int
		wantErr  bool
	}{
		{capacity: -4, wantErr: true},
		{capacity: 0, wantErr: true},
		{capacity: 1},
		{capacity: 2},
		{capacity: 3, wantErr: true},
		{capacity: 6, wantErr: true},
		{capacity: 8},
		{capacity: 1024},
	}

	for _, tt := range tests {
		r, err := New(tt.capacity, newGroup)
		if tt.wantErr {
			require.ErrorIs(t, err, ErrCapacityNotPowerOfTwo, "capacity %d", tt.capacity)
			require.Nil(t, r)
			continue
		}
		require.NoError(t, err, "capacity %d", tt.capacity)
		require.Equal(t, tt.capacity, r.Capacity())
	}
}

func TestNew_NilGroupConstructor(t *testing.T) {
	t.Parallel()

	_, err := New(2, nil)
	require.Error(t, err)
}

func TestRing_SlotIndexWraps(t *testing.T) {
	t.Parallel()

	r, err := New(4, newGroup)
	require.NoError(t, err)

	for want := uint64(0); want < 12; want++ {
		seq, slot, err := r.Claim(t.Context())
		require.NoError(t, err)
		require.Equal(t, want, seq)
		require.Equal(t, int(want%4), slot.Index())
		r.Release(slot)
	}
}

func TestRing_Backpressure(t *testing.T) {
	t.Parallel()

	r, err := New(2, newGroup)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		seq, _, err := r.Claim(t.Context())
		require.NoError(t, err)
		r.Publish(seq)
	}

	claimed := make(chan uint64, 1)
	go func() {
		seq, _, err := r.Claim(context.Background())
		if err == nil {
			claimed <- seq
		}
	}()

	select {
	case <-claimed:
		t.Fatal("third sequence claimed while every slot was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	// Releasing the second slot does not free the first one.
	seq0, slot0, ok := r.Next(t.Context())
	require.True(t, ok)
	seq1, slot1, ok := r.Next(t.Context())
	require.True(t, ok)
	require.Equal(t, uint64(0), seq0)
	require.Equal(t, uint64(1), seq1)

	r.Release(slot1)
	select {
	case <-claimed:
		t.Fatal("third sequence claimed before its slot was released")
	case <-time.After(50 * time.Millisecond):
	}

	r.Release(slot0)
	select {
	case seq := <-claimed:
		require.Equal(t, uint64(2), seq)
	case <-time.After(time.Second):
		t.Fatal("claim did not unblock after release")
	}
}

func TestRing_ClaimCancelled(t *testing.T) {
	t.Parallel()

	r, err := New(1, newGroup)
	require.NoError(t, err)

	_, _, err = r.Claim(t.Context())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, _, err = r.Claim(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRing_EachSequenceDeliveredOnce(t *testing.T) {
	t.Parallel()

	const (
		workers = 3
		total   = 200
	)

	r, err := New(4, newGroup)
	require.NoError(t, err)

	var (
		mu   sync.Mutex
		seen = make(map[uint64]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				seq, slot, ok := r.Next(context.Background())
				if !ok {
					return
				}
				mu.Lock()
				seen[seq]++
				mu.Unlock()
				r.Release(slot)
			}
		}()
	}

	for i := 0; i < total; i++ {
		seq, _, err := r.Claim(t.Context())
		require.NoError(t, err)
		r.Publish(seq)
	}
	r.Close()
	wg.Wait()

	require.Len(t, seen, total)
	for seq, n := range seen {
		assert.Equal(t, 1, n, "sequence %d", seq)
	}
}

func TestRing_CloseDrainsPublished(t *testing.T) {
	t.Parallel()

	r, err := New(4, newGroup)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		seq, slot, err := r.Claim(t.Context())
		require.NoError(t, err)
		require.NoError(t, slot.Group.Add(queuetest.NewMessage(int64(i), "", []byte("x"))))
		r.Publish(seq)
	}
	r.Close()
	r.Close()

	for want := uint64(0); want < 2; want++ {
		seq, slot, ok := r.Next(t.Context())
		require.True(t, ok)
		require.Equal(t, want, seq)
		require.Equal(t, 1, slot.Group.Len())
		r.Release(slot)
		require.Equal(t, 0, slot.Group.Len())
	}

	_, _, ok := r.Next(t.Context())
	require.False(t, ok)
}

func TestRing_NextCancelled(t *testing.T) {
	t.Parallel()

	r, err := New(2, newGroup)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, _, ok := r.Next(ctx)
	require.False(t, ok)
}
