package buffer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/keymesh/metric"
)

func TestBasicWriteRead(t *testing.T) {
	buf, err := NewCircular[string](3)
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write("first"))
	require.NoError(t, buf.Write("second"))
	assert.Equal(t, 2, buf.Size())
	assert.Equal(t, 3, buf.Capacity())

	v, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, "first", v, "FIFO order")

	v, ok = buf.Peek()
	require.True(t, ok)
	assert.Equal(t, "second", v)
	assert.Equal(t, 1, buf.Size(), "peek does not consume")

	buf.Read()
	_, ok = buf.Read()
	assert.False(t, ok)
	assert.True(t, buf.IsEmpty())
}

func TestDropOldestPolicy(t *testing.T) {
	var dropped []int
	buf, err := NewCircular[int](2,
		WithOverflowPolicy[int](DropOldest),
		WithDropCallback[int](func(item int) { dropped = append(dropped, item) }),
	)
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))
	require.NoError(t, buf.Write(3)) // evicts 1

	assert.Equal(t, []int{1}, dropped)
	assert.Equal(t, []int{2, 3}, buf.ReadBatch(10))
	assert.EqualValues(t, 1, buf.Stats().Drops())
}

func TestDropCallbackMayReenterBuffer(t *testing.T) {
	var buf Buffer[int]
	var sizes []int
	var err error
	buf, err = NewCircular[int](1,
		WithOverflowPolicy[int](DropOldest),
		WithDropCallback[int](func(int) { sizes = append(sizes, buf.Size()) }),
	)
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))
	require.NoError(t, buf.Write(3))

	// The callback reads the buffer without deadlocking.
	assert.Equal(t, []int{1, 1}, sizes)
}

func TestDropNewestPolicy(t *testing.T) {
	buf, err := NewCircular[int](2, WithOverflowPolicy[int](DropNewest))
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))
	require.NoError(t, buf.Write(3)) // discarded

	assert.Equal(t, []int{1, 2}, buf.ReadBatch(10))
}

func TestBlockPolicyBlocksUntilRead(t *testing.T) {
	buf, err := NewCircular[int](1, WithOverflowPolicy[int](Block))
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write(1))

	unblocked := make(chan struct{})
	go func() {
		_ = buf.Write(2)
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("write should have blocked on a full buffer")
	case <-time.After(20 * time.Millisecond):
	}

	v, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("write did not unblock after read")
	}
}

func TestReadWait(t *testing.T) {
	buf, err := NewCircular[string](4)
	require.NoError(t, err)
	defer buf.Close()

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = buf.Write("delayed")
	}()

	v, err := buf.ReadWait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "delayed", v)
}

func TestReadWaitContextCancel(t *testing.T) {
	buf, err := NewCircular[string](4)
	require.NoError(t, err)
	defer buf.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = buf.ReadWait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseDrainsThenStops(t *testing.T) {
	buf, err := NewCircular[int](4)
	require.NoError(t, err)

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))
	require.NoError(t, buf.Close())

	// Writes fail immediately after close.
	assert.Error(t, buf.Write(3))

	// Buffered items remain readable.
	v, err := buf.ReadWait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	v, err = buf.ReadWait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	// Drained and closed: ReadWait terminates.
	_, err = buf.ReadWait(context.Background())
	assert.Error(t, err)
}

func TestCloseWakesBlockedReader(t *testing.T) {
	buf, err := NewCircular[int](1)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := buf.ReadWait(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, buf.Close())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked reader not woken by close")
	}
}

func TestConcurrentProducersConsumers(t *testing.T) {
	buf, err := NewCircular[int](64)
	require.NoError(t, err)

	const producers = 4
	const perProducer = 500

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = buf.Write(i)
			}
		}()
	}

	received := make(chan int, producers*perProducer)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var consumers sync.WaitGroup
	for c := 0; c < 2; c++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for {
				v, err := buf.ReadWait(ctx)
				if err != nil {
					return
				}
				received <- v
			}
		}()
	}

	wg.Wait()
	for buf.Size() > 0 {
		time.Sleep(time.Millisecond)
	}
	buf.Close()
	consumers.Wait()

	assert.Equal(t, producers*perProducer, len(received))
}

func TestMetricsRegistration(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	buf, err := NewCircular[int](2, WithMetrics[int](reg, "test_sink"))
	require.NoError(t, err)
	defer buf.Close()

	require.NoError(t, buf.Write(1))
	buf.Read()

	families, err := reg.PrometheusRegistry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["keymesh_buffer_writes_total"])
	assert.True(t, names["keymesh_buffer_size"])

	// A second buffer under the same prefix conflicts.
	_, err = NewCircular[int](2, WithMetrics[int](reg, "test_sink"))
	assert.Error(t, err)
}
