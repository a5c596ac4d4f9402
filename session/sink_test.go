package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelSinkFIFO(t *testing.T) {
	sink, err := NewChannelSink[int](4)
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Accept(1))
	require.NoError(t, sink.Accept(2))

	v, ok := sink.TryRecv()
	require.True(t, ok)
	assert.Equal(t, 1, v)

	v, err = sink.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	_, ok = sink.TryRecv()
	assert.False(t, ok)
}

func TestChannelSinkRecvTerminatesOnClose(t *testing.T) {
	sink, err := NewChannelSink[int](4)
	require.NoError(t, err)

	require.NoError(t, sink.Accept(1))
	require.NoError(t, sink.Close())

	// Buffered item still delivered, then the stream ends.
	v, err := sink.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	_, err = sink.Recv(context.Background())
	assert.Error(t, err)
}

func TestRingSinkOverwritesOldest(t *testing.T) {
	sink, err := NewRingSink[int](2)
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Accept(1))
	require.NoError(t, sink.Accept(2))
	require.NoError(t, sink.Accept(3))

	v, ok := sink.TryRecv()
	require.True(t, ok)
	assert.Equal(t, 2, v, "oldest item overwritten")
	v, ok = sink.TryRecv()
	require.True(t, ok)
	assert.Equal(t, 3, v)
	assert.EqualValues(t, 1, sink.Stats().Drops())
}

func TestCallbackSinkDirect(t *testing.T) {
	var got []int
	sink, err := NewCallbackSink[int](func(v int) { got = append(got, v) })
	require.NoError(t, err)

	require.NoError(t, sink.Accept(1))
	require.NoError(t, sink.Accept(2))
	assert.Equal(t, []int{1, 2}, got)

	require.NoError(t, sink.Close())
	assert.Error(t, sink.Accept(3), "delivery after close is rejected")
}

func TestCallbackSinkBackground(t *testing.T) {
	var count atomic.Int64
	sink, err := NewCallbackSink[int](func(int) { count.Add(1) }, WithBackground[int](2, 16))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, sink.Accept(i))
	}
	require.NoError(t, sink.Close())
	assert.EqualValues(t, 10, count.Load(), "close drains the dispatch queue")
}

func TestCallbackSinkCloseWaitsForInflight(t *testing.T) {
	entered := make(chan struct{})
	proceed := make(chan struct{})
	var finished atomic.Bool

	sink, err := NewCallbackSink[int](func(int) {
		close(entered)
		<-proceed
		finished.Store(true)
	})
	require.NoError(t, err)

	go sink.Accept(1)
	<-entered

	closed := make(chan struct{})
	go func() {
		sink.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("close returned while a callback was mid-execution")
	case <-time.After(20 * time.Millisecond):
	}

	close(proceed)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close did not return after the callback finished")
	}
	assert.True(t, finished.Load())
}

func TestCallbackSinkNilFunc(t *testing.T) {
	_, err := NewCallbackSink[int](nil)
	assert.Error(t, err)
}
