package ringchan

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingChannel_OverwritesOldest(t *testing.T) {
	rc := New[int](3)
	for i := 0; i < 10; i++ {
		rc.Send(i)
	}
	rc.Close()

	var got []int
	for v := range rc.C() {
		got = append(got, v)
	}
	assert.Equal(t, []int{7, 8, 9}, got, "only the last values MUST survive")

	m := rc.Metrics()
	assert.EqualValues(t, 10, m.Written)
	assert.EqualValues(t, 7, m.Overwritten)
}

func TestRingChannel_SendReportsDrop(t *testing.T) {
	rc := New[string](1)
	assert.False(t, rc.Send("a"))
	assert.True(t, rc.Send("b"))

	v, ok := rc.TryReceive()
	require.True(t, ok)
	assert.Equal(t, "b", v)
	assert.EqualValues(t, 1, rc.Metrics().Processed)
}

func TestRingChannel_TrySend(t *testing.T) {
	rc := New[int](1)
	assert.True(t, rc.TrySend(1))
	assert.False(t, rc.TrySend(2), "full buffer MUST reject TrySend")
	assert.Equal(t, 1, rc.Len())
	assert.Equal(t, 1, rc.Cap())
}

func TestRingChannel_CloseIsIdempotentAndSendIsNoop(t *testing.T) {
	rc := New[int](2)
	rc.Send(1)
	rc.Close()
	rc.Close()

	assert.NotPanics(t, func() { rc.Send(2) })
	assert.False(t, rc.TrySend(3))

	v, ok := rc.Receive()
	require.True(t, ok, "buffered values MUST remain readable after Close")
	assert.Equal(t, 1, v)

	_, ok = rc.Receive()
	assert.False(t, ok)
}

func TestRingChannel_EmptyTryReceive(t *testing.T) {
	rc := New[int](1)
	v, ok := rc.TryReceive()
	assert.False(t, ok)
	assert.Zero(t, v)
}

func TestRingChannel_ConcurrentProducers(t *testing.T) {
	rc := New[int](4)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				rc.Send(i)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range rc.C() {
		}
	}()

	wg.Wait()
	rc.Close()
	<-done

	m := rc.Metrics()
	assert.EqualValues(t, 800, m.Written, "every Send MUST eventually write")
}

func TestNew_PanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
}
