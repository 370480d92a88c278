//go:build linux
// +build linux

package node

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

// startLoopThread runs a loop on its own thread for the duration of the test.
func startLoopThread(t *testing.T) *EventLoop {
	t.Helper()
	thread := NewEventLoopThread(nil, t.Name())
	loop, err := thread.StartLoop()
	require.NoError(t, err)
	t.Cleanup(thread.Stop)
	return loop
}

// runSync runs f on loop and waits for it.
func runSync(t *testing.T, loop *EventLoop, f func()) {
	t.Helper()
	done := make(chan struct{})
	loop.RunInLoop(func() {
		f()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run")
	}
}

func TestOneLoopPerThread(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)
	assert.Same(t, loop, LoopOfCurrentThread())
	assert.True(t, loop.IsInLoopThread())

	second, err := NewEventLoop()
	assert.ErrorIs(t, err, ErrLoopExists)
	assert.Nil(t, second)
	assert.Same(t, loop, LoopOfCurrentThread())

	require.NoError(t, loop.Close())
	assert.Nil(t, LoopOfCurrentThread())
	assert.NoError(t, loop.Close(), "second close is a no-op")
}

func TestEventLoopQuitBeforeLoop(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)

	ran := 0
	loop.QueueInLoop(func() { ran++ })
	loop.QueueInLoop(func() { ran++ })
	assert.Equal(t, 2, loop.PendingCount())

	loop.Quit()
	require.NoError(t, loop.Loop())
	assert.Equal(t, 2, ran, "pending tasks still run when the loop quits")
	assert.Equal(t, 0, loop.PendingCount())

	require.NoError(t, loop.Close())
	assert.Nil(t, LoopOfCurrentThread())
}

func TestEventLoopWrongThread(t *testing.T) {
	loop := startLoopThread(t)
	assert.False(t, loop.IsInLoopThread())
	assert.ErrorIs(t, loop.Loop(), ErrNotInLoopThread)
	assert.ErrorIs(t, loop.Close(), ErrNotInLoopThread)
	assert.Panics(t, func() { loop.assertInLoopThread() })
}

func TestEventLoopCrossThreadWakeup(t *testing.T) {
	loop := startLoopThread(t)

	// Let the loop block in the poller first.
	time.Sleep(50 * time.Millisecond)

	done := make(chan bool, 1)
	start := time.Now()
	loop.RunInLoop(func() { done <- loop.IsInLoopThread() })

	select {
	case inLoop := <-done:
		assert.True(t, inLoop)
		assert.Less(t, time.Since(start), time.Second, "wakeup must not wait for the poll timeout")
	case <-time.After(5 * time.Second):
		t.Fatal("queued task never ran")
	}
}

func TestEventLoopTaskOrder(t *testing.T) {
	loop := startLoopThread(t)

	const n = 1000
	var got []int
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		i := i
		loop.QueueInLoop(func() {
			got = append(got, i)
			if i == n-1 {
				close(done)
			}
		})
	}
	<-done

	want := make([]int, n)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
}

func TestEventLoopManyProducers(t *testing.T) {
	loop := startLoopThread(t)

	const producers, perProducer = 8, 200
	var count atomic.Int32
	var wg sync.WaitGroup
	wg.Add(producers * perProducer)
	for p := 0; p < producers; p++ {
		go func() {
			for i := 0; i < perProducer; i++ {
				loop.RunInLoop(func() {
					count.Inc()
					wg.Done()
				})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(producers*perProducer), count.Load())
}

func TestEventLoopNestedQueue(t *testing.T) {
	loop := startLoopThread(t)

	inner := make(chan time.Time, 1)
	var queuedAt time.Time
	loop.QueueInLoop(func() {
		queuedAt = time.Now()
		loop.QueueInLoop(func() { inner <- queuedAt })
	})

	select {
	case at := <-inner:
		assert.Less(t, time.Since(at), time.Second, "a task queued while draining runs on the next iteration")
	case <-time.After(5 * time.Second):
		t.Fatal("nested task never ran")
	}
}

func TestEventLoopRunInLoopIsSynchronousOnLoopThread(t *testing.T) {
	loop := startLoopThread(t)

	var order []string
	runSync(t, loop, func() {
		loop.RunInLoop(func() { order = append(order, "inner") })
		order = append(order, "outer")
	})
	assert.Equal(t, []string{"inner", "outer"}, order)
}

func TestEventLoopPollReturnTime(t *testing.T) {
	loop := startLoopThread(t)
	var polled time.Time
	runSync(t, loop, func() { polled = loop.PollReturnTime() })
	assert.False(t, polled.IsZero())
}

func TestEventLoopThreadStartTwice(t *testing.T) {
	var initOnLoop atomic.Bool
	thread := NewEventLoopThread(func(l *EventLoop) { initOnLoop.Store(l.IsInLoopThread()) }, "twice")
	loop, err := thread.StartLoop()
	require.NoError(t, err)
	require.NotNil(t, loop)
	assert.True(t, initOnLoop.Load())
	assert.Equal(t, "twice", thread.Name())

	_, err = thread.StartLoop()
	assert.ErrorIs(t, err, ErrThreadStarted)

	thread.Stop()
	thread.Stop()
}

func TestEventLoopThreadStopWithoutStart(t *testing.T) {
	thread := NewEventLoopThread(nil, "idle")
	assert.NotPanics(t, thread.Stop)
}

func TestEventLoopClosedReleasesThread(t *testing.T) {
	logs := observeLogs(t)

	thread := NewEventLoopThread(nil, t.Name())
	loop, err := thread.StartLoop()
	require.NoError(t, err)
	thread.Stop()

	// The loop's former thread is free; no goroutine may act as its owner.
	assert.False(t, loop.IsInLoopThread())
	pinned := make(chan bool)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		pinned <- loop.IsInLoopThread()
	}()
	assert.False(t, <-pinned)

	ran := false
	loop.RunInLoop(func() { ran = true })
	loop.QueueInLoop(func() { ran = true })
	loop.Quit()
	assert.False(t, ran)
	assert.Equal(t, 0, loop.PendingCount())
	assert.Equal(t, 2, logs.FilterMessage("task dropped on closed EventLoop").Len())

	assert.ErrorIs(t, loop.Loop(), ErrLoopClosed)
	assert.NoError(t, loop.Close())
}

func TestEventLoopCloseOnOwnThread(t *testing.T) {
	loop, err := NewEventLoop()
	require.NoError(t, err)
	require.NoError(t, loop.Close())

	assert.False(t, loop.IsInLoopThread())
	assert.Panics(t, func() { loop.assertInLoopThread() })
}
