//go:build linux
// +build linux

package node

import (
	"sync"

	"github.com/fzft/go-reactor/log"
	"go.uber.org/zap"
)

// EventLoopThread runs one EventLoop on a dedicated, locked OS thread.
type EventLoopThread struct {
	name     string
	callback ThreadInitCallback

	mu      sync.Mutex
	cond    *sync.Cond
	loop    *EventLoop
	err     error
	started bool
	done    chan struct{}
}

func NewEventLoopThread(cb ThreadInitCallback, name string) *EventLoopThread {
	t := &EventLoopThread{
		name:     name,
		callback: cb,
		done:     make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

func (t *EventLoopThread) Name() string { return t.name }

// StartLoop starts the thread and blocks until its loop exists. The returned
// loop is looping or about to loop.
func (t *EventLoopThread) StartLoop() (*EventLoop, error) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil, ErrThreadStarted
	}
	t.started = true
	t.mu.Unlock()

	go t.threadFunc()

	t.mu.Lock()
	defer t.mu.Unlock()
	for t.loop == nil && t.err == nil {
		t.cond.Wait()
	}
	return t.loop, t.err
}

func (t *EventLoopThread) threadFunc() {
	defer close(t.done)

	loop, err := NewEventLoop()
	if err != nil {
		log.Logger.Error("Failed to start loop thread", zap.String("thread", t.name), zap.Error(err))
		t.mu.Lock()
		t.err = err
		t.cond.Signal()
		t.mu.Unlock()
		return
	}

	if t.callback != nil {
		t.callback(loop)
	}

	t.mu.Lock()
	t.loop = loop
	t.cond.Signal()
	t.mu.Unlock()

	if err := loop.Loop(); err != nil {
		log.Logger.Error("loop thread exited", zap.String("thread", t.name), zap.Error(err))
	}

	t.mu.Lock()
	t.loop = nil
	t.mu.Unlock()

	if err := loop.Close(); err != nil {
		log.Logger.Error("Failed to close loop", zap.String("thread", t.name), zap.Error(err))
	}
}

// Stop quits the loop and waits for the thread to exit.
func (t *EventLoopThread) Stop() {
	t.mu.Lock()
	started := t.started
	loop := t.loop
	t.mu.Unlock()
	if !started {
		return
	}
	if loop != nil {
		loop.Quit()
	}
	<-t.done
}
