//go:build linux
// +build linux

package node

import (
	"strconv"

	"github.com/fzft/go-reactor/log"
	"go.uber.org/zap"
)

// EventLoopThreadPool hands out sub-loops round-robin. With zero threads every
// connection runs on the base loop.
//
// Start, GetNextLoop and GetAllLoops are called on the base loop's thread.
type EventLoopThreadPool struct {
	baseLoop   *EventLoop
	name       string
	started    bool
	numThreads int
	next       int
	threads    []*EventLoopThread
	loops      []*EventLoop
}

func NewEventLoopThreadPool(baseLoop *EventLoop, name string) *EventLoopThreadPool {
	return &EventLoopThreadPool{
		baseLoop: baseLoop,
		name:     name,
	}
}

func (p *EventLoopThreadPool) SetThreadNum(n int) {
	if n < 0 {
		n = 0
	}
	p.numThreads = n
}

func (p *EventLoopThreadPool) Started() bool { return p.started }

func (p *EventLoopThreadPool) Name() string { return p.name }

// Start spawns the threads. cb runs on each new loop, or once on the base loop
// when the pool has no threads.
func (p *EventLoopThreadPool) Start(cb ThreadInitCallback) error {
	if p.started {
		return ErrPoolStarted
	}
	p.started = true

	for i := 0; i < p.numThreads; i++ {
		t := NewEventLoopThread(cb, p.name+strconv.Itoa(i))
		loop, err := t.StartLoop()
		if err != nil {
			log.Logger.Error("Failed to start pool thread", zap.String("thread", t.Name()), zap.Error(err))
			p.Stop()
			return err
		}
		p.threads = append(p.threads, t)
		p.loops = append(p.loops, loop)
	}

	if p.numThreads == 0 && cb != nil {
		cb(p.baseLoop)
	}
	log.Logger.Info("thread pool started", zap.String("name", p.name), zap.Int("threads", p.numThreads))
	return nil
}

// GetNextLoop returns the base loop for an empty pool, otherwise the next
// sub-loop in round-robin order.
func (p *EventLoopThreadPool) GetNextLoop() *EventLoop {
	loop := p.baseLoop
	if len(p.loops) > 0 {
		loop = p.loops[p.next]
		p.next++
		if p.next >= len(p.loops) {
			p.next = 0
		}
	}
	return loop
}

func (p *EventLoopThreadPool) GetAllLoops() []*EventLoop {
	if len(p.loops) == 0 {
		return []*EventLoop{p.baseLoop}
	}
	return append([]*EventLoop(nil), p.loops...)
}

// Stop quits every sub-loop and waits for its thread. Tasks queued on a
// sub-loop before Stop still run.
func (p *EventLoopThreadPool) Stop() {
	for _, t := range p.threads {
		t.Stop()
	}
	p.threads = nil
	p.loops = nil
	p.next = 0
}
