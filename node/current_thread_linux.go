//go:build linux
// +build linux

package node

import (
	"sync"

	"golang.org/x/sys/unix"
)

// loopsByThread is the process-wide record of which OS thread owns which
// EventLoop. A goroutine that owns a loop is locked to its thread, so the
// kernel tid identifies it for as long as the loop lives.
var loopsByThread = struct {
	sync.Mutex
	m map[int]*EventLoop
}{m: make(map[int]*EventLoop)}

func currentTid() int {
	return unix.Gettid()
}

// bindLoop records loop as the owner of tid. It returns the loop already bound
// to tid, if any.
func bindLoop(tid int, loop *EventLoop) *EventLoop {
	loopsByThread.Lock()
	defer loopsByThread.Unlock()
	if existing, ok := loopsByThread.m[tid]; ok {
		return existing
	}
	loopsByThread.m[tid] = loop
	return nil
}

func unbindLoop(tid int, loop *EventLoop) {
	loopsByThread.Lock()
	defer loopsByThread.Unlock()
	if loopsByThread.m[tid] == loop {
		delete(loopsByThread.m, tid)
	}
}

// LoopOfCurrentThread returns the EventLoop owned by the calling thread, or nil.
func LoopOfCurrentThread() *EventLoop {
	loopsByThread.Lock()
	defer loopsByThread.Unlock()
	return loopsByThread.m[currentTid()]
}
