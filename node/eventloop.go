//go:build linux
// +build linux

package node

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/eapache/queue"
	"github.com/fzft/go-reactor/log"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// PollTimeMs bounds one wait in the poller so an idle loop still comes around.
const PollTimeMs = 10000

// EventLoop is a reactor bound to one OS thread. The goroutine that calls
// NewEventLoop is locked to its thread and must be the one that calls Loop.
//
// RunInLoop, QueueInLoop, Quit and IsInLoopThread are safe from any goroutine.
// Everything that touches channels must run on the loop's thread.
type EventLoop struct {
	threadID int

	looping                atomic.Bool
	quit                   atomic.Bool
	callingPendingFunctors atomic.Bool
	closed                 atomic.Bool

	poller         Poller
	pollReturnTime time.Time

	wakeupFd      int
	wakeupChannel *Channel

	activeChannels []*Channel

	mu sync.Mutex
	// pendingFunctors receives tasks from any thread under mu. The loop swaps
	// it with drainFunctors, which only the loop thread touches.
	pendingFunctors *queue.Queue
	drainFunctors   *queue.Queue
}

// NewEventLoop creates a loop owned by the calling goroutine's OS thread.
// It fails with ErrLoopExists if the thread already owns a loop.
func NewEventLoop() (*EventLoop, error) {
	runtime.LockOSThread()

	l := &EventLoop{
		threadID:        currentTid(),
		pendingFunctors: queue.New(),
		drainFunctors:   queue.New(),
	}

	if existing := bindLoop(l.threadID, l); existing != nil {
		runtime.UnlockOSThread()
		log.Logger.Error("Another EventLoop exists in this thread",
			zap.Int("tid", l.threadID), zap.Stringer("loop", existing))
		return nil, ErrLoopExists
	}

	poller, err := newDefaultPoller()
	if err != nil {
		l.abandon()
		return nil, err
	}
	l.poller = poller

	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		log.Logger.Error("Failed to create eventfd", zap.Error(err))
		_ = poller.Close()
		l.abandon()
		return nil, os.NewSyscallError("eventfd", err)
	}
	l.wakeupFd = efd
	l.wakeupChannel = NewChannel(l, efd)
	l.wakeupChannel.SetReadCallback(func(time.Time) { l.handleRead() })
	l.wakeupChannel.EnableReading()

	log.Logger.Debug("EventLoop created", zap.Stringer("loop", l), zap.Int("tid", l.threadID))
	return l, nil
}

func (l *EventLoop) abandon() {
	unbindLoop(l.threadID, l)
	runtime.UnlockOSThread()
}

func (l *EventLoop) String() string {
	return fmt.Sprintf("EventLoop@%p", l)
}

// Loop runs until Quit. It returns ErrNotInLoopThread when called from any
// goroutine other than the one that created the loop.
func (l *EventLoop) Loop() error {
	if l.closed.Load() {
		return ErrLoopClosed
	}
	if !l.IsInLoopThread() {
		log.Logger.Error("EventLoop.Loop called outside its thread",
			zap.Stringer("loop", l), zap.Int("owner", l.threadID), zap.Int("tid", currentTid()))
		return ErrNotInLoopThread
	}
	l.looping.Store(true)
	defer l.looping.Store(false)

	log.Logger.Info("EventLoop start looping", zap.Stringer("loop", l))
	for !l.quit.Load() {
		l.activeChannels = l.activeChannels[:0]
		l.pollReturnTime = l.poller.Poll(PollTimeMs, &l.activeChannels)
		for _, ch := range l.activeChannels {
			ch.HandleEvent(l.pollReturnTime)
		}
		l.doPendingFunctors()
	}
	// Tasks queued while the last batch ran would otherwise be lost.
	l.doPendingFunctors()
	log.Logger.Info("EventLoop stop looping", zap.Stringer("loop", l))
	return nil
}

// Quit asks the loop to stop after the current iteration. A loop that has not
// started yet returns from Loop immediately.
func (l *EventLoop) Quit() {
	l.quit.Store(true)
	if !l.IsInLoopThread() {
		l.wakeup()
	}
}

// RunInLoop runs f now when called on the loop's thread, otherwise queues it.
func (l *EventLoop) RunInLoop(f Functor) {
	if l.IsInLoopThread() {
		f()
		return
	}
	l.QueueInLoop(f)
}

// QueueInLoop appends f to the pending tasks. The loop is woken when the
// caller is another thread, or when the loop is already draining tasks and
// would otherwise block in the poller before seeing f. Tasks queued on a
// closed loop are dropped.
func (l *EventLoop) QueueInLoop(f Functor) {
	l.mu.Lock()
	if l.closed.Load() {
		l.mu.Unlock()
		log.Logger.Warn("task dropped on closed EventLoop", zap.Stringer("loop", l))
		return
	}
	l.pendingFunctors.Add(f)
	l.mu.Unlock()

	if !l.IsInLoopThread() || l.callingPendingFunctors.Load() {
		l.wakeup()
	}
}

// PendingCount reports the number of queued tasks not yet drained.
func (l *EventLoop) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pendingFunctors.Length()
}

// IsInLoopThread reports false for every caller once the loop is closed,
// since its thread is back in the scheduler's hands.
func (l *EventLoop) IsInLoopThread() bool {
	return !l.closed.Load() && l.threadID == currentTid()
}

func (l *EventLoop) PollReturnTime() time.Time {
	return l.pollReturnTime
}

func (l *EventLoop) assertInLoopThread() {
	if !l.IsInLoopThread() {
		log.Logger.Panic("EventLoop used outside its thread",
			zap.Stringer("loop", l), zap.Int("owner", l.threadID), zap.Int("tid", currentTid()))
	}
}

// wakeup writes an 8-byte counter increment to the eventfd.
func (l *EventLoop) wakeup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		return
	}
	one := uint64(1)
	n, err := unix.Write(l.wakeupFd, (*(*[8]byte)(unsafe.Pointer(&one)))[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		log.Logger.Error("Failed to write to wakeup fd", zap.Stringer("loop", l), zap.Error(err))
		return
	}
	if err == nil && n != 8 {
		log.Logger.Error("wakeup wrote wrong size", zap.Int("n", n))
	}
}

// handleRead drains the wakeup fd. It has no other effect.
func (l *EventLoop) handleRead() {
	var one uint64
	n, err := unix.Read(l.wakeupFd, (*(*[8]byte)(unsafe.Pointer(&one)))[:])
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) {
			log.Logger.Error("Failed to read from wakeup fd", zap.Error(err))
		}
		return
	}
	if n != 8 {
		log.Logger.Error("wakeup read wrong size", zap.Int("n", n))
	}
}

func (l *EventLoop) doPendingFunctors() {
	l.callingPendingFunctors.Store(true)
	defer l.callingPendingFunctors.Store(false)

	l.mu.Lock()
	l.pendingFunctors, l.drainFunctors = l.drainFunctors, l.pendingFunctors
	l.mu.Unlock()

	for l.drainFunctors.Length() > 0 {
		f := l.drainFunctors.Remove().(Functor)
		f()
	}
}

func (l *EventLoop) updateChannel(ch *Channel) {
	l.assertInLoopThread()
	if err := l.poller.UpdateChannel(ch); err != nil {
		log.Logger.Error("update channel failed", zap.Int("fd", ch.Fd()), zap.Error(err))
	}
}

func (l *EventLoop) removeChannel(ch *Channel) {
	l.assertInLoopThread()
	if err := l.poller.RemoveChannel(ch); err != nil {
		log.Logger.Error("remove channel failed", zap.Int("fd", ch.Fd()), zap.Error(err))
	}
}

// UpdateChannel and RemoveChannel are the loop-update hook of the channels
// registered with this loop.
func (l *EventLoop) UpdateChannel(ch *Channel) { l.updateChannel(ch) }

func (l *EventLoop) RemoveChannel(ch *Channel) { l.removeChannel(ch) }

func (l *EventLoop) HasChannel(ch *Channel) bool {
	l.assertInLoopThread()
	return l.poller.HasChannel(ch)
}

// Close releases the wakeup fd and the poller and frees the thread for another
// loop. It must be called on the loop's thread after Loop has returned.
func (l *EventLoop) Close() error {
	if l.closed.Load() {
		return nil
	}
	if !l.IsInLoopThread() {
		return ErrNotInLoopThread
	}
	if l.looping.Load() {
		return ErrLoopRunning
	}
	l.wakeupChannel.DisableAll()
	l.wakeupChannel.Remove()

	var err error
	l.mu.Lock()
	l.closed.Store(true)
	if n := l.pendingFunctors.Length(); n > 0 {
		log.Logger.Warn("EventLoop closed with pending tasks", zap.Stringer("loop", l), zap.Int("dropped", n))
		l.pendingFunctors = queue.New()
	}
	err = multierr.Append(err, os.NewSyscallError("close", unix.Close(l.wakeupFd)))
	l.mu.Unlock()
	err = multierr.Append(err, l.poller.Close())

	unbindLoop(l.threadID, l)
	runtime.UnlockOSThread()
	log.Logger.Debug("EventLoop closed", zap.Stringer("loop", l))
	return err
}
