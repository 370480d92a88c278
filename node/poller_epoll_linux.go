//go:build linux
// +build linux

package node

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fzft/go-reactor/log"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const initEventListSize = 16

// epollPoller drives a level-triggered epoll instance. The Channel for an event
// is looked up through the fd kept in the event's data field.
type epollPoller struct {
	epollFd  int
	events   []unix.EpollEvent
	channels map[int]*Channel

	// ctl is unix.EpollCtl; tests replace it to observe syscalls.
	ctl func(epfd, op, fd int, event *unix.EpollEvent) error
}

func newEpollPoller() (*epollPoller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		log.Logger.Error("Failed to create epoll", zap.Error(err))
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &epollPoller{
		epollFd:  epfd,
		events:   make([]unix.EpollEvent, initEventListSize),
		channels: make(map[int]*Channel),
		ctl:      unix.EpollCtl,
	}, nil
}

func (p *epollPoller) Close() error {
	return os.NewSyscallError("close", unix.Close(p.epollFd))
}

func (p *epollPoller) Poll(timeoutMs int, activeChannels *[]*Channel) time.Time {
	log.Logger.Debug("epoll wait", zap.Int("channels", len(p.channels)))

	// n: number of events returned
	// if n == 0, the call timed out
	// if err != nil, EINTR is a normal wakeup, anything else is logged
	n, err := unix.EpollWait(p.epollFd, p.events, timeoutMs)
	now := time.Now()

	switch {
	case err != nil:
		if !errors.Is(err, unix.EINTR) {
			log.Logger.Error("epoll wait error", zap.Error(err))
		}
	case n == 0:
		log.Logger.Debug("epoll wait timeout")
	default:
		p.fillActiveChannels(n, activeChannels)
		if n == len(p.events) {
			p.events = make([]unix.EpollEvent, len(p.events)*2)
		}
	}
	return now
}

func (p *epollPoller) fillActiveChannels(n int, activeChannels *[]*Channel) {
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		ch, ok := p.channels[int(ev.Fd)]
		if !ok {
			continue
		}
		ch.setRevents(ev.Events)
		*activeChannels = append(*activeChannels, ch)
	}
}

// UpdateChannel moves ch through New/Deleted -> Added, or for an Added
// channel issues MOD, or DEL when its interest became empty.
func (p *epollPoller) UpdateChannel(ch *Channel) error {
	index := ch.Index()
	fd := ch.Fd()
	log.Logger.Debug("update channel", zap.Int("fd", fd), zap.String("events", ch.String()), zap.Int("index", index))

	if index == stateNew || index == stateDeleted {
		if index == stateNew {
			p.channels[fd] = ch
		}
		ch.setIndex(stateAdded)
		return p.update(unix.EPOLL_CTL_ADD, ch)
	}

	if ch.IsNoneEvent() {
		err := p.update(unix.EPOLL_CTL_DEL, ch)
		ch.setIndex(stateDeleted)
		return err
	}
	return p.update(unix.EPOLL_CTL_MOD, ch)
}

// RemoveChannel forgets ch and issues DEL if it is still Added.
func (p *epollPoller) RemoveChannel(ch *Channel) error {
	delete(p.channels, ch.Fd())

	var err error
	if ch.Index() == stateAdded {
		err = p.update(unix.EPOLL_CTL_DEL, ch)
	}
	ch.setIndex(stateNew)
	return err
}

func (p *epollPoller) HasChannel(ch *Channel) bool {
	existing, ok := p.channels[ch.Fd()]
	return ok && existing == ch
}

func (p *epollPoller) update(op int, ch *Channel) error {
	fd := ch.Fd()
	var event *unix.EpollEvent
	if op != unix.EPOLL_CTL_DEL {
		event = &unix.EpollEvent{Fd: int32(fd), Events: ch.Events()}
	}
	if err := p.ctl(p.epollFd, op, fd, event); err != nil {
		err = os.NewSyscallError(epollOpName(op), err)
		log.Logger.Error("epoll ctl error", zap.Int("fd", fd), zap.Error(err))
		return fmt.Errorf("fd %d: %w", fd, err)
	}
	return nil
}

func epollOpName(op int) string {
	switch op {
	case unix.EPOLL_CTL_ADD:
		return "epoll_ctl add"
	case unix.EPOLL_CTL_MOD:
		return "epoll_ctl mod"
	default:
		return "epoll_ctl del"
	}
}
