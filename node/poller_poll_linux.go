//go:build linux
// +build linux

package node

import (
	"errors"
	"fmt"
	"time"

	"github.com/fzft/go-reactor/log"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// pollPoller is the poll(2) backend. Channel.index is the channel's slot in
// pollfds. A slot whose channel has no interest keeps the negated fd so the
// kernel skips it. On Linux the POLL* and EPOLL* bits share values, so Channel
// dispatch works unchanged.
type pollPoller struct {
	pollfds  []unix.PollFd
	channels map[int]*Channel
}

func newPollPoller() (*pollPoller, error) {
	return &pollPoller{channels: make(map[int]*Channel)}, nil
}

func (p *pollPoller) Close() error {
	return nil
}

func (p *pollPoller) Poll(timeoutMs int, activeChannels *[]*Channel) time.Time {
	n, err := unix.Poll(p.pollfds, timeoutMs)
	now := time.Now()

	switch {
	case err != nil:
		if !errors.Is(err, unix.EINTR) {
			log.Logger.Error("poll error", zap.Error(err))
		}
	case n == 0:
		log.Logger.Debug("poll timeout")
	default:
		p.fillActiveChannels(n, activeChannels)
	}
	return now
}

func (p *pollPoller) fillActiveChannels(n int, activeChannels *[]*Channel) {
	for i := range p.pollfds {
		if n == 0 {
			break
		}
		pfd := &p.pollfds[i]
		if pfd.Revents == 0 {
			continue
		}
		n--
		ch, ok := p.channels[int(pfd.Fd)]
		if !ok {
			continue
		}
		ch.setRevents(uint32(uint16(pfd.Revents)))
		*activeChannels = append(*activeChannels, ch)
	}
}

func (p *pollPoller) UpdateChannel(ch *Channel) error {
	fd := ch.Fd()
	if ch.Index() < 0 {
		p.pollfds = append(p.pollfds, unix.PollFd{Fd: int32(fd), Events: int16(ch.Events())})
		ch.setIndex(len(p.pollfds) - 1)
		p.channels[fd] = ch
		return nil
	}

	idx := ch.Index()
	if idx >= len(p.pollfds) {
		return fmt.Errorf("fd %d: poll slot %d out of range", fd, idx)
	}
	pfd := &p.pollfds[idx]
	pfd.Fd = int32(fd)
	pfd.Events = int16(ch.Events())
	pfd.Revents = 0
	if ch.IsNoneEvent() {
		pfd.Fd = -int32(fd) - 1
	}
	return nil
}

func (p *pollPoller) RemoveChannel(ch *Channel) error {
	idx := ch.Index()
	if idx < 0 {
		return nil
	}
	delete(p.channels, ch.Fd())

	last := len(p.pollfds) - 1
	if idx != last {
		endFd := p.pollfds[last].Fd
		if endFd < 0 {
			endFd = -endFd - 1
		}
		if moved, ok := p.channels[int(endFd)]; ok {
			moved.setIndex(idx)
		}
		p.pollfds[idx] = p.pollfds[last]
	}
	p.pollfds = p.pollfds[:last]
	ch.setIndex(stateNew)
	log.Logger.Debug("poll channel removed", zap.Int("fd", ch.Fd()))
	return nil
}

func (p *pollPoller) HasChannel(ch *Channel) bool {
	existing, ok := p.channels[ch.Fd()]
	return ok && existing == ch
}
