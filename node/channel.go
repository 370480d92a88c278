//go:build linux
// +build linux

package node

import (
	"strings"
	"time"

	"github.com/fzft/go-reactor/log"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	noneEvent  uint32 = 0
	readEvent  uint32 = unix.EPOLLIN | unix.EPOLLPRI
	writeEvent uint32 = unix.EPOLLOUT
)

// ReadEventCallback receives the time the poller returned.
type ReadEventCallback func(receiveTime time.Time)

// EventCallback handles write, close and error readiness.
type EventCallback func()

// channelUpdater is the part of an EventLoop a Channel needs.
type channelUpdater interface {
	updateChannel(ch *Channel)
	removeChannel(ch *Channel)
}

// lifetime is implemented by owners whose Channel must not dispatch into them
// once they are gone. retain fails after the last reference was released.
type lifetime interface {
	retain() bool
	release()
}

// Channel binds one fd to an interest set and the callbacks fired when the
// poller reports it ready. A Channel never owns its fd; the Socket or
// EventLoop that created it closes it.
//
// All methods except Fd must be called on the owning loop's thread.
type Channel struct {
	loop    channelUpdater
	fd      int
	events  uint32
	revents uint32
	index   int

	tie  lifetime
	tied bool

	readCallback  ReadEventCallback
	writeCallback EventCallback
	closeCallback EventCallback
	errorCallback EventCallback
}

func NewChannel(loop channelUpdater, fd int) *Channel {
	return &Channel{
		loop:  loop,
		fd:    fd,
		index: stateNew,
	}
}

func (c *Channel) Fd() int { return c.fd }

func (c *Channel) Events() uint32 { return c.events }

func (c *Channel) setRevents(revents uint32) { c.revents = revents }

func (c *Channel) Index() int { return c.index }

func (c *Channel) setIndex(index int) { c.index = index }

func (c *Channel) SetReadCallback(cb ReadEventCallback) { c.readCallback = cb }

func (c *Channel) SetWriteCallback(cb EventCallback) { c.writeCallback = cb }

func (c *Channel) SetCloseCallback(cb EventCallback) { c.closeCallback = cb }

func (c *Channel) SetErrorCallback(cb EventCallback) { c.errorCallback = cb }

// Tie guards dispatch with owner. HandleEvent skips all callbacks once the
// owner can no longer be retained.
func (c *Channel) Tie(owner lifetime) {
	c.tie = owner
	c.tied = true
}

func (c *Channel) EnableReading() {
	c.events |= readEvent
	c.update()
}

func (c *Channel) DisableReading() {
	c.events &^= readEvent
	c.update()
}

func (c *Channel) EnableWriting() {
	c.events |= writeEvent
	c.update()
}

func (c *Channel) DisableWriting() {
	c.events &^= writeEvent
	c.update()
}

func (c *Channel) DisableAll() {
	c.events = noneEvent
	c.update()
}

func (c *Channel) IsNoneEvent() bool { return c.events == noneEvent }

func (c *Channel) IsWriting() bool { return c.events&writeEvent != 0 }

func (c *Channel) IsReading() bool { return c.events&readEvent != 0 }

// Remove unregisters the channel from its loop's poller. Interest should be
// cleared with DisableAll first.
func (c *Channel) Remove() {
	c.loop.removeChannel(c)
}

func (c *Channel) update() {
	c.loop.updateChannel(c)
}

// HandleEvent dispatches the events recorded by the last poll.
func (c *Channel) HandleEvent(receiveTime time.Time) {
	if c.tied {
		if !c.tie.retain() {
			log.Logger.Debug("channel owner gone, event dropped", zap.Int("fd", c.fd))
			return
		}
		defer c.tie.release()
	}
	c.handleEventWithGuard(receiveTime)
}

func (c *Channel) handleEventWithGuard(receiveTime time.Time) {
	log.Logger.Debug("channel handle event", zap.Int("fd", c.fd), zap.String("revents", eventsToString(c.revents)))

	if c.revents&unix.EPOLLHUP != 0 && c.revents&unix.EPOLLIN == 0 {
		if c.closeCallback != nil {
			c.closeCallback()
		}
	}

	if c.revents&unix.EPOLLERR != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}

	if c.revents&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLRDHUP) != 0 {
		if c.readCallback != nil {
			c.readCallback(receiveTime)
		}
	}

	if c.revents&unix.EPOLLOUT != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
}

func (c *Channel) String() string {
	return eventsToString(c.events)
}

func eventsToString(ev uint32) string {
	var parts []string
	if ev&unix.EPOLLIN != 0 {
		parts = append(parts, "IN")
	}
	if ev&unix.EPOLLPRI != 0 {
		parts = append(parts, "PRI")
	}
	if ev&unix.EPOLLOUT != 0 {
		parts = append(parts, "OUT")
	}
	if ev&unix.EPOLLHUP != 0 {
		parts = append(parts, "HUP")
	}
	if ev&unix.EPOLLRDHUP != 0 {
		parts = append(parts, "RDHUP")
	}
	if ev&unix.EPOLLERR != 0 {
		parts = append(parts, "ERR")
	}
	return strings.Join(parts, " ")
}
