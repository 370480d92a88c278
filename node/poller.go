//go:build linux
// +build linux

package node

import (
	"os"
	"time"
)

// Registration states of a Channel in the epoll backend, kept in Channel.index.
const (
	stateNew     = -1
	stateAdded   = 1
	stateDeleted = 2
)

// UsePollEnv selects the poll(2) backend when set to any non-empty value.
const UsePollEnv = "REACTOR_USE_POLL"

// Poller is the readiness multiplexer behind one EventLoop. It keeps a
// non-owning fd -> Channel map. Every method must be called on the loop's
// thread.
type Poller interface {
	// Poll waits up to timeoutMs, appends ready channels to activeChannels in
	// the order the kernel reported them and returns the time the wait ended.
	Poll(timeoutMs int, activeChannels *[]*Channel) time.Time
	UpdateChannel(ch *Channel) error
	RemoveChannel(ch *Channel) error
	HasChannel(ch *Channel) bool
	Close() error
}

// newDefaultPoller picks the backend once per loop.
func newDefaultPoller() (Poller, error) {
	if os.Getenv(UsePollEnv) != "" {
		return newPollPoller()
	}
	return newEpollPoller()
}
