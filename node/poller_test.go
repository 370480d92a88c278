//go:build linux
// +build linux

package node

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// pollerUpdater routes channel updates straight into a poller, standing in
// for the loop.
type pollerUpdater struct {
	t *testing.T
	p Poller
}

func (u pollerUpdater) updateChannel(ch *Channel) { require.NoError(u.t, u.p.UpdateChannel(ch)) }

func (u pollerUpdater) removeChannel(ch *Channel) { require.NoError(u.t, u.p.RemoveChannel(ch)) }

func newPipe(t *testing.T) (r, w int) {
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestEpollPollerStateMachine(t *testing.T) {
	p, err := newEpollPoller()
	require.NoError(t, err)
	defer p.Close()

	ops := map[int]int{}
	p.ctl = func(epfd, op, fd int, event *unix.EpollEvent) error {
		ops[op]++
		return unix.EpollCtl(epfd, op, fd, event)
	}

	r, _ := newPipe(t)
	ch := NewChannel(pollerUpdater{t, p}, r)

	ch.EnableReading()
	assert.Equal(t, stateAdded, ch.Index())
	assert.Equal(t, 1, ops[unix.EPOLL_CTL_ADD])
	assert.True(t, p.HasChannel(ch))

	ch.EnableWriting()
	assert.Equal(t, 1, ops[unix.EPOLL_CTL_MOD])

	ch.DisableAll()
	assert.Equal(t, stateDeleted, ch.Index())
	assert.Equal(t, 1, ops[unix.EPOLL_CTL_DEL])
	assert.True(t, p.HasChannel(ch), "a disabled channel stays in the map")

	ch.EnableReading()
	assert.Equal(t, stateAdded, ch.Index())
	assert.Equal(t, 2, ops[unix.EPOLL_CTL_ADD])

	ch.DisableAll()
	ch.Remove()
	assert.Equal(t, 2, ops[unix.EPOLL_CTL_DEL], "remove of a deleted channel issues no syscall")
	assert.Equal(t, stateNew, ch.Index())
	assert.False(t, p.HasChannel(ch))
}

func TestEpollPollerRemoveAdded(t *testing.T) {
	p, err := newEpollPoller()
	require.NoError(t, err)
	defer p.Close()

	dels := 0
	p.ctl = func(epfd, op, fd int, event *unix.EpollEvent) error {
		if op == unix.EPOLL_CTL_DEL {
			dels++
		}
		return unix.EpollCtl(epfd, op, fd, event)
	}

	r, _ := newPipe(t)
	ch := NewChannel(pollerUpdater{t, p}, r)
	ch.EnableReading()
	ch.Remove()
	assert.Equal(t, 1, dels)
	assert.Equal(t, stateNew, ch.Index())
}

func TestEpollPollerCtlError(t *testing.T) {
	p, err := newEpollPoller()
	require.NoError(t, err)
	defer p.Close()

	ch := NewChannel(&recordingUpdater{}, 1<<20)
	ch.events = readEvent
	err = p.UpdateChannel(ch)
	require.Error(t, err)
	var sysErr *os.SyscallError
	assert.ErrorAs(t, err, &sysErr)
	assert.ErrorIs(t, err, unix.EBADF)
}

func testPollerReadiness(t *testing.T, p Poller) {
	r, w := newPipe(t)
	ch := NewChannel(pollerUpdater{t, p}, r)
	ch.EnableReading()

	var active []*Channel
	p.Poll(0, &active)
	assert.Empty(t, active)

	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)

	p.Poll(1000, &active)
	require.Len(t, active, 1)
	assert.Same(t, ch, active[0])
	assert.NotZero(t, active[0].revents&unix.EPOLLIN)

	// Level triggered: still ready until drained.
	active = active[:0]
	p.Poll(0, &active)
	assert.Len(t, active, 1)

	ch.DisableAll()
	active = active[:0]
	p.Poll(0, &active)
	assert.Empty(t, active)
	ch.Remove()
	assert.False(t, p.HasChannel(ch))
}

func TestEpollPollerReadiness(t *testing.T) {
	p, err := newEpollPoller()
	require.NoError(t, err)
	defer p.Close()
	testPollerReadiness(t, p)
}

func TestEpollPollerGrowsEventList(t *testing.T) {
	p, err := newEpollPoller()
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < initEventListSize; i++ {
		r, w := newPipe(t)
		_, err := unix.Write(w, []byte("x"))
		require.NoError(t, err)
		NewChannel(pollerUpdater{t, p}, r).EnableReading()
	}

	var active []*Channel
	p.Poll(1000, &active)
	assert.Len(t, active, initEventListSize)
	assert.Len(t, p.events, 2*initEventListSize)
}

func TestPollPollerReadiness(t *testing.T) {
	p, err := newPollPoller()
	require.NoError(t, err)
	defer p.Close()
	testPollerReadiness(t, p)
}

func TestPollPollerRemoveKeepsSlotsConsistent(t *testing.T) {
	p, err := newPollPoller()
	require.NoError(t, err)

	var chans []*Channel
	var writers []int
	for i := 0; i < 3; i++ {
		r, w := newPipe(t)
		ch := NewChannel(pollerUpdater{t, p}, r)
		ch.EnableReading()
		chans = append(chans, ch)
		writers = append(writers, w)
	}
	assert.Equal(t, []int{0, 1, 2}, []int{chans[0].Index(), chans[1].Index(), chans[2].Index()})

	chans[0].DisableAll()
	chans[0].Remove()
	assert.Equal(t, stateNew, chans[0].Index())
	assert.Equal(t, 0, chans[2].Index(), "last slot moves into the hole")
	assert.Len(t, p.pollfds, 2)

	_, err = unix.Write(writers[2], []byte("x"))
	require.NoError(t, err)
	var active []*Channel
	p.Poll(1000, &active)
	require.Len(t, active, 1)
	assert.Same(t, chans[2], active[0])
}

func TestDefaultPollerFromEnv(t *testing.T) {
	t.Setenv(UsePollEnv, "1")
	p, err := newDefaultPoller()
	require.NoError(t, err)
	defer p.Close()
	assert.IsType(t, &pollPoller{}, p)

	t.Setenv(UsePollEnv, "")
	p2, err := newDefaultPoller()
	require.NoError(t, err)
	defer p2.Close()
	assert.IsType(t, &epollPoller{}, p2)
}
