//go:build linux
// +build linux

package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

type recordingUpdater struct {
	updates int
	removes int
}

func (u *recordingUpdater) updateChannel(*Channel) { u.updates++ }

func (u *recordingUpdater) removeChannel(*Channel) { u.removes++ }

type countedOwner struct {
	refs     int
	released int
}

func (o *countedOwner) retain() bool {
	if o.refs <= 0 {
		return false
	}
	o.refs++
	return true
}

func (o *countedOwner) release() {
	o.refs--
	o.released++
}

func recordingChannel(calls *[]string) *Channel {
	ch := NewChannel(&recordingUpdater{}, 3)
	ch.SetReadCallback(func(time.Time) { *calls = append(*calls, "read") })
	ch.SetWriteCallback(func() { *calls = append(*calls, "write") })
	ch.SetCloseCallback(func() { *calls = append(*calls, "close") })
	ch.SetErrorCallback(func() { *calls = append(*calls, "error") })
	return ch
}

func TestChannelDispatchOrder(t *testing.T) {
	tests := []struct {
		name    string
		revents uint32
		want    []string
	}{
		{"readable", unix.EPOLLIN, []string{"read"}},
		{"urgent", unix.EPOLLPRI, []string{"read"}},
		{"peer half closed", unix.EPOLLRDHUP, []string{"read"}},
		{"writable", unix.EPOLLOUT, []string{"write"}},
		{"hangup only", unix.EPOLLHUP, []string{"close"}},
		{"hangup with output", unix.EPOLLHUP | unix.EPOLLOUT, []string{"close", "write"}},
		{"hangup with error", unix.EPOLLHUP | unix.EPOLLERR, []string{"close", "error"}},
		{"hangup with pending input", unix.EPOLLHUP | unix.EPOLLIN, []string{"read"}},
		{"error then read", unix.EPOLLERR | unix.EPOLLIN, []string{"error", "read"}},
		{"all but hangup", unix.EPOLLERR | unix.EPOLLIN | unix.EPOLLOUT, []string{"error", "read", "write"}},
		{"read then write", unix.EPOLLIN | unix.EPOLLOUT, []string{"read", "write"}},
		{"nothing", 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls []string
			ch := recordingChannel(&calls)
			ch.setRevents(tt.revents)
			ch.HandleEvent(time.Now())
			assert.Equal(t, tt.want, calls)
		})
	}
}

func TestChannelMissingCallbacks(t *testing.T) {
	ch := NewChannel(&recordingUpdater{}, 3)
	ch.setRevents(unix.EPOLLERR | unix.EPOLLIN | unix.EPOLLOUT)
	assert.NotPanics(t, func() { ch.HandleEvent(time.Now()) })
	ch.setRevents(unix.EPOLLHUP)
	assert.NotPanics(t, func() { ch.HandleEvent(time.Now()) })
}

func TestChannelInterest(t *testing.T) {
	u := &recordingUpdater{}
	ch := NewChannel(u, 7)
	assert.Equal(t, stateNew, ch.Index())
	assert.True(t, ch.IsNoneEvent())

	ch.EnableReading()
	assert.True(t, ch.IsReading())
	assert.False(t, ch.IsWriting())
	ch.EnableWriting()
	assert.True(t, ch.IsWriting())
	assert.Equal(t, "IN PRI OUT", ch.String())

	ch.DisableWriting()
	assert.False(t, ch.IsWriting())
	ch.DisableReading()
	assert.True(t, ch.IsNoneEvent())
	ch.EnableReading()
	ch.DisableAll()
	assert.True(t, ch.IsNoneEvent())
	assert.Equal(t, 6, u.updates)

	ch.Remove()
	assert.Equal(t, 1, u.removes)
}

func TestChannelTie(t *testing.T) {
	var calls []string
	ch := recordingChannel(&calls)
	owner := &countedOwner{refs: 1}
	ch.Tie(owner)

	ch.setRevents(unix.EPOLLIN)
	ch.HandleEvent(time.Now())
	assert.Equal(t, []string{"read"}, calls)
	assert.Equal(t, 1, owner.refs)
	assert.Equal(t, 1, owner.released)

	owner.release()
	ch.HandleEvent(time.Now())
	assert.Equal(t, []string{"read"}, calls, "no dispatch after the owner is gone")
}
