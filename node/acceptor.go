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

// NewConnectionCallback receives an accepted, non-blocking fd. The callee owns
// the fd.
type NewConnectionCallback func(connFd int, peerAddr InetAddress)

// Acceptor owns the listening socket and turns its readability into accepts
// on the main loop.
type Acceptor struct {
	loop          *EventLoop
	acceptSocket  *Socket
	acceptChannel *Channel
	listening     bool

	newConnectionCallback NewConnectionCallback
}

// NewAcceptor creates and binds the listening socket. It does not listen yet.
func NewAcceptor(loop *EventLoop, listenAddr InetAddress, reusePort bool) (*Acceptor, error) {
	if loop == nil {
		return nil, ErrNilLoop
	}
	sock, err := newNonblockingSocket(listenAddr.family())
	if err != nil {
		return nil, err
	}
	sock.SetReuseAddr(true)
	sock.SetReusePort(reusePort)
	if err := sock.BindAddress(listenAddr); err != nil {
		log.Logger.Error("Failed to bind", zap.String("addr", listenAddr.ToIPPort()), zap.Error(err))
		_ = sock.Close()
		return nil, fmt.Errorf("bind %s: %w", listenAddr.ToIPPort(), err)
	}

	a := &Acceptor{
		loop:          loop,
		acceptSocket:  sock,
		acceptChannel: NewChannel(loop, sock.Fd()),
	}
	a.acceptChannel.SetReadCallback(func(time.Time) { a.handleRead() })
	return a, nil
}

func (a *Acceptor) SetNewConnectionCallback(cb NewConnectionCallback) {
	a.newConnectionCallback = cb
}

func (a *Acceptor) Listening() bool { return a.listening }

// ListenAddress is the bound address, with the kernel-chosen port when bound
// to port 0.
func (a *Acceptor) ListenAddress() InetAddress {
	return a.acceptSocket.LocalAddress()
}

// Listen starts listening and registers read interest. It runs on the loop's
// thread.
func (a *Acceptor) Listen() error {
	a.loop.assertInLoopThread()
	if err := a.acceptSocket.Listen(); err != nil {
		return err
	}
	a.listening = true
	a.acceptChannel.EnableReading()
	log.Logger.Info("Acceptor listening", zap.Int("fd", a.acceptSocket.Fd()), zap.Stringer("addr", a.ListenAddress()))
	return nil
}

// handleRead accepts exactly one connection per readiness event.
func (a *Acceptor) handleRead() {
	connFd, peerAddr, err := a.acceptSocket.Accept()
	if err == nil {
		if a.newConnectionCallback != nil {
			a.newConnectionCallback(connFd, peerAddr)
		} else {
			_ = CloseFd(connFd)
		}
		return
	}

	if IsTemporaryError(err) || errors.Is(err, unix.ECONNABORTED) {
		log.Logger.Debug("accept retry", zap.Error(err))
		return
	}
	log.Logger.Error("accept error", zap.Int("fd", a.acceptSocket.Fd()), zap.Error(err))
	if errors.Is(err, unix.EMFILE) {
		log.Logger.Error("accept: process fd limit reached", zap.Int("fd", a.acceptSocket.Fd()))
	}
}

// Close unregisters the listening channel and closes the socket. It runs on
// the loop's thread.
func (a *Acceptor) Close() error {
	a.loop.assertInLoopThread()
	if !a.acceptChannel.IsNoneEvent() {
		a.acceptChannel.DisableAll()
	}
	a.acceptChannel.Remove()
	a.listening = false
	return a.acceptSocket.Close()
}
