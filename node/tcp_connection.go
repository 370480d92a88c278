//go:build linux
// +build linux

package node

import (
	"time"

	"github.com/fzft/go-reactor/buffer"
	"github.com/fzft/go-reactor/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// DefaultHighWaterMark is the buffered-output threshold a connection starts
// with.
const DefaultHighWaterMark = 64 * 1024 * 1024

// ConnState is the lifecycle state of a TcpConnection.
type ConnState int32

const (
	Connecting ConnState = iota
	Connected
	Disconnecting
	Disconnected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Disconnecting:
		return "Disconnecting"
	case Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// TcpConnection is one accepted socket bound to one sub-loop. Its buffers and
// channel are only touched on that loop's thread; Send, Shutdown and
// ForceClose may be called from anywhere.
//
// A connection is reference counted. The server's registry holds the first
// reference and every channel dispatch holds one while it runs. The socket is
// closed when the last reference is released.
type TcpConnection struct {
	loop      *EventLoop
	name      string
	state     atomic.Int32
	refs      atomic.Int32
	reading   bool
	destroyed bool

	socket    *Socket
	channel   *Channel
	localAddr InetAddress
	peerAddr  InetAddress

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	closeCallback         CloseCallback
	highWaterMark         int

	inputBuffer  *buffer.Buffer
	outputBuffer *buffer.Buffer

	context any
}

func newTcpConnection(loop *EventLoop, name string, sockfd int, localAddr, peerAddr InetAddress) *TcpConnection {
	c := &TcpConnection{
		loop:          loop,
		name:          name,
		reading:       true,
		socket:        newSocket(sockfd),
		channel:       NewChannel(loop, sockfd),
		localAddr:     localAddr,
		peerAddr:      peerAddr,
		highWaterMark: DefaultHighWaterMark,
		inputBuffer:   buffer.NewBuffer(),
		outputBuffer:  buffer.NewBuffer(),
	}
	c.state.Store(int32(Connecting))
	c.refs.Store(1)

	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)

	c.socket.SetKeepAlive(true)
	log.Logger.Debug("TcpConnection created", zap.String("conn", name), zap.Int("fd", sockfd))
	return c
}

func (c *TcpConnection) Loop() *EventLoop { return c.loop }

func (c *TcpConnection) Name() string { return c.name }

func (c *TcpConnection) LocalAddress() InetAddress { return c.localAddr }

func (c *TcpConnection) PeerAddress() InetAddress { return c.peerAddr }

func (c *TcpConnection) State() ConnState { return ConnState(c.state.Load()) }

func (c *TcpConnection) Connected() bool { return c.State() == Connected }

func (c *TcpConnection) Disconnected() bool { return c.State() == Disconnected }

func (c *TcpConnection) setState(s ConnState) { c.state.Store(int32(s)) }

func (c *TcpConnection) InputBuffer() *buffer.Buffer { return c.inputBuffer }

func (c *TcpConnection) OutputBuffer() *buffer.Buffer { return c.outputBuffer }

// SetContext attaches application state. Access it on the loop's thread.
func (c *TcpConnection) SetContext(v any) { c.context = v }

func (c *TcpConnection) Context() any { return c.context }

func (c *TcpConnection) SetConnectionCallback(cb ConnectionCallback) { c.connectionCallback = cb }

func (c *TcpConnection) SetMessageCallback(cb MessageCallback) { c.messageCallback = cb }

func (c *TcpConnection) SetWriteCompleteCallback(cb WriteCompleteCallback) {
	c.writeCompleteCallback = cb
}

// SetHighWaterMarkCallback sets cb and the threshold it fires at.
func (c *TcpConnection) SetHighWaterMarkCallback(cb HighWaterMarkCallback, highWaterMark int) {
	c.highWaterMarkCallback = cb
	c.highWaterMark = highWaterMark
}

func (c *TcpConnection) setCloseCallback(cb CloseCallback) { c.closeCallback = cb }

func (c *TcpConnection) SetTcpNoDelay(on bool) { c.socket.SetTcpNoDelay(on) }

// retain takes a reference unless the connection is already gone.
func (c *TcpConnection) retain() bool {
	for {
		n := c.refs.Load()
		if n <= 0 {
			return false
		}
		if c.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (c *TcpConnection) release() {
	if c.refs.Dec() == 0 {
		c.destroy()
	}
}

func (c *TcpConnection) destroy() {
	log.Logger.Debug("TcpConnection destroyed",
		zap.String("conn", c.name), zap.Int("fd", c.socket.Fd()), zap.Stringer("state", c.State()))
	if err := c.socket.Close(); err != nil {
		log.Logger.Error("close connection socket", zap.String("conn", c.name), zap.Error(err))
	}
}

// Send queues data for the peer. The bytes are copied when the call has to
// hop to the connection's loop.
func (c *TcpConnection) Send(data []byte) {
	if c.State() != Connected {
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(data)
		return
	}
	buf := append([]byte(nil), data...)
	c.loop.RunInLoop(func() { c.sendInLoop(buf) })
}

func (c *TcpConnection) SendString(s string) {
	if c.State() != Connected {
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop([]byte(s))
		return
	}
	c.loop.RunInLoop(func() { c.sendInLoop([]byte(s)) })
}

// SendBuffer sends and retrieves everything readable in buf.
func (c *TcpConnection) SendBuffer(buf *buffer.Buffer) {
	if c.State() != Connected {
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(buf.Peek())
		buf.RetrieveAll()
		return
	}
	data := []byte(buf.RetrieveAllAsString())
	c.loop.RunInLoop(func() { c.sendInLoop(data) })
}

func (c *TcpConnection) sendInLoop(data []byte) {
	if c.State() == Disconnected {
		log.Logger.Warn("disconnected, give up writing", zap.String("conn", c.name), zap.Int("bytes", len(data)))
		return
	}

	nwrote := 0
	remaining := len(data)
	faultError := false

	if !c.channel.IsWriting() && c.outputBuffer.ReadableBytes() == 0 {
		n, err := unix.Write(c.channel.Fd(), data)
		if err == nil {
			nwrote = n
			remaining -= n
			if remaining == 0 && c.writeCompleteCallback != nil {
				c.loop.QueueInLoop(func() { c.writeCompleteCallback(c) })
			}
		} else if !IsTemporaryError(err) {
			log.Logger.Error("TcpConnection sendInLoop", zap.String("conn", c.name), zap.Error(err))
			if isPeerGone(err) {
				faultError = true
			}
		}
	}

	if faultError || remaining == 0 {
		return
	}

	oldLen := c.outputBuffer.ReadableBytes()
	newLen := oldLen + remaining
	if newLen >= c.highWaterMark && oldLen < c.highWaterMark && c.highWaterMarkCallback != nil {
		c.loop.QueueInLoop(func() { c.highWaterMarkCallback(c, newLen) })
	}
	c.outputBuffer.Append(data[nwrote:])
	if !c.channel.IsWriting() {
		c.channel.EnableWriting()
	}
}

// Shutdown half-closes the write side once pending output has drained.
func (c *TcpConnection) Shutdown() {
	if c.state.CompareAndSwap(int32(Connected), int32(Disconnecting)) {
		c.loop.RunInLoop(c.shutdownInLoop)
	}
}

func (c *TcpConnection) shutdownInLoop() {
	if !c.channel.IsWriting() {
		c.socket.ShutdownWrite()
	}
}

// ForceClose closes the connection without waiting for pending output.
func (c *TcpConnection) ForceClose() {
	s := c.State()
	if s == Connected || s == Disconnecting {
		c.setState(Disconnecting)
		c.loop.QueueInLoop(c.forceCloseInLoop)
	}
}

func (c *TcpConnection) forceCloseInLoop() {
	s := c.State()
	if s == Connected || s == Disconnecting {
		c.handleClose()
	}
}

// StartRead and StopRead toggle read interest, for flow control.
func (c *TcpConnection) StartRead() {
	c.loop.RunInLoop(func() {
		if c.State() == Disconnected {
			return
		}
		if !c.reading || !c.channel.IsReading() {
			c.channel.EnableReading()
			c.reading = true
		}
	})
}

func (c *TcpConnection) StopRead() {
	c.loop.RunInLoop(func() {
		if c.reading || c.channel.IsReading() {
			c.channel.DisableReading()
			c.reading = false
		}
	})
}

// connectEstablished runs on the connection's loop once, right after the
// server registered it.
func (c *TcpConnection) connectEstablished() {
	c.loop.assertInLoopThread()
	c.setState(Connected)
	c.channel.Tie(c)
	c.channel.EnableReading()
	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
}

// connectDestroyed is the only place the channel leaves the poller.
func (c *TcpConnection) connectDestroyed() {
	c.loop.assertInLoopThread()
	if c.destroyed {
		return
	}
	c.destroyed = true

	if s := c.State(); s == Connected || s == Disconnecting {
		c.setState(Disconnected)
		c.channel.DisableAll()
		if c.connectionCallback != nil {
			c.connectionCallback(c)
		}
	}
	c.channel.Remove()
}

func (c *TcpConnection) handleRead(receiveTime time.Time) {
	n, err := c.inputBuffer.ReadFd(c.channel.Fd())
	switch {
	case n > 0:
		if c.messageCallback != nil {
			c.messageCallback(c, c.inputBuffer, receiveTime)
		} else {
			c.inputBuffer.RetrieveAll()
		}
	case n == 0:
		c.handleClose()
	default:
		if IsTemporaryError(err) {
			return
		}
		log.Logger.Error("TcpConnection handleRead", zap.String("conn", c.name), zap.Error(err))
		c.handleError()
	}
}

func (c *TcpConnection) handleWrite() {
	if !c.channel.IsWriting() {
		log.Logger.Debug("connection is down, no more writing", zap.String("conn", c.name), zap.Int("fd", c.channel.Fd()))
		return
	}

	n, err := c.outputBuffer.WriteFd(c.channel.Fd())
	if n > 0 {
		c.outputBuffer.Retrieve(n)
		if c.outputBuffer.ReadableBytes() == 0 {
			c.channel.DisableWriting()
			if c.writeCompleteCallback != nil {
				c.loop.QueueInLoop(func() { c.writeCompleteCallback(c) })
			}
			if c.State() == Disconnecting {
				c.shutdownInLoop()
			}
		}
		return
	}
	if err == nil || IsTemporaryError(err) {
		return
	}
	log.Logger.Error("TcpConnection handleWrite", zap.String("conn", c.name), zap.Error(err))
	if isPeerGone(err) {
		c.outputBuffer.RetrieveAll()
		c.handleClose()
	}
}

// handleClose is where every termination path converges. It runs at most
// once per connection.
func (c *TcpConnection) handleClose() {
	s := c.State()
	if s == Disconnected {
		return
	}
	log.Logger.Info("TcpConnection handleClose",
		zap.String("conn", c.name), zap.Int("fd", c.channel.Fd()), zap.Stringer("state", s))

	c.setState(Disconnected)
	c.channel.DisableAll()

	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
	if c.closeCallback != nil {
		c.closeCallback(c)
	}
}

func (c *TcpConnection) handleError() {
	err := c.socket.SocketError()
	log.Logger.Error("TcpConnection handleError", zap.String("conn", c.name), zap.NamedError("SO_ERROR", err))
}
