//go:build linux
// +build linux

package node

import (
	"time"

	"github.com/fzft/go-reactor/buffer"
	"github.com/fzft/go-reactor/log"
	"go.uber.org/zap"
)

// ConnectionCallback is fired when a connection is established and again when
// it goes down. Check TcpConnection.Connected to tell the two apart.
type ConnectionCallback func(conn *TcpConnection)

// MessageCallback is fired once per read event that produced data. The
// callback owns retrieval from buf.
type MessageCallback func(conn *TcpConnection, buf *buffer.Buffer, receiveTime time.Time)

// WriteCompleteCallback is fired when the output buffer fully drains.
type WriteCompleteCallback func(conn *TcpConnection)

// HighWaterMarkCallback is fired once per upward crossing of the connection's
// high-water mark.
type HighWaterMarkCallback func(conn *TcpConnection, buffered int)

// CloseCallback is the hook from a connection back to its server.
type CloseCallback func(conn *TcpConnection)

// ThreadInitCallback runs on a new loop's own thread before it starts looping.
type ThreadInitCallback func(loop *EventLoop)

// Functor is a task queued onto an EventLoop.
type Functor func()

func defaultConnectionCallback(conn *TcpConnection) {
	log.Logger.Info("connection",
		zap.String("conn", conn.Name()),
		zap.String("local", conn.LocalAddress().ToIPPort()),
		zap.String("peer", conn.PeerAddress().ToIPPort()),
		zap.Stringer("state", conn.State()))
}

func defaultMessageCallback(_ *TcpConnection, buf *buffer.Buffer, _ time.Time) {
	buf.RetrieveAll()
}
