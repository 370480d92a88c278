//go:build linux
// +build linux

package node

import (
	"fmt"

	"github.com/fzft/go-reactor/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Option controls how the listening socket is bound.
type Option int

const (
	NoReusePort Option = iota
	ReusePort
)

// TcpServer accepts on its loop (the main loop) and hands every connection to
// a sub-loop from its pool. The connection registry is only touched on the
// main loop's thread.
type TcpServer struct {
	loop       *EventLoop
	ipPort     string
	name       string
	acceptor   *Acceptor
	threadPool *EventLoopThreadPool

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	threadInitCallback    ThreadInitCallback

	started     atomic.Bool
	closed      atomic.Bool
	nextConnID  int
	connections map[string]*TcpConnection
}

// NewTcpServer binds listenAddr. The server does not listen until Start.
func NewTcpServer(loop *EventLoop, listenAddr InetAddress, name string, option Option) (*TcpServer, error) {
	if loop == nil {
		return nil, ErrNilLoop
	}
	acceptor, err := NewAcceptor(loop, listenAddr, option == ReusePort)
	if err != nil {
		return nil, err
	}

	s := &TcpServer{
		loop:               loop,
		ipPort:             listenAddr.ToIPPort(),
		name:               name,
		acceptor:           acceptor,
		threadPool:         NewEventLoopThreadPool(loop, name),
		connectionCallback: defaultConnectionCallback,
		messageCallback:    defaultMessageCallback,
		nextConnID:         1,
		connections:        make(map[string]*TcpConnection),
	}
	acceptor.SetNewConnectionCallback(s.newConnection)
	return s, nil
}

func (s *TcpServer) Name() string { return s.name }

// IPPort is the address the server was configured with.
func (s *TcpServer) IPPort() string { return s.ipPort }

// ListenAddress is the bound address, with the real port when bound to 0.
func (s *TcpServer) ListenAddress() InetAddress { return s.acceptor.ListenAddress() }

func (s *TcpServer) Loop() *EventLoop { return s.loop }

// SetThreadNum sets the number of sub-loops. Call it before Start.
//
//   - 0 means all I/O in the main loop, no thread will be created.
//   - N means a pool of N sub-loops, new connections assigned round-robin.
func (s *TcpServer) SetThreadNum(n int) { s.threadPool.SetThreadNum(n) }

func (s *TcpServer) SetThreadInitCallback(cb ThreadInitCallback) { s.threadInitCallback = cb }

func (s *TcpServer) SetConnectionCallback(cb ConnectionCallback) { s.connectionCallback = cb }

func (s *TcpServer) SetMessageCallback(cb MessageCallback) { s.messageCallback = cb }

func (s *TcpServer) SetWriteCompleteCallback(cb WriteCompleteCallback) {
	s.writeCompleteCallback = cb
}

// ConnectionCount must be called on the main loop's thread.
func (s *TcpServer) ConnectionCount() int {
	s.loop.assertInLoopThread()
	return len(s.connections)
}

// Start starts the pool and listens. Calling it again is harmless.
//
// Called on the main loop's thread, a listen failure is returned. Called from
// anywhere else, listening is scheduled on the main loop and a failure there
// terminates the process.
func (s *TcpServer) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.threadPool.Start(s.threadInitCallback); err != nil {
		return err
	}
	if s.loop.IsInLoopThread() {
		return s.acceptor.Listen()
	}
	s.loop.QueueInLoop(func() {
		if err := s.acceptor.Listen(); err != nil {
			log.Logger.Fatal("TcpServer listen", zap.String("server", s.name), zap.String("addr", s.ipPort), zap.Error(err))
		}
	})
	return nil
}

func (s *TcpServer) newConnection(sockfd int, peerAddr InetAddress) {
	s.loop.assertInLoopThread()
	ioLoop := s.threadPool.GetNextLoop()
	connName := fmt.Sprintf("%s-%s#%d", s.name, s.ipPort, s.nextConnID)
	s.nextConnID++

	localAddr := newSocket(sockfd).LocalAddress()
	log.Logger.Info("TcpServer new connection",
		zap.String("server", s.name), zap.String("conn", connName), zap.String("peer", peerAddr.ToIPPort()))

	conn := newTcpConnection(ioLoop, connName, sockfd, localAddr, peerAddr)
	s.connections[connName] = conn
	conn.SetConnectionCallback(s.connectionCallback)
	conn.SetMessageCallback(s.messageCallback)
	conn.SetWriteCompleteCallback(s.writeCompleteCallback)
	conn.setCloseCallback(s.removeConnection)
	ioLoop.RunInLoop(conn.connectEstablished)
}

// removeConnection runs on the connection's loop.
func (s *TcpServer) removeConnection(conn *TcpConnection) {
	s.loop.RunInLoop(func() { s.removeConnectionInLoop(conn) })
}

func (s *TcpServer) removeConnectionInLoop(conn *TcpConnection) {
	s.loop.assertInLoopThread()
	if _, ok := s.connections[conn.Name()]; !ok {
		return
	}
	log.Logger.Info("TcpServer remove connection", zap.String("server", s.name), zap.String("conn", conn.Name()))
	delete(s.connections, conn.Name())

	// Queued even on the same loop: the close callback is still running on
	// the connection's channel.
	conn.Loop().QueueInLoop(func() {
		conn.connectDestroyed()
		conn.release()
	})
}

// Close tears down every connection, stops listening and stops the pool. It
// must be called on the main loop's thread.
func (s *TcpServer) Close() error {
	s.loop.assertInLoopThread()
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	log.Logger.Info("TcpServer closing", zap.String("server", s.name), zap.Int("connections", len(s.connections)))

	for name, conn := range s.connections {
		conn := conn
		delete(s.connections, name)
		conn.Loop().RunInLoop(func() {
			conn.connectDestroyed()
			conn.release()
		})
	}

	err := s.acceptor.Close()
	s.threadPool.Stop()
	return err
}
