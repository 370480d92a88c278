package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fzft/go-reactor/buffer"
	"github.com/fzft/go-reactor/log"
	"github.com/fzft/go-reactor/node"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ProtoInlineMaxSize bounds a line that has not seen its CRLF yet.
const ProtoInlineMaxSize = 1024 * 64

type Config struct {
	Addr          string
	Threads       int
	ReusePort     bool
	HighWaterMark int
}

// Server is a line echo server: every CRLF-terminated line is written back,
// "quit" says bye and half-closes.
type Server struct {
	cfg    Config
	loop   *node.EventLoop
	server *node.TcpServer
}

// NewServer must be called on the goroutine that will call Run; it creates
// the main loop there.
func NewServer(cfg Config) (*Server, error) {
	addr, err := node.ResolveInetAddress(cfg.Addr)
	if err != nil {
		return nil, err
	}
	loop, err := node.NewEventLoop()
	if err != nil {
		return nil, err
	}

	option := node.NoReusePort
	if cfg.ReusePort {
		option = node.ReusePort
	}
	tcpServer, err := node.NewTcpServer(loop, addr, "echo", option)
	if err != nil {
		_ = loop.Close()
		return nil, err
	}

	s := &Server{cfg: cfg, loop: loop, server: tcpServer}
	tcpServer.SetThreadNum(cfg.Threads)
	tcpServer.SetThreadInitCallback(func(l *node.EventLoop) {
		log.Logger.Debug("io loop started", zap.Stringer("loop", l))
	})
	tcpServer.SetConnectionCallback(s.onConnection)
	tcpServer.SetMessageCallback(s.onMessage)
	tcpServer.SetWriteCompleteCallback(s.onWriteComplete)
	return s, nil
}

func (s *Server) ListenAddress() node.InetAddress {
	return s.server.ListenAddress()
}

func (s *Server) Loop() *node.EventLoop {
	return s.loop
}

// Run serves until SIGINT, SIGTERM or SIGQUIT, or until the loop is quit.
func (s *Server) Run() error {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(signals)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case sig := <-signals:
			log.Logger.Info("shutting down server", zap.Stringer("signal", sig))
			s.loop.Quit()
		case <-stop:
		}
	}()

	if err := s.server.Start(); err != nil {
		return multierr.Append(err, s.close())
	}
	log.Logger.Info("listening on", zap.Stringer("addr", s.ListenAddress()), zap.Int("threads", s.cfg.Threads))

	err := s.loop.Loop()
	return multierr.Append(err, s.close())
}

func (s *Server) close() error {
	return multierr.Append(s.server.Close(), s.loop.Close())
}

func (s *Server) onConnection(conn *node.TcpConnection) {
	log.Logger.Info("connection",
		zap.String("conn", conn.Name()),
		zap.String("peer", conn.PeerAddress().ToIPPort()),
		zap.Stringer("state", conn.State()))
	if !conn.Connected() {
		return
	}
	conn.SetTcpNoDelay(true)
	if s.cfg.HighWaterMark > 0 {
		conn.SetHighWaterMarkCallback(s.onHighWaterMark, s.cfg.HighWaterMark)
	}
}

func (s *Server) onMessage(conn *node.TcpConnection, buf *buffer.Buffer, _ time.Time) {
	for {
		idx := buf.FindCRLF()
		if idx < 0 {
			break
		}
		line := buf.RetrieveAsString(idx)
		buf.Retrieve(2)

		if strings.EqualFold(line, "quit") {
			conn.SendString("bye\r\n")
			conn.Shutdown()
			buf.RetrieveAll()
			return
		}
		conn.SendString(line + "\r\n")
	}

	if buf.ReadableBytes() > ProtoInlineMaxSize {
		log.Logger.Warn("line too long, closing", zap.String("conn", conn.Name()), zap.Int("bytes", buf.ReadableBytes()))
		buf.RetrieveAll()
		conn.SendString("-ERR line too long\r\n")
		conn.Shutdown()
	}
}

// onHighWaterMark stops reading from a peer that does not read its replies.
func (s *Server) onHighWaterMark(conn *node.TcpConnection, buffered int) {
	log.Logger.Warn("output above high water mark, pausing reads",
		zap.String("conn", conn.Name()), zap.Int("buffered", buffered))
	conn.StopRead()
}

func (s *Server) onWriteComplete(conn *node.TcpConnection) {
	conn.StartRead()
}
