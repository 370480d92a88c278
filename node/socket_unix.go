//go:build linux
// +build linux

package node

import (
	"os"

	"github.com/fzft/go-reactor/log"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const listenBacklog = 1024

// Socket owns a socket fd and closes it on Close.
type Socket struct {
	fd int
}

// newNonblockingSocket creates a non-blocking, close-on-exec TCP socket.
func newNonblockingSocket(family int) (*Socket, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		log.Logger.Error("Failed to create socket", zap.Error(err))
		return nil, os.NewSyscallError("socket", err)
	}
	return &Socket{fd: fd}, nil
}

func newSocket(fd int) *Socket {
	return &Socket{fd: fd}
}

func (s *Socket) Fd() int { return s.fd }

func (s *Socket) BindAddress(addr InetAddress) error {
	return os.NewSyscallError("bind", unix.Bind(s.fd, addr.sockaddr()))
}

func (s *Socket) Listen() error {
	return os.NewSyscallError("listen", unix.Listen(s.fd, listenBacklog))
}

// Accept returns a non-blocking, close-on-exec connection fd and the peer.
func (s *Socket) Accept() (int, InetAddress, error) {
	connFd, sa, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, InetAddress{}, err
	}
	return connFd, inetAddressFromSockaddr(sa), nil
}

func (s *Socket) ShutdownWrite() {
	if err := unix.Shutdown(s.fd, unix.SHUT_WR); err != nil {
		log.Logger.Error("shutdown write failed", zap.Int("fd", s.fd), zap.Error(err))
	}
}

func (s *Socket) SetTcpNoDelay(on bool) {
	s.setOpt(unix.IPPROTO_TCP, unix.TCP_NODELAY, on, "TCP_NODELAY")
}

func (s *Socket) SetReuseAddr(on bool) {
	s.setOpt(unix.SOL_SOCKET, unix.SO_REUSEADDR, on, "SO_REUSEADDR")
}

func (s *Socket) SetReusePort(on bool) {
	s.setOpt(unix.SOL_SOCKET, unix.SO_REUSEPORT, on, "SO_REUSEPORT")
}

func (s *Socket) SetKeepAlive(on bool) {
	s.setOpt(unix.SOL_SOCKET, unix.SO_KEEPALIVE, on, "SO_KEEPALIVE")
}

func (s *Socket) setOpt(level, opt int, on bool, name string) {
	v := 0
	if on {
		v = 1
	}
	if err := unix.SetsockoptInt(s.fd, level, opt, v); err != nil {
		log.Logger.Error("setsockopt failed", zap.String("opt", name), zap.Int("fd", s.fd), zap.Error(err))
	}
}

func (s *Socket) LocalAddress() InetAddress {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		log.Logger.Error("getsockname failed", zap.Int("fd", s.fd), zap.Error(err))
		return InetAddress{}
	}
	return inetAddressFromSockaddr(sa)
}

// SocketError returns the pending SO_ERROR of the socket.
func (s *Socket) SocketError() error {
	v, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v == 0 {
		return nil
	}
	return unix.Errno(v)
}

func (s *Socket) Close() error {
	return CloseFd(s.fd)
}
