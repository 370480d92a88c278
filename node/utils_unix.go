//go:build linux
// +build linux

package node

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

func isFDValid(fd int) bool {
	// Try to get the flags of the file descriptor
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

// IsTemporaryError reports whether err only means the fd is not ready yet.
func IsTemporaryError(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}

// isPeerGone reports a write error after which buffering more output is
// pointless.
func isPeerGone(err error) bool {
	return errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET)
}

// CloseFd closes fd if it is still open.
func CloseFd(fd int) error {
	if fd < 0 || !isFDValid(fd) {
		return nil
	}
	return os.NewSyscallError("close", unix.Close(fd))
}
