//go:build linux
// +build linux

package buffer

import (
	"sync"

	"golang.org/x/sys/unix"
)

const extraBufSize = 64 * 1024

// extraBufs hands out the scratch region of ReadFd. A pooled array keeps the
// 64 KiB out of every Buffer while avoiding one allocation per read.
var extraBufs = sync.Pool{
	New: func() interface{} {
		return new([extraBufSize]byte)
	},
}

// ReadFd reads from fd with a single readv into the writable tail and a
// 64 KiB scratch region, so the caller never needs to know how many bytes are
// pending on the socket. It returns -1 and the errno on failure.
func (b *Buffer) ReadFd(fd int) (int, error) {
	extra := extraBufs.Get().(*[extraBufSize]byte)
	defer extraBufs.Put(extra)

	writable := b.WritableBytes()
	iovs := [][]byte{b.buf[b.writerIndex:]}
	if writable < extraBufSize {
		iovs = append(iovs, extra[:])
	}

	n, err := unix.Readv(fd, iovs)
	if err != nil {
		return -1, err
	}
	if n <= writable {
		b.writerIndex += n
	} else {
		b.writerIndex = len(b.buf)
		b.Append(extra[:n-writable])
	}
	return n, nil
}

// WriteFd writes the readable region with one write. It does not retrieve
// the written bytes.
func (b *Buffer) WriteFd(fd int) (int, error) {
	n, err := unix.Write(fd, b.Peek())
	if err != nil {
		return -1, err
	}
	return n, nil
}
