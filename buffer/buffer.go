package buffer

import (
	"bytes"
	"errors"
)

const (
	// CheapPrepend is the reserved header space in front of the readable bytes.
	CheapPrepend = 8
	// InitialSize is the default size of the data region.
	InitialSize = 1024
)

var crlf = []byte("\r\n")

// ErrPrependOverflow is the panic value of Prepend when the data does not fit
// in front of the readable region.
var ErrPrependOverflow = errors.New("buffer: prepend larger than prependable space")

// Buffer is a growable byte container for one direction of a socket.
//
//	+-------------------+------------------+------------------+
//	| prependable bytes |  readable bytes  |  writable bytes  |
//	|                   |     (CONTENT)    |                  |
//	+-------------------+------------------+------------------+
//	|                   |                  |                  |
//	0      <=      readerIndex   <=   writerIndex    <=     len(buf)
//
// A Buffer is not safe for concurrent use. Each TcpConnection only touches its
// buffers on its own loop thread.
type Buffer struct {
	buf         []byte
	readerIndex int
	writerIndex int
}

// NewBuffer returns a Buffer with InitialSize bytes of writable space.
func NewBuffer() *Buffer {
	return New(InitialSize)
}

// New returns a Buffer with initialSize bytes of writable space.
func New(initialSize int) *Buffer {
	if initialSize < 0 {
		initialSize = 0
	}
	return &Buffer{
		buf:         make([]byte, CheapPrepend+initialSize),
		readerIndex: CheapPrepend,
		writerIndex: CheapPrepend,
	}
}

func (b *Buffer) ReadableBytes() int {
	return b.writerIndex - b.readerIndex
}

func (b *Buffer) WritableBytes() int {
	return len(b.buf) - b.writerIndex
}

func (b *Buffer) PrependableBytes() int {
	return b.readerIndex
}

// Peek returns the readable region. The slice aliases the buffer and is only
// valid until the next mutating call.
func (b *Buffer) Peek() []byte {
	return b.buf[b.readerIndex:b.writerIndex]
}

// FindCRLF returns the offset of the first "\r\n" in the readable region, or
// -1 if there is none.
func (b *Buffer) FindCRLF() int {
	return bytes.Index(b.Peek(), crlf)
}

// Retrieve consumes n readable bytes. Consuming everything resets the buffer
// to its empty state.
func (b *Buffer) Retrieve(n int) {
	if n < b.ReadableBytes() {
		if n > 0 {
			b.readerIndex += n
		}
		return
	}
	b.RetrieveAll()
}

func (b *Buffer) RetrieveAll() {
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend
}

// RetrieveAsString consumes up to n readable bytes and returns them.
func (b *Buffer) RetrieveAsString(n int) string {
	if n > b.ReadableBytes() {
		n = b.ReadableBytes()
	}
	if n <= 0 {
		return ""
	}
	s := string(b.buf[b.readerIndex : b.readerIndex+n])
	b.Retrieve(n)
	return s
}

func (b *Buffer) RetrieveAllAsString() string {
	return b.RetrieveAsString(b.ReadableBytes())
}

// EnsureWritableBytes makes room for at least n more bytes.
func (b *Buffer) EnsureWritableBytes(n int) {
	if b.WritableBytes() < n {
		b.makeSpace(n)
	}
}

func (b *Buffer) Append(data []byte) {
	b.EnsureWritableBytes(len(data))
	copy(b.buf[b.writerIndex:], data)
	b.writerIndex += len(data)
}

func (b *Buffer) AppendString(s string) {
	b.EnsureWritableBytes(len(s))
	copy(b.buf[b.writerIndex:], s)
	b.writerIndex += len(s)
}

// BeginWrite returns the writable region. Callers that fill it must report
// the count through HasWritten.
func (b *Buffer) BeginWrite() []byte {
	return b.buf[b.writerIndex:]
}

func (b *Buffer) HasWritten(n int) {
	if n > b.WritableBytes() {
		n = b.WritableBytes()
	}
	b.writerIndex += n
}

// Prepend copies data into the space directly in front of the readable bytes.
func (b *Buffer) Prepend(data []byte) {
	if len(data) > b.PrependableBytes() {
		panic(ErrPrependOverflow)
	}
	b.readerIndex -= len(data)
	copy(b.buf[b.readerIndex:], data)
}

// makeSpace either grows the backing array to exactly fit n more bytes, or,
// when the free space in front of the readable bytes is enough, moves the
// readable bytes back to CheapPrepend.
func (b *Buffer) makeSpace(n int) {
	if b.PrependableBytes()-CheapPrepend+b.WritableBytes() < n {
		grown := make([]byte, b.writerIndex+n)
		copy(grown, b.buf[:b.writerIndex])
		b.buf = grown
		return
	}
	readable := b.ReadableBytes()
	copy(b.buf[CheapPrepend:], b.buf[b.readerIndex:b.writerIndex])
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend + readable
}
