package node

import "errors"

var (
	ErrLoopExists      = errors.New("node: another EventLoop exists in this thread")
	ErrNotInLoopThread = errors.New("node: not in the EventLoop's thread")
	ErrLoopRunning     = errors.New("node: EventLoop still looping")
	ErrLoopClosed      = errors.New("node: EventLoop closed")
	ErrPoolStarted     = errors.New("node: EventLoopThreadPool already started")
	ErrThreadStarted   = errors.New("node: EventLoopThread already started")
	ErrNilLoop         = errors.New("node: nil EventLoop")
)
