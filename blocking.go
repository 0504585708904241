package evloop

import (
	"io"

	"github.com/pkg/errors"
)

// BlockingStream adapts a Stream to synchronous calls by driving a private
// event loop from the calling goroutine. Not safe for concurrent use.
type BlockingStream struct {
	loop    *EventLoop
	stream  *Stream
	pending Buffer
	eof     bool
}

// NewBlockingStream wraps an already-connected descriptor. The stream owns
// the descriptor and the private loop; release both with Close.
func NewBlockingStream(fd int) (*BlockingStream, error) {
	loop, err := NewEventLoop(EventLoopConfig{Name: "blocking", EventBufferSize: defEventsBufferSize})
	if err != nil {
		return nil, err
	}
	stream, err := NewStream(loop, fd)
	if err != nil {
		loop.Close()
		return nil, err
	}
	return &BlockingStream{loop: loop, stream: stream}, nil
}

type blockingWriteCb struct {
	done bool
	err  error
}

func (c *blockingWriteCb) Complete(int) { c.done = true }

func (c *blockingWriteCb) Error(err error) {
	c.done = true
	c.err = err
}

type blockingReadCb struct {
	owner *BlockingStream
	err   error
}

func (c *blockingReadCb) Available(buf *Buffer) { c.owner.pending.AppendBuffer(buf) }

func (c *blockingReadCb) Error(err error) { c.err = err }

func (c *blockingReadCb) Eof() { c.owner.eof = true }

// Write transmits all of p, blocking until the kernel has taken it.
func (b *BlockingStream) Write(p []byte) (int, error) {
	cb := &blockingWriteCb{}
	b.stream.Write(p, cb)
	b.loop.Loop(UntilEmpty)
	if !cb.done {
		return 0, errors.New("write did not complete")
	}
	if cb.err != nil {
		return 0, cb.err
	}
	return len(p), nil
}

// Read blocks until at least one byte is available, then fills p with what
// has arrived, up to len(p). Returns io.EOF once the peer has shut down and
// the buffered data is drained.
func (b *BlockingStream) Read(p []byte) (int, error) {
	if !b.pending.Empty() {
		return b.pending.Read(p)
	}
	if b.eof {
		return 0, io.EOF
	}
	cb := &blockingReadCb{owner: b}
	b.stream.StartRead(cb)
	for b.pending.Empty() && !b.eof && cb.err == nil {
		b.loop.Loop(Once)
	}
	b.stream.StopRead()
	if !b.pending.Empty() {
		return b.pending.Read(p)
	}
	if cb.err != nil {
		return 0, cb.err
	}
	return 0, io.EOF
}

// Close releases the stream, its descriptor and the private loop.
func (b *BlockingStream) Close() {
	b.stream.Close()
	b.loop.Close()
}
