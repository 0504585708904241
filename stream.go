package evloop

import (
	"net"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// maxWriteIovs bounds a single writev batch.
const maxWriteIovs = 1024

const readChunkSize = 4096

// WriteCallback is notified once per Write call, on the loop goroutine.
type WriteCallback interface {
	Complete(written int)
	Error(err error)
}

// ReadCallback receives inbound bytes and terminal read conditions, on the
// loop goroutine. Available owns the buffer content until it returns or
// consumes it.
type ReadCallback interface {
	Available(buf *Buffer)
	Error(err error)
	Eof()
}

// ConnectCallback is notified exactly once about the outcome of Connect.
type ConnectCallback interface {
	Complete()
	Error(err error)
}

type writeRequest struct {
	cb      WriteCallback
	size    int
	flushed int
	next    *writeRequest
}

// Stream is a full-duplex non-blocking TCP stream bound to one event loop.
// All methods are loop-thread only; completion, read and connect callbacks
// fire on the loop goroutine.
type Stream struct {
	loop    *EventLoop
	handler *EventHandler

	outbound Buffer
	reqHead  *writeRequest
	reqTail  *writeRequest

	inbound Buffer
	readBuf []byte
	readCb  ReadCallback

	connectCb ConnectCallback

	closed bool

	sent     *atomic.Uint64
	received *atomic.Uint64
}

// NewStream wraps an already-connected descriptor. The descriptor is
// switched to non-blocking mode; the stream owns it from here on.
func NewStream(loop *EventLoop, fd int) (*Stream, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, os.NewSyscallError("setnonblock", err)
	}
	s := newStream(loop)
	s.handler.SetFd(fd)
	publishEvent(s.id(), genLifecycleEvent(s.id(), StreamOpened, "stream opened"))
	return s, nil
}

// NewClientStream creates an unconnected stream; use Connect to establish
// the session.
func NewClientStream(loop *EventLoop) *Stream {
	s := newStream(loop)
	s.handler.SetFd(-1)
	return s
}

func newStream(loop *EventLoop) *Stream {
	s := &Stream{
		loop:     loop,
		readBuf:  make([]byte, readChunkSize),
		sent:     atomic.NewUint64(0),
		received: atomic.NewUint64(0),
	}
	s.handler = NewEventHandler(-1, s.onReady)
	return s
}

func (s *Stream) Fd() int { return s.handler.Fd() }

// Sent returns the total byte count flushed to the socket.
func (s *Stream) Sent() uint64 { return s.sent.Load() }

// Received returns the total byte count read from the socket.
func (s *Stream) Received() uint64 { return s.received.Load() }

// Write queues p for transmission and arms WRITE readiness. The callback
// fires once the bytes of this call have been handed to the kernel, in
// submission order. Loop-thread only.
func (s *Stream) Write(p []byte, cb WriteCallback) {
	s.loop.checkLoopThread("Stream.Write")
	if s.closed {
		return
	}
	s.outbound.Append(p)
	s.pushRequest(&writeRequest{cb: cb, size: len(p)})
}

// WriteBuffer moves the content of buf into the outbound queue without
// copying payload bytes; buf is empty on return. Loop-thread only.
func (s *Stream) WriteBuffer(buf *Buffer, cb WriteCallback) {
	s.loop.checkLoopThread("Stream.WriteBuffer")
	if s.closed {
		return
	}
	size := buf.Size()
	s.outbound.AppendBuffer(buf)
	s.pushRequest(&writeRequest{cb: cb, size: size})
}

func (s *Stream) pushRequest(req *writeRequest) {
	if s.reqTail == nil {
		s.reqHead = req
	} else {
		s.reqTail.next = req
	}
	s.reqTail = req
	if err := s.loop.RegisterHandler(s.handler, EnsureWrite(s.handler.Watched())); err != nil {
		log.Error().Msgf("[%d] can't arm write readiness: %+v", s.handler.Fd(), err)
		s.failWrites(err)
	}
}

// StartRead subscribes the stream to READ readiness and delivers inbound
// bytes to cb. Loop-thread only.
func (s *Stream) StartRead(cb ReadCallback) {
	s.loop.checkLoopThread("Stream.StartRead")
	if s.closed {
		return
	}
	s.readCb = cb
	if err := s.loop.RegisterHandler(s.handler, EnsureRead(s.handler.Watched())); err != nil {
		log.Error().Msgf("[%d] can't arm read readiness: %+v", s.handler.Fd(), err)
		cb.Error(err)
	}
}

// StopRead drops the READ subscription; queued writes keep flowing.
// Loop-thread only.
func (s *Stream) StopRead() {
	s.loop.checkLoopThread("Stream.StopRead")
	if s.closed {
		return
	}
	s.readCb = nil
	if !s.handler.Watched().IsRead() {
		return
	}
	if err := s.loop.RegisterHandler(s.handler, RemoveRead(s.handler.Watched())); err != nil {
		log.Error().Msgf("[%d] can't drop read readiness: %+v", s.handler.Fd(), err)
	}
}

// Connect starts a non-blocking connect to addr (host:port, IPv4). The
// callback fires on the loop goroutine once the handshake resolves.
// Loop-thread only.
func (s *Stream) Connect(addr string, cb ConnectCallback) {
	s.loop.checkLoopThread("Stream.Connect")
	if s.closed {
		cb.Error(errStreamClosed)
		return
	}
	if s.handler.Fd() >= 0 {
		cb.Error(errHasDescriptor)
		return
	}
	sa, err := resolveSockaddr(addr)
	if err != nil {
		cb.Error(err)
		return
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		cb.Error(os.NewSyscallError("socket", err))
		return
	}
	err = unix.Connect(fd, sa)
	switch err {
	case nil:
		s.handler.SetFd(fd)
		publishEvent(s.id(), genLifecycleEvent(s.id(), StreamOpened, "stream connected"))
		cb.Complete()
	case unix.EINPROGRESS:
		s.handler.SetFd(fd)
		s.connectCb = cb
		if err := s.loop.RegisterHandler(s.handler, Write); err != nil {
			log.Error().Msgf("[%d] can't watch connect progress: %+v", fd, err)
			s.connectCb = nil
			s.handler.SetFd(-1)
			xclose(fd)
			cb.Error(err)
		}
	default:
		xclose(fd)
		cb.Error(os.NewSyscallError("connect", err))
	}
}

// resolveSockaddr parses a dotted-quad host:port pair. Name resolution is
// out of scope here; dial by name with the standard library and wrap the
// descriptor instead.
func resolveSockaddr(addr string) (unix.Sockaddr, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "can't parse address %s", addr)
	}
	ip4 := net.ParseIP(host).To4()
	if ip4 == nil {
		return nil, errors.Errorf("not an IPv4 address: %s", host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return nil, errors.Errorf("bad port in address %s", addr)
	}
	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip4)
	return sa, nil
}

// Close tears the stream down: pending connect and write callbacks get an
// error, an active reader gets Eof, the descriptor is closed. Further
// operations are no-ops. Loop-thread only, safe to call more than once.
func (s *Stream) Close() {
	s.loop.checkLoopThread("Stream.Close")
	if s.closed {
		return
	}
	s.closed = true
	publishEvent(s.id(), genLifecycleEvent(s.id(), StreamClosed, "stream closed"))
	s.handler.Unregister()

	if cb := s.connectCb; cb != nil {
		s.connectCb = nil
		cb.Error(errors.New("stream closed during connect"))
	}
	s.failWrites(errors.New("stream closed with pending writes"))
	if cb := s.readCb; cb != nil {
		s.readCb = nil
		cb.Eof()
	}

	if fd := s.handler.Fd(); fd >= 0 {
		xclose(fd)
		s.handler.SetFd(-1)
	}
	s.outbound.Drain(s.outbound.Size())
	s.inbound.Drain(s.inbound.Size())
}

func (s *Stream) failWrites(err error) {
	if s.reqHead != nil {
		publishEvent(s.id(), genErrorEvent(s.id(), StreamError, err, "write queue failed"))
	}
	for req := s.reqHead; req != nil; req = req.next {
		if req.cb != nil {
			req.cb.Error(err)
		}
	}
	s.reqHead = nil
	s.reqTail = nil
}

func (s *Stream) id() string {
	return strconv.Itoa(s.handler.Fd())
}

func (s *Stream) onReady(what What) {
	if s.connectCb != nil && what.IsWrite() {
		s.finishConnect()
		return
	}
	if what.IsRead() {
		s.readReady()
		if s.closed {
			return
		}
	}
	if what.IsWrite() {
		s.flushWrites()
	}
}

// finishConnect resolves a pending non-blocking connect on the first WRITE
// edge after EINPROGRESS.
func (s *Stream) finishConnect() {
	cb := s.connectCb
	s.connectCb = nil
	fd := s.handler.Fd()

	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err == nil && soErr != 0 {
		err = unix.Errno(soErr)
	}
	if err != nil {
		s.handler.Unregister()
		s.handler.SetFd(-1)
		xclose(fd)
		connErr := os.NewSyscallError("connect", err)
		publishEvent(s.id(), genErrorEvent(s.id(), ConnectError, connErr, "connect failed"))
		cb.Error(connErr)
		return
	}
	// The WRITE subscription belonged to the handshake; keep it only if
	// writes queued up while connecting.
	want := None
	if s.reqHead != nil {
		want = Write
	}
	if s.readCb != nil {
		want = EnsureRead(want)
	}
	if err := s.loop.RegisterHandler(s.handler, want); err != nil {
		log.Error().Msgf("[%d] can't fix readiness set after connect: %+v", fd, err)
	}
	publishEvent(s.id(), genLifecycleEvent(s.id(), StreamOpened, "stream connected"))
	cb.Complete()
}

// readReady drains the socket into the inbound buffer and hands it to the
// read callback. The callback may close or reconfigure the stream; every
// iteration re-checks the stream state.
func (s *Stream) readReady() {
	for {
		n, err := xread(s.handler.Fd(), s.readBuf)
		if n > 0 {
			s.received.Add(uint64(n))
			s.inbound.Append(s.readBuf[:n])
		}
		switch {
		case err == unix.EAGAIN:
			s.deliverRead()
			return
		case err != nil:
			s.deliverRead()
			if cb := s.readCb; cb != nil && !s.closed {
				cb.Error(os.NewSyscallError("read", err))
			}
			return
		case n == 0:
			s.deliverRead()
			if cb := s.readCb; cb != nil && !s.closed {
				s.readCb = nil
				cb.Eof()
			}
			return
		}
		if s.closed || s.readCb == nil {
			return
		}
	}
}

func (s *Stream) deliverRead() {
	if s.inbound.Empty() {
		return
	}
	if cb := s.readCb; cb != nil && !s.closed {
		cb.Available(&s.inbound)
	}
}

// flushWrites pushes the outbound queue to the socket with writev,
// completing requests whose bytes have fully left the buffer. When the
// last request completes the WRITE subscription is dropped before its
// callback runs, because the callback may release the stream.
func (s *Stream) flushWrites() {
	for s.reqHead != nil {
		if !s.outbound.Empty() {
			iovs := s.outbound.PeekExtents(s.outbound.Size())
			if len(iovs) > maxWriteIovs {
				iovs = iovs[:maxWriteIovs]
			}
			want := 0
			for _, iov := range iovs {
				want += len(iov)
			}
			n, err := xwritev(s.handler.Fd(), iovs)
			if n > 0 {
				s.sent.Add(uint64(n))
				s.outbound.Drain(n)
				s.completeFlushed(n)
				if s.closed {
					return
				}
				if n < want {
					// Short write: the socket buffer is full, wait for the
					// next WRITE edge.
					return
				}
				continue
			}
			if err == unix.EAGAIN {
				return
			}
			s.disarmWrite()
			s.failWrites(os.NewSyscallError("writev", err))
			return
		}
		// Zero-length request: nothing to transmit, complete it outright.
		s.completeFlushed(0)
		if s.closed {
			return
		}
	}
	s.disarmWrite()
}

// completeFlushed fires callbacks for every queued request fully covered
// by the n bytes just written (or a zero-length head request).
func (s *Stream) completeFlushed(n int) {
	for s.reqHead != nil && s.reqHead.size-s.reqHead.flushed <= n {
		req := s.reqHead
		n -= req.size - req.flushed
		s.reqHead = req.next
		if s.reqHead == nil {
			s.reqTail = nil
			s.disarmWrite()
		}
		if req.cb != nil {
			req.cb.Complete(req.size)
		}
		if s.closed {
			return
		}
		if n == 0 && (s.reqHead == nil || s.reqHead.size > 0) {
			return
		}
	}
	if s.reqHead != nil {
		s.reqHead.flushed += n
	}
}

func (s *Stream) disarmWrite() {
	if !s.handler.Watched().IsWrite() {
		return
	}
	if err := s.loop.RegisterHandler(s.handler, RemoveWrite(s.handler.Watched())); err != nil {
		log.Error().Msgf("[%d] can't drop write readiness: %+v", s.handler.Fd(), err)
	}
}
