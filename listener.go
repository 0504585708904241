package evloop

import (
	"net"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// AcceptCallback receives descriptors accepted by a ConnectionListener, on
// the loop goroutine. The descriptor is already non-blocking; the callback
// owns it.
type AcceptCallback interface {
	Accepted(fd int, peer string)
	Error(err error)
}

// ConnectionListener accepts IPv4 TCP connections on one event loop. Bind,
// Listen and the accept toggles are loop-thread only.
type ConnectionListener struct {
	loop    *EventLoop
	handler *EventHandler
	cb      AcceptCallback
	port    int
	closed  bool
}

func NewConnectionListener(loop *EventLoop, cb AcceptCallback) *ConnectionListener {
	l := &ConnectionListener{loop: loop, cb: cb}
	l.handler = NewEventHandler(-1, l.acceptReady)
	return l
}

// Bind binds to the wildcard address on the given port; port 0 picks an
// ephemeral port, readable through Port afterwards.
func (l *ConnectionListener) Bind(port int) error {
	return l.BindAddr("0.0.0.0", port)
}

// BindAddr binds to a dotted-quad IPv4 address and port.
func (l *ConnectionListener) BindAddr(ip string, port int) error {
	l.loop.checkLoopThread("ConnectionListener.BindAddr")
	if l.closed {
		return errListenerClosed
	}
	if l.handler.Fd() >= 0 {
		return errAlreadyBound
	}
	ip4 := net.ParseIP(ip).To4()
	if ip4 == nil {
		return errors.Errorf("not an IPv4 address: %s", ip)
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return os.NewSyscallError("socket", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		xclose(fd)
		return os.NewSyscallError("setsockopt", err)
	}
	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip4)
	if err := unix.Bind(fd, sa); err != nil {
		xclose(fd)
		return errors.Wrapf(os.NewSyscallError("bind", err), "can't bind to %s:%d", ip, port)
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		xclose(fd)
		return os.NewSyscallError("getsockname", err)
	}
	l.port = bound.(*unix.SockaddrInet4).Port
	l.handler.SetFd(fd)
	return nil
}

// Listen switches the bound socket into listening mode.
func (l *ConnectionListener) Listen(backlog int) error {
	l.loop.checkLoopThread("ConnectionListener.Listen")
	if l.handler.Fd() < 0 {
		return errNotBound
	}
	if err := unix.Listen(l.handler.Fd(), backlog); err != nil {
		return os.NewSyscallError("listen", err)
	}
	return nil
}

// Port returns the bound port, which is the kernel-picked one after binding
// port 0.
func (l *ConnectionListener) Port() int { return l.port }

func (l *ConnectionListener) Fd() int { return l.handler.Fd() }

// StartAccepting subscribes the listening socket to READ readiness; each
// edge drains the accept queue into the callback. Loop-thread only.
func (l *ConnectionListener) StartAccepting() error {
	l.loop.checkLoopThread("ConnectionListener.StartAccepting")
	if l.closed {
		return errListenerClosed
	}
	if l.handler.Fd() < 0 {
		return errNotBound
	}
	return l.loop.RegisterHandler(l.handler, Read)
}

// StopAccepting drops the READ subscription; the socket keeps its backlog
// until accepting resumes or the listener closes. Loop-thread only.
func (l *ConnectionListener) StopAccepting() {
	l.loop.checkLoopThread("ConnectionListener.StopAccepting")
	l.handler.Unregister()
}

// Close stops accepting and releases the socket. Further operations fail.
// Loop-thread only, safe to call more than once.
func (l *ConnectionListener) Close() {
	l.loop.checkLoopThread("ConnectionListener.Close")
	if l.closed {
		return
	}
	l.closed = true
	l.handler.Unregister()
	if fd := l.handler.Fd(); fd >= 0 {
		xclose(fd)
		l.handler.SetFd(-1)
	}
}

// acceptReady drains the accept queue. The callback may stop or close the
// listener mid-drain.
func (l *ConnectionListener) acceptReady(What) {
	for {
		fd, sa, err := unix.Accept(l.handler.Fd())
		switch err {
		case nil:
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return
		default:
			log.Error().Msgf("[%d] got error while accepting connection: %+v", l.handler.Fd(), err)
			acceptErr := os.NewSyscallError("accept", err)
			publishEvent(strconv.Itoa(l.handler.Fd()), genErrorEvent(strconv.Itoa(l.handler.Fd()), AcceptError, acceptErr, "accept failed"))
			l.cb.Error(acceptErr)
			return
		}
		if err := unix.SetNonblock(fd, true); err != nil {
			xclose(fd)
			l.cb.Error(os.NewSyscallError("setnonblock", err))
			continue
		}
		l.cb.Accepted(fd, peerString(sa))
		if l.closed || !l.handler.Registered() {
			return
		}
	}
}

func peerString(sa unix.Sockaddr) string {
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return "unknown"
	}
	return net.JoinHostPort(net.IP(in4.Addr[:]).String(), strconv.Itoa(in4.Port))
}
