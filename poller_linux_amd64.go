package evloop

import (
	"math"
	"os"
	"runtime"
	"syscall"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	readEvents  = unix.EPOLLPRI | unix.EPOLLIN
	writeEvents = unix.EPOLLOUT
	errorEvents = unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLRDHUP
)

const (
	blocked             = -1
	defEventsBufferSize = 128
)

type poller struct {
	fd     int
	events []unix.EpollEvent
}

func openPoller(eventsBufferSize int) (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	bufferSize := int(math.Max(float64(eventsBufferSize), defEventsBufferSize))
	return &poller{
		fd:     fd,
		events: make([]unix.EpollEvent, bufferSize),
	}, nil
}

func (p *poller) close() {
	err := os.NewSyscallError("close", unix.Close(p.fd))
	if err != nil {
		log.Error().Msgf("got error while closing epoll: %+v", err)
	}
}

// epollFlags maps a readiness interest onto the epoll event set. Error
// conditions are always watched.
func epollFlags(what What) uint32 {
	var flags uint32 = errorEvents
	if what.IsRead() {
		flags |= readEvents
	}
	if what.IsWrite() {
		flags |= writeEvents
	}
	return flags
}

// readiness maps reported epoll events back onto What. Error conditions are
// folded into the watched set so that handlers discover them through the
// failing read or write.
func readiness(events uint32, watched What) What {
	if events&errorEvents > 0 {
		return watched
	}
	what := None
	if events&readEvents > 0 {
		what = EnsureRead(what)
	}
	if events&writeEvents > 0 {
		what = EnsureWrite(what)
	}
	return what
}

func (p *poller) add(fd int, what What) error {
	if log.Debug().Enabled() {
		log.Debug().Msgf("add %v epoll for fd: %d", what, fd)
	}
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: epollFlags(what)})
	if err != nil {
		return os.NewSyscallError("epoll_ctl add", err)
	}
	return nil
}

func (p *poller) mod(fd int, what What) error {
	if log.Debug().Enabled() {
		log.Debug().Msgf("mod %v epoll for fd: %d", what, fd)
	}
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: epollFlags(what)})
	if err != nil {
		return os.NewSyscallError("epoll_ctl mod", err)
	}
	return nil
}

func (p *poller) delete(fd int) error {
	if log.Debug().Enabled() {
		log.Debug().Msgf("delete epoll for fd: %d", fd)
	}
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil {
		return os.NewSyscallError("epoll_ctl del", err)
	}
	return nil
}

// waitForEvents polls once with the given timeout and invokes callback for
// every reported descriptor.
func (p *poller) waitForEvents(msec int, callback func(fd int, events uint32)) (int, error) {
	evCount, err := epollWait(p.fd, p.events, msec)
	if evCount == 0 || (evCount < 0 && err == unix.EINTR) {
		runtime.Gosched()
		return 0, nil
	} else if err != nil {
		return 0, os.NewSyscallError("epoll_wait", err)
	}
	for i := 0; i < evCount; i++ {
		event := p.events[i]
		callback(int(event.Fd), event.Events)
	}
	return evCount, nil
}

func epollWait(epollFd int, events []unix.EpollEvent, msec int) (count int, err error) {
	var eventCount uintptr
	var eventsPointer = unsafe.Pointer(&events[0])
	if msec == 0 {
		eventCount, _, err = syscall.RawSyscall6(syscall.SYS_EPOLL_PWAIT, uintptr(epollFd), uintptr(eventsPointer), uintptr(len(events)), 0, 0, 0)
	} else {
		eventCount, _, err = syscall.Syscall6(syscall.SYS_EPOLL_PWAIT, uintptr(epollFd), uintptr(eventsPointer), uintptr(len(events)), uintptr(msec), 0, 0)
	}
	if err == syscall.Errno(0) {
		err = nil
	}
	return int(eventCount), err
}
