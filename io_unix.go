package evloop

import (
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// Thin shim over the raw I/O syscalls. EINTR is retried here; EAGAIN is
// returned to the caller, which waits for the next readiness edge.

func xread(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

func xwrite(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Write(fd, p)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

func xwritev(fd int, iovs [][]byte) (int, error) {
	for {
		n, err := unix.Writev(fd, iovs)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

func xclose(fd int) {
	err := os.NewSyscallError("close", unix.Close(fd))
	if err != nil {
		log.Error().Msgf("[%d] got error while closing fd: %+v", fd, err)
	}
}
