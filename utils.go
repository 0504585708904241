package evloop

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ConnToFileDesc detaches the descriptor from a stdlib TCP connection so it
// can be driven by an event loop. The returned descriptor is a non-blocking
// duplicate; conn is closed and must not be used afterwards.
func ConnToFileDesc(conn net.Conn) (int, error) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return 0, errors.New("can't cast net.Conn to *net.TCPConn")
	}
	file, err := tcpConn.File()
	if err != nil {
		return 0, errors.Wrap(err, "can't get file from TCP conn")
	}
	fd, err := unix.Dup(int(file.Fd()))
	if err != nil {
		file.Close()
		return 0, errors.Wrap(err, "can't dup descriptor")
	}
	file.Close()
	conn.Close()
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, errors.Wrap(err, "can't set descriptor non-blocking")
	}
	return fd, nil
}
