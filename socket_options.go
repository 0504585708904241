package evloop

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// ApplySocketOptions applies the configured options to an accepted
// descriptor. Option failures are logged and skipped; a connection is
// usable without them.
func ApplySocketOptions(fd int, opts SocketOptions) {
	if opts.RcvBuf > 0 {
		err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, opts.RcvBuf)
		if err != nil {
			log.Error().Msgf("got error while setting socket options SO_RCVBUF: %+v", err)
		}
	}
	if opts.SndBuf > 0 {
		err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, opts.SndBuf)
		if err != nil {
			log.Error().Msgf("got error while setting socket options SO_SNDBUF: %+v", err)
		}
	}
	if opts.NoDelay {
		err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		if err != nil {
			log.Error().Msgf("got error while setting socket options TCP_NODELAY: %+v", err)
		}
	}
	if opts.KeepAlive {
		err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)
		if err != nil {
			log.Error().Msgf("got error while setting socket options SO_KEEPALIVE: %+v", err)
		}
	}
}
