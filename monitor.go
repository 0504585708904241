package evloop

import (
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// RaiseFileLimit lifts the open-file soft limit for descriptor-heavy
// deployments. Failures are logged, not fatal.
func RaiseFileLimit(limit uint64) {
	current := &unix.Rlimit{}
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, current); err != nil {
		log.Error().Msgf("error occur while getting OS limit of open files: %+v", err)
		return
	}
	if current.Cur >= limit {
		return
	}
	max := current.Max
	if max < limit {
		max = limit
	}
	err := unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: limit, Max: max})
	if err != nil {
		log.Error().Msgf("error occur while setting OS limit of open files: %+v", err)
	}
}
