package evloop

import (
	"github.com/rs/zerolog/log"
)

// EventRouter publishes diagnostics events to an external system.
type EventRouter interface {
	Process(key string, event *Event) error
}

var eventRouter EventRouter

// SetEventRouter installs the process-wide diagnostics sink. Pass nil to
// disable routing.
func SetEventRouter(router EventRouter) {
	eventRouter = router
}

func publishEvent(key string, event Event) {
	if eventRouter == nil {
		return
	}
	if err := eventRouter.Process(key, &event); err != nil {
		log.Error().Msgf("can't route event %s: %+v", key, err)
	}
}
