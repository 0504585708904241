package evloop

import (
	"time"
)

const (
	LoopStarted  = 100
	LoopStopped  = 101
	StreamOpened = 200
	StreamClosed = 201
	StreamError  = 500
	AcceptError  = 501
	ConnectError = 502
)

// Event is a diagnostics record routed to the configured EventRouter.
type Event struct {
	Id        string                 `json:"id"`
	Timestamp int64                  `json:"timestamp"`
	Type      int                    `json:"type"`
	MetaData  map[string]interface{} `json:"metaData,omitempty"`
	Tags      []string               `json:"tags,omitempty"`
	Err       string                 `json:"error,omitempty"`
	Msg       string                 `json:"msg,omitempty"`
}

func genLifecycleEvent(id string, eventType int, msg string) Event {
	return Event{
		Id:        id,
		Timestamp: time.Now().UnixMilli(),
		Type:      eventType,
		Msg:       msg,
	}
}

func genErrorEvent(id string, eventType int, err error, msg string) Event {
	event := Event{
		Id:        id,
		Timestamp: time.Now().UnixMilli(),
		Type:      eventType,
		Msg:       msg,
	}
	if err != nil {
		event.Err = err.Error()
	}
	return event
}
