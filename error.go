package evloop

import "errors"

var (
	errStreamClosed   = errors.New("stream is closed")
	errListenerClosed = errors.New("listener is closed")
	errNotBound       = errors.New("listener is not bound")
	errAlreadyBound   = errors.New("listener is already bound")
	errHasDescriptor  = errors.New("stream already has a descriptor")
)
