package evloop

// EventHandler binds a descriptor to a readiness callback. Handlers are
// caller-owned and registered on at most one event loop at a time; the
// owner must unregister the handler before discarding it.
type EventHandler struct {
	fd      int
	ready   func(What)
	loop    *EventLoop
	watched What
	// internal handlers do not keep an UntilEmpty loop alive
	internal bool
}

func NewEventHandler(fd int, ready func(What)) *EventHandler {
	return &EventHandler{fd: fd, ready: ready}
}

func (h *EventHandler) Fd() int { return h.fd }

// SetFd updates the descriptor of an unregistered handler.
func (h *EventHandler) SetFd(fd int) {
	if h.Registered() {
		panic("evloop: SetFd on a registered handler")
	}
	h.fd = fd
}

// Watched returns the readiness set the handler is registered for, or None
// when unregistered.
func (h *EventHandler) Watched() What {
	if !h.Registered() {
		return None
	}
	return h.watched
}

func (h *EventHandler) Registered() bool { return h.loop != nil }

// Unregister removes the handler from its loop, if any.
func (h *EventHandler) Unregister() {
	if h.loop != nil {
		h.loop.UnregisterHandler(h)
	}
}
