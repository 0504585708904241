package evloop

import (
	"container/heap"
	"encoding/binary"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// LoopMode selects how long Loop runs.
type LoopMode int

const (
	// Once runs a single pass: it waits in the poller until at least one
	// event, wakeup or timer deadline arrives, processes it and returns.
	Once LoopMode = iota
	// UntilEmpty runs the loop until no non-internal handlers or timers
	// remain registered.
	UntilEmpty
	// Forever runs the loop until Stop.
	Forever
)

// guardTimerPeriod keeps Forever loops alive on pollers that would
// otherwise exit with nothing registered.
const guardTimerPeriod = time.Hour

type EventLoopConfig struct {
	Name            string
	EventBufferSize int
}

// EventLoop drives readiness dispatch, one-shot timers and a cross-thread
// task-injection queue from a single goroutine. The driving goroutine locks
// its OS thread for the duration of Loop, so the kernel thread id doubles
// as the loop identity.
type EventLoop struct {
	name     string
	poller   *poller
	tasks    *taskQueue
	timers   timerHeap
	handlers map[int]*EventHandler

	// non-internal registration counts, consulted by UntilEmpty
	externalHandlers int
	externalTimers   int

	wakeFd      int
	wakeHandler *EventHandler
	wakeBuf     [8]byte

	isRunning *atomic.Bool
	terminate *atomic.Bool
	loopTid   *atomic.Int64

	await struct {
		sync.Mutex
		cond     *sync.Cond
		finished bool
	}
}

func NewEventLoop(config EventLoopConfig) (*EventLoop, error) {
	if log.Debug().Enabled() {
		log.Debug().Msgf("init event loop:%+v", config)
	} else {
		log.Info().Msgf("init event loop:%s", config.Name)
	}

	poller, err := openPoller(config.EventBufferSize)
	if err != nil {
		log.Error().Msgf("can't open poller: %+v", err)
		return nil, err
	}
	el := &EventLoop{
		name:      config.Name,
		poller:    poller,
		tasks:     newTaskQueue(),
		handlers:  make(map[int]*EventHandler),
		isRunning: atomic.NewBool(false),
		terminate: atomic.NewBool(false),
		loopTid:   atomic.NewInt64(0),
	}
	el.await.cond = sync.NewCond(&el.await.Mutex)
	el.await.finished = true
	if err := el.initWakeup(); err != nil {
		poller.close()
		return nil, err
	}
	return el, nil
}

// initWakeup installs the eventfd that producers kick after pushing into an
// empty injection queue. The handler is internal: it never keeps an
// UntilEmpty loop alive, and the queue, not the eventfd payload, is the
// truth about pending work.
func (el *EventLoop) initWakeup() error {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return os.NewSyscallError("eventfd", err)
	}
	el.wakeFd = fd
	el.wakeHandler = NewEventHandler(fd, func(What) {
		for {
			_, err := unix.Read(el.wakeFd, el.wakeBuf[:])
			if err == unix.EINTR {
				continue
			}
			break
		}
		el.drainTasks()
	})
	el.wakeHandler.internal = true
	return el.RegisterHandler(el.wakeHandler, Read)
}

func (el *EventLoop) Name() string { return el.name }

// InLoopThread reports whether the caller runs on the loop's thread. When
// no loop is running it returns true, which gives RunOnEventLoop correct
// inline semantics.
func (el *EventLoop) InLoopThread() bool {
	tid := el.loopTid.Load()
	return tid == 0 || tid == int64(unix.Gettid())
}

func (el *EventLoop) checkLoopThread(op string) {
	if !el.InLoopThread() {
		panic("evloop: " + op + " called off the loop thread")
	}
}

// Loop runs the event loop in the given mode on the calling goroutine.
func (el *EventLoop) Loop(mode LoopMode) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	el.await.Lock()
	el.await.finished = false
	el.await.Unlock()
	el.loopTid.Store(int64(unix.Gettid()))
	el.isRunning.Store(true)
	publishEvent(el.name, genLifecycleEvent(el.name, LoopStarted, "event loop started"))

	var guard *Timeout
	if mode == Forever {
		guard = NewTimeout(nil)
		guard.internal = true
		guard.expire = func() {
			if err := el.RegisterTimeout(guard, guardTimerPeriod); err != nil {
				log.Error().Msgf("can't re-arm loop guard timer: %+v", err)
			}
		}
		if err := el.RegisterTimeout(guard, guardTimerPeriod); err != nil {
			log.Error().Msgf("can't arm loop guard timer: %+v", err)
		}
	}

	for {
		el.drainTasks()
		if el.terminate.Load() {
			break
		}
		if mode == UntilEmpty && el.externalHandlers == 0 && el.externalTimers == 0 {
			break
		}

		evCount, err := el.poller.waitForEvents(el.pollTimeout(), el.dispatch)
		if err != nil {
			log.Error().Msgf("got error while waiting for the net events: %+v", err)
		}
		if log.Debug().Enabled() {
			log.Debug().Msgf("processed %d netpoll events", evCount)
		}
		el.fireTimers()

		if el.terminate.Load() {
			break
		}
		if mode == Once {
			break
		}
	}

	if guard != nil && guard.Registered() {
		el.UnregisterTimeout(guard)
	}
	el.terminate.Store(false)
	el.isRunning.Store(false)
	el.loopTid.Store(0)
	publishEvent(el.name, genLifecycleEvent(el.name, LoopStopped, "event loop stopped"))

	el.await.Lock()
	el.await.finished = true
	el.await.cond.Broadcast()
	el.await.Unlock()
}

// Stop signals termination and waits until the loop has exited. Safe to
// call from any thread; work submitted before Stop runs first.
func (el *EventLoop) Stop() {
	el.RunOnEventLoop(func() {
		el.terminate.Store(true)
	})
	if el.isRunning.Load() && el.loopTid.Load() == int64(unix.Gettid()) {
		// Called from inside a callback; the loop exits after it unwinds.
		return
	}
	el.await.Lock()
	for !el.await.finished {
		el.await.cond.Wait()
	}
	el.await.Unlock()
}

// Close releases the poller and the wakeup descriptor. The loop must not
// be running.
func (el *EventLoop) Close() {
	if el.isRunning.Load() {
		panic("evloop: Close on a running loop")
	}
	if el.wakeHandler.Registered() {
		el.UnregisterHandler(el.wakeHandler)
	}
	if err := unix.Close(el.wakeFd); err != nil {
		log.Error().Msgf("got error while closing wakeup fd: %+v", err)
	}
	el.poller.close()
}

// RunOnEventLoop executes op on the loop thread: inline when the caller is
// already there (or no loop is running), otherwise through the injection
// queue, waking the loop when it may be parked.
func (el *EventLoop) RunOnEventLoop(op func()) {
	if el.InLoopThread() {
		op()
		return
	}
	if el.tasks.push(op) {
		el.wake()
	}
}

// RunOnEventLoopAndWait is RunOnEventLoop plus blocking until op has
// completed on the loop thread.
func (el *EventLoop) RunOnEventLoopAndWait(op func()) {
	if el.InLoopThread() {
		op()
		return
	}
	done := make(chan struct{})
	if el.tasks.push(func() {
		op()
		close(done)
	}) {
		el.wake()
	}
	<-done
}

func (el *EventLoop) wake() {
	var payload [8]byte
	binary.LittleEndian.PutUint64(payload[:], 1)
	for {
		_, err := unix.Write(el.wakeFd, payload[:])
		if err == unix.EINTR {
			continue
		}
		// EAGAIN means the counter is saturated and a wakeup is already
		// pending.
		if err != nil && err != unix.EAGAIN {
			log.Error().Msgf("got error while writing wakeup fd: %+v", err)
		}
		return
	}
}

func (el *EventLoop) drainTasks() {
	for {
		task := el.tasks.pop()
		if task == nil {
			return
		}
		task()
	}
}

func (el *EventLoop) dispatch(fd int, events uint32) {
	handler, ok := el.handlers[fd]
	if !ok {
		// Unregistered by an earlier handler in the same batch.
		if log.Debug().Enabled() {
			log.Debug().Msgf("[%d] no handler for epoll event:%d", fd, events)
		}
		return
	}
	handler.ready(readiness(events, handler.watched))
}

func (el *EventLoop) pollTimeout() int {
	next := el.timers.peek()
	if next == nil {
		return blocked
	}
	msec := int(time.Until(next.deadline) / time.Millisecond)
	if msec < 0 {
		return 0
	}
	return msec
}

func (el *EventLoop) fireTimers() {
	now := time.Now()
	for {
		next := el.timers.peek()
		if next == nil || next.deadline.After(now) {
			return
		}
		heap.Pop(&el.timers)
		next.loop = nil
		if !next.internal {
			el.externalTimers--
		}
		next.expire()
	}
}

// RegisterHandler registers handler for the given readiness set, or
// updates the set when the handler is already registered on this loop.
// Loop-thread only. Registering a handler owned by another loop or a
// second handler for the same descriptor is a programming error.
func (el *EventLoop) RegisterHandler(handler *EventHandler, what What) error {
	el.checkLoopThread("RegisterHandler")
	if handler.loop != nil && handler.loop != el {
		panic("evloop: handler is registered on another loop")
	}
	if what == None {
		el.UnregisterHandler(handler)
		return nil
	}
	if handler.loop == el {
		if handler.watched == what {
			return nil
		}
		if err := el.poller.mod(handler.fd, what); err != nil {
			return err
		}
		handler.watched = what
		return nil
	}
	if existing, ok := el.handlers[handler.fd]; ok && existing != handler {
		panic("evloop: descriptor already has a registered handler")
	}
	if err := el.poller.add(handler.fd, what); err != nil {
		return err
	}
	handler.loop = el
	handler.watched = what
	el.handlers[handler.fd] = handler
	if !handler.internal {
		el.externalHandlers++
	}
	return nil
}

// UnregisterHandler removes handler from the loop. Loop-thread only.
func (el *EventLoop) UnregisterHandler(handler *EventHandler) {
	el.checkLoopThread("UnregisterHandler")
	if handler.loop == nil {
		return
	}
	if handler.loop != el {
		panic("evloop: handler is registered on another loop")
	}
	if err := el.poller.delete(handler.fd); err != nil {
		log.Error().Msgf("[%d] error occurs while detaching fd from netpoll: %v", handler.fd, err)
	}
	delete(el.handlers, handler.fd)
	handler.loop = nil
	handler.watched = None
	if !handler.internal {
		el.externalHandlers--
	}
}

// RegisterTimeout arms the one-shot timer t to expire after d. Loop-thread
// only.
func (el *EventLoop) RegisterTimeout(t *Timeout, d time.Duration) error {
	el.checkLoopThread("RegisterTimeout")
	if t.loop != nil {
		panic("evloop: timeout is already registered")
	}
	t.loop = el
	t.deadline = time.Now().Add(d)
	heap.Push(&el.timers, t)
	if !t.internal {
		el.externalTimers++
	}
	return nil
}

// UnregisterTimeout disarms t if it has not fired yet. Loop-thread only.
func (el *EventLoop) UnregisterTimeout(t *Timeout) {
	el.checkLoopThread("UnregisterTimeout")
	if t.loop == nil {
		return
	}
	if t.loop != el {
		panic("evloop: timeout is registered on another loop")
	}
	heap.Remove(&el.timers, t.index)
	t.loop = nil
	if !t.internal {
		el.externalTimers--
	}
}
