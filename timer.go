package evloop

import (
	"container/heap"
	"time"
)

// Timeout is a one-shot timer. Register it on a loop with RegisterTimeout;
// the expire callback fires at most once per registration, on the loop
// goroutine.
type Timeout struct {
	expire   func()
	deadline time.Time
	loop     *EventLoop
	index    int
	internal bool
}

func NewTimeout(expire func()) *Timeout {
	return &Timeout{expire: expire, index: -1}
}

func (t *Timeout) Registered() bool { return t.loop != nil }

type timerHeap []*Timeout

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	t := x.(*Timeout)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

func (h timerHeap) peek() *Timeout {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

var _ heap.Interface = (*timerHeap)(nil)
