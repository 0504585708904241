package evloop

import (
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

// StreamStats is the per-stream record kept by the registry while the
// stream is open.
type StreamStats struct {
	Id       string
	Peer     string
	OpenedAt int64
}

// StatsRegistry tracks open streams and aggregate byte counters. The
// per-stream records live in a cost-bounded cache, so under descriptor
// pressure old records may be evicted; the aggregates are exact.
type StatsRegistry struct {
	cache *ristretto.Cache

	active   *atomic.Int64
	opened   *atomic.Uint64
	closed   *atomic.Uint64
	sent     *atomic.Uint64
	received *atomic.Uint64
}

func NewStatsRegistry(maxStreams int64) (*StatsRegistry, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxStreams * 10,
		MaxCost:     maxStreams,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Wrap(err, "can't init stats cache")
	}
	return &StatsRegistry{
		cache:    cache,
		active:   atomic.NewInt64(0),
		opened:   atomic.NewUint64(0),
		closed:   atomic.NewUint64(0),
		sent:     atomic.NewUint64(0),
		received: atomic.NewUint64(0),
	}, nil
}

func (r *StatsRegistry) StreamOpened(id, peer string) {
	r.active.Inc()
	r.opened.Inc()
	r.cache.Set(id, &StreamStats{
		Id:       id,
		Peer:     peer,
		OpenedAt: time.Now().UnixMilli(),
	}, 1)
}

func (r *StatsRegistry) StreamClosed(id string, sent, received uint64) {
	r.active.Dec()
	r.closed.Inc()
	r.sent.Add(sent)
	r.received.Add(received)
	r.cache.Del(id)
}

func (r *StatsRegistry) Lookup(id string) (*StreamStats, bool) {
	value, ok := r.cache.Get(id)
	if !ok {
		return nil, false
	}
	stats, ok := value.(*StreamStats)
	return stats, ok
}

func (r *StatsRegistry) Active() int64 { return r.active.Load() }

func (r *StatsRegistry) logTotals() {
	log.Info().Msgf("streams active: %d opened: %d closed: %d sent: %d received: %d",
		r.active.Load(), r.opened.Load(), r.closed.Load(), r.sent.Load(), r.received.Load())
}

// StartMonitor arms a re-arming timer on el that logs the aggregate
// counters every period. The timer is internal; it never keeps an
// UntilEmpty loop alive.
func (r *StatsRegistry) StartMonitor(el *EventLoop, period time.Duration) *Timeout {
	monitor := NewTimeout(nil)
	monitor.internal = true
	monitor.expire = func() {
		r.logTotals()
		if err := el.RegisterTimeout(monitor, period); err != nil {
			log.Error().Msgf("can't re-arm stats monitor: %+v", err)
		}
	}
	el.RunOnEventLoop(func() {
		if err := el.RegisterTimeout(monitor, period); err != nil {
			log.Error().Msgf("can't arm stats monitor: %+v", err)
		}
	})
	return monitor
}

// StopMonitor disarms a timer returned by StartMonitor.
func (r *StatsRegistry) StopMonitor(el *EventLoop, monitor *Timeout) {
	el.RunOnEventLoop(func() {
		if monitor.Registered() {
			el.UnregisterTimeout(monitor)
		}
	})
}

func (r *StatsRegistry) Close() {
	r.cache.Close()
}
