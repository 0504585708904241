package evloop

import (
	"fmt"
	"runtime"

	"github.com/rs/zerolog/log"
)

// LoopGroup runs a fixed set of event loops, one goroutine each, and
// assigns descriptors to loops with jump consistent hashing so a
// descriptor always lands on the same loop.
type LoopGroup struct {
	loops []*EventLoop
}

// NewLoopGroup creates size loops; size 0 means one loop per CPU.
func NewLoopGroup(name string, size int, eventBufferSize int) (*LoopGroup, error) {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	g := &LoopGroup{loops: make([]*EventLoop, 0, size)}
	for i := 0; i < size; i++ {
		el, err := NewEventLoop(EventLoopConfig{
			Name:            fmt.Sprintf("%s-%d", name, i),
			EventBufferSize: eventBufferSize,
		})
		if err != nil {
			for _, prev := range g.loops {
				prev.Close()
			}
			return nil, err
		}
		g.loops = append(g.loops, el)
	}
	return g, nil
}

// Start launches every loop in Forever mode on its own goroutine.
func (g *LoopGroup) Start() {
	for _, el := range g.loops {
		el := el
		go el.Loop(Forever)
	}
	for _, el := range g.loops {
		for !el.isRunning.Load() {
			runtime.Gosched()
		}
	}
	log.Info().Msgf("started %d event loops", len(g.loops))
}

func (g *LoopGroup) Size() int { return len(g.loops) }

// LoopFor picks the loop owning the given descriptor.
func (g *LoopGroup) LoopFor(fd int) *EventLoop {
	return g.loops[JumpHash(uint64(fd), len(g.loops))]
}

// Loop returns the loop at index i.
func (g *LoopGroup) Loop(i int) *EventLoop { return g.loops[i] }

// Stop terminates every loop and waits for them to exit.
func (g *LoopGroup) Stop() {
	for _, el := range g.loops {
		el.Stop()
	}
}

// Close releases every loop. The group must be stopped.
func (g *LoopGroup) Close() {
	for _, el := range g.loops {
		el.Close()
	}
}
