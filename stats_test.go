package evloop

import (
	"testing"
	"time"
)

func testRegistry(t *testing.T) *StatsRegistry {
	t.Helper()
	r, err := NewStatsRegistry(1024)
	if err != nil {
		t.Fatalf("can't init stats registry: %+v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestStatsRegistryLifecycle(t *testing.T) {
	r := testRegistry(t)
	r.StreamOpened("7", "127.0.0.1:4000")
	if r.Active() != 1 {
		t.Fatalf("active %d", r.Active())
	}

	// ristretto applies sets asynchronously
	deadline := time.Now().Add(2 * time.Second)
	for {
		if stats, ok := r.Lookup("7"); ok {
			if stats.Peer != "127.0.0.1:4000" {
				t.Fatalf("stats %+v", stats)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Skip("stats record not admitted")
		}
		time.Sleep(time.Millisecond)
	}

	r.StreamClosed("7", 100, 200)
	if r.Active() != 0 {
		t.Fatalf("active %d after close", r.Active())
	}
	if r.sent.Load() != 100 || r.received.Load() != 200 {
		t.Fatalf("totals sent:%d received:%d", r.sent.Load(), r.received.Load())
	}
}

func TestStatsMonitorRearms(t *testing.T) {
	r := testRegistry(t)
	el := newTestLoop(t, "monitor")
	go el.Loop(Forever)
	waitRunning(t, el)
	defer el.Stop()

	monitor := r.StartMonitor(el, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	registered := false
	el.RunOnEventLoopAndWait(func() {
		registered = monitor.Registered()
	})
	if !registered {
		t.Fatalf("monitor timer did not re-arm")
	}

	r.StopMonitor(el, monitor)
	el.RunOnEventLoopAndWait(func() {
		registered = monitor.Registered()
	})
	if registered {
		t.Fatalf("monitor timer still armed after stop")
	}
}
