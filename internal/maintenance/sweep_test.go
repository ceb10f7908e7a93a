package maintenance

import (
	"sync/atomic"
	"testing"
	"time"
)

type fakeRegistry struct {
	refreshed int32
	evicted   int32
}

func (f *fakeRegistry) RefreshTmuxState() { atomic.AddInt32(&f.refreshed, 1) }
func (f *fakeRegistry) EvictStale()       { atomic.AddInt32(&f.evicted, 1) }

func TestScheduler_RunsResolverSweep(t *testing.T) {
	reg := &fakeRegistry{}
	sched, err := New(nil, reg, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sched.Start()
	defer sched.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&reg.refreshed) > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected at least one resolver sweep")
}
