package qcan

import (
	"testing"

	"github.com/kstaniek/qcan-server/internal/can"
)

func TestStatsBusLoadBounded(t *testing.T) {
	s := NewStats("t-busload", 1, 125000)
	// Push far more bit-time than the normalization constant allows.
	fr := Frame{Category: CategoryCAN, CAN: can.Frame{Len: 8}}
	for i := 0; i < 2000; i++ {
		s.RecordDispatch(fr, true)
	}
	s.Tick()
	var snap Snapshot
	select {
	case snap = <-s.Publish():
	default:
		t.Fatalf("expected a published snapshot")
	}
	if snap.BusLoadPercent > 100 {
		t.Fatalf("bus load %d exceeds 100", snap.BusLoadPercent)
	}
}

func TestStatsMessagesPerSecond(t *testing.T) {
	s := NewStats("t-mps", 2, 500000)
	fr := Frame{Category: CategoryCAN, CAN: can.Frame{Len: 1}}

	s.RecordDispatch(fr, true)
	s.Tick() // tick 1 of 2, no emission yet
	select {
	case <-s.Publish():
		t.Fatalf("unexpected snapshot before ticksPerPeriod elapsed")
	default:
	}

	s.RecordDispatch(fr, true)
	s.Tick() // tick 2 of 2, emits
	snap := <-s.Publish()
	if snap.MessagesPerSecond != 2 {
		t.Fatalf("MessagesPerSecond = %d, want 2", snap.MessagesPerSecond)
	}
	if snap.CANCount != 2 {
		t.Fatalf("CANCount = %d, want 2", snap.CANCount)
	}
}

func TestStatsAPINotCountedTowardBusLoad(t *testing.T) {
	s := NewStats("t-api", 1, 500000)
	s.RecordDispatch(Frame{Category: CategoryAPI}, true)
	s.Tick()
	snap := <-s.Publish()
	if snap.APICount != 1 {
		t.Fatalf("APICount = %d, want 1", snap.APICount)
	}
	if snap.BusLoadPercent != 0 {
		t.Fatalf("BusLoadPercent = %d, want 0", snap.BusLoadPercent)
	}
}

