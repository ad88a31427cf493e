package qcan

import (
	"net"
	"testing"
	"time"

	"github.com/kstaniek/qcan-server/internal/can"
)

// A dispatched CAN frame is published on Tail after fan-out, and Stats
// exposes it via Latest once a statistics period elapses. B is there so
// A's frame reaches a recipient, which is what makes it count.
func TestTailAndLatestSnapshot(t *testing.T) {
	cfg := testConfig("CANTAIL")
	cfg.TicksPerStatsPeriod = 1
	n, addr := newTestNetwork(t, cfg)

	a := dial(t, addr)
	defer a.Close()
	b := dial(t, addr)
	defer b.Close()
	for _, conn := range []net.Conn{a, b} {
		readFrame(t, conn, time.Second)
		readFrame(t, conn, time.Second)
	}

	raw, err := EncodeCAN(can.Frame{CANID: 0x42, Len: 1, Data: [8]byte{0x7}})
	if err != nil {
		t.Fatalf("EncodeCAN: %v", err)
	}
	if _, err := a.Write(raw[:]); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case fr := <-n.Tail():
		if fr.Category != CategoryCAN || fr.CAN.CANID != 0x42 {
			t.Fatalf("tailed frame mismatch: %+v", fr)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for tailed frame")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if n.Stats().Latest().CANCount > 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if got := n.Stats().Latest().CANCount; got == 0 {
		t.Fatalf("Latest().CANCount = %d, want > 0", got)
	}
}
