package qcan

import (
	"net"
	"testing"
	"time"

	"github.com/kstaniek/qcan-server/internal/can"
)

func testConfig(name string) Config {
	return Config{
		Name:                name,
		Addr:                "127.0.0.1:0",
		Nominal:             500000,
		Data:                BitrateUnset,
		MaxSessions:         2,
		DispatchPeriod:      5 * time.Millisecond,
		TicksPerStatsPeriod: 20,
	}
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	return c
}

func readFrame(t *testing.T, c net.Conn, timeout time.Duration) can.RawFrame {
	t.Helper()
	var raw can.RawFrame
	_ = c.SetReadDeadline(time.Now().Add(timeout))
	n := 0
	for n < can.FrameArraySize {
		m, err := c.Read(raw[n:])
		if err != nil {
			t.Fatalf("readFrame: %v (got %d/%d bytes)", err, n, can.FrameArraySize)
		}
		n += m
	}
	return raw
}

func expectNoMoreBytes(t *testing.T, c net.Conn, timeout time.Duration) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 1)
	if _, err := c.Read(buf); err == nil {
		t.Fatalf("expected no more bytes, got some")
	} else if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func newTestNetwork(t *testing.T, cfg Config) (*Network, string) {
	t.Helper()
	n := NewNetwork(1, cfg)
	if err := n.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	t.Cleanup(func() { _ = n.Disable() })
	// Enable rebinds cfg.Addr's ephemeral port; recover the real address.
	n.mu.Lock()
	addr := n.listener.Addr().String()
	n.mu.Unlock()
	return n, addr
}

// S2 Preamble: a fresh connection receives NAME then BITRATE first.
func TestScenarioPreamble(t *testing.T) {
	cfg := testConfig("CAN 3")
	cfg.Nominal = 250000
	cfg.Data = BitrateUnset
	_, addr := newTestNetwork(t, cfg)

	c := dial(t, addr)
	defer c.Close()

	nameRaw := readFrame(t, c, time.Second)
	fr, err := Decode(nameRaw[:])
	if err != nil || fr.Category != CategoryAPI || fr.API.Function != APIFuncName || fr.API.Name != "CAN 3" {
		t.Fatalf("first preamble frame = %+v, err=%v", fr, err)
	}
	bitrateRaw := readFrame(t, c, time.Second)
	fr, err = Decode(bitrateRaw[:])
	if err != nil || fr.Category != CategoryAPI || fr.API.Function != APIFuncBitrate || fr.API.Nominal != 250000 {
		t.Fatalf("second preamble frame = %+v, err=%v", fr, err)
	}
}

// S1 Fan-out: A sends a CAN frame; B and C receive it, A does not.
func TestScenarioFanOut(t *testing.T) {
	cfg := testConfig("CANFAN")
	cfg.MaxSessions = 3
	_, addr := newTestNetwork(t, cfg)

	a := dial(t, addr)
	defer a.Close()
	b := dial(t, addr)
	defer b.Close()
	c := dial(t, addr)
	defer c.Close()

	for _, conn := range []net.Conn{a, b, c} {
		readFrame(t, conn, time.Second) // NAME
		readFrame(t, conn, time.Second) // BITRATE
	}

	raw, err := EncodeCAN(can.Frame{CANID: 0x123, Len: 2, Data: [8]byte{0xDE, 0xAD}})
	if err != nil {
		t.Fatalf("EncodeCAN: %v", err)
	}
	if _, err := a.Write(raw[:]); err != nil {
		t.Fatalf("write from A: %v", err)
	}

	for _, conn := range []net.Conn{b, c} {
		got := readFrame(t, conn, time.Second)
		fr, err := Decode(got[:])
		if err != nil || fr.CAN.CANID != 0x123 || fr.CAN.Len != 2 || fr.CAN.Data[0] != 0xDE || fr.CAN.Data[1] != 0xAD {
			t.Fatalf("recipient frame mismatch: %+v, err=%v", fr, err)
		}
	}
	expectNoMoreBytes(t, a, 100*time.Millisecond)
}

// S3 In-band bit-rate change: BITRATE from A is not fanned out, and
// updates the stored nominal for future preambles.
func TestScenarioInBandBitrateChange(t *testing.T) {
	cfg := testConfig("CANRATE")
	cfg.MaxSessions = 3
	n, addr := newTestNetwork(t, cfg)

	a := dial(t, addr)
	defer a.Close()
	b := dial(t, addr)
	defer b.Close()
	for _, conn := range []net.Conn{a, b} {
		readFrame(t, conn, time.Second)
		readFrame(t, conn, time.Second)
	}

	raw, err := EncodeAPI(APIFrame{Function: APIFuncBitrate, Nominal: 125000, Data: BitrateUnset})
	if err != nil {
		t.Fatalf("EncodeAPI: %v", err)
	}
	if _, err := a.Write(raw[:]); err != nil {
		t.Fatalf("write bitrate change: %v", err)
	}
	expectNoMoreBytes(t, b, 100*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		nominal, _ := n.Bitrates()
		if nominal == 125000 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if nominal, _ := n.Bitrates(); nominal != 125000 {
		t.Fatalf("nominal = %d, want 125000", nominal)
	}

	d := dial(t, addr)
	defer d.Close()
	nameRaw := readFrame(t, d, time.Second)
	if fr, _ := Decode(nameRaw[:]); fr.API.Function != APIFuncName {
		t.Fatalf("expected NAME preamble first")
	}
	bitrateRaw := readFrame(t, d, time.Second)
	fr, err := Decode(bitrateRaw[:])
	if err != nil || fr.API.Nominal != 125000 {
		t.Fatalf("new connection preamble nominal = %+v, err=%v", fr, err)
	}
}

// S4 Capacity: with MaxSessions=2 and two sessions open, a third
// connect completes at TCP level then closes with no bytes sent.
func TestScenarioCapacity(t *testing.T) {
	cfg := testConfig("CANCAP")
	cfg.MaxSessions = 2
	_, addr := newTestNetwork(t, cfg)

	a := dial(t, addr)
	defer a.Close()
	b := dial(t, addr)
	defer b.Close()
	readFrame(t, a, time.Second)
	readFrame(t, a, time.Second)
	readFrame(t, b, time.Second)
	readFrame(t, b, time.Second)

	c := dial(t, addr)
	defer c.Close()
	_ = c.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	m, err := c.Read(buf)
	if m != 0 || err == nil {
		t.Fatalf("expected immediate close with no bytes, got m=%d err=%v", m, err)
	}
}

// SetBitrate's data argument is stored only when FD is enabled; with FD
// disabled it is forced to BitrateUnset regardless of what was asked
// for. Neither network has an attached adapter, so fastDataActive
// depends only on cfg.FDEnabled.
func TestSetBitrateFDGating(t *testing.T) {
	cfgDisabled := testConfig("CANFDOFF")
	cfgDisabled.FDEnabled = false
	nDisabled, _ := newTestNetwork(t, cfgDisabled)

	if err := nDisabled.SetBitrate(500000, 2000000); err != nil {
		t.Fatalf("SetBitrate: %v", err)
	}
	if _, data := nDisabled.Bitrates(); data != BitrateUnset {
		t.Fatalf("data = %d, want BitrateUnset with FD disabled", data)
	}

	cfgEnabled := testConfig("CANFDON")
	cfgEnabled.FDEnabled = true
	nEnabled, _ := newTestNetwork(t, cfgEnabled)

	if err := nEnabled.SetBitrate(500000, 2000000); err != nil {
		t.Fatalf("SetBitrate: %v", err)
	}
	if _, data := nEnabled.Bitrates(); data != 2000000 {
		t.Fatalf("data = %d, want 2000000 with FD enabled", data)
	}
}

// SetBindAddr is only permitted while the network is disabled; it
// mutates nothing and reports false while enabled.
func TestSetBindAddr(t *testing.T) {
	n, _ := newTestNetwork(t, testConfig("CANBIND"))

	if ok := n.SetBindAddr("127.0.0.1:0"); ok {
		t.Fatalf("SetBindAddr on enabled network = true, want false")
	}

	if err := n.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if ok := n.SetBindAddr("127.0.0.1:0"); !ok {
		t.Fatalf("SetBindAddr on disabled network = false, want true")
	}
	if err := n.Enable(); err != nil {
		t.Fatalf("re-Enable: %v", err)
	}
}

// S5 Disconnect cleanup: A disconnects mid-frame; B and C unaffected,
// registry returns to size 2.
func TestScenarioDisconnectCleanup(t *testing.T) {
	cfg := testConfig("CANDISC")
	cfg.MaxSessions = 3
	n, addr := newTestNetwork(t, cfg)

	a := dial(t, addr)
	b := dial(t, addr)
	defer b.Close()
	c := dial(t, addr)
	defer c.Close()
	for _, conn := range []net.Conn{a, b, c} {
		readFrame(t, conn, time.Second)
		readFrame(t, conn, time.Second)
	}

	// A sends a partial frame then disconnects.
	half := make([]byte, can.FrameArraySize/2)
	if _, err := a.Write(half); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	_ = a.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if n.registry.Len() == 2 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if got := n.registry.Len(); got != 2 {
		t.Fatalf("registry.Len() = %d, want 2", got)
	}

	// B and C still work.
	raw, _ := EncodeCAN(can.Frame{CANID: 0x1, Len: 0})
	if _, err := b.Write(raw[:]); err != nil {
		t.Fatalf("write from B: %v", err)
	}
	got := readFrame(t, c, time.Second)
	if fr, err := Decode(got[:]); err != nil || fr.CAN.CANID != 0x1 {
		t.Fatalf("C did not receive B's frame: %+v, err=%v", fr, err)
	}
}

// S6 Error-frame gating.
func TestScenarioErrorFrameGating(t *testing.T) {
	cfgDisabled := testConfig("CANERRDISABLED")
	cfgDisabled.ErrorFramesEnabled = false
	_, addrDisabled := newTestNetwork(t, cfgDisabled)

	a := dial(t, addrDisabled)
	defer a.Close()
	b := dial(t, addrDisabled)
	defer b.Close()
	for _, conn := range []net.Conn{a, b} {
		readFrame(t, conn, time.Second)
		readFrame(t, conn, time.Second)
	}
	errRaw := EncodeError(ErrorFrame{State: can.BusStateWarn, ErrType: 1, RxErrors: 5, TxErrors: 5})
	if _, err := a.Write(errRaw[:]); err != nil {
		t.Fatalf("write error frame: %v", err)
	}
	expectNoMoreBytes(t, b, 100*time.Millisecond)

	cfgEnabled := testConfig("CANERRENABLED")
	cfgEnabled.ErrorFramesEnabled = true
	_, addrEnabled := newTestNetwork(t, cfgEnabled)
	c := dial(t, addrEnabled)
	defer c.Close()
	d := dial(t, addrEnabled)
	defer d.Close()
	for _, conn := range []net.Conn{c, d} {
		readFrame(t, conn, time.Second)
		readFrame(t, conn, time.Second)
	}
	if _, err := c.Write(errRaw[:]); err != nil {
		t.Fatalf("write error frame: %v", err)
	}
	got := readFrame(t, d, time.Second)
	fr, err := Decode(got[:])
	if err != nil || fr.Category != CategoryError || fr.Err.State != can.BusStateWarn {
		t.Fatalf("D did not receive fanned-out error frame: %+v, err=%v", fr, err)
	}
}
