package qcan

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kstaniek/qcan-server/internal/can"
	"github.com/kstaniek/qcan-server/internal/ifadapter"
	"github.com/kstaniek/qcan-server/internal/logging"
	"github.com/kstaniek/qcan-server/internal/metrics"
)

// Config seeds a Network at creation. Fields not covered elsewhere in
// this package (bind address, feature flags) all come from here.
type Config struct {
	Name                string
	Addr                string        // TCP bind address, e.g. ":20000"
	Nominal             int32
	Data                int32
	ErrorFramesEnabled  bool
	FDEnabled           bool
	ListenOnlyEnabled   bool
	MaxSessions         int
	DispatchPeriod      time.Duration // default 20ms
	TicksPerStatsPeriod int           // default 50 (20ms * 50 = 1s)
}

func (c Config) withDefaults() Config {
	if c.MaxSessions == 0 {
		c.MaxSessions = 32
	}
	if c.DispatchPeriod == 0 {
		c.DispatchPeriod = 20 * time.Millisecond
	}
	if c.TicksPerStatsPeriod == 0 {
		c.TicksPerStatsPeriod = 50
	}
	return c
}

// Network is one virtual CAN network: the acceptor, session registry,
// dispatcher, control plane and statistics aggregator for a single
// bind address. Networks are independent; a Server owns zero or more.
type Network struct {
	id  uint32
	cfg Config

	registry *Registry
	stats    *Stats
	tail     chan Frame

	mu       sync.Mutex // guards everything below, distinct from registry.mu
	name     string
	nominal  int32
	data     int32
	enabled  bool
	listener net.Listener
	adapter  ifadapter.Adapter
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewNetwork constructs a disabled Network. Call Enable to start its
// acceptor and dispatch tick.
func NewNetwork(id uint32, cfg Config) *Network {
	cfg = cfg.withDefaults()
	return &Network{
		id:       id,
		cfg:      cfg,
		registry: NewRegistry(cfg.MaxSessions),
		stats:    NewStats(cfg.Name, cfg.TicksPerStatsPeriod, cfg.Nominal),
		tail:     make(chan Frame, 256),
		name:     cfg.Name,
		nominal:  cfg.Nominal,
		data:     cfg.Data,
	}
}

func (n *Network) ID() uint32 { return n.id }

func (n *Network) Name() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.name
}

// Bitrates returns the currently stored nominal and data bit-rates.
func (n *Network) Bitrates() (nominal, data int32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nominal, n.data
}

// Stats exposes the publish channel of periodic Snapshots for observers.
func (n *Network) Stats() *Stats { return n.stats }

// Tail returns the channel every dispatched frame (post-fan-out) is
// published to for external observers such as the WebSocket monitor.
// Publication is non-blocking: a slow or absent reader drops frames
// rather than stalling the dispatcher.
func (n *Network) Tail() <-chan Frame { return n.tail }

func (n *Network) publishTail(fr Frame) {
	select {
	case n.tail <- fr:
	default:
	}
}

// Addr returns the bound listener address, or "" if the network is
// not currently enabled.
func (n *Network) Addr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// Enabled reports whether the acceptor and dispatch tick are running.
func (n *Network) Enabled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.enabled
}

// SetBindAddr changes the listen address. Only permitted while the
// network is disabled (section 6); returns false otherwise, with no
// state mutation.
func (n *Network) SetBindAddr(addr string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.enabled {
		return false
	}
	n.cfg.Addr = addr
	return true
}

// Enable starts the TCP acceptor and the dispatch tick. It is a no-op
// if the network is already enabled.
func (n *Network) Enable() error {
	n.mu.Lock()
	if n.enabled {
		n.mu.Unlock()
		return nil
	}
	ln, err := net.Listen("tcp", n.cfg.Addr)
	if err != nil {
		n.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrListen, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	n.listener = ln
	n.cancel = cancel
	n.enabled = true
	n.mu.Unlock()

	n.wg.Add(2)
	go n.acceptLoop(ctx)
	go n.dispatchLoop(ctx)
	logging.L().Info("network_enabled", "network", n.name, "id", n.id, "addr", ln.Addr().String())
	return nil
}

// Disable stops the tick and closes the listener; in-flight sessions
// are closed too. Idempotent.
func (n *Network) Disable() error {
	n.mu.Lock()
	if !n.enabled {
		n.mu.Unlock()
		return nil
	}
	n.enabled = false
	cancel := n.cancel
	ln := n.listener
	adapter := n.adapter
	n.mu.Unlock()

	cancel()
	_ = ln.Close()
	n.wg.Wait()

	for _, s := range n.registry.Snapshot() {
		_ = s.Conn.Close()
		n.registry.Remove(s)
	}
	if adapter != nil {
		_ = adapter.Disconnect()
	}
	logging.L().Info("network_disabled", "network", n.name, "id", n.id)
	return nil
}

func (n *Network) acceptLoop(ctx context.Context) {
	defer n.wg.Done()
	n.mu.Lock()
	ln := n.listener
	n.mu.Unlock()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.L().Warn("network_accept_error", "network", n.name, "error", err)
			metrics.IncError(mapErrToMetric(fmt.Errorf("%w: %v", ErrAccept, err)))
			continue
		}
		n.handleAccept(conn)
	}
}

// preambleWriteTimeout bounds how long handleAccept can hold the
// registry lock waiting on a stalled client's preamble write.
const preambleWriteTimeout = 2 * time.Second

// handleAccept registers a new session and sends its connection
// preamble (section 6: NAME then BITRATE) while holding the registry
// lock, so the session cannot become fan-out eligible mid-preamble: a
// concurrent dispatchTick also takes this lock before ranging over
// sessions, so it either runs entirely before this session exists or
// entirely after its preamble is fully on the wire.
func (n *Network) handleAccept(conn net.Conn) {
	s := newSession(conn)
	nominal, data := n.Bitrates()
	name := n.Name()
	preambles := []APIFrame{
		{Function: APIFuncName, Name: name},
		{Function: APIFuncBitrate, Nominal: nominal, Data: data},
	}

	n.registry.Lock()
	idx, err := n.registry.AppendLocked(s)
	if err != nil {
		n.registry.Unlock()
		metrics.IncNetworkRejected(n.name)
		logging.L().Warn("network_reject_capacity", "network", n.name)
		_ = conn.Close()
		return
	}
	for _, p := range preambles {
		raw, encErr := EncodeAPI(p)
		if encErr != nil {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(preambleWriteTimeout))
		if _, err := conn.Write(raw[:]); err != nil {
			n.registry.RemoveLocked(s)
			n.registry.Unlock()
			_ = conn.Close()
			metrics.IncError(mapErrToMetric(fmt.Errorf("%w: %v", ErrConnWrite, err)))
			return
		}
	}
	_ = conn.SetWriteDeadline(time.Time{})
	n.registry.Unlock()

	metrics.SetNetworkSessions(n.name, n.registry.Len())
	logging.L().Info("client_connected", "network", n.name, "index", idx, "remote", conn.RemoteAddr())
}

// AddInterface attaches a hardware adapter to this network: it must
// connect, then be configured with the current bit-rate, then be
// started, in that strict order (section 3's lifecycle). If any step
// fails the call fails with no effect on the network's adapter slot.
func (n *Network) AddInterface(a ifadapter.Adapter) error {
	if err := a.Connect(); err != nil {
		return fmt.Errorf("%w: connect: %v", ErrHardwareOp, err)
	}
	nominal, data := n.Bitrates()
	if err := a.SetBitrate(nominal, data); err != nil {
		_ = a.Disconnect()
		return fmt.Errorf("%w: set_bitrate: %v", ErrHardwareOp, err)
	}
	if err := a.SetMode(n.modeFor(a)); err != nil {
		_ = a.Disconnect()
		return fmt.Errorf("%w: set_mode(start): %v", ErrHardwareOp, err)
	}
	n.mu.Lock()
	n.adapter = a
	n.mu.Unlock()
	logging.L().Info("interface_attached", "network", n.name, "id", n.id)
	return nil
}

// RemoveInterface disconnects and clears the adapter slot, if any.
func (n *Network) RemoveInterface() error {
	n.mu.Lock()
	a := n.adapter
	n.adapter = nil
	n.mu.Unlock()
	if a == nil {
		return nil
	}
	return a.Disconnect()
}

// adapterHas reports whether adapter a advertises feature f, falling
// back to deflt for a bare virtual bus (a == nil).
func adapterHas(a ifadapter.Adapter, f ifadapter.Features, deflt bool) bool {
	if a == nil {
		return deflt
	}
	return a.SupportedFeatures().Has(f)
}

// hasErrorFramesSupport, hasFastDataSupport and hasListenOnlySupport
// are the three capability predicates section 4.6 asks the network to
// expose, evaluated against the currently attached adapter. Absent an
// adapter, a bare virtual bus supports the richer feature set (error
// frames, FD) but cannot be truly listen-only. Error-frame and FD
// gating (dispatchFrame, SetBitrate) and mode selection (startMode)
// consult these rather than the raw config flags, so an attached
// adapter's advertised features cap what the config asked for.
func (n *Network) hasErrorFramesSupport() bool {
	n.mu.Lock()
	a := n.adapter
	n.mu.Unlock()
	return adapterHas(a, ifadapter.FeatureErrorFrames, true)
}

func (n *Network) hasFastDataSupport() bool {
	n.mu.Lock()
	a := n.adapter
	n.mu.Unlock()
	return adapterHas(a, ifadapter.FeatureCANFD, true)
}

func (n *Network) hasListenOnlySupport() bool {
	n.mu.Lock()
	a := n.adapter
	n.mu.Unlock()
	return adapterHas(a, ifadapter.FeatureListenOnly, false)
}

// errorFramesActive and fastDataActive fold the config flag together
// with the capability predicate: the config asks, the adapter caps.
func (n *Network) errorFramesActive() bool {
	return n.cfg.ErrorFramesEnabled && n.hasErrorFramesSupport()
}

func (n *Network) fastDataActive() bool {
	return n.cfg.FDEnabled && n.hasFastDataSupport()
}

// modeFor picks the mode used to bring adapter a up: listen-only when
// configured and a supports it, start otherwise. a may be an adapter
// not yet stored in n.adapter, so this never consults that field.
func (n *Network) modeFor(a ifadapter.Adapter) can.Mode {
	if n.cfg.ListenOnlyEnabled && adapterHas(a, ifadapter.FeatureListenOnly, false) {
		return can.ModeListenOnly
	}
	return can.ModeStart
}

// startMode mirrors modeFor for the currently attached adapter, via
// hasListenOnlySupport rather than a locally held adapter reference.
func (n *Network) startMode() can.Mode {
	if n.cfg.ListenOnlyEnabled && n.hasListenOnlySupport() {
		return can.ModeListenOnly
	}
	return can.ModeStart
}

// SetBitrate is the control-plane operation of section 4.5.
func (n *Network) SetBitrate(nominal, data int32) error {
	fastData := n.fastDataActive()

	n.mu.Lock()
	n.nominal = nominal
	if fastData {
		n.data = data
	} else {
		n.data = BitrateUnset
	}
	a := n.adapter
	effData := n.data
	n.mu.Unlock()

	n.stats.SetBitsPerSecond(nominal)

	if a == nil {
		return nil
	}
	if err := a.SetMode(can.ModeStop); err != nil {
		return fmt.Errorf("%w: set_mode(stop): %v", ErrHardwareOp, err)
	}
	if err := a.SetBitrate(nominal, effData); err != nil {
		return fmt.Errorf("%w: set_bitrate: %v", ErrHardwareOp, err)
	}
	if err := a.SetMode(n.startMode()); err != nil {
		return fmt.Errorf("%w: set_mode(start): %v", ErrHardwareOp, err)
	}
	return nil
}
