package qcan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/kstaniek/qcan-server/internal/can"
	"github.com/kstaniek/qcan-server/internal/ifadapter"
	"github.com/kstaniek/qcan-server/internal/logging"
	"github.com/kstaniek/qcan-server/internal/metrics"
)

const dispatchReadBuf = 4096

// ioPollWindow is the deadline given to each per-tick session read and
// fan-out write. A deadline already in the past makes net.Conn fail
// before it moves any byte, so a short future one is used instead:
// buffered data moves at once, and an idle or full socket costs at most
// this window plus timer granularity.
const ioPollWindow = 100 * time.Microsecond

// dispatchLoop drives the single periodic tick (section 4.3): every
// period it runs one dispatch pass over the hardware source and every
// session in index order.
func (n *Network) dispatchLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.DispatchPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.dispatchTick()
		}
	}
}

// dispatchTick performs one full pass: drain hardware, then drain
// every session in index order, all under one registry lock, per the
// algorithm in section 4.3.
func (n *Network) dispatchTick() {
	n.registry.Lock()
	defer n.registry.Unlock()

	n.drainHardware()
	n.drainSessions()

	metrics.SetNetworkSessions(n.name, len(n.registry.sessions))
	n.stats.Tick()
}

func (n *Network) drainHardware() {
	n.mu.Lock()
	adapter := n.adapter
	n.mu.Unlock()
	if adapter == nil || !adapter.Connected() {
		return
	}
	if raw, ok := adapter.(ifadapter.RawReader); ok {
		n.drainHardwareRaw(raw)
		return
	}
	for {
		var cf can.Frame
		status, err := adapter.Read(&cf)
		if err != nil {
			logging.L().Warn("hardware_read_error", "network", n.name, "error", err)
			metrics.IncError(mapErrToMetric(fmt.Errorf("%w: %v", ErrHardwareOp, err)))
			return
		}
		if status != ifadapter.ReadOK {
			return
		}
		raw, encErr := EncodeCAN(cf)
		if encErr != nil {
			metrics.IncMalformed()
			continue
		}
		fr, decErr := Decode(raw[:])
		if decErr != nil {
			continue
		}
		n.dispatchFrame(fr, -1)
	}
}

// drainHardwareRaw is drainHardware's fast path for adapters that can
// surface already-framed wire arrays directly (e.g. hardware-native
// error frames), skipping the classical-CAN Read/EncodeCAN round trip.
func (n *Network) drainHardwareRaw(adapter ifadapter.RawReader) {
	for {
		var raw can.RawFrame
		status, err := adapter.ReadRaw(&raw)
		if err != nil {
			logging.L().Warn("hardware_read_error", "network", n.name, "error", err)
			metrics.IncError(mapErrToMetric(fmt.Errorf("%w: %v", ErrHardwareOp, err)))
			return
		}
		if status != ifadapter.ReadOK {
			return
		}
		fr, decErr := Decode(raw[:])
		if decErr != nil {
			continue
		}
		n.dispatchFrame(fr, -1)
	}
}

func (n *Network) drainSessions() {
	sessions := n.registry.sessions
	var dead []int
	buf := make([]byte, dispatchReadBuf)

	for i, s := range sessions {
		_ = s.Conn.SetReadDeadline(time.Now().Add(ioPollWindow))
		m, err := s.Conn.Read(buf)
		if m > 0 {
			s.acc.Write(buf[:m])
		}
		if err != nil {
			var ne net.Error
			if !(errors.As(err, &ne) && ne.Timeout()) {
				// Transient timeouts (no data this tick) are expected
				// and not a disconnect. A graceful close reports
				// io.EOF/net.ErrClosed and is not counted as an error;
				// anything else is a real I/O failure.
				if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
					metrics.IncError(mapErrToMetric(fmt.Errorf("%w: %v", ErrConnRead, err)))
				}
				dead = append(dead, i)
			}
		}

		complete := s.acc.Len() / can.FrameArraySize
		chunk := make([]byte, can.FrameArraySize)
		for c := 0; c < complete; c++ {
			if _, err := s.acc.Read(chunk); err != nil {
				break
			}
			fr, decErr := Decode(chunk)
			if decErr != nil {
				continue
			}
			metrics.IncTCPRx()
			n.dispatchFrame(fr, i)
		}
	}

	for j := len(dead) - 1; j >= 0; j-- {
		idx := dead[j]
		s := n.registry.sessions[idx]
		_ = s.Conn.Close()
		n.registry.sessions = append(n.registry.sessions[:idx:idx], n.registry.sessions[idx+1:]...)
		logging.L().Info("client_disconnected", "network", n.name, "index", idx)
	}
}

// dispatchFrame classifies and routes one already-decoded frame.
// sourceIdx is the session's index in the registry, or -1 for the
// hardware sentinel. Both are called "source id" in section 4.3; -1
// is translated to can.HardwareSentinel only where an external id is
// observable (there is none here, since routing is purely internal).
func (n *Network) dispatchFrame(fr Frame, sourceIdx int) {
	switch fr.Category {
	case CategoryCAN:
		n.mu.Lock()
		adapter := n.adapter
		n.mu.Unlock()
		if sourceIdx >= 0 && adapter != nil && adapter.Connected() {
			if err := adapter.Write(fr.CAN); err != nil {
				metrics.IncError(mapErrToMetric(fmt.Errorf("%w: %v", ErrHardwareOp, err)))
			}
		}
		delivered := n.fanOut(fr.Raw, sourceIdx)
		n.stats.RecordDispatch(fr, sourceIdx < 0 || delivered)
		n.publishTail(fr)

	case CategoryError:
		if !n.errorFramesActive() {
			return
		}
		delivered := n.fanOut(fr.Raw, sourceIdx)
		n.stats.RecordDispatch(fr, sourceIdx < 0 || delivered)
		n.publishTail(fr)

	case CategoryAPI:
		if sourceIdx < 0 {
			return // API frames from hardware are ignored
		}
		n.handleAPI(fr.API)
		n.stats.RecordDispatch(fr, true)
		n.publishTail(fr)

	default:
		// Unknown: discarded without error.
	}
}

// fanOut writes raw to every session other than sourceIdx (source -1
// means hardware, so every session is "other"). It reports whether at
// least one recipient received the frame. A recipient whose write
// would block has the frame dropped for it alone.
func (n *Network) fanOut(raw can.RawFrame, sourceIdx int) bool {
	delivered := false
	for i, s := range n.registry.sessions {
		if i == sourceIdx {
			continue
		}
		if n.writeNonBlocking(s, raw) {
			delivered = true
		}
	}
	return delivered
}

func (n *Network) writeNonBlocking(s *Session, raw can.RawFrame) bool {
	_ = s.Conn.SetWriteDeadline(time.Now().Add(ioPollWindow))
	if _, err := s.Conn.Write(raw[:]); err != nil {
		metrics.IncError(mapErrToMetric(fmt.Errorf("%w: %v", ErrConnWrite, err)))
		return false
	}
	metrics.AddTCPTx(1)
	return true
}

// handleAPI interprets an API frame from a session (section 4.3's
// API routing rules). It never fans out.
func (n *Network) handleAPI(f APIFrame) {
	switch f.Function {
	case APIFuncBitrate:
		if err := n.SetBitrate(f.Nominal, f.Data); err != nil {
			logging.L().Warn("set_bitrate_failed", "network", n.name, "error", err)
		}
	case APIFuncCANMode, APIFuncDriverInit, APIFuncDriverRelease, APIFuncNone:
		// Recognized but a no-op in the core; reserved for extension.
	default:
		// Unknown function: dropped silently.
	}
}
