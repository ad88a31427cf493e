//go:build linux

// Package socketcanif adapts the AF_CAN raw-socket backend
// (internal/socketcan) to the ifadapter.Adapter capability interface,
// grounded on cmd/can-server/backend_socketcan.go's RX loop from the
// teacher repo.
package socketcanif

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kstaniek/qcan-server/internal/can"
	"github.com/kstaniek/qcan-server/internal/ifadapter"
	"github.com/kstaniek/qcan-server/internal/logging"
	"github.com/kstaniek/qcan-server/internal/metrics"
	"github.com/kstaniek/qcan-server/internal/socketcan"
)

const (
	rxQueueSize = 256
	txQueueSize = 256
	rxBackoffMin = 20 * time.Millisecond
	rxBackoffMax = 2 * time.Second
)

// OpenFunc opens a SocketCAN device; overridable in tests.
type OpenFunc func(iface string) (socketcan.Dev, error)

// Adapter drives a Linux SocketCAN interface behind the
// ifadapter.Adapter interface. Bit-timing (SetBitrate) is configured
// out of band via `ip link set <if> type can bitrate ...` before the
// process starts; the raw CAN_RAW socket exposes no ioctl for it, so
// SetBitrate here is a no-op and keeps no record of the requested rate.
type Adapter struct {
	iface string
	open  OpenFunc

	mu        sync.Mutex
	dev       socketcan.Dev
	tx        *socketcan.TXWriter
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	rxQueue   chan can.Frame
	connected bool
}

func New(iface string) *Adapter {
	return &Adapter{iface: iface, open: func(name string) (socketcan.Dev, error) { return socketcan.Open(name) }}
}

func (a *Adapter) SupportedFeatures() ifadapter.Features {
	return ifadapter.FeatureErrorFrames | ifadapter.FeatureCANFD
}

func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *Adapter) Connect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}
	dev, err := a.open(a.iface)
	if err != nil {
		return fmt.Errorf("socketcan open %s: %w", a.iface, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.dev = dev
	a.cancel = cancel
	a.rxQueue = make(chan can.Frame, rxQueueSize)
	a.tx = socketcan.NewTXWriter(ctx, dev, txQueueSize)
	a.connected = true

	a.wg.Add(1)
	go a.rxLoop(ctx)
	logging.L().Info("socketcanif_connect", "if", a.iface)
	return nil
}

func (a *Adapter) rxLoop(ctx context.Context) {
	defer a.wg.Done()
	backoff := rxBackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		var fr can.Frame
		if err := a.dev.ReadFrame(&fr); err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.IncError(metrics.ErrSocketCANRead)
			logging.L().Warn("socketcanif_read_error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
			continue
		}
		select {
		case a.rxQueue <- fr:
		default:
			metrics.IncError(metrics.ErrSocketCANRead)
		}
		backoff = rxBackoffMin
	}
}

func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil
	}
	a.cancel()
	a.tx.Close()
	dev := a.dev
	a.connected = false
	a.mu.Unlock()

	a.wg.Wait()
	if dev != nil {
		return dev.Close()
	}
	return nil
}

// SetMode has no SocketCAN raw-socket equivalent for listen-only vs.
// start; the kernel interface's operational state is managed by `ip
// link set <if> up`, done before Connect.
func (a *Adapter) SetMode(can.Mode) error { return nil }

// SetBitrate is a no-op; see the Adapter doc comment.
func (a *Adapter) SetBitrate(nominal, data int32) error { return nil }

func (a *Adapter) Read(out *can.Frame) (ifadapter.ReadStatus, error) {
	select {
	case fr := <-a.rxQueue:
		*out = fr
		return ifadapter.ReadOK, nil
	default:
		return ifadapter.ReadEmpty, nil
	}
}

func (a *Adapter) Write(fr can.Frame) error {
	a.mu.Lock()
	tx := a.tx
	a.mu.Unlock()
	if tx == nil {
		return fmt.Errorf("socketcanif: not connected")
	}
	return tx.SendFrame(fr)
}

var _ ifadapter.Adapter = (*Adapter)(nil)
