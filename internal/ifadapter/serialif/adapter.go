// Package serialif adapts the UART CAN transceiver protocol
// (internal/serial) to the ifadapter.Adapter capability interface,
// using the same RX loop shape as before: an accumulation buffer,
// exponential backoff on read errors, and periodic large-buffer
// reclaim.
package serialif

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/kstaniek/qcan-server/internal/can"
	"github.com/kstaniek/qcan-server/internal/ifadapter"
	"github.com/kstaniek/qcan-server/internal/logging"
	"github.com/kstaniek/qcan-server/internal/metrics"
	"github.com/kstaniek/qcan-server/internal/serial"
)

const (
	rxQueueSize               = 256
	txQueueSize               = 256
	serialReadBufSize         = 512
	largeBufferReclaimThresh  = 8192
	rxBackoffMin              = 20 * time.Millisecond
	rxBackoffMax              = 2 * time.Second
)

// OpenFunc opens a serial port; overridable in tests.
type OpenFunc func(name string, baud int, readTimeout time.Duration) (serial.Port, error)

// Adapter drives a UART CAN transceiver behind the ifadapter.Adapter
// interface. The wire protocol this backend speaks
// (internal/serial.Codec) only ever moves classical CAN frames, so it
// has no CAN FD capability and never reads or writes an error frame.
// SupportedFeatures still advertises FeatureErrorFrames, which leaves
// the network's own error-frame setting in charge of whether error
// frames are fanned out between its sessions.
type Adapter struct {
	device   string
	baud     int
	readTO   time.Duration
	open     OpenFunc

	mu       sync.Mutex
	port     serial.Port
	tx       *serial.TXWriter
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	rxQueue  chan can.Frame
	connected bool
}

// New creates an unconnected serial adapter for device at baud, with
// the given per-read timeout applied to each Port.Read call.
func New(device string, baud int, readTO time.Duration) *Adapter {
	return &Adapter{device: device, baud: baud, readTO: readTO, open: serial.Open}
}

func (a *Adapter) SupportedFeatures() ifadapter.Features { return ifadapter.FeatureErrorFrames }

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
	p, err := a.open(a.device, a.baud, a.readTO)
	if err != nil {
		return fmt.Errorf("open serial %s: %w", a.device, err)
	}
	codec := serial.Codec{}
	ctx, cancel := context.WithCancel(context.Background())
	a.port = p
	a.cancel = cancel
	a.rxQueue = make(chan can.Frame, rxQueueSize)
	a.tx = serial.NewTXWriter(ctx, p, codec, txQueueSize)
	a.connected = true

	a.wg.Add(1)
	go a.rxLoop(ctx, codec)
	logging.L().Info("serialif_connect", "device", a.device, "baud", a.baud)
	return nil
}

func (a *Adapter) rxLoop(ctx context.Context, codec serial.Codec) {
	defer a.wg.Done()
	buf := make([]byte, serialReadBufSize)
	acc := bytes.NewBuffer(nil)
	backoff := rxBackoffMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, err := a.port.Read(buf)
		if n > 0 {
			acc.Write(buf[:n])
			_ = codec.DecodeStream(acc, func(fr can.Frame) {
				select {
				case a.rxQueue <- fr:
				default:
					metrics.IncError(metrics.ErrSerialRead)
				}
			})
			if acc.Len() == 0 && cap(acc.Bytes()) > largeBufferReclaimThresh {
				acc = bytes.NewBuffer(nil)
			}
			backoff = rxBackoffMin
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var perr *os.PathError
			if errors.As(err, &perr) {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				continue
			}
			metrics.IncError(metrics.ErrSerialRead)
			logging.L().Warn("serialif_read_error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > rxBackoffMax {
				backoff = rxBackoffMax
			}
		}
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
	port := a.port
	a.connected = false
	a.mu.Unlock()

	a.wg.Wait()
	if port != nil {
		return port.Close()
	}
	return nil
}

// SetMode is a no-op: the UART transceiver this backend speaks has no
// documented mode-switch command; start/stop is governed by whether
// the adapter is attached to a network at all.
func (a *Adapter) SetMode(can.Mode) error { return nil }

// SetBitrate is a no-op for the same reason: the wire protocol carries
// no bit-timing configuration frame.
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
		return fmt.Errorf("serialif: not connected")
	}
	return tx.SendFrame(fr)
}

var _ ifadapter.Adapter = (*Adapter)(nil)
