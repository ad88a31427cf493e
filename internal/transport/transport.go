package transport

import "github.com/kstaniek/qcan-server/internal/can"

// FrameSink is a generic CAN frame transmission target, implemented by
// AsyncTx and the serial and SocketCAN TX writers built on it.
type FrameSink interface {
	SendFrame(can.Frame) error
}
