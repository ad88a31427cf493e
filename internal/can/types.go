package can

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// FrameArraySize is the fixed width, in bytes, of one wire unit exchanged
// with TCP clients and hardware adapters. All three frame categories
// (CAN, API, Error) are packed into an array of this size so a reader can
// count available_bytes/FrameArraySize complete frames without a length
// prefix.
const FrameArraySize = 16

// HardwareSentinel is the reserved source id used for frames that
// originate from an attached hardware interface rather than a TCP
// session. It is chosen far outside any realistic session index.
const HardwareSentinel = 22345

// RawFrame is one undecoded wire unit.
type RawFrame [FrameArraySize]byte

// Frame is a classical or FD CAN frame holder shared across the codec,
// the dispatcher and the hardware adapters. can_id itself never carries
// the EFF flag in its upper bits here (unlike raw SocketCAN structs) --
// Ext is tracked separately so 11- and 29-bit ids round-trip without
// masking ambiguity.
type Frame struct {
	CANID uint32
	Len   uint8
	Data  [8]byte
	Ext   bool
	RTR   bool
	FD    bool
	BRS   bool
	ESI   bool
}

// Mode is the CAN controller operating mode, shared by the API frame's
// CAN_MODE payload and the hardware Adapter capability interface so
// neither package needs to import the other just to agree on these
// three values.
type Mode uint8

const (
	ModeStop Mode = iota
	ModeStart
	ModeListenOnly
)

func (m Mode) String() string {
	switch m {
	case ModeStop:
		return "stop"
	case ModeStart:
		return "start"
	case ModeListenOnly:
		return "listen-only"
	default:
		return "unknown"
	}
}

// BusState is the controller error-state reported in an Error frame.
type BusState uint8

const (
	BusStateActive BusState = iota
	BusStateWarn
	BusStatePassive
	BusStateOff
)

func (s BusState) String() string {
	switch s {
	case BusStateActive:
		return "error-active"
	case BusStateWarn:
		return "error-warning"
	case BusStatePassive:
		return "error-passive"
	case BusStateOff:
		return "bus-off"
	default:
		return "unknown"
	}
}

func (f Frame) CopyShallow() Frame { // handy for tests
	var g Frame
	g.CANID, g.Len = f.CANID, f.Len
	g.Ext, g.RTR, g.FD, g.BRS, g.ESI = f.Ext, f.RTR, f.FD, f.BRS, f.ESI
	copy(g.Data[:], f.Data[:])
	return g
}
