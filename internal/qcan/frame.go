// Package qcan implements the per-network core of the CAN bus server:
// the frame codec, the session registry, the dispatcher, the control
// plane and the statistics aggregator described by the network wire
// protocol. It has no knowledge of the process-wide CLI or transport
// wiring; see cmd/qcan-server for that.
package qcan

import "github.com/kstaniek/qcan-server/internal/can"

// Category is the frame class carried in the top three bits of byte 0.
type Category uint8

const (
	CategoryCAN Category = iota
	CategoryAPI
	CategoryError
	CategoryUnknown
)

func (c Category) String() string {
	switch c {
	case CategoryCAN:
		return "CAN"
	case CategoryAPI:
		return "API"
	case CategoryError:
		return "Error"
	default:
		return "Unknown"
	}
}

const (
	categoryMaskCAN   byte = 0x00
	categoryMaskAPI   byte = 0x40
	categoryMaskError byte = 0x80
	categoryMask      byte = 0xE0
	dlcMask           byte = 0x1F
)

// APIFunction discriminates the payload carried by an API frame.
type APIFunction uint8

const (
	APIFuncNone APIFunction = iota
	APIFuncBitrate
	APIFuncCANMode
	APIFuncDriverInit
	APIFuncDriverRelease
	APIFuncName
)

func (f APIFunction) String() string {
	switch f {
	case APIFuncNone:
		return "NONE"
	case APIFuncBitrate:
		return "BITRATE"
	case APIFuncCANMode:
		return "CAN_MODE"
	case APIFuncDriverInit:
		return "DRIVER_INIT"
	case APIFuncDriverRelease:
		return "DRIVER_RELEASE"
	case APIFuncName:
		return "NAME"
	default:
		return "UNKNOWN"
	}
}

// BitrateUnset is the sentinel meaning "unchanged / not applicable" for
// both nominal and data bit-rate fields.
const BitrateUnset int32 = -1

// APIFrame is an in-band control message.
type APIFrame struct {
	Function APIFunction
	Nominal  int32 // valid for APIFuncBitrate
	Data     int32 // valid for APIFuncBitrate
	Mode     can.Mode
	Name     string // valid for APIFuncName, truncated to maxNameLen on encode
}

// ErrorFrame carries the positional error-state payload. Its wire
// layout is part of the protocol contract and must not change without
// a version bump.
type ErrorFrame struct {
	State    can.BusState
	ErrType  uint8
	RxErrors uint8
	TxErrors uint8
}

// Frame is the decoded result of Decode: exactly one of CAN, API or Err
// is meaningful, selected by Category.
type Frame struct {
	Category Category
	Raw      can.RawFrame
	CAN      can.Frame
	API      APIFrame
	Err      ErrorFrame
}
